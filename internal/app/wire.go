package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/auction"
	s3blob "github.com/auctionmesh/orderbook/internal/blob/s3"
	"github.com/auctionmesh/orderbook/internal/cache/redis"
	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/crypto"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
	"github.com/auctionmesh/orderbook/internal/index"
	"github.com/auctionmesh/orderbook/internal/notify"
	"github.com/auctionmesh/orderbook/internal/platform/oneinch"
	"github.com/auctionmesh/orderbook/internal/pricing"
	"github.com/auctionmesh/orderbook/internal/quote"
	"github.com/auctionmesh/orderbook/internal/server"
	"github.com/auctionmesh/orderbook/internal/server/handler"
	"github.com/auctionmesh/orderbook/internal/server/ws"
	"github.com/auctionmesh/orderbook/internal/store/postgres"
	"github.com/auctionmesh/orderbook/internal/validation"
)

// Dependencies bundles every wired component so the mode runners can pick
// what they need. All fields are populated regardless of mode; unused
// components simply never have their loops started.
type Dependencies struct {
	Orders  *postgres.OrderStore
	Events  *postgres.EventStore
	Trades  *postgres.TradeStore
	AppData *postgres.AppDataStore
	Fees    *postgres.FeeStore

	Bus     *redis.EventBus
	Limiter domain.RateLimiter

	Archive       domain.BlobReader
	ArchivePrefix string

	Engine    *quote.Engine
	Validator *validation.Validator
	Cache     *auction.Cache
	Indexer   *index.Indexer
	Notifier  *notify.Notifier
	Hub       *ws.Hub
	Server    *server.Server
}

// Wire builds the full dependency graph from the configuration. The
// returned cleanup function closes every acquired resource in reverse
// order and is safe to call exactly once.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	// Postgres.
	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pg.Close)
	if cfg.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: migrations: %w", err))
		}
	}

	deps := &Dependencies{
		Orders:  postgres.NewOrderStore(pg.Pool()),
		Events:  postgres.NewEventStore(pg.Pool()),
		Trades:  postgres.NewTradeStore(pg.Pool()),
		AppData: postgres.NewAppDataStore(pg.Pool()),
		Fees:    postgres.NewFeeStore(pg.Pool()),
	}

	// Redis.
	rd, err := redis.New(ctx, cfg.Redis)
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = rd.Close() })
	deps.Bus = redis.NewEventBus(rd)
	deps.Limiter = redis.NewRateLimiter(rd)
	estimates := redis.NewEstimateCache(rd)
	locks := redis.NewLockManager(rd)

	// Chain access.
	ethClient, err := eth.Dial(ctx, cfg.Eth.NodeURL, cfg.Eth.ChainID, cfg.Eth.CallTimeout.Duration)
	if err != nil {
		return fail(fmt.Errorf("wire: eth node: %w", err))
	}
	closers = append(closers, ethClient.Close)
	settlement := cfg.Eth.SettlementAddress()
	wrappedNative := cfg.Eth.WrappedNative()
	balances := eth.NewBalanceReader(ethClient, cfg.Eth.VaultRelayerAddress())
	chain := eth.NewSettlementReader(ethClient, settlement)

	// Price estimation. Sources are tried in configured order, then the
	// winning answer is sanitized and cached in Redis.
	var sources []pricing.Source
	for _, name := range cfg.Pricing.Sources {
		switch name {
		case "oneinch":
			api := oneinch.NewClient(cfg.Pricing.OneinchBaseURL, uint64(cfg.Eth.ChainID))
			sources = append(sources, pricing.Source{Name: name, Estimator: pricing.NewOneInchSource(api)})
		case "uniswap":
			router := eth.NewUniswapRouter(ethClient, common.HexToAddress(cfg.Pricing.UniswapRouter))
			sources = append(sources, pricing.Source{Name: name, Estimator: pricing.NewUniswapSource(router, wrappedNative)})
		default:
			return fail(fmt.Errorf("wire: unknown price source %q", name))
		}
	}
	unsupported := cfg.Validation.UnsupportedSet()
	estimator := pricing.NewCached(
		pricing.NewSanitized(pricing.NewPriorityList(sources, logger), wrappedNative, unsupported),
		estimates,
		cfg.Pricing.CacheTTL.Duration,
		cfg.Pricing.NegativeCacheTTL.Duration,
		logger,
	)
	native := pricing.NewNativePriceSource(estimator, wrappedNative, cfg.Pricing.EstimationAmount())

	deps.Engine = quote.NewEngine(estimator, native, ethClient, deps.Fees, cfg.Fees, logger)

	// Signature verification and order validation.
	verifier := crypto.NewVerifier(crypto.Domain{
		Name:              cfg.Eth.DomainName,
		Version:           cfg.Eth.DomainVersion,
		ChainID:           cfg.Eth.ChainID,
		VerifyingContract: settlement,
	})
	deps.Validator = validation.NewValidator(verifier, deps.Engine, balances, ethClient, cfg.Validation, wrappedNative, logger)

	deps.Notifier = notify.FromConfig(cfg.Notify, logger)

	// Indexer. The leader lock only matters when multiple replicas run
	// the indexer mode against one database.
	var leaderLock domain.LockManager
	if cfg.Indexer.LeaderLock {
		leaderLock = locks
	}
	deps.Indexer = index.NewIndexer(chain, deps.Events, leaderLock, deps.Notifier, cfg.Indexer, logger)
	deps.Indexer.SetBus(deps.Bus)

	// Solvable-orders cache, optionally archiving snapshots to S3.
	var archiver auction.Archiver
	if cfg.Auction.ArchiveEnabled {
		s3c, err := s3blob.New(ctx, cfg.S3)
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		archiver = auction.NewS3Archiver(s3blob.NewWriter(s3c), cfg.Auction.ArchivePrefix, logger)
		deps.Archive = s3blob.NewReader(s3c)
		deps.ArchivePrefix = cfg.Auction.ArchivePrefix
	}
	deps.Cache = auction.NewCache(deps.Orders, deps.Events, balances, native, deps.Bus, archiver, unsupported, cfg.Auction, logger)
	deps.Cache.SetAlerter(deps.Notifier)

	// HTTP surface.
	guard, err := crypto.NewAPIKeyGuard(cfg.Server.SolverAPIKeySalt, cfg.Server.SolverAPIKeyHash)
	if err != nil {
		return fail(fmt.Errorf("wire: solver api key: %w", err))
	}
	if cfg.Server.WSEnabled {
		deps.Hub = ws.NewHub(logger)
	}
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Events, logger),
		Version: handler.NewVersionHandler(cfg.Server.Version),
		Orders:  handler.NewOrderHandler(deps.Validator, verifier, deps.Orders, deps.Bus, settlement, logger),
		Trades:  handler.NewTradeHandler(deps.Trades, logger),
		Quotes:  handler.NewQuoteHandler(deps.Engine, deps.Validator, logger),
		Auction: handler.NewAuctionHandler(deps.Cache, logger),
		AppData: handler.NewAppDataHandler(deps.AppData, logger),
	}
	deps.Server = server.New(cfg.Server, handlers, deps.Hub, guard, deps.Limiter, logger)

	return deps, cleanup, nil
}
