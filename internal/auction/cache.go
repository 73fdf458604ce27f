// Package auction maintains the solvable-orders snapshot handed to
// solvers. A snapshot pins the latest indexed block, the orders open for
// solving at that block, and a native reference price for every traded
// token. Snapshots are immutable; readers always see the last published
// one in full.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
)

// OrderSource lists auction candidates. *postgres.OrderStore satisfies
// it.
type OrderSource interface {
	Solvable(ctx context.Context, minValidTo uint32) ([]*domain.Order, error)
}

// BlockSource reads the indexer's watermarks. *postgres.EventStore
// satisfies it.
type BlockSource interface {
	LatestIndexedBlock(ctx context.Context) (uint64, error)
	LatestSettlementBlock(ctx context.Context) (uint64, error)
}

// BalanceSource reads effective spendable sell-token amounts in one
// batched call. *eth.BalanceReader satisfies it.
type BalanceSource interface {
	Balances(ctx context.Context, queries []eth.BalanceQuery) (map[eth.BalanceQuery]*domain.U256, error)
}

// NativePricer prices one atom of a token in wei, scaled by 1e18.
type NativePricer interface {
	NativePrice(ctx context.Context, token common.Address) (*domain.U256, error)
}

// Archiver persists published snapshots for replay. Archival failures
// never block publication.
type Archiver interface {
	Archive(ctx context.Context, a *domain.Auction) error
}

// Alerter forwards operational alerts about the rebuild loop.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// rebuildAlertStreak is the number of consecutive rebuild failures that
// raises an operational alert. A single failure is routine (node hiccup,
// slow query); a streak means solvers are working on a stale snapshot.
const rebuildAlertStreak = 5

// Cache rebuilds and publishes the auction snapshot. At most one rebuild
// runs at a time; Trigger requests coalesce into a single pending one.
type Cache struct {
	orders      OrderSource
	events      BlockSource
	balances    BalanceSource
	prices      NativePricer
	bus         domain.EventBus
	archiver    Archiver
	unsupported map[common.Address]bool
	cfg         config.AuctionConfig
	logger      *slog.Logger

	current atomic.Pointer[domain.Auction]
	trigger chan struct{}
	alerts  Alerter

	// Balance reads are reused while the indexed block does not advance.
	mu           sync.Mutex
	balanceBlock uint64
	balanceCache map[eth.BalanceQuery]*domain.U256

	now func() time.Time
}

// NewCache builds the cache. bus and archiver may be nil; publication
// then skips the corresponding side effect.
func NewCache(
	orders OrderSource,
	events BlockSource,
	balances BalanceSource,
	prices NativePricer,
	bus domain.EventBus,
	archiver Archiver,
	unsupported map[common.Address]bool,
	cfg config.AuctionConfig,
	logger *slog.Logger,
) *Cache {
	return &Cache{
		orders:      orders,
		events:      events,
		balances:    balances,
		prices:      prices,
		bus:         bus,
		archiver:    archiver,
		unsupported: unsupported,
		cfg:         cfg,
		logger:      logger,
		trigger:     make(chan struct{}, 1),
		now:         time.Now,
	}
}

// SetAlerter attaches an operational alerter for rebuild failure
// streaks. Must be called before RunLoop starts.
func (c *Cache) SetAlerter(a Alerter) {
	c.alerts = a
}

// Current returns the last published snapshot, nil before the first
// successful rebuild.
func (c *Cache) Current() *domain.Auction {
	return c.current.Load()
}

// Seed installs an archived snapshot as the starting state so the API
// answers immediately after a restart. A snapshot from a live rebuild
// always wins; seeding only fills the nil state.
func (c *Cache) Seed(a *domain.Auction) bool {
	return c.current.CompareAndSwap(nil, a)
}

// Trigger requests a rebuild outside the regular cadence, typically after
// the indexer stored new events. Multiple triggers before the next
// rebuild coalesce into one.
func (c *Cache) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// RunLoop rebuilds on the configured cadence and on triggers until the
// context ends. A failed rebuild keeps the previous snapshot.
func (c *Cache) RunLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.RefreshInterval.Duration)
	defer ticker.Stop()

	failures := 0
	for {
		rebuildCtx := ctx
		var cancel context.CancelFunc = func() {}
		if c.cfg.RebuildTimeout.Duration > 0 {
			rebuildCtx, cancel = context.WithTimeout(ctx, c.cfg.RebuildTimeout.Duration)
		}
		if err := c.Rebuild(rebuildCtx); err != nil && ctx.Err() == nil {
			failures++
			c.logger.Error("auction rebuild failed",
				slog.Int("streak", failures),
				slog.String("error", err.Error()),
			)
			if failures == rebuildAlertStreak && c.alerts != nil {
				_ = c.alerts.Notify(ctx, "rebuild_failed", "auction rebuild failing",
					fmt.Sprintf("%d consecutive rebuild failures, last: %v", failures, err))
			}
		} else if err == nil {
			failures = 0
		}
		cancel()

		select {
		case <-ctx.Done():
			c.logger.Info("auction rebuild loop stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-c.trigger:
		}
	}
}

// Rebuild computes a fresh snapshot and publishes it. Publication is
// skipped when the indexed block moved backwards so readers never see
// the auction block decrease.
func (c *Cache) Rebuild(ctx context.Context) error {
	block, err := c.events.LatestIndexedBlock(ctx)
	if err != nil {
		return fmt.Errorf("auction: read indexed block: %w", err)
	}
	settlementBlock, err := c.events.LatestSettlementBlock(ctx)
	if err != nil {
		return fmt.Errorf("auction: read settlement block: %w", err)
	}

	now := c.now()
	candidates, err := c.orders.Solvable(ctx, uint32(now.Unix()))
	if err != nil {
		return fmt.Errorf("auction: fetch solvable orders: %w", err)
	}

	orders := c.screenTokens(candidates)

	orders, err = c.allocateBalances(ctx, block, orders)
	if err != nil {
		return err
	}

	orders, prices, err := c.priceTokens(ctx, orders)
	if err != nil {
		return err
	}

	snapshot := &domain.Auction{
		Block:                 block,
		LatestSettlementBlock: settlementBlock,
		Orders:                orders,
		Prices:                prices,
	}

	if prev := c.current.Load(); prev != nil && snapshot.Block < prev.Block {
		c.logger.Warn("indexed block moved backwards, keeping previous auction",
			slog.Uint64("previous", prev.Block),
			slog.Uint64("rebuilt", snapshot.Block))
		return nil
	}
	c.current.Store(snapshot)

	c.logger.Info("auction published",
		slog.Uint64("block", snapshot.Block),
		slog.Int("orders", len(snapshot.Orders)),
		slog.Int("prices", len(snapshot.Prices)))

	c.announce(ctx, snapshot)
	return nil
}

// screenTokens drops orders trading a token on the unsupported list and
// orders still waiting for an on-chain presignature. This deployment's
// scheme set has no presign, so the second filter never fires.
func (c *Cache) screenTokens(orders []*domain.Order) []*domain.Order {
	kept := orders[:0]
	for _, o := range orders {
		if c.unsupported[o.SellToken] || c.unsupported[o.BuyToken] {
			continue
		}
		if o.Status == domain.OrderStatusPresignaturePending {
			continue
		}
		kept = append(kept, o)
	}
	return kept
}

// allocateBalances attributes each owner's spendable sell-token balance
// to their orders oldest first, the order settlement would fill them in.
// Underfunded fill-or-kill orders are dropped; partially fillable orders
// stay, carrying whatever allocation remains (nil when the read failed).
func (c *Cache) allocateBalances(ctx context.Context, block uint64, orders []*domain.Order) ([]*domain.Order, error) {
	if len(orders) == 0 {
		return orders, nil
	}

	queries := make([]eth.BalanceQuery, 0, len(orders))
	seen := make(map[eth.BalanceQuery]bool, len(orders))
	for _, o := range orders {
		q := balanceQueryFor(o)
		if !seen[q] {
			seen[q] = true
			queries = append(queries, q)
		}
	}

	balances, err := c.readBalances(ctx, block, queries)
	if err != nil {
		return nil, fmt.Errorf("auction: read balances: %w", err)
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreationDate.Before(orders[j].CreationDate)
	})

	remaining := make(map[eth.BalanceQuery]*big.Int, len(balances))
	for q, b := range balances {
		remaining[q] = new(big.Int).Set(b.Int())
	}

	kept := orders[:0]
	for _, o := range orders {
		q := balanceQueryFor(o)
		pool, known := remaining[q]

		need := fillOrKillNeed(o)
		if !o.PartiallyFillable {
			if !known || pool.Cmp(need) < 0 {
				continue
			}
			pool.Sub(pool, need)
			o.AvailableBalance = domain.NewU256(need)
			kept = append(kept, o)
			continue
		}

		// Partially fillable: allocate what is left, capped at the
		// unexecuted sell amount. An unknown balance keeps the order
		// with a null available balance.
		if !known {
			o.AvailableBalance = nil
			kept = append(kept, o)
			continue
		}
		alloc := new(big.Int).Set(pool)
		if r := o.RemainingSellAmount().Int(); alloc.Cmp(r) > 0 {
			alloc.Set(r)
		}
		pool.Sub(pool, alloc)
		o.AvailableBalance = domain.NewU256(alloc)
		kept = append(kept, o)
	}
	return kept, nil
}

// readBalances fetches balances for the queries, reusing the previous
// cycle's reads while the indexed block has not advanced.
func (c *Cache) readBalances(ctx context.Context, block uint64, queries []eth.BalanceQuery) (map[eth.BalanceQuery]*domain.U256, error) {
	c.mu.Lock()
	cached := c.balanceCache
	cachedBlock := c.balanceBlock
	c.mu.Unlock()

	if cached != nil && cachedBlock == block {
		missing := queries[:0]
		for _, q := range queries {
			if _, ok := cached[q]; !ok {
				missing = append(missing, q)
			}
		}
		if len(missing) == 0 {
			return cached, nil
		}
		fresh, err := c.balances.Balances(ctx, missing)
		if err != nil {
			return nil, err
		}
		merged := make(map[eth.BalanceQuery]*domain.U256, len(cached)+len(fresh))
		for q, b := range cached {
			merged[q] = b
		}
		for q, b := range fresh {
			merged[q] = b
		}
		c.storeBalances(block, merged)
		return merged, nil
	}

	fresh, err := c.balances.Balances(ctx, queries)
	if err != nil {
		return nil, err
	}
	c.storeBalances(block, fresh)
	return fresh, nil
}

func (c *Cache) storeBalances(block uint64, balances map[eth.BalanceQuery]*domain.U256) {
	c.mu.Lock()
	c.balanceBlock = block
	c.balanceCache = balances
	c.mu.Unlock()
}

// priceTokens fetches native prices for the union of traded tokens in
// parallel and drops orders whose tokens could not be priced.
func (c *Cache) priceTokens(ctx context.Context, orders []*domain.Order) ([]*domain.Order, map[common.Address]*domain.U256, error) {
	tokens := make([]common.Address, 0, 2*len(orders))
	seen := make(map[common.Address]bool, 2*len(orders))
	for _, o := range orders {
		for _, t := range []common.Address{o.SellToken, o.BuyToken} {
			if !seen[t] {
				seen[t] = true
				tokens = append(tokens, t)
			}
		}
	}

	prices := make(map[common.Address]*domain.U256, len(tokens))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, token := range tokens {
		wg.Add(1)
		go func(token common.Address) {
			defer wg.Done()
			price, err := c.prices.NativePrice(ctx, token)
			if err != nil {
				c.logger.Debug("token has no native price",
					slog.String("token", token.Hex()),
					slog.String("error", err.Error()))
				return
			}
			mu.Lock()
			prices[token] = price
			mu.Unlock()
		}(token)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	kept := orders[:0]
	for _, o := range orders {
		if prices[o.SellToken] == nil || prices[o.BuyToken] == nil {
			continue
		}
		kept = append(kept, o)
	}
	return kept, prices, nil
}

// announce hands a published snapshot to the archiver and the event bus.
// Both are best effort; the snapshot is already live.
func (c *Cache) announce(ctx context.Context, snapshot *domain.Auction) {
	if c.archiver != nil {
		if err := c.archiver.Archive(ctx, snapshot); err != nil {
			c.logger.Warn("auction archive failed",
				slog.Uint64("block", snapshot.Block),
				slog.String("error", err.Error()))
		}
	}
	if c.bus != nil {
		err := c.bus.Publish(ctx, domain.OrderEvent{
			Type:      domain.AuctionPublished,
			Block:     snapshot.Block,
			Timestamp: c.now().UTC(),
		})
		if err != nil {
			c.logger.Warn("auction publish event failed", slog.String("error", err.Error()))
		}
	}
}

func balanceQueryFor(o *domain.Order) eth.BalanceQuery {
	source := o.SellTokenBalance
	if source == "" {
		source = domain.SellTokenSourceErc20
	}
	return eth.BalanceQuery{Owner: o.Owner, Token: o.SellToken, Source: source}
}

// fillOrKillNeed is the funding a fill-or-kill order requires: the full
// sell amount plus its fee.
func fillOrKillNeed(o *domain.Order) *big.Int {
	need := new(big.Int).Set(o.SellAmount.Int())
	if o.FeeAmount != nil {
		need.Add(need, o.FeeAmount.Int())
	}
	return need
}
