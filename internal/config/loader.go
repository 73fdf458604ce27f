package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ORDERBOOK_* environment variable overrides,
// and returns the final Config. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
// A missing file is not an error so a pure-env deployment works.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ORDERBOOK_* environment variables
// and overwrites the corresponding Config fields when a variable is set
// (i.e. not empty). This lets operators inject secrets at deploy time
// without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ORDERBOOK_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ORDERBOOK_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ORDERBOOK_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ORDERBOOK_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ORDERBOOK_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ORDERBOOK_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ORDERBOOK_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ORDERBOOK_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ORDERBOOK_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ORDERBOOK_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ORDERBOOK_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ORDERBOOK_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ORDERBOOK_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ORDERBOOK_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ORDERBOOK_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ORDERBOOK_REDIS_TLS_ENABLED")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "ORDERBOOK_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ORDERBOOK_S3_REGION")
	setStr(&cfg.S3.Bucket, "ORDERBOOK_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ORDERBOOK_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ORDERBOOK_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "ORDERBOOK_S3_FORCE_PATH_STYLE")

	// ── Eth ──
	setStr(&cfg.Eth.NodeURL, "ORDERBOOK_ETH_NODE_URL")
	setInt64(&cfg.Eth.ChainID, "ORDERBOOK_ETH_CHAIN_ID")
	setStr(&cfg.Eth.SettlementContract, "ORDERBOOK_ETH_SETTLEMENT_CONTRACT")
	setStr(&cfg.Eth.VaultRelayer, "ORDERBOOK_ETH_VAULT_RELAYER")
	setStr(&cfg.Eth.WrappedNativeToken, "ORDERBOOK_ETH_WRAPPED_NATIVE_TOKEN")
	setStr(&cfg.Eth.DomainName, "ORDERBOOK_ETH_DOMAIN_NAME")
	setStr(&cfg.Eth.DomainVersion, "ORDERBOOK_ETH_DOMAIN_VERSION")
	setDuration(&cfg.Eth.CallTimeout, "ORDERBOOK_ETH_CALL_TIMEOUT")

	// ── Indexer ──
	setDuration(&cfg.Indexer.PollInterval, "ORDERBOOK_INDEXER_POLL_INTERVAL")
	setUint64(&cfg.Indexer.BatchSize, "ORDERBOOK_INDEXER_BATCH_SIZE")
	setUint64(&cfg.Indexer.ReorgDepth, "ORDERBOOK_INDEXER_REORG_DEPTH")
	setUint64(&cfg.Indexer.StartBlock, "ORDERBOOK_INDEXER_START_BLOCK")
	setBool(&cfg.Indexer.LeaderLock, "ORDERBOOK_INDEXER_LEADER_LOCK")
	setDuration(&cfg.Indexer.MaxBackoff, "ORDERBOOK_INDEXER_MAX_BACKOFF")
	setDuration(&cfg.Indexer.StallAlert, "ORDERBOOK_INDEXER_STALL_ALERT")
	setUint64(&cfg.Indexer.DeepReorgAlert, "ORDERBOOK_INDEXER_DEEP_REORG_ALERT")

	// ── Auction ──
	setDuration(&cfg.Auction.RefreshInterval, "ORDERBOOK_AUCTION_REFRESH_INTERVAL")
	setDuration(&cfg.Auction.RebuildTimeout, "ORDERBOOK_AUCTION_REBUILD_TIMEOUT")
	setBool(&cfg.Auction.ArchiveEnabled, "ORDERBOOK_AUCTION_ARCHIVE_ENABLED")
	setStr(&cfg.Auction.ArchivePrefix, "ORDERBOOK_AUCTION_ARCHIVE_PREFIX")

	// ── Fees ──
	setUint64(&cfg.Fees.GasPerOrder, "ORDERBOOK_FEES_GAS_PER_ORDER")
	setInt64(&cfg.Fees.FeeRatioBps, "ORDERBOOK_FEES_FEE_RATIO_BPS")
	setInt64(&cfg.Fees.FeeFactorBps, "ORDERBOOK_FEES_FEE_FACTOR_BPS")
	setDuration(&cfg.Fees.StandardTTL, "ORDERBOOK_FEES_STANDARD_TTL")
	setDuration(&cfg.Fees.PersistedTTL, "ORDERBOOK_FEES_PERSISTED_TTL")
	setInt64(&cfg.Fees.SlackBps, "ORDERBOOK_FEES_SLACK_BPS")

	// ── Pricing ──
	setStringSlice(&cfg.Pricing.Sources, "ORDERBOOK_PRICING_SOURCES")
	setStr(&cfg.Pricing.OneinchBaseURL, "ORDERBOOK_PRICING_ONEINCH_BASE_URL")
	setStr(&cfg.Pricing.UniswapRouter, "ORDERBOOK_PRICING_UNISWAP_ROUTER")
	setStr(&cfg.Pricing.PriceEstimationAmount, "ORDERBOOK_PRICING_PRICE_ESTIMATION_AMOUNT")
	setDuration(&cfg.Pricing.EstimateTimeout, "ORDERBOOK_PRICING_ESTIMATE_TIMEOUT")
	setDuration(&cfg.Pricing.CacheTTL, "ORDERBOOK_PRICING_CACHE_TTL")
	setDuration(&cfg.Pricing.NegativeCacheTTL, "ORDERBOOK_PRICING_NEGATIVE_CACHE_TTL")

	// ── Validation ──
	setDuration(&cfg.Validation.MinValidToHorizon, "ORDERBOOK_VALIDATION_MIN_VALID_TO_HORIZON")
	setStringSlice(&cfg.Validation.DenyList, "ORDERBOOK_VALIDATION_DENY_LIST")
	setStringSlice(&cfg.Validation.UnsupportedTokens, "ORDERBOOK_VALIDATION_UNSUPPORTED_TOKENS")

	// ── Server ──
	setInt(&cfg.Server.Port, "ORDERBOOK_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ORDERBOOK_SERVER_CORS_ORIGINS")
	setDuration(&cfg.Server.ReadTimeout, "ORDERBOOK_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "ORDERBOOK_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.RequestTimeout, "ORDERBOOK_SERVER_REQUEST_TIMEOUT")
	setInt(&cfg.Server.RateLimitRequests, "ORDERBOOK_SERVER_RATE_LIMIT_REQUESTS")
	setDuration(&cfg.Server.RateLimitWindow, "ORDERBOOK_SERVER_RATE_LIMIT_WINDOW")
	setBool(&cfg.Server.WSEnabled, "ORDERBOOK_SERVER_WS_ENABLED")
	setStr(&cfg.Server.SolverAPIKeySalt, "ORDERBOOK_SERVER_SOLVER_API_KEY_SALT")
	setStr(&cfg.Server.SolverAPIKeyHash, "ORDERBOOK_SERVER_SOLVER_API_KEY_HASH")
	setStr(&cfg.Server.Version, "ORDERBOOK_SERVER_VERSION")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ORDERBOOK_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ORDERBOOK_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ORDERBOOK_NOTIFY_DISCORD_WEBHOOK_URL")

	// ── Top-level ──
	setStr(&cfg.Mode, "ORDERBOOK_MODE")
	setStr(&cfg.LogLevel, "ORDERBOOK_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
