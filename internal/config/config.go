// Package config defines the top-level configuration for the order-book
// service and provides validation helpers.
package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by ORDERBOOK_* environment
// variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	S3         S3Config         `toml:"s3"`
	Eth        EthConfig        `toml:"eth"`
	Indexer    IndexerConfig    `toml:"indexer"`
	Auction    AuctionConfig    `toml:"auction"`
	Fees       FeeConfig        `toml:"fees"`
	Pricing    PricingConfig    `toml:"pricing"`
	Validation ValidationConfig `toml:"validation"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds object storage parameters for the auction archive.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// EthConfig holds chain access and protocol deployment parameters.
type EthConfig struct {
	NodeURL string `toml:"node_url"`
	ChainID int64  `toml:"chain_id"`
	// SettlementContract is the deployed settlement contract whose domain
	// orders are signed against and whose events the indexer follows.
	SettlementContract string `toml:"settlement_contract"`
	// VaultRelayer receives the sell-token approvals checked by the
	// balance reader.
	VaultRelayer string `toml:"vault_relayer"`
	// WrappedNativeToken stands in for the native currency in price
	// queries and for orders buying raw ETH.
	WrappedNativeToken string `toml:"wrapped_native_token"`
	// DomainName and DomainVersion parameterize the EIP-712 signing
	// domain of the settlement contract.
	DomainName    string   `toml:"domain_name"`
	DomainVersion string   `toml:"domain_version"`
	CallTimeout   duration `toml:"call_timeout"`
}

// IndexerConfig holds chain-follower parameters.
type IndexerConfig struct {
	PollInterval duration `toml:"poll_interval"`
	BatchSize    uint64   `toml:"batch_size"`
	// ReorgDepth is the block distance beyond which history is final.
	ReorgDepth uint64 `toml:"reorg_depth"`
	// StartBlock is where indexing begins on an empty database, usually
	// the settlement contract deployment block.
	StartBlock uint64 `toml:"start_block"`
	// LeaderLock serializes indexing across replicas via Redis.
	LeaderLock     bool     `toml:"leader_lock"`
	MaxBackoff     duration `toml:"max_backoff"`
	StallAlert     duration `toml:"stall_alert"`
	DeepReorgAlert uint64   `toml:"deep_reorg_alert"`
}

// AuctionConfig holds solvable-orders cache parameters.
type AuctionConfig struct {
	RefreshInterval duration `toml:"refresh_interval"`
	RebuildTimeout  duration `toml:"rebuild_timeout"`
	// ArchiveEnabled turns on S3 snapshot archival.
	ArchiveEnabled bool   `toml:"archive_enabled"`
	ArchivePrefix  string `toml:"archive_prefix"`
}

// FeeConfig holds fee policy parameters. Ratios are expressed in basis
// points so fee math stays in integer space.
type FeeConfig struct {
	// GasPerOrder is the gas attributed to settling one order.
	GasPerOrder uint64 `toml:"gas_per_order"`
	// FeeRatioBps scales the sell amount; the final fee is the maximum
	// of the gas-derived minimum and this ratio.
	FeeRatioBps int64 `toml:"fee_ratio_bps"`
	// FeeFactorBps discounts the full fee (10000 = no subsidy).
	FeeFactorBps int64 `toml:"fee_factor_bps"`
	// PartnerFactorsBps maps 0x-prefixed appData hashes to per-partner
	// discount factors.
	PartnerFactorsBps map[string]int64 `toml:"partner_factors_bps"`
	// StandardTTL bounds how long a returned quote is valid; persisted
	// measurements honor quotes slightly longer so signing time and
	// replica drift do not invalidate them.
	StandardTTL  duration `toml:"standard_ttl"`
	PersistedTTL duration `toml:"persisted_ttl"`
	// SlackBps accepts fees this much below the current quote during
	// order validation (10000 = no slack).
	SlackBps int64 `toml:"slack_bps"`
}

// PricingConfig holds price-source composition parameters.
type PricingConfig struct {
	// Sources is the priority order; the first source to answer wins.
	// Known names: "oneinch", "uniswap".
	Sources []string `toml:"sources"`
	OneinchBaseURL string `toml:"oneinch_base_url"`
	UniswapRouter  string `toml:"uniswap_router"`
	// PriceEstimationAmount is the native-token amount used for
	// reference price queries.
	PriceEstimationAmount string   `toml:"price_estimation_amount"`
	EstimateTimeout       duration `toml:"estimate_timeout"`
	CacheTTL              duration `toml:"cache_ttl"`
	NegativeCacheTTL      duration `toml:"negative_cache_ttl"`
}

// ValidationConfig holds order acceptance parameters.
type ValidationConfig struct {
	// MinValidToHorizon is how far in the future validTo must lie.
	MinValidToHorizon duration `toml:"min_valid_to_horizon"`
	// DenyList rejects these owner addresses outright with 403.
	DenyList []string `toml:"deny_list"`
	// UnsupportedTokens lists tokens orders may not trade, typically
	// fee-on-transfer tokens the settlement contract cannot handle.
	UnsupportedTokens []string `toml:"unsupported_tokens"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port              int      `toml:"port"`
	CORSOrigins       []string `toml:"cors_origins"`
	ReadTimeout       duration `toml:"read_timeout"`
	WriteTimeout      duration `toml:"write_timeout"`
	RequestTimeout    duration `toml:"request_timeout"`
	RateLimitRequests int      `toml:"rate_limit_requests"`
	RateLimitWindow   duration `toml:"rate_limit_window"`
	WSEnabled         bool     `toml:"ws_enabled"`
	// SolverAPIKeySalt and SolverAPIKeyHash hold the PBKDF2 salt and
	// digest (hex) guarding the solver_orders endpoint. Empty disables
	// the gate.
	SolverAPIKeySalt string `toml:"solver_api_key_salt"`
	SolverAPIKeyHash string `toml:"solver_api_key_hash"`
	Version          string `toml:"version"`
}

// NotifyConfig holds ops alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string `toml:"telegram_token"`
	TelegramChatID    string `toml:"telegram_chat_id"`
	DiscordWebhookURL string `toml:"discord_webhook_url"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder
// can parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "orderbook",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		Eth: EthConfig{
			NodeURL:            "http://localhost:8545",
			ChainID:            1,
			SettlementContract: "0x9008D19f58AAbD9eD0D60971565AA8510560ab41",
			VaultRelayer:       "0xC92E8bdf79f0507f65a392b0ab4667716BFE0110",
			WrappedNativeToken: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
			DomainName:         "Gnosis Protocol",
			DomainVersion:      "v2",
			CallTimeout:        duration{10 * time.Second},
		},
		Indexer: IndexerConfig{
			PollInterval:   duration{5 * time.Second},
			BatchSize:      1000,
			ReorgDepth:     64,
			StartBlock:     0,
			LeaderLock:     false,
			MaxBackoff:     duration{2 * time.Minute},
			StallAlert:     duration{5 * time.Minute},
			DeepReorgAlert: 6,
		},
		Auction: AuctionConfig{
			RefreshInterval: duration{2 * time.Second},
			RebuildTimeout:  duration{30 * time.Second},
			ArchivePrefix:   "auctions",
		},
		Fees: FeeConfig{
			GasPerOrder:  100_000,
			FeeRatioBps:  0,
			FeeFactorBps: 10_000,
			StandardTTL:  duration{time.Minute},
			PersistedTTL: duration{2 * time.Minute},
			SlackBps:     10_000,
		},
		Pricing: PricingConfig{
			Sources:               []string{"oneinch", "uniswap"},
			OneinchBaseURL:        "https://api.1inch.io",
			UniswapRouter:         "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			PriceEstimationAmount: "100000000000000000",
			EstimateTimeout:       duration{10 * time.Second},
			CacheTTL:              duration{30 * time.Second},
			NegativeCacheTTL:      duration{10 * time.Second},
		},
		Validation: ValidationConfig{
			MinValidToHorizon: duration{time.Minute},
		},
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       duration{15 * time.Second},
			WriteTimeout:      duration{30 * time.Second},
			RequestTimeout:    duration{25 * time.Second},
			RateLimitRequests: 10,
			RateLimitWindow:   duration{time.Second},
			WSEnabled:         true,
			Version:           "dev",
		},
		Mode:     "all",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"api":     true,
	"indexer": true,
	"all":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and
// returns a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: api, indexer, all)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: trace, debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Eth
	if c.Eth.NodeURL == "" {
		errs = append(errs, "eth: node_url must not be empty")
	}
	if c.Eth.ChainID <= 0 {
		errs = append(errs, "eth: chain_id must be positive")
	}
	if !common.IsHexAddress(c.Eth.SettlementContract) {
		errs = append(errs, fmt.Sprintf("eth: settlement_contract %q is not an address", c.Eth.SettlementContract))
	}
	if !common.IsHexAddress(c.Eth.WrappedNativeToken) {
		errs = append(errs, fmt.Sprintf("eth: wrapped_native_token %q is not an address", c.Eth.WrappedNativeToken))
	}
	if c.Eth.VaultRelayer != "" && !common.IsHexAddress(c.Eth.VaultRelayer) {
		errs = append(errs, fmt.Sprintf("eth: vault_relayer %q is not an address", c.Eth.VaultRelayer))
	}
	if c.Eth.DomainName == "" || c.Eth.DomainVersion == "" {
		errs = append(errs, "eth: domain_name and domain_version must not be empty")
	}

	// Indexer
	if c.Indexer.BatchSize == 0 {
		errs = append(errs, "indexer: batch_size must be positive")
	}
	if c.Indexer.ReorgDepth == 0 {
		errs = append(errs, "indexer: reorg_depth must be positive")
	}
	if c.Indexer.PollInterval.Duration <= 0 {
		errs = append(errs, "indexer: poll_interval must be positive")
	}

	// Auction
	if c.Auction.RefreshInterval.Duration <= 0 {
		errs = append(errs, "auction: refresh_interval must be positive")
	}
	if c.Auction.ArchiveEnabled && c.S3.Bucket == "" {
		errs = append(errs, "auction: archive_enabled requires s3.bucket")
	}

	// Fees
	if c.Fees.GasPerOrder == 0 {
		errs = append(errs, "fees: gas_per_order must be positive")
	}
	if c.Fees.FeeRatioBps < 0 {
		errs = append(errs, "fees: fee_ratio_bps must not be negative")
	}
	if c.Fees.FeeFactorBps <= 0 || c.Fees.FeeFactorBps > 10_000 {
		errs = append(errs, "fees: fee_factor_bps must be in (0, 10000]")
	}
	for appData, factor := range c.Fees.PartnerFactorsBps {
		if factor <= 0 || factor > 10_000 {
			errs = append(errs, fmt.Sprintf("fees: partner factor for %s must be in (0, 10000]", appData))
		}
	}
	if c.Fees.StandardTTL.Duration <= 0 || c.Fees.PersistedTTL.Duration < c.Fees.StandardTTL.Duration {
		errs = append(errs, "fees: persisted_ttl must be >= standard_ttl > 0")
	}
	if c.Fees.SlackBps <= 0 || c.Fees.SlackBps > 10_000 {
		errs = append(errs, "fees: slack_bps must be in (0, 10000]")
	}

	// Pricing
	if len(c.Pricing.Sources) == 0 {
		errs = append(errs, "pricing: at least one source is required")
	}
	for _, s := range c.Pricing.Sources {
		if s != "oneinch" && s != "uniswap" {
			errs = append(errs, fmt.Sprintf("pricing: unknown source %q (valid: oneinch, uniswap)", s))
		}
	}
	if _, ok := newBigInt(c.Pricing.PriceEstimationAmount); !ok {
		errs = append(errs, fmt.Sprintf("pricing: price_estimation_amount %q is not a decimal integer", c.Pricing.PriceEstimationAmount))
	}

	// Validation lists
	for _, a := range c.Validation.DenyList {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("validation: deny_list entry %q is not an address", a))
		}
	}
	for _, a := range c.Validation.UnsupportedTokens {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("validation: unsupported_tokens entry %q is not an address", a))
		}
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitRequests < 0 {
		errs = append(errs, "server: rate_limit_requests must not be negative")
	}
	if (c.Server.SolverAPIKeySalt == "") != (c.Server.SolverAPIKeyHash == "") {
		errs = append(errs, "server: solver_api_key_salt and solver_api_key_hash must be set together")
	}
	if c.Server.SolverAPIKeySalt != "" {
		if _, err := hex.DecodeString(strings.TrimPrefix(c.Server.SolverAPIKeySalt, "0x")); err != nil {
			errs = append(errs, "server: solver_api_key_salt must be hex")
		}
		if _, err := hex.DecodeString(strings.TrimPrefix(c.Server.SolverAPIKeyHash, "0x")); err != nil {
			errs = append(errs, "server: solver_api_key_hash must be hex")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func newBigInt(s string) (*big.Int, bool) {
	i, ok := new(big.Int).SetString(s, 10)
	if !ok || i.Sign() <= 0 {
		return nil, false
	}
	return i, true
}

// SettlementAddress returns the parsed settlement contract address.
func (c *EthConfig) SettlementAddress() common.Address {
	return common.HexToAddress(c.SettlementContract)
}

// VaultRelayerAddress returns the parsed relayer address, or the
// settlement contract when none is configured.
func (c *EthConfig) VaultRelayerAddress() common.Address {
	if c.VaultRelayer == "" {
		return c.SettlementAddress()
	}
	return common.HexToAddress(c.VaultRelayer)
}

// WrappedNative returns the parsed wrapped-native token address.
func (c *EthConfig) WrappedNative() common.Address {
	return common.HexToAddress(c.WrappedNativeToken)
}

// EstimationAmount returns the parsed reference-price query amount.
func (c *PricingConfig) EstimationAmount() *big.Int {
	i, ok := newBigInt(c.PriceEstimationAmount)
	if !ok {
		// Validate rejects this earlier; keep a sane fallback anyway.
		return big.NewInt(1e18)
	}
	return i
}

// DenySet returns the deny list as an address set.
func (c *ValidationConfig) DenySet() map[common.Address]bool {
	set := make(map[common.Address]bool, len(c.DenyList))
	for _, a := range c.DenyList {
		set[common.HexToAddress(a)] = true
	}
	return set
}

// UnsupportedSet returns the unsupported-token list as an address set.
func (c *ValidationConfig) UnsupportedSet() map[common.Address]bool {
	set := make(map[common.Address]bool, len(c.UnsupportedTokens))
	for _, a := range c.UnsupportedTokens {
		set[common.HexToAddress(a)] = true
	}
	return set
}

// PartnerFactors returns per-appData fee factors keyed by hash.
func (c *FeeConfig) PartnerFactors() map[common.Hash]int64 {
	factors := make(map[common.Hash]int64, len(c.PartnerFactorsBps))
	for appData, factor := range c.PartnerFactorsBps {
		factors[common.HexToHash(appData)] = factor
	}
	return factors
}
