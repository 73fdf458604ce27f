package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/pricing"
)

// EstimateCache implements pricing.EstimateCache using Redis hashes.
// Each estimate is stored at key "estimate:{query}" with fields "out"
// and "gas" for successes, or "err_kind" and "err_msg" for negative
// entries; the key carries the TTL.
type EstimateCache struct {
	rdb *redis.Client
}

// NewEstimateCache creates an EstimateCache backed by the given Client.
func NewEstimateCache(c *Client) *EstimateCache {
	return &EstimateCache{rdb: c.Underlying()}
}

func estimateKey(query string) string {
	return "estimate:" + query
}

// Set stores an entry with the given TTL.
func (ec *EstimateCache) Set(ctx context.Context, key string, entry pricing.CacheEntry, ttl time.Duration) error {
	fields := map[string]interface{}{}
	if entry.Negative() {
		fields["err_kind"] = string(entry.ErrKind)
		fields["err_msg"] = entry.ErrMessage
	} else {
		fields["out"] = entry.OutAmount.String()
		fields["gas"] = strconv.FormatUint(entry.Gas, 10)
	}

	rkey := estimateKey(key)
	pipe := ec.rdb.TxPipeline()
	pipe.Del(ctx, rkey)
	pipe.HSet(ctx, rkey, fields)
	pipe.Expire(ctx, rkey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set estimate %s: %w", key, err)
	}
	return nil
}

// Get retrieves an entry. It returns domain.ErrNotFound when the key
// does not exist or has expired.
func (ec *EstimateCache) Get(ctx context.Context, key string) (pricing.CacheEntry, error) {
	vals, err := ec.rdb.HGetAll(ctx, estimateKey(key)).Result()
	if err != nil {
		return pricing.CacheEntry{}, fmt.Errorf("redis: get estimate %s: %w", key, err)
	}
	if len(vals) == 0 {
		return pricing.CacheEntry{}, domain.ErrNotFound
	}

	if kind, ok := vals["err_kind"]; ok {
		return pricing.CacheEntry{
			ErrKind:    domain.EstimateKind(kind),
			ErrMessage: vals["err_msg"],
		}, nil
	}

	out, ok := new(big.Int).SetString(vals["out"], 10)
	if !ok {
		return pricing.CacheEntry{}, fmt.Errorf("redis: parse estimate amount %q", vals["out"])
	}
	gas, err := strconv.ParseUint(vals["gas"], 10, 64)
	if err != nil {
		return pricing.CacheEntry{}, fmt.Errorf("redis: parse estimate gas %q: %w", vals["gas"], err)
	}

	return pricing.CacheEntry{OutAmount: out, Gas: gas}, nil
}

// Compile-time interface check.
var _ pricing.EstimateCache = (*EstimateCache)(nil)
