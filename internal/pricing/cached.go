package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// CacheEntry is the stored form of an answer. Successful estimates keep
// the amount and gas; negative entries keep the failure kind so a
// recently failed query does not hammer the upstream again.
type CacheEntry struct {
	OutAmount *big.Int
	Gas       uint64
	// ErrKind is set on negative entries; OutAmount is nil then.
	ErrKind    domain.EstimateKind
	ErrMessage string
}

// Negative reports whether the entry records a failure.
func (e *CacheEntry) Negative() bool {
	return e.ErrKind != ""
}

// EstimateCache stores estimates across replicas. Get returns
// domain.ErrNotFound on a miss.
type EstimateCache interface {
	Get(ctx context.Context, key string) (CacheEntry, error)
	Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error
}

// Cached wraps a source with a shared cache. Hits skip the upstream
// entirely; deterministic failures are cached with a shorter TTL while
// transient ones (timeouts, provider errors) always retry.
type Cached struct {
	inner       Estimator
	cache       EstimateCache
	ttl         time.Duration
	negativeTTL time.Duration
	logger      *slog.Logger
}

func NewCached(inner Estimator, cache EstimateCache, ttl, negativeTTL time.Duration, logger *slog.Logger) *Cached {
	return &Cached{
		inner:       inner,
		cache:       cache,
		ttl:         ttl,
		negativeTTL: negativeTTL,
		logger:      logger,
	}
}

func (c *Cached) Estimate(ctx context.Context, q Query) (Estimate, error) {
	key := q.Key()

	entry, err := c.cache.Get(ctx, key)
	switch {
	case err == nil:
		if entry.Negative() {
			return Estimate{}, &domain.EstimateError{Kind: entry.ErrKind, Message: entry.ErrMessage}
		}
		return Estimate{OutAmount: entry.OutAmount, Gas: entry.Gas}, nil
	case !errors.Is(err, domain.ErrNotFound):
		// The cache is an optimization; a broken cache must not take
		// pricing down with it.
		c.logger.Warn("estimate cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	est, err := c.inner.Estimate(ctx, q)
	if err != nil {
		var ee *domain.EstimateError
		if errors.As(err, &ee) && cacheableFailure(ee.Kind) {
			c.store(ctx, key, CacheEntry{ErrKind: ee.Kind, ErrMessage: ee.Message}, c.negativeTTL)
		}
		return Estimate{}, err
	}

	c.store(ctx, key, CacheEntry{OutAmount: est.OutAmount, Gas: est.Gas}, c.ttl)
	return est, nil
}

func (c *Cached) store(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) {
	if err := c.cache.Set(ctx, key, entry, ttl); err != nil {
		c.logger.Warn("estimate cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// cacheableFailure reports whether a failure is a property of the query
// rather than of the moment it was asked.
func cacheableFailure(kind domain.EstimateKind) bool {
	switch kind {
	case domain.EstimateNoLiquidity, domain.EstimateUnsupportedToken, domain.EstimateZeroAmount:
		return true
	default:
		return false
	}
}

var _ Estimator = (*Cached)(nil)
