package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/domain"
)

var (
	tokenA = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	tokenB = common.HexToAddress("0x0000000000000000000000000000000000000b02")
	weth   = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func sellQuery(amount int64) Query {
	return Query{
		SellToken: tokenA,
		BuyToken:  tokenB,
		InAmount:  big.NewInt(amount),
		Kind:      domain.OrderKindSell,
	}
}

// recordingSource remembers the queries it was asked and answers from a
// fixed script.
type recordingSource struct {
	mu      sync.Mutex
	queries []Query
	est     Estimate
	err     error
}

func (r *recordingSource) Estimate(ctx context.Context, q Query) (Estimate, error) {
	r.mu.Lock()
	r.queries = append(r.queries, q)
	r.mu.Unlock()
	if r.err != nil {
		return Estimate{}, r.err
	}
	return r.est, nil
}

func TestSanitizedRejectsUnsupportedTokens(t *testing.T) {
	inner := &recordingSource{}
	s := NewSanitized(inner, weth, map[common.Address]bool{tokenB: true})

	_, err := s.Estimate(context.Background(), sellQuery(100))

	var ee *domain.EstimateError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.EstimateUnsupportedToken, ee.Kind)
	assert.Empty(t, inner.queries, "listed tokens must be rejected before any upstream call")
}

func TestSanitizedRejectsZeroAmount(t *testing.T) {
	inner := &recordingSource{}
	s := NewSanitized(inner, weth, nil)

	q := sellQuery(0)
	_, err := s.Estimate(context.Background(), q)

	var ee *domain.EstimateError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.EstimateZeroAmount, ee.Kind)
	assert.Empty(t, inner.queries)
}

func TestSanitizedSameTokenIsTrivial(t *testing.T) {
	inner := &recordingSource{}
	s := NewSanitized(inner, weth, nil)

	q := sellQuery(1234)
	q.BuyToken = q.SellToken
	est, err := s.Estimate(context.Background(), q)

	require.NoError(t, err)
	assert.Equal(t, int64(1234), est.OutAmount.Int64())
	assert.Equal(t, uint64(0), est.Gas)
	assert.Empty(t, inner.queries)
}

func TestSanitizedSubstitutesEthPlaceholder(t *testing.T) {
	inner := &recordingSource{est: Estimate{OutAmount: big.NewInt(42), Gas: 100}}
	s := NewSanitized(inner, weth, nil)

	q := sellQuery(100)
	q.BuyToken = domain.BuyEthAddress
	est, err := s.Estimate(context.Background(), q)

	require.NoError(t, err)
	require.Len(t, inner.queries, 1)
	assert.Equal(t, weth, inner.queries[0].BuyToken, "upstream must only see the wrapped token")
	assert.Equal(t, int64(42), est.OutAmount.Int64())
	assert.Equal(t, gasPerWethUnwrap+100, est.Gas, "unwrapping cost is added on top of the swap")
}

func TestPriorityListFirstSuccessWins(t *testing.T) {
	failing := &recordingSource{err: domain.Estimatef(domain.EstimateNoLiquidity, "no pool")}
	working := &recordingSource{est: Estimate{OutAmount: big.NewInt(7), Gas: 1}}
	third := &recordingSource{est: Estimate{OutAmount: big.NewInt(9), Gas: 1}}

	p := NewPriorityList([]Source{
		{Name: "first", Estimator: failing},
		{Name: "second", Estimator: working},
		{Name: "third", Estimator: third},
	}, discard())

	est, err := p.Estimate(context.Background(), sellQuery(100))

	require.NoError(t, err)
	assert.Equal(t, int64(7), est.OutAmount.Int64())
	assert.Empty(t, third.queries, "later sources are not consulted once one answers")
}

func TestPriorityListSurfacesMostSpecificError(t *testing.T) {
	p := NewPriorityList([]Source{
		{Name: "first", Estimator: &recordingSource{err: errors.New("connection refused")}},
		{Name: "second", Estimator: &recordingSource{err: domain.Estimatef(domain.EstimateUnsupportedToken, "bad token")}},
		{Name: "third", Estimator: &recordingSource{err: domain.Estimatef(domain.EstimateNoLiquidity, "no pool")}},
	}, discard())

	_, err := p.Estimate(context.Background(), sellQuery(100))

	var ee *domain.EstimateError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.EstimateUnsupportedToken, ee.Kind)
}

// memoryCache is an in-process EstimateCache for tests.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]CacheEntry
	ttls    map[string]time.Duration
	failing bool
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]CacheEntry{}, ttls: map[string]time.Duration{}}
}

func (m *memoryCache) Get(ctx context.Context, key string) (CacheEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return CacheEntry{}, errors.New("cache down")
	}
	entry, ok := m.entries[key]
	if !ok {
		return CacheEntry{}, domain.ErrNotFound
	}
	return entry, nil
}

func (m *memoryCache) Set(ctx context.Context, key string, entry CacheEntry, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return errors.New("cache down")
	}
	m.entries[key] = entry
	m.ttls[key] = ttl
	return nil
}

func TestCachedServesHitsWithoutUpstream(t *testing.T) {
	inner := &recordingSource{est: Estimate{OutAmount: big.NewInt(5), Gas: 2}}
	cache := newMemoryCache()
	c := NewCached(inner, cache, time.Minute, time.Second, discard())

	q := sellQuery(100)
	_, err := c.Estimate(context.Background(), q)
	require.NoError(t, err)

	est, err := c.Estimate(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(5), est.OutAmount.Int64())
	assert.Len(t, inner.queries, 1, "second request must be a cache hit")
	assert.Equal(t, time.Minute, cache.ttls[q.Key()])
}

func TestCachedStoresDeterministicFailures(t *testing.T) {
	inner := &recordingSource{err: domain.Estimatef(domain.EstimateNoLiquidity, "no pool")}
	cache := newMemoryCache()
	c := NewCached(inner, cache, time.Minute, time.Second, discard())

	q := sellQuery(100)
	_, err := c.Estimate(context.Background(), q)
	require.Error(t, err)

	_, err = c.Estimate(context.Background(), q)
	var ee *domain.EstimateError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.EstimateNoLiquidity, ee.Kind)
	assert.Len(t, inner.queries, 1, "negative entry must answer the retry")
	assert.Equal(t, time.Second, cache.ttls[q.Key()], "failures get the short TTL")
}

func TestCachedDoesNotStoreTransientFailures(t *testing.T) {
	inner := &recordingSource{err: domain.Estimatef(domain.EstimateProviderError, "upstream 500")}
	cache := newMemoryCache()
	c := NewCached(inner, cache, time.Minute, time.Second, discard())

	q := sellQuery(100)
	_, _ = c.Estimate(context.Background(), q)
	_, _ = c.Estimate(context.Background(), q)

	assert.Len(t, inner.queries, 2, "transient failures must retry the upstream")
}

func TestCachedSurvivesBrokenCache(t *testing.T) {
	inner := &recordingSource{est: Estimate{OutAmount: big.NewInt(5), Gas: 2}}
	cache := newMemoryCache()
	cache.failing = true
	c := NewCached(inner, cache, time.Minute, time.Second, discard())

	est, err := c.Estimate(context.Background(), sellQuery(100))

	require.NoError(t, err)
	assert.Equal(t, int64(5), est.OutAmount.Int64())
}

func TestNativePriceParity(t *testing.T) {
	// Selling WETH for WETH is trivial, so the wrapped token itself
	// must price at exactly 1e18.
	inner := NewSanitized(&recordingSource{}, weth, nil)
	n := NewNativePriceSource(inner, weth, big.NewInt(1_000_000_000_000_000_000))

	price, err := n.NativePrice(context.Background(), weth)

	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", price.String())
}

func TestNativePriceScalesWithRatio(t *testing.T) {
	// Buying 1e18 wei of native costs 2e18 token atoms, so one atom is
	// worth half a wei.
	inner := &recordingSource{est: Estimate{OutAmount: big.NewInt(2_000_000_000_000_000_000), Gas: 1}}
	n := NewNativePriceSource(inner, weth, big.NewInt(1_000_000_000_000_000_000))

	price, err := n.NativePrice(context.Background(), tokenA)

	require.NoError(t, err)
	assert.Equal(t, "500000000000000000", price.String())
	require.Len(t, inner.queries, 1)
	assert.Equal(t, domain.OrderKindBuy, inner.queries[0].Kind)
	assert.Equal(t, tokenA, inner.queries[0].SellToken)
	assert.Equal(t, weth, inner.queries[0].BuyToken)
}

func TestNativePriceRejectsZeroEstimate(t *testing.T) {
	inner := &recordingSource{est: Estimate{OutAmount: big.NewInt(0), Gas: 1}}
	n := NewNativePriceSource(inner, weth, big.NewInt(1_000_000_000_000_000_000))

	_, err := n.NativePrice(context.Background(), tokenA)

	var ee *domain.EstimateError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, domain.EstimateNoLiquidity, ee.Kind)
}
