package quote

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/pricing"
)

var (
	sellToken = common.HexToAddress("0x0000000000000000000000000000000000000a01")
	buyToken  = common.HexToAddress("0x0000000000000000000000000000000000000b02")
)

// fakeEstimator halves sell inputs and doubles buy inputs, so amounts
// stay easy to predict. An optional gate blocks calls until released.
type fakeEstimator struct {
	calls atomic.Int64
	err   error
	gate  chan struct{}
}

func (f *fakeEstimator) Estimate(ctx context.Context, q pricing.Query) (pricing.Estimate, error) {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return pricing.Estimate{}, f.err
	}
	out := new(big.Int)
	if q.Kind == domain.OrderKindSell {
		out.Div(q.InAmount, big.NewInt(2))
	} else {
		out.Mul(q.InAmount, big.NewInt(2))
	}
	return pricing.Estimate{OutAmount: out, Gas: 1}, nil
}

type fakeNative struct {
	price *big.Int
}

func (f *fakeNative) NativePrice(ctx context.Context, token common.Address) (*domain.U256, error) {
	return domain.NewU256(f.price), nil
}

type fakeGas struct {
	price *big.Int
}

func (f *fakeGas) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.price), nil
}

// memFeeStore keeps measurements in a slice and answers Find from a
// scripted value.
type memFeeStore struct {
	mu       sync.Mutex
	saved    []*domain.FeeMeasurement
	stored   *domain.U256
	removals int
}

func (m *memFeeStore) Save(ctx context.Context, measurement *domain.FeeMeasurement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, measurement)
	return nil
}

func (m *memFeeStore) Find(ctx context.Context, sell common.Address, buy *common.Address, amount *domain.U256, kind *domain.OrderKind, minExpiry time.Time) (*domain.U256, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stored == nil {
		return nil, domain.ErrNotFound
	}
	return m.stored, nil
}

func (m *memFeeStore) RemoveExpired(ctx context.Context, before time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removals++
	return nil
}

type engineParts struct {
	engine    *Engine
	estimator *fakeEstimator
	store     *memFeeStore
	clock     *time.Time
}

// newTestEngine wires an engine over fixed prices: 2 gwei gas and a
// native price of 5e17 make the gas-derived minimum fee exactly 4e14
// sell atoms at the default 100k gas per order.
func newTestEngine(t *testing.T, mutate func(*config.FeeConfig)) engineParts {
	t.Helper()

	cfg := config.Defaults().Fees
	if mutate != nil {
		mutate(&cfg)
	}

	estimator := &fakeEstimator{}
	store := &memFeeStore{}
	engine := NewEngine(
		estimator,
		&fakeNative{price: big.NewInt(500_000_000_000_000_000)},
		&fakeGas{price: big.NewInt(2_000_000_000)},
		store,
		cfg,
		slog.New(slog.DiscardHandler),
	)

	now := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	engine.now = func() time.Time { return *clock }

	return engineParts{engine: engine, estimator: estimator, store: store, clock: clock}
}

func quoteRequest(side domain.QuoteSide, amount *big.Int) *domain.QuoteRequest {
	return &domain.QuoteRequest{
		From:      common.HexToAddress("0x00000000000000000000000000000000000000f1"),
		SellToken: sellToken,
		BuyToken:  buyToken,
		Side:      side,
		Amount:    domain.NewU256(amount),
		ValidTo:   1700000000,
	}
}

const minGasFee = 400_000_000_000_000 // 2 gwei * 100k gas / 0.5 wei per atom

func TestQuoteSellBeforeFeeDeductsFee(t *testing.T) {
	parts := newTestEngine(t, nil)

	quote, err := parts.engine.Quote(context.Background(), quoteRequest(domain.QuoteSideSellBeforeFee, big.NewInt(1_000_000_000_000_000_000)))

	require.NoError(t, err)
	traded := int64(1_000_000_000_000_000_000 - minGasFee)
	assert.Equal(t, big.NewInt(traded), quote.SellAmount.Int())
	assert.Equal(t, big.NewInt(traded/2), quote.BuyAmount.Int(), "buy side estimated from the traded remainder")
	assert.Equal(t, big.NewInt(minGasFee), quote.FeeAmount.Int())
	assert.Equal(t, quote.FeeAmount, quote.FullFeeAmount, "no subsidy at the default factor")
	assert.Equal(t, domain.OrderKindSell, quote.Kind)

	require.Len(t, parts.store.saved, 1)
	saved := parts.store.saved[0]
	assert.Equal(t, quote.SellAmount, saved.Amount, "measurement keys on the amount the signed order will carry")
	assert.Equal(t, quote.FeeAmount, saved.MinFee)
	assert.True(t, saved.Expiry.After(quote.Expiration), "measurements outlive the quote they back")
}

func TestQuoteRejectsAmountBelowFee(t *testing.T) {
	parts := newTestEngine(t, nil)

	_, err := parts.engine.Quote(context.Background(), quoteRequest(domain.QuoteSideSellBeforeFee, big.NewInt(1000)))

	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, domain.KindSellAmountDoesNotCoverFee, ve.Kind)
}

func TestQuoteBuySideEstimatesSellAmount(t *testing.T) {
	parts := newTestEngine(t, nil)

	quote, err := parts.engine.Quote(context.Background(), quoteRequest(domain.QuoteSideBuy, big.NewInt(1_000_000_000_000_000_000)))

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2_000_000_000_000_000_000), quote.SellAmount.Int())
	assert.Equal(t, big.NewInt(1_000_000_000_000_000_000), quote.BuyAmount.Int())
	assert.Equal(t, domain.OrderKindBuy, quote.Kind)

	require.Len(t, parts.store.saved, 1)
	assert.Equal(t, quote.BuyAmount, parts.store.saved[0].Amount, "buy orders are measured by their buy amount")
}

func TestQuoteRatioFloorBeatsGasFee(t *testing.T) {
	parts := newTestEngine(t, func(cfg *config.FeeConfig) {
		cfg.FeeRatioBps = 10 // 0.1% of the traded amount
	})

	quote, err := parts.engine.Quote(context.Background(), quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000)))

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000_000_000), quote.FeeAmount.Int(), "0.1% of 1e18 beats the 4e14 gas fee")
}

func TestQuoteSubsidyKeepsFullFee(t *testing.T) {
	partner := common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")
	parts := newTestEngine(t, func(cfg *config.FeeConfig) {
		cfg.FeeFactorBps = 5000
		cfg.PartnerFactorsBps = map[string]int64{partner.Hex(): 5000}
	})

	req := quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000))
	quote, err := parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(minGasFee), quote.FullFeeAmount.Int())
	assert.Equal(t, big.NewInt(minGasFee/2), quote.FeeAmount.Int(), "global factor halves the fee")

	req.AppData = partner
	quote, err = parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(minGasFee/4), quote.FeeAmount.Int(), "partner factor stacks on the global one")
}

func TestQuoteCoalescesConcurrentRequests(t *testing.T) {
	parts := newTestEngine(t, nil)
	parts.estimator.gate = make(chan struct{})

	req := quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			quote, err := parts.engine.Quote(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = quote.ID
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(parts.estimator.gate)
	wg.Wait()

	assert.Equal(t, int64(1), parts.estimator.calls.Load(), "identical inflight requests share one computation")
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}
}

func TestQuoteCachedUntilExpiration(t *testing.T) {
	parts := newTestEngine(t, nil)
	req := quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000))

	first, err := parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)
	second, err := parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(1), parts.estimator.calls.Load())

	*parts.clock = parts.clock.Add(2 * time.Minute)
	third, err := parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "expired quotes are recomputed")
	assert.Equal(t, int64(2), parts.estimator.calls.Load())
}

func TestQuoteCachesDeterministicFailuresBriefly(t *testing.T) {
	parts := newTestEngine(t, nil)
	parts.estimator.err = domain.Estimatef(domain.EstimateNoLiquidity, "no pool")
	req := quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000))

	_, err := parts.engine.Quote(context.Background(), req)
	require.Error(t, err)
	_, err = parts.engine.Quote(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, int64(1), parts.estimator.calls.Load(), "negative cache answers the immediate retry")

	*parts.clock = parts.clock.Add(10 * time.Second)
	_, _ = parts.engine.Quote(context.Background(), req)
	assert.Equal(t, int64(2), parts.estimator.calls.Load(), "negative entries expire quickly")
}

func creationWithFee(fee int64) *domain.OrderCreation {
	return &domain.OrderCreation{
		SellToken:  sellToken,
		BuyToken:   buyToken,
		SellAmount: domain.NewU256(big.NewInt(1_000_000_000_000_000_000)),
		BuyAmount:  domain.NewU256(big.NewInt(500_000_000_000_000_000)),
		FeeAmount:  domain.NewU256(big.NewInt(fee)),
		Kind:       domain.OrderKindSell,
	}
}

func TestValidFeeAcceptsPersistedMeasurement(t *testing.T) {
	parts := newTestEngine(t, nil)
	parts.store.stored = domain.NewU256(big.NewInt(minGasFee))

	ok, err := parts.engine.ValidFee(context.Background(), creationWithFee(minGasFee))

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), parts.estimator.calls.Load(), "a live measurement avoids re-quoting")
}

func TestValidFeeSlackAcceptsSlightlyLowerFee(t *testing.T) {
	parts := newTestEngine(t, func(cfg *config.FeeConfig) {
		cfg.SlackBps = 9000
	})
	parts.store.stored = domain.NewU256(big.NewInt(1000))

	ok, err := parts.engine.ValidFee(context.Background(), creationWithFee(900))
	require.NoError(t, err)
	assert.True(t, ok, "fees within the slack of a measurement pass")
}

func TestValidFeeRecomputesWhenMeasurementMissing(t *testing.T) {
	parts := newTestEngine(t, nil)

	ok, err := parts.engine.ValidFee(context.Background(), creationWithFee(minGasFee))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = parts.engine.ValidFee(context.Background(), creationWithFee(minGasFee-1))
	require.NoError(t, err)
	assert.False(t, ok, "fees below the recomputed minimum are rejected")
}

func TestMinFeePersistsLooseMeasurement(t *testing.T) {
	parts := newTestEngine(t, nil)

	info, err := parts.engine.MinFee(context.Background(), sellToken, nil, nil, nil)

	require.NoError(t, err)
	assert.Equal(t, big.NewInt(minGasFee), info.Amount.Int())
	assert.Equal(t, parts.clock.Add(time.Minute), info.ExpirationDate)

	require.Len(t, parts.store.saved, 1)
	saved := parts.store.saved[0]
	assert.Nil(t, saved.BuyToken)
	assert.Nil(t, saved.Amount)
	assert.Nil(t, saved.Kind)
}

func TestEvictExpiredPrunesStoreAndCache(t *testing.T) {
	parts := newTestEngine(t, nil)
	req := quoteRequest(domain.QuoteSideSellAfterFee, big.NewInt(1_000_000_000_000_000_000))

	_, err := parts.engine.Quote(context.Background(), req)
	require.NoError(t, err)

	*parts.clock = parts.clock.Add(2 * time.Minute)
	require.NoError(t, parts.engine.EvictExpired(context.Background()))

	assert.Equal(t, 1, parts.store.removals)
	parts.engine.mu.Lock()
	assert.Empty(t, parts.engine.results)
	parts.engine.mu.Unlock()
}
