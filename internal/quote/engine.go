// Package quote computes the fee an order must carry and the fill a
// requester can expect at current prices. Fees cover the gas a
// settlement spends on the order, converted into the sell token at the
// reference price, with a configurable floor proportional to the traded
// amount. Every quote is persisted as a fee measurement so an order
// signed against it still validates after a restart or on a replica.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/pricing"
)

const bpsDenom = 10_000

// negativeTTL bounds how long a failed computation answers retries.
const negativeTTL = 5 * time.Second

// GasPricer supplies the node's current gas price. *eth.Client
// satisfies it.
type GasPricer interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NativePricer prices one atom of a token in wei, scaled by 1e18.
// *pricing.NativePriceSource satisfies it.
type NativePricer interface {
	NativePrice(ctx context.Context, token common.Address) (*domain.U256, error)
}

type cachedResult struct {
	quote   *domain.Quote
	err     error
	expires time.Time
}

// Engine answers quote and fee requests.
type Engine struct {
	estimator pricing.Estimator
	native    NativePricer
	gas       GasPricer
	store     domain.FeeStore
	cfg       config.FeeConfig
	partners  map[common.Hash]int64
	logger    *slog.Logger

	group   singleflight.Group
	mu      sync.Mutex
	results map[string]cachedResult

	now func() time.Time
}

func NewEngine(
	estimator pricing.Estimator,
	native NativePricer,
	gas GasPricer,
	store domain.FeeStore,
	cfg config.FeeConfig,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		estimator: estimator,
		native:    native,
		gas:       gas,
		store:     store,
		cfg:       cfg,
		partners:  cfg.PartnerFactors(),
		logger:    logger,
		results:   make(map[string]cachedResult),
		now:       time.Now,
	}
}

// Quote computes amounts and fee for the request. Identical concurrent
// requests share one computation, and answers are reused until the
// quoted fee expires.
func (e *Engine) Quote(ctx context.Context, req *domain.QuoteRequest) (*domain.Quote, error) {
	if req.Amount.IsZero() {
		return nil, domain.Validation(domain.KindZeroAmount, "order amount must be positive")
	}

	key := quoteKey(req)
	if res, ok := e.lookup(key); ok {
		return res.quote, res.err
	}

	v, err, _ := e.group.Do(key, func() (any, error) {
		quote, err := e.computeQuote(ctx, req)
		e.remember(key, quote, err)
		return quote, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Quote), nil
}

// MinFee returns the smallest acceptable fee for the given trade
// parameters together with its expiration. Legacy fee requests carry no
// buy-side context, so buyToken, amount and kind may be unset; the
// measurement is then persisted loosely and vouches for any order on
// the sell token.
func (e *Engine) MinFee(ctx context.Context, sellToken common.Address, buyToken *common.Address, amount *domain.U256, kind *domain.OrderKind) (*domain.FeeInfo, error) {
	sellEquivalent, err := e.sellEquivalent(ctx, sellToken, buyToken, amount, kind)
	if err != nil {
		return nil, err
	}

	fee, _, err := e.computeFee(ctx, sellToken, sellEquivalent, common.Hash{})
	if err != nil {
		return nil, err
	}

	now := e.now()
	measurement := &domain.FeeMeasurement{
		SellToken: sellToken,
		BuyToken:  buyToken,
		Amount:    amount,
		Kind:      kind,
		MinFee:    domain.NewU256(fee),
		Expiry:    now.Add(e.cfg.PersistedTTL.Duration),
	}
	if err := e.store.Save(ctx, measurement); err != nil {
		return nil, fmt.Errorf("quote: persist fee measurement: %w", err)
	}

	return &domain.FeeInfo{
		Amount:         domain.NewU256(fee),
		ExpirationDate: now.Add(e.cfg.StandardTTL.Duration),
	}, nil
}

// ValidFee decides whether an order's fee is acceptable: a persisted
// unexpired measurement within the slack passes; otherwise the fee is
// recomputed at current prices and compared.
func (e *Engine) ValidFee(ctx context.Context, order *domain.OrderCreation) (bool, error) {
	sellToken := order.SellToken
	amount := order.SellAmount
	if order.Kind == domain.OrderKindBuy {
		amount = order.BuyAmount
	}
	kind := order.Kind

	stored, err := e.store.Find(ctx, sellToken, &order.BuyToken, amount, &kind, e.now())
	switch {
	case err == nil:
		if order.FeeAmount.Cmp(e.withSlack(stored)) >= 0 {
			return true, nil
		}
		// The signed fee undercuts every live measurement; fall through
		// and let a fresh computation have the final word.
	case !errors.Is(err, domain.ErrNotFound):
		return false, fmt.Errorf("quote: look up fee measurement: %w", err)
	}

	sellEquivalent, err := e.sellEquivalent(ctx, sellToken, &order.BuyToken, amount, &kind)
	if err != nil {
		return false, err
	}
	fee, _, err := e.computeFee(ctx, sellToken, sellEquivalent, order.AppData)
	if err != nil {
		return false, err
	}
	return order.FeeAmount.Cmp(e.withSlack(domain.NewU256(fee))) >= 0, nil
}

// EvictExpired drops expired measurements from the database and stale
// results from the in-process cache.
func (e *Engine) EvictExpired(ctx context.Context) error {
	now := e.now()

	e.mu.Lock()
	for key, res := range e.results {
		if now.After(res.expires) {
			delete(e.results, key)
		}
	}
	e.mu.Unlock()

	if err := e.store.RemoveExpired(ctx, now); err != nil {
		return fmt.Errorf("quote: evict measurements: %w", err)
	}
	return nil
}

// RunEvictionLoop evicts on a ticker until the context ends.
func (e *Engine) RunEvictionLoop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("fee eviction loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := e.EvictExpired(ctx); err != nil {
				e.logger.Error("fee eviction failed", slog.String("error", err.Error()))
			}
		}
	}
}

// --------------------------------------------------------------------------
// Computation
// --------------------------------------------------------------------------

func (e *Engine) computeQuote(ctx context.Context, req *domain.QuoteRequest) (*domain.Quote, error) {
	amount := req.Amount.Int()

	var sellAmount, buyAmount, fee, fullFee *big.Int
	switch req.Side {
	case domain.QuoteSideSellBeforeFee:
		// The fee comes out of the given amount; only the remainder
		// trades.
		var err error
		fee, fullFee, err = e.computeFee(ctx, req.SellToken, amount, req.AppData)
		if err != nil {
			return nil, err
		}
		traded := new(big.Int).Sub(amount, fee)
		if traded.Sign() <= 0 {
			return nil, domain.Validation(domain.KindSellAmountDoesNotCoverFee, "sell amount does not cover the fee")
		}
		est, err := e.estimate(ctx, req, traded, domain.OrderKindSell)
		if err != nil {
			return nil, err
		}
		sellAmount, buyAmount = traded, est.OutAmount

	case domain.QuoteSideBuy:
		est, err := e.estimate(ctx, req, amount, domain.OrderKindBuy)
		if err != nil {
			return nil, err
		}
		fee, fullFee, err = e.computeFee(ctx, req.SellToken, est.OutAmount, req.AppData)
		if err != nil {
			return nil, err
		}
		sellAmount, buyAmount = est.OutAmount, amount

	default: // sellAfterFee
		var err error
		fee, fullFee, err = e.computeFee(ctx, req.SellToken, amount, req.AppData)
		if err != nil {
			return nil, err
		}
		est, err := e.estimate(ctx, req, amount, domain.OrderKindSell)
		if err != nil {
			return nil, err
		}
		sellAmount, buyAmount = amount, est.OutAmount
	}

	now := e.now()
	quote := &domain.Quote{
		ID:                uuid.NewString(),
		From:              req.From,
		SellToken:         req.SellToken,
		BuyToken:          req.BuyToken,
		Receiver:          req.Receiver,
		SellAmount:        domain.NewU256(sellAmount),
		BuyAmount:         domain.NewU256(buyAmount),
		ValidTo:           req.ValidTo,
		AppData:           req.AppData,
		FeeAmount:         domain.NewU256(fee),
		FullFeeAmount:     domain.NewU256(fullFee),
		Kind:              req.Kind(),
		PartiallyFillable: req.PartiallyFillable,
		SellTokenBalance:  req.SellTokenBalance,
		BuyTokenBalance:   req.BuyTokenBalance,
		Expiration:        now.Add(e.cfg.StandardTTL.Duration),
	}

	// The measurement keys on the amount an order built from this quote
	// will carry: the traded sell amount for sell orders, the buy
	// amount for buy orders.
	measured := quote.SellAmount
	if quote.Kind == domain.OrderKindBuy {
		measured = quote.BuyAmount
	}
	kind := quote.Kind
	measurement := &domain.FeeMeasurement{
		SellToken: req.SellToken,
		BuyToken:  &req.BuyToken,
		Amount:    measured,
		Kind:      &kind,
		MinFee:    quote.FeeAmount,
		Expiry:    now.Add(e.cfg.PersistedTTL.Duration),
	}
	if err := e.store.Save(ctx, measurement); err != nil {
		return nil, fmt.Errorf("quote: persist fee measurement: %w", err)
	}

	return quote, nil
}

// computeFee returns the subsidized and full fee in sell token atoms.
// sellEquivalent is the traded sell amount the proportional floor
// applies to.
func (e *Engine) computeFee(ctx context.Context, sellToken common.Address, sellEquivalent *big.Int, appData common.Hash) (fee, fullFee *big.Int, err error) {
	gasPrice, err := e.gas.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("quote: gas price: %w", err)
	}
	price, err := e.native.NativePrice(ctx, sellToken)
	if err != nil {
		return nil, nil, err
	}

	// Gas cost in wei, then converted into sell token atoms at the
	// reference price (price is wei per atom scaled by 1e18).
	costWei := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(e.cfg.GasPerOrder))
	minFee := domain.CeilDiv(costWei, big.NewInt(1_000_000_000_000_000_000), price.Int())

	fullFee = minFee
	if e.cfg.FeeRatioBps > 0 {
		ratioFee := domain.CeilDiv(sellEquivalent, big.NewInt(e.cfg.FeeRatioBps), big.NewInt(bpsDenom))
		if ratioFee.Cmp(fullFee) > 0 {
			fullFee = ratioFee
		}
	}

	factor := e.cfg.FeeFactorBps
	if partner, ok := e.partners[appData]; ok {
		factor = factor * partner / bpsDenom
	}
	if factor >= bpsDenom {
		return fullFee, fullFee, nil
	}
	fee = domain.CeilDiv(fullFee, big.NewInt(factor), big.NewInt(bpsDenom))
	return fee, fullFee, nil
}

// sellEquivalent resolves the sell amount the proportional fee applies
// to. Buy-side requests need a price estimate to express the buy amount
// in sell token; requests without an amount fall back to the gas floor
// alone.
func (e *Engine) sellEquivalent(ctx context.Context, sellToken common.Address, buyToken *common.Address, amount *domain.U256, kind *domain.OrderKind) (*big.Int, error) {
	if amount == nil || amount.IsZero() || kind == nil {
		return big.NewInt(0), nil
	}
	if *kind == domain.OrderKindSell || buyToken == nil {
		return amount.Int(), nil
	}
	est, err := e.estimator.Estimate(ctx, pricing.Query{
		SellToken: sellToken,
		BuyToken:  *buyToken,
		InAmount:  amount.Int(),
		Kind:      domain.OrderKindBuy,
	})
	if err != nil {
		return nil, err
	}
	return est.OutAmount, nil
}

func (e *Engine) estimate(ctx context.Context, req *domain.QuoteRequest, amount *big.Int, kind domain.OrderKind) (pricing.Estimate, error) {
	return e.estimator.Estimate(ctx, pricing.Query{
		SellToken: req.SellToken,
		BuyToken:  req.BuyToken,
		InAmount:  amount,
		Kind:      kind,
	})
}

// withSlack lowers a quoted fee to the smallest amount validation still
// accepts. Rounding favors the order so a fee signed exactly at the
// threshold passes.
func (e *Engine) withSlack(fee *domain.U256) *domain.U256 {
	if e.cfg.SlackBps >= bpsDenom {
		return fee
	}
	scaled := new(big.Int).Mul(fee.Int(), big.NewInt(e.cfg.SlackBps))
	scaled.Div(scaled, big.NewInt(bpsDenom))
	return domain.NewU256(scaled)
}

// --------------------------------------------------------------------------
// Result cache
// --------------------------------------------------------------------------

func quoteKey(req *domain.QuoteRequest) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s",
		req.SellToken.Hex(), req.BuyToken.Hex(), req.Side, req.Amount, req.AppData.Hex(), req.PriceQuality)
}

func (e *Engine) lookup(key string) (cachedResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[key]
	if !ok || e.now().After(res.expires) {
		return cachedResult{}, false
	}
	return res, true
}

func (e *Engine) remember(key string, quote *domain.Quote, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err == nil:
		e.results[key] = cachedResult{quote: quote, expires: quote.Expiration}
	case deterministicFailure(err):
		e.results[key] = cachedResult{err: err, expires: e.now().Add(negativeTTL)}
	}
}

// deterministicFailure reports whether retrying the same request right
// away could not succeed.
func deterministicFailure(err error) bool {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		return true
	}
	var ee *domain.EstimateError
	if errors.As(err, &ee) {
		switch ee.Kind {
		case domain.EstimateNoLiquidity, domain.EstimateUnsupportedToken,
			domain.EstimateZeroAmount, domain.EstimateUnsupportedOrderType:
			return true
		}
	}
	return false
}
