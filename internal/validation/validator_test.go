package validation

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
)

var (
	testNow   = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	testWeth  = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	testUsdc  = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	testOwner = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

type fakeRecoverer struct {
	owner  common.Address
	digest common.Hash
	err    error
	calls  int
}

func (f *fakeRecoverer) OrderDigest(*domain.OrderCreation) (common.Hash, error) {
	return f.digest, nil
}

func (f *fakeRecoverer) RecoverOrderOwner(*domain.OrderCreation) (common.Address, error) {
	f.calls++
	return f.owner, f.err
}

type fakeFees struct {
	ok    bool
	err   error
	calls int
}

func (f *fakeFees) ValidFee(context.Context, *domain.OrderCreation) (bool, error) {
	f.calls++
	return f.ok, f.err
}

type fakeFunding struct {
	balance    *big.Int
	allowance  *big.Int
	err        error
	transferOK bool

	lastQuery     eth.BalanceQuery
	transferCalls int
	lastNeed      *big.Int
}

func (f *fakeFunding) BalanceAndAllowance(_ context.Context, q eth.BalanceQuery) (*domain.U256, *domain.U256, error) {
	f.lastQuery = q
	if f.err != nil {
		return nil, nil, f.err
	}
	return domain.NewU256(f.balance), domain.NewU256(f.allowance), nil
}

func (f *fakeFunding) CanTransfer(_ context.Context, _, _ common.Address, amount *big.Int) bool {
	f.transferCalls++
	f.lastNeed = new(big.Int).Set(amount)
	return f.transferOK
}

type fakeCode struct {
	code map[common.Address][]byte
	err  error
}

func (f *fakeCode) CodeAt(_ context.Context, addr common.Address) ([]byte, error) {
	return f.code[addr], f.err
}

type fixture struct {
	recoverer *fakeRecoverer
	fees      *fakeFees
	funding   *fakeFunding
	code      *fakeCode
	validator *Validator
}

// newFixture wires a validator whose collaborators accept everything;
// individual tests break exactly one rule.
func newFixture(t *testing.T, mutate func(*config.ValidationConfig)) *fixture {
	t.Helper()

	cfg := config.Defaults().Validation
	if mutate != nil {
		mutate(&cfg)
	}

	huge := new(big.Int).Lsh(big.NewInt(1), 128)
	f := &fixture{
		recoverer: &fakeRecoverer{owner: testOwner, digest: common.HexToHash("0xd1d1d1d1")},
		fees:      &fakeFees{ok: true},
		funding:   &fakeFunding{balance: huge, allowance: huge, transferOK: true},
		code:      &fakeCode{code: map[common.Address][]byte{}},
	}
	f.validator = NewValidator(f.recoverer, f.fees, f.funding, f.code, cfg, testWeth,
		slog.New(slog.DiscardHandler))
	f.validator.now = func() time.Time { return testNow }
	return f
}

func testOrder() *domain.OrderCreation {
	return &domain.OrderCreation{
		SellToken:  testUsdc,
		BuyToken:   testWeth,
		SellAmount: domain.U256FromUint64(5_000_000_000),
		BuyAmount:  domain.U256FromUint64(1_500_000_000_000_000_000),
		FeeAmount:  domain.U256FromUint64(10_000_000),
		ValidTo:    uint32(testNow.Add(time.Hour).Unix()),
		Kind:       domain.OrderKindSell,
	}
}

func requireKind(t *testing.T, err error, kind domain.ValidationKind) {
	t.Helper()
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, kind, verr.Kind)
}

func TestValidateAcceptsWellFormedOrder(t *testing.T) {
	f := newFixture(t, nil)
	order := testOrder()

	res, err := f.validator.Validate(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, testOwner, res.Owner)
	require.Equal(t, domain.BuildUid(f.recoverer.digest, testOwner, order.ValidTo), res.Uid)
}

func TestValidateRejectsDenyListedFrom(t *testing.T) {
	from := common.HexToAddress("0xBAD0000000000000000000000000000000000bad")
	f := newFixture(t, func(cfg *config.ValidationConfig) {
		cfg.DenyList = []string{from.Hex()}
	})
	order := testOrder()
	order.From = &from

	_, err := f.validator.Validate(context.Background(), order)
	require.ErrorIs(t, err, domain.ErrDenyListed)
	require.Zero(t, f.recoverer.calls, "deny list must short-circuit before signature recovery")
}

func TestValidateRejectsDenyListedSigner(t *testing.T) {
	f := newFixture(t, func(cfg *config.ValidationConfig) {
		cfg.DenyList = []string{testOwner.Hex()}
	})

	_, err := f.validator.Validate(context.Background(), testOrder())
	require.ErrorIs(t, err, domain.ErrDenyListed)
	require.Zero(t, f.fees.calls, "deny-listed signers must not reach the fee check")
}

func TestValidateRejectsSameToken(t *testing.T) {
	f := newFixture(t, nil)
	order := testOrder()
	order.BuyToken = order.SellToken
	// Amounts are zero too; the same-token rule runs first.
	order.SellAmount = nil
	order.BuyAmount = nil

	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindSameBuyAndSellToken)
}

func TestValidateTreatsWrappedNativeForEthAsSameToken(t *testing.T) {
	f := newFixture(t, nil)
	order := testOrder()
	order.SellToken = testWeth
	order.BuyToken = domain.BuyEthAddress

	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindSameBuyAndSellToken)
}

func TestValidateRejectsZeroAmounts(t *testing.T) {
	f := newFixture(t, nil)

	order := testOrder()
	order.SellAmount = domain.U256FromUint64(0)
	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindZeroAmount)

	order = testOrder()
	order.BuyAmount = nil
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindZeroAmount)
}

func TestValidateRejectsUnsupportedChannels(t *testing.T) {
	f := newFixture(t, nil)

	order := testOrder()
	order.SellTokenBalance = domain.SellTokenSourceInternal
	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindUnsupportedSellTokenSource)

	order = testOrder()
	order.BuyTokenBalance = domain.BuyTokenDestinationInternal
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindUnsupportedBuyTokenDestination)

	// Both broken: destination is reported first.
	order = testOrder()
	order.SellTokenBalance = domain.SellTokenSourceInternal
	order.BuyTokenBalance = domain.BuyTokenDestinationInternal
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindUnsupportedBuyTokenDestination)
}

func TestValidateAcceptsExternalSellSource(t *testing.T) {
	f := newFixture(t, nil)
	order := testOrder()
	order.SellTokenBalance = domain.SellTokenSourceExternal

	_, err := f.validator.Validate(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, domain.SellTokenSourceExternal, f.funding.lastQuery.Source)
}

func TestValidateRejectsUnsupportedToken(t *testing.T) {
	f := newFixture(t, func(cfg *config.ValidationConfig) {
		cfg.UnsupportedTokens = []string{testUsdc.Hex()}
	})

	_, err := f.validator.Validate(context.Background(), testOrder())
	requireKind(t, err, domain.KindUnsupportedToken)
}

func TestValidateRejectsShortValidTo(t *testing.T) {
	f := newFixture(t, nil)
	order := testOrder()
	order.ValidTo = uint32(testNow.Add(30 * time.Second).Unix())

	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindInsufficientValidTo)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	f := newFixture(t, nil)
	f.recoverer.err = errors.New("recovery failed")

	_, err := f.validator.Validate(context.Background(), testOrder())
	requireKind(t, err, domain.KindInvalidSignature)
}

func TestValidateRejectsWrongOwner(t *testing.T) {
	f := newFixture(t, nil)
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")
	order := testOrder()
	order.From = &other

	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindWrongOwner)
}

func TestValidateRejectsLowFee(t *testing.T) {
	f := newFixture(t, nil)
	f.fees.ok = false

	_, err := f.validator.Validate(context.Background(), testOrder())
	requireKind(t, err, domain.KindInsufficientFee)
}

func TestValidateMapsFeeTokenErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.fees.err = domain.Estimatef(domain.EstimateUnsupportedToken, "token %s is not supported", testUsdc)

	_, err := f.validator.Validate(context.Background(), testOrder())
	requireKind(t, err, domain.KindUnsupportedToken)
}

func TestValidateSurfacesFeeInfrastructureErrors(t *testing.T) {
	f := newFixture(t, nil)
	f.fees.err = errors.New("store unavailable")

	_, err := f.validator.Validate(context.Background(), testOrder())
	require.Error(t, err)
	var verr *domain.ValidationError
	require.False(t, errors.As(err, &verr), "infrastructure failures must not surface as client errors")
}

func TestValidateScreensEthReceivers(t *testing.T) {
	contract := common.HexToAddress("0x3333333333333333333333333333333333333333")

	f := newFixture(t, nil)
	f.code.code[contract] = []byte{0x60, 0x80}
	order := testOrder()
	order.BuyToken = domain.BuyEthAddress
	order.Receiver = &contract
	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindTransferEthToContract)

	// With no explicit receiver the owner account is screened.
	f = newFixture(t, nil)
	f.code.code[testOwner] = []byte{0x60, 0x80}
	order = testOrder()
	order.BuyToken = domain.BuyEthAddress
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindTransferEthToContract)

	// Externally owned receivers pass.
	f = newFixture(t, nil)
	order = testOrder()
	order.BuyToken = domain.BuyEthAddress
	_, err = f.validator.Validate(context.Background(), order)
	require.NoError(t, err)
}

func TestValidateChecksFundingForFillOrKill(t *testing.T) {
	order := testOrder()
	need := new(big.Int).Add(order.SellAmount.Int(), order.FeeAmount.Int())

	f := newFixture(t, nil)
	f.funding.balance = new(big.Int).Sub(need, big.NewInt(1))
	_, err := f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindInsufficientBalance)

	f = newFixture(t, nil)
	f.funding.allowance = new(big.Int).Sub(need, big.NewInt(1))
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindInsufficientAllowance)

	f = newFixture(t, nil)
	f.funding.transferOK = false
	_, err = f.validator.Validate(context.Background(), order)
	requireKind(t, err, domain.KindTransferSimulationFailed)
	require.Zero(t, need.Cmp(f.funding.lastNeed), "simulation must cover sellAmount plus feeAmount")
}

func TestValidateReportsMissingBalanceBeforeSimulation(t *testing.T) {
	f := newFixture(t, nil)
	f.funding.balance = big.NewInt(0)
	f.funding.transferOK = false

	_, err := f.validator.Validate(context.Background(), testOrder())
	requireKind(t, err, domain.KindInsufficientBalance)
	require.Zero(t, f.funding.transferCalls, "an unfunded order must not be simulated")
}

func TestValidateSkipsFundingForPartiallyFillable(t *testing.T) {
	f := newFixture(t, nil)
	f.funding.balance = big.NewInt(0)
	f.funding.allowance = big.NewInt(0)
	f.funding.transferOK = false
	order := testOrder()
	order.PartiallyFillable = true

	res, err := f.validator.Validate(context.Background(), order)
	require.NoError(t, err)
	require.Equal(t, testOwner, res.Owner)
	require.Zero(t, f.funding.transferCalls)
}

func TestPartialValidate(t *testing.T) {
	denied := common.HexToAddress("0xBAD0000000000000000000000000000000000bad")
	base := PreOrder{
		SellToken: testUsdc,
		BuyToken:  testWeth,
		ValidTo:   uint32(testNow.Add(time.Hour).Unix()),
	}

	tests := []struct {
		name    string
		mutate  func(*PreOrder)
		kind    domain.ValidationKind
		denyHit bool
		valid   bool
	}{
		{name: "valid", mutate: func(*PreOrder) {}, valid: true},
		{name: "deny listed from", mutate: func(p *PreOrder) { p.From = denied }, denyHit: true},
		{name: "same token", mutate: func(p *PreOrder) { p.BuyToken = p.SellToken }, kind: domain.KindSameBuyAndSellToken},
		{name: "wrapped native for eth", mutate: func(p *PreOrder) {
			p.SellToken = testWeth
			p.BuyToken = domain.BuyEthAddress
		}, kind: domain.KindSameBuyAndSellToken},
		{name: "internal sell source", mutate: func(p *PreOrder) {
			p.SellTokenBalance = domain.SellTokenSourceInternal
		}, kind: domain.KindUnsupportedSellTokenSource},
		{name: "internal buy destination", mutate: func(p *PreOrder) {
			p.BuyTokenBalance = domain.BuyTokenDestinationInternal
		}, kind: domain.KindUnsupportedBuyTokenDestination},
		{name: "short valid to", mutate: func(p *PreOrder) {
			p.ValidTo = uint32(testNow.Add(10 * time.Second).Unix())
		}, kind: domain.KindInsufficientValidTo},
	}

	f := newFixture(t, func(cfg *config.ValidationConfig) {
		cfg.DenyList = []string{denied.Hex()}
	})
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			pre := base
			tc.mutate(&pre)
			err := f.validator.PartialValidate(pre)
			switch {
			case tc.valid:
				require.NoError(t, err)
			case tc.denyHit:
				require.ErrorIs(t, err, domain.ErrDenyListed)
			default:
				requireKind(t, err, tc.kind)
			}
		})
	}
}

func TestPreOrderFromQuote(t *testing.T) {
	req := &domain.QuoteRequest{
		From:             testOwner,
		SellToken:        testUsdc,
		BuyToken:         testWeth,
		ValidTo:          uint32(testNow.Add(time.Hour).Unix()),
		SellTokenBalance: domain.SellTokenSourceExternal,
		BuyTokenBalance:  domain.BuyTokenDestinationErc20,
	}

	pre := PreOrderFromQuote(req)
	require.Equal(t, req.From, pre.From)
	require.Equal(t, req.SellToken, pre.SellToken)
	require.Equal(t, req.BuyToken, pre.BuyToken)
	require.Equal(t, req.ValidTo, pre.ValidTo)
	require.Equal(t, req.SellTokenBalance, pre.SellTokenBalance)
	require.Equal(t, req.BuyTokenBalance, pre.BuyTokenBalance)
}
