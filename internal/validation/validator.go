// Package validation screens incoming orders before they reach storage.
// The rules run in a fixed order so a rejected order always reports the
// first rule it broke; the deny list is checked before everything else.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
)

// OwnerRecoverer recovers the signer of an order and computes the typed
// digest its uid is derived from.
type OwnerRecoverer interface {
	OrderDigest(o *domain.OrderCreation) (common.Hash, error)
	RecoverOrderOwner(o *domain.OrderCreation) (common.Address, error)
}

// FeeChecker decides whether the fee signed into an order is enough.
type FeeChecker interface {
	ValidFee(ctx context.Context, order *domain.OrderCreation) (bool, error)
}

// FundingSource reads sell-token funding and simulates the settlement
// contract pulling the sell amount.
type FundingSource interface {
	BalanceAndAllowance(ctx context.Context, q eth.BalanceQuery) (balance, allowance *domain.U256, err error)
	CanTransfer(ctx context.Context, token, owner common.Address, amount *big.Int) bool
}

// CodeReader reports the contract code deployed at an address.
type CodeReader interface {
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

// ValidatedOrder is the outcome of full validation: the owner recovered
// from the signature and the uid the order will be stored under.
type ValidatedOrder struct {
	Owner common.Address
	Uid   domain.OrderUid
}

// PreOrder carries the order fields already known before signing. Quote
// requests are screened with it so users cannot obtain a quote for an
// order that full validation would reject on the same fields.
type PreOrder struct {
	From             common.Address
	SellToken        common.Address
	BuyToken         common.Address
	ValidTo          uint32
	SellTokenBalance domain.SellTokenSource
	BuyTokenBalance  domain.BuyTokenDestination
}

// PreOrderFromQuote maps a quote request onto the pre-order fields it
// shares with the order it precedes.
func PreOrderFromQuote(r *domain.QuoteRequest) PreOrder {
	return PreOrder{
		From:             r.From,
		SellToken:        r.SellToken,
		BuyToken:         r.BuyToken,
		ValidTo:          r.ValidTo,
		SellTokenBalance: r.SellTokenBalance,
		BuyTokenBalance:  r.BuyTokenBalance,
	}
}

// Validator applies the order acceptance rules.
type Validator struct {
	verifier      OwnerRecoverer
	fees          FeeChecker
	funding       FundingSource
	code          CodeReader
	deny          map[common.Address]bool
	unsupported   map[common.Address]bool
	wrappedNative common.Address
	minHorizon    time.Duration
	logger        *slog.Logger

	now func() time.Time
}

// NewValidator builds a validator from its collaborators and the
// operator-supplied acceptance parameters.
func NewValidator(
	verifier OwnerRecoverer,
	fees FeeChecker,
	funding FundingSource,
	code CodeReader,
	cfg config.ValidationConfig,
	wrappedNative common.Address,
	logger *slog.Logger,
) *Validator {
	return &Validator{
		verifier:      verifier,
		fees:          fees,
		funding:       funding,
		code:          code,
		deny:          cfg.DenySet(),
		unsupported:   cfg.UnsupportedSet(),
		wrappedNative: wrappedNative,
		minHorizon:    cfg.MinValidToHorizon.Duration,
		logger:        logger,
		now:           time.Now,
	}
}

// Validate runs the full rule set against a signed order. The first
// broken rule decides the returned error; domain.ErrDenyListed and
// *domain.ValidationError are client errors, anything else is an
// infrastructure failure.
func (v *Validator) Validate(ctx context.Context, order *domain.OrderCreation) (*ValidatedOrder, error) {
	if order.From != nil && v.deny[*order.From] {
		return nil, domain.ErrDenyListed
	}
	if v.sameToken(order.SellToken, order.BuyToken) {
		return nil, domain.Validation(domain.KindSameBuyAndSellToken, "sell and buy token are the same")
	}
	if order.SellAmount.IsZero() || order.BuyAmount.IsZero() {
		return nil, domain.Validation(domain.KindZeroAmount, "sellAmount and buyAmount must be positive")
	}
	if err := checkChannels(order.SellTokenBalance, order.BuyTokenBalance); err != nil {
		return nil, err
	}
	if err := v.checkSupported(order.SellToken, order.BuyToken); err != nil {
		return nil, err
	}
	if err := v.checkValidTo(order.ValidTo); err != nil {
		return nil, err
	}

	owner, err := v.verifier.RecoverOrderOwner(order)
	if err != nil {
		return nil, domain.Validation(domain.KindInvalidSignature, "cannot recover a signer from the signature")
	}
	if order.From != nil && *order.From != owner {
		return nil, domain.Validation(domain.KindWrongOwner, fmt.Sprintf("signature recovers to %s", owner))
	}
	if v.deny[owner] {
		return nil, domain.ErrDenyListed
	}

	if err := v.checkFee(ctx, order); err != nil {
		return nil, err
	}

	if order.BuyToken == domain.BuyEthAddress {
		receiver := owner
		if order.Receiver != nil {
			receiver = *order.Receiver
		}
		code, err := v.code.CodeAt(ctx, receiver)
		if err != nil {
			return nil, fmt.Errorf("validation: read receiver code: %w", err)
		}
		if len(code) > 0 {
			return nil, domain.Validation(domain.KindTransferEthToContract,
				"sending native currency to a smart contract receiver is not supported")
		}
	}

	// Funding rules bind fill-or-kill orders only. Partially fillable
	// orders are accepted as signed intent and surface with a null
	// available balance until funded.
	if !order.PartiallyFillable {
		if err := v.checkFunding(ctx, order, owner); err != nil {
			return nil, err
		}
	}

	digest, err := v.verifier.OrderDigest(order)
	if err != nil {
		return nil, fmt.Errorf("validation: hash order: %w", err)
	}
	return &ValidatedOrder{
		Owner: owner,
		Uid:   domain.BuildUid(digest, owner, order.ValidTo),
	}, nil
}

// PartialValidate runs the checks that need no signature, for quote
// requests that precede a signed order.
func (v *Validator) PartialValidate(pre PreOrder) error {
	if v.deny[pre.From] {
		return domain.ErrDenyListed
	}
	if v.sameToken(pre.SellToken, pre.BuyToken) {
		return domain.Validation(domain.KindSameBuyAndSellToken, "sell and buy token are the same")
	}
	if err := checkChannels(pre.SellTokenBalance, pre.BuyTokenBalance); err != nil {
		return err
	}
	return v.checkValidTo(pre.ValidTo)
}

// sameToken also flags selling the wrapped native token for the native
// placeholder: settlement would only unwrap what was just deposited.
// The reverse direction trades the real tokens and stays allowed.
func (v *Validator) sameToken(sell, buy common.Address) bool {
	if sell == buy {
		return true
	}
	return sell == v.wrappedNative && buy == domain.BuyEthAddress
}

func checkChannels(src domain.SellTokenSource, dst domain.BuyTokenDestination) error {
	switch dst {
	case "", domain.BuyTokenDestinationErc20:
	default:
		return domain.Validation(domain.KindUnsupportedBuyTokenDestination,
			fmt.Sprintf("buyTokenBalance %q is not supported", dst))
	}
	switch src {
	case "", domain.SellTokenSourceErc20, domain.SellTokenSourceExternal:
	default:
		return domain.Validation(domain.KindUnsupportedSellTokenSource,
			fmt.Sprintf("sellTokenBalance %q is not supported", src))
	}
	return nil
}

func (v *Validator) checkSupported(sell, buy common.Address) error {
	for _, token := range []common.Address{sell, buy} {
		if v.unsupported[token] {
			return domain.Validation(domain.KindUnsupportedToken, fmt.Sprintf("token %s is not supported", token))
		}
	}
	return nil
}

func (v *Validator) checkValidTo(validTo uint32) error {
	if int64(validTo) < v.now().Add(v.minHorizon).Unix() {
		return domain.Validation(domain.KindInsufficientValidTo,
			fmt.Sprintf("validTo must be at least %s in the future", v.minHorizon))
	}
	return nil
}

func (v *Validator) checkFee(ctx context.Context, order *domain.OrderCreation) error {
	ok, err := v.fees.ValidFee(ctx, order)
	if err != nil {
		var estErr *domain.EstimateError
		if errors.As(err, &estErr) && estErr.Kind == domain.EstimateUnsupportedToken {
			return domain.Validation(domain.KindUnsupportedToken, estErr.Message)
		}
		var valErr *domain.ValidationError
		if errors.As(err, &valErr) {
			return valErr
		}
		return fmt.Errorf("validation: check fee: %w", err)
	}
	if !ok {
		return domain.Validation(domain.KindInsufficientFee, "feeAmount is below the current accepted minimum")
	}
	return nil
}

// checkFunding requires balance and allowance to cover the full sell
// amount plus fee, then simulates the actual pull. The component reads
// run first so a plainly missing balance reports as such rather than
// as a failed simulation.
func (v *Validator) checkFunding(ctx context.Context, order *domain.OrderCreation, owner common.Address) error {
	need := new(big.Int).Set(order.SellAmount.Int())
	if order.FeeAmount != nil {
		need.Add(need, order.FeeAmount.Int())
	}

	source := order.SellTokenBalance
	if source == "" {
		source = domain.SellTokenSourceErc20
	}
	balance, allowance, err := v.funding.BalanceAndAllowance(ctx, eth.BalanceQuery{
		Owner:  owner,
		Token:  order.SellToken,
		Source: source,
	})
	if err != nil {
		return fmt.Errorf("validation: read sell token funding: %w", err)
	}
	if balance.Int().Cmp(need) < 0 {
		return domain.Validation(domain.KindInsufficientBalance,
			"sell token balance does not cover sellAmount plus feeAmount")
	}
	if allowance.Int().Cmp(need) < 0 {
		return domain.Validation(domain.KindInsufficientAllowance,
			"settlement allowance does not cover sellAmount plus feeAmount")
	}

	if !v.funding.CanTransfer(ctx, order.SellToken, owner, need) {
		v.logger.Warn("transfer simulation failed for funded order",
			slog.String("owner", owner.Hex()),
			slog.String("sell_token", order.SellToken.Hex()))
		return domain.Validation(domain.KindTransferSimulationFailed,
			"simulated sell token transfer failed")
	}
	return nil
}
