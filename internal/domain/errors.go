package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrDuplicateOrder   = errors.New("order with this uid already exists")
	ErrDenyListed       = errors.New("account is deny-listed")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidSignature = errors.New("signature recovery failed")
	ErrLockHeld         = errors.New("lock already held")
)

// ValidationKind enumerates the order acceptance rules. The kind is what
// the HTTP layer reports as errorType.
type ValidationKind string

const (
	KindSameBuyAndSellToken            ValidationKind = "SameBuyAndSellToken"
	KindZeroAmount                     ValidationKind = "ZeroAmount"
	KindUnsupportedBuyTokenDestination ValidationKind = "UnsupportedBuyTokenDestination"
	KindUnsupportedSellTokenSource     ValidationKind = "UnsupportedSellTokenSource"
	KindUnsupportedToken               ValidationKind = "UnsupportedToken"
	KindInsufficientValidTo            ValidationKind = "InsufficientValidTo"
	KindInvalidSignature               ValidationKind = "InvalidSignature"
	KindWrongOwner                     ValidationKind = "WrongOwner"
	KindInsufficientFee                ValidationKind = "InsufficientFee"
	KindTransferEthToContract          ValidationKind = "TransferEthToContract"
	KindTransferSimulationFailed       ValidationKind = "TransferSimulationFailed"
	KindInsufficientBalance            ValidationKind = "InsufficientBalance"
	KindInsufficientAllowance          ValidationKind = "InsufficientAllowance"
	KindDuplicateOrder                 ValidationKind = "DuplicateOrder"
	KindOrderNotCancellable            ValidationKind = "OrderNotCancellable"
	KindSellAmountDoesNotCoverFee      ValidationKind = "SellAmountDoesNotCoverFee"
	KindInvalidQuery                   ValidationKind = "InvalidQuery"
	KindAppDataHashMismatch            ValidationKind = "AppDataHashMismatch"
)

// ValidationError rejects an order or quote request with a client-visible
// reason. Maps to HTTP 400.
type ValidationError struct {
	Kind        ValidationKind
	Description string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Kind, e.Description)
}

// Validation builds a ValidationError.
func Validation(kind ValidationKind, description string) *ValidationError {
	return &ValidationError{Kind: kind, Description: description}
}

// EstimateKind classifies upstream price-source failures.
type EstimateKind string

const (
	EstimateNoLiquidity          EstimateKind = "NoLiquidity"
	EstimateUnsupportedToken     EstimateKind = "UnsupportedToken"
	EstimateZeroAmount           EstimateKind = "ZeroAmount"
	EstimateUnsupportedOrderType EstimateKind = "UnsupportedOrderType"
	EstimateTimeout              EstimateKind = "Timeout"
	EstimateProviderError        EstimateKind = "ProviderError"
)

// EstimateError is a typed upstream failure from a price source. The
// quote engine caches these negatively; the HTTP layer maps NoLiquidity
// to 404, UnsupportedToken and ZeroAmount to 400, the rest to 500.
type EstimateError struct {
	Kind    EstimateKind
	Message string
	Err     error
}

func (e *EstimateError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("estimate: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("estimate: %s", e.Kind)
}

func (e *EstimateError) Unwrap() error {
	return e.Err
}

// Estimatef builds an EstimateError with a formatted message.
func Estimatef(kind EstimateKind, format string, args ...any) *EstimateError {
	return &EstimateError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// MoreSpecific picks the error a priority list should surface when every
// source failed: a token-support problem explains more than a liquidity
// miss, which explains more than a transport failure.
func MoreSpecific(a, b *EstimateError) *EstimateError {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if estimateRank(a.Kind) >= estimateRank(b.Kind) {
		return a
	}
	return b
}

func estimateRank(k EstimateKind) int {
	switch k {
	case EstimateUnsupportedToken:
		return 4
	case EstimateZeroAmount:
		return 3
	case EstimateNoLiquidity:
		return 2
	case EstimateUnsupportedOrderType:
		return 1
	default:
		return 0
	}
}
