package pricing

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Sanitized wraps a source with the checks every source would otherwise
// repeat: listed tokens are rejected before any network call, zero
// amounts and same-token trades are answered trivially, and the
// native-ETH placeholder buy token is swapped for wrapped native so the
// inner source only ever sees real ERC-20 pairs.
type Sanitized struct {
	inner         Estimator
	wrappedNative common.Address
	unsupported   map[common.Address]bool
}

// NewSanitized builds the sanitizing wrapper. unsupported is consulted
// by reference, so a shared set stays current without copying.
func NewSanitized(inner Estimator, wrappedNative common.Address, unsupported map[common.Address]bool) *Sanitized {
	return &Sanitized{
		inner:         inner,
		wrappedNative: wrappedNative,
		unsupported:   unsupported,
	}
}

func (s *Sanitized) Estimate(ctx context.Context, q Query) (Estimate, error) {
	if s.unsupported[q.BuyToken] {
		return Estimate{}, domain.Estimatef(domain.EstimateUnsupportedToken, "token %s is not supported", q.BuyToken.Hex())
	}
	if s.unsupported[q.SellToken] {
		return Estimate{}, domain.Estimatef(domain.EstimateUnsupportedToken, "token %s is not supported", q.SellToken.Hex())
	}
	if q.InAmount == nil || q.InAmount.Sign() == 0 {
		return Estimate{}, domain.Estimatef(domain.EstimateZeroAmount, "amount must be positive")
	}

	// A trade from a token to itself settles without touching any
	// liquidity.
	if q.SellToken == q.BuyToken {
		return Estimate{OutAmount: new(big.Int).Set(q.InAmount), Gas: 0}, nil
	}

	if q.BuyToken == domain.BuyEthAddress {
		q.BuyToken = s.wrappedNative
		est, err := s.inner.Estimate(ctx, q)
		if err != nil {
			return Estimate{}, err
		}
		est.Gas += gasPerWethUnwrap
		return est, nil
	}

	return s.inner.Estimate(ctx, q)
}

var _ Estimator = (*Sanitized)(nil)
