package pricing

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// nativePriceUnit is the fixed-point scale for native prices: a token
// whose atom is worth exactly one wei has price 1e18.
var nativePriceUnit = big.NewInt(1_000_000_000_000_000_000)

// NativePriceSource derives a reference price in the chain's native
// token for any tradable token. It asks the underlying source how much
// of the token buys a fixed amount of wrapped native and turns the
// ratio into a fixed-point number, so the wrapped native token itself
// prices at exactly 1e18.
type NativePriceSource struct {
	inner            Estimator
	wrappedNative    common.Address
	estimationAmount *big.Int
}

// NewNativePriceSource builds the source. inner should be the sanitized
// estimator so that pricing the wrapped native token itself resolves
// trivially. estimationAmount is the wrapped-native buy amount used for
// every reference query; larger amounts smooth out low-liquidity noise
// at the cost of drifting from the marginal price.
func NewNativePriceSource(inner Estimator, wrappedNative common.Address, estimationAmount *big.Int) *NativePriceSource {
	return &NativePriceSource{
		inner:            inner,
		wrappedNative:    wrappedNative,
		estimationAmount: new(big.Int).Set(estimationAmount),
	}
}

// NativePrice returns how many wei one atom of token is worth, scaled
// by 1e18.
func (n *NativePriceSource) NativePrice(ctx context.Context, token common.Address) (*domain.U256, error) {
	est, err := n.inner.Estimate(ctx, Query{
		SellToken: token,
		BuyToken:  n.wrappedNative,
		InAmount:  n.estimationAmount,
		Kind:      domain.OrderKindBuy,
	})
	if err != nil {
		return nil, err
	}
	if est.OutAmount == nil || est.OutAmount.Sign() == 0 {
		return nil, domain.Estimatef(domain.EstimateNoLiquidity, "estimate for %s has zero amounts", token.Hex())
	}

	price := new(big.Int).Mul(n.estimationAmount, nativePriceUnit)
	price.Div(price, est.OutAmount)
	if price.Sign() == 0 {
		// A zero price would make every downstream conversion divide
		// by zero; treat the token as unpriceable instead.
		return nil, domain.Estimatef(domain.EstimateNoLiquidity, "price for %s rounds to zero", token.Hex())
	}
	return domain.NewU256(price), nil
}
