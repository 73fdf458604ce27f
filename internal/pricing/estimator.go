// Package pricing turns external liquidity into price estimates. A
// price source answers a single question: trading InAmount of one token
// for another, how much comes out the other side and how much gas does
// the swap burn. Sources compose: the sanitizer screens tokens and
// handles the native-ETH placeholder, the priority list tries sources
// in configured order, and the cache keeps recent answers in Redis.
package pricing

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Gas attributed to settlement work around the swap itself. The swap
// figures come from regressions over settled batches; the unwrap figure
// is the cost of a WETH withdraw call.
const (
	gasSettlementOverhead uint64 = 106_391
	gasPerUniswapSwap     uint64 = 94_696
	gasPerWethUnwrap      uint64 = 36_391
)

// Query asks for a single price estimate. For sell orders InAmount is
// the sell amount and the estimate answers how much buy token comes
// out; for buy orders InAmount is the buy amount and the estimate
// answers how much sell token goes in.
type Query struct {
	SellToken common.Address
	BuyToken  common.Address
	InAmount  *big.Int
	Kind      domain.OrderKind
}

// Key renders the query as a cache and coalescing key.
func (q Query) Key() string {
	return fmt.Sprintf("%s:%s:%s:%s",
		q.SellToken.Hex(), q.BuyToken.Hex(), q.InAmount.String(), q.Kind)
}

// Estimate is a source's answer: the amount on the other side of the
// trade and the gas a settlement containing it would spend.
type Estimate struct {
	OutAmount *big.Int
	Gas       uint64
}

// Estimator is a single price source. Failures are *domain.EstimateError
// values so callers can tell an unsupported token from a liquidity miss
// from a transport problem.
type Estimator interface {
	Estimate(ctx context.Context, q Query) (Estimate, error)
}

// EstimatorFunc adapts a function to the Estimator interface.
type EstimatorFunc func(ctx context.Context, q Query) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, q Query) (Estimate, error) {
	return f(ctx, q)
}
