package pricing

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// Router quotes exact-in and exact-out swaps along a token path.
// *eth.UniswapRouter satisfies it.
type Router interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error)
	AmountsIn(ctx context.Context, amountOut *big.Int, path []common.Address) ([]*big.Int, error)
}

// UniswapSource estimates against on-chain constant-product pools. It
// quotes the direct pair and, when neither token is wrapped native, the
// two-hop route through it, and keeps whichever path prices better.
type UniswapSource struct {
	router        Router
	wrappedNative common.Address
}

func NewUniswapSource(router Router, wrappedNative common.Address) *UniswapSource {
	return &UniswapSource{router: router, wrappedNative: wrappedNative}
}

func (u *UniswapSource) Estimate(ctx context.Context, q Query) (Estimate, error) {
	var (
		best  *Estimate
		worst *domain.EstimateError
	)
	for _, path := range u.paths(q) {
		est, err := u.estimatePath(ctx, q, path)
		if err != nil {
			worst = domain.MoreSpecific(worst, asEstimateError(err))
			continue
		}
		if best == nil || betterOut(q.Kind, est.OutAmount, best.OutAmount) {
			e := est
			best = &e
		}
	}
	if best == nil {
		return Estimate{}, worst
	}
	return *best, nil
}

func (u *UniswapSource) paths(q Query) [][]common.Address {
	paths := [][]common.Address{{q.SellToken, q.BuyToken}}
	if q.SellToken != u.wrappedNative && q.BuyToken != u.wrappedNative {
		paths = append(paths, []common.Address{q.SellToken, u.wrappedNative, q.BuyToken})
	}
	return paths
}

func (u *UniswapSource) estimatePath(ctx context.Context, q Query, path []common.Address) (Estimate, error) {
	var (
		amounts []*big.Int
		err     error
		out     *big.Int
	)
	switch q.Kind {
	case domain.OrderKindSell:
		amounts, err = u.router.AmountsOut(ctx, q.InAmount, path)
		if err == nil {
			out = amounts[len(amounts)-1]
		}
	default:
		amounts, err = u.router.AmountsIn(ctx, q.InAmount, path)
		if err == nil {
			out = amounts[0]
		}
	}
	if err != nil {
		// The router reverts when a pair along the path is missing or
		// cannot cover the amount.
		if isRevert(err) {
			return Estimate{}, domain.Estimatef(domain.EstimateNoLiquidity, "no route %s", pathString(path))
		}
		return Estimate{}, &domain.EstimateError{Kind: domain.EstimateProviderError, Message: err.Error(), Err: err}
	}
	if out.Sign() == 0 {
		return Estimate{}, domain.Estimatef(domain.EstimateNoLiquidity, "route %s prices at zero", pathString(path))
	}
	return Estimate{
		OutAmount: out,
		Gas:       gasSettlementOverhead + uint64(len(path)-1)*gasPerUniswapSwap,
	}, nil
}

// betterOut ranks candidate outputs: sell orders want the most buy
// token out, buy orders want the least sell token in.
func betterOut(kind domain.OrderKind, candidate, current *big.Int) bool {
	if kind == domain.OrderKindSell {
		return candidate.Cmp(current) > 0
	}
	return candidate.Cmp(current) < 0
}

func isRevert(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "revert") || strings.Contains(msg, "insufficient")
}

func pathString(path []common.Address) string {
	hops := make([]string, len(path))
	for i, a := range path {
		hops[i] = a.Hex()
	}
	return strings.Join(hops, "->")
}

var _ Estimator = (*UniswapSource)(nil)
