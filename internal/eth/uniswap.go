package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// routerABIJSON covers the constant-product router's quoting functions.
const routerABIJSON = `[
  {"type":"function","name":"getAmountsOut","stateMutability":"view","inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
  {"type":"function","name":"getAmountsIn","stateMutability":"view","inputs":[{"name":"amountOut","type":"uint256"},{"name":"path","type":"address[]"}],"outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var routerABI = mustParseABI(routerABIJSON)

// UniswapRouter quotes swaps against a Uniswap-v2 compatible router
// contract. The router walks the pair contracts for the given path, so
// a missing or empty pair surfaces as a revert.
type UniswapRouter struct {
	client *Client
	router common.Address
}

func NewUniswapRouter(client *Client, router common.Address) *UniswapRouter {
	return &UniswapRouter{client: client, router: router}
}

// AmountsOut returns the output amount at every hop for an exact input
// swap along path.
func (u *UniswapRouter) AmountsOut(ctx context.Context, amountIn *big.Int, path []common.Address) ([]*big.Int, error) {
	return u.quote(ctx, "getAmountsOut", amountIn, path)
}

// AmountsIn returns the input amount at every hop for an exact output
// swap along path.
func (u *UniswapRouter) AmountsIn(ctx context.Context, amountOut *big.Int, path []common.Address) ([]*big.Int, error) {
	return u.quote(ctx, "getAmountsIn", amountOut, path)
}

func (u *UniswapRouter) quote(ctx context.Context, method string, amount *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := routerABI.Pack(method, amount, path)
	if err != nil {
		return nil, fmt.Errorf("eth: pack %s: %w", method, err)
	}
	ret, err := u.client.CallContract(ctx, ethereum.CallMsg{To: &u.router, Data: data})
	if err != nil {
		return nil, err
	}
	values, err := routerABI.Unpack(method, ret)
	if err != nil {
		return nil, fmt.Errorf("eth: unpack %s: %w", method, err)
	}
	amounts, ok := values[0].([]*big.Int)
	if !ok || len(amounts) != len(path) {
		return nil, fmt.Errorf("eth: %s returned %d amounts for a %d token path", method, len(amounts), len(path))
	}
	return amounts, nil
}
