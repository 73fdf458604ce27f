package eth

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/auctionmesh/orderbook/internal/domain"
)

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view",
		"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transferFrom","stateMutability":"nonpayable",
		"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
		"outputs":[{"name":"","type":"bool"}]}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

// BalanceQuery identifies one spendable-balance lookup.
type BalanceQuery struct {
	Owner common.Address
	Token common.Address
	// Source is the balance channel the order draws from. erc20 and
	// external both resolve through the token balance and the relayer
	// allowance.
	Source domain.SellTokenSource
}

// BalanceReader resolves effective spendable sell amounts. The effective
// amount is min(balanceOf(owner), allowance(owner, relayer)): settlement
// can pull no more than both permit.
type BalanceReader struct {
	client  *Client
	relayer common.Address
}

// NewBalanceReader builds a reader checking allowances against relayer.
func NewBalanceReader(client *Client, relayer common.Address) *BalanceReader {
	return &BalanceReader{client: client, relayer: relayer}
}

// callParams is the eth_call positional object for raw batch requests.
type callParams struct {
	To   common.Address `json:"to"`
	Data hexutil.Bytes  `json:"data"`
}

// Balances fetches min(balance, allowance) for every query in a single
// batched RPC round trip. Queries whose calls fail are omitted from the
// result; the caller treats missing entries as unknown.
func (r *BalanceReader) Balances(ctx context.Context, queries []BalanceQuery) (map[BalanceQuery]*domain.U256, error) {
	if len(queries) == 0 {
		return map[BalanceQuery]*domain.U256{}, nil
	}

	// Two calls per unique query: balanceOf and allowance.
	unique := make([]BalanceQuery, 0, len(queries))
	seen := make(map[BalanceQuery]bool, len(queries))
	for _, q := range queries {
		if !seen[q] {
			seen[q] = true
			unique = append(unique, q)
		}
	}

	elems := make([]rpc.BatchElem, 0, 2*len(unique))
	for _, q := range unique {
		balanceData, err := erc20ABI.Pack("balanceOf", q.Owner)
		if err != nil {
			return nil, fmt.Errorf("eth: pack balanceOf: %w", err)
		}
		allowanceData, err := erc20ABI.Pack("allowance", q.Owner, r.relayer)
		if err != nil {
			return nil, fmt.Errorf("eth: pack allowance: %w", err)
		}
		elems = append(elems,
			rpc.BatchElem{
				Method: "eth_call",
				Args:   []any{callParams{To: q.Token, Data: balanceData}, "latest"},
				Result: new(hexutil.Bytes),
			},
			rpc.BatchElem{
				Method: "eth_call",
				Args:   []any{callParams{To: q.Token, Data: allowanceData}, "latest"},
				Result: new(hexutil.Bytes),
			},
		)
	}

	if err := r.client.BatchCall(ctx, elems); err != nil {
		return nil, err
	}

	out := make(map[BalanceQuery]*domain.U256, len(unique))
	for i, q := range unique {
		balElem, allElem := elems[2*i], elems[2*i+1]
		if balElem.Error != nil || allElem.Error != nil {
			continue
		}
		balance := new(big.Int).SetBytes(*balElem.Result.(*hexutil.Bytes))
		allowance := new(big.Int).SetBytes(*allElem.Result.(*hexutil.Bytes))
		if allowance.Cmp(balance) < 0 {
			balance = allowance
		}
		out[q] = domain.NewU256(balance)
	}
	return out, nil
}

// BalanceAndAllowance reads the two components of a single query
// separately, for callers that need to tell a missing balance from a
// missing approval.
func (r *BalanceReader) BalanceAndAllowance(ctx context.Context, q BalanceQuery) (balance, allowance *domain.U256, err error) {
	balanceData, err := erc20ABI.Pack("balanceOf", q.Owner)
	if err != nil {
		return nil, nil, fmt.Errorf("eth: pack balanceOf: %w", err)
	}
	allowanceData, err := erc20ABI.Pack("allowance", q.Owner, r.relayer)
	if err != nil {
		return nil, nil, fmt.Errorf("eth: pack allowance: %w", err)
	}
	elems := []rpc.BatchElem{
		{
			Method: "eth_call",
			Args:   []any{callParams{To: q.Token, Data: balanceData}, "latest"},
			Result: new(hexutil.Bytes),
		},
		{
			Method: "eth_call",
			Args:   []any{callParams{To: q.Token, Data: allowanceData}, "latest"},
			Result: new(hexutil.Bytes),
		},
	}
	if err := r.client.BatchCall(ctx, elems); err != nil {
		return nil, nil, err
	}
	for _, elem := range elems {
		if elem.Error != nil {
			return nil, nil, fmt.Errorf("eth: read balance of %s for %s: %w", q.Token, q.Owner, elem.Error)
		}
	}
	balance = domain.NewU256(new(big.Int).SetBytes(*elems[0].Result.(*hexutil.Bytes)))
	allowance = domain.NewU256(new(big.Int).SetBytes(*elems[1].Result.(*hexutil.Bytes)))
	return balance, allowance, nil
}

// Balance resolves a single query.
func (r *BalanceReader) Balance(ctx context.Context, q BalanceQuery) (*domain.U256, error) {
	balances, err := r.Balances(ctx, []BalanceQuery{q})
	if err != nil {
		return nil, err
	}
	b, ok := balances[q]
	if !ok {
		return nil, fmt.Errorf("eth: balance of %s for %s unavailable", q.Token, q.Owner)
	}
	return b, nil
}

// CanTransfer simulates the relayer pulling amount of token from owner.
// It exercises balance, allowance and any transfer hooks of nonstandard
// tokens in one call.
func (r *BalanceReader) CanTransfer(ctx context.Context, token, owner common.Address, amount *big.Int) bool {
	data, err := erc20ABI.Pack("transferFrom", owner, r.relayer, amount)
	if err != nil {
		return false
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{
		From: r.relayer,
		To:   &token,
		Data: data,
	})
	if err != nil {
		return false
	}
	// Tokens returning no data follow the pre-ERC20 convention where a
	// non-reverting call means success.
	if len(out) == 0 {
		return true
	}
	return new(big.Int).SetBytes(out).Sign() != 0
}
