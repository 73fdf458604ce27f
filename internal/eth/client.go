// Package eth wraps chain access: the JSON-RPC client, settlement event
// decoding, and batched token balance reads.
package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// BlockInfo carries the identity of one block for reorg comparisons.
type BlockInfo struct {
	Number uint64
	Hash   common.Hash
	Parent common.Hash
}

// Client bundles an ethclient with direct access to the underlying RPC
// client so calls can be batched. Every call runs under the configured
// timeout on top of the caller's context.
type Client struct {
	ec      *ethclient.Client
	rc      *rpc.Client
	timeout time.Duration
}

// Dial connects to the node at url and verifies the chain id matches the
// configured one.
func Dial(ctx context.Context, url string, chainID int64, timeout time.Duration) (*Client, error) {
	rc, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("eth: dial %s: %w", url, err)
	}

	c := &Client{ec: ethclient.NewClient(rc), rc: rc, timeout: timeout}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()
	got, err := c.ec.ChainID(callCtx)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("eth: chain id: %w", err)
	}
	if got.Int64() != chainID {
		rc.Close()
		return nil, fmt.Errorf("eth: node reports chain id %s, configured %d", got, chainID)
	}

	return c, nil
}

// Close shuts down the underlying RPC connection.
func (c *Client) Close() {
	c.rc.Close()
}

func (c *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// BlockNumber returns the current head block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	n, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("eth: block number: %w", err)
	}
	return n, nil
}

// BlockInfoByNumber returns the hash identity of the block at the given
// height.
func (c *Client) BlockInfoByNumber(ctx context.Context, number uint64) (BlockInfo, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	header, err := c.ec.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return BlockInfo{}, fmt.Errorf("eth: header %d: %w", number, err)
	}
	return BlockInfo{
		Number: header.Number.Uint64(),
		Hash:   header.Hash(),
		Parent: header.ParentHash,
	}, nil
}

// FilterLogs runs an eth_getLogs query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	logs, err := c.ec.FilterLogs(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("eth: filter logs: %w", err)
	}
	return logs, nil
}

// CallContract executes a read-only contract call at the latest block.
func (c *Client) CallContract(ctx context.Context, call ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	out, err := c.ec.CallContract(ctx, call, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: call contract: %w", err)
	}
	return out, nil
}

// CodeAt returns the contract code at addr, empty for externally owned
// accounts.
func (c *Client) CodeAt(ctx context.Context, addr common.Address) ([]byte, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	code, err := c.ec.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: code at %s: %w", addr, err)
	}
	return code, nil
}

// SuggestGasPrice returns the node's gas price estimate.
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	price, err := c.ec.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("eth: suggest gas price: %w", err)
	}
	return price, nil
}

// BatchCall sends several requests in one round trip. Individual elements
// carry their own errors; only transport failure is returned.
func (c *Client) BatchCall(ctx context.Context, elems []rpc.BatchElem) error {
	ctx, cancel := c.callContext(ctx)
	defer cancel()
	if err := c.rc.BatchCallContext(ctx, elems); err != nil {
		return fmt.Errorf("eth: batch call: %w", err)
	}
	return nil
}
