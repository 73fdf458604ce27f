package eth

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// settlementABIJSON covers the three settlement contract events the
// indexer projects. Interaction and PreSignature logs are not tracked.
const settlementABIJSON = `[
	{"type":"event","name":"Trade","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"sellToken","type":"address","indexed":false},
		{"name":"buyToken","type":"address","indexed":false},
		{"name":"sellAmount","type":"uint256","indexed":false},
		{"name":"buyAmount","type":"uint256","indexed":false},
		{"name":"feeAmount","type":"uint256","indexed":false},
		{"name":"orderUid","type":"bytes","indexed":false}]},
	{"type":"event","name":"OrderInvalidated","inputs":[
		{"name":"owner","type":"address","indexed":true},
		{"name":"orderUid","type":"bytes","indexed":false}]},
	{"type":"event","name":"Settlement","inputs":[
		{"name":"solver","type":"address","indexed":true}]}
]`

var (
	settlementABI = mustParseABI(settlementABIJSON)

	tradeTopic        = settlementABI.Events["Trade"].ID
	invalidationTopic = settlementABI.Events["OrderInvalidated"].ID
	settlementTopic   = settlementABI.Events["Settlement"].ID
)

// ErrDecode marks a log that no longer decodes against the known
// contract ABI. Retrying cannot help; the deployed contract has
// diverged from this binary.
var ErrDecode = errors.New("eth: log decode failed")

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("eth: parsing settlement abi: %v", err))
	}
	return parsed
}

// SettlementReader fetches and decodes settlement contract events for a
// block range.
type SettlementReader struct {
	client   *Client
	contract common.Address
}

// NewSettlementReader builds a reader for the settlement contract at the
// given address.
func NewSettlementReader(client *Client, contract common.Address) *SettlementReader {
	return &SettlementReader{client: client, contract: contract}
}

// Head returns the node's current head block number.
func (r *SettlementReader) Head(ctx context.Context) (uint64, error) {
	return r.client.BlockNumber(ctx)
}

// BlockInfo returns the identity of the block at the given height.
func (r *SettlementReader) BlockInfo(ctx context.Context, number uint64) (BlockInfo, error) {
	return r.client.BlockInfoByNumber(ctx, number)
}

// Events fetches the contract logs in [from, to], decodes them, and stamps
// the batch with the hash of block `to` for later reorg comparison.
func (r *SettlementReader) Events(ctx context.Context, from, to uint64) (*domain.EventBatch, error) {
	logs, err := r.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{r.contract},
		Topics:    [][]common.Hash{{tradeTopic, invalidationTopic, settlementTopic}},
	})
	if err != nil {
		return nil, err
	}

	batch := &domain.EventBatch{FromBlock: from, ToBlock: to}
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if err := decodeLog(batch, log); err != nil {
			return nil, fmt.Errorf("%w: block %d log %d: %v", ErrDecode, log.BlockNumber, log.Index, err)
		}
	}

	info, err := r.client.BlockInfoByNumber(ctx, to)
	if err != nil {
		return nil, err
	}
	batch.ToBlockHash = info.Hash

	return batch, nil
}

// decodeLog appends one decoded contract event to the batch. Unknown
// topics are skipped so contract upgrades that add events do not break
// indexing.
func decodeLog(batch *domain.EventBatch, log types.Log) error {
	if len(log.Topics) == 0 {
		return nil
	}
	index := domain.EventIndex{BlockNumber: log.BlockNumber, LogIndex: uint64(log.Index)}

	switch log.Topics[0] {
	case tradeTopic:
		values, err := settlementABI.Unpack("Trade", log.Data)
		if err != nil {
			return fmt.Errorf("unpack trade: %w", err)
		}
		uid, err := domain.UidFromBytes(values[6].([]byte))
		if err != nil {
			return fmt.Errorf("trade order uid: %w", err)
		}
		batch.Trades = append(batch.Trades, domain.TradeEvent{
			EventIndex: index,
			OrderUid:   uid,
			SellAmount: domain.NewU256(values[3].(*big.Int)),
			BuyAmount:  domain.NewU256(values[4].(*big.Int)),
			FeeAmount:  domain.NewU256(values[5].(*big.Int)),
		})

	case invalidationTopic:
		values, err := settlementABI.Unpack("OrderInvalidated", log.Data)
		if err != nil {
			return fmt.Errorf("unpack invalidation: %w", err)
		}
		uid, err := domain.UidFromBytes(values[0].([]byte))
		if err != nil {
			return fmt.Errorf("invalidation order uid: %w", err)
		}
		batch.Invalidations = append(batch.Invalidations, domain.InvalidationEvent{
			EventIndex: index,
			OrderUid:   uid,
		})

	case settlementTopic:
		if len(log.Topics) < 2 {
			return fmt.Errorf("settlement log missing solver topic")
		}
		batch.Settlements = append(batch.Settlements, domain.SettlementEvent{
			EventIndex: index,
			TxHash:     log.TxHash,
			Solver:     common.BytesToAddress(log.Topics[1].Bytes()),
			BlockHash:  log.BlockHash,
		})
	}

	return nil
}
