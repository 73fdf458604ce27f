package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderFilter narrows order listings. Nil fields are unfiltered. The API
// layer requires at least one address filter.
type OrderFilter struct {
	Owner     *common.Address
	SellToken *common.Address
	BuyToken  *common.Address
	// MinValidTo drops orders expiring before the given timestamp.
	MinValidTo uint32
	// ExcludeFullyExecuted drops orders whose kind-specific target amount
	// has been reached.
	ExcludeFullyExecuted bool
	// ExcludeInvalidated drops cancelled and invalidated orders.
	ExcludeInvalidated bool
}

// OrderStore persists orders and answers the projection-joined reads.
type OrderStore interface {
	// Insert stores a new order; ErrDuplicateOrder when the uid exists.
	Insert(ctx context.Context, order *Order) error
	// ByUid returns a single order with executed sums; ErrNotFound when
	// absent.
	ByUid(ctx context.Context, uid OrderUid) (*Order, error)
	// List returns orders matching the filter, ascending by creation.
	List(ctx context.Context, filter OrderFilter) ([]*Order, error)
	// ByOwnerPaged returns the owner's orders, newest first.
	ByOwnerPaged(ctx context.Context, owner common.Address, offset, limit int) ([]*Order, error)
	// ByTx returns the orders traded in a settlement transaction.
	ByTx(ctx context.Context, txHash common.Hash) ([]*Order, error)
	// Solvable returns candidate auction orders: not expired before
	// minValidTo, not fully executed, not invalidated.
	Solvable(ctx context.Context, minValidTo uint32) ([]*Order, error)
	// Cancel records a signed cancellation once; later calls are no-ops
	// for already-cancelled orders.
	Cancel(ctx context.Context, uid OrderUid, signature Signature, at time.Time) error
}

// EventStore persists the chain projection. Inserts for one batch are
// atomic; replacing a suffix of history happens in a single transaction.
type EventStore interface {
	// InsertEvents appends a decoded batch and its block-hash watermark.
	InsertEvents(ctx context.Context, batch *EventBatch) error
	// ReplaceEventsFrom atomically deletes every event and watermark at
	// or above block and inserts the replacement batch.
	ReplaceEventsFrom(ctx context.Context, block uint64, batch *EventBatch) error
	// DeleteEventsAtOrAbove removes a reorged suffix without replacement.
	DeleteEventsAtOrAbove(ctx context.Context, block uint64) error
	// LatestIndexedBlock is the highest block any event or watermark row
	// references; zero when empty.
	LatestIndexedBlock(ctx context.Context) (uint64, error)
	// IndexedBlockHash returns the stored hash for a watermark block;
	// ErrNotFound when the block is below the retained window.
	IndexedBlockHash(ctx context.Context, block uint64) (common.Hash, error)
	// PruneIndexedBlocksBelow drops watermarks older than the reorg
	// window.
	PruneIndexedBlocksBelow(ctx context.Context, block uint64) error
	// LatestSettlementBlock is the highest block with a settlement event.
	LatestSettlementBlock(ctx context.Context) (uint64, error)
}

// TradeStore reads the trade projection joined with orders.
type TradeStore interface {
	List(ctx context.Context, filter TradeFilter) ([]*Trade, error)
	ByTx(ctx context.Context, txHash common.Hash) ([]*Trade, error)
}

// AppDataDocument is a registered app-data blob.
type AppDataDocument struct {
	Hash      common.Hash     `json:"hash"`
	AppCode   string          `json:"appCode,omitempty"`
	Referrer  *common.Address `json:"referrer,omitempty"`
	Document  []byte          `json:"document"`
	CreatedAt time.Time       `json:"createdAt"`
}

// AppDataStore persists app-data documents by hash.
type AppDataStore interface {
	Insert(ctx context.Context, doc *AppDataDocument) error
	ByHash(ctx context.Context, hash common.Hash) (*AppDataDocument, error)
}

// FeeStore persists fee measurements so quotes survive restarts.
type FeeStore interface {
	Save(ctx context.Context, m *FeeMeasurement) error
	// Find returns the smallest unexpired fee matching the parameters.
	// buyToken, amount and kind are matched when the stored measurement
	// has them; token-only measurements match any request for the token.
	Find(ctx context.Context, sellToken common.Address, buyToken *common.Address, amount *U256, kind *OrderKind, minExpiry time.Time) (*U256, error)
	RemoveExpired(ctx context.Context, before time.Time) error
}
