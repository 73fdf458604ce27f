package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventIndex locates an event on chain. Events are independent rows, not
// children of orders: a trade may reference a uid this instance never
// stored and must still be recorded.
type EventIndex struct {
	BlockNumber uint64
	LogIndex    uint64
}

// TradeEvent mirrors the settlement contract's Trade log.
type TradeEvent struct {
	EventIndex
	OrderUid   OrderUid
	SellAmount *U256
	BuyAmount  *U256
	FeeAmount  *U256
}

// InvalidationEvent mirrors the OrderInvalidated log.
type InvalidationEvent struct {
	EventIndex
	OrderUid OrderUid
}

// SettlementEvent mirrors the Settlement log. BlockHash is the hash of
// the containing block as reported alongside the log.
type SettlementEvent struct {
	EventIndex
	TxHash    common.Hash
	Solver    common.Address
	BlockHash common.Hash
}

// EventBatch carries everything decoded from one contiguous block range,
// plus the hash of the last block so reorg detection can compare against
// the chain later.
type EventBatch struct {
	FromBlock     uint64
	ToBlock       uint64
	ToBlockHash   common.Hash
	Trades        []TradeEvent
	Invalidations []InvalidationEvent
	Settlements   []SettlementEvent
}

// Empty reports whether the batch carries no events.
func (b *EventBatch) Empty() bool {
	return len(b.Trades) == 0 && len(b.Invalidations) == 0 && len(b.Settlements) == 0
}

// OrderEventType names an order lifecycle transition announced on the bus.
type OrderEventType string

const (
	OrderEventCreated     OrderEventType = "order_created"
	OrderEventCancelled   OrderEventType = "order_cancelled"
	OrderEventInvalidated OrderEventType = "order_invalidated"
	OrderEventTraded      OrderEventType = "order_traded"
	// AuctionPublished carries no uid; Block is the auction block.
	AuctionPublished OrderEventType = "auction_published"
)

// OrderEvent is the bus and WebSocket payload for lifecycle notifications.
type OrderEvent struct {
	Type      OrderEventType `json:"type"`
	OrderUid  *OrderUid      `json:"orderUid,omitempty"`
	Block     uint64         `json:"block,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
