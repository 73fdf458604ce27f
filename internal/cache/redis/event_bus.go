package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// eventsChannel carries order lifecycle events between replicas. Every
// API process subscribes and forwards to its WebSocket hub, so clients
// see events regardless of which replica handled the write.
const eventsChannel = "ob:events"

// EventBus implements domain.EventBus over Redis pub/sub with JSON
// payloads.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by the given Client.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

var _ domain.EventBus = (*EventBus)(nil)

// Publish announces one order lifecycle event to every subscriber.
func (b *EventBus) Publish(ctx context.Context, event domain.OrderEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish event: %w", err)
	}
	return nil
}

// Subscribe returns a channel of decoded events. The subscription ends
// and the channel closes when the context is cancelled. Payloads that do
// not decode are dropped; a malformed producer must not wedge consumers.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.OrderEvent, error) {
	pubsub := b.rdb.Subscribe(ctx, eventsChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe events: %w", err)
	}

	out := make(chan domain.OrderEvent, 128)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.OrderEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
