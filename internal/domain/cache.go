package domain

import (
	"context"
	"time"
)

// RateLimiter provides distributed request limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking, used so only one replica
// runs the chain indexer at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// EventBus fans order lifecycle events out to every API replica.
type EventBus interface {
	Publish(ctx context.Context, event OrderEvent) error
	Subscribe(ctx context.Context) (<-chan OrderEvent, error)
}
