package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func projectorOrder(kind OrderKind, sell, buy, execSell, execBuy uint64, validTo uint32, invalidated bool) *Order {
	return &Order{
		Kind:               kind,
		SellAmount:         U256FromUint64(sell),
		BuyAmount:          U256FromUint64(buy),
		ExecutedSellAmount: U256FromUint64(execSell),
		ExecutedBuyAmount:  U256FromUint64(execBuy),
		ValidTo:            validTo,
		Invalidated:        invalidated,
	}
}

func TestProjectStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	future := uint32(now.Unix() + 3600)
	past := uint32(now.Unix() - 1)

	cases := []struct {
		name  string
		order *Order
		want  OrderStatus
	}{
		{"fresh sell order", projectorOrder(OrderKindSell, 100, 200, 0, 0, future, false), OrderStatusOpen},
		{"partial fill stays open", projectorOrder(OrderKindSell, 100, 200, 40, 70, future, false), OrderStatusOpen},
		{"sell filled", projectorOrder(OrderKindSell, 100, 200, 100, 190, future, false), OrderStatusFulfilled},
		{"sell overfilled", projectorOrder(OrderKindSell, 100, 200, 120, 250, future, false), OrderStatusFulfilled},
		{"buy filled by buy amount", projectorOrder(OrderKindBuy, 100, 200, 90, 200, future, false), OrderStatusFulfilled},
		{"buy sell sum irrelevant", projectorOrder(OrderKindBuy, 100, 200, 150, 10, future, false), OrderStatusOpen},
		{"expired", projectorOrder(OrderKindSell, 100, 200, 0, 0, past, false), OrderStatusExpired},
		{"cancellation wins over fill", projectorOrder(OrderKindSell, 100, 200, 100, 200, future, true), OrderStatusCancelled},
		{"cancellation wins over expiry", projectorOrder(OrderKindSell, 100, 200, 0, 0, past, true), OrderStatusCancelled},
		{"fill wins over expiry", projectorOrder(OrderKindSell, 100, 200, 100, 200, past, false), OrderStatusFulfilled},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ProjectStatus(tc.order, now))
		})
	}
}

func TestProjectStatusExpiryBoundary(t *testing.T) {
	validTo := uint32(1_700_000_000)
	order := projectorOrder(OrderKindSell, 100, 200, 0, 0, validTo, false)

	// Exactly at validTo the order is still open; one second past it is
	// expired.
	assert.Equal(t, OrderStatusOpen, ProjectStatus(order, time.Unix(int64(validTo), 0)))
	assert.Equal(t, OrderStatusExpired, ProjectStatus(order, time.Unix(int64(validTo)+1, 0)))
}

func TestProjectStatusIsPure(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	order := projectorOrder(OrderKindBuy, 5, 10, 1, 2, uint32(now.Unix()+60), false)

	first := ProjectStatus(order, now)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ProjectStatus(order, now))
	}
}
