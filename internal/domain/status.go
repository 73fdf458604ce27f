package domain

import "time"

// ProjectStatus derives the observable status of an order from stored
// facts and the clock. It is pure: identical inputs give identical
// outputs. Clause order is fixed; the first match wins.
//
// presignaturePending would come first for schemes that need an on-chain
// presignature, but neither eip712 nor ethsign does, so it never fires
// here; the constant exists for API compatibility.
func ProjectStatus(o *Order, now time.Time) OrderStatus {
	if o.Invalidated {
		return OrderStatusCancelled
	}
	if executionComplete(o) {
		return OrderStatusFulfilled
	}
	if now.UTC().Unix() > int64(o.ValidTo) {
		return OrderStatusExpired
	}
	return OrderStatusOpen
}

// executionComplete checks the kind-specific target amount against the
// executed sums. Sell sums include fees, matching the event layer.
func executionComplete(o *Order) bool {
	switch o.Kind {
	case OrderKindSell:
		return o.ExecutedSellAmount.Cmp(o.SellAmount) >= 0
	case OrderKindBuy:
		return o.ExecutedBuyAmount.Cmp(o.BuyAmount) >= 0
	default:
		return false
	}
}
