package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// PriceQuality selects how hard the quote engine works for a request.
type PriceQuality string

const (
	PriceQualityFast    PriceQuality = "fast"
	PriceQualityOptimal PriceQuality = "optimal"
)

// QuoteSide says which amount the requester fixed.
type QuoteSide string

const (
	// QuoteSideSellBeforeFee fixes the total sell amount; the fee is
	// deducted from it.
	QuoteSideSellBeforeFee QuoteSide = "sellBeforeFee"
	// QuoteSideSellAfterFee fixes the traded sell amount; the fee comes
	// on top.
	QuoteSideSellAfterFee QuoteSide = "sellAfterFee"
	// QuoteSideBuy fixes the buy amount.
	QuoteSideBuy QuoteSide = "buy"
)

// QuoteRequest asks for a fee and an expected fill.
type QuoteRequest struct {
	From              common.Address
	SellToken         common.Address
	BuyToken          common.Address
	Receiver          *common.Address
	Side              QuoteSide
	Amount            *U256
	ValidTo           uint32
	AppData           common.Hash
	PartiallyFillable bool
	SellTokenBalance  SellTokenSource
	BuyTokenBalance   BuyTokenDestination
	PriceQuality      PriceQuality
}

// Kind maps the quote side onto the order kind it would produce.
func (r *QuoteRequest) Kind() OrderKind {
	if r.Side == QuoteSideBuy {
		return OrderKindBuy
	}
	return OrderKindSell
}

// Quote is the engine's answer: amounts consistent with the current
// price estimate and a fee valid until Expiration.
type Quote struct {
	ID                string              `json:"id"`
	From              common.Address      `json:"from"`
	SellToken         common.Address      `json:"sellToken"`
	BuyToken          common.Address      `json:"buyToken"`
	Receiver          *common.Address     `json:"receiver,omitempty"`
	SellAmount        *U256               `json:"sellAmount"`
	BuyAmount         *U256               `json:"buyAmount"`
	ValidTo           uint32              `json:"validTo"`
	AppData           common.Hash         `json:"appData"`
	FeeAmount         *U256               `json:"feeAmount"`
	FullFeeAmount     *U256               `json:"fullFeeAmount"`
	Kind              OrderKind           `json:"kind"`
	PartiallyFillable bool                `json:"partiallyFillable"`
	SellTokenBalance  SellTokenSource     `json:"sellTokenBalance"`
	BuyTokenBalance   BuyTokenDestination `json:"buyTokenBalance"`
	Expiration        time.Time           `json:"expiration"`
}

// FeeInfo is the legacy fee endpoint response.
type FeeInfo struct {
	Amount         *U256     `json:"amount"`
	ExpirationDate time.Time `json:"expirationDate"`
}

// FeeMeasurement is a fee commitment persisted so that an order signed
// against a quote still validates after a restart or on a replica.
type FeeMeasurement struct {
	SellToken common.Address
	BuyToken  *common.Address
	Amount    *U256
	Kind      *OrderKind
	MinFee    *U256
	Expiry    time.Time
}
