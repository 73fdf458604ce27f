package domain

import "github.com/ethereum/go-ethereum/common"

// Trade is the API view of a trade event joined with its order.
type Trade struct {
	BlockNumber uint64         `json:"blockNumber"`
	LogIndex    uint64         `json:"logIndex"`
	OrderUid    OrderUid       `json:"orderUid"`
	Owner       common.Address `json:"owner"`
	SellToken   common.Address `json:"sellToken"`
	BuyToken    common.Address `json:"buyToken"`
	SellAmount  *U256          `json:"sellAmount"`
	BuyAmount   *U256          `json:"buyAmount"`
	// SellAmountBeforeFees is the executed sell amount net of the fee
	// charged in this fill.
	SellAmountBeforeFees *U256 `json:"sellAmountBeforeFees"`
}

// TradeFilter narrows trade listings. Zero-value fields are unfiltered;
// the API layer requires at least one to be set.
type TradeFilter struct {
	Owner    *common.Address
	OrderUid *OrderUid
}
