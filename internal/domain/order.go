package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OrderKind indicates which amount is fixed by the signer.
type OrderKind string

const (
	OrderKindBuy  OrderKind = "buy"
	OrderKindSell OrderKind = "sell"
)

// ValidOrderKind reports whether k is a known kind.
func ValidOrderKind(k OrderKind) bool {
	return k == OrderKindBuy || k == OrderKindSell
}

// SellTokenSource is the balance channel the sell amount is drawn from.
type SellTokenSource string

const (
	SellTokenSourceErc20    SellTokenSource = "erc20"
	SellTokenSourceInternal SellTokenSource = "internal"
	SellTokenSourceExternal SellTokenSource = "external"
)

// BuyTokenDestination is the balance channel the buy amount is paid into.
type BuyTokenDestination string

const (
	BuyTokenDestinationErc20    BuyTokenDestination = "erc20"
	BuyTokenDestinationInternal BuyTokenDestination = "internal"
)

// OrderStatus is the observable lifecycle state derived from stored facts.
type OrderStatus string

const (
	OrderStatusPresignaturePending OrderStatus = "presignaturePending"
	OrderStatusOpen                OrderStatus = "open"
	OrderStatusFulfilled           OrderStatus = "fulfilled"
	OrderStatusCancelled           OrderStatus = "cancelled"
	OrderStatusExpired             OrderStatus = "expired"
)

// BuyEthAddress is the placeholder buy token for orders that want the
// chain's native currency instead of an ERC-20.
var BuyEthAddress = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// OrderCreation is the user-signed part of an order as submitted to
// POST /api/v1/orders.
type OrderCreation struct {
	SellToken         common.Address      `json:"sellToken"`
	BuyToken          common.Address      `json:"buyToken"`
	Receiver          *common.Address     `json:"receiver,omitempty"`
	SellAmount        *U256               `json:"sellAmount"`
	BuyAmount         *U256               `json:"buyAmount"`
	ValidTo           uint32              `json:"validTo"`
	AppData           common.Hash         `json:"appData"`
	FeeAmount         *U256               `json:"feeAmount"`
	Kind              OrderKind           `json:"kind"`
	PartiallyFillable bool                `json:"partiallyFillable"`
	SellTokenBalance  SellTokenSource     `json:"sellTokenBalance,omitempty"`
	BuyTokenBalance   BuyTokenDestination `json:"buyTokenBalance,omitempty"`
	SigningScheme     SigningScheme       `json:"signingScheme"`
	Signature         Signature           `json:"signature"`
	// From pins the expected owner; when set it must match the address
	// recovered from the signature.
	From *common.Address `json:"from,omitempty"`
}

// Order is a stored order together with its execution projection.
type Order struct {
	Uid                OrderUid       `json:"uid"`
	Owner              common.Address `json:"owner"`
	CreationDate       time.Time      `json:"creationDate"`
	SettlementContract common.Address `json:"settlementContract"`

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
	SigningScheme     SigningScheme       `json:"signingScheme"`
	Signature         Signature           `json:"signature"`

	// Executed sums over all trade events for this uid. Sell includes
	// fees; overfill of partially fillable orders is recorded as-is.
	ExecutedSellAmount           *U256 `json:"executedSellAmount"`
	ExecutedSellAmountBeforeFees *U256 `json:"executedSellAmountBeforeFees"`
	ExecutedBuyAmount            *U256 `json:"executedBuyAmount"`
	ExecutedFeeAmount            *U256 `json:"executedFeeAmount"`

	// Invalidated is true when an on-chain invalidation event exists or a
	// signed cancellation is recorded.
	Invalidated bool        `json:"invalidated"`
	Status      OrderStatus `json:"status"`

	// AvailableBalance is the effective spendable sell-token amount at
	// the time of the read. Null when unknown or ineligible.
	AvailableBalance *U256 `json:"availableBalance,omitempty"`
}

// ActualReceiver is the receiver or the owner when none was set.
func (o *Order) ActualReceiver() common.Address {
	if o.Receiver != nil {
		return *o.Receiver
	}
	return o.Owner
}

// RemainingSellAmount is the sell amount (before fees) still open for
// execution. Zero when already fully executed or overfilled.
func (o *Order) RemainingSellAmount() *U256 {
	sold := big.NewInt(0)
	if o.ExecutedSellAmountBeforeFees != nil {
		sold = o.ExecutedSellAmountBeforeFees.Int()
	}
	if o.SellAmount.Int().Cmp(sold) <= 0 {
		return U256FromUint64(0)
	}
	return (*U256)(new(big.Int).Sub(o.SellAmount.Int(), sold))
}

// OrderCancellation is the user-signed payload for DELETE /orders/{uid}.
type OrderCancellation struct {
	Signature     Signature     `json:"signature"`
	SigningScheme SigningScheme `json:"signingScheme"`
}
