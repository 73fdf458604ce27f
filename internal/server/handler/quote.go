package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/validation"
)

// QuoteEngine computes fees and full quotes.
type QuoteEngine interface {
	Quote(ctx context.Context, req *domain.QuoteRequest) (*domain.Quote, error)
	MinFee(ctx context.Context, sellToken common.Address, buyToken *common.Address, amount *domain.U256, kind *domain.OrderKind) (*domain.FeeInfo, error)
}

// PreValidator screens quote requests with the signature-free rules so a
// quote is never issued for an order that validation would reject.
type PreValidator interface {
	PartialValidate(pre validation.PreOrder) error
}

// QuoteHandler serves the fee and quote endpoints.
type QuoteHandler struct {
	engine    QuoteEngine
	validator PreValidator
	logger    *slog.Logger
}

// NewQuoteHandler creates a QuoteHandler.
func NewQuoteHandler(engine QuoteEngine, validator PreValidator, logger *slog.Logger) *QuoteHandler {
	return &QuoteHandler{engine: engine, validator: validator, logger: logger}
}

// Fee returns the minimum accepted fee for the given trade parameters.
// GET /api/v1/fee?sellToken=&buyToken=&amount=&kind=
func (h *QuoteHandler) Fee(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	sellToken, err := parseAddress(q.Get("sellToken"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "sellToken is not an address")
		return
	}

	// The buy-side context is optional; without it the measurement
	// vouches for any order selling the token.
	var buyToken *common.Address
	if v := q.Get("buyToken"); v != "" {
		addr, err := parseAddress(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "buyToken is not an address")
			return
		}
		buyToken = &addr
	}

	var amount *domain.U256
	if v := q.Get("amount"); v != "" {
		amount, err = domain.ParseU256(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "amount must be a decimal integer")
			return
		}
	}

	var kind *domain.OrderKind
	if v := q.Get("kind"); v != "" {
		k := domain.OrderKind(v)
		if !domain.ValidOrderKind(k) {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "kind must be \"sell\" or \"buy\"")
			return
		}
		kind = &k
	}

	fee, err := h.engine.MinFee(r.Context(), sellToken, buyToken, amount, kind)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, fee)
}

// marketEstimate is the markets endpoint response: the estimated
// counter-amount denominated in the quote token.
type marketEstimate struct {
	Amount *domain.U256   `json:"amount"`
	Token  common.Address `json:"token"`
}

// Markets estimates the counter-amount for trading on a token pair.
// GET /api/v1/markets/{base}-{quote}/{kind}/{amount}
//
// For kind sell, amount is the base amount sold and the estimate is the
// quote amount received. For kind buy, amount is the base amount bought
// and the estimate is the quote amount paid. Either way the result is
// denominated in the quote token.
func (h *QuoteHandler) Markets(w http.ResponseWriter, r *http.Request) {
	base, quote, ok := splitPair(r.PathValue("pair"))
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "market must be {baseToken}-{quoteToken}")
		return
	}

	kind := domain.OrderKind(r.PathValue("kind"))
	if !domain.ValidOrderKind(kind) {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "kind must be \"sell\" or \"buy\"")
		return
	}

	amount, err := domain.ParseU256(r.PathValue("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "amount must be a decimal integer")
		return
	}

	req := &domain.QuoteRequest{
		Amount:  amount,
		ValidTo: uint32(time.Now().Add(time.Hour).Unix()),
	}
	if kind == domain.OrderKindSell {
		req.SellToken = base
		req.BuyToken = quote
		req.Side = domain.QuoteSideSellAfterFee
	} else {
		req.SellToken = quote
		req.BuyToken = base
		req.Side = domain.QuoteSideBuy
	}

	result, err := h.engine.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	estimate := marketEstimate{Token: quote}
	if kind == domain.OrderKindSell {
		estimate.Amount = result.BuyAmount
	} else {
		estimate.Amount = result.SellAmount
	}
	writeJSON(w, http.StatusOK, estimate)
}

// feeAndQuoteResponse is the legacy combined fee-and-quote shape.
type feeAndQuoteResponse struct {
	Fee                 *domain.FeeInfo `json:"fee"`
	BuyAmountAfterFee   *domain.U256    `json:"buyAmountAfterFee,omitempty"`
	SellAmountBeforeFee *domain.U256    `json:"sellAmountBeforeFee,omitempty"`
}

// FeeAndQuoteSell quotes a sell where the fee is taken from the given
// total sell amount.
// GET /api/v1/feeAndQuote/sell?sellToken=&buyToken=&sellAmountBeforeFee=
func (h *QuoteHandler) FeeAndQuoteSell(w http.ResponseWriter, r *http.Request) {
	req, ok := h.feeAndQuoteRequest(w, r, "sellAmountBeforeFee", domain.QuoteSideSellBeforeFee)
	if !ok {
		return
	}

	result, err := h.engine.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusOK, feeAndQuoteResponse{
		Fee: &domain.FeeInfo{
			Amount:         result.FeeAmount,
			ExpirationDate: result.Expiration,
		},
		BuyAmountAfterFee: result.BuyAmount,
	})
}

// FeeAndQuoteBuy quotes a buy of a fixed amount; the fee comes on top of
// the estimated sell amount.
// GET /api/v1/feeAndQuote/buy?sellToken=&buyToken=&buyAmountAfterFee=
func (h *QuoteHandler) FeeAndQuoteBuy(w http.ResponseWriter, r *http.Request) {
	req, ok := h.feeAndQuoteRequest(w, r, "buyAmountAfterFee", domain.QuoteSideBuy)
	if !ok {
		return
	}

	result, err := h.engine.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	sellBeforeFee := new(big.Int).Add(result.SellAmount.Int(), result.FeeAmount.Int())
	writeJSON(w, http.StatusOK, feeAndQuoteResponse{
		Fee: &domain.FeeInfo{
			Amount:         result.FeeAmount,
			ExpirationDate: result.Expiration,
		},
		SellAmountBeforeFee: domain.NewU256(sellBeforeFee),
	})
}

// quoteRequestBody is the POST /quote payload. The side is tagged by kind
// plus which amount field is present.
type quoteRequestBody struct {
	From                common.Address             `json:"from"`
	SellToken           common.Address             `json:"sellToken"`
	BuyToken            common.Address             `json:"buyToken"`
	Receiver            *common.Address            `json:"receiver,omitempty"`
	Kind                domain.OrderKind           `json:"kind"`
	SellAmountBeforeFee *domain.U256               `json:"sellAmountBeforeFee,omitempty"`
	SellAmountAfterFee  *domain.U256               `json:"sellAmountAfterFee,omitempty"`
	BuyAmountAfterFee   *domain.U256               `json:"buyAmountAfterFee,omitempty"`
	ValidTo             uint32                     `json:"validTo"`
	AppData             common.Hash                `json:"appData"`
	PartiallyFillable   bool                       `json:"partiallyFillable"`
	SellTokenBalance    domain.SellTokenSource     `json:"sellTokenBalance,omitempty"`
	BuyTokenBalance     domain.BuyTokenDestination `json:"buyTokenBalance,omitempty"`
	PriceQuality        domain.PriceQuality        `json:"priceQuality,omitempty"`
}

// Quote computes a full quote after screening the request with the
// signature-free validation rules.
// POST /api/v1/quote
func (h *QuoteHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var body quoteRequestBody
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", err.Error())
		return
	}

	req, err := body.toRequest()
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	if err := h.validator.PartialValidate(validation.PreOrderFromQuote(req)); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	result, err := h.engine.Quote(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// toRequest maps the body onto a QuoteRequest, deriving the side from the
// kind and the amount field that was set.
func (b *quoteRequestBody) toRequest() (*domain.QuoteRequest, error) {
	req := &domain.QuoteRequest{
		From:              b.From,
		SellToken:         b.SellToken,
		BuyToken:          b.BuyToken,
		Receiver:          b.Receiver,
		ValidTo:           b.ValidTo,
		AppData:           b.AppData,
		PartiallyFillable: b.PartiallyFillable,
		SellTokenBalance:  b.SellTokenBalance,
		BuyTokenBalance:   b.BuyTokenBalance,
		PriceQuality:      b.PriceQuality,
	}

	switch b.Kind {
	case domain.OrderKindSell:
		switch {
		case b.SellAmountBeforeFee != nil && b.SellAmountAfterFee == nil:
			req.Side = domain.QuoteSideSellBeforeFee
			req.Amount = b.SellAmountBeforeFee
		case b.SellAmountAfterFee != nil && b.SellAmountBeforeFee == nil:
			req.Side = domain.QuoteSideSellAfterFee
			req.Amount = b.SellAmountAfterFee
		default:
			return nil, domain.Validation(domain.KindInvalidQuery,
				"sell quotes need exactly one of sellAmountBeforeFee, sellAmountAfterFee")
		}
	case domain.OrderKindBuy:
		if b.BuyAmountAfterFee == nil {
			return nil, domain.Validation(domain.KindInvalidQuery,
				"buy quotes need buyAmountAfterFee")
		}
		req.Side = domain.QuoteSideBuy
		req.Amount = b.BuyAmountAfterFee
	default:
		return nil, domain.Validation(domain.KindInvalidQuery, "kind must be \"sell\" or \"buy\"")
	}

	return req, nil
}

// feeAndQuoteRequest parses the shared query parameters of the legacy
// feeAndQuote endpoints.
func (h *QuoteHandler) feeAndQuoteRequest(w http.ResponseWriter, r *http.Request, amountParam string, side domain.QuoteSide) (*domain.QuoteRequest, bool) {
	q := r.URL.Query()

	sellToken, err := parseAddress(q.Get("sellToken"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "sellToken is not an address")
		return nil, false
	}
	buyToken, err := parseAddress(q.Get("buyToken"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "buyToken is not an address")
		return nil, false
	}
	amount, err := domain.ParseU256(q.Get(amountParam))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", amountParam+" must be a decimal integer")
		return nil, false
	}

	return &domain.QuoteRequest{
		SellToken: sellToken,
		BuyToken:  buyToken,
		Side:      side,
		Amount:    amount,
		ValidTo:   uint32(time.Now().Add(time.Hour).Unix()),
	}, true
}

// splitPair parses a {base}-{quote} market path segment.
func splitPair(pair string) (base, quote common.Address, ok bool) {
	parts := strings.SplitN(pair, "-", 2)
	if len(parts) != 2 || !common.IsHexAddress(parts[0]) || !common.IsHexAddress(parts[1]) {
		return common.Address{}, common.Address{}, false
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1]), true
}
