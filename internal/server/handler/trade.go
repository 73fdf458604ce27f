package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// TradeStore reads the trade projection.
type TradeStore interface {
	List(ctx context.Context, filter domain.TradeFilter) ([]*domain.Trade, error)
}

// TradeHandler serves the trade listing endpoint.
type TradeHandler struct {
	trades TradeStore
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeStore, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// List returns trades for exactly one of an owner or an order uid.
// GET /api/v1/trades?owner=0x...  |  ?orderUid=0x...
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rawOwner := q.Get("owner")
	rawUid := q.Get("orderUid")

	if (rawOwner == "") == (rawUid == "") {
		writeError(w, http.StatusBadRequest, "InvalidQuery",
			"exactly one of owner or orderUid is required")
		return
	}

	var filter domain.TradeFilter
	if rawOwner != "" {
		owner, err := parseAddress(rawOwner)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "owner is not an address")
			return
		}
		filter.Owner = &owner
	} else {
		uid, err := domain.ParseUid(rawUid)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "orderUid must be 56 bytes of 0x-hex")
			return
		}
		filter.OrderUid = &uid
	}

	trades, err := h.trades.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if trades == nil {
		trades = []*domain.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}
