package handler

import (
	"log/slog"
	"net/http"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// SnapshotSource hands out the current auction snapshot.
type SnapshotSource interface {
	Current() *domain.Auction
}

// AuctionHandler serves the solver-facing snapshot endpoints.
type AuctionHandler struct {
	snapshots SnapshotSource
	logger    *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(snapshots SnapshotSource, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{snapshots: snapshots, logger: logger}
}

// SolvableV1 returns the solvable orders of the current snapshot.
// GET /api/v1/solvable_orders
func (h *AuctionHandler) SolvableV1(w http.ResponseWriter, r *http.Request) {
	auction, ok := h.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, withoutBalances(auction.Orders))
}

// SolvableV2 returns the solvable orders together with the settlement
// watermark the snapshot was built against.
// GET /api/v2/solvable_orders
func (h *AuctionHandler) SolvableV2(w http.ResponseWriter, r *http.Request) {
	auction, ok := h.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, domain.SolvableOrders{
		LatestSettlementBlock: auction.LatestSettlementBlock,
		Orders:                withoutBalances(auction.Orders),
	})
}

// Auction returns the full snapshot including native reference prices.
// GET /api/v1/auction
func (h *AuctionHandler) Auction(w http.ResponseWriter, r *http.Request) {
	auction, ok := h.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, &domain.Auction{
		Block:                 auction.Block,
		LatestSettlementBlock: auction.LatestSettlementBlock,
		Orders:                withoutBalances(auction.Orders),
		Prices:                auction.Prices,
	})
}

// SolverOrders returns the solvable set with per-order available
// balances. The route sits behind the API-key gate.
// GET /api/v1/solver_orders
func (h *AuctionHandler) SolverOrders(w http.ResponseWriter, r *http.Request) {
	auction, ok := h.current(w)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, domain.SolvableOrders{
		LatestSettlementBlock: auction.LatestSettlementBlock,
		Orders:                auction.Orders,
	})
}

// current fetches the snapshot, answering 503 while the cache has not
// completed its first rebuild.
func (h *AuctionHandler) current(w http.ResponseWriter) (*domain.Auction, bool) {
	auction := h.snapshots.Current()
	if auction == nil {
		writeError(w, http.StatusServiceUnavailable, "ServiceUnavailable",
			"auction snapshot not built yet")
		return nil, false
	}
	return auction, true
}

// withoutBalances strips the solver-only available balance from the
// public order views. The snapshot is shared, so the orders are copied
// rather than mutated.
func withoutBalances(orders []*domain.Order) []*domain.Order {
	out := make([]*domain.Order, len(orders))
	for i, order := range orders {
		clone := *order
		clone.AvailableBalance = nil
		out[i] = &clone
	}
	return out
}
