package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/validation"
)

// OrderValidator runs the acceptance rules against a signed order.
type OrderValidator interface {
	Validate(ctx context.Context, order *domain.OrderCreation) (*validation.ValidatedOrder, error)
}

// CancellationRecoverer recovers the signer of a cancellation payload.
type CancellationRecoverer interface {
	RecoverCancellationOwner(uid domain.OrderUid, c *domain.OrderCancellation) (common.Address, error)
}

// OrderStore is the subset of the store the order endpoints read and write.
type OrderStore interface {
	Insert(ctx context.Context, order *domain.Order) error
	ByUid(ctx context.Context, uid domain.OrderUid) (*domain.Order, error)
	List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)
	ByOwnerPaged(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error)
	ByTx(ctx context.Context, txHash common.Hash) ([]*domain.Order, error)
	Cancel(ctx context.Context, uid domain.OrderUid, signature domain.Signature, at time.Time) error
}

// EventPublisher announces order lifecycle transitions on the bus.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
}

// OrderHandler serves the order placement, lookup, listing and
// cancellation endpoints.
type OrderHandler struct {
	validator  OrderValidator
	verifier   CancellationRecoverer
	store      OrderStore
	bus        EventPublisher
	settlement common.Address
	logger     *slog.Logger

	now func() time.Time
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(
	validator OrderValidator,
	verifier CancellationRecoverer,
	store OrderStore,
	bus EventPublisher,
	settlement common.Address,
	logger *slog.Logger,
) *OrderHandler {
	return &OrderHandler{
		validator:  validator,
		verifier:   verifier,
		store:      store,
		bus:        bus,
		settlement: settlement,
		logger:     logger,
		now:        time.Now,
	}
}

// Create validates and stores a signed order.
// POST /api/v1/orders
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var creation domain.OrderCreation
	if err := decodeJSON(w, r, &creation); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidOrder", err.Error())
		return
	}
	if creation.SellAmount == nil || creation.BuyAmount == nil || creation.FeeAmount == nil {
		writeError(w, http.StatusBadRequest, "InvalidOrder", "sellAmount, buyAmount and feeAmount are required")
		return
	}
	if !domain.ValidOrderKind(creation.Kind) {
		writeError(w, http.StatusBadRequest, "InvalidOrder", "kind must be \"sell\" or \"buy\"")
		return
	}
	if !domain.ValidSigningScheme(creation.SigningScheme) {
		writeError(w, http.StatusBadRequest, "InvalidOrder", "signingScheme must be \"eip712\" or \"ethsign\"")
		return
	}

	validated, err := h.validator.Validate(r.Context(), &creation)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	order := h.buildOrder(&creation, validated)
	if err := h.store.Insert(r.Context(), order); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.publish(r.Context(), domain.OrderEventCreated, order.Uid)

	h.logger.InfoContext(r.Context(), "order created",
		slog.String("uid", order.Uid.String()),
		slog.String("owner", order.Owner.Hex()),
	)
	writeJSON(w, http.StatusCreated, order.Uid)
}

// ByUid returns a single order with its execution projection.
// GET /api/v1/orders/{uid}
func (h *OrderHandler) ByUid(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUid(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "uid must be 56 bytes of 0x-hex")
		return
	}

	order, err := h.store.ByUid(r.Context(), uid)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// Delete records a signed cancellation for an open order.
// DELETE /api/v1/orders/{uid}
func (h *OrderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	uid, err := parseUid(r, "uid")
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "uid must be 56 bytes of 0x-hex")
		return
	}

	var cancellation domain.OrderCancellation
	if err := decodeJSON(w, r, &cancellation); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidSignature", err.Error())
		return
	}

	order, err := h.store.ByUid(r.Context(), uid)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	// Terminal orders cannot be cancelled; cancelling an already
	// cancelled order is an idempotent success.
	switch order.Status {
	case domain.OrderStatusFulfilled, domain.OrderStatusExpired:
		writeError(w, http.StatusBadRequest, string(domain.KindOrderNotCancellable),
			"order is already "+string(order.Status))
		return
	}

	owner, err := h.verifier.RecoverCancellationOwner(uid, &cancellation)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(domain.KindInvalidSignature),
			"cannot recover a signer from the cancellation signature")
		return
	}
	if owner != order.Owner {
		writeError(w, http.StatusBadRequest, string(domain.KindWrongOwner),
			"cancellation signature recovers to "+owner.Hex())
		return
	}

	if err := h.store.Cancel(r.Context(), uid, cancellation.Signature, h.now()); err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}

	h.publish(r.Context(), domain.OrderEventCancelled, uid)

	h.logger.InfoContext(r.Context(), "order cancelled",
		slog.String("uid", uid.String()),
	)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// List returns orders matching address filters.
// GET /api/v1/orders?owner=&sellToken=&buyToken=&minValidTo=
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter domain.OrderFilter

	for param, target := range map[string]**common.Address{
		"owner":     &filter.Owner,
		"sellToken": &filter.SellToken,
		"buyToken":  &filter.BuyToken,
	} {
		if v := q.Get(param); v != "" {
			addr, err := parseAddress(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "InvalidQuery", param+" is not an address")
				return
			}
			*target = &addr
		}
	}

	// Unfiltered listing would dump the whole table.
	if filter.Owner == nil && filter.SellToken == nil && filter.BuyToken == nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery",
			"at least one of owner, sellToken, buyToken is required")
		return
	}

	if v := q.Get("minValidTo"); v != "" {
		minValidTo, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			writeError(w, http.StatusBadRequest, "InvalidQuery", "minValidTo must be a uint32")
			return
		}
		filter.MinValidTo = uint32(minValidTo)
	}

	orders, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ByAccount returns an owner's orders, newest first.
// GET /api/v1/account/{owner}/orders?offset=&limit=
func (h *OrderHandler) ByAccount(w http.ResponseWriter, r *http.Request) {
	owner, err := parseAddress(r.PathValue("owner"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "owner is not an address")
		return
	}

	offset, limit, err := parsePaging(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQuery", err.Error())
		return
	}

	orders, err := h.store.ByOwnerPaged(r.Context(), owner, offset, limit)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ByTx returns the orders settled in a transaction.
// GET /api/v1/transactions/{txHash}/orders
func (h *OrderHandler) ByTx(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("txHash")
	if len(raw) != 66 || raw[:2] != "0x" {
		writeError(w, http.StatusBadRequest, "InvalidQuery", "txHash must be 32 bytes of 0x-hex")
		return
	}
	txHash := common.HexToHash(raw)

	orders, err := h.store.ByTx(r.Context(), txHash)
	if err != nil {
		writeDomainError(w, r, h.logger, err)
		return
	}
	if orders == nil {
		orders = []*domain.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// buildOrder turns an accepted creation payload into the stored order.
func (h *OrderHandler) buildOrder(c *domain.OrderCreation, v *validation.ValidatedOrder) *domain.Order {
	sellSource := c.SellTokenBalance
	if sellSource == "" {
		sellSource = domain.SellTokenSourceErc20
	}
	buyDestination := c.BuyTokenBalance
	if buyDestination == "" {
		buyDestination = domain.BuyTokenDestinationErc20
	}

	zero := domain.U256FromUint64(0)
	return &domain.Order{
		Uid:                v.Uid,
		Owner:              v.Owner,
		CreationDate:       h.now().UTC(),
		SettlementContract: h.settlement,
		SellToken:          c.SellToken,
		BuyToken:           c.BuyToken,
		Receiver:           c.Receiver,
		SellAmount:         c.SellAmount,
		BuyAmount:          c.BuyAmount,
		ValidTo:            c.ValidTo,
		AppData:            c.AppData,
		FeeAmount:          c.FeeAmount,
		FullFeeAmount:      c.FeeAmount,
		Kind:               c.Kind,
		PartiallyFillable:  c.PartiallyFillable,
		SellTokenBalance:   sellSource,
		BuyTokenBalance:    buyDestination,
		SigningScheme:      c.SigningScheme,
		Signature:          c.Signature,

		ExecutedSellAmount:           zero,
		ExecutedSellAmountBeforeFees: zero,
		ExecutedBuyAmount:            zero,
		ExecutedFeeAmount:            zero,

		Status: domain.OrderStatusOpen,
	}
}

// publish announces a lifecycle event, logging delivery failures instead
// of surfacing them: the order is already stored at this point.
func (h *OrderHandler) publish(ctx context.Context, typ domain.OrderEventType, uid domain.OrderUid) {
	if h.bus == nil {
		return
	}
	event := domain.OrderEvent{
		Type:      typ,
		OrderUid:  &uid,
		Timestamp: h.now().UTC(),
	}
	if err := h.bus.Publish(ctx, event); err != nil {
		h.logger.WarnContext(ctx, "event publish failed",
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
