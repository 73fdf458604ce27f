package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/validation"
)

var (
	handlerNow  = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)
	handlerWeth = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	handlerUsdc = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48")
	handlerOwn  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type fakeValidator struct {
	validated *validation.ValidatedOrder
	err       error
}

func (f *fakeValidator) Validate(context.Context, *domain.OrderCreation) (*validation.ValidatedOrder, error) {
	return f.validated, f.err
}

type fakeCancelVerifier struct {
	owner common.Address
	err   error
}

func (f *fakeCancelVerifier) RecoverCancellationOwner(domain.OrderUid, *domain.OrderCancellation) (common.Address, error) {
	return f.owner, f.err
}

type fakeOrderStore struct {
	orders map[domain.OrderUid]*domain.Order

	inserted  []*domain.Order
	cancelled []domain.OrderUid

	insertErr error
	listed    domain.OrderFilter
}

func (f *fakeOrderStore) Insert(_ context.Context, o *domain.Order) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, o)
	return nil
}

func (f *fakeOrderStore) ByUid(_ context.Context, uid domain.OrderUid) (*domain.Order, error) {
	o, ok := f.orders[uid]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrderStore) List(_ context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	f.listed = filter
	return nil, nil
}

func (f *fakeOrderStore) ByOwnerPaged(context.Context, common.Address, int, int) ([]*domain.Order, error) {
	return nil, nil
}

func (f *fakeOrderStore) ByTx(context.Context, common.Hash) ([]*domain.Order, error) {
	return nil, nil
}

func (f *fakeOrderStore) Cancel(_ context.Context, uid domain.OrderUid, _ domain.Signature, _ time.Time) error {
	f.cancelled = append(f.cancelled, uid)
	return nil
}

type fakeBus struct {
	events []domain.OrderEvent
}

func (f *fakeBus) Publish(_ context.Context, event domain.OrderEvent) error {
	f.events = append(f.events, event)
	return nil
}

func testUid() domain.OrderUid {
	return domain.BuildUid(common.HexToHash("0xabab"), handlerOwn, 1900000000)
}

func testCreation() domain.OrderCreation {
	return domain.OrderCreation{
		SellToken:     handlerWeth,
		BuyToken:      handlerUsdc,
		SellAmount:    domain.U256FromUint64(1_000_000),
		BuyAmount:     domain.U256FromUint64(2_000_000),
		FeeAmount:     domain.U256FromUint64(1_000),
		ValidTo:       1900000000,
		Kind:          domain.OrderKindSell,
		SigningScheme: domain.SigningSchemeEip712,
	}
}

func newOrderHandler(v *fakeValidator, cv *fakeCancelVerifier, store *fakeOrderStore, bus *fakeBus) *OrderHandler {
	h := NewOrderHandler(v, cv, store, bus, common.Address{}, slog.New(slog.DiscardHandler))
	h.now = func() time.Time { return handlerNow }
	return h
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func postJSONRequest(t *testing.T, target string, v any) *http.Request {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, target, bytes.NewReader(data))
}

func TestOrderCreate(t *testing.T) {
	uid := testUid()
	validator := &fakeValidator{validated: &validation.ValidatedOrder{Owner: handlerOwn, Uid: uid}}
	store := &fakeOrderStore{}
	bus := &fakeBus{}
	h := newOrderHandler(validator, &fakeCancelVerifier{}, store, bus)

	rec := httptest.NewRecorder()
	h.Create(rec, postJSONRequest(t, "/api/v1/orders", testCreation()))

	require.Equal(t, http.StatusCreated, rec.Code)

	var got domain.OrderUid
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, uid, got)

	require.Len(t, store.inserted, 1)
	order := store.inserted[0]
	require.Equal(t, handlerOwn, order.Owner)
	require.Equal(t, domain.OrderStatusOpen, order.Status)
	require.Equal(t, domain.SellTokenSourceErc20, order.SellTokenBalance)
	require.Equal(t, domain.BuyTokenDestinationErc20, order.BuyTokenBalance)
	require.True(t, order.ExecutedSellAmount.IsZero())
	require.Equal(t, handlerNow, order.CreationDate)

	require.Len(t, bus.events, 1)
	require.Equal(t, domain.OrderEventCreated, bus.events[0].Type)
}

func TestOrderCreateRejectsMissingAmounts(t *testing.T) {
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{}, &fakeOrderStore{}, &fakeBus{})

	creation := testCreation()
	creation.FeeAmount = nil

	rec := httptest.NewRecorder()
	h.Create(rec, postJSONRequest(t, "/api/v1/orders", creation))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidOrder", decodeError(t, rec).ErrorType)
}

func TestOrderCreateRejectsUnknownSigningScheme(t *testing.T) {
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{}, &fakeOrderStore{}, &fakeBus{})

	creation := testCreation()
	creation.SigningScheme = domain.SigningScheme("presign")

	rec := httptest.NewRecorder()
	h.Create(rec, postJSONRequest(t, "/api/v1/orders", creation))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidOrder", decodeError(t, rec).ErrorType)
}

func TestOrderCreateErrorMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		errorType string
	}{
		{"validation kind", domain.Validation(domain.KindInsufficientFee, "fee too low"), http.StatusBadRequest, "InsufficientFee"},
		{"deny listed", domain.ErrDenyListed, http.StatusForbidden, "Forbidden"},
		{"duplicate", domain.ErrDuplicateOrder, http.StatusBadRequest, "DuplicateOrder"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newOrderHandler(&fakeValidator{err: tc.err}, &fakeCancelVerifier{}, &fakeOrderStore{}, &fakeBus{})

			rec := httptest.NewRecorder()
			h.Create(rec, postJSONRequest(t, "/api/v1/orders", testCreation()))

			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.errorType, decodeError(t, rec).ErrorType)
		})
	}
}

func deleteRequest(t *testing.T, uid domain.OrderUid) *http.Request {
	t.Helper()
	data, err := json.Marshal(domain.OrderCancellation{SigningScheme: domain.SigningSchemeEip712})
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodDelete, "/api/v1/orders/"+uid.String(), bytes.NewReader(data))
	r.SetPathValue("uid", uid.String())
	return r
}

func TestOrderDelete(t *testing.T) {
	uid := testUid()
	store := &fakeOrderStore{orders: map[domain.OrderUid]*domain.Order{
		uid: {Uid: uid, Owner: handlerOwn, Status: domain.OrderStatusOpen},
	}}
	bus := &fakeBus{}
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{owner: handlerOwn}, store, bus)

	rec := httptest.NewRecorder()
	h.Delete(rec, deleteRequest(t, uid))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []domain.OrderUid{uid}, store.cancelled)
	require.Len(t, bus.events, 1)
	require.Equal(t, domain.OrderEventCancelled, bus.events[0].Type)
}

func TestOrderDeleteUnknownUid(t *testing.T) {
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{}, &fakeOrderStore{}, &fakeBus{})

	rec := httptest.NewRecorder()
	h.Delete(rec, deleteRequest(t, testUid()))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NotFound", decodeError(t, rec).ErrorType)
}

func TestOrderDeleteTerminalStates(t *testing.T) {
	uid := testUid()
	for _, status := range []domain.OrderStatus{domain.OrderStatusFulfilled, domain.OrderStatusExpired} {
		t.Run(string(status), func(t *testing.T) {
			store := &fakeOrderStore{orders: map[domain.OrderUid]*domain.Order{
				uid: {Uid: uid, Owner: handlerOwn, Status: status},
			}}
			h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{owner: handlerOwn}, store, &fakeBus{})

			rec := httptest.NewRecorder()
			h.Delete(rec, deleteRequest(t, uid))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "OrderNotCancellable", decodeError(t, rec).ErrorType)
			require.Empty(t, store.cancelled)
		})
	}
}

func TestOrderTerminalStatusSurfacesAndBlocksCancel(t *testing.T) {
	uid := testUid()
	cases := []struct {
		name     string
		executed uint64
		status   domain.OrderStatus
	}{
		{"fully executed sell", 1_000_000, domain.OrderStatusFulfilled},
		{"underfilled past valid_to", 400_000, domain.OrderStatusExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := &domain.Order{
				Uid:                uid,
				Owner:              handlerOwn,
				Kind:               domain.OrderKindSell,
				ValidTo:            uint32(handlerNow.Add(-time.Hour).Unix()),
				SellAmount:         domain.U256FromUint64(1_000_000),
				BuyAmount:          domain.U256FromUint64(2_000_000),
				ExecutedSellAmount: domain.U256FromUint64(tc.executed),
			}
			order.Status = domain.ProjectStatus(order, handlerNow)
			store := &fakeOrderStore{orders: map[domain.OrderUid]*domain.Order{uid: order}}
			h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{owner: handlerOwn}, store, &fakeBus{})

			r := httptest.NewRequest(http.MethodGet, "/api/v1/orders/"+uid.String(), nil)
			r.SetPathValue("uid", uid.String())
			rec := httptest.NewRecorder()
			h.ByUid(rec, r)

			require.Equal(t, http.StatusOK, rec.Code)
			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Equal(t, string(tc.status), body["status"])

			rec = httptest.NewRecorder()
			h.Delete(rec, deleteRequest(t, uid))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "OrderNotCancellable", decodeError(t, rec).ErrorType)
			require.Empty(t, store.cancelled)
		})
	}
}

func TestOrderDeleteWrongOwner(t *testing.T) {
	uid := testUid()
	store := &fakeOrderStore{orders: map[domain.OrderUid]*domain.Order{
		uid: {Uid: uid, Owner: handlerOwn, Status: domain.OrderStatusOpen},
	}}
	stranger := common.HexToAddress("0x3333333333333333333333333333333333333333")
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{owner: stranger}, store, &fakeBus{})

	rec := httptest.NewRecorder()
	h.Delete(rec, deleteRequest(t, uid))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "WrongOwner", decodeError(t, rec).ErrorType)
	require.Empty(t, store.cancelled)
}

func TestOrderListRequiresFilter(t *testing.T) {
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{}, &fakeOrderStore{}, &fakeBus{})

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "InvalidQuery", decodeError(t, rec).ErrorType)
}

func TestOrderListPassesFilter(t *testing.T) {
	store := &fakeOrderStore{}
	h := newOrderHandler(&fakeValidator{}, &fakeCancelVerifier{}, store, &fakeBus{})

	rec := httptest.NewRecorder()
	target := "/api/v1/orders?owner=" + handlerOwn.Hex() + "&minValidTo=1900000000"
	h.List(rec, httptest.NewRequest(http.MethodGet, target, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, store.listed.Owner)
	require.Equal(t, handlerOwn, *store.listed.Owner)
	require.Equal(t, uint32(1900000000), store.listed.MinValidTo)
	require.JSONEq(t, "[]", rec.Body.String())
}

type fakeTradeStore struct {
	filter domain.TradeFilter
}

func (f *fakeTradeStore) List(_ context.Context, filter domain.TradeFilter) ([]*domain.Trade, error) {
	f.filter = filter
	return nil, nil
}

func TestTradeListNeedsExactlyOneFilter(t *testing.T) {
	h := NewTradeHandler(&fakeTradeStore{}, slog.New(slog.DiscardHandler))

	for _, target := range []string{
		"/api/v1/trades",
		"/api/v1/trades?owner=" + handlerOwn.Hex() + "&orderUid=" + testUid().String(),
	} {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(http.MethodGet, target, nil))

		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Equal(t, "InvalidQuery", decodeError(t, rec).ErrorType)
	}
}

func TestTradeListByOwner(t *testing.T) {
	store := &fakeTradeStore{}
	h := NewTradeHandler(store, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/trades?owner="+handlerOwn.Hex(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, store.filter.Owner)
	require.Equal(t, handlerOwn, *store.filter.Owner)
	require.JSONEq(t, "[]", rec.Body.String())
}

type fakeQuoteEngine struct {
	request *domain.QuoteRequest
	quote   *domain.Quote
	err     error
}

func (f *fakeQuoteEngine) Quote(_ context.Context, req *domain.QuoteRequest) (*domain.Quote, error) {
	f.request = req
	return f.quote, f.err
}

func (f *fakeQuoteEngine) MinFee(context.Context, common.Address, *common.Address, *domain.U256, *domain.OrderKind) (*domain.FeeInfo, error) {
	return &domain.FeeInfo{Amount: domain.U256FromUint64(42), ExpirationDate: handlerNow}, nil
}

type fakePreValidator struct {
	err error
}

func (f *fakePreValidator) PartialValidate(validation.PreOrder) error {
	return f.err
}

func testQuote() *domain.Quote {
	return &domain.Quote{
		SellToken:  handlerWeth,
		BuyToken:   handlerUsdc,
		SellAmount: domain.U256FromUint64(1_000_000),
		BuyAmount:  domain.U256FromUint64(2_000_000),
		FeeAmount:  domain.U256FromUint64(1_000),
		Kind:       domain.OrderKindSell,
		Expiration: handlerNow.Add(time.Minute),
	}
}

func TestQuoteSideDerivation(t *testing.T) {
	cases := []struct {
		name   string
		body   map[string]any
		side   domain.QuoteSide
		amount uint64
	}{
		{
			"sell before fee",
			map[string]any{"kind": "sell", "sellAmountBeforeFee": "1000"},
			domain.QuoteSideSellBeforeFee, 1000,
		},
		{
			"sell after fee",
			map[string]any{"kind": "sell", "sellAmountAfterFee": "900"},
			domain.QuoteSideSellAfterFee, 900,
		},
		{
			"buy",
			map[string]any{"kind": "buy", "buyAmountAfterFee": "2000"},
			domain.QuoteSideBuy, 2000,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine := &fakeQuoteEngine{quote: testQuote()}
			h := NewQuoteHandler(engine, &fakePreValidator{}, slog.New(slog.DiscardHandler))

			tc.body["sellToken"] = handlerWeth.Hex()
			tc.body["buyToken"] = handlerUsdc.Hex()
			tc.body["validTo"] = 1900000000

			rec := httptest.NewRecorder()
			h.Quote(rec, postJSONRequest(t, "/api/v1/quote", tc.body))

			require.Equal(t, http.StatusOK, rec.Code)
			require.NotNil(t, engine.request)
			require.Equal(t, tc.side, engine.request.Side)
			require.Equal(t, domain.U256FromUint64(tc.amount).String(), engine.request.Amount.String())
		})
	}
}

func TestQuoteRejectsAmbiguousAmounts(t *testing.T) {
	cases := []struct {
		name string
		body map[string]any
	}{
		{"sell with both amounts", map[string]any{
			"kind": "sell", "sellAmountBeforeFee": "1000", "sellAmountAfterFee": "900",
		}},
		{"sell with no amount", map[string]any{"kind": "sell"}},
		{"buy with no amount", map[string]any{"kind": "buy"}},
		{"unknown kind", map[string]any{"kind": "swap", "sellAmountAfterFee": "900"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewQuoteHandler(&fakeQuoteEngine{}, &fakePreValidator{}, slog.New(slog.DiscardHandler))

			tc.body["sellToken"] = handlerWeth.Hex()
			tc.body["buyToken"] = handlerUsdc.Hex()

			rec := httptest.NewRecorder()
			h.Quote(rec, postJSONRequest(t, "/api/v1/quote", tc.body))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Equal(t, "InvalidQuery", decodeError(t, rec).ErrorType)
		})
	}
}

func TestQuoteRunsPreValidation(t *testing.T) {
	h := NewQuoteHandler(&fakeQuoteEngine{quote: testQuote()},
		&fakePreValidator{err: domain.Validation(domain.KindUnsupportedToken, "bad token")},
		slog.New(slog.DiscardHandler))

	body := map[string]any{
		"sellToken": handlerWeth.Hex(),
		"buyToken":  handlerUsdc.Hex(),
		"kind":      "sell",
		"sellAmountAfterFee": "900",
	}

	rec := httptest.NewRecorder()
	h.Quote(rec, postJSONRequest(t, "/api/v1/quote", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "UnsupportedToken", decodeError(t, rec).ErrorType)
}

func TestQuoteNoLiquidityMapsTo404(t *testing.T) {
	engine := &fakeQuoteEngine{err: domain.Estimatef(domain.EstimateNoLiquidity, "no route")}
	h := NewQuoteHandler(engine, &fakePreValidator{}, slog.New(slog.DiscardHandler))

	body := map[string]any{
		"sellToken": handlerWeth.Hex(),
		"buyToken":  handlerUsdc.Hex(),
		"kind":      "sell",
		"sellAmountAfterFee": "900",
	}

	rec := httptest.NewRecorder()
	h.Quote(rec, postJSONRequest(t, "/api/v1/quote", body))

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NoLiquidity", decodeError(t, rec).ErrorType)
}

func TestMarketsDenominatesInQuoteToken(t *testing.T) {
	engine := &fakeQuoteEngine{quote: testQuote()}
	h := NewQuoteHandler(engine, &fakePreValidator{}, slog.New(slog.DiscardHandler))

	pair := handlerWeth.Hex() + "-" + handlerUsdc.Hex()
	r := httptest.NewRequest(http.MethodGet, "/api/v1/markets/"+pair+"/sell/1000000", nil)
	r.SetPathValue("pair", pair)
	r.SetPathValue("kind", "sell")
	r.SetPathValue("amount", "1000000")

	rec := httptest.NewRecorder()
	h.Markets(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, handlerWeth, engine.request.SellToken)
	require.Equal(t, handlerUsdc, engine.request.BuyToken)
	require.Equal(t, domain.QuoteSideSellAfterFee, engine.request.Side)

	var estimate map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &estimate))
	require.Equal(t, "2000000", estimate["amount"])
	require.Equal(t, handlerUsdc.Hex(), common.HexToAddress(estimate["token"].(string)).Hex())
}

type fakeSnapshots struct {
	auction *domain.Auction
}

func (f *fakeSnapshots) Current() *domain.Auction {
	return f.auction
}

func testAuction() *domain.Auction {
	return &domain.Auction{
		Block:                 120,
		LatestSettlementBlock: 110,
		Orders: []*domain.Order{{
			Uid:              testUid(),
			Owner:            handlerOwn,
			SellAmount:       domain.U256FromUint64(1_000_000),
			AvailableBalance: domain.U256FromUint64(500_000),
		}},
		Prices: map[common.Address]*domain.U256{
			handlerWeth: domain.U256FromUint64(1e18),
		},
	}
}

func TestAuctionUnavailableBeforeFirstBuild(t *testing.T) {
	h := NewAuctionHandler(&fakeSnapshots{}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.Auction(rec, httptest.NewRequest(http.MethodGet, "/api/v1/auction", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "ServiceUnavailable", decodeError(t, rec).ErrorType)
}

func TestSolvableOrdersHideBalances(t *testing.T) {
	snapshot := testAuction()
	h := NewAuctionHandler(&fakeSnapshots{auction: snapshot}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.SolvableV2(rec, httptest.NewRequest(http.MethodGet, "/api/v2/solvable_orders", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.SolvableOrders
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, uint64(110), got.LatestSettlementBlock)
	require.Len(t, got.Orders, 1)
	require.Nil(t, got.Orders[0].AvailableBalance)

	// The shared snapshot keeps its balances.
	require.NotNil(t, snapshot.Orders[0].AvailableBalance)
}

func TestSolverOrdersKeepBalances(t *testing.T) {
	h := NewAuctionHandler(&fakeSnapshots{auction: testAuction()}, slog.New(slog.DiscardHandler))

	rec := httptest.NewRecorder()
	h.SolverOrders(rec, httptest.NewRequest(http.MethodGet, "/api/v1/solver_orders", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.SolvableOrders
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Orders, 1)
	require.NotNil(t, got.Orders[0].AvailableBalance)
	require.Equal(t, "500000", got.Orders[0].AvailableBalance.String())
}
