package auction

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
)

var (
	tokenA = common.HexToAddress("0x0000000000000000000000000000000000000aaa")
	tokenB = common.HexToAddress("0x0000000000000000000000000000000000000bbb")
	tokenC = common.HexToAddress("0x0000000000000000000000000000000000000ccc")
	alice  = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob    = common.HexToAddress("0x0000000000000000000000000000000000000b22")
)

type fakeOrders struct {
	orders []*domain.Order
	err    error
}

func (f *fakeOrders) Solvable(context.Context, uint32) ([]*domain.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	// The cache mutates and reorders its input; hand out copies so
	// each rebuild starts from the same state.
	out := make([]*domain.Order, len(f.orders))
	for i, o := range f.orders {
		clone := *o
		out[i] = &clone
	}
	return out, nil
}

type fakeBlocks struct {
	indexed    uint64
	settlement uint64
}

func (f *fakeBlocks) LatestIndexedBlock(context.Context) (uint64, error)    { return f.indexed, nil }
func (f *fakeBlocks) LatestSettlementBlock(context.Context) (uint64, error) { return f.settlement, nil }

type fakeBalances struct {
	amounts map[eth.BalanceQuery]*domain.U256
	calls   int
}

func (f *fakeBalances) Balances(_ context.Context, queries []eth.BalanceQuery) (map[eth.BalanceQuery]*domain.U256, error) {
	f.calls++
	out := make(map[eth.BalanceQuery]*domain.U256, len(queries))
	for _, q := range queries {
		if b, ok := f.amounts[q]; ok {
			out[q] = b
		}
	}
	return out, nil
}

type fakePrices struct {
	priced map[common.Address]bool
}

func (f *fakePrices) NativePrice(_ context.Context, token common.Address) (*domain.U256, error) {
	if !f.priced[token] {
		return nil, domain.Estimatef(domain.EstimateNoLiquidity, "no pool for %s", token.Hex())
	}
	return domain.U256FromUint64(1_000_000_000_000_000_000), nil
}

func allPriced() *fakePrices {
	return &fakePrices{priced: map[common.Address]bool{tokenA: true, tokenB: true, tokenC: true}}
}

func balanceOf(owner, token common.Address, amount uint64) (eth.BalanceQuery, *domain.U256) {
	q := eth.BalanceQuery{Owner: owner, Token: token, Source: domain.SellTokenSourceErc20}
	return q, domain.U256FromUint64(amount)
}

func solvableOrder(seq byte, owner common.Address, sell, fee uint64, created time.Time) *domain.Order {
	var uid domain.OrderUid
	uid[0] = seq
	return &domain.Order{
		Uid:          uid,
		Owner:        owner,
		CreationDate: created,
		SellToken:    tokenA,
		BuyToken:     tokenB,
		SellAmount:   domain.U256FromUint64(sell),
		BuyAmount:    domain.U256FromUint64(sell * 2),
		FeeAmount:    domain.U256FromUint64(fee),
		Kind:         domain.OrderKindSell,
		Status:       domain.OrderStatusOpen,
	}
}

func newTestCache(orders OrderSource, blocks BlockSource, balances BalanceSource, prices NativePricer, unsupported map[common.Address]bool) *Cache {
	cfg := config.Defaults().Auction
	return NewCache(orders, blocks, balances, prices, nil, nil, unsupported, cfg, slog.Default())
}

func TestRebuildPublishesSnapshot(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	q, b := balanceOf(alice, tokenA, 1_000)
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{solvableOrder(1, alice, 500, 10, created)}},
		&fakeBlocks{indexed: 100, settlement: 90},
		&fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{q: b}},
		allPriced(),
		nil,
	)

	require.Nil(t, cache.Current())
	require.NoError(t, cache.Rebuild(context.Background()))

	snapshot := cache.Current()
	require.NotNil(t, snapshot)
	assert.Equal(t, uint64(100), snapshot.Block)
	assert.Equal(t, uint64(90), snapshot.LatestSettlementBlock)
	require.Len(t, snapshot.Orders, 1)
	assert.Equal(t, "510", snapshot.Orders[0].AvailableBalance.String())
	assert.Contains(t, snapshot.Prices, tokenA)
	assert.Contains(t, snapshot.Prices, tokenB)
}

func TestRebuildDropsUnsupportedTokens(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	q, b := balanceOf(alice, tokenA, 10_000)
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{solvableOrder(1, alice, 500, 10, created)}},
		&fakeBlocks{indexed: 100},
		&fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{q: b}},
		allPriced(),
		map[common.Address]bool{tokenB: true},
	)

	require.NoError(t, cache.Rebuild(context.Background()))
	assert.Empty(t, cache.Current().Orders)
}

func TestBalanceAllocationOldestFirst(t *testing.T) {
	// Alice holds 600: enough for her older order (500+10) but not the
	// newer one too. Bob's order is unaffected.
	now := time.Now()
	older := solvableOrder(1, alice, 500, 10, now.Add(-2*time.Hour))
	newer := solvableOrder(2, alice, 500, 10, now.Add(-time.Hour))
	bobs := solvableOrder(3, bob, 100, 1, now.Add(-time.Minute))

	qa, ba := balanceOf(alice, tokenA, 600)
	qb, bb := balanceOf(bob, tokenA, 1_000)
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{newer, older, bobs}},
		&fakeBlocks{indexed: 50},
		&fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{qa: ba, qb: bb}},
		allPriced(),
		nil,
	)

	require.NoError(t, cache.Rebuild(context.Background()))

	snapshot := cache.Current()
	require.Len(t, snapshot.Orders, 2)
	uids := []byte{snapshot.Orders[0].Uid[0], snapshot.Orders[1].Uid[0]}
	assert.Equal(t, []byte{1, 3}, uids)
}

func TestPartiallyFillableKeptWhenUnderfunded(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	order := solvableOrder(1, alice, 1_000, 10, created)
	order.PartiallyFillable = true

	q, b := balanceOf(alice, tokenA, 300)
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{order}},
		&fakeBlocks{indexed: 50},
		&fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{q: b}},
		allPriced(),
		nil,
	)

	require.NoError(t, cache.Rebuild(context.Background()))

	snapshot := cache.Current()
	require.Len(t, snapshot.Orders, 1)
	assert.Equal(t, "300", snapshot.Orders[0].AvailableBalance.String())
}

func TestOrdersWithoutPricesAreDropped(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	priced := solvableOrder(1, alice, 100, 1, created)
	unpriced := solvableOrder(2, alice, 100, 1, created)
	unpriced.BuyToken = tokenC

	q, b := balanceOf(alice, tokenA, 10_000)
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{priced, unpriced}},
		&fakeBlocks{indexed: 50},
		&fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{q: b}},
		&fakePrices{priced: map[common.Address]bool{tokenA: true, tokenB: true}},
		nil,
	)

	require.NoError(t, cache.Rebuild(context.Background()))

	snapshot := cache.Current()
	require.Len(t, snapshot.Orders, 1)
	assert.Equal(t, byte(1), snapshot.Orders[0].Uid[0])
	assert.NotContains(t, snapshot.Prices, tokenC)
}

func TestSnapshotBlockNeverDecreases(t *testing.T) {
	blocks := &fakeBlocks{indexed: 100}
	cache := newTestCache(&fakeOrders{}, blocks, &fakeBalances{}, allPriced(), nil)

	require.NoError(t, cache.Rebuild(context.Background()))
	require.Equal(t, uint64(100), cache.Current().Block)

	blocks.indexed = 90
	require.NoError(t, cache.Rebuild(context.Background()))
	assert.Equal(t, uint64(100), cache.Current().Block, "older rebuild must not replace a newer snapshot")

	blocks.indexed = 110
	require.NoError(t, cache.Rebuild(context.Background()))
	assert.Equal(t, uint64(110), cache.Current().Block)
}

func TestBalancesReusedWhileBlockUnchanged(t *testing.T) {
	created := time.Now().Add(-time.Minute)
	q, b := balanceOf(alice, tokenA, 10_000)
	balances := &fakeBalances{amounts: map[eth.BalanceQuery]*domain.U256{q: b}}
	blocks := &fakeBlocks{indexed: 70}
	cache := newTestCache(
		&fakeOrders{orders: []*domain.Order{solvableOrder(1, alice, 100, 1, created)}},
		blocks,
		balances,
		allPriced(),
		nil,
	)

	require.NoError(t, cache.Rebuild(context.Background()))
	require.NoError(t, cache.Rebuild(context.Background()))
	assert.Equal(t, 1, balances.calls)

	blocks.indexed = 71
	require.NoError(t, cache.Rebuild(context.Background()))
	assert.Equal(t, 2, balances.calls)
}

func TestTriggerCoalesces(t *testing.T) {
	cache := newTestCache(&fakeOrders{}, &fakeBlocks{}, &fakeBalances{}, allPriced(), nil)

	cache.Trigger()
	cache.Trigger()
	cache.Trigger()

	select {
	case <-cache.trigger:
	default:
		t.Fatal("expected one pending trigger")
	}
	select {
	case <-cache.trigger:
		t.Fatal("triggers must coalesce into a single pending rebuild")
	default:
	}
}
