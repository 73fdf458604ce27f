package postgres

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL. Trades are
// written by the event store; this type only reads them joined with their
// orders.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

var _ domain.TradeStore = (*TradeStore)(nil)

const tradeSelectCols = `
	t.block_number, t.log_index, t.order_uid,
	o.owner, o.sell_token, o.buy_token,
	t.sell_amount::text, t.buy_amount::text,
	(t.sell_amount - t.fee_amount)::text AS sell_amount_before_fees`

func scanTradeRows(rows pgx.Rows) ([]*domain.Trade, error) {
	var trades []*domain.Trade
	for rows.Next() {
		var (
			t                           domain.Trade
			blockNumber, logIndex       int64
			uid, owner, sellTok, buyTok []byte
			sell, buy, sellBefore       string
		)
		if err := rows.Scan(
			&blockNumber, &logIndex, &uid,
			&owner, &sellTok, &buyTok,
			&sell, &buy, &sellBefore,
		); err != nil {
			return nil, err
		}

		t.BlockNumber = uint64(blockNumber)
		t.LogIndex = uint64(logIndex)

		var err error
		if t.OrderUid, err = domain.UidFromBytes(uid); err != nil {
			return nil, err
		}
		t.Owner = common.BytesToAddress(owner)
		t.SellToken = common.BytesToAddress(sellTok)
		t.BuyToken = common.BytesToAddress(buyTok)

		if t.SellAmount, err = domain.ParseU256(sell); err != nil {
			return nil, err
		}
		if t.BuyAmount, err = domain.ParseU256(buy); err != nil {
			return nil, err
		}
		if t.SellAmountBeforeFees, err = domain.ParseU256(sellBefore); err != nil {
			return nil, err
		}

		trades = append(trades, &t)
	}
	return trades, rows.Err()
}

// List returns trades matching the filter, in chain order. Nil filter
// fields pass through as SQL NULLs and disable the corresponding clause.
func (s *TradeStore) List(ctx context.Context, filter domain.TradeFilter) ([]*domain.Trade, error) {
	var owner, uid []byte
	if filter.Owner != nil {
		owner = filter.Owner.Bytes()
	}
	if filter.OrderUid != nil {
		uid = filter.OrderUid.Bytes()
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+`
		 FROM trades t
		 JOIN orders o ON o.uid = t.order_uid
		 WHERE ($1::bytea IS NULL OR o.owner = $1)
		   AND ($2::bytea IS NULL OR t.order_uid = $2)
		 ORDER BY t.block_number ASC, t.log_index ASC`,
		owner, uid)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades: %w", err)
	}
	return trades, nil
}

// ByTx returns the trades emitted by a settlement transaction. A trade
// belongs to the first settlement event after it in the same block.
func (s *TradeStore) ByTx(ctx context.Context, txHash common.Hash) ([]*domain.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+`
		 FROM trades t
		 JOIN orders o ON o.uid = t.order_uid
		 LEFT JOIN LATERAL (
			SELECT s.tx_hash
			FROM settlements s
			WHERE s.block_number = t.block_number
			  AND s.log_index > t.log_index
			ORDER BY s.log_index ASC
			LIMIT 1
		 ) settlement ON TRUE
		 WHERE settlement.tx_hash = $1
		 ORDER BY t.block_number ASC, t.log_index ASC`,
		txHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by tx: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by tx: %w", err)
	}
	return trades, nil
}
