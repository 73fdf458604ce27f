package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool, now: time.Now}
}

var _ domain.OrderStore = (*OrderStore)(nil)

// Insert stores a new order. Returns domain.ErrDuplicateOrder when the uid
// already exists.
func (s *OrderStore) Insert(ctx context.Context, o *domain.Order) error {
	const query = `
		INSERT INTO orders (
			uid, owner, creation_timestamp, settlement_contract,
			sell_token, buy_token, receiver,
			sell_amount, buy_amount, valid_to, app_data,
			fee_amount, full_fee_amount, kind, partially_fillable,
			sell_token_balance, buy_token_balance,
			signing_scheme, signature
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15,
			$16, $17,
			$18, $19
		)`

	var receiver []byte
	if o.Receiver != nil {
		receiver = o.Receiver.Bytes()
	}

	_, err := s.pool.Exec(ctx, query,
		o.Uid.Bytes(), o.Owner.Bytes(), o.CreationDate, o.SettlementContract.Bytes(),
		o.SellToken.Bytes(), o.BuyToken.Bytes(), receiver,
		o.SellAmount.String(), o.BuyAmount.String(), int64(o.ValidTo), o.AppData.Bytes(),
		o.FeeAmount.String(), o.FullFeeAmount.String(), string(o.Kind), o.PartiallyFillable,
		string(o.SellTokenBalance), string(o.BuyTokenBalance),
		string(o.SigningScheme), o.Signature[:],
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrDuplicateOrder
		}
		return fmt.Errorf("postgres: insert order %s: %w", o.Uid, err)
	}
	return nil
}

// orderSelectCols lists the order columns plus the executed-amount
// aggregates. Numeric columns are cast to text so amounts round-trip
// through big.Int without precision loss. Trades and invalidations are
// pre-aggregated per uid in subquery joins so one does not multiply the
// rows of the other.
const orderSelectCols = `
	o.uid, o.owner, o.creation_timestamp, o.settlement_contract,
	o.sell_token, o.buy_token, o.receiver,
	o.sell_amount::text, o.buy_amount::text, o.valid_to, o.app_data,
	o.fee_amount::text, o.full_fee_amount::text, o.kind, o.partially_fillable,
	o.sell_token_balance, o.buy_token_balance,
	o.signing_scheme, o.signature,
	COALESCE(t.sum_sell, 0)::text, COALESCE(t.sum_buy, 0)::text, COALESCE(t.sum_fee, 0)::text,
	(COALESCE(i.cnt, 0) > 0 OR o.cancellation_timestamp IS NOT NULL) AS invalidated`

const orderSelectFrom = `
	FROM orders o
	LEFT JOIN (
		SELECT order_uid,
			SUM(sell_amount) AS sum_sell,
			SUM(buy_amount) AS sum_buy,
			SUM(fee_amount) AS sum_fee
		FROM trades GROUP BY order_uid
	) t ON t.order_uid = o.uid
	LEFT JOIN (
		SELECT order_uid, COUNT(*) AS cnt
		FROM invalidations GROUP BY order_uid
	) i ON i.order_uid = o.uid`

func scanOrderFromRow(
	scanner interface{ Scan(dest ...any) error },
	now time.Time,
) (*domain.Order, error) {
	var (
		uid, owner, settlementContract, sellToken, buyToken []byte
		receiver, appData, signature                        []byte
		sellAmount, buyAmount, feeAmount, fullFeeAmount     string
		sumSell, sumBuy, sumFee                             string
		validTo                                             int64
		kind, sellBalance, buyBalance, scheme               string
		o                                                   domain.Order
	)

	err := scanner.Scan(
		&uid, &owner, &o.CreationDate, &settlementContract,
		&sellToken, &buyToken, &receiver,
		&sellAmount, &buyAmount, &validTo, &appData,
		&feeAmount, &fullFeeAmount, &kind, &o.PartiallyFillable,
		&sellBalance, &buyBalance,
		&scheme, &signature,
		&sumSell, &sumBuy, &sumFee,
		&o.Invalidated,
	)
	if err != nil {
		return nil, err
	}

	o.Uid, err = domain.UidFromBytes(uid)
	if err != nil {
		return nil, err
	}
	o.Signature, err = domain.SignatureFromBytes(signature)
	if err != nil {
		return nil, err
	}

	o.Owner = common.BytesToAddress(owner)
	o.SettlementContract = common.BytesToAddress(settlementContract)
	o.SellToken = common.BytesToAddress(sellToken)
	o.BuyToken = common.BytesToAddress(buyToken)
	if len(receiver) > 0 {
		addr := common.BytesToAddress(receiver)
		o.Receiver = &addr
	}
	o.AppData = common.BytesToHash(appData)
	o.ValidTo = uint32(validTo)
	o.Kind = domain.OrderKind(kind)
	o.SellTokenBalance = domain.SellTokenSource(sellBalance)
	o.BuyTokenBalance = domain.BuyTokenDestination(buyBalance)
	o.SigningScheme = domain.SigningScheme(scheme)

	if o.SellAmount, err = domain.ParseU256(sellAmount); err != nil {
		return nil, err
	}
	if o.BuyAmount, err = domain.ParseU256(buyAmount); err != nil {
		return nil, err
	}
	if o.FeeAmount, err = domain.ParseU256(feeAmount); err != nil {
		return nil, err
	}
	if o.FullFeeAmount, err = domain.ParseU256(fullFeeAmount); err != nil {
		return nil, err
	}
	if o.ExecutedSellAmount, err = domain.ParseU256(sumSell); err != nil {
		return nil, err
	}
	if o.ExecutedBuyAmount, err = domain.ParseU256(sumBuy); err != nil {
		return nil, err
	}
	if o.ExecutedFeeAmount, err = domain.ParseU256(sumFee); err != nil {
		return nil, err
	}

	// The trade event's sell amount includes the fee charged in that fill.
	before := new(big.Int).Sub(o.ExecutedSellAmount.Int(), o.ExecutedFeeAmount.Int())
	if before.Sign() < 0 {
		before.SetInt64(0)
	}
	o.ExecutedSellAmountBeforeFees = domain.NewU256(before)

	o.Status = domain.ProjectStatus(&o, now)

	return &o, nil
}

func scanOrderRows(rows pgx.Rows, now time.Time) ([]*domain.Order, error) {
	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrderFromRow(rows, now)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ByUid retrieves a single order with its executed sums.
func (s *OrderStore) ByUid(ctx context.Context, uid domain.OrderUid) (*domain.Order, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+orderSelectFrom+` WHERE o.uid = $1`, uid.Bytes())

	o, err := scanOrderFromRow(row, s.now())
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get order %s: %w", uid, err)
	}
	return o, nil
}

// buildOrderListQuery renders the filter into a SELECT over the joined
// order view.
func buildOrderListQuery(filter domain.OrderFilter) (string, []any) {
	query := `SELECT ` + orderSelectCols + orderSelectFrom + ` WHERE TRUE`
	var args []any
	argIdx := 1

	if filter.Owner != nil {
		query += fmt.Sprintf(" AND o.owner = $%d", argIdx)
		args = append(args, filter.Owner.Bytes())
		argIdx++
	}
	if filter.SellToken != nil {
		query += fmt.Sprintf(" AND o.sell_token = $%d", argIdx)
		args = append(args, filter.SellToken.Bytes())
		argIdx++
	}
	if filter.BuyToken != nil {
		query += fmt.Sprintf(" AND o.buy_token = $%d", argIdx)
		args = append(args, filter.BuyToken.Bytes())
		argIdx++
	}
	if filter.MinValidTo > 0 {
		query += fmt.Sprintf(" AND o.valid_to >= $%d", argIdx)
		args = append(args, int64(filter.MinValidTo))
		argIdx++
	}
	if filter.ExcludeFullyExecuted {
		// Sell orders complete on the fee-inclusive sell sum, buy orders
		// on the buy sum, mirroring the status projection.
		query += ` AND (
			(o.kind = 'sell' AND COALESCE(t.sum_sell, 0) < o.sell_amount) OR
			(o.kind = 'buy' AND COALESCE(t.sum_buy, 0) < o.buy_amount)
		)`
	}
	if filter.ExcludeInvalidated {
		query += ` AND COALESCE(i.cnt, 0) = 0 AND o.cancellation_timestamp IS NULL`
	}

	query += " ORDER BY o.creation_timestamp ASC"
	return query, args
}

// List returns orders matching the filter, ascending by creation time.
func (s *OrderStore) List(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	query, args := buildOrderListQuery(filter)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows, s.now())
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders: %w", err)
	}
	return orders, nil
}

// ByOwnerPaged returns the owner's orders, newest first.
func (s *OrderStore) ByOwnerPaged(ctx context.Context, owner common.Address, offset, limit int) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+orderSelectFrom+`
		 WHERE o.owner = $1
		 ORDER BY o.creation_timestamp DESC
		 LIMIT $2 OFFSET $3`,
		owner.Bytes(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by owner: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows, s.now())
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by owner: %w", err)
	}
	return orders, nil
}

// ByTx returns the orders traded in a settlement transaction. A trade
// belongs to the first settlement event after it in the same block, since
// the contract emits trades before their settlement marker.
func (s *OrderStore) ByTx(ctx context.Context, txHash common.Hash) ([]*domain.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderSelectCols+orderSelectFrom+`
		 WHERE o.uid IN (
			SELECT tr.order_uid
			FROM trades tr
			LEFT JOIN LATERAL (
				SELECT s.tx_hash
				FROM settlements s
				WHERE s.block_number = tr.block_number
				  AND s.log_index > tr.log_index
				ORDER BY s.log_index ASC
				LIMIT 1
			) settlement ON TRUE
			WHERE settlement.tx_hash = $1
		 )
		 ORDER BY o.creation_timestamp ASC`,
		txHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("postgres: list orders by tx: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows, s.now())
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by tx: %w", err)
	}
	return orders, nil
}

// Solvable returns candidate auction orders: not expired before
// minValidTo, not fully executed, not invalidated.
func (s *OrderStore) Solvable(ctx context.Context, minValidTo uint32) ([]*domain.Order, error) {
	return s.List(ctx, domain.OrderFilter{
		MinValidTo:           minValidTo,
		ExcludeFullyExecuted: true,
		ExcludeInvalidated:   true,
	})
}

// Cancel records a signed cancellation. Cancelling an already cancelled
// order keeps the first timestamp and signature.
func (s *OrderStore) Cancel(ctx context.Context, uid domain.OrderUid, signature domain.Signature, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders
		 SET cancellation_timestamp = $2, cancellation_signature = $3
		 WHERE uid = $1 AND cancellation_timestamp IS NULL`,
		uid.Bytes(), at, signature[:])
	if err != nil {
		return fmt.Errorf("postgres: cancel order %s: %w", uid, err)
	}
	if tag.RowsAffected() == 0 {
		// Either absent or already cancelled; only the former is an error.
		var exists bool
		err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM orders WHERE uid = $1)", uid.Bytes(),
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("postgres: check order %s: %w", uid, err)
		}
		if !exists {
			return domain.ErrNotFound
		}
	}
	return nil
}
