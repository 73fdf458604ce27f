package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// FeeStore implements domain.FeeStore using PostgreSQL. Measurements are
// append-only; expired rows are swept periodically.
type FeeStore struct {
	pool *pgxpool.Pool
}

// NewFeeStore creates a new FeeStore backed by the given connection pool.
func NewFeeStore(pool *pgxpool.Pool) *FeeStore {
	return &FeeStore{pool: pool}
}

var _ domain.FeeStore = (*FeeStore)(nil)

// Save persists a fee measurement.
func (s *FeeStore) Save(ctx context.Context, m *domain.FeeMeasurement) error {
	var (
		buyToken []byte
		amount   *string
		kind     *string
	)
	if m.BuyToken != nil {
		buyToken = m.BuyToken.Bytes()
	}
	if m.Amount != nil {
		v := m.Amount.String()
		amount = &v
	}
	if m.Kind != nil {
		v := string(*m.Kind)
		kind = &v
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO min_fee_measurements (sell_token, buy_token, amount, kind, min_fee, expiration_timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.SellToken.Bytes(), buyToken, amount, kind, m.MinFee.String(), m.Expiry,
	)
	if err != nil {
		return fmt.Errorf("postgres: save fee measurement: %w", err)
	}
	return nil
}

// Find returns the smallest fee still valid at minExpiry that vouches for
// the given parameters. Rows stored without buy token, amount or kind
// vouch for any value of that parameter, so a fee quoted through the
// token-only endpoint also covers a fully specified order.
func (s *FeeStore) Find(ctx context.Context, sellToken common.Address, buyToken *common.Address, amount *domain.U256, kind *domain.OrderKind, minExpiry time.Time) (*domain.U256, error) {
	var (
		buyArg    []byte
		amountArg *string
		kindArg   *string
	)
	if buyToken != nil {
		buyArg = buyToken.Bytes()
	}
	if amount != nil {
		v := amount.String()
		amountArg = &v
	}
	if kind != nil {
		v := string(*kind)
		kindArg = &v
	}

	var minFee *string
	err := s.pool.QueryRow(ctx,
		`SELECT MIN(min_fee)::text FROM min_fee_measurements
		 WHERE sell_token = $1
		   AND (buy_token IS NULL OR buy_token = $2)
		   AND (amount IS NULL OR amount = $3::numeric)
		   AND (kind IS NULL OR kind = $4::order_kind)
		   AND expiration_timestamp >= $5`,
		sellToken.Bytes(), buyArg, amountArg, kindArg, minExpiry,
	).Scan(&minFee)
	if err != nil {
		return nil, fmt.Errorf("postgres: find fee measurement: %w", err)
	}
	if minFee == nil {
		return nil, domain.ErrNotFound
	}
	return domain.ParseU256(*minFee)
}

// RemoveExpired sweeps measurements that expired before the cutoff.
func (s *FeeStore) RemoveExpired(ctx context.Context, before time.Time) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM min_fee_measurements WHERE expiration_timestamp < $1", before)
	if err != nil {
		return fmt.Errorf("postgres: remove expired fee measurements: %w", err)
	}
	return nil
}
