package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// AppDataStore implements domain.AppDataStore using PostgreSQL.
type AppDataStore struct {
	pool *pgxpool.Pool
}

// NewAppDataStore creates a new AppDataStore backed by the given pool.
func NewAppDataStore(pool *pgxpool.Pool) *AppDataStore {
	return &AppDataStore{pool: pool}
}

var _ domain.AppDataStore = (*AppDataStore)(nil)

// Insert registers an app-data document under its hash. Registering the
// same hash twice is a no-op; documents are immutable once stored.
func (s *AppDataStore) Insert(ctx context.Context, doc *domain.AppDataDocument) error {
	var referrer []byte
	if doc.Referrer != nil {
		referrer = doc.Referrer.Bytes()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO app_data (app_data_hash, app_code, referrer, file_blob, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (app_data_hash) DO NOTHING`,
		doc.Hash.Bytes(), doc.AppCode, referrer, doc.Document, doc.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("postgres: insert app data %s: %w", doc.Hash, err)
	}
	return nil
}

// ByHash returns the document registered under hash.
func (s *AppDataStore) ByHash(ctx context.Context, hash common.Hash) (*domain.AppDataDocument, error) {
	var (
		doc      domain.AppDataDocument
		hashRaw  []byte
		appCode  *string
		referrer []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT app_data_hash, app_code, referrer, file_blob, created_at
		 FROM app_data WHERE app_data_hash = $1`,
		hash.Bytes(),
	).Scan(&hashRaw, &appCode, &referrer, &doc.Document, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get app data %s: %w", hash, err)
	}

	doc.Hash = common.BytesToHash(hashRaw)
	if appCode != nil {
		doc.AppCode = *appCode
	}
	if len(referrer) > 0 {
		addr := common.BytesToAddress(referrer)
		doc.Referrer = &addr
	}
	return &doc, nil
}
