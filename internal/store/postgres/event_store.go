package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/auctionmesh/orderbook/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Each batch is
// written in one transaction so a crash never leaves a partly indexed
// range behind.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

var _ domain.EventStore = (*EventStore)(nil)

// InsertEvents appends a decoded batch and its block-hash watermark.
// Re-inserting rows from an already indexed range is a no-op, so replaying
// a batch after a crash is safe.
func (s *EventStore) InsertEvents(ctx context.Context, batch *domain.EventBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin insert events: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertBatch(ctx, tx, batch); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit insert events: %w", err)
	}
	return nil
}

// ReplaceEventsFrom atomically deletes every event and watermark at or
// above block and inserts the replacement batch. Readers never observe
// the gap between delete and insert.
func (s *EventStore) ReplaceEventsFrom(ctx context.Context, block uint64, batch *domain.EventBatch) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin replace events: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := deleteAtOrAbove(ctx, tx, block); err != nil {
		return err
	}
	if err := insertBatch(ctx, tx, batch); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit replace events: %w", err)
	}
	return nil
}

// DeleteEventsAtOrAbove removes a reorged suffix without replacement.
func (s *EventStore) DeleteEventsAtOrAbove(ctx context.Context, block uint64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin delete events: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := deleteAtOrAbove(ctx, tx, block); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit delete events: %w", err)
	}
	return nil
}

// LatestIndexedBlock is the highest block any event or watermark row
// references, zero when nothing has been indexed yet. Watermark rows
// count so empty ranges still advance the cursor.
func (s *EventStore) LatestIndexedBlock(ctx context.Context) (uint64, error) {
	const query = `
		SELECT GREATEST(
			(SELECT COALESCE(MAX(block_number), 0) FROM trades),
			(SELECT COALESCE(MAX(block_number), 0) FROM invalidations),
			(SELECT COALESCE(MAX(block_number), 0) FROM settlements),
			(SELECT COALESCE(MAX(block_number), 0) FROM indexed_blocks)
		)`

	var block int64
	if err := s.pool.QueryRow(ctx, query).Scan(&block); err != nil {
		return 0, fmt.Errorf("postgres: latest indexed block: %w", err)
	}
	return uint64(block), nil
}

// IndexedBlockHash returns the stored hash for a watermark block.
func (s *EventStore) IndexedBlockHash(ctx context.Context, block uint64) (common.Hash, error) {
	var hash []byte
	err := s.pool.QueryRow(ctx,
		"SELECT block_hash FROM indexed_blocks WHERE block_number = $1",
		int64(block),
	).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return common.Hash{}, domain.ErrNotFound
		}
		return common.Hash{}, fmt.Errorf("postgres: indexed block hash %d: %w", block, err)
	}
	return common.BytesToHash(hash), nil
}

// PruneIndexedBlocksBelow drops watermarks older than the reorg window.
func (s *EventStore) PruneIndexedBlocksBelow(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM indexed_blocks WHERE block_number < $1", int64(block))
	if err != nil {
		return fmt.Errorf("postgres: prune indexed blocks: %w", err)
	}
	return nil
}

// LatestSettlementBlock is the highest block with a settlement event.
func (s *EventStore) LatestSettlementBlock(ctx context.Context) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		"SELECT COALESCE(MAX(block_number), 0) FROM settlements",
	).Scan(&block)
	if err != nil {
		return 0, fmt.Errorf("postgres: latest settlement block: %w", err)
	}
	return uint64(block), nil
}

// ---------------------------------------------------------------------------
// Shared transaction helpers
// ---------------------------------------------------------------------------

func insertBatch(ctx context.Context, tx pgx.Tx, batch *domain.EventBatch) error {
	for _, t := range batch.Trades {
		_, err := tx.Exec(ctx,
			`INSERT INTO trades (block_number, log_index, order_uid, sell_amount, buy_amount, fee_amount)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (block_number, log_index) DO NOTHING`,
			int64(t.BlockNumber), int64(t.LogIndex), t.OrderUid.Bytes(),
			t.SellAmount.String(), t.BuyAmount.String(), t.FeeAmount.String(),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert trade %d/%d: %w", t.BlockNumber, t.LogIndex, err)
		}
	}

	for _, inv := range batch.Invalidations {
		_, err := tx.Exec(ctx,
			`INSERT INTO invalidations (block_number, log_index, order_uid)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (block_number, log_index) DO NOTHING`,
			int64(inv.BlockNumber), int64(inv.LogIndex), inv.OrderUid.Bytes(),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert invalidation %d/%d: %w", inv.BlockNumber, inv.LogIndex, err)
		}
	}

	for _, set := range batch.Settlements {
		_, err := tx.Exec(ctx,
			`INSERT INTO settlements (block_number, log_index, tx_hash, solver, block_hash)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (block_number, log_index) DO NOTHING`,
			int64(set.BlockNumber), int64(set.LogIndex),
			set.TxHash.Bytes(), set.Solver.Bytes(), set.BlockHash.Bytes(),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert settlement %d/%d: %w", set.BlockNumber, set.LogIndex, err)
		}
	}

	// Watermark the end of the range even when no events were found so the
	// cursor advances and the hash is available for reorg checks.
	if batch.ToBlock > 0 {
		_, err := tx.Exec(ctx,
			`INSERT INTO indexed_blocks (block_number, block_hash)
			 VALUES ($1, $2)
			 ON CONFLICT (block_number) DO UPDATE SET block_hash = EXCLUDED.block_hash`,
			int64(batch.ToBlock), batch.ToBlockHash.Bytes(),
		)
		if err != nil {
			return fmt.Errorf("postgres: insert watermark %d: %w", batch.ToBlock, err)
		}
	}

	return nil
}

func deleteAtOrAbove(ctx context.Context, tx pgx.Tx, block uint64) error {
	for _, table := range []string{"trades", "invalidations", "settlements", "indexed_blocks"} {
		_, err := tx.Exec(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE block_number >= $1", table), int64(block))
		if err != nil {
			return fmt.Errorf("postgres: delete %s from %d: %w", table, block, err)
		}
	}
	return nil
}
