// Package index follows the settlement contract on chain and keeps the
// stored event projection consistent with it across reorgs.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/eth"
)

// leaderLockTTL bounds how long a crashed replica can block the others.
// Event writes are idempotent, so an expired lock during a long backfill
// costs duplicate RPC work, not correctness.
const leaderLockTTL = time.Minute

// Chain is the node surface the indexer reads.
type Chain interface {
	Head(ctx context.Context) (uint64, error)
	BlockInfo(ctx context.Context, number uint64) (eth.BlockInfo, error)
	Events(ctx context.Context, from, to uint64) (*domain.EventBatch, error)
}

// Alerter forwards operational alerts. Delivery failures are logged and
// dropped; they never interrupt indexing.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Indexer advances a block cursor over settlement contract events,
// verifying on every pass that the stored history still lies on the
// canonical chain.
type Indexer struct {
	chain      Chain
	store      domain.EventStore
	leaderLock domain.LockManager
	alerts     Alerter
	bus        domain.EventBus
	cfg        config.IndexerConfig
	logger     *slog.Logger

	onEvents     func()
	lastProgress time.Time
	stalled      bool

	now func() time.Time
}

// NewIndexer builds an indexer. leaderLock nil disables leader election;
// alerts nil disables operational notifications.
func NewIndexer(
	chain Chain,
	store domain.EventStore,
	leaderLock domain.LockManager,
	alerts Alerter,
	cfg config.IndexerConfig,
	logger *slog.Logger,
) *Indexer {
	return &Indexer{
		chain:      chain,
		store:      store,
		leaderLock: leaderLock,
		alerts:     alerts,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// OnEvents registers a callback invoked after a pass changed the stored
// events. The auction cache uses it to rebuild promptly. Must be set
// before RunLoop starts.
func (ix *Indexer) OnEvents(fn func()) {
	ix.onEvents = fn
}

// SetBus attaches an event bus on which trade and invalidation
// transitions are announced. Must be set before RunLoop starts.
func (ix *Indexer) SetBus(bus domain.EventBus) {
	ix.bus = bus
}

// RunLoop polls the chain until the context is cancelled. Transient
// failures back off exponentially up to the configured cap; decode
// failures are fatal and returned so the process can exit.
func (ix *Indexer) RunLoop(ctx context.Context) error {
	ix.lastProgress = ix.now()
	delay := ix.cfg.PollInterval.Duration

	for {
		err := ix.runGuarded(ctx)
		switch {
		case err == nil:
			delay = ix.cfg.PollInterval.Duration
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			// Fall through to the select below to report cancellation.
		case errors.Is(err, eth.ErrDecode):
			ix.logger.Error("event decode failed, stopping", slog.String("error", err.Error()))
			return err
		default:
			delay *= 2
			if limit := ix.cfg.MaxBackoff.Duration; limit > 0 && delay > limit {
				delay = limit
			}
			ix.logger.Error("indexing pass failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay))
		}

		ix.checkStall(ctx)

		select {
		case <-ctx.Done():
			ix.logger.Info("indexer loop stopped")
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (ix *Indexer) runGuarded(ctx context.Context) error {
	if ix.leaderLock == nil {
		return ix.Run(ctx)
	}
	unlock, err := ix.leaderLock.Acquire(ctx, "indexer", leaderLockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		// Another replica is indexing; its progress counts as ours.
		ix.noteProgress()
		return nil
	}
	if err != nil {
		return fmt.Errorf("index: acquire leader lock: %w", err)
	}
	defer unlock()
	return ix.Run(ctx)
}

// Run indexes until the cursor reaches the chain head. Each pass handles
// at most one batch so cancellation stays responsive during backfill.
func (ix *Indexer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		more, err := ix.step(ctx)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// step performs one poll iteration: reorg verification, then one batch
// of fetch and store. It reports whether more blocks remain.
func (ix *Indexer) step(ctx context.Context) (bool, error) {
	head, err := ix.chain.Head(ctx)
	if err != nil {
		return false, fmt.Errorf("index: chain head: %w", err)
	}

	last, err := ix.store.LatestIndexedBlock(ctx)
	if err != nil {
		return false, fmt.Errorf("index: read cursor: %w", err)
	}
	fresh := last == 0
	if fresh && ix.cfg.StartBlock > 0 {
		last = ix.cfg.StartBlock - 1
	}

	rewound := false
	if !fresh {
		top := last
		if head < top {
			top = head
		}
		ancestor, err := ix.verifiedAncestor(ctx, top)
		if err != nil {
			return false, err
		}
		if ancestor < last {
			ix.reportReorg(ctx, last, ancestor)
			last = ancestor
			rewound = true
		}
	}

	if head <= last {
		if rewound {
			// The new chain is not past the ancestor yet; drop the
			// orphaned suffix now rather than serving it.
			if err := ix.store.DeleteEventsAtOrAbove(ctx, last+1); err != nil {
				return false, fmt.Errorf("index: drop orphaned events above %d: %w", last, err)
			}
			ix.notifyEvents()
		}
		ix.noteProgress()
		return false, nil
	}

	from := last + 1
	to := last + ix.cfg.BatchSize
	if to > head {
		to = head
	}

	batch, err := ix.chain.Events(ctx, from, to)
	if err != nil {
		return false, fmt.Errorf("index: fetch events [%d, %d]: %w", from, to, err)
	}

	if rewound {
		err = ix.store.ReplaceEventsFrom(ctx, from, batch)
	} else {
		err = ix.store.InsertEvents(ctx, batch)
	}
	if err != nil {
		return false, fmt.Errorf("index: store events [%d, %d]: %w", from, to, err)
	}

	if to > ix.cfg.ReorgDepth {
		if err := ix.store.PruneIndexedBlocksBelow(ctx, to-ix.cfg.ReorgDepth); err != nil {
			ix.logger.Warn("watermark prune failed", slog.String("error", err.Error()))
		}
	}

	ix.logger.Info("indexed block range",
		slog.Uint64("from", from),
		slog.Uint64("to", to),
		slog.Uint64("head", head),
		slog.Int("trades", len(batch.Trades)),
		slog.Int("invalidations", len(batch.Invalidations)),
		slog.Int("settlements", len(batch.Settlements)))

	if rewound || !batch.Empty() {
		ix.publishBatch(ctx, batch)
		ix.notifyEvents()
	}
	ix.noteProgress()
	return to < head, nil
}

// publishBatch announces newly indexed transitions on the bus.
// Delivery is best effort; stored history is the source of truth.
func (ix *Indexer) publishBatch(ctx context.Context, batch *domain.EventBatch) {
	if ix.bus == nil {
		return
	}
	now := ix.now().UTC()
	publish := func(typ domain.OrderEventType, uid domain.OrderUid, block uint64) {
		err := ix.bus.Publish(ctx, domain.OrderEvent{
			Type:      typ,
			OrderUid:  &uid,
			Block:     block,
			Timestamp: now,
		})
		if err != nil {
			ix.logger.Warn("event publish failed",
				slog.String("type", string(typ)),
				slog.String("error", err.Error()))
		}
	}
	for _, trade := range batch.Trades {
		publish(domain.OrderEventTraded, trade.OrderUid, trade.BlockNumber)
	}
	for _, inv := range batch.Invalidations {
		publish(domain.OrderEventInvalidated, inv.OrderUid, inv.BlockNumber)
	}
}

// verifiedAncestor returns the highest block at or below top whose
// stored watermark hash still matches the chain, stepping back in
// powers of two. Blocks without a stored watermark cannot be verified
// and are skipped. When nothing inside the reorg window matches, the
// window floor is returned and everything above it is refetched.
func (ix *Indexer) verifiedAncestor(ctx context.Context, top uint64) (uint64, error) {
	floor := uint64(0)
	if top > ix.cfg.ReorgDepth {
		floor = top - ix.cfg.ReorgDepth
	}
	if start := ix.cfg.StartBlock; start > 0 && floor < start-1 {
		floor = start - 1
	}

	dist := uint64(0)
	for {
		var candidate uint64
		if top > dist {
			candidate = top - dist
		}
		if candidate <= floor {
			return floor, nil
		}

		known, match, err := ix.compareWatermark(ctx, candidate)
		if err != nil {
			return 0, err
		}
		if known && match {
			return candidate, nil
		}

		if dist == 0 {
			dist = 1
		} else {
			dist *= 2
		}
	}
}

func (ix *Indexer) compareWatermark(ctx context.Context, block uint64) (known, match bool, err error) {
	stored, err := ix.store.IndexedBlockHash(ctx, block)
	if errors.Is(err, domain.ErrNotFound) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("index: read watermark %d: %w", block, err)
	}
	info, err := ix.chain.BlockInfo(ctx, block)
	if err != nil {
		return false, false, fmt.Errorf("index: chain block %d: %w", block, err)
	}
	return true, info.Hash == stored, nil
}

func (ix *Indexer) reportReorg(ctx context.Context, last, ancestor uint64) {
	depth := last - ancestor
	ix.logger.Warn("chain reorg detected",
		slog.Uint64("cursor", last),
		slog.Uint64("ancestor", ancestor),
		slog.Uint64("depth", depth))

	if ix.alerts == nil || ix.cfg.DeepReorgAlert == 0 || depth < ix.cfg.DeepReorgAlert {
		return
	}
	err := ix.alerts.Notify(ctx, "deep_reorg", "deep chain reorg",
		fmt.Sprintf("rolled back %d blocks to ancestor %d", depth, ancestor))
	if err != nil {
		ix.logger.Warn("reorg alert failed", slog.String("error", err.Error()))
	}
}

func (ix *Indexer) notifyEvents() {
	if ix.onEvents != nil {
		ix.onEvents()
	}
}

func (ix *Indexer) noteProgress() {
	ix.lastProgress = ix.now()
	if ix.stalled {
		ix.stalled = false
		ix.logger.Info("indexer recovered from stall")
	}
}

// checkStall alerts once when no pass has completed within the
// configured window; a later successful pass re-arms the alert.
func (ix *Indexer) checkStall(ctx context.Context) {
	window := ix.cfg.StallAlert.Duration
	if window <= 0 || ix.stalled {
		return
	}
	if ix.now().Sub(ix.lastProgress) <= window {
		return
	}
	ix.stalled = true
	ix.logger.Error("indexer stalled", slog.Duration("window", window))
	if ix.alerts == nil {
		return
	}
	err := ix.alerts.Notify(ctx, "indexer_stall", "chain indexer stalled",
		fmt.Sprintf("no indexing progress for more than %s", window))
	if err != nil {
		ix.logger.Warn("stall alert failed", slog.String("error", err.Error()))
	}
}
