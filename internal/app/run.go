package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/auctionmesh/orderbook/internal/auction"
	"github.com/auctionmesh/orderbook/internal/domain"
)

// shutdownGrace bounds how long in-flight HTTP requests may finish after
// the context is cancelled.
const shutdownGrace = 10 * time.Second

// runAPI serves the order book API: the HTTP server, the WebSocket hub,
// the solvable-orders cache, and the quote result eviction loop. Order
// events flow from Redis into the hub so every API replica streams
// events regardless of which replica stored them.
func (a *App) runAPI(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startAPI(ctx, g)
	return g.Wait()
}

// runIndexer follows the settlement contract and projects events into
// Postgres. It serves no HTTP traffic.
func (a *App) runIndexer(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting indexer mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.deps.Indexer.RunLoop(ctx)
	})
	return g.Wait()
}

// runAll runs the API and the indexer in one process. The indexer
// triggers the local auction cache directly, so rebuilds follow new
// events without waiting for the next poll.
func (a *App) runAll(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting all mode")

	g, ctx := errgroup.WithContext(ctx)
	a.deps.Indexer.OnEvents(a.deps.Cache.Trigger)
	g.Go(func() error {
		return a.deps.Indexer.RunLoop(ctx)
	})
	a.startAPI(ctx, g)
	return g.Wait()
}

// startAPI launches the API-side goroutines onto the group.
func (a *App) startAPI(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return a.deps.Server.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return a.deps.Server.Shutdown(shutdownCtx)
	})

	a.seedAuction(ctx)
	g.Go(func() error {
		return a.deps.Cache.RunLoop(ctx)
	})
	g.Go(func() error {
		return a.deps.Engine.RunEvictionLoop(ctx, time.Minute)
	})

	if a.deps.Hub != nil {
		g.Go(func() error {
			return a.deps.Hub.Run(ctx)
		})
		g.Go(func() error {
			return a.pumpEvents(ctx)
		})
	}
}

// seedAuction installs the most recently archived snapshot so the
// solver endpoints answer right away instead of 503ing until the first
// rebuild. Failures are logged; the rebuild loop recovers regardless.
func (a *App) seedAuction(ctx context.Context) {
	if a.deps.Archive == nil {
		return
	}
	snapshot, err := auction.LoadLatest(ctx, a.deps.Archive, a.deps.ArchivePrefix)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			a.logger.WarnContext(ctx, "auction seed failed",
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if a.deps.Cache.Seed(snapshot) {
		a.logger.InfoContext(ctx, "auction seeded from archive",
			slog.Uint64("block", snapshot.Block),
		)
	}
}

// pumpEvents forwards order events from the Redis bus into the hub. A
// dropped subscription is re-established after a short pause so a Redis
// hiccup does not silence the event stream for connected clients.
func (a *App) pumpEvents(ctx context.Context) error {
	for {
		events, err := a.deps.Bus.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "event subscription failed, retrying",
				slog.String("error", err.Error()),
			)
		} else {
			for event := range events {
				a.deps.Hub.Broadcast(event)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "event subscription ended, resubscribing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}
