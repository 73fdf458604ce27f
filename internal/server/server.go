// Package server assembles the order book HTTP API: route registration,
// the middleware chain, and server lifecycle.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/auctionmesh/orderbook/internal/config"
	"github.com/auctionmesh/orderbook/internal/domain"
	"github.com/auctionmesh/orderbook/internal/server/handler"
	"github.com/auctionmesh/orderbook/internal/server/middleware"
	"github.com/auctionmesh/orderbook/internal/server/ws"
)

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health  *handler.HealthHandler
	Version *handler.VersionHandler
	Orders  *handler.OrderHandler
	Trades  *handler.TradeHandler
	Quotes  *handler.QuoteHandler
	Auction *handler.AuctionHandler
	AppData *handler.AppDataHandler
}

// Server is the order book HTTP + WebSocket API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a Server with all routes registered. solverGuard gates the
// solver_orders endpoint; limiter backs the per-IP rate limit and may be
// nil to disable it.
func New(
	cfg config.ServerConfig,
	handlers Handlers,
	hub *ws.Hub,
	solverGuard middleware.KeyVerifier,
	limiter domain.RateLimiter,
	logger *slog.Logger,
) *Server {
	mux := http.NewServeMux()

	// Liveness sits outside the /api tree so load balancers can reach it
	// with a path-prefix rule.
	mux.HandleFunc("GET /health", handlers.Health.Check)
	mux.HandleFunc("GET /api/v1/version", handlers.Version.Version)

	// Orders.
	mux.HandleFunc("POST /api/v1/orders", handlers.Orders.Create)
	mux.HandleFunc("GET /api/v1/orders", handlers.Orders.List)
	mux.HandleFunc("GET /api/v1/orders/{uid}", handlers.Orders.ByUid)
	mux.HandleFunc("DELETE /api/v1/orders/{uid}", handlers.Orders.Delete)
	mux.HandleFunc("GET /api/v1/account/{owner}/orders", handlers.Orders.ByAccount)
	mux.HandleFunc("GET /api/v1/transactions/{txHash}/orders", handlers.Orders.ByTx)

	// Trades.
	mux.HandleFunc("GET /api/v1/trades", handlers.Trades.List)

	// Fees and quotes.
	mux.HandleFunc("GET /api/v1/fee", handlers.Quotes.Fee)
	mux.HandleFunc("GET /api/v1/markets/{pair}/{kind}/{amount}", handlers.Quotes.Markets)
	mux.HandleFunc("GET /api/v1/feeAndQuote/sell", handlers.Quotes.FeeAndQuoteSell)
	mux.HandleFunc("GET /api/v1/feeAndQuote/buy", handlers.Quotes.FeeAndQuoteBuy)
	mux.HandleFunc("POST /api/v1/quote", handlers.Quotes.Quote)

	// Solver-facing snapshots.
	mux.HandleFunc("GET /api/v1/solvable_orders", handlers.Auction.SolvableV1)
	mux.HandleFunc("GET /api/v2/solvable_orders", handlers.Auction.SolvableV2)
	mux.HandleFunc("GET /api/v1/auction", handlers.Auction.Auction)
	mux.Handle("GET /api/v1/solver_orders",
		middleware.SolverAuth(solverGuard)(http.HandlerFunc(handlers.Auction.SolverOrders)))

	// App data.
	mux.HandleFunc("POST /api/v1/app_data", handlers.AppData.Register)
	mux.HandleFunc("GET /api/v1/app_data/{hash}", handlers.AppData.ByHash)

	// Event stream.
	if cfg.WSEnabled && hub != nil {
		mux.HandleFunc("GET /api/v1/events", hub.Handle)
	}

	// Middleware chain, innermost first: the recover wrapper must be the
	// outermost so it also covers the other middleware.
	var h http.Handler = mux
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.RateLimit(limiter, cfg.RateLimitRequests, cfg.RateLimitWindow.Duration)(h)
	h = middleware.Logging(logger)(h)
	h = middleware.RequestID()(h)
	h = middleware.Recover(logger)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout.Duration,
		WriteTimeout: cfg.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
