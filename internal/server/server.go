// Package server exposes the marketplace over HTTP and WebSocket. Handlers
// stay thin: every state transition goes through the service layer, and the
// hub only relays committed-state events.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/opengrove/marketd/internal/domain"
	"github.com/opengrove/marketd/internal/server/handler"
	"github.com/opengrove/marketd/internal/server/middleware"
	"github.com/opengrove/marketd/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// the middleware even when a limiter is supplied.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health       *handler.HealthHandler
	Marketplaces *handler.MarketplaceHandler
	Escrow       *handler.EscrowHandler
	Trades       *handler.TradeHandler
	Settlements  *handler.SettlementHandler
}

// Server is the HTTP + WebSocket API server for the marketplace engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, logging, CORS, auth) applied. limiter
// and wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Marketplace configuration.
	mux.HandleFunc("POST /api/marketplaces", handlers.Marketplaces.Create)
	mux.HandleFunc("GET /api/marketplaces/{addr}", handlers.Marketplaces.Get)
	mux.HandleFunc("PATCH /api/marketplaces/{addr}", handlers.Marketplaces.UpdateConfig)
	mux.HandleFunc("POST /api/marketplaces/{addr}/treasury/withdraw", handlers.Marketplaces.WithdrawTreasury)

	// Escrow ledger.
	mux.HandleFunc("POST /api/escrow/deposits", handlers.Escrow.Deposit)
	mux.HandleFunc("POST /api/escrow/withdrawals", handlers.Escrow.Withdraw)
	mux.HandleFunc("GET /api/escrow/balance", handlers.Escrow.Balance)

	// Listings and bids.
	mux.HandleFunc("POST /api/listings", handlers.Trades.CreateListing)
	mux.HandleFunc("DELETE /api/listings/{addr}", handlers.Trades.CancelListing)
	mux.HandleFunc("POST /api/listings/{addr}/reprice", handlers.Trades.Reprice)
	mux.HandleFunc("POST /api/bids", handlers.Trades.CreateBid)
	mux.HandleFunc("DELETE /api/bids/{addr}", handlers.Trades.CancelBid)
	mux.HandleFunc("GET /api/records", handlers.Trades.ListRecords)
	mux.HandleFunc("GET /api/records/{addr}", handlers.Trades.GetRecord)
	mux.HandleFunc("POST /api/assets/{asset}/migrate", handlers.Trades.Migrate)

	// Settlement and receipts.
	mux.HandleFunc("POST /api/settlements", handlers.Settlements.Settle)
	mux.HandleFunc("GET /api/receipts", handlers.Settlements.ListReceipts)
	mux.HandleFunc("GET /api/receipts/{id}", handlers.Settlements.GetReceipt)

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain, innermost first.
	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
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

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
