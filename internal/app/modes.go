package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opengrove/marketd/internal/notify"
	"github.com/opengrove/marketd/internal/server"
	"github.com/opengrove/marketd/internal/server/handler"
	"github.com/opengrove/marketd/internal/server/ws"
	"github.com/opengrove/marketd/internal/service"
	"github.com/opengrove/marketd/internal/settlement"
)

// shutdownGrace bounds how long in-flight requests may run after the context
// is cancelled.
const shutdownGrace = 10 * time.Second

// ServeMode runs the full stack: HTTP API, websocket hub, notification
// relay, and the periodic receipt-archive sweep. It blocks until the context
// is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)

	srv := a.buildServer(deps)
	g.Go(func() error { return a.runServer(ctx, srv) })

	if a.hub != nil {
		g.Go(func() error { return a.hub.Run(ctx) })
	}

	if deps.Notifier != nil && deps.SignalBus != nil {
		relay := notify.NewRelay(deps.SignalBus, deps.Notifier, a.logger)
		g.Go(func() error { return relay.Run(ctx) })
	}

	if deps.Archiver != nil && a.cfg.Archive.RetentionDays > 0 {
		g.Go(func() error { return a.runArchiveSweep(ctx, deps) })
	}

	return g.Wait()
}

// LocalMode serves the HTTP API against the in-process store with no
// external dependencies. Settlements work end to end; events, caching, and
// archival are disabled.
func (a *App) LocalMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "local mode: no redis, no archive, ephemeral state")

	g, ctx := errgroup.WithContext(ctx)
	srv := a.buildServer(deps)
	g.Go(func() error { return a.runServer(ctx, srv) })
	return g.Wait()
}

// buildServer assembles services, the orchestrator, and handlers into a
// configured HTTP server. Nil optional dependencies simply disable their
// feature (no hub without a bus, no edge lock without a lock manager).
func (a *App) buildServer(deps *Dependencies) *server.Server {
	logger := a.logger

	marketplaces := service.NewMarketplaceService(deps.UnitOfWork, deps.SignalBus, logger)
	escrow := service.NewEscrowService(deps.UnitOfWork, deps.SignalBus, logger)
	trades := service.NewTradeService(deps.UnitOfWork, deps.Selector, deps.Proxy, deps.ListingCache, deps.SignalBus, logger)
	orchestrator := settlement.New(deps.UnitOfWork, deps.Selector, deps.Proxy, deps.ListingCache, deps.SignalBus, deps.Archiver, logger)

	handlers := server.Handlers{
		Health:       handler.NewHealthHandler(a.cfg.Mode, logger),
		Marketplaces: handler.NewMarketplaceHandler(marketplaces, logger),
		Escrow:       handler.NewEscrowHandler(escrow, logger),
		Trades:       handler.NewTradeHandler(trades, logger),
		Settlements:  handler.NewSettlementHandler(orchestrator, deps.LockManager, logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, logger)
		a.hub = hub
	}

	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, logger)
}

// runServer starts srv and shuts it down gracefully when ctx is cancelled.
func (a *App) runServer(ctx context.Context, srv *server.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn("server shutdown incomplete", slog.String("error", err.Error()))
		}
		<-errCh
		return ctx.Err()
	}
}

// runArchiveSweep periodically moves receipts older than the retention
// window to cold storage.
func (a *App) runArchiveSweep(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.SweepInterval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)
			n, err := deps.Archiver.ArchiveBefore(ctx, cutoff)
			if err != nil {
				a.logger.WarnContext(ctx, "archive sweep failed",
					slog.String("error", err.Error()),
				)
				continue
			}
			if n > 0 {
				a.logger.InfoContext(ctx, "archived settlement receipts",
					slog.Int64("count", n),
					slog.Time("cutoff", cutoff),
				)
			}
		}
	}
}
