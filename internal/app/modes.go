package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/marketsettle/internal/crypto"
	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/metrics"
	"github.com/alanyoungcy/marketsettle/internal/server"
	"github.com/alanyoungcy/marketsettle/internal/server/handler"
	"github.com/alanyoungcy/marketsettle/internal/server/ws"
	"github.com/alanyoungcy/marketsettle/internal/service"
)

// shutdownTimeout bounds graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// APIMode serves the HTTP and WebSocket API until ctx is cancelled.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	engine, err := a.NewEngine(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)
	return g.Wait()
}

// ArchiveMode periodically exports settled markets to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the API and, when enabled, the archiver in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	engine, err := a.NewEngine(deps)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, engine)

	if a.cfg.Archive.Enabled {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "archive.enabled is false; settled markets stay in the primary store only")
	}

	return g.Wait()
}

// NewEngine builds the settlement engine from deps and attaches every
// configured side-effect collaborator.
func (a *App) NewEngine(deps *Dependencies) (*service.Engine, error) {
	policy, err := service.ParseDeadlinePolicy(a.cfg.Settlement.DeadlinePolicy)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	engine := service.NewEngine(deps.Store, deps.Authority, deps.Locks, service.EngineConfig{
		DeadlinePolicy: policy,
		LockTTL:        a.cfg.Locks.TTL.Duration,
		AcquireTimeout: a.cfg.Locks.AcquireTimeout.Duration,
	}, a.logger)

	if deps.MarketCache != nil {
		engine.WithCache(deps.MarketCache)
	}
	if deps.SignalBus != nil {
		engine.WithBus(deps.SignalBus)
	}
	if deps.Notifier != nil && deps.Notifier.Enabled() {
		engine.WithNotifier(deps.Notifier)
	}
	if deps.Metadata != nil {
		engine.WithMetadata(deps.Metadata)
	}
	return engine, nil
}

// startHTTPServer adds the HTTP server, its shutdown watcher and, when a bus
// is wired, the WebSocket hub to g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, engine *service.Engine) {
	if !a.cfg.Server.Enabled {
		a.logger.WarnContext(ctx, "server.enabled is false; the engine is not reachable over HTTP")
		return
	}

	markets := handler.NewMarketHandler(engine, a.logger)
	if a.cfg.Server.RequireSettleSignature {
		program := deps.Authority.Program()
		markets.RequireSettleSignatures(func(id uint64, outcome domain.Outcome, caller, sig string) error {
			return crypto.VerifySettlement(program, id, outcome, caller, sig)
		})
	}

	collateral := service.NewCollateralService(deps.Store, deps.Authority, a.logger)
	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(deps.Health, a.logger),
		Markets:    markets,
		Collateral: handler.NewCollateralHandler(collateral, a.logger),
	}

	var hub *ws.Hub
	if deps.SignalBus != nil {
		hub = ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			Program:   engine.Program(),
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			if err := hub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	} else {
		a.logger.InfoContext(ctx, "no signal bus configured; /ws is disabled")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver adds the periodic archive loop to g. The first run happens
// immediately.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("archiver unavailable: s3.bucket is not configured")
	}
	interval := a.cfg.Archive.Interval.Duration

	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := a.RunArchive(ctx, deps); err != nil && ctx.Err() == nil {
				a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	a.logger.InfoContext(ctx, "archiver scheduled",
		slog.Duration("interval", interval),
		slog.Int("retention_days", a.cfg.Archive.RetentionDays),
	)
	return nil
}

// RunArchive archives markets settled more than archive.retention_days ago
// and returns how many were newly written.
func (a *App) RunArchive(ctx context.Context, deps *Dependencies) (int64, error) {
	if deps.Archiver == nil {
		return 0, errors.New("archiver unavailable: s3.bucket is not configured")
	}
	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	start := time.Now()
	n, err := deps.Archiver.ArchiveSettledMarkets(ctx, before)
	metrics.RecordArchive(n, err)
	if err != nil {
		return n, fmt.Errorf("archive settled markets: %w", err)
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("archived", n),
		slog.Time("settled_before", before),
		slog.Duration("elapsed", time.Since(start)),
	)
	return n, nil
}
