// Package app wires the settlement engine to its storage, locks, caches,
// object storage and notifiers, and runs it in the configured mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/alanyoungcy/marketsettle/internal/config"
)

// App owns one run of settlementd.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	mu      sync.Mutex
	release []func()
}

func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger.With(slog.String("component", "app"))}
}

// modes maps config.Mode to its runner.
var modes = map[string]func(*App, context.Context, *Dependencies) error{
	"api":     (*App).APIMode,
	"archive": (*App).ArchiveMode,
	"full":    (*App).FullMode,
}

// Run wires dependencies and blocks in the configured mode until ctx ends.
// Resources stay open until Close.
func (a *App) Run(ctx context.Context) error {
	run, ok := modes[strings.ToLower(a.cfg.Mode)]
	if !ok {
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.onClose(cleanup)

	a.logger.InfoContext(ctx, "settlement program ready",
		slog.String("mode", a.cfg.Mode),
		slog.String("program", deps.Authority.Program().Hex()),
		slog.String("storage", a.cfg.Storage.Backend),
		slog.String("deadline_policy", a.cfg.Settlement.DeadlinePolicy),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("archive", deps.Archiver != nil),
	)
	return run(a, ctx, deps)
}

func (a *App) onClose(fn func()) {
	a.mu.Lock()
	a.release = append(a.release, fn)
	a.mu.Unlock()
}

// Close releases what Run opened, newest first. Later calls do nothing.
func (a *App) Close() {
	a.mu.Lock()
	release := a.release
	a.release = nil
	a.mu.Unlock()

	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
	if len(release) > 0 {
		a.logger.Info("resources released")
	}
}
