package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/marketsettle/internal/domain"
	"github.com/alanyoungcy/marketsettle/internal/server/handler"
	"github.com/alanyoungcy/marketsettle/internal/server/middleware"
	"github.com/alanyoungcy/marketsettle/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Collateral *handler.CollateralHandler
}

// Server is the HTTP + WebSocket API of the settlement service.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths bypass API key authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer creates a new Server with all routes registered. limiter and
// wsHub may be nil.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      Routes(cfg, handlers, wsHub, limiter, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{
		httpServer: srv,
		logger:     logger,
	}
}

// Routes builds the routed handler wrapped in middleware.
func Routes(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Market lifecycle.
	mux.HandleFunc("GET /api/markets", handlers.Markets.ListMarkets)
	mux.HandleFunc("POST /api/markets", handlers.Markets.CreateMarket)
	mux.HandleFunc("GET /api/markets/{id}", handlers.Markets.GetMarket)
	mux.HandleFunc("GET /api/markets/{id}/addresses", handlers.Markets.Addresses)
	mux.HandleFunc("POST /api/markets/{id}/split", handlers.Markets.Split)
	mux.HandleFunc("POST /api/markets/{id}/merge", handlers.Markets.Merge)
	mux.HandleFunc("POST /api/markets/{id}/settle", handlers.Markets.Settle)
	mux.HandleFunc("POST /api/markets/{id}/claim", handlers.Markets.Claim)
	mux.HandleFunc("GET /api/markets/{id}/claims", handlers.Markets.Claims)
	mux.HandleFunc("GET /api/markets/{id}/claims/{claimant}", handlers.Markets.ClaimStatus)
	mux.HandleFunc("GET /api/markets/{id}/history", handlers.Markets.History)
	mux.HandleFunc("GET /api/markets/{id}/balances/{owner}", handlers.Markets.Balances)
	mux.HandleFunc("GET /api/markets/{id}/reconcile", handlers.Markets.Reconcile)

	// Collateral administration.
	if handlers.Collateral != nil {
		mux.HandleFunc("POST /api/collateral", handlers.Collateral.Register)
		mux.HandleFunc("POST /api/collateral/{mint}/deposit", handlers.Collateral.Deposit)
		mux.HandleFunc("GET /api/collateral/{mint}/balances/{owner}", handlers.Collateral.Balance)
	}

	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, publicPaths...)(h)
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger, publicPaths...)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
