package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/allocbot/internal/domain"
	"github.com/alanyoungcy/allocbot/internal/server/handler"
	"github.com/alanyoungcy/allocbot/internal/server/middleware"
	"github.com/alanyoungcy/allocbot/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps requests per client IP per RateWindow. Zero disables
	// rate limiting.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
// Nil handlers leave their routes unregistered, so reduced wirings (no
// database, no blob store) simply drop those endpoints.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Pool       *handler.PoolHandler
	Metrics    *handler.MetricsHandler
	Executions *handler.ExecutionsHandler
	Audit      *handler.AuditHandler
	Archives   *handler.ArchivesHandler
}

// Server is the headless HTTP + WebSocket API for the allocation engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (logging, CORS, auth, rate limiting) and attaches
// the WebSocket hub.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (no auth required).
	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}

	// Engine status and breaker control.
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
		mux.HandleFunc("POST /api/breaker/reset", handlers.Status.ResetBreaker)
	}

	// Capital pool.
	if handlers.Pool != nil {
		mux.HandleFunc("GET /api/pool", handlers.Pool.GetPool)
		mux.HandleFunc("GET /api/pool/counters", handlers.Pool.GetCounters)
	}

	// Strategy metrics and scoring weights.
	if handlers.Metrics != nil {
		mux.HandleFunc("GET /api/metrics", handlers.Metrics.ListMetrics)
		mux.HandleFunc("GET /api/metrics/{strategy}", handlers.Metrics.GetMetrics)
		mux.HandleFunc("GET /api/weights", handlers.Metrics.GetWeights)
		mux.HandleFunc("PUT /api/weights", handlers.Metrics.UpdateWeights)
	}

	// Execution history.
	if handlers.Executions != nil {
		mux.HandleFunc("GET /api/executions", handlers.Executions.ListRecent)
		mux.HandleFunc("GET /api/executions/profit", handlers.Executions.Profit)
		mux.HandleFunc("GET /api/executions/{id}", handlers.Executions.GetByID)
	}

	// Decision audit log.
	if handlers.Audit != nil {
		mux.HandleFunc("GET /api/audit", handlers.Audit.List)
	}

	// Cold-storage archives.
	if handlers.Archives != nil {
		mux.HandleFunc("GET /api/archives", handlers.Archives.List)
		mux.HandleFunc("GET /api/archives/{path...}", handlers.Archives.Download)
	}

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
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
