package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/wacast/internal/broadcast"
	"github.com/foxzi/wacast/internal/campaign"
	"github.com/foxzi/wacast/internal/config"
	"github.com/foxzi/wacast/internal/conversation"
	"github.com/foxzi/wacast/internal/ipfilter"
	"github.com/foxzi/wacast/internal/metrics"
	"github.com/foxzi/wacast/internal/usage"
	"github.com/foxzi/wacast/internal/warmup"
)

// Deps are the campaign services the API drives
type Deps struct {
	Supervisor   *campaign.Supervisor
	Broadcast    *broadcast.Runner
	Warmup       *warmup.Engine
	Conversation *conversation.Engine
	Usage        *usage.Limiter // nil when usage limits are disabled

	DefaultProvider string
	Version         string
}

// Server is the campaign control API
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	deps       Deps
	registry   *campaign.Registry
	config     *config.APIConfig
	filter     *ipfilter.Filter
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.APIConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		registry:  deps.Supervisor.Registry(),
		config:    cfg,
		filter:    ipfilter.New(cfg.AllowedIPs, logger),
		logger:    logger,
		startTime: time.Now(),
	}
	if s.filter.Enabled() {
		logger.Info("API IP filtering enabled", "allowed_networks", s.filter.Count())
	}
	if cfg.JWTSecret == "" {
		logger.Warn("api.jwt_secret is empty, trusting X-Owner-ID header")
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(s.filter.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/start", s.handleStart)
			r.Post("/stop", s.handleStop)
			r.Get("/status", s.handleStatus)

			r.Get("/{id}", s.handleGet)
			r.Delete("/{id}", s.handleDelete)
			r.Post("/{id}/stop", s.handleStopByID)
			r.Get("/{id}/report", s.handleReport)
		})

		r.Get("/usage", s.handleUsage)
	})
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
