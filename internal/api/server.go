package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/hookwarden/internal/auth"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PluginManager is the part of the dispatch engine the API drives.
type PluginManager interface {
	List(ctx context.Context) ([]dispatch.RuntimeInfo, error)
	Get(ctx context.Context, id string) (*dispatch.RuntimeInfo, error)
	SetEnabled(ctx context.Context, id string, enabled bool) (*dispatch.RuntimeInfo, error)
	UpdateConfig(ctx context.Context, id string, config any) (*dispatch.RuntimeInfo, error)
	UpdateCapabilityGrants(ctx context.Context, id string, partial map[string]any) (*dispatch.RuntimeInfo, error)
	Stats(id string) (telemetry.Stats, bool)
	Emit(ctx context.Context, ev plugin.Event) (*dispatch.EmitResult, error)
	DryRun(ctx context.Context, id string, ev plugin.Event, configOverride any) (*dispatch.EmitResult, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with full access.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens          []auth.TokenConfig
	ShutdownTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	manager   PluginManager
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	metrics   *prometheus.Registry
	keyring   *auth.Keyring
}

// New creates a new API server instance
func New(config Config, manager PluginManager, hub *events.Hub, logger *slog.Logger) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(newPluginCollector(manager))

	return &Server{
		config:    config,
		manager:   manager,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
		metrics:   reg,
		keyring:   auth.NewKeyring(config.APIKey, config.Tokens),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events is a long-lived stream.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopePluginsRO))
			r.Get("/plugins", s.handleListPlugins)
			r.Get("/plugins/{id}", s.handleGetPlugin)
			r.Get("/plugins/{id}/stats", s.handlePluginStats)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopePluginsRW))
			r.Put("/plugins/{id}/enabled", s.handleSetEnabled)
			r.Put("/plugins/{id}/config", s.handleUpdateConfig)
			r.Put("/plugins/{id}/grants", s.handleUpdateGrants)
			r.Post("/plugins/{id}/dry-run", s.handleDryRun)
		})

		r.With(s.requireScopes(auth.ScopeEventsRW)).Post("/events", s.handleEmit)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
