package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// Server is the signed event ingress.
type Server struct {
	config  Config
	emitter Emitter
	hub     *events.Hub
	logger  *slog.Logger
	server  *http.Server

	endpoints map[string]*EndpointConfig
}

// New creates a webhook server. hub may be nil.
func New(config Config, emitter Emitter, hub *events.Hub, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig, len(config.Endpoints))
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		emitter:   emitter,
		hub:       hub,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}
	return r
}

// loggingMiddleware logs requests without their bodies.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if err := verifySignature(body, r.Header.Get(endpoint.SignatureHeader), endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature rejected", "path", r.URL.Path, "header", endpoint.SignatureHeader)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	ev, err := endpoint.decodeEvent(body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	res, err := s.emitter.Emit(r.Context(), ev)
	if err != nil {
		s.logger.Error("webhook dispatch failed", "path", r.URL.Path, "event", ev.Name, "error", err)
		s.respondError(w, http.StatusInternalServerError, "plugin state unavailable")
		return
	}
	if s.hub != nil {
		s.hub.Publish(events.TypeDispatch, res.Summary(ev, time.Since(start)))
	}

	s.respondJSON(w, http.StatusOK, Response{EventID: ev.Meta.EventID, Result: res})
}

// decodeEvent builds the event carried by body.
func (ep *EndpointConfig) decodeEvent(body []byte) (plugin.Event, error) {
	if ep.Event != "" {
		var data map[string]any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &data); err != nil {
				return plugin.Event{}, fmt.Errorf("event data must be a JSON object: %w", err)
			}
		}
		return plugin.NewEvent(ep.Event, ep.Source, "", data), nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return plugin.Event{}, fmt.Errorf("invalid event envelope: %w", err)
	}
	name := strings.TrimSpace(env.Name)
	if name == "" || name == plugin.EventWildcard {
		return plugin.Event{}, errors.New("event name is required and must not be the wildcard")
	}
	ev := plugin.NewEvent(name, ep.Source, env.SessionID, env.Data)
	ev.Meta.BackendType = env.BackendType
	return ev, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
