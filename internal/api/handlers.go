package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.List(r.Context())
	if err != nil {
		s.logger.Error("failed to list plugins", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read plugin state")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		PluginsLoaded: len(infos),
	}
	for _, info := range infos {
		if info.Health.Status == telemetry.HealthDegraded {
			resp.PluginsDegraded++
		}
	}
	if resp.PluginsDegraded > 0 {
		resp.Status = "degraded"
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleListPlugins handles GET /plugins.
func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	infos, err := s.manager.List(r.Context())
	if err != nil {
		s.writeManagerError(w, "", err)
		return
	}
	respondJSON(w, http.StatusOK, PluginListResponse{Plugins: infos})
}

// handleGetPlugin handles GET /plugins/{id}.
func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	info, err := s.manager.Get(r.Context(), id)
	s.respondInfo(w, id, info, err)
}

// handlePluginStats handles GET /plugins/{id}/stats.
func (s *Server) handlePluginStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	stats, ok := s.manager.Stats(id)
	if !ok {
		s.writePluginNotFound(w, id)
		return
	}
	respondJSON(w, http.StatusOK, PluginStatsResponse{PluginID: id, Stats: stats})
}

// handleSetEnabled handles PUT /plugins/{id}/enabled.
func (s *Server) handleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SetEnabledRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		s.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	info, err := s.manager.SetEnabled(r.Context(), id, *req.Enabled)
	if err == nil && info != nil {
		s.hub.Publish(events.TypePluginChanged, events.PluginChange{PluginID: id, Field: "enabled"})
	}
	s.respondInfo(w, id, info, err)
}

// handleUpdateConfig handles PUT /plugins/{id}/config.
func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateConfigRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Config) == 0 {
		s.writeError(w, http.StatusBadRequest, "config is required")
		return
	}
	cfg, err := decodeOpaque(req.Config)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "config must be valid JSON")
		return
	}

	info, err := s.manager.UpdateConfig(r.Context(), id, cfg)
	if err == nil && info != nil {
		s.hub.Publish(events.TypePluginChanged, events.PluginChange{PluginID: id, Field: "config"})
	}
	s.respondInfo(w, id, info, err)
}

// handleUpdateGrants handles PUT /plugins/{id}/grants.
func (s *Server) handleUpdateGrants(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateGrantsRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.manager.UpdateCapabilityGrants(r.Context(), id, req.Grants)
	if err == nil && info != nil {
		s.hub.Publish(events.TypePluginChanged, events.PluginChange{PluginID: id, Field: "grants"})
	}
	s.respondInfo(w, id, info, err)
}

// handleDryRun handles POST /plugins/{id}/dry-run.
func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req DryRunRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := req.Event.toEvent("api.dry-run")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var override any
	if len(req.Config) > 0 {
		if override, err = decodeOpaque(req.Config); err != nil {
			s.writeError(w, http.StatusBadRequest, "config must be valid JSON")
			return
		}
	}

	start := time.Now()
	res, err := s.manager.DryRun(r.Context(), id, ev, override)
	if err != nil {
		s.writeManagerError(w, id, err)
		return
	}
	if res == nil {
		s.writePluginNotFound(w, id)
		return
	}
	respondJSON(w, http.StatusOK, EmitResponse{
		EventID:    ev.Meta.EventID,
		DurationMs: time.Since(start).Milliseconds(),
		Result:     res,
		At:         ev.Meta.Timestamp,
	})
}

// handleEmit handles POST /events.
func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	var req EventRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ev, err := req.toEvent("api")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	res, err := s.manager.Emit(r.Context(), ev)
	if err != nil {
		s.writeManagerError(w, "", err)
		return
	}
	elapsed := time.Since(start)

	s.hub.Publish(events.TypeDispatch, res.Summary(ev, elapsed))

	respondJSON(w, http.StatusOK, EmitResponse{
		EventID:    ev.Meta.EventID,
		DurationMs: elapsed.Milliseconds(),
		Result:     res,
		At:         ev.Meta.Timestamp,
	})
}

func (req EventRequest) toEvent(defaultSource string) (plugin.Event, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return plugin.Event{}, errors.New("event name is required")
	}
	if name == plugin.EventWildcard {
		return plugin.Event{}, errors.New("event name must not be the wildcard")
	}
	source := req.Source
	if source == "" {
		source = defaultSource
	}
	ev := plugin.NewEvent(name, source, req.SessionID, req.Data)
	ev.Meta.BackendType = req.BackendType
	return ev, nil
}

func (s *Server) respondInfo(w http.ResponseWriter, id string, info *dispatch.RuntimeInfo, err error) {
	if err != nil {
		s.writeManagerError(w, id, err)
		return
	}
	if info == nil {
		s.writePluginNotFound(w, id)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// writeManagerError maps engine errors onto HTTP statuses.
func (s *Server) writeManagerError(w http.ResponseWriter, id string, err error) {
	var cve *dispatch.ConfigValidationError
	if errors.As(err, &cve) {
		respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: cve.Error(), PluginID: cve.PluginID})
		return
	}
	s.logger.Error("plugin manager failure", "plugin", id, "error", err)
	respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "plugin state unavailable", PluginID: id})
}

func (s *Server) writePluginNotFound(w http.ResponseWriter, id string) {
	respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "plugin not found", PluginID: id})
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// decodeOpaque turns raw JSON into the generic value shape plugins validate.
func decodeOpaque(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
