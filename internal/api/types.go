package api

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error    string `json:"error"`
	PluginID string `json:"plugin_id,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status          string `json:"status"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	PluginsLoaded   int    `json:"plugins_loaded"`
	PluginsDegraded int    `json:"plugins_degraded"`
}

// PluginListResponse is returned by GET /plugins.
type PluginListResponse struct {
	Plugins []dispatch.RuntimeInfo `json:"plugins"`
}

// PluginStatsResponse is returned by GET /plugins/{id}/stats.
type PluginStatsResponse struct {
	PluginID string          `json:"plugin_id"`
	Stats    telemetry.Stats `json:"stats"`
}

// SetEnabledRequest is the body of PUT /plugins/{id}/enabled.
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateConfigRequest is the body of PUT /plugins/{id}/config.
type UpdateConfigRequest struct {
	Config json.RawMessage `json:"config"`
}

// UpdateGrantsRequest is the body of PUT /plugins/{id}/grants.
type UpdateGrantsRequest struct {
	Grants map[string]any `json:"grants"`
}

// EventRequest describes an event to dispatch.
type EventRequest struct {
	Name        string         `json:"name"`
	Source      string         `json:"source,omitempty"`
	SessionID   string         `json:"session_id,omitempty"`
	BackendType string         `json:"backend_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// DryRunRequest is the body of POST /plugins/{id}/dry-run.
type DryRunRequest struct {
	Event  EventRequest    `json:"event"`
	Config json.RawMessage `json:"config,omitempty"`
}

// EmitResponse wraps a dispatch result with the identity of the event.
type EmitResponse struct {
	EventID    string               `json:"event_id"`
	DurationMs int64                `json:"duration_ms"`
	Result     *dispatch.EmitResult `json:"result"`
	At         time.Time            `json:"at"`
}
