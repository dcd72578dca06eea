package webhook

import (
	"context"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// Emitter dispatches one event.
type Emitter interface {
	Emit(ctx context.Context, ev plugin.Event) (*dispatch.EmitResult, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single signed ingress path.
type EndpointConfig struct {
	Path            string
	Source          string
	Event           string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

// envelope is the request body of endpoints without a fixed event.
type envelope struct {
	Name        string         `json:"name"`
	SessionID   string         `json:"session_id"`
	BackendType string         `json:"backend_type,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

// Response is returned once the event has been dispatched.
type Response struct {
	EventID string               `json:"event_id"`
	Result  *dispatch.EmitResult `json:"result"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Hookwarden-Signature"
)
