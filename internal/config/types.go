package config

import "time"

// Config is the complete hookwarden service configuration.
type Config struct {
	Service ServiceConfig         `yaml:"service"`
	State   StateConfig           `yaml:"state"`
	API     APIConfig             `yaml:"api,omitempty"`
	Plugins map[string]PluginConf `yaml:"plugins,omitempty"`
	// Webhooks is an optional signed event ingress on its own listener.
	Webhooks *WebhooksConfig `yaml:"webhooks,omitempty"`

	// SourcePath is the absolute path the config was loaded from.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name            string        `yaml:"name"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Tracing         TracingConfig `yaml:"tracing,omitempty"`
}

// TracingConfig exports plugin execution spans over OTLP/gRPC.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	// SampleRatio is the fraction of root traces kept; 0 means 1.0.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// State backends.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// StateConfig selects where plugin settings are persisted.
type StateConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	// Lock takes an exclusive lock next to Path so only one process writes.
	// Nil means enabled for durable backends.
	Lock *bool `yaml:"lock,omitempty"`
}

// LockEnabled reports whether a single-writer lock should be taken.
func (s StateConfig) LockEnabled() bool {
	if s.Backend == BackendMemory {
		return false
	}
	return s.Lock == nil || *s.Lock
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// InsightBuffer is the number of recent hub events kept for late SSE clients.
	InsightBuffer int `yaml:"insight_buffer"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// WebhooksConfig defines the signed event ingress.
type WebhooksConfig struct {
	Listen    string            `yaml:"listen"`
	Endpoints []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookEndpoint accepts HMAC-signed events on one path.
type WebhookEndpoint struct {
	Path string `yaml:"path"`
	// Source is stamped into the meta of every event received here.
	Source string `yaml:"source"`
	// Event fixes the event name; the body is then the event data. Without
	// it the body is a full event envelope.
	Event           string `yaml:"event,omitempty"`
	Secret          string `yaml:"secret"`
	SignatureHeader string `yaml:"signature_header,omitempty"`
	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix.
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// PluginConf seeds the persisted settings of one plugin. It is applied only
// when nothing has been persisted for that plugin yet.
type PluginConf struct {
	Enabled *bool           `yaml:"enabled,omitempty"`
	Config  any             `yaml:"config,omitempty"`
	Grants  map[string]bool `yaml:"grants,omitempty"`
}

// ChecksumManifest is the on-disk .checksums document.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "hookwarden",
			LogLevel:        "info",
			LogFormat:       "json",
			ShutdownTimeout: 10 * time.Second,
			Tracing: TracingConfig{
				Endpoint:    "127.0.0.1:4317",
				SampleRatio: 1.0,
			},
		},
		State: StateConfig{
			Backend: BackendSQLite,
			Path:    "./data/hookwarden.db",
		},
		API: APIConfig{
			Enabled:       false,
			Listen:        "127.0.0.1:8787",
			InsightBuffer: 256,
		},
		Plugins: make(map[string]PluginConf),
	}
}
