package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mattjoyce/hookwarden/internal/auth"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, interpolates, defaults and validates a config file. If the
// directory holding it has a .checksums manifest, the file must match it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	if err := verifyConfigHash(absPath); err != nil {
		return nil, err
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	cfg.SourcePath = absPath

	// Relative state paths are anchored at the config file.
	if cfg.State.Path != "" && !filepath.IsAbs(cfg.State.Path) {
		cfg.State.Path = filepath.Join(filepath.Dir(absPath), cfg.State.Path)
	}
	return cfg, nil
}

// Parse decodes YAML config bytes, expanding ${VAR} references in every
// scalar value, then applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	interpolateNode(&root)

	cfg := &Config{}
	if len(root.Content) > 0 {
		if err := root.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg = applyConfigDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority order: $HOOKWARDEN_CONFIG, ~/.config/hookwarden/config.yaml,
// /etc/hookwarden/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("HOOKWARDEN_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := make([]string, 0, 3)
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "hookwarden", "config.yaml"))
	}
	candidates = append(candidates, "/etc/hookwarden/config.yaml", "config.yaml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("no config file found (checked $HOOKWARDEN_CONFIG, ~/.config/hookwarden, /etc/hookwarden, ./config.yaml)")
}

func interpolateNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode && n.Tag != "!!binary" {
		n.Value = interpolateEnv(n.Value)
		return
	}
	for _, c := range n.Content {
		interpolateNode(c)
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Left in place; validation rejects it where a value is required.
		return match
	})
}

// applyConfigDefaults merges default values into config where not explicitly set.
func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Service.ShutdownTimeout == 0 {
		cfg.Service.ShutdownTimeout = defaults.Service.ShutdownTimeout
	}
	if cfg.Service.Tracing.Endpoint == "" {
		cfg.Service.Tracing.Endpoint = defaults.Service.Tracing.Endpoint
	}
	if cfg.Service.Tracing.SampleRatio == 0 {
		cfg.Service.Tracing.SampleRatio = defaults.Service.Tracing.SampleRatio
	}

	if cfg.State.Backend == "" {
		cfg.State.Backend = defaults.State.Backend
	}
	if cfg.State.Path == "" && cfg.State.Backend != BackendMemory {
		switch cfg.State.Backend {
		case BackendFile:
			cfg.State.Path = "./data/plugin-state.json"
		default:
			cfg.State.Path = defaults.State.Path
		}
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.InsightBuffer == 0 {
		cfg.API.InsightBuffer = defaults.API.InsightBuffer
	}

	if cfg.Plugins == nil {
		cfg.Plugins = make(map[string]PluginConf)
	}
	return cfg
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.ShutdownTimeout < 0 {
		return fmt.Errorf("service.shutdown_timeout must not be negative")
	}
	if r := cfg.Service.Tracing.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("service.tracing.sample_ratio must be between 0 and 1 (got %v)", r)
	}

	switch cfg.State.Backend {
	case BackendSQLite, BackendFile:
		if cfg.State.Path == "" {
			return fmt.Errorf("state.path is required for the %s backend", cfg.State.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("state.backend must be one of: sqlite, file, memory (got %q)", cfg.State.Backend)
	}

	if cfg.API.InsightBuffer < 0 {
		return fmt.Errorf("api.insight_buffer must not be negative")
	}
	if cfg.API.Enabled {
		if err := validateAPIAuth(cfg.API.Auth); err != nil {
			return err
		}
	}

	for id, pc := range cfg.Plugins {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("plugins: empty plugin id")
		}
		if err := checkUnresolvedEnvVars(pc.Config, id); err != nil {
			return err
		}
	}
	if cfg.Webhooks != nil {
		if err := validateWebhooks(cfg.Webhooks); err != nil {
			return err
		}
	}
	return nil
}

func validateWebhooks(wc *WebhooksConfig) error {
	if len(wc.Endpoints) == 0 {
		return nil
	}
	if wc.Listen == "" {
		return fmt.Errorf("webhooks.listen is required when endpoints are configured")
	}
	seen := make(map[string]int, len(wc.Endpoints))
	for i, ep := range wc.Endpoints {
		field := fmt.Sprintf("webhooks.endpoints[%d]", i)
		if !strings.HasPrefix(ep.Path, "/") {
			return fmt.Errorf("%s.path must start with / (got %q)", field, ep.Path)
		}
		normalized := strings.TrimSuffix(ep.Path, "/")
		if prev, ok := seen[normalized]; ok {
			return fmt.Errorf("%s.path %q conflicts with webhooks.endpoints[%d]", field, ep.Path, prev)
		}
		seen[normalized] = i
		if ep.Secret == "" {
			return fmt.Errorf("%s.secret is required", field)
		}
		if m := envVarPattern.FindStringSubmatch(ep.Secret); m != nil {
			return fmt.Errorf("%s.secret references unset environment variable %s", field, m[1])
		}
		if ep.Event == "*" {
			return fmt.Errorf("%s.event cannot be the wildcard", field)
		}
	}
	return nil
}

func validateAPIAuth(a APIAuthConfig) error {
	if a.APIKey == "" && len(a.Tokens) == 0 {
		return fmt.Errorf("api.auth requires api_key or tokens when the API is enabled")
	}
	if m := envVarPattern.FindStringSubmatch(a.APIKey); m != nil {
		return fmt.Errorf("api.auth.api_key references unset environment variable %s", m[1])
	}
	for i, tok := range a.Tokens {
		if tok.Token == "" {
			return fmt.Errorf("api.auth.tokens[%d].token is empty", i)
		}
		if m := envVarPattern.FindStringSubmatch(tok.Token); m != nil {
			return fmt.Errorf("api.auth.tokens[%d].token references unset environment variable %s", i, m[1])
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d] has no scopes", i)
		}
		for _, s := range tok.Scopes {
			if !auth.IsKnownScope(s) {
				return fmt.Errorf("api.auth.tokens[%d] has unknown scope %q", i, s)
			}
		}
	}
	return nil
}

// checkUnresolvedEnvVars walks a plugin config seed looking for ${VAR}
// placeholders whose variable was not set.
func checkUnresolvedEnvVars(v any, pluginID string) error {
	switch t := v.(type) {
	case string:
		if m := envVarPattern.FindStringSubmatch(t); m != nil {
			return fmt.Errorf("plugin %q: environment variable %s is not set", pluginID, m[1])
		}
	case map[string]any:
		for _, x := range t {
			if err := checkUnresolvedEnvVars(x, pluginID); err != nil {
				return err
			}
		}
	case []any:
		for _, x := range t {
			if err := checkUnresolvedEnvVars(x, pluginID); err != nil {
				return err
			}
		}
	}
	return nil
}
