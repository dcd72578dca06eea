package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mattjoyce/hookwarden/internal/capability"
	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mattjoyce/hookwarden/internal/dispatch"

// InsightFunc receives insights produced by non-blocking plugins after the
// dispatch that started them has returned.
type InsightFunc func(plugin.Insight)

// RuntimeInfo is the externally observable snapshot of one plugin.
type RuntimeInfo struct {
	ID                    string              `json:"id"`
	Name                  string              `json:"name"`
	Version               string              `json:"version"`
	Description           string              `json:"description,omitempty"`
	Events                []string            `json:"events"`
	Priority              int                 `json:"priority"`
	Blocking              bool                `json:"blocking"`
	TimeoutMs             int64               `json:"timeout_ms"`
	FailPolicy            plugin.FailPolicy   `json:"fail_policy"`
	Enabled               bool                `json:"enabled"`
	Config                any                 `json:"config"`
	RequestedCapabilities []plugin.Capability `json:"requested_capabilities"`
	GrantedCapabilities   []plugin.Capability `json:"granted_capabilities"`
	RiskLevel             plugin.RiskLevel    `json:"risk_level,omitempty"`
	APIVersion            int                 `json:"api_version,omitempty"`
	Health                telemetry.Health    `json:"health"`
	Stats                 telemetry.Stats     `json:"stats"`
}

// Seed is an operator-supplied initial record for one plugin. It is only
// written when the store holds nothing for that plugin.
type Seed struct {
	Enabled *bool
	Config  any
	Grants  map[string]bool
}

// Manager is the plugin dispatch engine.
type Manager struct {
	store     state.Store
	registry  *plugin.Registry
	telemetry *telemetry.Tracker
	onInsight InsightFunc
	logger    *slog.Logger
	tracer    trace.Tracer

	warnMu sync.Mutex
	warned map[string]struct{}

	inflight sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithTracerProvider starts plugin spans from tp instead of the global
// provider. A nil tp is ignored.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		if tp != nil {
			m.tracer = tp.Tracer(tracerName)
		}
	}
}

// New creates a Manager. A nil registry is replaced by an empty one; a nil
// onInsight discards asynchronous insights.
func New(store state.Store, registry *plugin.Registry, onInsight InsightFunc, opts ...Option) *Manager {
	if registry == nil {
		registry = plugin.NewRegistry()
	}
	m := &Manager{
		store:     store,
		registry:  registry,
		telemetry: telemetry.NewTracker(),
		onInsight: onInsight,
		logger:    log.WithComponent("dispatch"),
		tracer:    otel.Tracer(tracerName),
		warned:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, def := range registry.List() {
		m.telemetry.Ensure(def.ID, def.DefaultEnabled)
	}
	return m
}

// Register adds or replaces a plugin definition.
func (m *Manager) Register(def *plugin.Definition) error {
	first, err := m.registry.Register(def)
	if err != nil {
		return fmt.Errorf("register plugin: %w", err)
	}
	m.telemetry.Ensure(def.ID, def.DefaultEnabled)
	if first {
		m.logger.Debug("plugin registered", "plugin", def.ID, "version", def.Version)
	}
	return nil
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *plugin.Registry { return m.registry }

// Wait blocks until every non-blocking plugin started so far has settled.
// It does not cancel them.
func (m *Manager) Wait() { m.inflight.Wait() }

// List returns a snapshot of every registered plugin in registration order.
// Invalid persisted configs are healed on the way.
func (m *Manager) List(ctx context.Context) ([]RuntimeInfo, error) {
	st, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plugin state: %w", err)
	}
	defs := m.registry.List()
	out := make([]RuntimeInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, m.runtimeInfo(ctx, def, st))
	}
	return out, nil
}

// Get returns the snapshot of one plugin, or nil if id is unknown.
func (m *Manager) Get(ctx context.Context, id string) (*RuntimeInfo, error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return nil, nil
	}
	st, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plugin state: %w", err)
	}
	info := m.runtimeInfo(ctx, def, st)
	return &info, nil
}

// SetEnabled persists the enabled flag for id. Unknown ids return nil.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*RuntimeInfo, error) {
	if _, ok := m.registry.Get(id); !ok {
		return nil, nil
	}
	err := m.store.Update(ctx, func(st *state.State) error {
		st.Enabled[id] = enabled
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist enabled flag: %w", err)
	}
	m.telemetry.Refresh(id, enabled)
	m.logger.Info("plugin enabled flag changed", "plugin", id, "enabled", enabled)
	return m.Get(ctx, id)
}

// UpdateConfig validates and persists a new config for id. A rejected value
// returns a *ConfigValidationError and leaves the stored config untouched.
// Unknown ids return nil.
func (m *Manager) UpdateConfig(ctx context.Context, id string, config any) (*RuntimeInfo, error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return nil, nil
	}
	if err := validateConfig(def, config); err != nil {
		return nil, err
	}
	persisted := state.CloneValue(config)
	err := m.store.Update(ctx, func(st *state.State) error {
		st.Config[id] = persisted
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	return m.Get(ctx, id)
}

// UpdateCapabilityGrants merges partial into the persisted grants of id.
// Keys that are not requested capabilities, and non-boolean values, are
// ignored. Unknown ids return nil.
func (m *Manager) UpdateCapabilityGrants(ctx context.Context, id string, partial map[string]any) (*RuntimeInfo, error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return nil, nil
	}
	accepted := capability.FilterGrantUpdate(def, partial)
	if len(accepted) > 0 {
		err := m.store.Update(ctx, func(st *state.State) error {
			g := st.Grants[id]
			if g == nil {
				g = make(map[string]bool, len(accepted))
				st.Grants[id] = g
			}
			for k, v := range accepted {
				g[k] = v
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("persist capability grants: %w", err)
		}
		m.logger.Info("capability grants updated", "plugin", id, "grants", accepted)
	}
	return m.Get(ctx, id)
}

// Stats returns the telemetry of id.
func (m *Manager) Stats(id string) (telemetry.Stats, bool) {
	if _, ok := m.registry.Get(id); !ok {
		return telemetry.Stats{}, false
	}
	return m.telemetry.Stats(id)
}

// AllStats returns telemetry for every registered plugin.
func (m *Manager) AllStats() map[string]telemetry.Stats {
	defs := m.registry.List()
	out := make(map[string]telemetry.Stats, len(defs))
	for _, def := range defs {
		s, _ := m.telemetry.Stats(def.ID)
		out[def.ID] = s
	}
	return out
}

// Seed writes operator-supplied initial records for plugins the store knows
// nothing about. Seeds for unregistered ids are skipped.
func (m *Manager) Seed(ctx context.Context, seeds map[string]Seed) error {
	type prepared struct {
		seed      Seed
		config    any
		hasConfig bool
		def       *plugin.Definition
	}
	ready := make(map[string]prepared, len(seeds))
	for id, s := range seeds {
		def, ok := m.registry.Get(id)
		if !ok {
			m.logger.Warn("ignoring seed for unknown plugin", "plugin", id)
			continue
		}
		p := prepared{seed: s, def: def}
		if s.Config != nil {
			if err := validateConfig(def, s.Config); err != nil {
				return err
			}
			p.config, p.hasConfig = state.CloneValue(s.Config), true
		}
		ready[id] = p
	}
	if len(ready) == 0 {
		return nil
	}

	return m.store.Update(ctx, func(st *state.State) error {
		for id, p := range ready {
			if st.HasRecord(id) {
				continue
			}
			if p.seed.Enabled != nil {
				st.Enabled[id] = *p.seed.Enabled
			}
			if p.hasConfig {
				st.Config[id] = p.config
			}
			if g := capability.FilterGrantUpdate(p.def, boolsToAny(p.seed.Grants)); len(g) > 0 {
				st.Grants[id] = g
			}
		}
		return nil
	})
}

func (m *Manager) runtimeInfo(ctx context.Context, def *plugin.Definition, st state.State) RuntimeInfo {
	enabled := resolveEnabled(def, st)
	health := m.telemetry.Refresh(def.ID, enabled)
	stats, _ := m.telemetry.Stats(def.ID)
	raw, present := st.Config[def.ID]

	return RuntimeInfo{
		ID:                    def.ID,
		Name:                  def.Name,
		Version:               def.Version,
		Description:           def.Description,
		Events:                append([]string(nil), def.Events...),
		Priority:              def.Priority,
		Blocking:              def.Blocking,
		TimeoutMs:             def.EffectiveTimeout().Milliseconds(),
		FailPolicy:            def.EffectiveFailPolicy(),
		Enabled:               enabled,
		Config:                m.resolveConfig(ctx, def, raw, present, true),
		RequestedCapabilities: capability.Requested(def),
		GrantedCapabilities:   capability.Granted(def, st),
		RiskLevel:             def.RiskLevel,
		APIVersion:            def.APIVersion,
		Health:                health,
		Stats:                 stats,
	}
}

func resolveEnabled(def *plugin.Definition, st state.State) bool {
	if v, ok := st.Enabled[def.ID]; ok {
		return v
	}
	return def.DefaultEnabled
}

// validateConfig checks raw against the plugin's validator. The store keeps
// the raw value; only resolution narrows it.
func validateConfig(def *plugin.Definition, raw any) error {
	if def.ValidateConfig == nil {
		return nil
	}
	if _, err := def.ValidateConfig(state.CloneValue(raw)); err != nil {
		return newConfigValidationError(def.ID, err)
	}
	return nil
}

func boolsToAny(in map[string]bool) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
