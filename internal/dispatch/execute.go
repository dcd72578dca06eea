package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/hookwarden/internal/capability"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type outcomeKind int

const (
	outcomeNoResult outcomeKind = iota
	outcomeSuccess
	outcomeFailure
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeFailure:
		return "failure"
	default:
		return "no_result"
	}
}

// execution is the classified outcome of one handler invocation.
type execution struct {
	kind     outcomeKind
	result   *plugin.Result // sanitized, only for outcomeSuccess
	blocked  []plugin.Capability
	err      error
	timedOut bool
	duration time.Duration
}

type handlerReturn struct {
	result *plugin.Result
	err    error
}

// resolveConfig returns the config a handler should see. Without a validator
// the persisted value (or default) is used verbatim. With one, an invalid
// value is replaced by the default; when heal is set and a value was
// persisted, the store is rewritten too.
func (m *Manager) resolveConfig(ctx context.Context, def *plugin.Definition, persisted any, present, heal bool) any {
	if def.ValidateConfig == nil {
		if present {
			return state.CloneValue(persisted)
		}
		return state.CloneValue(def.DefaultConfig)
	}

	candidate := def.DefaultConfig
	if present {
		candidate = persisted
	}
	cfg, err := def.ValidateConfig(state.CloneValue(candidate))
	if err == nil {
		return cfg
	}

	m.warnInvalidConfig(def.ID, err)
	if heal && present {
		m.healConfig(ctx, def)
	}
	if cfg, derr := def.ValidateConfig(state.CloneValue(def.DefaultConfig)); derr == nil {
		return cfg
	}
	return state.CloneValue(def.DefaultConfig)
}

func (m *Manager) warnInvalidConfig(id string, err error) {
	m.warnMu.Lock()
	_, seen := m.warned[id]
	m.warned[id] = struct{}{}
	m.warnMu.Unlock()
	if !seen {
		m.logger.Warn("persisted plugin config is invalid; using default", "plugin", id, "error", err)
	}
}

func (m *Manager) healConfig(ctx context.Context, def *plugin.Definition) {
	healed := false
	err := m.store.Update(ctx, func(st *state.State) error {
		cur, ok := st.Config[def.ID]
		if !ok {
			return nil
		}
		// Leave values fixed concurrently by an operator alone.
		if _, err := def.ValidateConfig(state.CloneValue(cur)); err == nil {
			return nil
		}
		st.Config[def.ID] = state.CloneValue(def.DefaultConfig)
		healed = true
		return nil
	})
	if err != nil {
		m.logger.Error("failed to heal invalid plugin config", "plugin", def.ID, "error", err)
		return
	}
	if healed {
		m.logger.Info("replaced invalid persisted config with default", "plugin", def.ID)
	}
}

// execute resolves config from st and invokes the handler.
func (m *Manager) execute(ctx context.Context, def *plugin.Definition, ev plugin.Event, st state.State) execution {
	raw, present := st.Config[def.ID]
	cfg := m.resolveConfig(ctx, def, raw, present, true)
	return m.invoke(ctx, def, ev, cfg, st)
}

// invoke runs the handler under its deadline and sanitizes its result.
func (m *Manager) invoke(ctx context.Context, def *plugin.Definition, ev plugin.Event, cfg any, st state.State) execution {
	ctx, span := m.tracer.Start(ctx, "plugin.execute", trace.WithAttributes(
		attribute.String("plugin.id", def.ID),
		attribute.String("event.name", ev.Name),
		attribute.String("event.id", ev.Meta.EventID),
		attribute.String("session.id", ev.Meta.SessionID),
		attribute.Bool("plugin.blocking", def.Blocking),
	))
	defer span.End()

	timeout := def.EffectiveTimeout()
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	done := make(chan handlerReturn, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerReturn{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := def.Handler(hctx, ev.Clone(), cfg)
		done <- handlerReturn{result: res, err: err}
	}()

	var ret handlerReturn
	deadlineHit := false
	select {
	case ret = <-done:
	case <-hctx.Done():
		select {
		case ret = <-done:
		default:
			deadlineHit = true
		}
	}

	ex := execution{duration: time.Since(start)}
	switch {
	case deadlineHit || (ret.err != nil && errors.Is(ret.err, context.DeadlineExceeded) && hctx.Err() != nil):
		ex.kind = outcomeFailure
		ex.timedOut = true
		ex.err = fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
	case ret.err != nil:
		ex.kind = outcomeFailure
		ex.err = ret.err
	case ret.result == nil:
		ex.kind = outcomeNoResult
	default:
		ex.kind = outcomeSuccess
		ex.result, ex.blocked = capability.Sanitize(def, ret.result, capability.EffectiveGrants(def, st))
		stampResult(def, ev, ex.result)
	}

	span.SetAttributes(
		attribute.String("plugin.outcome", ex.kind.String()),
		attribute.Int64("plugin.duration_ms", ex.duration.Milliseconds()),
	)
	if len(ex.blocked) > 0 {
		blocked := make([]string, len(ex.blocked))
		for i, c := range ex.blocked {
			blocked[i] = string(c)
		}
		span.SetAttributes(attribute.StringSlice("plugin.blocked_capabilities", blocked))
	}
	if ex.err != nil {
		span.RecordError(ex.err)
		span.SetStatus(codes.Error, ex.err.Error())
	}
	return ex
}

// stampResult attributes every effect of res to def and fills event context
// on insights that lack it.
func stampResult(def *plugin.Definition, ev plugin.Event, res *plugin.Result) {
	now := time.Now().UTC()
	for i := range res.Insights {
		in := &res.Insights[i]
		if in.PluginID == "" {
			in.PluginID = def.ID
		}
		if in.EventName == "" {
			in.EventName = ev.Name
		}
		if in.SessionID == "" {
			in.SessionID = ev.Meta.SessionID
		}
		if in.Level == "" {
			in.Level = plugin.InsightInfo
		}
		if in.Timestamp.IsZero() {
			in.Timestamp = now
		}
	}
	if res.PermissionDecision != nil {
		res.PermissionDecision.PluginID = def.ID
	}
	if res.UserMessageMutation != nil {
		res.UserMessageMutation.PluginID = def.ID
	}
}

// record feeds an execution into telemetry.
func (m *Manager) record(def *plugin.Definition, ex execution) {
	switch {
	case ex.kind != outcomeFailure:
		m.telemetry.Record(def.ID, ex.duration, telemetry.OutcomeSuccess, "")
	case ex.timedOut:
		m.telemetry.Record(def.ID, ex.duration, telemetry.OutcomeTimeout, ex.err.Error())
	default:
		m.telemetry.Record(def.ID, ex.duration, telemetry.OutcomeError, ex.err.Error())
	}
}
