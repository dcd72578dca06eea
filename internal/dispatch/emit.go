package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
)

// EmitResult is the aggregated outcome of a dispatch.
type EmitResult struct {
	Insights            []plugin.Insight            `json:"insights"`
	PermissionDecision  *plugin.PermissionDecision  `json:"permission_decision,omitempty"`
	UserMessageMutation *plugin.UserMessageMutation `json:"user_message_mutation,omitempty"`
	Aborted             bool                        `json:"aborted"`
}

// Summary condenses the dispatch of ev for the activity stream.
func (r *EmitResult) Summary(ev plugin.Event, elapsed time.Duration) events.DispatchSummary {
	s := events.DispatchSummary{
		EventName:  ev.Name,
		EventID:    ev.Meta.EventID,
		SessionID:  ev.Meta.SessionID,
		Insights:   len(r.Insights),
		Mutated:    r.UserMessageMutation != nil,
		Aborted:    r.Aborted,
		DurationMs: elapsed.Milliseconds(),
	}
	if r.PermissionDecision != nil {
		s.Decision = string(r.PermissionDecision.Behavior)
	}
	return s
}

// Emit dispatches ev to every enabled subscribed plugin. It only fails when
// the plugin state cannot be read; plugin failures are reported as insights.
func (m *Manager) Emit(ctx context.Context, ev plugin.Event) (*EmitResult, error) {
	st, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plugin state: %w", err)
	}

	logger := log.WithEvent(ev.Name, ev.Meta.EventID)
	current := ev.Clone()
	out := &EmitResult{Insights: []plugin.Insight{}}

	// Health reflects the store for every candidate, even those an abort
	// will skip.
	var active []*plugin.Definition
	for _, def := range m.candidates(ev.Name) {
		enabled := resolveEnabled(def, st)
		m.telemetry.Refresh(def.ID, enabled)
		if enabled {
			active = append(active, def)
		}
	}

	for _, def := range active {

		if !def.Blocking {
			m.spawn(ctx, def, current, st)
			continue
		}

		ex := m.execute(ctx, def, current, st)
		m.record(def, ex)

		switch ex.kind {
		case outcomeFailure:
			logger.Warn("blocking plugin failed",
				"plugin", def.ID,
				"timed_out", ex.timedOut,
				"duration_ms", ex.duration.Milliseconds(),
				"error", ex.err,
			)
			out.Insights = append(out.Insights, failureInsight(def, current, ex.err))
			if def.EffectiveFailPolicy() == plugin.FailPolicyAbort {
				m.telemetry.MarkAborted(def.ID)
				out.Aborted = true
				logger.Info("dispatch aborted by plugin fail policy", "plugin", def.ID)
				return out, nil
			}
		case outcomeSuccess:
			current = mergeResult(out, current, ex.result)
		}
	}
	return out, nil
}

// DryRun executes exactly one plugin against ev, ignoring its enabled flag
// and priority. A non-nil configOverride is validated and used instead of
// the persisted config. Unknown ids return nil. Aborted is always false.
func (m *Manager) DryRun(ctx context.Context, id string, ev plugin.Event, configOverride any) (*EmitResult, error) {
	def, ok := m.registry.Get(id)
	if !ok {
		return nil, nil
	}
	st, err := m.store.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load plugin state: %w", err)
	}

	var cfg any
	if configOverride != nil {
		if err := validateConfig(def, configOverride); err != nil {
			return nil, err
		}
		cfg = m.resolveConfig(ctx, def, configOverride, true, false)
	} else {
		raw, present := st.Config[def.ID]
		cfg = m.resolveConfig(ctx, def, raw, present, true)
	}

	current := ev.Clone()
	ex := m.invoke(ctx, def, current, cfg, st)
	m.record(def, ex)

	out := &EmitResult{Insights: []plugin.Insight{}}
	switch ex.kind {
	case outcomeFailure:
		out.Insights = append(out.Insights, failureInsight(def, current, ex.err))
	case outcomeSuccess:
		mergeResult(out, current, ex.result)
	}
	return out, nil
}

// candidates returns subscribed plugins by priority descending; equal
// priorities keep registration order.
func (m *Manager) candidates(eventName string) []*plugin.Definition {
	var out []*plugin.Definition
	for _, def := range m.registry.List() {
		if def.Subscribes(eventName) {
			out = append(out, def)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// spawn starts a non-blocking plugin and returns immediately. The manager
// keeps no handle that could cancel it.
func (m *Manager) spawn(ctx context.Context, def *plugin.Definition, ev plugin.Event, st state.State) {
	ev = ev.Clone()
	ctx = context.WithoutCancel(ctx)

	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()

		ex := m.execute(ctx, def, ev, st)
		m.record(def, ex)

		switch ex.kind {
		case outcomeFailure:
			log.WithPlugin(def.ID).Warn("non-blocking plugin failed",
				"event", ev.Name,
				"event_id", ev.Meta.EventID,
				"timed_out", ex.timedOut,
				"error", ex.err,
			)
		case outcomeSuccess:
			for _, in := range ex.result.Insights {
				m.deliver(in)
			}
		}
	}()
}

func (m *Manager) deliver(in plugin.Insight) {
	if m.onInsight == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("insight callback panicked", "plugin", in.PluginID, "panic", r)
		}
	}()
	m.onInsight(in)
}

// mergeResult folds one sanitized blocking result into out and returns the
// event later plugins should observe.
func mergeResult(out *EmitResult, ev plugin.Event, res *plugin.Result) plugin.Event {
	if len(res.EventDataPatch) > 0 {
		ev = ev.WithData(res.EventDataPatch)
	}

	out.Insights = append(out.Insights, res.Insights...)

	if out.PermissionDecision == nil && res.PermissionDecision != nil {
		pd := *res.PermissionDecision
		out.PermissionDecision = &pd
	}

	if mut := res.UserMessageMutation; mut != nil {
		if out.UserMessageMutation == nil {
			out.UserMessageMutation = &plugin.UserMessageMutation{}
		}
		merged := out.UserMessageMutation
		if mut.Content != nil {
			c := *mut.Content
			merged.Content = &c
		}
		if mut.Images != nil {
			merged.Images = append([]plugin.Image(nil), mut.Images...)
		}
		merged.PluginID = mut.PluginID

		if ev.Name == plugin.EventUserMessageBeforeSend {
			patch := map[string]any{}
			if mut.Content != nil {
				patch[plugin.DataKeyContent] = *mut.Content
			}
			if mut.Images != nil {
				patch[plugin.DataKeyImages] = imagesToData(mut.Images)
			}
			if len(patch) > 0 {
				ev = ev.WithData(patch)
			}
		}
	}
	return ev
}

func imagesToData(images []plugin.Image) []any {
	out := make([]any, len(images))
	for i, img := range images {
		out[i] = map[string]any{
			"media_type": img.MediaType,
			"data":       img.Data,
		}
	}
	return out
}

func failureInsight(def *plugin.Definition, ev plugin.Event, err error) plugin.Insight {
	name := def.Name
	if name == "" {
		name = def.ID
	}
	return plugin.Insight{
		PluginID:  def.ID,
		Title:     fmt.Sprintf("Plugin %s failed", name),
		Message:   fmt.Sprintf("Plugin %s failed on %s (session %s): %v", def.ID, ev.Name, ev.Meta.SessionID, err),
		Level:     plugin.InsightError,
		EventName: ev.Name,
		SessionID: ev.Meta.SessionID,
		Timestamp: time.Now().UTC(),
	}
}
