// Package capability decides which effects of a plugin result are applied.
//
// Grants are revoke-by-exception: every requested capability is granted
// unless the operator persisted an explicit false for it. The gate trusts
// handler code to run; it only withholds effects the plugin is not entitled
// to. It is not a sandbox.
package capability

import (
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
)

// BlockedTitle is the title of the synthetic insight listing withheld effects.
const BlockedTitle = "Capability blocked"

// Requested returns the definition's declared capabilities, deduplicated.
func Requested(def *plugin.Definition) []plugin.Capability {
	if def == nil || len(def.Capabilities) == 0 {
		return []plugin.Capability{}
	}
	seen := make(map[plugin.Capability]struct{}, len(def.Capabilities))
	out := make([]plugin.Capability, 0, len(def.Capabilities))
	for _, c := range def.Capabilities {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// EffectiveGrants maps each requested capability to whether it is granted.
func EffectiveGrants(def *plugin.Definition, st state.State) map[plugin.Capability]bool {
	persisted := st.Grants[def.ID]
	out := make(map[plugin.Capability]bool, len(def.Capabilities))
	for _, c := range Requested(def) {
		granted := true
		if v, ok := persisted[string(c)]; ok && !v {
			granted = false
		}
		out[c] = granted
	}
	return out
}

// Granted returns the requested capabilities that are currently granted,
// in declaration order.
func Granted(def *plugin.Definition, st state.State) []plugin.Capability {
	grants := EffectiveGrants(def, st)
	out := make([]plugin.Capability, 0, len(grants))
	for _, c := range Requested(def) {
		if grants[c] {
			out = append(out, c)
		}
	}
	return out
}

// FilterGrantUpdate keeps the entries of partial that name a requested
// capability and carry a boolean. Everything else is dropped silently.
func FilterGrantUpdate(def *plugin.Definition, partial map[string]any) map[string]bool {
	out := make(map[string]bool, len(partial))
	for k, v := range partial {
		b, ok := v.(bool)
		if !ok || !def.Requests(plugin.Capability(k)) {
			continue
		}
		out[k] = b
	}
	return out
}

// Sanitize strips every effect of result whose capability is not granted.
// The returned result is a copy; result itself is not modified. If anything
// was withheld a warning insight naming the blocked capabilities is appended.
func Sanitize(def *plugin.Definition, result *plugin.Result, grants map[plugin.Capability]bool) (*plugin.Result, []plugin.Capability) {
	if result == nil {
		return nil, nil
	}

	var blocked []plugin.Capability
	block := func(c plugin.Capability) {
		for _, b := range blocked {
			if b == c {
				return
			}
		}
		blocked = append(blocked, c)
	}

	out := &plugin.Result{}

	if result.PermissionDecision != nil {
		if grants[plugin.CapabilityPermissionAutoDecide] {
			pd := *result.PermissionDecision
			out.PermissionDecision = &pd
		} else {
			block(plugin.CapabilityPermissionAutoDecide)
		}
	}

	if result.UserMessageMutation != nil {
		if grants[plugin.CapabilityMessageMutate] {
			m := *result.UserMessageMutation
			if m.Images != nil {
				m.Images = append([]plugin.Image(nil), m.Images...)
			}
			out.UserMessageMutation = &m
		} else {
			block(plugin.CapabilityMessageMutate)
		}
	}

	if len(result.EventDataPatch) > 0 {
		if grants[plugin.CapabilityEventPatch] {
			patch := make(map[string]any, len(result.EventDataPatch))
			for k, v := range result.EventDataPatch {
				patch[k] = state.CloneValue(v)
			}
			out.EventDataPatch = patch
		} else {
			block(plugin.CapabilityEventPatch)
		}
	}

	if len(result.Insights) > 0 {
		out.Insights = make([]plugin.Insight, 0, len(result.Insights)+1)
		for _, in := range result.Insights {
			if in.Toast && !grants[plugin.CapabilityInsightToast] {
				in.Toast = false
				block(plugin.CapabilityInsightToast)
			}
			if in.Sound && !grants[plugin.CapabilityInsightSound] {
				in.Sound = false
				block(plugin.CapabilityInsightSound)
			}
			if in.Desktop && !grants[plugin.CapabilityInsightDesktop] {
				in.Desktop = false
				block(plugin.CapabilityInsightDesktop)
			}
			out.Insights = append(out.Insights, in)
		}
	}

	if len(blocked) > 0 {
		out.Insights = append(out.Insights, BlockedInsight(def.ID, blocked))
	}
	return out, blocked
}

// BlockedInsight builds the synthetic warning listing withheld capabilities.
func BlockedInsight(pluginID string, blocked []plugin.Capability) plugin.Insight {
	names := make([]string, len(blocked))
	for i, c := range blocked {
		names[i] = string(c)
	}
	return plugin.Insight{
		PluginID:  pluginID,
		Title:     BlockedTitle,
		Message:   fmt.Sprintf("Plugin %s is not granted: %s", pluginID, strings.Join(names, ", ")),
		Level:     plugin.InsightWarning,
		Timestamp: time.Now().UTC(),
	}
}
