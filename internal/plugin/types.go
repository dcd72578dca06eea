package plugin

import (
	"context"
	"slices"
	"time"
)

// DefaultTimeout bounds a single handler invocation when a definition sets none.
const DefaultTimeout = 3 * time.Second

// Capability names a privilege a plugin must be granted for the matching
// effect of its result to be applied.
type Capability string

const (
	CapabilityPermissionAutoDecide Capability = "permission:auto-decide"
	CapabilityMessageMutate        Capability = "message:mutate"
	CapabilityEventPatch           Capability = "event:patch"
	CapabilityInsightToast         Capability = "insight:toast"
	CapabilityInsightSound         Capability = "insight:sound"
	CapabilityInsightDesktop       Capability = "insight:desktop"
)

// FailPolicy controls how a blocking handler failure affects the rest of a dispatch.
type FailPolicy string

const (
	FailPolicyContinue FailPolicy = "continue"
	FailPolicyAbort    FailPolicy = "abort_current_action"
)

// RiskLevel is an advisory label shown to operators.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Handler runs a plugin against one event. Returning (nil, nil) means the
// plugin has nothing to contribute. ctx carries the invocation deadline.
type Handler func(ctx context.Context, ev Event, config any) (*Result, error)

// ConfigValidator narrows an opaque config value to the plugin's own shape.
// It returns the normalized value, or an error describing why raw is invalid.
type ConfigValidator func(raw any) (any, error)

// Definition describes a plugin. It is owned by the registering caller.
type Definition struct {
	ID          string
	Name        string
	Version     string
	Description string

	// Events lists subscribed event names. EventWildcard matches all events.
	Events   []string
	Priority int
	Blocking bool
	// Timeout bounds each invocation; zero means DefaultTimeout.
	Timeout    time.Duration
	FailPolicy FailPolicy

	DefaultEnabled bool
	DefaultConfig  any
	ValidateConfig ConfigValidator

	Capabilities []Capability
	RiskLevel    RiskLevel
	APIVersion   int

	Handler Handler
}

// Subscribes reports whether the definition wants events with the given name.
func (d *Definition) Subscribes(name string) bool {
	for _, e := range d.Events {
		if e == EventWildcard || e == name {
			return true
		}
	}
	return false
}

// EffectiveTimeout returns the invocation deadline, applying the default.
func (d *Definition) EffectiveTimeout() time.Duration {
	if d.Timeout <= 0 {
		return DefaultTimeout
	}
	return d.Timeout
}

// EffectiveFailPolicy returns the fail policy, applying the default.
func (d *Definition) EffectiveFailPolicy() FailPolicy {
	if d.FailPolicy == FailPolicyAbort {
		return FailPolicyAbort
	}
	return FailPolicyContinue
}

// Requests reports whether the definition declares capability c.
func (d *Definition) Requests(c Capability) bool {
	return slices.Contains(d.Capabilities, c)
}

// InsightLevel is the severity of a user-facing notice.
type InsightLevel string

const (
	InsightInfo    InsightLevel = "info"
	InsightSuccess InsightLevel = "success"
	InsightWarning InsightLevel = "warning"
	InsightError   InsightLevel = "error"
)

// Insight is a user-facing notice produced by a plugin.
type Insight struct {
	PluginID  string       `json:"plugin_id"`
	Title     string       `json:"title"`
	Message   string       `json:"message"`
	Level     InsightLevel `json:"level"`
	EventName string       `json:"event_name,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
	Toast     bool         `json:"toast,omitempty"`
	Sound     bool         `json:"sound,omitempty"`
	Desktop   bool         `json:"desktop,omitempty"`
}

// Behavior is a permission automation verdict.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// PermissionDecision answers a permission request on the user's behalf.
type PermissionDecision struct {
	Behavior Behavior `json:"behavior"`
	Message  string   `json:"message,omitempty"`
	PluginID string   `json:"plugin_id"`
}

// Image is an attachment carried by an outgoing user message.
type Image struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// UserMessageMutation replaces parts of an outgoing user message. A nil
// field means "leave as is".
type UserMessageMutation struct {
	Content  *string `json:"content,omitempty"`
	Images   []Image `json:"images,omitempty"`
	PluginID string  `json:"plugin_id"`
}

// Result is what a handler returns. Every field is optional.
type Result struct {
	Insights            []Insight            `json:"insights,omitempty"`
	PermissionDecision  *PermissionDecision  `json:"permission_decision,omitempty"`
	UserMessageMutation *UserMessageMutation `json:"user_message_mutation,omitempty"`
	EventDataPatch      map[string]any       `json:"event_data_patch,omitempty"`
}

// Empty reports whether the result carries no effect at all.
func (r *Result) Empty() bool {
	return r == nil || (len(r.Insights) == 0 && r.PermissionDecision == nil &&
		r.UserMessageMutation == nil && len(r.EventDataPatch) == 0)
}
