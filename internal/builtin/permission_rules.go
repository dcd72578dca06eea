package builtin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/tidwall/gjson"
)

const PermissionRulesID = "builtin.permission-rules"

// PermissionRule matches a permission request. Tool is a glob over the tool
// name; an empty Tool matches any tool. Field is a gjson path into the tool
// input and Pattern a glob its value must match; an empty Field matches on
// the tool alone.
type PermissionRule struct {
	Tool     string          `json:"tool"`
	Field    string          `json:"field,omitempty"`
	Pattern  string          `json:"pattern,omitempty"`
	Behavior plugin.Behavior `json:"behavior"`
	Message  string          `json:"message,omitempty"`
}

// PermissionRulesConfig is evaluated top to bottom; the first match decides.
type PermissionRulesConfig struct {
	Rules []PermissionRule `json:"rules"`
}

// PermissionRules answers permission prompts from an ordered rule list.
func PermissionRules() *plugin.Definition {
	return &plugin.Definition{
		ID:             PermissionRulesID,
		Name:           "Permission rules",
		Version:        "1.0.0",
		Description:    "Automatically allows or denies tool use that matches configured rules.",
		Events:         []string{plugin.EventPermissionRequest},
		Priority:       100,
		Blocking:       true,
		FailPolicy:     plugin.FailPolicyContinue,
		DefaultEnabled: false,
		DefaultConfig:  map[string]any{"rules": []any{}},
		ValidateConfig: validatePermissionRules,
		Capabilities:   []plugin.Capability{plugin.CapabilityPermissionAutoDecide},
		RiskLevel:      plugin.RiskHigh,
		APIVersion:     APIVersion,
		Handler:        handlePermissionRequest,
	}
}

func validatePermissionRules(raw any) (any, error) {
	var cfg PermissionRulesConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	for i, r := range cfg.Rules {
		if err := r.validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	if cfg.Rules == nil {
		cfg.Rules = []PermissionRule{}
	}
	return cfg, nil
}

func (r PermissionRule) validate() error {
	switch r.Behavior {
	case plugin.BehaviorAllow, plugin.BehaviorDeny:
	default:
		return fmt.Errorf("behavior must be %q or %q, got %q", plugin.BehaviorAllow, plugin.BehaviorDeny, r.Behavior)
	}
	if _, err := path.Match(r.Tool, ""); err != nil {
		return fmt.Errorf("tool pattern %q: %w", r.Tool, err)
	}
	if r.Field == "" && r.Pattern != "" {
		return errors.New("pattern requires field")
	}
	if r.Field != "" {
		if r.Pattern == "" {
			return errors.New("field requires pattern")
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
	}
	return nil
}

// Matches reports whether the rule applies to tool with the given JSON input.
func (r PermissionRule) Matches(tool string, input []byte) bool {
	if r.Tool != "" {
		if ok, _ := path.Match(r.Tool, tool); !ok {
			return false
		}
	}
	if r.Field == "" {
		return true
	}
	v := gjson.GetBytes(input, r.Field)
	if !v.Exists() {
		return false
	}
	ok, _ := path.Match(r.Pattern, v.String())
	return ok
}

func handlePermissionRequest(_ context.Context, ev plugin.Event, config any) (*plugin.Result, error) {
	cfg, ok := config.(PermissionRulesConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", config)
	}
	if len(cfg.Rules) == 0 {
		return nil, nil
	}

	tool := stringField(ev.Data, plugin.DataKeyToolName)
	input := []byte("{}")
	if v, ok := ev.Data[plugin.DataKeyInput]; ok && v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode tool input: %w", err)
		}
		input = b
	}

	for _, r := range cfg.Rules {
		if !r.Matches(tool, input) {
			continue
		}
		msg := r.Message
		if msg == "" {
			msg = fmt.Sprintf("%s matched a %s rule", tool, r.Behavior)
		}
		return &plugin.Result{
			PermissionDecision: &plugin.PermissionDecision{Behavior: r.Behavior, Message: msg},
		}, nil
	}
	return nil, nil
}
