package builtin

import (
	"context"
	"fmt"

	"github.com/mattjoyce/hookwarden/internal/plugin"
)

const MessageTagsID = "builtin.message-tags"

// MessageTagsConfig wraps outgoing user messages.
type MessageTagsConfig struct {
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// MessageTags adds a fixed prefix and suffix to every outgoing user message.
func MessageTags() *plugin.Definition {
	return &plugin.Definition{
		ID:             MessageTagsID,
		Name:           "Message tags",
		Version:        "1.0.0",
		Description:    "Wraps outgoing user messages in a configured prefix and suffix.",
		Events:         []string{plugin.EventUserMessageBeforeSend},
		Priority:       50,
		Blocking:       true,
		FailPolicy:     plugin.FailPolicyContinue,
		DefaultEnabled: false,
		DefaultConfig:  map[string]any{"prefix": "", "suffix": ""},
		ValidateConfig: func(raw any) (any, error) {
			var cfg MessageTagsConfig
			if err := decodeConfig(raw, &cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		},
		Capabilities: []plugin.Capability{plugin.CapabilityMessageMutate},
		RiskLevel:    plugin.RiskMedium,
		APIVersion:   APIVersion,
		Handler:      handleMessageTags,
	}
}

func handleMessageTags(_ context.Context, ev plugin.Event, config any) (*plugin.Result, error) {
	cfg, ok := config.(MessageTagsConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", config)
	}
	if cfg.Prefix == "" && cfg.Suffix == "" {
		return nil, nil
	}
	content := cfg.Prefix + ev.Content() + cfg.Suffix
	return &plugin.Result{
		UserMessageMutation: &plugin.UserMessageMutation{Content: &content},
	}, nil
}
