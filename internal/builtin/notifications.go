package builtin

import (
	"context"
	"fmt"

	"github.com/mattjoyce/hookwarden/internal/plugin"
)

const NotificationsID = "builtin.notifications"

// NotificationsConfig selects which delivery channels the notifications
// plugin asks for. Each channel still needs its insight capability granted.
type NotificationsConfig struct {
	Toast   bool `json:"toast"`
	Sound   bool `json:"sound"`
	Desktop bool `json:"desktop"`
}

// Notifications announces session lifecycle, finished assistant turns and
// pending permission prompts.
func Notifications() *plugin.Definition {
	return &plugin.Definition{
		ID:          NotificationsID,
		Name:        "Notifications",
		Version:     "1.0.0",
		Description: "Raises an insight for new sessions, finished assistant turns and pending permission prompts.",
		Events: []string{
			plugin.EventSessionCreated,
			plugin.EventAssistantResult,
			plugin.EventPermissionRequest,
		},
		Priority:       0,
		Blocking:       false,
		DefaultEnabled: true,
		DefaultConfig: map[string]any{
			"toast":   true,
			"sound":   false,
			"desktop": false,
		},
		ValidateConfig: validateNotifications,
		Capabilities: []plugin.Capability{
			plugin.CapabilityInsightToast,
			plugin.CapabilityInsightSound,
			plugin.CapabilityInsightDesktop,
		},
		RiskLevel:  plugin.RiskLow,
		APIVersion: APIVersion,
		Handler:    handleNotification,
	}
}

func validateNotifications(raw any) (any, error) {
	var cfg NotificationsConfig
	if err := decodeConfig(raw, &cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func handleNotification(_ context.Context, ev plugin.Event, config any) (*plugin.Result, error) {
	cfg, ok := config.(NotificationsConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", config)
	}

	in := plugin.Insight{
		Toast:   cfg.Toast,
		Sound:   cfg.Sound,
		Desktop: cfg.Desktop,
	}
	switch ev.Name {
	case plugin.EventSessionCreated:
		in.Title = "Session started"
		in.Message = fmt.Sprintf("Session %s is ready.", ev.Meta.SessionID)
		in.Level = plugin.InsightInfo
	case plugin.EventAssistantResult:
		in.Title = "Assistant finished"
		in.Message = stringField(ev.Data, plugin.DataKeySummary)
		if in.Message == "" {
			in.Message = "The assistant has finished its turn."
		}
		in.Level = plugin.InsightSuccess
	case plugin.EventPermissionRequest:
		tool := stringField(ev.Data, plugin.DataKeyToolName)
		if tool == "" {
			tool = "a tool"
		}
		in.Title = "Permission needed"
		in.Message = fmt.Sprintf("The assistant wants to use %s.", tool)
		in.Level = plugin.InsightWarning
	default:
		return nil, nil
	}
	return &plugin.Result{Insights: []plugin.Insight{in}}, nil
}

func stringField(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}
