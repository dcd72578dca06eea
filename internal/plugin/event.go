package plugin

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Well-known event names emitted by the host.
const (
	EventWildcard              = "*"
	EventSessionCreated        = "session.created"
	EventSessionEnded          = "session.ended"
	EventPermissionRequest     = "permission.request"
	EventAssistantResult       = "assistant.result"
	EventUserMessageBeforeSend = "user.message.before_send"
)

// Payload keys of a user.message.before_send event.
const (
	DataKeyContent = "content"
	DataKeyImages  = "images"
)

// Payload keys of a permission.request event.
const (
	DataKeyToolName = "tool_name"
	DataKeyInput    = "input"
)

// Payload keys of an assistant.result event.
const (
	DataKeySummary = "summary"
)

// CurrentEventVersion is stamped on events built by NewEvent.
const CurrentEventVersion = 1

// EventMeta identifies an event occurrence.
type EventMeta struct {
	EventID      string    `json:"event_id"`
	EventVersion int       `json:"event_version"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	SessionID    string    `json:"session_id"`
	BackendType  string    `json:"backend_type,omitempty"`
}

// Event is a named lifecycle occurrence dispatched to subscribed plugins.
type Event struct {
	Name string         `json:"name"`
	Meta EventMeta      `json:"meta"`
	Data map[string]any `json:"data"`
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(name, source, sessionID string, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{
		Name: name,
		Meta: EventMeta{
			EventID:      uuid.NewString(),
			EventVersion: CurrentEventVersion,
			Timestamp:    time.Now().UTC(),
			Source:       source,
			SessionID:    sessionID,
		},
		Data: data,
	}
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneMap(e.Data)
	return out
}

// WithData returns a derived event with patch shallow-merged over a copy of
// the data. The receiver is not modified.
func (e Event) WithData(patch map[string]any) Event {
	out := e.Clone()
	if out.Data == nil {
		out.Data = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		out.Data[k] = cloneValue(v)
	}
	return out
}

// Content returns the string content of a user message event.
func (e Event) Content() string {
	s, _ := e.Data[DataKeyContent].(string)
	return s
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	case []Image:
		out := make([]Image, len(t))
		copy(out, t)
		return out
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}
