// Package events is an in-memory pub/sub used to fan dispatch activity out
// to streaming clients.
package events

import (
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/hookwarden/internal/plugin"
)

// Event types published by hookwarden.
const (
	TypeInsight          = "plugin.insight"
	TypeDispatch         = "dispatch.completed"
	TypePluginChanged    = "plugin.changed"
	subscriberBufferSize = 128
)

type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// DispatchSummary is published after every synchronous dispatch.
type DispatchSummary struct {
	EventName  string `json:"event_name"`
	EventID    string `json:"event_id"`
	SessionID  string `json:"session_id,omitempty"`
	Insights   int    `json:"insights"`
	Decision   string `json:"decision,omitempty"`
	Mutated    bool   `json:"mutated"`
	Aborted    bool   `json:"aborted"`
	DurationMs int64  `json:"duration_ms"`
}

// PluginChange is published when an operator changes a plugin's settings.
type PluginChange struct {
	PluginID string `json:"plugin_id"`
	Field    string `json:"field"`
}

type subscriber struct {
	ch    chan Event
	types []string
}

func (s subscriber) wants(t string) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// Hub is an in-memory pub/sub with a small ring buffer for late clients.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 100
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records an event and offers it to every interested subscriber.
func (h *Hub) Publish(eventType string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ev := Event{
		ID:   h.nextID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}
	h.pushLocked(ev)
	for _, s := range h.subs {
		if !s.wants(eventType) {
			continue
		}
		// Slow clients lose events instead of blocking producers.
		select {
		case s.ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	return ev
}

// PublishInsight is shaped to serve as the dispatch engine's insight callback.
func (h *Hub) PublishInsight(in plugin.Insight) {
	h.Publish(TypeInsight, in)
}

// Subscribe registers a subscriber for the given types, or all types when
// none are given. The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(types ...string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, subscriberBufferSize)
	h.subs[id] = subscriber{ch: ch, types: slices.Clone(types)}

	cancel := func() {
		h.mu.Lock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first,
// restricted to types when any are given.
func (h *Hub) SnapshotSince(lastID int64, types ...string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	filter := subscriber{types: types}
	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID > lastID && filter.wants(ev.Type) {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped returns how many deliveries were skipped because a subscriber
// buffer was full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	// Overwrite oldest.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
