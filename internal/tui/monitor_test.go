package tui

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/telemetry"
)

func TestReadSSE(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"",
		"id: 7",
		"event: plugin.insight",
		`data: {"plugin_id":"a","title":"hi","level":"info"}`,
		"",
		"id: 8",
		"event: dispatch.completed",
		`data: {"event_name":"session.created","insights":1}`,
		"",
		"id: 9",
		"event: plugin.changed",
		"",
	}, "\n")

	var got []events.Event
	if err := readSSE(strings.NewReader(stream), func(e events.Event) { got = append(got, e) }); err != nil {
		t.Fatalf("readSSE: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ID != 7 || got[0].Type != events.TypeInsight {
		t.Fatalf("first event = %+v", got[0])
	}
	if got[1].ID != 8 || got[1].Type != events.TypeDispatch {
		t.Fatalf("second event = %+v", got[1])
	}
	if got[0].At.IsZero() {
		t.Fatal("missing timestamp default")
	}
}

func TestPluginRows(t *testing.T) {
	infos := []dispatch.RuntimeInfo{
		{
			ID: "builtin.permission-rules", Priority: 100, Blocking: true, Enabled: true,
			Health: telemetry.Health{Status: telemetry.HealthHealthy},
			Stats:  telemetry.Stats{Invocations: 12, Errors: 1, P95DurationMs: 3.5},
		},
		{
			ID: "builtin.notifications", Priority: 0,
			Health: telemetry.Health{Status: telemetry.HealthDisabled},
		},
	}

	rows := pluginRows(NewDefaultTheme(), infos)
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	first := rows[0]
	if first[1] != "builtin.permission-rules" || first[2] != "yes" || first[3] != "100" || first[4] != "blocking" {
		t.Fatalf("unexpected first row: %v", first)
	}
	if first[5] != "12" || first[6] != "1" || first[8] != "3.5" {
		t.Fatalf("unexpected counters: %v", first)
	}
	if rows[1][2] != "no" || rows[1][4] != "async" {
		t.Fatalf("unexpected second row: %v", rows[1])
	}
}

func TestFormatEvent(t *testing.T) {
	theme := NewDefaultTheme()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	insight, _ := json.Marshal(plugin.Insight{PluginID: "p1", Title: "Session started", Level: plugin.InsightInfo})
	line := formatEvent(theme, events.Event{Type: events.TypeInsight, At: at, Data: insight})
	if !strings.Contains(line, "p1: Session started") {
		t.Fatalf("insight line = %q", line)
	}

	summary, _ := json.Marshal(events.DispatchSummary{EventName: "permission.request", Insights: 2, Decision: "deny", DurationMs: 4})
	line = formatEvent(theme, events.Event{Type: events.TypeDispatch, At: at, Data: summary})
	for _, want := range []string{"permission.request", "insights=2", "decision=deny", "4ms"} {
		if !strings.Contains(line, want) {
			t.Fatalf("dispatch line %q missing %q", line, want)
		}
	}

	change, _ := json.Marshal(events.PluginChange{PluginID: "p2", Field: "enabled"})
	line = formatEvent(theme, events.Event{Type: events.TypePluginChanged, At: at, Data: change})
	if !strings.Contains(line, "p2 enabled updated") {
		t.Fatalf("change line = %q", line)
	}
}

func TestModelUpdate(t *testing.T) {
	m := NewMonitor(NewClient("http://127.0.0.1:0", "tok"))

	next, _ := m.Update(pluginsMsg{{ID: "a", Enabled: true}})
	m = next.(Model)
	if !m.online || len(m.table.Rows()) != 1 {
		t.Fatalf("plugins not applied: online=%v rows=%d", m.online, len(m.table.Rows()))
	}

	for i := 0; i < maxLogLines+5; i++ {
		next, _ = m.Update(eventMsg{Type: "x", At: time.Now(), Data: json.RawMessage(`{}`)})
		m = next.(Model)
	}
	if len(m.log) != maxLogLines {
		t.Fatalf("log len = %d, want %d", len(m.log), maxLogLines)
	}

	next, _ = m.Update(errMsg{err: context.DeadlineExceeded})
	m = next.(Model)
	if m.online || m.lastErr == nil {
		t.Fatal("error should mark the monitor offline")
	}
}

func TestClientPluginsAndHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/healthz":
			_, _ = w.Write([]byte(`{"status":"ok","uptime_seconds":5,"plugins_loaded":3,"plugins_degraded":0}`))
		case "/plugins":
			_, _ = w.Write([]byte(`{"plugins":[{"id":"a","priority":5}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.PluginsLoaded != 3 {
		t.Fatalf("plugins_loaded = %d", h.PluginsLoaded)
	}

	infos, err := c.Plugins(context.Background())
	if err != nil {
		t.Fatalf("Plugins: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != "a" || infos[0].Priority != 5 {
		t.Fatalf("plugins = %+v", infos)
	}

	if _, err := NewClient(srv.URL, "wrong").Health(context.Background()); err == nil {
		t.Fatal("expected error for bad token")
	}
}
