package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/hookwarden/internal/config"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/plugin"
)

type mockEmitter struct {
	emitFn func(ctx context.Context, ev plugin.Event) (*dispatch.EmitResult, error)
	got    []plugin.Event
}

func (m *mockEmitter) Emit(ctx context.Context, ev plugin.Event) (*dispatch.EmitResult, error) {
	m.got = append(m.got, ev)
	if m.emitFn != nil {
		return m.emitFn(ctx, ev)
	}
	return &dispatch.EmitResult{Insights: []plugin.Insight{}}, nil
}

const testSecret = "test-secret"

func newTestServer(t *testing.T, em Emitter, hub *events.Hub) http.Handler {
	t.Helper()
	cfg, err := FromGlobalConfig(&config.WebhooksConfig{
		Listen: "127.0.0.1:0",
		Endpoints: []config.WebhookEndpoint{
			{Path: "/hooks/desktop", Source: "desktop", Secret: testSecret},
			{Path: "/hooks/prompt", Source: "cli", Event: plugin.EventUserMessageBeforeSend, Secret: testSecret, MaxBodySize: "64"},
		},
	})
	if err != nil {
		t.Fatalf("FromGlobalConfig: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, em, hub, logger).Handler()
}

func post(t *testing.T, h http.Handler, path string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set(DefaultSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestEnvelopeEventIsDispatched(t *testing.T) {
	em := &mockEmitter{emitFn: func(_ context.Context, ev plugin.Event) (*dispatch.EmitResult, error) {
		return &dispatch.EmitResult{
			Insights:           []plugin.Insight{{PluginID: "p", Title: "t"}},
			PermissionDecision: &plugin.PermissionDecision{Behavior: plugin.BehaviorDeny, PluginID: "p"},
		}, nil
	}}
	hub := events.NewHub(8)
	h := newTestServer(t, em, hub)

	body := []byte(`{"name":"permission.request","session_id":"s1","backend_type":"claude","data":{"tool_name":"Bash"}}`)
	rec := post(t, h, "/hooks/desktop", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	if len(em.got) != 1 {
		t.Fatalf("emitted %d events", len(em.got))
	}
	ev := em.got[0]
	if ev.Name != plugin.EventPermissionRequest || ev.Meta.SessionID != "s1" || ev.Meta.Source != "desktop" || ev.Meta.BackendType != "claude" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Data["tool_name"] != "Bash" {
		t.Fatalf("data = %v", ev.Data)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.EventID != ev.Meta.EventID || resp.Result.PermissionDecision == nil {
		t.Fatalf("response = %+v", resp)
	}

	snap := hub.SnapshotSince(0, events.TypeDispatch)
	if len(snap) != 1 {
		t.Fatalf("published %d dispatch summaries", len(snap))
	}
	var summary events.DispatchSummary
	if err := json.Unmarshal(snap[0].Data, &summary); err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.Decision != "deny" || summary.Insights != 1 || summary.SessionID != "s1" {
		t.Fatalf("summary = %+v", summary)
	}
}

func TestFixedEventEndpointTakesDataBody(t *testing.T) {
	em := &mockEmitter{}
	h := newTestServer(t, em, nil)

	body := []byte(`{"content":"hi"}`)
	rec := post(t, h, "/hooks/prompt", body, Sign(body, testSecret))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(em.got) != 1 || em.got[0].Name != plugin.EventUserMessageBeforeSend || em.got[0].Content() != "hi" {
		t.Fatalf("got %+v", em.got)
	}
}

func TestRejectedRequests(t *testing.T) {
	em := &mockEmitter{}
	h := newTestServer(t, em, nil)

	envelope := []byte(`{"name":"session.created"}`)
	tests := []struct {
		name   string
		path   string
		body   []byte
		sig    string
		status int
	}{
		{name: "missing signature", path: "/hooks/desktop", body: envelope, status: http.StatusForbidden},
		{name: "wrong secret", path: "/hooks/desktop", body: envelope, sig: Sign(envelope, "nope"), status: http.StatusForbidden},
		{name: "too large", path: "/hooks/prompt", body: []byte(`{"content":"` + strings.Repeat("x", 100) + `"}`), status: http.StatusRequestEntityTooLarge},
		{name: "wildcard name", path: "/hooks/desktop", body: []byte(`{"name":"*"}`), status: http.StatusBadRequest},
		{name: "not json", path: "/hooks/desktop", body: []byte(`nope`), status: http.StatusBadRequest},
		{name: "unknown path", path: "/hooks/other", body: envelope, status: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := tt.sig
			if sig == "" && tt.status != http.StatusForbidden {
				sig = Sign(tt.body, testSecret)
			}
			rec := post(t, h, tt.path, tt.body, sig)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
		})
	}
	if len(em.got) != 0 {
		t.Fatalf("rejected requests must not dispatch, got %d", len(em.got))
	}
}

func TestDispatchFailureIs500(t *testing.T) {
	em := &mockEmitter{emitFn: func(context.Context, plugin.Event) (*dispatch.EmitResult, error) {
		return nil, errors.New("disk gone")
	}}
	h := newTestServer(t, em, nil)

	body := []byte(`{"name":"session.created"}`)
	rec := post(t, h, "/hooks/desktop", body, Sign(body, testSecret))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "disk gone") {
		t.Fatal("internal error leaked to client")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	cfg := Config{Listen: "127.0.0.1:0"}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(cfg, &mockEmitter{}, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Start() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
