package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/mattjoyce/hookwarden/internal/auth"
	"github.com/mattjoyce/hookwarden/internal/dispatch"
	"github.com/mattjoyce/hookwarden/internal/events"
	"github.com/mattjoyce/hookwarden/internal/log"
	"github.com/mattjoyce/hookwarden/internal/plugin"
	"github.com/mattjoyce/hookwarden/internal/state"
	"github.com/mattjoyce/hookwarden/internal/state/mocks"
)

const (
	adminKey    = "admin-key"
	readerToken = "reader-token"
	eventsToken = "events-token"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func echoPlugin() *plugin.Definition {
	return &plugin.Definition{
		ID:             "echo",
		Name:           "Echo",
		Version:        "1.0.0",
		Events:         []string{plugin.EventWildcard},
		Priority:       10,
		Blocking:       true,
		DefaultEnabled: true,
		DefaultConfig:  map[string]any{"title": "echo"},
		ValidateConfig: func(raw any) (any, error) {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, errors.New("config must be an object")
			}
			if _, ok := m["title"].(string); !ok {
				return nil, errors.New("title must be a string")
			}
			return m, nil
		},
		Capabilities: []plugin.Capability{plugin.CapabilityPermissionAutoDecide},
		Handler: func(ctx context.Context, ev plugin.Event, config any) (*plugin.Result, error) {
			title := config.(map[string]any)["title"].(string)
			return &plugin.Result{
				Insights:           []plugin.Insight{{Title: title, Message: ev.Name}},
				PermissionDecision: &plugin.PermissionDecision{Behavior: plugin.BehaviorAllow},
			}, nil
		},
	}
}

func newTestServer(t *testing.T, store state.Store) (*Server, *events.Hub) {
	t.Helper()
	if store == nil {
		store = state.NewMemoryStore()
	}
	hub := events.NewHub(32)
	m := dispatch.New(store, nil, hub.PublishInsight)
	if err := m.Register(echoPlugin()); err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: readerToken, Scopes: []string{auth.ScopePluginsRO}},
			{Token: eventsToken, Scopes: []string{auth.ScopeEventsRW}},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(cfg, m, hub, logger), hub
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rr.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v (body %q)", err, rr.Body.String())
	}
	return out
}

func TestHealthzUnauthenticated(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := do(t, s, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	resp := decode[HealthzResponse](t, rr)
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %q", resp.Status)
	}
	if resp.PluginsLoaded != 1 {
		t.Fatalf("expected plugins_loaded 1, got %d", resp.PluginsLoaded)
	}
}

func TestAuthAndScopes(t *testing.T) {
	s, _ := newTestServer(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"missing token", http.MethodGet, "/plugins", "", nil, http.StatusUnauthorized},
		{"bad token", http.MethodGet, "/plugins", "nope", nil, http.StatusUnauthorized},
		{"reader can list", http.MethodGet, "/plugins", readerToken, nil, http.StatusOK},
		{"reader cannot write", http.MethodPut, "/plugins/echo/enabled", readerToken, map[string]any{"enabled": false}, http.StatusForbidden},
		{"reader cannot emit", http.MethodPost, "/events", readerToken, map[string]any{"name": "x"}, http.StatusForbidden},
		{"events token cannot list", http.MethodGet, "/plugins", eventsToken, nil, http.StatusForbidden},
		{"events token can emit", http.MethodPost, "/events", eventsToken, map[string]any{"name": "x"}, http.StatusOK},
		{"admin can write", http.MethodPut, "/plugins/echo/enabled", adminKey, map[string]any{"enabled": true}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, s, tt.method, tt.path, tt.token, tt.body)
			if rr.Code != tt.want {
				t.Fatalf("expected status %d, got %d (%s)", tt.want, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPluginLifecycle(t *testing.T) {
	s, hub := newTestServer(t, nil)

	rr := do(t, s, http.MethodGet, "/plugins/echo", readerToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get plugin: %d", rr.Code)
	}
	info := decode[dispatch.RuntimeInfo](t, rr)
	if !info.Enabled || info.Health.Status != "healthy" {
		t.Fatalf("unexpected initial info: %+v", info)
	}

	rr = do(t, s, http.MethodPut, "/plugins/echo/enabled", adminKey, map[string]any{"enabled": false})
	info = decode[dispatch.RuntimeInfo](t, rr)
	if info.Enabled || info.Health.Status != "disabled" {
		t.Fatalf("plugin should be disabled: %+v", info)
	}

	rr = do(t, s, http.MethodPut, "/plugins/echo/config", adminKey, map[string]any{"config": map[string]any{"title": "hi"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("update config: %d %s", rr.Code, rr.Body.String())
	}

	rr = do(t, s, http.MethodPut, "/plugins/echo/grants", adminKey, map[string]any{"grants": map[string]any{"permission:auto-decide": false}})
	info = decode[dispatch.RuntimeInfo](t, rr)
	if len(info.GrantedCapabilities) != 0 {
		t.Fatalf("grant should be revoked: %+v", info.GrantedCapabilities)
	}

	changes := hub.SnapshotSince(0, events.TypePluginChanged)
	if len(changes) != 3 {
		t.Fatalf("expected 3 plugin.changed events, got %d", len(changes))
	}
}

func TestRejectedConfigReturns400WithPluginID(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := do(t, s, http.MethodPut, "/plugins/echo/config", adminKey, map[string]any{"config": map[string]any{"title": 5}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	resp := decode[ErrorResponse](t, rr)
	if resp.PluginID != "echo" || !strings.Contains(resp.Error, "title") {
		t.Fatalf("unexpected error response: %+v", resp)
	}
}

func TestUnknownPluginReturns404(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, path := range []string{"/plugins/ghost", "/plugins/ghost/stats"} {
		if rr := do(t, s, http.MethodGet, path, adminKey, nil); rr.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rr.Code)
		}
	}
	rr := do(t, s, http.MethodPost, "/plugins/ghost/dry-run", adminKey, map[string]any{"event": map[string]any{"name": "x"}})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("dry-run: expected 404, got %d", rr.Code)
	}
}

func TestEmitReturnsAggregatedResult(t *testing.T) {
	s, hub := newTestServer(t, nil)

	rr := do(t, s, http.MethodPost, "/events", adminKey, map[string]any{
		"name":       plugin.EventPermissionRequest,
		"session_id": "sess-9",
		"data":       map[string]any{"tool_name": "Bash"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("emit: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[EmitResponse](t, rr)
	if resp.EventID == "" {
		t.Fatal("missing event id")
	}
	if resp.Result.PermissionDecision == nil || resp.Result.PermissionDecision.PluginID != "echo" {
		t.Fatalf("expected decision from echo: %+v", resp.Result)
	}
	if len(resp.Result.Insights) != 1 || resp.Result.Insights[0].SessionID != "sess-9" {
		t.Fatalf("unexpected insights: %+v", resp.Result.Insights)
	}

	summaries := hub.SnapshotSince(0, events.TypeDispatch)
	if len(summaries) != 1 {
		t.Fatalf("expected one dispatch summary, got %d", len(summaries))
	}
	var sum events.DispatchSummary
	if err := json.Unmarshal(summaries[0].Data, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.Decision != "allow" || sum.EventID != resp.EventID {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}

func TestEmitValidatesEventName(t *testing.T) {
	s, _ := newTestServer(t, nil)

	for _, body := range []any{map[string]any{}, map[string]any{"name": "*"}, "not an object"} {
		if rr := do(t, s, http.MethodPost, "/events", adminKey, body); rr.Code != http.StatusBadRequest {
			t.Fatalf("body %v: expected 400, got %d", body, rr.Code)
		}
	}
}

func TestDryRunWithConfigOverride(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := do(t, s, http.MethodPost, "/plugins/echo/dry-run", adminKey, map[string]any{
		"event":  map[string]any{"name": "session.created"},
		"config": map[string]any{"title": "preview"},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("dry-run: %d %s", rr.Code, rr.Body.String())
	}
	resp := decode[EmitResponse](t, rr)
	if resp.Result.Aborted || len(resp.Result.Insights) != 1 || resp.Result.Insights[0].Title != "preview" {
		t.Fatalf("unexpected dry-run result: %+v", resp.Result)
	}

	rr = do(t, s, http.MethodPost, "/plugins/echo/dry-run", adminKey, map[string]any{
		"event":  map[string]any{"name": "session.created"},
		"config": []any{1, 2},
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid override, got %d", rr.Code)
	}
}

func TestStoreFailureReturns500(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	store := mocks.NewMockStore(ctrl)
	store.EXPECT().Get(gomock.Any()).Return(state.State{}, state.ErrIO).AnyTimes()
	s, _ := newTestServer(t, store)

	rr := do(t, s, http.MethodGet, "/plugins", adminKey, nil)
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	rr = do(t, s, http.MethodPost, "/events", adminKey, map[string]any{"name": "x"})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestMetricsExposition(t *testing.T) {
	s, _ := newTestServer(t, nil)
	do(t, s, http.MethodPost, "/events", adminKey, map[string]any{"name": "x"})

	rr := do(t, s, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		`hookwarden_plugin_invocations_total{outcome="success",plugin="echo"} 1`,
		`hookwarden_plugin_health{plugin="echo",status="healthy"} 1`,
		`hookwarden_plugin_duration_p95_ms{plugin="echo"}`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestOpenAPIListsPluginIDs(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rr := do(t, s, http.MethodGet, "/openapi.json", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("openapi: %d", rr.Code)
	}
	doc := decode[map[string]any](t, rr)
	paths := doc["paths"].(map[string]any)
	if _, ok := paths["/plugins/{id}/dry-run"]; !ok {
		t.Fatal("dry-run path missing")
	}
	get := paths["/plugins/{id}"].(map[string]any)["get"].(map[string]any)
	param := get["parameters"].([]any)[0].(map[string]any)
	enum := param["schema"].(map[string]any)["enum"].([]any)
	if len(enum) != 1 || enum[0] != "echo" {
		t.Fatalf("unexpected id enum %v", enum)
	}
}

func TestEventsStreamReplaysAndFilters(t *testing.T) {
	s, hub := newTestServer(t, nil)
	hub.Publish(events.TypeDispatch, map[string]any{"n": 1})
	hub.PublishInsight(plugin.Insight{PluginID: "echo", Title: "async"})

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?types="+events.TypeInsight, nil)
	req.Header.Set("Authorization", "Bearer "+adminKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) != 3 {
		t.Fatalf("expected one framed event, got %q", lines)
	}
	if lines[1] != "event: "+events.TypeInsight {
		t.Fatalf("expected insight event, got %q", lines[1])
	}
	if !strings.Contains(lines[2], `"title":"async"`) {
		t.Fatalf("unexpected data line %q", lines[2])
	}
}
