package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"cellnode/internal/automation"
	"cellnode/internal/firmware"
	"cellnode/internal/node"
	"cellnode/internal/ota"

	"nhooyr.io/websocket"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeNode struct {
	bus *node.EventBus

	mu         sync.Mutex
	status     node.Status
	triggered  []string
	sources    []string
	done       []string
	triggerErr error
	doErr      error
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		bus: node.NewEventBus(testLogger()),
		status: node.Status{
			Node:     "node-1",
			Firmware: firmware.Info{Version: "1.4.1", Commit: "abc123"},
			OTA:      ota.State{Phase: ota.PhaseIdle},
		},
	}
}

func (n *fakeNode) Events() *node.EventBus { return n.bus }

func (n *fakeNode) Status() node.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

func (n *fakeNode) Trigger(action, source string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.triggerErr != nil {
		return n.triggerErr
	}
	n.triggered = append(n.triggered, action)
	n.sources = append(n.sources, source)
	return nil
}

func (n *fakeNode) Do(_ context.Context, action string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.done = append(n.done, action)
	if n.doErr != nil {
		n.status.OTA = ota.State{Phase: ota.PhaseFailed, Reason: ota.ReasonNetwork}
		return n.doErr
	}
	n.status.OTA = ota.State{Phase: ota.PhaseUpToDate}
	return nil
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeNode) {
	t.Helper()
	n := newFakeNode()
	srv := NewServer(n, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, n
}

func do(srv http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIStatus(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got node.Status
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.Node != "node-1" || got.Firmware.Commit != "abc123" || got.OTA.Phase != ota.PhaseIdle {
		t.Errorf("status = %+v", got)
	}
}

func TestAPIOTA(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/ota", nil)
	var got ota.State
	json.NewDecoder(w.Body).Decode(&got)
	if got.Phase != ota.PhaseIdle {
		t.Errorf("phase = %s, want idle", got.Phase)
	}
}

func TestAPIOTAActionQueued(t *testing.T) {
	srv, n := setupTestServer(t)
	for _, action := range []string{"check", "download", "verify", "apply", "update"} {
		w := do(srv, "POST", "/api/ota/"+action, nil)
		if w.Code != http.StatusAccepted {
			t.Errorf("POST %s status = %d, want 202", action, w.Code)
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if strings.Join(n.triggered, ",") != "check,download,verify,apply,update" {
		t.Errorf("triggered = %v", n.triggered)
	}
	if n.sources[0] != "api" {
		t.Errorf("source = %q, want api", n.sources[0])
	}
}

func TestAPIOTAActionUnknown(t *testing.T) {
	srv, n := setupTestServer(t)
	for _, action := range []string{"sync_time", "reboot"} {
		if w := do(srv, "POST", "/api/ota/"+action, nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", action, w.Code)
		}
	}
	if len(n.triggered) != 0 {
		t.Errorf("triggered = %v", n.triggered)
	}
}

func TestAPIOTAActionQueueFull(t *testing.T) {
	srv, n := setupTestServer(t)
	n.triggerErr = node.ErrQueueFull
	if w := do(srv, "POST", "/api/ota/check", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAPIOTAActionWait(t *testing.T) {
	srv, n := setupTestServer(t)
	w := do(srv, "POST", "/api/ota/check?wait=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got node.Status
	json.NewDecoder(w.Body).Decode(&got)
	if got.OTA.Phase != ota.PhaseUpToDate {
		t.Errorf("phase = %s, want up_to_date", got.OTA.Phase)
	}

	n.doErr = errors.New("manifest fetch: timeout")
	w = do(srv, "POST", "/api/ota/check?wait=1", nil)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
	if !strings.Contains(w.Body.String(), "manifest fetch: timeout") {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestAPITimeSync(t *testing.T) {
	srv, n := setupTestServer(t)
	if w := do(srv, "POST", "/api/time/sync", nil); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if len(n.triggered) != 1 || n.triggered[0] != node.ActionSyncTime {
		t.Errorf("triggered = %v", n.triggered)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, WithVersion("1.4.1"))
	w := do(srv, "GET", "/api/version", nil)
	if !strings.Contains(w.Body.String(), `"version":"1.4.1"`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))
	w := do(srv, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "cellnode_at_exchange_seconds") {
		t.Error("metrics output missing exchange latency histogram")
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, WithAPIKey("secret"))
	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", []string{"X-API-Key", "nope"}, http.StatusUnauthorized},
		{"valid", []string{"X-API-Key", "secret"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(srv, "GET", "/api/status", nil, tt.header...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv, n := setupTestServer(t, WithAllowedOrigins([]string{"http://ops.local"}))

	w := do(srv, "OPTIONS", "/api/ota/check", nil, "Origin", "http://ops.local")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://ops.local" {
		t.Errorf("preflight = %d %v", w.Code, w.Header())
	}
	if w := do(srv, "OPTIONS", "/api/ota/check", nil, "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight status = %d, want 403", w.Code)
	}
	if w := do(srv, "POST", "/api/ota/check", nil, "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign POST status = %d, want 403", w.Code)
	}
	if w := do(srv, "GET", "/api/status", nil, "Origin", "http://evil.example"); w.Code != http.StatusOK {
		t.Errorf("foreign GET status = %d, want 200", w.Code)
	}
	if len(n.triggered) != 0 {
		t.Errorf("forbidden request triggered %v", n.triggered)
	}
}

func TestAutomationAPI(t *testing.T) {
	n := newFakeNode()
	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(n, mgr, testLogger(), automation.SystemConfig{})
	engine.Start()
	t.Cleanup(engine.Stop)
	srv := NewServer(n, testLogger(), WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)

	if w := do(srv, "POST", "/api/automations", map[string]any{"lua_code": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("create without name = %d, want 400", w.Code)
	}

	w := do(srv, "POST", "/api/automations", map[string]any{
		"name":     "Check on registration",
		"lua_code": `node.on("network_status", {registered=true}, function() node.trigger("check") end)`,
		"enabled":  true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", w.Code, w.Body.String())
	}
	var created automation.Script
	json.NewDecoder(w.Body).Decode(&created)
	if created.ID != "check_on_registration" {
		t.Fatalf("id = %q", created.ID)
	}

	n.bus.Emit(node.Event{Type: node.EventNetworkStatus, Data: node.NetworkStatus{Stat: 1, Registered: true}})
	deadline := time.Now().Add(2 * time.Second)
	for {
		n.mu.Lock()
		got := len(n.triggered)
		n.mu.Unlock()
		if got == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("script did not trigger check")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w = do(srv, "GET", "/api/automations", nil)
	var list []scriptView
	json.NewDecoder(w.Body).Decode(&list)
	if len(list) != 1 || !list[0].Running {
		t.Errorf("list = %+v, want one running script", list)
	}

	w = do(srv, "POST", "/api/automations", map[string]any{"name": "Broken", "lua_code": "node.on(", "enabled": true})
	var broken scriptView
	json.NewDecoder(w.Body).Decode(&broken)
	if w.Code != http.StatusCreated || broken.Running || broken.LoadError == "" {
		t.Errorf("broken script = %d %+v, want saved with load error", w.Code, broken)
	}
	if w := do(srv, "GET", "/api/automations/a..b", nil); w.Code != http.StatusBadRequest {
		t.Errorf("get invalid id = %d, want 400", w.Code)
	}
	if w := do(srv, "GET", "/api/automations/missing", nil); w.Code != http.StatusNotFound {
		t.Errorf("get missing = %d, want 404", w.Code)
	}

	w = do(srv, "POST", "/api/automations/"+created.ID+"/toggle", nil)
	var toggled automation.Script
	json.NewDecoder(w.Body).Decode(&toggled)
	if toggled.Meta.Enabled {
		t.Error("toggle left script enabled")
	}
	if running := engine.Running(); len(running) != 0 {
		t.Errorf("running after disable = %v", running)
	}

	w = do(srv, "POST", "/api/automations/_inline/run", map[string]any{"lua_code": `node.log(node.status().node)`})
	var res automation.RunResult
	json.NewDecoder(w.Body).Decode(&res)
	if !res.OK || len(res.Logs) != 1 || res.Logs[0] != "node-1" {
		t.Errorf("inline run = %+v", res)
	}

	if w := do(srv, "DELETE", "/api/automations/"+created.ID, nil); w.Code != http.StatusOK {
		t.Errorf("delete = %d", w.Code)
	}
	if w := do(srv, "GET", "/api/automations/"+created.ID, nil); w.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", w.Code)
	}
}

func TestAutomationAPIWithoutEngine(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := do(srv, "GET", "/api/automations", nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list = %d %s", w.Code, w.Body.String())
	}
	if w := do(srv, "POST", "/api/automations/_inline/run", map[string]any{"lua_code": ""}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("run = %d, want 503", w.Code)
	}
	if w := do(srv, "POST", "/api/automations", map[string]any{"name": "x"}); w.Code != http.StatusServiceUnavailable {
		t.Errorf("create = %d, want 503", w.Code)
	}
}

func TestWSStream(t *testing.T) {
	srv, n := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() map[string]any {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}

	first := read()
	if first["type"] != "status" {
		t.Fatalf("first message type = %v, want status", first["type"])
	}
	if d, _ := first["data"].(map[string]any); d["node"] != "node-1" {
		t.Errorf("snapshot = %v", first["data"])
	}

	n.bus.Emit(node.Event{Type: node.EventOTAState, Data: ota.State{Phase: ota.PhaseChecking}})
	ev := read()
	if ev["type"] != node.EventOTAState {
		t.Fatalf("event type = %v", ev["type"])
	}
	if d, _ := ev["data"].(map[string]any); d["phase"] != "checking" {
		t.Errorf("event data = %v", ev["data"])
	}
}
