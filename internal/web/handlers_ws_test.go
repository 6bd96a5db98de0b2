package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"cellnode/internal/node"
	"cellnode/internal/ota"

	"nhooyr.io/websocket"
)

func startHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(testLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func clientCount(hub *WSHub) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.clients)
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for clientCount(hub) != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", clientCount(hub), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func recvType(t *testing.T, c *wsClient) string {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var ev struct{ Type string }
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatal(err)
		}
		return ev.Type
	case <-time.After(time.Second):
		t.Fatal("no message")
	}
	return ""
}

func TestParseTypes(t *testing.T) {
	tests := []struct {
		q    string
		want map[string]bool
	}{
		{"", nil},
		{" , ", nil},
		{"ota_state", map[string]bool{"ota_state": true}},
		{"ota_state, network_status,", map[string]bool{"ota_state": true, "network_status": true}},
	}
	for _, tt := range tests {
		if got := parseTypes(tt.q); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseTypes(%q) = %v, want %v", tt.q, got, tt.want)
		}
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := startHub(t)
	c := newWSClient(nil, nil)

	hub.register <- c
	waitClients(t, hub, 1)
	hub.unregister <- c
	waitClients(t, hub, 0)

	if _, ok := <-c.send; ok {
		t.Error("send channel open after unregister")
	}
}

func TestWSHubFiltersByType(t *testing.T) {
	hub := startHub(t)
	all := newWSClient(nil, nil)
	otaOnly := newWSClient(nil, parseTypes("ota_state"))
	hub.register <- all
	hub.register <- otaOnly
	waitClients(t, hub, 2)

	hub.Broadcast(node.Event{Type: node.EventNetworkStatus, Data: node.NetworkStatus{Stat: 1, Registered: true}})
	hub.Broadcast(node.Event{Type: node.EventOTAState, Data: ota.State{Phase: ota.PhaseChecking}})

	if got := recvType(t, all); got != node.EventNetworkStatus {
		t.Errorf("all: first = %q, want network_status", got)
	}
	if got := recvType(t, all); got != node.EventOTAState {
		t.Errorf("all: second = %q, want ota_state", got)
	}
	if got := recvType(t, otaOnly); got != node.EventOTAState {
		t.Errorf("filtered: first = %q, want ota_state", got)
	}
	select {
	case msg := <-otaOnly.send:
		t.Errorf("filtered client got extra message %s", msg)
	default:
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := startHub(t)
	slow := &wsClient{send: make(chan []byte, 1)}
	fast := newWSClient(nil, nil)
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(node.Event{Type: node.EventIncomingData, Data: node.IncomingData{Length: 1}})
	hub.Broadcast(node.Event{Type: node.EventIncomingData, Data: node.IncomingData{Length: 2}})
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client evicted")
	}
}

func TestWSHubBroadcastNeverBlocks(t *testing.T) {
	hub := NewWSHub(testLogger()) // not running: the queue fills up

	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Broadcast(node.Event{Type: node.EventTimeSync})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked on a full queue")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := NewWSHub(testLogger())
	go hub.Run()
	c := newWSClient(nil, nil)
	hub.register <- c
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-c.send:
		if ok {
			t.Error("unexpected message after stop")
		}
	case <-time.After(time.Second):
		t.Error("send channel not closed after stop")
	}
}

func TestWSStreamTypeFilter(t *testing.T) {
	srv, n := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?types=ota_state"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitClients(t, srv.wsHub, 1)

	n.bus.Emit(node.Event{Type: node.EventNetworkStatus, Data: node.NetworkStatus{Stat: 2}})
	n.bus.Emit(node.Event{Type: node.EventOTAState, Data: ota.State{Phase: ota.PhaseUpToDate}})

	// No status snapshot and no network event: the first frame is the OTA state.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var ev struct {
		Type string
		Data ota.State
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != node.EventOTAState || ev.Data.Phase != ota.PhaseUpToDate {
		t.Errorf("first frame = %s", data)
	}
}
