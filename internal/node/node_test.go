package node

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cellnode/internal/bank"
	"cellnode/internal/firmware"
	"cellnode/internal/modem"
	"cellnode/internal/modem/modemtest"
	"cellnode/internal/ntp"
	"cellnode/internal/ota"
	"cellnode/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

var local = firmware.Info{Version: "1.4.1", Commit: "abc123"}

type staticSource struct {
	manifest []byte
	err      error
}

func (s *staticSource) FetchManifest(context.Context) ([]byte, error) { return s.manifest, s.err }

func (s *staticSource) Prepare(context.Context, firmware.Info) (int64, error) {
	return 0, errors.New("not expected")
}

func (s *staticSource) ReadImage(context.Context, string, io.Writer, int64, int64) (int64, error) {
	return 0, errors.New("not expected")
}

func sara(c *modemtest.Conn, cmd string) {
	switch cmd {
	case "AT", "ATE0", "AT+CMEE=2", "AT+CEREG=2":
		c.Send("OK")
	case "ATI":
		c.Send("u-blox", "SARA-R510M8S", "OK")
	case "AT+CGMR":
		c.Send("03.15", "OK")
	case "AT+CEREG?":
		c.Send(`+CEREG: 2,1,"1A2B","01A2B3C4",7`, "OK")
	default:
		c.Send("ERROR")
	}
}

type harness struct {
	node *Node
	conn *modemtest.Conn
	bus  *EventBus
}

func newHarness(t *testing.T, src ota.Source, cfg Config) *harness {
	t.Helper()
	tr, conn := modemtest.New(sara)
	eng := modem.NewEngine(tr, modem.NewDispatcher(testLogger()), testLogger())
	t.Cleanup(func() { eng.Close() })

	dir := t.TempDir()
	st, err := store.NewBoltStore(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	banks, err := bank.Open(filepath.Join(dir, "images"), st, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := banks.Seed(store.SlotA, local, bytes.NewReader([]byte("factory image"))); err != nil {
		t.Fatal(err)
	}

	bus := NewEventBus(testLogger())
	updater := ota.New(local, src, banks, st, nil, ota.Config{Image: "wombat.bin"}, testLogger())
	syncer := ntp.NewSyncer(eng, nil, ntp.Config{}, testLogger())
	if cfg.ID == "" {
		cfg.ID = "node-1"
	}
	return &harness{node: New(eng, syncer, updater, banks, bus, local, cfg, testLogger()), conn: conn, bus: bus}
}

// collect subscribes to eventType and returns a channel of its events.
func (h *harness) collect(eventType string) <-chan Event {
	ch := make(chan Event, 16)
	h.bus.On(eventType, func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event, match func(Event) bool) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestStart(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{})
	if err := h.node.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	want := []string{"AT", "ATE0", "AT+CMEE=2", "AT+CEREG=2", "ATI", "AT+CGMR", "AT+CEREG?"}
	if got := h.conn.Commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %q, want %q", got, want)
	}

	s := h.node.Status()
	if s.Modem.Model != "u-blox SARA-R510M8S" || s.Modem.Revision != "03.15" {
		t.Errorf("modem = %+v", s.Modem)
	}
	if !s.Network.Registered || s.Network.TAC != "1A2B" || s.Network.CellID != "01A2B3C4" {
		t.Errorf("network = %+v", s.Network)
	}
	if s.Node != "node-1" || s.Firmware.Commit != "abc123" {
		t.Errorf("status = %+v", s)
	}
	if s.Banks == nil || s.Banks.Active != store.SlotA {
		t.Errorf("banks = %+v", s.Banks)
	}
}

func TestParseCEREG(t *testing.T) {
	tests := []struct {
		name  string
		p     []string
		query bool
		want  NetworkStatus
	}{
		{"urc searching", []string{"2"}, false, NetworkStatus{Stat: 2}},
		{"urc roaming", []string{"5", "00C3", "0A1B2C3D", "7"}, false, NetworkStatus{Stat: 5, Registered: true, TAC: "00C3", CellID: "0A1B2C3D"}},
		{"query home", []string{"2", "1", "1A2B", "01A2B3C4", "7"}, true, NetworkStatus{Stat: 1, Registered: true, TAC: "1A2B", CellID: "01A2B3C4"}},
		{"query denied", []string{"0", "3"}, true, NetworkStatus{Stat: 3}},
		{"empty", nil, false, NetworkStatus{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseCEREG(tt.p, tt.query); got != tt.want {
				t.Errorf("parseCEREG = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTriggerQueue(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{QueueSize: 2})

	if err := h.node.Trigger("reboot", "test"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("unknown action err = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := h.node.Trigger(ActionCheck, "test"); err != nil {
			t.Fatalf("Trigger #%d: %v", i+1, err)
		}
	}
	if err := h.node.Trigger(ActionCheck, "test"); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third Trigger err = %v, want ErrQueueFull", err)
	}
	if q := h.node.Status().Queued; q != 2 {
		t.Errorf("Queued = %d, want 2", q)
	}
}

func TestRunServesTriggeredCheck(t *testing.T) {
	h := newHarness(t, &staticSource{manifest: []byte("commit: abc123\nsize: 100\n")}, Config{PollInterval: 20 * time.Millisecond})
	states := h.collect(EventOTAState)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.node.Run(ctx) }()

	if err := h.node.Trigger(ActionCheck, "test"); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, states, func(ev Event) bool {
		return ev.Data.(ota.State).Phase == ota.PhaseUpToDate
	})

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil after cancel", err)
	}
}

func TestRunDispatchesNotifications(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{PollInterval: 20 * time.Millisecond})
	network := h.collect(EventNetworkStatus)
	incoming := h.collect(EventIncomingData)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.node.Run(ctx)

	h.conn.Send(`+CEREG: 5,"00C3","0A1B2C3D",7`, "+UUSORF: 0,48")

	ev := waitEvent(t, network, func(Event) bool { return true })
	if ns := ev.Data.(NetworkStatus); ns.Stat != 5 || !ns.Registered {
		t.Errorf("network = %+v", ns)
	}
	ev = waitEvent(t, incoming, func(Event) bool { return true })
	if d := ev.Data.(IncomingData); d != (IncomingData{Socket: 0, Length: 48}) {
		t.Errorf("incoming = %+v", d)
	}
}

func TestFailedRequestEmitsEvent(t *testing.T) {
	h := newHarness(t, &staticSource{err: &modem.CommandRejectedError{Command: "AT+UFTPC=100", Text: "ERROR"}}, Config{})
	failed := h.collect(EventRequestFailed)

	if err := h.node.Do(context.Background(), ActionCheck); err == nil {
		t.Fatal("Do(check) succeeded, want error")
	}
	ev := waitEvent(t, failed, func(Event) bool { return true })
	if f := ev.Data.(RequestFailure); f.Action != ActionCheck || f.Error == "" {
		t.Errorf("failure = %+v", f)
	}
	if s := h.node.Status().OTA; s.Phase != ota.PhaseFailed || s.Reason != ota.ReasonRejected {
		t.Errorf("ota = %s(%s)", s.Phase, s.Reason)
	}

	// The fake modem rejects AT+UDCONF, so a time sync fails too.
	if err := h.node.Do(context.Background(), ActionSyncTime); err == nil {
		t.Error("Do(sync_time) succeeded, want error")
	}
	ev = waitEvent(t, failed, func(Event) bool { return true })
	if f := ev.Data.(RequestFailure); f.Action != ActionSyncTime {
		t.Errorf("failure = %+v", f)
	}
}

func TestDoUnknownAction(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{})
	if err := h.node.Do(context.Background(), "format"); !errors.Is(err, ErrUnknownAction) {
		t.Errorf("err = %v, want ErrUnknownAction", err)
	}
}

func TestDoWhileRunning(t *testing.T) {
	h := newHarness(t, &staticSource{manifest: []byte("commit: abc123\nsize: 100\n")}, Config{PollInterval: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.node.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for !h.node.running.Load() {
		if time.Now().After(deadline) {
			t.Fatal("run loop did not start")
		}
		time.Sleep(time.Millisecond)
	}

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	if err := h.node.Do(reqCtx, ActionCheck); err != nil {
		t.Fatalf("Do(check) = %v", err)
	}
	if p := h.node.Status().OTA.Phase; p != ota.PhaseUpToDate {
		t.Errorf("phase = %s, want up_to_date", p)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v", err)
	}
}

func TestStopFailsWaitingRequests(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{})
	req := Request{Action: ActionCheck, Source: "test", done: make(chan error, 1)}
	h.node.requests <- req
	h.node.start()

	h.node.stop()

	if err := <-req.done; !errors.Is(err, ErrStopped) {
		t.Errorf("err = %v, want ErrStopped", err)
	}
	if h.node.running.Load() {
		t.Error("still running after stop")
	}
}

func TestDoReturnsWhenRunLoopExitsFirst(t *testing.T) {
	h := newHarness(t, &staticSource{}, Config{QueueSize: 1})
	h.node.start()
	if err := h.node.Trigger(ActionCheck, "test"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- h.node.Do(context.Background(), ActionCheck) }()
	time.Sleep(50 * time.Millisecond)
	h.node.stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStopped) {
			t.Errorf("Do = %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do still waiting after the run loop exited")
	}
}
