// Package node owns the modem session. Every surface (CLI, scheduler, HTTP,
// MQTT, Lua) reaches the modem through the node's request queue; the run
// loop executes requests one at a time and dispatches unsolicited lines
// while idle.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cellnode/internal/bank"
	"cellnode/internal/firmware"
	"cellnode/internal/metrics"
	"cellnode/internal/modem"
	"cellnode/internal/ntp"
	"cellnode/internal/ota"
)

// Actions accepted by Trigger.
const (
	ActionCheck    = "check"
	ActionDownload = "download"
	ActionVerify   = "verify"
	ActionApply    = "apply"
	ActionUpdate   = "update"
	ActionSyncTime = "sync_time"
)

// Actions lists every valid action.
var Actions = []string{ActionCheck, ActionDownload, ActionVerify, ActionApply, ActionUpdate, ActionSyncTime}

var (
	// ErrQueueFull is returned by Trigger when the request queue is full.
	ErrQueueFull = errors.New("request queue full")

	// ErrUnknownAction is returned for an action not in Actions.
	ErrUnknownAction = errors.New("unknown action")

	// ErrStopped is returned to a waiting Do when the run loop exits before
	// serving its request.
	ErrStopped = errors.New("node stopped")
)

// Config holds node configuration.
type Config struct {
	ID string
	// PollInterval is how long the idle loop listens for unsolicited lines
	// before checking the queue again.
	PollInterval time.Duration
	// CheckInterval schedules an update check. Zero disables it.
	CheckInterval time.Duration
	// SyncInterval schedules a time sync. Zero disables it.
	SyncInterval time.Duration
	QueueSize    int
}

// Request is a queued action.
type Request struct {
	Action string    `json:"action"`
	Source string    `json:"source"`
	At     time.Time `json:"at"`

	done chan error
}

// ModemInfo identifies the modem.
type ModemInfo struct {
	Model    string `json:"model"`
	Revision string `json:"revision"`
}

// NetworkStatus is the EPS registration state from +CEREG.
type NetworkStatus struct {
	Stat       int       `json:"stat"`
	Registered bool      `json:"registered"`
	TAC        string    `json:"tac,omitempty"`
	CellID     string    `json:"cell_id,omitempty"`
	Changed    time.Time `json:"changed"`
}

// IncomingData is a +UUSORF socket data notification.
type IncomingData struct {
	Socket int `json:"socket"`
	Length int `json:"length"`
}

// RequestFailure is the payload of a request_failed event.
type RequestFailure struct {
	Action string `json:"action"`
	Source string `json:"source"`
	Error  string `json:"error"`
}

// Status is a snapshot of the node.
type Status struct {
	Node         string        `json:"node"`
	Firmware     firmware.Info `json:"firmware"`
	Modem        ModemInfo     `json:"modem"`
	Network      NetworkStatus `json:"network"`
	OTA          ota.State     `json:"ota"`
	Banks        *bank.Status  `json:"banks,omitempty"`
	LastSync     *ntp.Result   `json:"last_sync,omitempty"`
	UnknownLines uint64        `json:"unknown_lines"`
	Queued       int           `json:"queued"`
}

// Node is the single owner of the modem session.
type Node struct {
	engine  *modem.Engine
	syncer  *ntp.Syncer
	updater *ota.Updater
	banks   *bank.Banks
	events  *EventBus
	cfg     Config
	local   firmware.Info
	logger  *slog.Logger

	requests chan Request
	running  atomic.Bool
	runMu    sync.Mutex
	stopped  chan struct{} // closed when the current run loop exits

	mu       sync.RWMutex
	modem    ModemInfo
	network  NetworkStatus
	lastSync *ntp.Result
}

// New creates a node and registers its notification routes on the engine's
// dispatcher.
func New(engine *modem.Engine, syncer *ntp.Syncer, updater *ota.Updater, banks *bank.Banks, events *EventBus, local firmware.Info, cfg Config, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8
	}
	n := &Node{
		engine:   engine,
		syncer:   syncer,
		updater:  updater,
		banks:    banks,
		events:   events,
		cfg:      cfg,
		local:    local,
		logger:   logger,
		requests: make(chan Request, cfg.QueueSize),
	}

	d := engine.Dispatcher()
	d.RegisterFunc("network_status", modem.Prefix("+CEREG:"), func(note modem.Notification) {
		n.setNetwork(parseCEREG(note.Fields, false))
	})
	d.RegisterFunc("incoming_data", modem.Prefix("+UUSORF:"), func(note modem.Notification) {
		if len(note.Fields) < 2 {
			return
		}
		sock, _ := strconv.Atoi(note.Fields[0])
		length, _ := strconv.Atoi(note.Fields[1])
		n.events.Emit(Event{Type: EventIncomingData, Data: IncomingData{Socket: sock, Length: length}})
	})
	d.OnUnknown(func(line string) {
		n.logger.Debug("unhandled modem line", "line", line)
	})

	updater.OnTransition(func(s ota.State) {
		n.events.Emit(Event{Type: EventOTAState, Data: s})
	})
	return n
}

// Events returns the node's event bus.
func (n *Node) Events() *EventBus {
	return n.events
}

// Engine returns the modem engine. Callers other than the run loop's
// goroutine get ErrBusy while a request is executing.
func (n *Node) Engine() *modem.Engine {
	return n.engine
}

// Start brings the modem into a known state: echo off, verbose errors and
// registration notifications on. It reads the modem identity and the
// current registration.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("initializing modem...")
	for _, verb := range []string{"AT", "ATE0", "AT+CMEE=2", "AT+CEREG=2"} {
		if _, err := n.engine.Execute(ctx, modem.Cmd(verb)); err != nil {
			return fmt.Errorf("modem init %s: %w", verb, err)
		}
	}

	var info ModemInfo
	if resp, err := n.engine.Execute(ctx, modem.Cmd("ATI")); err != nil {
		n.logger.Warn("read modem model", "err", err)
	} else {
		info.Model = strings.Join(resp.Lines, " ")
	}
	if resp, err := n.engine.Execute(ctx, modem.Cmd("AT+CGMR")); err != nil {
		n.logger.Warn("read modem revision", "err", err)
	} else {
		info.Revision = strings.Join(resp.Lines, " ")
	}
	n.mu.Lock()
	n.modem = info
	n.mu.Unlock()
	n.logger.Info("modem ready", "model", info.Model, "revision", info.Revision)

	if resp, err := n.engine.Execute(ctx, modem.Cmd("AT+CEREG?", "+CEREG:")); err != nil {
		n.logger.Warn("read registration", "err", err)
	} else if p, ok := resp.Params("+CEREG:"); ok {
		n.setNetwork(parseCEREG(p, true))
	}

	fresh, err := n.banks.Announce(n.local)
	if err != nil {
		n.logger.Warn("boot record", "err", err)
	}
	if fresh {
		n.logger.Info("running updated firmware", "firmware", n.local.String())
		n.events.Emit(Event{Type: EventOTAState, Data: n.updater.State()})
	}
	return nil
}

// parseCEREG decodes +CEREG parameters. A query response carries the
// reporting mode first; an unsolicited line starts with the status.
func parseCEREG(p []string, query bool) NetworkStatus {
	if query && len(p) > 0 {
		p = p[1:]
	}
	var ns NetworkStatus
	if len(p) == 0 {
		return ns
	}
	ns.Stat, _ = strconv.Atoi(p[0])
	ns.Registered = ns.Stat == 1 || ns.Stat == 5
	if len(p) >= 3 {
		ns.TAC, ns.CellID = p[1], p[2]
	}
	return ns
}

func (n *Node) setNetwork(ns NetworkStatus) {
	ns.Changed = time.Now()
	n.mu.Lock()
	prev := n.network
	n.network = ns
	n.mu.Unlock()

	if ns.Registered {
		metrics.NetworkRegistered.Set(1)
	} else {
		metrics.NetworkRegistered.Set(0)
	}
	if prev.Stat != ns.Stat || prev.CellID != ns.CellID {
		n.logger.Info("network status", "stat", ns.Stat, "registered", ns.Registered, "tac", ns.TAC, "cell", ns.CellID)
	}
	n.events.Emit(Event{Type: EventNetworkStatus, Data: ns})
}

// ValidAction reports whether action is known.
func ValidAction(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Trigger queues action without blocking. source names the surface that
// asked for it, for logs.
func (n *Node) Trigger(action, source string) error {
	if !ValidAction(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	select {
	case n.requests <- Request{Action: action, Source: source, At: time.Now()}:
		n.logger.Debug("request queued", "action", action, "source", source)
		return nil
	default:
		return ErrQueueFull
	}
}

// Run serves queued and scheduled requests until ctx is canceled or the
// modem link is lost. Between requests it listens for unsolicited lines.
func (n *Node) Run(ctx context.Context) error {
	n.start()
	defer n.stop()

	checkC, stopCheck := ticker(n.cfg.CheckInterval)
	defer stopCheck()
	syncC, stopSync := ticker(n.cfg.SyncInterval)
	defer stopSync()

	if n.cfg.SyncInterval > 0 {
		n.serve(ctx, Request{Action: ActionSyncTime, Source: "scheduler", At: time.Now()})
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-n.requests:
			n.serve(ctx, req)
			continue
		case <-checkC:
			n.serve(ctx, Request{Action: ActionCheck, Source: "scheduler", At: time.Now()})
			continue
		case <-syncC:
			n.serve(ctx, Request{Action: ActionSyncTime, Source: "scheduler", At: time.Now()})
			continue
		default:
		}

		if err := n.engine.Poll(ctx, n.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, modem.ErrClosed) {
				return fmt.Errorf("modem link lost: %w", err)
			}
			n.logger.Warn("poll", "err", err)
		}
	}
}

func ticker(d time.Duration) (<-chan time.Time, func()) {
	if d <= 0 {
		return nil, func() {}
	}
	t := time.NewTicker(d)
	return t.C, t.Stop
}

func (n *Node) start() {
	n.runMu.Lock()
	n.stopped = make(chan struct{})
	n.running.Store(true)
	n.runMu.Unlock()
}

// runLoop returns the channel closed when the active run loop exits, or nil
// when no run loop is active.
func (n *Node) runLoop() <-chan struct{} {
	n.runMu.Lock()
	defer n.runMu.Unlock()
	if !n.running.Load() {
		return nil
	}
	return n.stopped
}

// stop ends the run loop and fails requests still waiting in the queue.
func (n *Node) stop() {
	n.runMu.Lock()
	n.running.Store(false)
	if n.stopped != nil {
		close(n.stopped)
		n.stopped = nil
	}
	n.runMu.Unlock()
	for {
		select {
		case req := <-n.requests:
			if req.done != nil {
				req.done <- ErrStopped
			}
		default:
			return
		}
	}
}

// Do executes action and returns its result. While Run is active the
// request goes through the queue; otherwise it runs on the caller's
// goroutine.
func (n *Node) Do(ctx context.Context, action string) error {
	if !ValidAction(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	req := Request{Action: action, Source: "direct", At: time.Now()}
	stopped := n.runLoop()
	if stopped == nil {
		return n.serve(ctx, req)
	}

	req.done = make(chan error, 1)
	select {
	case n.requests <- req:
	case <-stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-stopped:
		select {
		case err := <-req.done:
			return err
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *Node) serve(ctx context.Context, req Request) error {
	err := n.execute(ctx, req)
	if req.done != nil {
		req.done <- err
	}
	return err
}

func (n *Node) execute(ctx context.Context, req Request) error {
	start := time.Now()
	n.logger.Info("request", "action", req.Action, "source", req.Source)

	var err error
	switch req.Action {
	case ActionCheck:
		_, err = n.updater.Check(ctx)
	case ActionDownload:
		_, err = n.updater.Download(ctx)
	case ActionVerify:
		_, err = n.updater.Verify(ctx)
	case ActionApply:
		_, err = n.updater.Apply(ctx)
	case ActionUpdate:
		_, err = n.updater.Run(ctx)
	case ActionSyncTime:
		var res ntp.Result
		if res, err = n.syncer.Sync(ctx); err == nil {
			n.mu.Lock()
			n.lastSync = &res
			n.mu.Unlock()
			n.events.Emit(Event{Type: EventTimeSync, Data: res})
		}
	}

	if err != nil {
		n.logger.Warn("request failed", "action", req.Action, "source", req.Source, "err", err)
		n.events.Emit(Event{Type: EventRequestFailed, Data: RequestFailure{Action: req.Action, Source: req.Source, Error: err.Error()}})
		return err
	}
	n.logger.Info("request done", "action", req.Action, "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// Status returns a snapshot of the node. It is safe to call from any
// goroutine.
func (n *Node) Status() Status {
	n.mu.RLock()
	s := Status{
		Node:     n.cfg.ID,
		Firmware: n.local,
		Modem:    n.modem,
		Network:  n.network,
		LastSync: n.lastSync,
	}
	n.mu.RUnlock()

	s.OTA = n.updater.State()
	s.UnknownLines = n.engine.Dispatcher().Unknown()
	s.Queued = len(n.requests)
	if bs, err := n.banks.Status(); err != nil {
		n.logger.Warn("bank status", "err", err)
	} else {
		s.Banks = bs
	}
	return s
}
