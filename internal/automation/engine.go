//go:build !no_automation

// Package automation runs user Lua scripts that react to node events and
// queue node actions.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"cellnode/internal/node"

	lua "github.com/yuin/gopher-lua"
)

// runTimeout bounds a one-shot script run.
const runTimeout = 5 * time.Second

// Node is the part of the node a script can see.
type Node interface {
	Events() *node.EventBus
	Trigger(action, source string) error
	Status() node.Status
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Engine keeps one VM per enabled script and feeds it node events.
type Engine struct {
	node    Node
	manager *Manager
	logger  *slog.Logger

	systemCfg SystemConfig
	now       func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

func NewEngine(n Node, mgr *Manager, logger *slog.Logger, sysCfg SystemConfig) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		node:      n,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		systemCfg: sysCfg,
		now:       time.Now,
		vms:       make(map[string]*scriptVM),
	}
}

// Start subscribes to node events and loads every enabled script. A script
// that fails to load is logged and skipped.
func (e *Engine) Start() {
	e.unsub = e.node.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	started := 0
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	vms := e.vms
	e.vms = make(map[string]*scriptVM)
	unsub := e.unsub
	e.unsub = nil
	e.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, vm := range vms {
		vm.cancel()
	}
	e.logger.Info("automation engine stopped", "scripts", len(vms))
}

// Running returns the sorted IDs of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// ReloadScript replaces the script's VM with one running the stored code.
// A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

func (e *Engine) StopScript(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()

	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// RunScript executes a stored script once in a temporary VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// runLog collects log output of a one-shot run.
type runLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *runLog) add(line string) {
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
}

func (l *runLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// RunLuaCode executes code once in a temporary VM. Handlers the code
// registers with node.on are invoked once with an event built from their
// filter. Log output is captured instead of written to the node log.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := newScriptVM(ctx, inlineID, e)
	defer vm.state.Close()
	defer vm.cancel()

	logs := &runLog{}
	captureLogs(vm.state, logs)

	result := func(err error) *RunResult {
		res := &RunResult{OK: err == nil, Logs: logs.snapshot(), Duration: time.Since(start).String()}
		if err != nil {
			res.Error = err.Error()
			if ctx.Err() == context.DeadlineExceeded {
				res.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("script run failed", "err", res.Error)
		}
		return res
	}

	if err := vm.state.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.subscribed() {
		ev := vm.state.NewTable()
		for k, v := range h.filter {
			ev.RawSetString(k, lua.LString(v))
		}
		ev.RawSetString("type", lua.LString(h.eventType))
		if err := call(vm.state, h.fn, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

// inlineID is the script ID of one-shot runs.
const inlineID = "_inline"

// captureLogs points node.log and system.log at logs.
func captureLogs(L *lua.LState, logs *runLog) {
	if mod, ok := L.GetGlobal("node").(*lua.LTable); ok {
		mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			logs.add(L.CheckString(1))
			return 0
		}))
	}
	if mod, ok := L.GetGlobal("system").(*lua.LTable); ok {
		mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			logs.add("[" + L.CheckString(1) + "] " + L.CheckString(2))
			return 0
		}))
	}
}

func (e *Engine) startScript(s *Script) error {
	vm := newScriptVM(context.Background(), s.ID, e)
	if err := vm.state.DoString(s.LuaCode); err != nil {
		vm.cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()
	go vm.serve()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues ev on every VM with a matching handler. A VM whose
// queue is full misses the event.
func (e *Engine) dispatchEvent(ev node.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()
	if len(vms) == 0 {
		return
	}

	data := eventData(ev)
	for _, vm := range vms {
		for _, h := range vm.subscribed() {
			if !matchesHandler(h, ev.Type, data) {
				continue
			}
			fn := h.fn
			if !vm.submit(func(L *lua.LState) { e.callHandler(L, vm.id, fn, ev.Type, data) }) {
				e.logger.Warn("script busy, event dropped", "id", vm.id, "event", ev.Type)
				break
			}
		}
	}
}

// eventData flattens an event payload into its JSON fields so scripts see
// the same names as API clients. A payload that is not an object lands
// under "value".
func eventData(ev node.Event) map[string]any {
	if m, ok := ev.Data.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(ev.Data)
	if err != nil {
		return map[string]any{"value": fmt.Sprint(ev.Data)}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"value": string(raw)}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"value": v}
}

// matchesHandler compares filter values with the event's fields in their
// printed form, so {offset="204800"} matches a numeric field.
func matchesHandler(h luaEventHandler, eventType string, data map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	for field, want := range h.filter {
		got, ok := data[field]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, eventType string, data map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "id", id, "event", eventType, "panic", r)
		}
	}()

	ev := goToLua(L, data).(*lua.LTable)
	ev.RawSetString("type", lua.LString(eventType))
	if err := call(L, fn, ev); err != nil {
		e.logger.Error("lua handler error", "id", id, "event", eventType, "err", strings.TrimSpace(err.Error()))
	}
}

// goToLua converts decoded JSON and plain Go scalars to Lua values. Other
// types are passed as their printed form.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case []any:
		arr := L.CreateTable(len(val), 0)
		for _, item := range val {
			arr.Append(goToLua(L, item))
		}
		return arr
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
