//go:build !no_automation

package automation

import (
	"context"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// vmQueueSize bounds the work waiting for one script.
const vmQueueSize = 64

// luaEventHandler is a callback registered with node.on.
type luaEventHandler struct {
	eventType string
	filter    map[string]string // field -> wanted value; empty matches any
	fn        *lua.LFunction
}

// scriptVM is one sandboxed Lua state. All access to the state after
// loading goes through the work queue, which one goroutine drains.
type scriptVM struct {
	id     string
	state  *lua.LState
	work   chan func(*lua.LState)
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers []luaEventHandler
}

// sandboxed lists globals removed from every script state.
var sandboxed = []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"}

func newScriptVM(parent context.Context, id string, e *Engine) *scriptVM {
	ctx, cancel := context.WithCancel(parent)
	L := lua.NewState()
	for _, name := range sandboxed {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetContext(ctx)

	vm := &scriptVM{
		id:     id,
		state:  L,
		work:   make(chan func(*lua.LState), vmQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	registerNodeModule(L, vm, e)
	registerSystemModule(L, e)
	return vm
}

func (vm *scriptVM) on(h luaEventHandler) {
	vm.mu.Lock()
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
}

// subscribed returns a copy of the registered handlers.
func (vm *scriptVM) subscribed() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

// submit queues fn for the VM's goroutine. It reports false if the VM is
// stopped or its queue is full.
func (vm *scriptVM) submit(fn func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.work <- fn:
		return true
	default:
		return false
	}
}

// serve runs queued work until the VM is stopped, then closes the state.
func (vm *scriptVM) serve() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case fn := <-vm.work:
			fn(vm.state)
		}
	}
}

// call invokes fn in protected mode.
func call(L *lua.LState, fn *lua.LFunction, args ...lua.LValue) error {
	return L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}
