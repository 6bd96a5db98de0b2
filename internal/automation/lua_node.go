//go:build !no_automation

package automation

import (
	"encoding/json"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// scriptSource marks requests queued by scripts.
const scriptSource = "script"

// registerNodeModule registers the `node` global table in a Lua state.
func registerNodeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	// node.on(event_type, [filter], fn)
	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		eventType := L.CheckString(1)
		h := luaEventHandler{eventType: eventType}

		switch L.GetTop() {
		case 2:
			h.fn = L.CheckFunction(2)
		default:
			filter := L.CheckTable(2)
			h.fn = L.CheckFunction(3)
			h.filter = make(map[string]string)
			filter.ForEach(func(k, v lua.LValue) {
				h.filter[k.String()] = v.String()
			})
		}

		vm.on(h)
		return 0
	}))

	// node.trigger(action) -> true | nil, err
	mod.RawSetString("trigger", L.NewFunction(func(L *lua.LState) int {
		action := L.CheckString(1)
		if err := e.node.Trigger(action, scriptSource+":"+vm.id); err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LTrue)
		return 1
	}))

	// node.status() -> table
	mod.RawSetString("status", L.NewFunction(func(L *lua.LState) int {
		raw, err := json.Marshal(e.node.Status())
		if err != nil {
			L.RaiseError("status: %v", err)
			return 0
		}
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			L.RaiseError("status: %v", err)
			return 0
		}
		L.Push(goToLua(L, m))
		return 1
	}))

	// node.log(msg)
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		e.logger.Info("script", "id", vm.id, "msg", L.CheckString(1))
		return 0
	}))

	// node.after(seconds, fn) runs fn once on the script's goroutine.
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		secs := float64(L.CheckNumber(1))
		fn := L.CheckFunction(2)
		if secs < 0 {
			L.ArgError(1, "negative delay")
			return 0
		}
		t := time.AfterFunc(time.Duration(secs*float64(time.Second)), func() {
			ok := vm.submit(func(L *lua.LState) {
				if err := call(L, fn); err != nil {
					e.logger.Error("lua timer error", "id", vm.id, "err", err)
				}
			})
			if !ok {
				e.logger.Debug("timer dropped", "id", vm.id)
			}
		})
		go func() {
			<-vm.ctx.Done()
			t.Stop()
		}()
		return 0
	}))

	L.SetGlobal("node", mod)
}
