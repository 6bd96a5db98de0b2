//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// maxExecOutput caps the stdout returned by system.exec.
const maxExecOutput = 64 << 10

// SystemConfig holds configuration for the system Lua module.
type SystemConfig struct {
	ExecAllowlist []string      // absolute command paths
	ExecTimeout   time.Duration // default 10s
}

var datetimeComponents = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("15:04:05")) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format("2006-01-02")) },
}

func registerSystemModule(L *lua.LState, e *Engine) {
	L.SetGlobal("system", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e.now()) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e.now()) },
		"log":          func(L *lua.LState) int { return systemLog(L, e) },
		"exec":         func(L *lua.LState) int { return systemExec(L, e) },
	}))
}

// system.datetime(component, [utc]) returns one component of the current
// time, local unless utc is true.
func systemDatetime(L *lua.LState, now time.Time) int {
	component := L.CheckString(1)
	if L.OptBool(2, false) {
		now = now.UTC()
	}
	f, ok := datetimeComponents[component]
	if !ok {
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	L.Push(f(now))
	return 1
}

// clockMinutes reads a time-of-day argument: an hour number or "HH:MM".
func clockMinutes(L *lua.LState, n int) int {
	switch v := L.CheckAny(n).(type) {
	case lua.LNumber:
		return int(v) * 60
	case lua.LString:
		var h, m int
		if _, err := fmt.Sscanf(string(v), "%d:%d", &h, &m); err != nil || h < 0 || h > 24 || m < 0 || m > 59 {
			L.ArgError(n, "want HH:MM, got "+string(v))
		}
		return h*60 + m
	default:
		L.ArgError(n, "want hour or HH:MM")
		return 0
	}
}

// system.time_between(from, to) reports whether the local time of day is
// in [from, to). Bounds are hours or "HH:MM"; from > to wraps past midnight.
func systemTimeBetween(L *lua.LState, now time.Time) int {
	from := clockMinutes(L, 1)
	to := clockMinutes(L, 2)
	cur := now.Hour()*60 + now.Minute()

	var in bool
	if from <= to {
		in = cur >= from && cur < to
	} else {
		in = cur >= from || cur < to
	}
	L.Push(lua.LBool(in))
	return 1
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}

var (
	errExecRelative = errors.New("command must be an absolute path")
	errExecDenied   = errors.New("command not in allowlist")
)

// system.exec(cmd) runs an allowlisted command. It returns its stdout, or
// nil and an error message.
func systemExec(L *lua.LState, e *Engine) int {
	parts := strings.Fields(L.CheckString(1))
	if len(parts) == 0 {
		L.ArgError(1, "empty command")
		return 0
	}
	out, err := e.runAllowed(parts[0], parts[1:])
	if err != nil {
		e.logger.Warn("exec", "cmd", parts[0], "err", err)
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(out))
	return 1
}

func (e *Engine) runAllowed(binary string, args []string) (string, error) {
	if !filepath.IsAbs(binary) {
		return "", errExecRelative
	}
	if !slices.Contains(e.systemCfg.ExecAllowlist, binary) {
		return "", errExecDenied
	}

	timeout := e.systemCfg.ExecTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stdout, err := exec.CommandContext(ctx, binary, args...).Output()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("timed out after %s", timeout)
	}
	if err != nil {
		return "", err
	}
	if len(stdout) > maxExecOutput {
		stdout = stdout[:maxExecOutput]
	}
	return string(stdout), nil
}
