package plugins

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// DefaultBudget is the default wall-clock ceiling for a single entry into
// plugin code.
const DefaultBudget = 5 * time.Second

// Runtime owns a plugin's private Lua state. The state is created by
// Evaluate and is the only place plugin code ever executes; every re-entry
// (initialize, destroy, route handlers, hooks, timers) goes through Do,
// which serializes access and enforces the execution budget.
//
// The budget is a best-effort wall-clock ceiling: gopher-lua checks the
// context between VM instructions, so Lua loops are interruptible, but time
// spent inside a single host call is not.
type Runtime struct {
	mu      sync.Mutex
	l       *lua.LState
	sandbox *Sandbox
	budget  time.Duration
	chunk   string
	log     *logrus.Entry
	closed  bool
}

// Evaluate runs plugin source in a fresh sandboxed state and returns the
// runtime together with the exported descriptor. filename is used for
// diagnostics only. On any error the state is torn down and nothing escapes.
func Evaluate(source, filename string, budget time.Duration, log *logrus.Entry) (*Runtime, *Descriptor, error) {
	if budget <= 0 {
		budget = DefaultBudget
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	l := lua.NewState(lua.Options{SkipOpenLibs: true})
	openSafeLibraries(l)

	rt := &Runtime{
		l:      l,
		budget: budget,
		chunk:  filename,
		log:    log,
	}

	rt.sandbox = NewSandbox(l, log)
	rt.sandbox.invoke = rt.invokeCallback
	rt.sandbox.Install()

	var export *lua.LTable
	err := rt.Do(func(l *lua.LState) error {
		fn, err := l.Load(strings.NewReader(source), filename)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidExport, err)
		}
		l.Push(fn)
		if err := l.PCall(0, 1, nil); err != nil {
			return err
		}
		ret := l.Get(-1)
		l.Pop(1)
		tbl, ok := ret.(*lua.LTable)
		if !ok {
			return fmt.Errorf("%w: plugin must return a table, got %s", ErrInvalidExport, ret.Type())
		}
		export = tbl
		return nil
	})
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	desc, err := parseDescriptor(export)
	if err != nil {
		rt.Close()
		return nil, nil, err
	}

	return rt, desc, nil
}

// openSafeLibraries opens only the side-effect-free standard libraries.
// io, os, debug, package, channel and coroutine stay closed; the sandboxed
// require gates any attempt to reach them.
func openSafeLibraries(l *lua.LState) {
	lua.OpenBase(l)
	lua.OpenTable(l)
	lua.OpenString(l)
	lua.OpenMath(l)
}

// Do runs fn against the plugin's Lua state with the lock held and the
// budget applied. All Lua access must go through it.
func (rt *Runtime) Do(fn func(l *lua.LState) error) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.closed {
		return ErrRuntimeClosed
	}
	return rt.guard(fn)
}

// guard applies the execution budget and panic recovery around direct state
// access, and maps sandbox/context failures onto the error taxonomy.
// Callers must hold rt.mu.
func (rt *Runtime) guard(fn func(l *lua.LState) error) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), rt.budget)
	defer cancel()

	rt.l.SetContext(ctx)
	defer rt.l.RemoveContext()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panic in %s: %v", rt.chunk, r)
		}
	}()

	err = fn(rt.l)
	// A call that finished cleanly stays a success even if the deadline
	// lapsed on the way out; only a failed call is attributed to the budget.
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%w after %s in %s", ErrExecutionTimeout, rt.budget, rt.chunk)
	}
	if err != nil && strings.Contains(err.Error(), capabilityDeniedMarker) {
		return fmt.Errorf("%w: %v", ErrCapabilityDenied, err)
	}
	return err
}

// CallFunction invokes an already-obtained plugin procedure and returns its
// results converted to Go values.
func (rt *Runtime) CallFunction(fn *lua.LFunction, args ...lua.LValue) ([]interface{}, error) {
	var results []interface{}
	err := rt.Do(func(l *lua.LState) error {
		top := l.GetTop()
		l.Push(fn)
		for _, a := range args {
			l.Push(a)
		}
		if err := l.PCall(len(args), lua.MultRet, nil); err != nil {
			return err
		}
		n := l.GetTop() - top
		results = make([]interface{}, n)
		for i := 0; i < n; i++ {
			results[i] = luaToGo(l.Get(top + i + 1))
		}
		l.Pop(n)
		return nil
	})
	return results, err
}

// invokeCallback is the sandbox's path for timer callbacks. Fire-and-forget:
// failures are logged, never propagated into the timer goroutine.
func (rt *Runtime) invokeCallback(fn *lua.LFunction, args ...lua.LValue) {
	if _, err := rt.CallFunction(fn, args...); err != nil {
		rt.log.WithError(err).Warn("plugin timer callback failed")
	}
}

// StopTimers cancels the plugin's outstanding timers.
func (rt *Runtime) StopTimers() {
	rt.sandbox.StopTimers()
}

// Close stops timers and tears down the Lua state. Idempotent.
func (rt *Runtime) Close() {
	rt.sandbox.StopTimers()

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.closed {
		return
	}
	rt.closed = true
	rt.l.Close()
}
