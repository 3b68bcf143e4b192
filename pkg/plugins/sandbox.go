package plugins

import (
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/bytebufferpool"
	lua "github.com/yuin/gopher-lua"
)

// capabilityDeniedMarker prefixes the Lua error raised for blocked facility
// access, so the runtime can map it back to ErrCapabilityDenied.
const capabilityDeniedMarker = "capability denied"

// blockedModules is the denylist enforced by the sandboxed require. It
// covers process, filesystem, OS, concurrency, subprocess, and
// sandbox-control facilities. Everything not listed here is permitted — a
// known weak-isolation property documented in the package comment.
var blockedModules = map[string]bool{
	"io":         true,
	"os":         true,
	"debug":      true,
	"package":    true,
	"coroutine":  true,
	"channel":    true,
	"process":    true,
	"subprocess": true,
	"socket":     true,
	"net":        true,
	"ffi":        true,
	"sandbox":    true,
}

// Sandbox installs the restricted facility surface into a plugin's Lua
// state: logging, byte buffers, timers, URL parsing, and a gated require.
// It is not safe for concurrent use; the owning Runtime serializes access.
type Sandbox struct {
	l   *lua.LState
	log *logrus.Entry

	// invoke runs a Lua callback on the owning runtime's goroutine-safe
	// path. Set by the Runtime before Install; timer callbacks depend on it.
	invoke func(fn *lua.LFunction, args ...lua.LValue)

	modules map[string]lua.LValue

	timersMu sync.Mutex
	timers   map[int64]func()
	nextID   int64
}

// NewSandbox creates a sandbox for the given state.
func NewSandbox(l *lua.LState, log *logrus.Entry) *Sandbox {
	return &Sandbox{
		l:       l,
		log:     log,
		modules: make(map[string]lua.LValue),
		timers:  make(map[int64]func()),
	}
}

// Install sets up the restricted environment. Must be called before any
// plugin code runs on the state.
func (s *Sandbox) Install() {
	// Remove escape hatches from the base library.
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		s.l.SetGlobal(name, lua.LNil)
	}

	s.installPrint()
	s.installLog()
	s.installRequire()
	s.installBuffer()
	s.installTimers()
	s.installURLParse()
}

// RegisterModule makes a host-provided module available through require.
func (s *Sandbox) RegisterModule(name string, mod lua.LValue) {
	s.modules[name] = mod
}

// installPrint routes print output to the host log instead of stdout.
func (s *Sandbox) installPrint() {
	s.l.SetGlobal("print", s.l.NewFunction(func(L *lua.LState) int {
		parts := make([]interface{}, 0, L.GetTop())
		for i := 1; i <= L.GetTop(); i++ {
			parts = append(parts, L.Get(i).String())
		}
		s.log.Infoln(parts...)
		return 0
	}))
}

// installLog exposes leveled logging as a host module.
func (s *Sandbox) installLog() {
	level := func(fn func(args ...interface{})) *lua.LFunction {
		return s.l.NewFunction(func(L *lua.LState) int {
			parts := make([]interface{}, 0, L.GetTop())
			for i := 1; i <= L.GetTop(); i++ {
				parts = append(parts, L.Get(i).String())
			}
			fn(parts...)
			return 0
		})
	}

	mod := s.l.NewTable()
	mod.RawSetString("debug", level(s.log.Debugln))
	mod.RawSetString("info", level(s.log.Infoln))
	mod.RawSetString("warn", level(s.log.Warnln))
	mod.RawSetString("error", level(s.log.Errorln))

	s.l.SetGlobal("log", mod)
	s.RegisterModule("log", mod)
}

// installRequire replaces require with the denylist-gated resolver. Built-in
// safe libraries resolve to their already-open globals, host modules resolve
// from the registered map, blocked names raise the capability marker.
func (s *Sandbox) installRequire() {
	safeBuiltins := map[string]bool{"string": true, "table": true, "math": true}

	s.l.SetGlobal("require", s.l.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)

		if blockedModules[name] {
			L.RaiseError("%s: module %q", capabilityDeniedMarker, name)
			return 0
		}

		if safeBuiltins[name] {
			L.Push(L.GetGlobal(name))
			return 1
		}

		if mod, ok := s.modules[name]; ok {
			L.Push(mod)
			return 1
		}

		L.RaiseError("module %q is not available", name)
		return 0
	}))
}

// installBuffer exposes a small byte-buffer primitive backed by a shared
// pool. Buffers are returned to the pool on free(); unfreed buffers are
// reclaimed by Lua GC without pool reuse.
func (s *Sandbox) installBuffer() {
	mt := s.l.NewTypeMetatable("lantern.buffer")
	index := s.l.NewTable()

	index.RawSetString("append", s.l.NewFunction(func(L *lua.LState) int {
		buf := checkBuffer(L)
		for i := 2; i <= L.GetTop(); i++ {
			buf.WriteString(L.CheckString(i))
		}
		L.Push(L.Get(1))
		return 1
	}))
	index.RawSetString("len", s.l.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LNumber(checkBuffer(L).Len()))
		return 1
	}))
	index.RawSetString("tostring", s.l.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkBuffer(L).String()))
		return 1
	}))
	index.RawSetString("reset", s.l.NewFunction(func(L *lua.LState) int {
		checkBuffer(L).Reset()
		return 0
	}))
	index.RawSetString("free", s.l.NewFunction(func(L *lua.LState) int {
		ud := L.CheckUserData(1)
		if buf, ok := ud.Value.(*bytebufferpool.ByteBuffer); ok {
			bytebufferpool.Put(buf)
			ud.Value = nil
		}
		return 0
	}))
	s.l.SetField(mt, "__index", index)

	mod := s.l.NewTable()
	mod.RawSetString("new", s.l.NewFunction(func(L *lua.LState) int {
		ud := L.NewUserData()
		ud.Value = bytebufferpool.Get()
		L.SetMetatable(ud, mt)
		L.Push(ud)
		return 1
	}))

	s.l.SetGlobal("buffer", mod)
	s.RegisterModule("buffer", mod)
}

func checkBuffer(L *lua.LState) *bytebufferpool.ByteBuffer {
	ud := L.CheckUserData(1)
	buf, ok := ud.Value.(*bytebufferpool.ByteBuffer)
	if !ok {
		L.ArgError(1, "buffer already freed")
		return nil
	}
	return buf
}

// installTimers provides settimeout/cleartimeout/setinterval/clearinterval.
// Callbacks are dispatched through the runtime's invoke path so they never
// touch the LState concurrently with other plugin calls.
func (s *Sandbox) installTimers() {
	s.l.SetGlobal("settimeout", s.l.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ms := L.CheckInt64(2)

		id := s.addTimer(nil)
		t := time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			s.removeTimer(id)
			if s.invoke != nil {
				s.invoke(fn)
			}
		})
		s.setTimerStop(id, func() { t.Stop() })

		L.Push(lua.LNumber(id))
		return 1
	}))

	s.l.SetGlobal("setinterval", s.l.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		ms := L.CheckInt64(2)
		if ms <= 0 {
			L.ArgError(2, "interval must be positive")
			return 0
		}

		ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
		done := make(chan struct{})
		id := s.addTimer(func() {
			ticker.Stop()
			close(done)
		})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if s.invoke != nil {
						s.invoke(fn)
					}
				}
			}
		}()

		L.Push(lua.LNumber(id))
		return 1
	}))

	clear := s.l.NewFunction(func(L *lua.LState) int {
		s.clearTimer(L.CheckInt64(1))
		return 0
	})
	s.l.SetGlobal("cleartimeout", clear)
	s.l.SetGlobal("clearinterval", clear)
}

func (s *Sandbox) addTimer(stop func()) int64 {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	s.nextID++
	id := s.nextID
	s.timers[id] = stop
	return id
}

func (s *Sandbox) setTimerStop(id int64, stop func()) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if _, ok := s.timers[id]; ok {
		s.timers[id] = stop
	} else {
		// Timer already fired or was cleared before the stop fn landed.
		stop()
	}
}

func (s *Sandbox) removeTimer(id int64) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	delete(s.timers, id)
}

func (s *Sandbox) clearTimer(id int64) {
	s.timersMu.Lock()
	stop := s.timers[id]
	delete(s.timers, id)
	s.timersMu.Unlock()
	if stop != nil {
		stop()
	}
}

// StopTimers cancels every outstanding timer. Called on disable and destroy.
func (s *Sandbox) StopTimers() {
	s.timersMu.Lock()
	stops := make([]func(), 0, len(s.timers))
	for id, stop := range s.timers {
		if stop != nil {
			stops = append(stops, stop)
		}
		delete(s.timers, id)
	}
	s.timersMu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// installURLParse exposes urlparse(s) -> table | nil, err.
func (s *Sandbox) installURLParse() {
	s.l.SetGlobal("urlparse", s.l.NewFunction(func(L *lua.LState) int {
		raw := L.CheckString(1)
		u, err := url.Parse(raw)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}

		t := L.NewTable()
		t.RawSetString("scheme", lua.LString(u.Scheme))
		t.RawSetString("host", lua.LString(u.Hostname()))
		t.RawSetString("port", lua.LString(u.Port()))
		t.RawSetString("path", lua.LString(u.Path))
		t.RawSetString("fragment", lua.LString(u.Fragment))

		q := L.NewTable()
		for k, vs := range u.Query() {
			if len(vs) > 0 {
				q.RawSetString(k, lua.LString(vs[0]))
			}
		}
		t.RawSetString("query", q)

		L.Push(t)
		return 1
	}))
}
