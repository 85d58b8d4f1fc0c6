// Package engine owns the per-interpreter state shared by every bridge
// component: the underlying Lua machine, the reference registry host code
// stores script values in, the stack-headroom guard, and the queue that
// turns asynchronous finalization into deferred, engine-safe cleanup.
//
// One State is single-threaded by contract: no two bridge operations may run
// concurrently against the same State. The only cross-thread entry points
// are TryEnqueueLeaked (finalizer side, non-blocking) and the handle-table
// frees registered through OnClose, which never touch the Lua machine.
package engine

import (
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/google/uuid"
	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/config"
)

// RefNil is the registry slot handed out for a nil value, mirroring the
// engine convention that nil is never actually stored.
const RefNil = -1

// freeListRef is the registry slot chaining the free list. Freed slots store
// the index of the next free slot so the array part never develops holes.
const freeListRef = 0

// Lib pairs a standard library name with its opener, so callers can state
// exactly which libraries a new interpreter receives.
type Lib struct {
	Name string
	Open lua.LGFunction
}

// SafeLibraries returns the libraries considered safe to expose to untrusted
// scripts: base, table, string, math. os, io, debug and package are absent
// on purpose; the sandbox additionally reduces what base leaves behind.
func SafeLibraries() []Lib {
	return []Lib{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	}
}

// Options configures a new State.
type Options struct {
	// StackLimit is the evaluation-stack ceiling enforced by EnsureStack.
	// Zero selects the package default.
	StackLimit int

	// Libraries to open at construction. Nil selects SafeLibraries.
	Libraries []Lib

	// RegistrySize is handed through to the Lua machine's initial stack
	// allocation. Zero keeps the engine default.
	RegistrySize int
}

// State is one interpreter instance plus the bridge bookkeeping attached to
// it. Created by Open, destroyed exactly once by Close; every operation on a
// closed State fails with a DisposedError instead of touching freed engine
// memory.
type State struct {
	id         uuid.UUID
	l          *lua.LState
	refs       *lua.LTable
	stackLimit int
	tostring   *lua.LFunction

	closed  atomic.Bool
	closeMu sync.Mutex
	onClose []func()

	leak leakQueue
}

// Process-wide back-reference from the Lua machine to its owning State.
// Stored weakly so the map never keeps a State (and its interpreter) alive;
// the cleanup removes the key once the State itself is collected.
var (
	statesMu sync.RWMutex
	states   = make(map[*lua.LState]weak.Pointer[State])
)

// Open constructs a new interpreter with only the requested libraries
// loaded, seeds the reference registry, and caches the global tostring for
// later conversions.
func Open(opts Options) (*State, error) {
	libs := opts.Libraries
	if libs == nil {
		libs = SafeLibraries()
	}
	limit := opts.StackLimit
	if limit <= 0 {
		limit = config.DefaultStackLimit
	}

	lopts := lua.Options{SkipOpenLibs: true}
	if opts.RegistrySize > 0 {
		lopts.RegistrySize = opts.RegistrySize
	}
	L := lua.NewState(lopts)

	for _, lib := range libs {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.Open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.Name)); err != nil {
			L.Close()
			return nil, err
		}
	}

	s := &State{
		id:         uuid.New(),
		l:          L,
		refs:       L.NewTable(),
		stackLimit: limit,
	}
	if fn, ok := L.GetGlobal("tostring").(*lua.LFunction); ok {
		s.tostring = fn
	}

	statesMu.Lock()
	states[L] = weak.Make(s)
	statesMu.Unlock()
	runtime.AddCleanup(s, func(key *lua.LState) {
		statesMu.Lock()
		delete(states, key)
		statesMu.Unlock()
	}, L)

	return s, nil
}

// FromLState recovers the owning State inside an engine callback. Returns
// nil when the machine is not bridge-owned or its State is already gone.
func FromLState(L *lua.LState) *State {
	statesMu.RLock()
	p, ok := states[L]
	statesMu.RUnlock()
	if !ok {
		return nil
	}
	return p.Value()
}

// ID returns the instance identity used in diagnostics.
func (s *State) ID() string { return s.id.String() }

// L exposes the underlying machine. Callers must hold the single-threaded
// ownership of this State for the duration of any use.
func (s *State) L() *lua.LState { return s.l }

// Closed reports whether Close has run.
func (s *State) Closed() bool { return s.closed.Load() }

// OnClose registers a hook run exactly once, before the machine shuts down.
// Used by the handle table to release every outstanding foreign entry.
func (s *State) OnClose(fn func()) {
	s.closeMu.Lock()
	s.onClose = append(s.onClose, fn)
	s.closeMu.Unlock()
}

// Close shuts the interpreter down. Idempotent; callers must ensure no other
// goroutine is using the State when it runs. Afterwards every wrapper bound
// to this State is inert.
func (s *State) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.closeMu.Lock()
	hooks := s.onClose
	s.onClose = nil
	s.closeMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	// Slots queued by finalizers are dropped, not drained: the registry
	// dies with the machine.
	s.leak.mu.Lock()
	s.leak.slots = nil
	s.leak.mu.Unlock()

	statesMu.Lock()
	delete(states, s.l)
	statesMu.Unlock()

	s.l.Close()
}

// Ref stores v in the reference registry and returns its slot, reusing the
// free list when possible. Nil values are not stored and get RefNil.
func (s *State) Ref(v lua.LValue) (int, error) {
	if s.closed.Load() {
		return 0, &DisposedError{Subject: "engine state", Op: "ref"}
	}
	if v == lua.LNil {
		return RefNil, nil
	}
	free := 0
	if n, ok := s.refs.RawGetInt(freeListRef).(lua.LNumber); ok {
		free = int(n)
	}
	if free > 0 {
		s.refs.RawSetInt(freeListRef, s.refs.RawGetInt(free))
		s.refs.RawSetInt(free, v)
		return free, nil
	}
	slot := s.refs.Len() + 1
	s.refs.RawSetInt(slot, v)
	return slot, nil
}

// Unref returns a slot to the free list. Safe to call with RefNil. Must run
// on the engine-owning side; finalizers go through TryEnqueueLeaked instead.
func (s *State) Unref(slot int) {
	if slot <= 0 || s.closed.Load() {
		return
	}
	head := s.refs.RawGetInt(freeListRef)
	if head == lua.LNil {
		head = lua.LNumber(0)
	}
	s.refs.RawSetInt(slot, head)
	s.refs.RawSetInt(freeListRef, lua.LNumber(slot))
}

// RefGet returns the value currently stored in a slot. A freed slot yields
// the free-list number it holds, which callers detect through type
// validation; a closed State yields nil.
func (s *State) RefGet(slot int) lua.LValue {
	if slot == RefNil || slot <= 0 || s.closed.Load() {
		return lua.LNil
	}
	return s.refs.RawGetInt(slot)
}

// EnsureStack verifies there is headroom for n more values before an
// operation grows the evaluation stack.
func (s *State) EnsureStack(n int) error {
	if s.closed.Load() {
		return &DisposedError{Subject: "engine state", Op: "stack check"}
	}
	top := s.l.GetTop()
	if top+n > s.stackLimit {
		return &StackGuardError{Need: n, Top: top, Limit: s.stackLimit}
	}
	return nil
}

// ToString renders a value through the cached global tostring so script
// metamethods are honored. Falls back to the raw rendering when the global
// was unavailable at construction or the call errors.
func (s *State) ToString(v lua.LValue) string {
	if s.closed.Load() {
		return v.String()
	}
	if s.tostring == nil {
		return v.String()
	}
	top := s.l.GetTop()
	err := s.l.CallByParam(lua.P{Fn: s.tostring, NRet: 1, Protect: true}, v)
	if err != nil {
		s.l.SetTop(top)
		return v.String()
	}
	out := s.l.Get(-1)
	s.l.SetTop(top)
	return lua.LVAsString(out)
}

// Protect runs fn, converting an engine-raised error (a protected-call style
// unwind reaching Go) into an ordinary error. Panics that are not engine
// errors keep propagating: the caller's boundary escalates those as fatal.
func (s *State) Protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if apiErr, ok := r.(*lua.ApiError); ok {
				err = apiErr
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// Escalate is installed with defer at bridge entry points. Any panic
// reaching it means the evaluation stack is no longer trustworthy, so it is
// converted into a FatalError and reported upward, never handled locally.
func Escalate(errp *error) {
	if r := recover(); r != nil {
		*errp = &FatalError{Value: r, Stack: string(debug.Stack())}
	}
}
