// Package handle implements the foreign handle table: the primitive that
// lets host objects cross into the script engine as opaque, type-checked
// blocks without being copied or losing identity.
//
// A handle is a userdata block whose payload is exactly one ID word. The
// host object itself never enters the engine; it lives in a per-table entry
// keyed by that ID, either pinned (strong mode) or tracked weakly so the
// host collector may reclaim it independently (weak mode). Dereferencing a
// freed handle, or a weak handle whose target is gone, yields absent.
package handle

import (
	"runtime"
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/config"
)

// ID is the one-word payload stored inside a handle's block. A userdata
// whose payload is anything but an ID is not even handle-shaped.
type ID uint64

// Mode selects the ownership direction between a handle and its host object.
type Mode int

const (
	// Strong handles keep the host object alive for the handle's lifetime.
	Strong Mode = iota
	// Weak handles let the host collector reclaim the object; dereferencing
	// afterwards yields absent.
	Weak
)

type weakRef interface {
	get() (any, bool)
}

type typedWeak[T any] struct {
	p weak.Pointer[T]
}

func (w typedWeak[T]) get() (any, bool) {
	if v := w.p.Value(); v != nil {
		return v, true
	}
	return nil, false
}

type entry struct {
	mode   Mode
	strong any
	weak   weakRef
}

// Table is the foreign handle table for one engine state. All operations on
// the entry map are mutex-guarded because frees arrive from finalizer
// context; none of them touch the engine.
type Table struct {
	mu      sync.Mutex
	entries map[ID]entry
	next    ID

	// Metatables minted by NewMetatable. Membership is the authoritative
	// tag check: identity of the minted table, never a name lookup that
	// script-visible registries could spoof.
	tagMu sync.Mutex
	tags  map[*lua.LTable]struct{}
}

// NewTable creates an empty foreign handle table.
func NewTable() *Table {
	return &Table{
		entries: make(map[ID]entry),
		next:    1,
		tags:    make(map[*lua.LTable]struct{}),
	}
}

func (t *Table) put(e entry) ID {
	t.mu.Lock()
	id := t.next
	t.next++
	t.entries[id] = e
	t.mu.Unlock()
	return id
}

func (t *Table) alloc(L *lua.LState, e entry) *lua.LUserData {
	id := t.put(e)
	ud := L.NewUserData()
	ud.Value = id
	// Automatic free once the engine can no longer reach the block. The
	// free only mutates the entry map, so finalizer context is safe.
	runtime.SetFinalizer(ud, func(ud *lua.LUserData) {
		if id, ok := ud.Value.(ID); ok {
			t.release(id)
		}
	})
	L.Push(ud)
	return ud
}

// Create allocates a strong handle for value, leaves it on top of the stack
// and returns it. No metatable is attached; callers tag the handle with a
// metatable from NewMetatable before exposing it to scripts.
func (t *Table) Create(L *lua.LState, value any) *lua.LUserData {
	return t.alloc(L, entry{mode: Strong, strong: value})
}

// CreateWeak allocates a weak handle for value. The pointer form is required
// because weak references are typed; the handle never keeps value alive.
func CreateWeak[T any](t *Table, L *lua.LState, value *T) *lua.LUserData {
	return t.alloc(L, entry{mode: Weak, weak: typedWeak[T]{p: weak.Make(value)}})
}

func (t *Table) release(id ID) {
	t.mu.Lock()
	delete(t.entries, id)
	t.mu.Unlock()
}

// Free invalidates a handle's association so the host collector may reclaim
// the object. Idempotent: freeing twice, or freeing a non-handle, is a
// no-op.
func (t *Table) Free(v lua.LValue) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return
	}
	id, ok := ud.Value.(ID)
	if !ok {
		return
	}
	t.release(id)
}

// Deref returns the host object a handle stands for, or absent when the
// handle was freed or its weak target collected.
func (t *Table) Deref(v lua.LValue) (any, bool) {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return nil, false
	}
	id, ok := ud.Value.(ID)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	e, ok := t.entries[id]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	if e.mode == Weak {
		return e.weak.get()
	}
	return e.strong, true
}

// Len reports how many live entries the table holds.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear drops every entry. Registered as an engine close hook so no host
// object outlives the interpreter through the table.
func (t *Table) Clear() {
	t.mu.Lock()
	t.entries = make(map[ID]entry)
	t.mu.Unlock()
}

// IsHandleLike is the cheap structural pre-filter: right engine type, exact
// block payload. It deliberately does not prove authenticity; script code
// can build same-shaped blocks.
func (t *Table) IsHandleLike(v lua.LValue) bool {
	ud, ok := v.(*lua.LUserData)
	if !ok {
		return false
	}
	_, ok = ud.Value.(ID)
	return ok
}

// NewMetatable mints a handle metatable with reservedFields extra slots. The
// __metatable field makes it non-replaceable from script code, and the table
// is recorded in the tag set that IsTrueHandle consults.
func (t *Table) NewMetatable(L *lua.LState, reservedFields int) *lua.LTable {
	mt := L.CreateTable(0, reservedFields+1)
	L.SetField(mt, "__metatable", lua.LString(config.HandleTypeName))
	t.tagMu.Lock()
	t.tags[mt] = struct{}{}
	t.tagMu.Unlock()
	return mt
}

// IsTrueHandle runs the structural check and then confirms the value's
// metatable was minted by this table. Skipping the second step would let
// script-constructed blocks forge handles.
func (t *Table) IsTrueHandle(L *lua.LState, v lua.LValue) bool {
	if !t.IsHandleLike(v) {
		return false
	}
	mt, ok := L.GetMetatable(v).(*lua.LTable)
	if !ok {
		return false
	}
	t.tagMu.Lock()
	_, tagged := t.tags[mt]
	t.tagMu.Unlock()
	return tagged
}

// CheckTrueHandle dereferences a genuine handle at a stack position, raising
// an engine-level type error naming the expected type otherwise. For use
// inside engine callbacks only.
func (t *Table) CheckTrueHandle(L *lua.LState, pos int) any {
	v := L.Get(pos)
	if !t.IsTrueHandle(L, v) {
		L.ArgError(pos, "expected "+config.HandleTypeName)
		return nil
	}
	val, ok := t.Deref(v)
	if !ok {
		L.ArgError(pos, config.HandleTypeName+" is absent")
		return nil
	}
	return val
}
