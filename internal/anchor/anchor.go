// Package anchor keeps host callables alive for exactly as long as the
// script engine can still invoke them. Publishing a callable pins it behind
// a strong foreign handle; the handle is tied to the engine-level function
// value through an identity registry keyed by weak function pointers, so the
// pin dissolves automatically when the engine lets go of the function.
//
// The registry doubles as the recovery path: given an engine value, Recover
// answers "is this a callable I published, and which host callable is it" —
// without relying on engine-level identity of the wrapper, which differs
// across separate publishes of the same callable.
package anchor

import (
	"fmt"
	"runtime"
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/config"
	"github.com/funvibe/luabridge/internal/engine"
	"github.com/funvibe/luabridge/internal/handle"
)

// Func is the shape of a host callable exposed to scripts. Captured values
// from Publish arrive before the script-supplied arguments. Returned values
// become the call's results; a returned error is raised as an engine-level
// error, catchable by script protected calls.
type Func func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error)

type record struct {
	// Holding the handle block strongly here is what keeps the foreign
	// entry (and through it the callable) alive while the engine can
	// still reach the function.
	ud *lua.LUserData
}

// Registry tracks every callable published into one engine state.
type Registry struct {
	mu  sync.Mutex
	fns map[weak.Pointer[lua.LFunction]]record
}

// NewRegistry creates an empty anchor registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[weak.Pointer[lua.LFunction]]record)}
}

// Len reports how many published callables are still reachable by the
// engine.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

// Publish exposes fn as an engine callable. The callable drains the
// leaked-slot queue on entry, prepends the captured values to the script
// arguments, and converts a returned error into an engine error. The number
// of caller-requested captures is capped one below the engine's capture
// ceiling; the last slot belongs to the anchor.
func (r *Registry) Publish(st *engine.State, ht *handle.Table, mt *lua.LTable, fn Func, captured ...lua.LValue) (*lua.LFunction, error) {
	if fn == nil {
		return nil, fmt.Errorf("publish: nil callable")
	}
	if st.Closed() {
		return nil, &engine.DisposedError{Subject: "engine state", Op: "publish"}
	}
	if len(captured) > config.MaxCaptureSlots-1 {
		return nil, fmt.Errorf("publish: %d captures exceed the %d-slot ceiling (one slot is reserved)",
			len(captured), config.MaxCaptureSlots)
	}

	L := st.L()
	lf := L.NewFunction(func(L *lua.LState) int {
		if owner := engine.FromLState(L); owner != nil {
			owner.DrainLeaked()
		}
		nargs := L.GetTop()
		args := make([]lua.LValue, 0, len(captured)+nargs)
		args = append(args, captured...)
		for i := 1; i <= nargs; i++ {
			args = append(args, L.Get(i))
		}
		out, err := fn(L, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		for _, v := range out {
			L.Push(v)
		}
		return len(out)
	})

	ud := ht.Create(L, fn)
	L.Pop(1)
	if mt != nil {
		L.SetMetatable(ud, mt)
	}

	wp := weak.Make(lf)
	r.mu.Lock()
	r.fns[wp] = record{ud: ud}
	r.mu.Unlock()
	// Once the engine collects the function, the registry entry goes and
	// the handle block loses its last reference; its own finalizer then
	// frees the foreign entry. Neither step touches the engine.
	runtime.AddCleanup(lf, func(wp weak.Pointer[lua.LFunction]) {
		r.mu.Lock()
		delete(r.fns, wp)
		r.mu.Unlock()
	}, wp)

	return lf, nil
}

// Recover returns the host callable behind an engine value produced by
// Publish, or absent for anything else.
func (r *Registry) Recover(ht *handle.Table, v lua.LValue) (Func, bool) {
	lf, ok := v.(*lua.LFunction)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	rec, ok := r.fns[weak.Make(lf)]
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	val, ok := ht.Deref(rec.ud)
	if !ok {
		return nil, false
	}
	fn, ok := val.(Func)
	return fn, ok
}
