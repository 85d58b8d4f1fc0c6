// Package refs implements the disposable, type-checked references host code
// holds to script values (functions, tables, strings, userdata). A Ref pairs
// a registry slot with its owning engine state and re-validates the slot's
// runtime type on every type-sensitive operation: engine primitives trust
// their caller's type claims, so a stale or tampered slot must be caught
// here, not inside the engine.
//
// Lifecycle is {Live} -> {Disposed}, terminal. Dispose is idempotent, and
// any validation failure forces the transition before the error is
// reported. A Ref collected by the host without an explicit Dispose hands
// its slot to the engine's leaked-slot queue instead of touching the engine
// from finalizer context.
package refs

import (
	"runtime"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/engine"
)

// Ref is a live, type-checked reference to one script value.
type Ref struct {
	st       *engine.State
	slot     int
	typ      lua.LValueType
	disposed atomic.Bool
}

// Acquire consumes the value on top of the evaluation stack into the
// reference registry. The value is popped whether or not its type matches,
// so the stack is left clean either way; a mismatch reports a type error
// and stores nothing. Stack delta: -1.
func Acquire(st *engine.State, expected lua.LValueType) (*Ref, error) {
	if st.Closed() {
		return nil, &engine.DisposedError{Subject: "engine state", Op: "acquire"}
	}
	L := st.L()
	if L.GetTop() == 0 {
		return nil, &engine.TypeMismatchError{Expected: expected.String(), Actual: "empty stack"}
	}
	v := L.Get(-1)
	L.Pop(1)
	if v.Type() != expected {
		return nil, &engine.TypeMismatchError{Expected: expected.String(), Actual: v.Type().String()}
	}
	slot, err := st.Ref(v)
	if err != nil {
		return nil, err
	}
	r := &Ref{st: st, slot: slot, typ: expected}
	runtime.SetFinalizer(r, finalizeRef)
	return r, nil
}

// finalizeRef runs on the host collector's goroutine. It must not touch the
// engine: the slot goes onto the leaked queue, and if the queue's lock is
// contended the finalizer re-arms itself for a later collection cycle
// instead of blocking the collector.
func finalizeRef(r *Ref) {
	if r.disposed.Load() {
		return
	}
	if !r.st.TryEnqueueLeaked(r.slot) {
		runtime.SetFinalizer(r, finalizeRef)
		return
	}
	r.disposed.Store(true)
}

// Type returns the declared runtime type the reference was acquired for.
func (r *Ref) Type() lua.LValueType { return r.typ }

// Disposed reports whether the reference has been released.
func (r *Ref) Disposed() bool { return r.disposed.Load() }

// Dispose returns the slot to the registry free list. Idempotent. Must be
// called from a goroutine that legitimately holds the engine; asynchronous
// finalization takes the leaked-queue path instead.
func (r *Ref) Dispose() {
	if !r.disposed.CompareAndSwap(false, true) {
		return
	}
	runtime.SetFinalizer(r, nil)
	if r.st.Closed() {
		return
	}
	r.st.Unref(r.slot)
}

// fail disposes the reference as a side effect and returns err. Every
// validation failure funnels through here so the state machine transition
// always precedes the report.
func (r *Ref) fail(err error) error {
	r.Dispose()
	return err
}

// Push pushes the referenced value after re-validating its type, guarding
// against external tampering with the registry. A mismatch disposes the
// reference. Stack delta: +1 on success, 0 on failure.
func (r *Ref) Push() error {
	if r.disposed.Load() {
		return &engine.DisposedError{Subject: "reference", Op: "push"}
	}
	if r.st.Closed() {
		return &engine.DisposedError{Subject: "engine state", Op: "push"}
	}
	if err := r.st.EnsureStack(1); err != nil {
		return err
	}
	v := r.st.RefGet(r.slot)
	if v.Type() != r.typ {
		return r.fail(&engine.TypeMismatchError{Expected: r.typ.String(), Actual: v.Type().String()})
	}
	r.st.L().Push(v)
	return nil
}

// rawPush pushes without validation. Internal call sites that tolerate any
// type (equality) only; never exposed. Stack delta: +1 on success.
func (r *Ref) rawPush() error {
	if r.disposed.Load() {
		return &engine.DisposedError{Subject: "reference", Op: "push"}
	}
	if r.st.Closed() {
		return &engine.DisposedError{Subject: "engine state", Op: "push"}
	}
	if err := r.st.EnsureStack(1); err != nil {
		return err
	}
	r.st.L().Push(r.st.RefGet(r.slot))
	return nil
}

// RawEqual compares underlying identity with no metatable involvement.
// Stack delta: 0 (two temporary pushes, both cleared).
func (r *Ref) RawEqual(other *Ref) (bool, error) {
	L := r.st.L()
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.rawPush(); err != nil {
		return false, err
	}
	if err := other.rawPush(); err != nil {
		return false, err
	}
	return L.Get(-2) == L.Get(-1), nil
}

// Equal additionally honors equality overrides registered by script-defined
// metatables. Stack delta: 0.
func (r *Ref) Equal(other *Ref) (eq bool, err error) {
	L := r.st.L()
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.rawPush(); err != nil {
		return false, err
	}
	if err := other.rawPush(); err != nil {
		return false, err
	}
	a, b := L.Get(-2), L.Get(-1)
	err = r.st.Protect(func() { eq = L.Equal(a, b) })
	return eq, err
}

// Get fetches self[key], honoring metamethods. Stack delta: 0 (one
// temporary push, cleared).
func (r *Ref) Get(key lua.LValue) (v lua.LValue, err error) {
	L := r.st.L()
	if err := r.st.EnsureStack(2); err != nil {
		return nil, err
	}
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.Push(); err != nil {
		return nil, err
	}
	self := L.Get(-1)
	err = r.st.Protect(func() { v = L.GetTable(self, key) })
	return v, err
}

// Set assigns self[key] = value, honoring metamethods. Stack delta: 0.
func (r *Ref) Set(key, value lua.LValue) error {
	L := r.st.L()
	if err := r.st.EnsureStack(3); err != nil {
		return err
	}
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.Push(); err != nil {
		return err
	}
	self := L.Get(-1)
	return r.st.Protect(func() { L.SetTable(self, key, value) })
}

// Len reports the value's length. Stack delta: 0.
func (r *Ref) Len() (n int, err error) {
	L := r.st.L()
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.Push(); err != nil {
		return 0, err
	}
	self := L.Get(-1)
	err = r.st.Protect(func() { n = L.ObjLen(self) })
	return n, err
}

// Metatable returns the value's metatable, or nil when it has none. Stack
// delta: 0.
func (r *Ref) Metatable() (lua.LValue, error) {
	L := r.st.L()
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.Push(); err != nil {
		return nil, err
	}
	return L.GetMetatable(L.Get(-1)), nil
}

// SetMetatable replaces the value's metatable. Stack delta: 0.
func (r *Ref) SetMetatable(mt lua.LValue) error {
	L := r.st.L()
	top := L.GetTop()
	defer L.SetTop(top)
	if err := r.Push(); err != nil {
		return err
	}
	self := L.Get(-1)
	return r.st.Protect(func() { L.SetMetatable(self, mt) })
}

// Call invokes the referenced value with args, collecting up to nret
// results (engine convention: negative means all). Stack delta: 0; the
// temporary frame of len(args)+1 values plus results is cleared.
func (r *Ref) Call(args []lua.LValue, nret int) ([]lua.LValue, error) {
	L := r.st.L()
	if err := r.st.EnsureStack(len(args) + 1); err != nil {
		return nil, err
	}
	top := L.GetTop()
	if err := r.Push(); err != nil {
		return nil, err
	}
	for _, a := range args {
		L.Push(a)
	}
	if err := L.PCall(len(args), nret, nil); err != nil {
		L.SetTop(top)
		return nil, err
	}
	nres := L.GetTop() - top
	out := make([]lua.LValue, 0, nres)
	for i := top + 1; i <= top+nres; i++ {
		out = append(out, L.Get(i))
	}
	L.SetTop(top)
	return out, nil
}
