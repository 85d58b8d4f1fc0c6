// Package luabridge is the public embedding surface. A Bridge owns one
// sandboxed interpreter together with the handle table and closure registry
// that let host objects and host callables cross into scripts safely.
package luabridge

import (
	"fmt"
	"os"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/anchor"
	"github.com/funvibe/luabridge/internal/engine"
	"github.com/funvibe/luabridge/internal/handle"
	"github.com/funvibe/luabridge/internal/prim"
	"github.com/funvibe/luabridge/internal/refs"
	"github.com/funvibe/luabridge/internal/sandbox"
)

// Func is a host callable exposed to scripts. Captured values published with
// the callable arrive at the front of args.
type Func = anchor.Func

type settings struct {
	engine engine.Options
	policy *sandbox.Policy
	filter sandbox.PathFilter
	err    error
}

// Option configures a Bridge at construction.
type Option func(*settings)

// WithStackLimit caps the interpreter's evaluation stack.
func WithStackLimit(n int) Option {
	return func(s *settings) { s.engine.StackLimit = n }
}

// WithPolicy sets the sandbox policy governing script filesystem access.
func WithPolicy(p *sandbox.Policy) Option {
	return func(s *settings) { s.policy = p }
}

// WithPolicyFile loads the sandbox policy from a YAML file.
func WithPolicyFile(path string) Option {
	return func(s *settings) {
		p, err := sandbox.LoadPolicy(path)
		if err != nil {
			s.err = fmt.Errorf("loading policy: %w", err)
			return
		}
		s.policy = p
	}
}

// WithPathFilter overrides the policy-derived path filter.
func WithPathFilter(f sandbox.PathFilter) Option {
	return func(s *settings) { s.filter = f }
}

// Bridge is one sandboxed interpreter plus the plumbing for crossing values
// between host and scripts. Not safe for concurrent use; all methods must be
// called from the goroutine that owns the interpreter.
type Bridge struct {
	st       *engine.State
	handles  *handle.Table
	handleMT *lua.LTable
	anchors  *anchor.Registry
}

// New constructs a sandboxed Bridge. The interpreter opens with the safe
// library set only, and the sandbox is applied before any script runs.
func New(opts ...Option) (*Bridge, error) {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.err != nil {
		return nil, s.err
	}

	st, err := engine.Open(s.engine)
	if err != nil {
		return nil, err
	}
	ht := handle.NewTable()
	mt := ht.NewMetatable(st.L(), 0)
	sandbox.Apply(st.L(), s.policy, s.filter)
	st.OnClose(ht.Clear)

	return &Bridge{
		st:       st,
		handles:  ht,
		handleMT: mt,
		anchors:  anchor.NewRegistry(),
	}, nil
}

// ID returns the bridge's stable identity, usable in logs.
func (b *Bridge) ID() string { return b.st.ID() }

// Closed reports whether Close has run.
func (b *Bridge) Closed() bool { return b.st.Closed() }

// Close tears down the interpreter. Safe to call more than once; every
// operation after the first call fails instead of touching freed memory.
func (b *Bridge) Close() { b.st.Close() }

// State exposes the underlying engine state for advanced integrations.
func (b *Bridge) State() *engine.State { return b.st }

// CollectLeaked releases reference slots queued by finalizers since the last
// evaluation. Eval and Call do this automatically.
func (b *Bridge) CollectLeaked() int { return b.st.DrainLeaked() }

func (b *Bridge) guard(op string) error {
	if b.st.Closed() {
		return &engine.DisposedError{Subject: "bridge", Op: op}
	}
	return nil
}

// Eval compiles and runs a source string, returning its first result.
func (b *Bridge) Eval(code string) (res Value, err error) {
	return b.eval([]byte(code), "=(eval)")
}

// EvalFile reads, compiles, and runs a script file on behalf of the host.
// The file is subject to the same chunk rules as the wrapped loaders, but
// not to the script-facing path filter: the host chose this path itself.
func (b *Bridge) EvalFile(path string) (Value, error) {
	if err := b.guard("eval file"); err != nil {
		return prim.NoneVal(), err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return prim.NoneVal(), err
	}
	return b.eval(data, path)
}

func (b *Bridge) eval(src []byte, chunkname string) (res Value, err error) {
	if err := b.guard("eval"); err != nil {
		return prim.NoneVal(), err
	}
	defer engine.Escalate(&err)
	b.st.DrainLeaked()

	L := b.st.L()
	fn, err := sandbox.Compile(L, src, chunkname)
	if err != nil {
		return prim.NoneVal(), err
	}
	top := L.GetTop()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		L.SetTop(top)
		return prim.NoneVal(), err
	}
	res = prim.Read(L, -1, true)
	L.SetTop(top)
	return res, nil
}

// Bind publishes a host callable as a script global. The callable stays
// invocable for as long as scripts can reach it, even if the host drops
// every other reference.
func (b *Bridge) Bind(name string, fn Func) error {
	if err := b.guard("bind"); err != nil {
		return err
	}
	lf, err := b.anchors.Publish(b.st, b.handles, b.handleMT, fn)
	if err != nil {
		return err
	}
	b.st.L().SetGlobal(name, lf)
	return nil
}

// BindModule publishes a set of host callables as fields of one global
// table, the shape scripts expect from a library.
func (b *Bridge) BindModule(name string, fns map[string]Func) error {
	if err := b.guard("bind module"); err != nil {
		return err
	}
	L := b.st.L()
	mod := L.NewTable()
	for field, fn := range fns {
		lf, err := b.anchors.Publish(b.st, b.handles, b.handleMT, fn)
		if err != nil {
			return fmt.Errorf("binding %s.%s: %w", name, field, err)
		}
		L.SetField(mod, field, lf)
	}
	L.SetGlobal(name, mod)
	return nil
}

// RecoverFunc maps a script global back to the host callable it was
// published from, if it holds one. Recovery sees through script-side
// aliasing: any global holding the published function value works.
func (b *Bridge) RecoverFunc(name string) (Func, bool) {
	if b.st.Closed() {
		return nil, false
	}
	return b.anchors.Recover(b.handles, b.st.L().GetGlobal(name))
}

// Set assigns a script global.
func (b *Bridge) Set(name string, v Value) error {
	if err := b.guard("set"); err != nil {
		return err
	}
	if err := b.st.EnsureStack(1); err != nil {
		return err
	}
	L := b.st.L()
	if err := v.Push(L); err != nil {
		return err
	}
	lv := L.Get(-1)
	L.Pop(1)
	L.SetGlobal(name, lv)
	return nil
}

// Get reads a script global.
func (b *Bridge) Get(name string) (Value, error) {
	if err := b.guard("get"); err != nil {
		return prim.NoneVal(), err
	}
	if err := b.st.EnsureStack(1); err != nil {
		return prim.NoneVal(), err
	}
	L := b.st.L()
	L.Push(L.GetGlobal(name))
	v := prim.Read(L, -1, true)
	L.Pop(1)
	return v, nil
}

// Call invokes a global script function by name with the given arguments and
// returns its first result.
func (b *Bridge) Call(name string, args ...Value) (res Value, err error) {
	if err := b.guard("call"); err != nil {
		return prim.NoneVal(), err
	}
	defer engine.Escalate(&err)
	b.st.DrainLeaked()

	L := b.st.L()
	fn := L.GetGlobal(name)
	if fn.Type() != lua.LTFunction {
		return prim.NoneVal(), fmt.Errorf("global %q is %s, not a function", name, fn.Type())
	}
	if err := b.st.EnsureStack(len(args) + 1); err != nil {
		return prim.NoneVal(), err
	}
	top := L.GetTop()
	L.Push(fn)
	for i, a := range args {
		if err := a.Push(L); err != nil {
			L.SetTop(top)
			return prim.NoneVal(), fmt.Errorf("argument %d: %w", i, err)
		}
	}
	if err := L.PCall(len(args), 1, nil); err != nil {
		L.SetTop(top)
		return prim.NoneVal(), err
	}
	res = prim.Read(L, -1, true)
	L.SetTop(top)
	return res, nil
}

// Wrap hands a host object to scripts as an opaque handle. The handle keeps
// the object alive until scripts lose every copy of it or Release is called.
func (b *Bridge) Wrap(value any) (Value, error) {
	if err := b.guard("wrap"); err != nil {
		return prim.NoneVal(), err
	}
	L := b.st.L()
	ud := b.handles.Create(L, value)
	L.SetMetatable(ud, b.handleMT)
	L.Pop(1)
	return prim.PointerVal(ud), nil
}

// WrapWeak hands a host object to scripts without keeping it alive. Once the
// host drops its own references, Unwrap on the handle reports absence.
func WrapWeak[T any](b *Bridge, value *T) (Value, error) {
	if err := b.guard("wrap"); err != nil {
		return prim.NoneVal(), err
	}
	L := b.st.L()
	ud := handle.CreateWeak(b.handles, L, value)
	L.SetMetatable(ud, b.handleMT)
	L.Pop(1)
	return prim.PointerVal(ud), nil
}

// IsHandle reports whether v is a genuine handle minted by this bridge, as
// opposed to a script-built lookalike. Nothing is a handle of a closed
// bridge.
func (b *Bridge) IsHandle(v Value) bool {
	if b.st.Closed() {
		return false
	}
	p, ok := v.TryPointer()
	if !ok {
		return false
	}
	lv, ok := p.(lua.LValue)
	if !ok {
		return false
	}
	return b.handles.IsTrueHandle(b.st.L(), lv)
}

// Unwrap recovers the host object behind a handle. The second result is
// false for non-handles, forged handles, weak handles whose target has been
// collected, and every handle of a closed bridge.
func (b *Bridge) Unwrap(v Value) (any, bool) {
	if b.st.Closed() {
		return nil, false
	}
	p, ok := v.TryPointer()
	if !ok {
		return nil, false
	}
	lv, ok := p.(lua.LValue)
	if !ok {
		return nil, false
	}
	if !b.handles.IsTrueHandle(b.st.L(), lv) {
		return nil, false
	}
	return b.handles.Deref(lv)
}

// Release frees a handle's table entry early instead of waiting for the
// engine to collect the last copy. Safe on already-released handles; a
// no-op after Close, which already dropped every entry.
func (b *Bridge) Release(v Value) {
	if b.st.Closed() {
		return
	}
	if p, ok := v.TryPointer(); ok {
		if lv, ok := p.(lua.LValue); ok {
			b.handles.Free(lv)
		}
	}
}

// Handles reports how many live entries the handle table holds.
func (b *Bridge) Handles() int { return b.handles.Len() }

// AcquireFunction takes a typed host-side reference to a global function.
// The reference survives reassignment of the global.
func (b *Bridge) AcquireFunction(name string) (*refs.Ref, error) {
	return b.acquireGlobal(name, lua.LTFunction)
}

// AcquireTable takes a typed host-side reference to a global table.
func (b *Bridge) AcquireTable(name string) (*refs.Ref, error) {
	return b.acquireGlobal(name, lua.LTTable)
}

// AcquireString takes a typed host-side reference to a global string.
func (b *Bridge) AcquireString(name string) (*refs.Ref, error) {
	return b.acquireGlobal(name, lua.LTString)
}

// AcquireUserData takes a typed host-side reference to a global userdata
// block.
func (b *Bridge) AcquireUserData(name string) (*refs.Ref, error) {
	return b.acquireGlobal(name, lua.LTUserData)
}

func (b *Bridge) acquireGlobal(name string, want lua.LValueType) (*refs.Ref, error) {
	if err := b.guard("acquire"); err != nil {
		return nil, err
	}
	L := b.st.L()
	if err := b.st.EnsureStack(1); err != nil {
		return nil, err
	}
	L.Push(L.GetGlobal(name))
	return refs.Acquire(b.st, want)
}
