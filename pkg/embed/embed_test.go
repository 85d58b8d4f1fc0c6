package luabridge

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/engine"
)

func newBridge(t *testing.T, opts ...Option) *Bridge {
	t.Helper()
	b, err := New(opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestEvalScalars(t *testing.T) {
	b := newBridge(t)

	v, err := b.Eval(`return 6 * 7`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if n, err := v.AsNumber(); err != nil || n != 42 {
		t.Fatalf("result = %v (%v), want 42", n, err)
	}

	v, err = b.Eval(`return "hi " .. "there"`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if s, err := v.AsString(); err != nil || s != "hi there" {
		t.Fatalf("result = %q (%v)", s, err)
	}

	v, err = b.Eval(`return nil`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if !v.IsNone() {
		t.Fatalf("nil result read as %v", v.Kind())
	}
}

func TestEvalTableSummarized(t *testing.T) {
	b := newBridge(t)
	v, err := b.Eval(`return {1, 2, 3}`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if !v.IsTable() {
		t.Fatalf("table result read as %v", v.Kind())
	}
	s, _ := v.Summary()
	if !strings.Contains(s, "1") {
		t.Fatalf("summary %q carries no content", s)
	}
}

func TestEvalError(t *testing.T) {
	b := newBridge(t)
	if _, err := b.Eval(`error("boom")`); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v", err)
	}
	// The bridge stays usable after a script error.
	if _, err := b.Eval(`return 1`); err != nil {
		t.Fatalf("Eval after error failed: %v", err)
	}
}

func TestBindAndCallBack(t *testing.T) {
	b := newBridge(t)
	err := b.Bind("double", func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
		n := lua.LVAsNumber(args[0])
		return []lua.LValue{lua.LNumber(n * 2)}, nil
	})
	if err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	v, err := b.Eval(`return double(21)`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if n, _ := v.AsNumber(); n != 42 {
		t.Fatalf("double(21) = %v", n)
	}
}

func TestBindModule(t *testing.T) {
	b := newBridge(t)
	err := b.BindModule("mathx", map[string]Func{
		"neg": func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
			return []lua.LValue{lua.LNumber(-lua.LVAsNumber(args[0]))}, nil
		},
	})
	if err != nil {
		t.Fatalf("BindModule failed: %v", err)
	}
	v, err := b.Eval(`return mathx.neg(5)`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if n, _ := v.AsNumber(); n != -5 {
		t.Fatalf("mathx.neg(5) = %v", n)
	}
}

func TestRecoverFunc(t *testing.T) {
	b := newBridge(t)
	calls := 0
	fn := func(L *lua.LState, args []lua.LValue) ([]lua.LValue, error) {
		calls++
		return nil, nil
	}
	if err := b.Bind("cb", fn); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	if _, err := b.Eval(`alias = cb; plain = 7`); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	got, ok := b.RecoverFunc("alias")
	if !ok {
		t.Fatal("published callable not recovered through an alias")
	}
	got(b.st.L(), nil)
	if calls != 1 {
		t.Fatalf("recovered callable is not the original, calls = %d", calls)
	}
	if _, ok := b.RecoverFunc("plain"); ok {
		t.Fatal("recovered a callable from a number global")
	}
	if _, ok := b.RecoverFunc("missing"); ok {
		t.Fatal("recovered a callable from nothing")
	}
}

type account struct{ balance int }

func TestWrapUnwrapIdentity(t *testing.T) {
	b := newBridge(t)
	acct := &account{balance: 100}
	h, err := b.Wrap(acct)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}

	if !b.IsHandle(h) {
		t.Fatal("minted handle rejected")
	}
	got, ok := b.Unwrap(h)
	if !ok || got.(*account) != acct {
		t.Fatalf("Unwrap returned %v, %v", got, ok)
	}
}

func TestHandleThroughScript(t *testing.T) {
	b := newBridge(t)
	acct := &account{balance: 7}
	h, err := b.Wrap(acct)
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if err := b.Set("acct", h); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := b.Eval(`stash = acct; return acct`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	got, ok := b.Unwrap(v)
	if !ok || got.(*account) != acct {
		t.Fatal("handle lost identity crossing the script boundary")
	}
}

func TestForgedHandleRejected(t *testing.T) {
	b := newBridge(t)
	v, err := b.Eval(`return {id = 1}`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if b.IsHandle(v) {
		t.Fatal("script-built table accepted as a handle")
	}
	if _, ok := b.Unwrap(v); ok {
		t.Fatal("forged handle unwrapped")
	}
}

func TestReleaseFreesHandle(t *testing.T) {
	b := newBridge(t)
	h, err := b.Wrap(&account{})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	if b.Handles() != 1 {
		t.Fatalf("Handles = %d, want 1", b.Handles())
	}
	b.Release(h)
	if _, ok := b.Unwrap(h); ok {
		t.Fatal("released handle still dereferences")
	}
	if b.Handles() != 0 {
		t.Fatalf("Handles = %d after release", b.Handles())
	}
	b.Release(h) // second release is a no-op
}

func TestWeakHandleGoesAbsent(t *testing.T) {
	b := newBridge(t)
	h, err := WrapWeak(b, &account{balance: 1})
	if err != nil {
		t.Fatalf("WrapWeak failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		runtime.GC()
		if _, ok := b.Unwrap(h); !ok {
			return
		}
	}
	t.Fatal("weak handle still dereferences after collection")
}

func TestWeakHandleKeepsIdentityWhileAlive(t *testing.T) {
	b := newBridge(t)
	acct := &account{balance: 3}
	h, err := WrapWeak(b, acct)
	if err != nil {
		t.Fatalf("WrapWeak failed: %v", err)
	}
	runtime.GC()
	got, ok := b.Unwrap(h)
	if !ok || got.(*account) != acct {
		t.Fatal("weak handle lost its live target")
	}
	runtime.KeepAlive(acct)
}

func TestSetGetRoundTrip(t *testing.T) {
	b := newBridge(t)
	if err := b.Set("greeting", String("hello")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	v, err := b.Get("greeting")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s, _ := v.AsString(); s != "hello" {
		t.Fatalf("greeting = %q", s)
	}
}

func TestCallGlobal(t *testing.T) {
	b := newBridge(t)
	if _, err := b.Eval(`function add(a, b) return a + b end`); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	v, err := b.Call("add", Number(40), Number(2))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if n, _ := v.AsNumber(); n != 42 {
		t.Fatalf("add = %v", n)
	}
	if _, err := b.Call("missing"); err == nil {
		t.Fatal("calling a missing global succeeded")
	}
}

func TestAcquireFunctionSurvivesReassignment(t *testing.T) {
	b := newBridge(t)
	if _, err := b.Eval(`function f() return "original" end`); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	r, err := b.AcquireFunction("f")
	if err != nil {
		t.Fatalf("AcquireFunction failed: %v", err)
	}
	defer r.Dispose()
	if _, err := b.Eval(`f = nil`); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	out, err := r.Call(nil, 1)
	if err != nil {
		t.Fatalf("Call through reference failed: %v", err)
	}
	if lua.LVAsString(out[0]) != "original" {
		t.Fatalf("result = %v", out[0])
	}
}

func TestAcquireTypeMismatch(t *testing.T) {
	b := newBridge(t)
	if _, err := b.Eval(`thing = 42`); err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if _, err := b.AcquireTable("thing"); err == nil {
		t.Fatal("acquiring a number as a table succeeded")
	}
}

func TestSandboxedLoadstringBytecode(t *testing.T) {
	b := newBridge(t)
	v, err := b.Eval(`return loadstring("\027LuaQ\000\001")`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if !v.IsNone() {
		t.Fatalf("loadstring of bytecode produced %v, want nil", v.Kind())
	}
}

func TestEvalFileNeutralizesShebang(t *testing.T) {
	b := newBridge(t)
	path := filepath.Join(t.TempDir(), "script.lua")
	if err := os.WriteFile(path, []byte("#!/usr/bin/env lua\nreturn 9\n"), 0o644); err != nil {
		t.Fatalf("writing script: %v", err)
	}
	v, err := b.EvalFile(path)
	if err != nil {
		t.Fatalf("EvalFile failed: %v", err)
	}
	if n, _ := v.AsNumber(); n != 9 {
		t.Fatalf("result = %v", n)
	}
}

func TestEvalFileRejectsBytecode(t *testing.T) {
	b := newBridge(t)
	path := filepath.Join(t.TempDir(), "chunk.luac")
	if err := os.WriteFile(path, []byte("\x1bLuaQ\x00"), 0o644); err != nil {
		t.Fatalf("writing chunk: %v", err)
	}
	if _, err := b.EvalFile(path); err == nil {
		t.Fatal("EvalFile accepted precompiled input")
	}
}

func TestToFromValue(t *testing.T) {
	b := newBridge(t)

	toValue := func(x any) Value {
		t.Helper()
		v, err := b.ToValue(x)
		if err != nil {
			t.Fatalf("ToValue(%v) failed: %v", x, err)
		}
		return v
	}

	if v := toValue(42); !v.IsNumber() {
		t.Fatalf("int mapped to %v", v.Kind())
	}
	if v := toValue("x"); !v.IsString() {
		t.Fatalf("string mapped to %v", v.Kind())
	}
	if v := toValue(nil); !v.IsNone() {
		t.Fatalf("nil mapped to %v", v.Kind())
	}

	acct := &account{balance: 5}
	v := toValue(acct)
	if !b.IsHandle(v) {
		t.Fatal("struct pointer did not map to a handle")
	}
	if got := b.FromValue(v); got.(*account) != acct {
		t.Fatal("FromValue lost handle identity")
	}
	if got := b.FromValue(Number(1.5)); got.(float64) != 1.5 {
		t.Fatalf("FromValue number = %v", got)
	}
}

func TestCloseIdempotentAndGuards(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	b.Close()
	b.Close()
	if !b.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	if _, err := b.Eval(`return 1`); err == nil {
		t.Fatal("Eval succeeded on a closed bridge")
	}
	if err := b.Bind("f", func(*lua.LState, []lua.LValue) ([]lua.LValue, error) { return nil, nil }); err == nil {
		t.Fatal("Bind succeeded on a closed bridge")
	}
}

func TestHandleOpsOnClosedBridge(t *testing.T) {
	b, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h, err := b.Wrap(&account{balance: 1})
	if err != nil {
		t.Fatalf("Wrap failed: %v", err)
	}
	b.Close()

	if _, err := b.Wrap(&account{}); err == nil {
		t.Fatal("Wrap succeeded on a closed bridge")
	}
	if _, err := WrapWeak(b, &account{}); err == nil {
		t.Fatal("WrapWeak succeeded on a closed bridge")
	}
	if _, err := b.ToValue(&account{}); err == nil {
		t.Fatal("ToValue wrapped a host object on a closed bridge")
	}
	// Close-time Clear dropped the entry and the failed wraps added none.
	if n := b.Handles(); n != 0 {
		t.Fatalf("Handles = %d after Close, want 0", n)
	}
	if _, ok := b.Unwrap(h); ok {
		t.Fatal("Unwrap dereferenced a handle of a closed bridge")
	}
	if b.IsHandle(h) {
		t.Fatal("IsHandle accepted a handle of a closed bridge")
	}
	b.Release(h) // must not touch the closed engine
}

func TestGetSetStackGuard(t *testing.T) {
	b := newBridge(t, WithStackLimit(2))
	L := b.State().L()
	L.Push(lua.LNumber(1))
	L.Push(lua.LNumber(2))

	if err := b.Set("x", Number(7)); err == nil {
		t.Fatal("Set succeeded with no stack headroom")
	}
	_, err := b.Get("x")
	if err == nil {
		t.Fatal("Get succeeded with no stack headroom")
	}
	var guard *engine.StackGuardError
	if !errors.As(err, &guard) {
		t.Fatalf("Get error = %v, want stack guard", err)
	}

	L.SetTop(0)
	if err := b.Set("x", Number(7)); err != nil {
		t.Fatalf("Set failed with headroom: %v", err)
	}
	v, err := b.Get("x")
	if err != nil {
		t.Fatalf("Get failed with headroom: %v", err)
	}
	if n, ok := v.TryNumber(); !ok || n != 7 {
		t.Fatalf("Get = %v, want 7", v)
	}
}

func TestPolicyFileOption(t *testing.T) {
	dir := t.TempDir()
	policy := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(policy, []byte("root: "+dir+"\n"), 0o644); err != nil {
		t.Fatalf("writing policy: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "lib.lua"), []byte(`return "loaded"`), 0o644); err != nil {
		t.Fatalf("writing lib: %v", err)
	}

	b := newBridge(t, WithPolicyFile(policy))
	v, err := b.Eval(`return dofile("lib.lua")`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if s, _ := v.AsString(); s != "loaded" {
		t.Fatalf("dofile result = %q", s)
	}

	if _, err := New(WithPolicyFile(filepath.Join(dir, "nope.yaml"))); err == nil {
		t.Fatal("missing policy file accepted")
	}
}
