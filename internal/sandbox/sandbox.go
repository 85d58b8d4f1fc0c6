// Package sandbox strips or reimplements interpreter capabilities that
// would let script code escape its confinement: dynamic loading of opaque
// precompiled chunks, filesystem access outside a host-approved root, module
// loading, and the introspection primitives that could rewrite the bridge's
// own bookkeeping tables.
//
// Apply runs exactly once, at interpreter construction, before host code can
// observe the un-sandboxed state. Each transformation degrades gracefully: a
// global that is already missing is treated as already-safe, never fatal.
package sandbox

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/config"
)

// chunkSignature is the first byte of a precompiled chunk. Precompiled code
// bypasses syntax-level safety checks and can encode arbitrary unsafe
// operations, so both loaders refuse it outright.
const chunkSignature = 0x1B

// debugAllowed lists the introspection operations that survive the debug
// reduction: formatting and frame inspection only. Everything that can
// rewrite tables or metatables goes, or script code could retag the foreign
// handle bookkeeping and forge handles.
var debugAllowed = []string{"traceback", "getinfo"}

// Apply hardens a freshly constructed interpreter. filter guards every file
// load; policy supplies the file-size bound (nil uses defaults).
func Apply(L *lua.LState, policy *Policy, filter PathFilter) {
	if filter == nil {
		filter = policy.Filter()
	}
	maxSrc := policy.maxSource()

	reduceDebug(L)
	wrapLoaders(L, filter, maxSrc)
	removeModuleGlobals(L)
}

// reduceDebug replaces the debug global with a table exposing only the
// non-tamper-relevant operations. A missing debug global is already safe.
func reduceDebug(L *lua.LState) {
	dbg := L.GetGlobal(lua.DebugLibName)
	if dbg == lua.LNil {
		return
	}
	reduced := L.NewTable()
	if tbl, ok := dbg.(*lua.LTable); ok {
		for _, name := range debugAllowed {
			if fn := L.GetField(tbl, name); fn != lua.LNil {
				L.SetField(reduced, name, fn)
			}
		}
	}
	L.SetGlobal(lua.DebugLibName, reduced)
}

// removeModuleGlobals deletes the module-loading surface entirely; no safe
// sandboxing is attempted for it.
func removeModuleGlobals(L *lua.LState) {
	for _, name := range config.ModuleGlobals {
		L.SetGlobal(name, lua.LNil)
	}
}

// MissingHostGlobals reports which of the globals the host contract removes
// before the sandbox runs (filesystem and process control) are still
// present. The sandbox itself only asserts their absence.
func MissingHostGlobals(L *lua.LState) []string {
	var present []string
	for _, name := range config.HostRemovedGlobals {
		if L.GetGlobal(name) != lua.LNil {
			present = append(present, name)
		}
	}
	return present
}

func wrapLoaders(L *lua.LState, filter PathFilter, maxSrc int) {
	// loadstring: compile source only, refusing precompiled input by
	// signature byte. Failures follow the engine convention of returning
	// nil plus a message.
	if L.GetGlobal("loadstring") != lua.LNil {
		L.SetGlobal("loadstring", L.NewFunction(func(L *lua.LState) int {
			src := L.CheckString(1)
			chunkname := L.OptString(2, "=(loadstring)")
			return pushChunk(L, []byte(src), chunkname)
		}))
	}

	// load: compiles either source or bytecode and can rebind
	// environments; no safe reimplementation is provided.
	if L.GetGlobal("load") != lua.LNil {
		L.SetGlobal("load", L.NewFunction(func(L *lua.LState) int {
			L.RaiseError("load is disabled in the sandbox")
			return 0
		}))
	}

	// loadfile: path filter first, then the same chunk checks as
	// loadstring.
	if L.GetGlobal("loadfile") != lua.LNil {
		L.SetGlobal("loadfile", L.NewFunction(func(L *lua.LState) int {
			path := L.CheckString(1)
			data, errmsg := readSandboxedFile(filter, maxSrc, path)
			if errmsg != "" {
				L.Push(lua.LNil)
				L.Push(lua.LString(errmsg))
				return 2
			}
			return pushChunk(L, data, "@"+path)
		}))
	}

	// dofile: load through the same gate, then run, propagating every
	// result. Load failures raise, matching the engine's own dofile.
	if L.GetGlobal("dofile") != lua.LNil {
		L.SetGlobal("dofile", L.NewFunction(func(L *lua.LState) int {
			path := L.CheckString(1)
			data, errmsg := readSandboxedFile(filter, maxSrc, path)
			if errmsg != "" {
				L.RaiseError("%s", errmsg)
				return 0
			}
			fn, err := compileChunk(L, data, "@"+path)
			if err != nil {
				L.RaiseError("%s", err.Error())
				return 0
			}
			top := L.GetTop()
			L.Push(fn)
			L.Call(0, lua.MultRet)
			return L.GetTop() - top
		}))
	}
}

// readSandboxedFile consults the path filter before any filesystem access.
// Rejection surfaces as a not-found style message so probing scripts learn
// nothing about what exists outside the root.
func readSandboxedFile(filter PathFilter, maxSrc int, path string) ([]byte, string) {
	clean, ok := filter(path)
	if !ok {
		return nil, fmt.Sprintf("cannot open %s: no such file or directory", path)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Sprintf("cannot open %s: no such file or directory", path)
	}
	if maxSrc > 0 && len(data) > maxSrc {
		return nil, fmt.Sprintf("cannot load %s: source exceeds %d bytes", path, maxSrc)
	}
	return data, ""
}

// Compile turns source bytes into a callable chunk under the same rules the
// wrapped loaders enforce: the interpreter marker line is neutralized and
// precompiled input is refused.
func Compile(L *lua.LState, data []byte, chunkname string) (*lua.LFunction, error) {
	return compileChunk(L, data, chunkname)
}

// prepareChunk neutralizes a leading interpreter marker line and rejects
// precompiled input. The marker is overwritten with comment characters
// rather than stripped, so byte offsets and line numbers in error messages
// stay correct; the signature check then looks past the neutralized line so
// bytecode cannot hide behind a shebang.
func prepareChunk(data []byte) ([]byte, error) {
	body := data
	if len(data) > 0 && data[0] == '#' {
		data = bytes.Clone(data)
		if len(data) > 1 && data[1] != '\n' {
			data[0] = '-'
			data[1] = '-'
		} else {
			// A lone marker byte has no room for a two-byte comment
			// opener; a blank byte keeps the line count and offsets.
			data[0] = ' '
		}
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			body = data[i+1:]
		} else {
			body = nil
		}
	}
	if len(body) > 0 && body[0] == chunkSignature {
		return nil, fmt.Errorf("precompiled chunks are not allowed in the sandbox")
	}
	return data, nil
}

func compileChunk(L *lua.LState, data []byte, chunkname string) (*lua.LFunction, error) {
	prepared, err := prepareChunk(data)
	if err != nil {
		return nil, err
	}
	return L.Load(strings.NewReader(string(prepared)), chunkname)
}

// pushChunk compiles and pushes a chunk, or pushes nil plus a message on
// failure (the loadstring/loadfile convention).
func pushChunk(L *lua.LState, data []byte, chunkname string) int {
	fn, err := compileChunk(L, data, chunkname)
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(fn)
	return 1
}
