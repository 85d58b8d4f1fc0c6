package luabridge

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/prim"
)

// Value is the host-side tagged union for script primitives, as returned by
// Eval and Get and accepted by Set and Call.
type Value = prim.Value

// Constructors for crossing host values into the engine.

func None() Value            { return prim.NoneVal() }
func Bool(v bool) Value      { return prim.BoolVal(v) }
func Number(v float64) Value { return prim.NumberVal(v) }
func String(v string) Value  { return prim.StringVal(v) }

// ToValue converts a native Go value into the bridge's primitive union.
// Scalars map directly; anything else crosses as an opaque handle that keeps
// the object alive while scripts can reach it. Wrapping fails on a closed
// bridge.
func (b *Bridge) ToValue(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return prim.NoneVal(), nil
	case prim.Value:
		return x, nil
	case bool:
		return prim.BoolVal(x), nil
	case int:
		return prim.NumberVal(float64(x)), nil
	case int32:
		return prim.NumberVal(float64(x)), nil
	case int64:
		return prim.NumberVal(float64(x)), nil
	case uint:
		return prim.NumberVal(float64(x)), nil
	case uint64:
		return prim.NumberVal(float64(x)), nil
	case float32:
		return prim.NumberVal(float64(x)), nil
	case float64:
		return prim.NumberVal(x), nil
	case string:
		return prim.StringVal(x), nil
	default:
		return b.Wrap(v)
	}
}

// FromValue converts a primitive union back into a native Go value. Handles
// unwrap to the host object they carry; other engine-owned pointers and
// table markers surface as their display text.
func (b *Bridge) FromValue(v Value) any {
	switch {
	case v.IsNone():
		return nil
	case v.IsBool():
		x, _ := v.TryBool()
		return x
	case v.IsNumber():
		x, _ := v.TryNumber()
		return x
	case v.IsString():
		x, _ := v.TryString()
		return x
	case v.IsPointer():
		if obj, ok := b.Unwrap(v); ok {
			return obj
		}
		p, _ := v.TryPointer()
		if lv, ok := p.(lua.LValue); ok {
			return b.st.ToString(lv)
		}
		return p
	default:
		s, _ := v.Summary()
		return s
	}
}

// ToValues maps ToValue over a call's worth of arguments.
func (b *Bridge) ToValues(vs ...any) ([]Value, error) {
	out := make([]Value, len(vs))
	for i, v := range vs {
		val, err := b.ToValue(v)
		if err != nil {
			return nil, err
		}
		out[i] = val
	}
	return out, nil
}
