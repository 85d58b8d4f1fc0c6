// Package prim provides the host-side tagged union for the small set of
// script primitive types. It avoids allocating a full reference wrapper (and
// the registry slot that comes with it) for values that the host collector
// can own outright: nothing representable here ever needs engine-side
// cleanup. Composite values are represented only by a bounded summary
// string, never by a live engine handle.
package prim

import (
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/funvibe/luabridge/internal/config"
)

// Kind identifies which payload field of a Value is meaningful.
type Kind uint8

const (
	KindNone Kind = iota
	KindBool
	KindPointer
	KindNumber
	KindString
	KindTable // composite marker: summary only, never a live table
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "boolean"
	case KindPointer:
		return "pointer"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTable:
		return "table"
	default:
		return "unknown"
	}
}

// Value is an immutable tagged union. Small payloads (bool, number) live in
// the uint64 field; strings and table summaries share the string slot; the
// opaque-pointer payload keeps its own slot so it stays visible to the host
// collector.
type Value struct {
	kind Kind
	data uint64 // float64 bits or bool (0/1)
	ptr  any    // opaque-pointer payload
	str  string // string payload, or table summary
}

// Constructors

func NoneVal() Value {
	return Value{kind: KindNone}
}

func BoolVal(v bool) Value {
	var data uint64
	if v {
		data = 1
	}
	return Value{kind: KindBool, data: data}
}

func NumberVal(v float64) Value {
	return Value{kind: KindNumber, data: math.Float64bits(v)}
}

func StringVal(v string) Value {
	return Value{kind: KindString, str: v}
}

// PointerVal wraps an opaque host payload. The payload must be comparable
// (pointers are); equality on this kind compares identity.
func PointerVal(p any) Value {
	return Value{kind: KindPointer, ptr: p}
}

// TableVal marks a composite value. summary may be empty when the reader was
// not asked for one.
func TableVal(summary string) Value {
	return Value{kind: KindTable, str: summary}
}

// Kind checking helpers

func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNone() bool    { return v.kind == KindNone }
func (v Value) IsBool() bool    { return v.kind == KindBool }
func (v Value) IsPointer() bool { return v.kind == KindPointer }
func (v Value) IsNumber() bool  { return v.kind == KindNumber }
func (v Value) IsString() bool  { return v.kind == KindString }
func (v Value) IsTable() bool   { return v.kind == KindTable }

func (v Value) mismatch(want Kind) error {
	return fmt.Errorf("cannot read %s value as %s", v.kind, want)
}

// Casting accessors. The plain form fails with an error naming both the
// actual and the requested kind; the Try form reports success instead and
// never fails; absent folds into the failure branch in both.

func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, v.mismatch(KindBool)
	}
	return v.data == 1, nil
}

func (v Value) TryBool() (bool, bool) {
	b, err := v.AsBool()
	return b, err == nil
}

func (v Value) AsNumber() (float64, error) {
	if v.kind != KindNumber {
		return 0, v.mismatch(KindNumber)
	}
	return math.Float64frombits(v.data), nil
}

func (v Value) TryNumber() (float64, bool) {
	f, err := v.AsNumber()
	return f, err == nil
}

func (v Value) AsString() (string, error) {
	if v.kind != KindString {
		return "", v.mismatch(KindString)
	}
	return v.str, nil
}

func (v Value) TryString() (string, bool) {
	s, err := v.AsString()
	return s, err == nil
}

func (v Value) AsPointer() (any, error) {
	if v.kind != KindPointer {
		return nil, v.mismatch(KindPointer)
	}
	return v.ptr, nil
}

func (v Value) TryPointer() (any, bool) {
	p, err := v.AsPointer()
	return p, err == nil
}

// Summary returns the composite summary captured at read time. The second
// result is false for non-composite values.
func (v Value) Summary() (string, bool) {
	if v.kind != KindTable {
		return "", false
	}
	return v.str, true
}

// Equals compares two unions. Differing supported kinds are simply unequal;
// any operand of an unsupported kind (the composite marker) is an error
// rather than a guess.
func (v Value) Equals(other Value) (bool, error) {
	if v.kind == KindTable || other.kind == KindTable {
		return false, fmt.Errorf("equality is not defined for %s values", KindTable)
	}
	if v.kind != other.kind {
		return false, nil
	}
	switch v.kind {
	case KindNone:
		return true, nil
	case KindBool, KindNumber:
		return v.data == other.data, nil
	case KindString:
		return v.str == other.str, nil
	case KindPointer:
		return v.ptr == other.ptr, nil
	default:
		return false, fmt.Errorf("equality is not defined for %s values", v.kind)
	}
}

// Push writes the union's value onto the evaluation stack. Stack delta: +1
// on success, 0 on failure. Kinds with no primitive engine representation
// fail with a type-not-supported error.
func (v Value) Push(L *lua.LState) error {
	switch v.kind {
	case KindNone:
		L.Push(lua.LNil)
	case KindBool:
		L.Push(lua.LBool(v.data == 1))
	case KindNumber:
		L.Push(lua.LNumber(math.Float64frombits(v.data)))
	case KindString:
		L.Push(lua.LString(v.str))
	case KindPointer:
		if lv, ok := v.ptr.(lua.LValue); ok {
			L.Push(lv)
			return nil
		}
		ud := L.NewUserData()
		ud.Value = v.ptr
		L.Push(ud)
	default:
		return fmt.Errorf("type not supported: cannot push %s value", v.kind)
	}
	return nil
}

// Read inspects the engine value at a stack position without popping it.
// Composite values are captured as a bounded summary (when asked for), never
// as a live handle. Callables and threads are composites for this purpose:
// they need engine-side identity the union refuses to carry.
func Read(L *lua.LState, pos int, wantSummary bool) Value {
	v := L.Get(pos)
	switch v.Type() {
	case lua.LTNil:
		return NoneVal()
	case lua.LTBool:
		return BoolVal(bool(v.(lua.LBool)))
	case lua.LTNumber:
		return NumberVal(float64(v.(lua.LNumber)))
	case lua.LTString:
		return StringVal(string(v.(lua.LString)))
	case lua.LTUserData:
		return PointerVal(v.(*lua.LUserData))
	case lua.LTTable:
		if wantSummary {
			return TableVal(summarize(v.(*lua.LTable), config.DefaultSummaryBudget))
		}
		return TableVal("")
	default:
		return TableVal("<" + v.Type().String() + ">")
	}
}

// Inspect returns a rendering suitable for diagnostics.
func (v Value) Inspect() string {
	switch v.kind {
	case KindNone:
		return "none"
	case KindBool:
		return fmt.Sprintf("%t", v.data == 1)
	case KindNumber:
		return fmt.Sprintf("%g", math.Float64frombits(v.data))
	case KindString:
		return fmt.Sprintf("%q", v.str)
	case KindPointer:
		return fmt.Sprintf("pointer(%v)", v.ptr)
	case KindTable:
		if v.str == "" {
			return "table"
		}
		return v.str
	default:
		return "<?>"
	}
}

// summarize renders a bounded listing of a table's entries: array-like
// values first as bare values, named keys as key = value, truncated with a
// residual count once the character budget is spent.
func summarize(t *lua.LTable, budget int) string {
	var b strings.Builder
	b.WriteString("{")
	shown := 0
	omitted := 0
	key := lua.LValue(lua.LNil)
	for {
		k, v := t.Next(key)
		if k == lua.LNil {
			break
		}
		key = k
		piece := summaryEntry(k, v)
		if b.Len()+len(piece)+2 > budget {
			omitted++
			continue
		}
		if shown > 0 {
			b.WriteString(", ")
		} else {
			b.WriteString(" ")
		}
		b.WriteString(piece)
		shown++
	}
	if omitted > 0 {
		fmt.Fprintf(&b, " … +%d more", omitted)
	}
	if shown > 0 || omitted > 0 {
		b.WriteString(" ")
	}
	b.WriteString("}")
	return b.String()
}

func summaryEntry(k, v lua.LValue) string {
	val := summaryValue(v)
	if _, ok := k.(lua.LNumber); ok {
		return val
	}
	return fmt.Sprintf("%s = %s", lua.LVAsString(k), val)
}

func summaryValue(v lua.LValue) string {
	switch v.Type() {
	case lua.LTString:
		return fmt.Sprintf("%q", string(v.(lua.LString)))
	case lua.LTNumber, lua.LTBool, lua.LTNil:
		return v.String()
	default:
		return "<" + v.Type().String() + ">"
	}
}
