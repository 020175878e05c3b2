// Package trace defines the tagged-variant Value type tool outputs and
// node inputs flow through, plus the Execution Record / Trace types the
// Orchestrator appends to.
package trace

import (
	"encoding/json"
	"fmt"
)

// Kind tags the variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindObject
)

// Value is a tagged-union tool output: string/number/bool/array/object/null.
// Dependency substitution and JSON round-trips go through this instead of
// raw interface{}, so a downstream node can tell a deliberate null from a
// missing field without a type assertion panicking.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	obj  map[string]Value
}

// Null is the zero Value.
var Null = Value{kind: KindNull}

func String(s string) Value            { return Value{kind: KindString, str: s} }
func Number(n float64) Value           { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value                { return Value{kind: KindBool, b: b} }
func Array(items []Value) Value        { return Value{kind: KindArray, arr: items} }
func Object(fields map[string]Value) Value { return Value{kind: KindObject, obj: fields} }

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

func (v Value) AsFloat64() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	return v.obj, true
}

// FromAny builds a Value from an already-decoded JSON interface{} tree
// (the shape json.Unmarshal produces into interface{}: float64, string,
// bool, []interface{}, map[string]interface{}, nil).
func FromAny(a interface{}) Value {
	switch t := a.(type) {
	case nil:
		return Null
	case string:
		return String(t)
	case float64:
		return Number(t)
	case int:
		return Number(float64(t))
	case bool:
		return Bool(t)
	case []interface{}:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = FromAny(e)
		}
		return Array(items)
	case map[string]interface{}:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			fields[k] = FromAny(e)
		}
		return Object(fields)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// Any converts a Value back into the plain interface{} tree encoding/json
// expects, the inverse of FromAny.
func (v Value) Any() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Any()
		}
		return out
	case KindObject:
		out := make(map[string]interface{}, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var a interface{}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*v = FromAny(a)
	return nil
}
