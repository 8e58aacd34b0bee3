package sdk

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind discriminates the variants of Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindObject
)

// Value is a tagged union for node parameters and outputs: string, number,
// bool, list, or object. The renderer and the branch node rely on the
// numeric/string discrimination it provides.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a float64.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List wraps a slice of values.
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Object wraps a map of values.
func Object(m map[string]Value) Value { return Value{kind: KindObject, obj: m} }

// FromAny converts a decoded-JSON value (string, float64, bool, []any,
// map[string]any, nil) into a Value. Integers are widened to float64.
func FromAny(v interface{}) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case Value:
		return x
	case string:
		return String(x)
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case json.Number:
		f, _ := x.Float64()
		return Number(f)
	case []interface{}:
		items := make([]Value, len(x))
		for i, item := range x {
			items[i] = FromAny(item)
		}
		return Value{kind: KindList, list: items}
	case map[string]interface{}:
		return Object(ObjectFromAny(x))
	case map[string]Value:
		return Object(x)
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// ObjectFromAny converts a decoded-JSON object into a Value map.
func ObjectFromAny(m map[string]interface{}) map[string]Value {
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = FromAny(v)
	}
	return out
}

// ObjectToAny converts a Value map back into plain decoded-JSON form.
func ObjectToAny(m map[string]Value) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v.Any()
	}
	return out
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsString returns the string payload if the value is a string.
func (v Value) AsString() (string, bool) {
	return v.str, v.kind == KindString
}

// AsNumber returns the numeric payload if the value is a number.
func (v Value) AsNumber() (float64, bool) {
	return v.num, v.kind == KindNumber
}

// AsBool returns the boolean payload if the value is a bool.
func (v Value) AsBool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// AsList returns the list payload if the value is a list.
func (v Value) AsList() ([]Value, bool) {
	return v.list, v.kind == KindList
}

// AsObject returns the object payload if the value is an object.
func (v Value) AsObject() (map[string]Value, bool) {
	return v.obj, v.kind == KindObject
}

// Any converts the value back to plain decoded-JSON form.
func (v Value) Any() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		items := make([]interface{}, len(v.list))
		for i, item := range v.list {
			items[i] = item.Any()
		}
		return items
	case KindObject:
		return ObjectToAny(v.obj)
	default:
		return nil
	}
}

// Text is the textual form used by the renderer: primitives in their natural
// representation, lists and objects as compact JSON, null as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList, KindObject:
		b, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return ""
	}
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, val := range v.obj {
			other, ok := o.obj[k]
			if !ok || !val.Equal(other) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// MarshalJSON encodes the value as its plain JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes any JSON value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*v = FromAny(raw)
	return nil
}
