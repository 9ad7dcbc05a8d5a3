// Package codec holds the JSON encoding used on the wire and a tagged view
// over decoded JSON values.
//
// Payloads exchanged with the peer are untyped: parameters are positional and
// results can be any JSON value. Value gives callers an explicit set of
// variants (null, bool, number, string, array, object) to switch on instead of
// digging through interface{} by hand.
package codec

import (
	"encoding/json"
	"fmt"
)

// Codec encodes Go values to JSON bytes and back.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
}

// Kind is the JSON variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is one decoded JSON value. The zero Value is JSON null.
//
// The underlying representation is what encoding/json produces with
// UseNumber: nil, bool, json.Number, string, []any, map[string]any.
type Value struct {
	v any
}

// ValueOf wraps an already decoded JSON tree.
func ValueOf(v any) Value { return Value{v: v} }

func (v Value) Kind() Kind {
	switch v.v.(type) {
	case bool:
		return KindBool
	case json.Number:
		return KindNumber
	case string:
		return KindString
	case []any:
		return KindArray
	case map[string]any:
		return KindObject
	}
	return KindNull
}

func (v Value) IsNull() bool { return v.Kind() == KindNull }

func (v Value) AsBool() (bool, bool) {
	b, ok := v.v.(bool)
	return b, ok
}

func (v Value) AsNumber() (json.Number, bool) {
	n, ok := v.v.(json.Number)
	return n, ok
}

// AsInt64 returns the value as an integer when it is a number without a
// fractional part.
func (v Value) AsInt64() (int64, bool) {
	n, ok := v.v.(json.Number)
	if !ok {
		return 0, false
	}
	i, err := n.Int64()
	return i, err == nil
}

func (v Value) AsString() (string, bool) {
	s, ok := v.v.(string)
	return s, ok
}

func (v Value) AsArray() ([]Value, bool) {
	arr, ok := v.v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]Value, len(arr))
	for i, e := range arr {
		out[i] = Value{v: e}
	}
	return out, true
}

func (v Value) AsObject() (map[string]Value, bool) {
	obj, ok := v.v.(map[string]any)
	if !ok {
		return nil, false
	}
	out := make(map[string]Value, len(obj))
	for k, e := range obj {
		out[k] = Value{v: e}
	}
	return out, true
}

// Interface returns the raw decoded tree.
func (v Value) Interface() any { return v.v }

func (v Value) MarshalJSON() ([]byte, error) {
	return Marshal(v.v)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
