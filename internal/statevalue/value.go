// Package statevalue defines the dynamic value type used for entity state,
// event payloads, and snapshots.
//
// State documents are schema-less key/value maps. Representing them as a
// tagged union (null, bool, number, string, array, object) instead of raw
// interface{} keeps deep equality and serialization well-defined, which the
// version-comparison and replay-equivalence guarantees depend on.
package statevalue

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Kind identifies which member of the union a Value holds.
type Kind uint8

const (
	// KindNull is the JSON null value.
	KindNull Kind = iota
	// KindBool is a boolean.
	KindBool
	// KindNumber is a float64 number, matching JSON number semantics.
	KindNumber
	// KindString is a string.
	KindString
	// KindArray is an ordered sequence of values.
	KindArray
	// KindObject is a string-keyed map of values.
	KindObject
)

// Value is an immutable dynamic value. The zero Value is null.
type Value struct {
	kind    Kind
	boolean bool
	number  float64
	str     string
	array   []Value
	object  Map
}

// Map is a string-keyed state document.
type Map map[string]Value

// Null returns the null value.
func Null() Value {
	return Value{}
}

// Bool returns a boolean value.
func Bool(b bool) Value {
	return Value{kind: KindBool, boolean: b}
}

// Number returns a numeric value.
func Number(n float64) Value {
	return Value{kind: KindNumber, number: n}
}

// String returns a string value.
func String(s string) Value {
	return Value{kind: KindString, str: s}
}

// Array returns an array value holding the provided items.
func Array(items ...Value) Value {
	return Value{kind: KindArray, array: items}
}

// Object returns an object value wrapping the provided map.
func Object(fields Map) Value {
	return Value{kind: KindObject, object: fields}
}

// Kind reports which union member the value holds.
func (v Value) Kind() Kind {
	return v.kind
}

// IsNull reports whether the value is null.
func (v Value) IsNull() bool {
	return v.kind == KindNull
}

// BoolValue returns the boolean member, or false for other kinds.
func (v Value) BoolValue() bool {
	if v.kind != KindBool {
		return false
	}
	return v.boolean
}

// NumberValue returns the numeric member, or 0 for other kinds.
func (v Value) NumberValue() float64 {
	if v.kind != KindNumber {
		return 0
	}
	return v.number
}

// StringValue returns the string member, or "" for other kinds.
func (v Value) StringValue() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Items returns the array member, or nil for other kinds.
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.array
}

// Fields returns the object member, or nil for other kinds.
func (v Value) Fields() Map {
	if v.kind != KindObject {
		return nil
	}
	return v.object
}

// Equal reports deep structural equality.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.boolean == other.boolean
	case KindNumber:
		return v.number == other.number
	case KindString:
		return v.str == other.str
	case KindArray:
		if len(v.array) != len(other.array) {
			return false
		}
		for i := range v.array {
			if !v.array[i].Equal(other.array[i]) {
				return false
			}
		}
		return true
	case KindObject:
		return v.object.Equal(other.object)
	}
	return false
}

// Clone returns a deep copy of the value.
func (v Value) Clone() Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.array))
		for i := range v.array {
			items[i] = v.array[i].Clone()
		}
		return Value{kind: KindArray, array: items}
	case KindObject:
		return Value{kind: KindObject, object: v.object.Clone()}
	default:
		return v
	}
}

// MarshalJSON encodes the value as its JSON representation. Object keys are
// emitted in sorted order so encodings are deterministic.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return strconv.AppendBool(nil, v.boolean), nil
	case KindNumber:
		return json.Marshal(v.number)
	case KindString:
		return json.Marshal(v.str)
	case KindArray:
		if v.array == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.array)
	case KindObject:
		return v.object.MarshalJSON()
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON decodes any JSON value into the union.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded, err := fromAny(raw)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

func fromAny(raw any) (Value, error) {
	switch value := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(value), nil
	case float64:
		return Number(value), nil
	case string:
		return String(value), nil
	case []any:
		items := make([]Value, len(value))
		for i, item := range value {
			decoded, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			items[i] = decoded
		}
		return Value{kind: KindArray, array: items}, nil
	case map[string]any:
		fields := make(Map, len(value))
		for key, item := range value {
			decoded, err := fromAny(item)
			if err != nil {
				return Value{}, err
			}
			fields[key] = decoded
		}
		return Object(fields), nil
	}
	return Value{}, fmt.Errorf("unsupported value type %T", raw)
}

// Clone returns a deep copy of the map. A nil map clones to nil.
func (m Map) Clone() Map {
	if m == nil {
		return nil
	}
	cloned := make(Map, len(m))
	for key, value := range m {
		cloned[key] = value.Clone()
	}
	return cloned
}

// Equal reports deep structural equality of two maps. Nil and empty maps
// compare equal.
func (m Map) Equal(other Map) bool {
	if len(m) != len(other) {
		return false
	}
	for key, value := range m {
		otherValue, ok := other[key]
		if !ok || !value.Equal(otherValue) {
			return false
		}
	}
	return true
}

// Keys returns the map's keys in sorted order.
func (m Map) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Merge returns a new map holding current with payload's keys shallow-merged
// on top, overwriting on collision. Neither input is modified.
func Merge(current, payload Map) Map {
	merged := make(Map, len(current)+len(payload))
	for key, value := range current {
		merged[key] = value.Clone()
	}
	for key, value := range payload {
		merged[key] = value.Clone()
	}
	return merged
}

// MarshalJSON encodes the map as a JSON object with sorted keys. A nil map
// encodes as {}.
func (m Map) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, key := range m.Keys() {
		if i > 0 {
			buf = append(buf, ',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf = append(buf, encodedKey...)
		buf = append(buf, ':')
		encodedValue, err := m[key].MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf = append(buf, encodedValue...)
	}
	return append(buf, '}'), nil
}

// UnmarshalJSON decodes a JSON object into the map.
func (m *Map) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	decoded := make(Map, len(raw))
	for key, item := range raw {
		value, err := fromAny(item)
		if err != nil {
			return err
		}
		decoded[key] = value
	}
	*m = decoded
	return nil
}

// ParseMap decodes a JSON object document. Empty input yields an empty map.
func ParseMap(data []byte) (Map, error) {
	if len(data) == 0 {
		return Map{}, nil
	}
	var m Map
	if err := m.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}
	return m, nil
}

// JSON encodes the map as its canonical JSON document.
func (m Map) JSON() ([]byte, error) {
	return m.MarshalJSON()
}
