package activity

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies which variant a metadata Value holds
type Kind int

const (
	KindString Kind = iota + 1
	KindNumber
	KindBool
	KindMap
)

// Value is one metadata entry: a string, number, bool or nested map
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	m    map[string]Value
}

// Metadata is an open bag of typed values keyed by name
type Metadata map[string]Value

// String builds a string value
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric value
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Int builds a numeric value from an integer
func Int(n int64) Value { return Value{kind: KindNumber, num: float64(n)} }

// Bool builds a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Map builds a nested map value
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind returns the variant held by v
func (v Value) Kind() Kind { return v.kind }

// Str returns the string variant and whether v holds one
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the numeric variant and whether v holds one
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the bool variant and whether v holds one
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Fields returns the nested map and whether v holds one
func (v Value) Fields() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Interface converts the value to plain Go types for logging and export
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, inner := range v.m {
			out[k] = inner.Interface()
		}
		return out
	}
	return nil
}

// MarshalJSON implements json.Marshaler
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	}
	return nil, fmt.Errorf("metadata value has no kind")
}

// UnmarshalJSON implements json.Unmarshaler. Arrays and null are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty metadata value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case '{':
		var m map[string]Value
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		*v = Map(m)
	case '[':
		return fmt.Errorf("metadata arrays are not supported")
	case 'n':
		return fmt.Errorf("metadata values must not be null")
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Number(n)
	}
	return nil
}

// FromInterface converts decoded JSON-like data into a Value
func FromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, inner := range t {
			val, err := FromInterface(inner)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			m[k] = val
		}
		return Map(m), nil
	}
	return Value{}, fmt.Errorf("unsupported metadata type %T", raw)
}

// Clone returns a shallow copy of the metadata bag
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Set stores value under key, allocating the bag if needed
func (m *Metadata) Set(key string, value Value) {
	if *m == nil {
		*m = Metadata{}
	}
	(*m)[key] = value
}
