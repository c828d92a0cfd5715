package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind identifies the variant held by a Value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindList   Kind = "list"
	KindMap    Kind = "map"
)

// Value is a sealed structured value: a scalar, a sequence or a mapping.
// State configuration bags and observer evidence are Values so the core stays
// agnostic of what any single observer expects.
type Value interface {
	// Kind reports the variant.
	Kind() Kind

	// Interface returns the plain Go form (nil, string, int64, float64, bool,
	// []interface{}, map[string]interface{}).
	Interface() interface{}

	value()
}

// Null is the absent/null value.
type Null struct{}

// String is a string scalar.
type String string

// Int is an integer scalar.
type Int int64

// Float is a floating point scalar. Non-finite floats are legal in
// configuration but render as strings when encoded.
type Float float64

// Bool is a boolean scalar.
type Bool bool

// List is an ordered sequence.
type List []Value

// Map is a string-keyed mapping. Use SortedKeys for deterministic iteration.
type Map map[string]Value

func (Null) value()   {}
func (String) value() {}
func (Int) value()    {}
func (Float) value()  {}
func (Bool) value()   {}
func (List) value()   {}
func (Map) value()    {}

func (Null) Kind() Kind   { return KindNull }
func (String) Kind() Kind { return KindString }
func (Int) Kind() Kind    { return KindInt }
func (Float) Kind() Kind  { return KindFloat }
func (Bool) Kind() Kind   { return KindBool }
func (List) Kind() Kind   { return KindList }
func (Map) Kind() Kind    { return KindMap }

func (Null) Interface() interface{}     { return nil }
func (s String) Interface() interface{} { return string(s) }
func (i Int) Interface() interface{}    { return int64(i) }
func (b Bool) Interface() interface{}   { return bool(b) }

func (f Float) Interface() interface{} {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return v
}

func (l List) Interface() interface{} {
	out := make([]interface{}, len(l))
	for i, v := range l {
		out[i] = interfaceOf(v)
	}
	return out
}

func (m Map) Interface() interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = interfaceOf(v)
	}
	return out
}

func interfaceOf(v Value) interface{} {
	if v == nil {
		return nil
	}
	return v.Interface()
}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

// MarshalJSON implements json.Marshaler. Whole-number floats keep a fraction
// (1 encodes as 1.0) so they decode back as Float rather than Int.
func (f Float) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(f.Interface())
	if err != nil {
		return nil, err
	}
	if data[0] != '"' && !bytes.ContainsAny(data, ".eE") {
		data = append(data, '.', '0')
	}
	return data, nil
}

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]Value(l))
}

// MarshalJSON implements json.Marshaler. Keys are emitted in sorted order.
func (m Map) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]Value(m))
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Map) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if raw == nil {
		*m = Map{}
		return nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", raw)
	}
	v, err := FromInterface(obj)
	if err != nil {
		return err
	}
	*m = v.(Map)
	return nil
}

// FromInterface converts plain Go data (as produced by encoding/json or yaml.v3)
// into a Value.
func FromInterface(in interface{}) (Value, error) {
	switch v := in.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return v, nil
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(v), nil
	case int32:
		return Int(v), nil
	case int64:
		return Int(v), nil
	case uint:
		return Int(v), nil
	case uint32:
		return Int(v), nil
	case uint64:
		if v > math.MaxInt64 {
			return Float(v), nil
		}
		return Int(v), nil
	case float32:
		return Float(v), nil
	case float64:
		return Float(v), nil
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", v.String(), err)
		}
		return Float(f), nil
	case []string:
		out := make(List, len(v))
		for i, s := range v {
			out[i] = String(s)
		}
		return out, nil
	case []interface{}:
		out := make(List, len(v))
		for i, item := range v {
			conv, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = conv
		}
		return out, nil
	case map[string]interface{}:
		out := make(Map, len(v))
		for k, item := range v {
			conv, err := FromInterface(item)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = conv
		}
		return out, nil
	case map[string]string:
		out := make(Map, len(v))
		for k, s := range v {
			out[k] = String(s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", in)
	}
}

// SortedKeys returns the map keys in lexical order.
func (m Map) SortedKeys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the value stored under key.
func (m Map) Get(key string) (Value, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.(Null); isNull {
		return nil, false
	}
	return v, true
}

// GetString returns the string stored under key. Missing, null and empty
// values report ok=false.
func (m Map) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, isStr := v.(String)
	if !isStr || s == "" {
		return "", false
	}
	return string(s), true
}

// GetBool returns the boolean stored under key.
func (m Map) GetBool(key string) (bool, bool) {
	v, ok := m.Get(key)
	if !ok {
		return false, false
	}
	b, isBool := v.(Bool)
	return bool(b), isBool
}

// GetList returns the sequence stored under key.
func (m Map) GetList(key string) (List, bool) {
	v, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	l, isList := v.(List)
	return l, isList
}

// Clone returns a shallow copy of the map.
func (m Map) Clone() Map {
	out := make(Map, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Number interprets v as a number. Strings holding a decimal number are
// accepted. ok is false for anything else, including NaN and infinities.
func Number(v Value) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case Int:
		return float64(n), true
	case Float:
		f = float64(n)
	case String:
		parsed, err := strconv.ParseFloat(string(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Display renders v for human-readable output.
func Display(v Value) string {
	switch t := v.(type) {
	case nil, Null:
		return "null"
	case String:
		return string(t)
	case Int:
		return strconv.FormatInt(int64(t), 10)
	case Float:
		return strconv.FormatFloat(float64(t), 'g', -1, 64)
	case Bool:
		return strconv.FormatBool(bool(t))
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t.Interface())
		}
		return string(data)
	}
}
