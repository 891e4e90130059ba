// Package types defines the document values produced by the aggregation
// expression compiler: null, bool, int, double, string, list and ordered map.
package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// ValueType represents the type of a document value.
type ValueType int

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt
	TypeDouble
	TypeString
	TypeList
	TypeMap
)

var typeNames = [...]string{
	TypeNull:   "null",
	TypeBool:   "bool",
	TypeInt:    "int",
	TypeDouble: "double",
	TypeString: "string",
	TypeList:   "list",
	TypeMap:    "document",
}

func (t ValueType) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "unknown"
	}
	return typeNames[t]
}

// Value is a node of a rendered document. The zero Value is null.
//
// data holds bool, int64, float64, string, []Value or *OrderedMap according
// to typ.
type Value struct {
	typ  ValueType
	data interface{}
}

// Null is the null value.
var Null = Value{}

func NewBool(b bool) Value         { return Value{TypeBool, b} }
func NewInt(i int64) Value         { return Value{TypeInt, i} }
func NewDouble(f float64) Value    { return Value{TypeDouble, f} }
func NewString(s string) Value     { return Value{TypeString, s} }
func NewList(items []Value) Value  { return Value{TypeList, items} }
func NewMap(m *OrderedMap) Value   { return Value{TypeMap, m} }
func (v Value) Type() ValueType    { return v.typ }
func (v Value) IsNull() bool       { return v.typ == TypeNull }
func (v Value) AsBool() bool       { return as[bool](v, TypeBool) }
func (v Value) AsInt() int64       { return as[int64](v, TypeInt) }
func (v Value) AsDouble() float64  { return as[float64](v, TypeDouble) }
func (v Value) AsString() string   { return as[string](v, TypeString) }
func (v Value) AsList() []Value    { return as[[]Value](v, TypeList) }
func (v Value) AsMap() *OrderedMap { return as[*OrderedMap](v, TypeMap) }

// as unwraps v, panicking when v is not of type want.
func as[T any](v Value, want ValueType) T {
	if v.typ != want {
		panic(fmt.Sprintf("%s value used as %s", v.typ, want))
	}
	return v.data.(T)
}

// Doc creates a single-key document such as {"$size": [...]}.
func Doc(key string, val Value) Value {
	m := NewOrderedMap()
	m.Set(key, val)
	return NewMap(m)
}

// OrderedMap is a document body. Keys keep their first insertion position so
// rendered documents are byte-for-byte reproducible.
type OrderedMap struct {
	entries []entry
	index   map[string]int
}

type entry struct {
	key string
	val Value
}

// NewOrderedMap creates an empty ordered map.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{index: map[string]int{}}
}

// NewOrderedMapFromPairs builds a map from alternating string keys and
// Values. Malformed pairs are skipped.
func NewOrderedMapFromPairs(pairs ...interface{}) *OrderedMap {
	m := NewOrderedMap()
	for i := 1; i < len(pairs); i += 2 {
		k, kok := pairs[i-1].(string)
		v, vok := pairs[i].(Value)
		if kok && vok {
			m.Set(k, v)
		}
	}
	return m
}

// Set stores val under key. Replacing a key keeps its position.
func (m *OrderedMap) Set(key string, val Value) {
	if i, ok := m.index[key]; ok {
		m.entries[i].val = val
		return
	}
	m.index[key] = len(m.entries)
	m.entries = append(m.entries, entry{key, val})
}

// Get returns the value stored under key.
func (m *OrderedMap) Get(key string) (Value, bool) {
	i, ok := m.index[key]
	if !ok {
		return Null, false
	}
	return m.entries[i].val, true
}

// Keys returns a copy of the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	keys := make([]string, len(m.entries))
	for i, e := range m.entries {
		keys[i] = e.key
	}
	return keys
}

func (m *OrderedMap) Len() int { return len(m.entries) }

// Equal reports deep equality. Key order is significant for documents and
// an int never equals a double.
func (v Value) Equal(other Value) bool {
	if v.typ != other.typ {
		return false
	}
	switch v.typ {
	case TypeList:
		a, b := v.AsList(), other.AsList()
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if !a[i].Equal(b[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		a, b := v.AsMap().entries, other.AsMap().entries
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i].key != b[i].key || !a[i].val.Equal(b[i].val) {
				return false
			}
		}
		return true
	}
	return v.data == other.data
}

// String returns the compact JSON form of the value.
func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("<invalid: %v>", err)
	}
	return string(b)
}

// MarshalJSON encodes the value with map keys in insertion order.
func (v Value) MarshalJSON() ([]byte, error) {
	return v.appendJSON(nil)
}

func (v Value) appendJSON(buf []byte) ([]byte, error) {
	switch v.typ {
	case TypeNull:
		return append(buf, "null"...), nil
	case TypeBool:
		return strconv.AppendBool(buf, v.AsBool()), nil
	case TypeInt:
		return strconv.AppendInt(buf, v.AsInt(), 10), nil
	case TypeDouble:
		f := v.AsDouble()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("cannot encode non-finite double %v", f)
		}
		return appendMarshaled(buf, f)
	case TypeString:
		return appendMarshaled(buf, v.AsString())
	case TypeList:
		buf = append(buf, '[')
		for i, item := range v.AsList() {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = item.appendJSON(buf); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case TypeMap:
		buf = append(buf, '{')
		for i, e := range v.AsMap().entries {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			if buf, err = appendMarshaled(buf, e.key); err != nil {
				return nil, err
			}
			buf = append(buf, ':')
			if buf, err = e.val.appendJSON(buf); err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	}
	return nil, fmt.Errorf("cannot encode value of type %d", v.typ)
}

func appendMarshaled(buf []byte, x interface{}) ([]byte, error) {
	b, err := json.Marshal(x)
	if err != nil {
		return nil, err
	}
	return append(buf, b...), nil
}

// MarshalIndent is like MarshalJSON but indents the output.
func (v Value) MarshalIndent(indent string) ([]byte, error) {
	raw, err := v.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// ValueFromJSON converts a decoded Go value into a Value. Whole float64s
// become ints, map keys are sorted and unknown types are formatted as
// strings.
func ValueFromJSON(x interface{}) Value {
	switch x := x.(type) {
	case nil:
		return Null
	case Value:
		return x
	case bool:
		return NewBool(x)
	case string:
		return NewString(x)
	case int:
		return NewInt(int64(x))
	case int64:
		return NewInt(x)
	case float64:
		return fromFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return NewInt(i)
		}
		if f, err := x.Float64(); err == nil {
			return NewDouble(f)
		}
		return NewString(x.String())
	case []interface{}:
		items := make([]Value, 0, len(x))
		for _, item := range x {
			items = append(items, ValueFromJSON(item))
		}
		return NewList(items)
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewOrderedMap()
		for _, k := range keys {
			m.Set(k, ValueFromJSON(x[k]))
		}
		return NewMap(m)
	}
	return NewString(fmt.Sprint(x))
}

func fromFloat(f float64) Value {
	if f == math.Trunc(f) && f >= math.MinInt64 && f <= math.MaxInt64 {
		return NewInt(int64(f))
	}
	return NewDouble(f)
}

// ToGoValue converts the value to plain Go types. Map key order is lost.
func (v Value) ToGoValue() interface{} {
	switch v.typ {
	case TypeList:
		items := v.AsList()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = item.ToGoValue()
		}
		return out
	case TypeMap:
		out := make(map[string]interface{}, v.AsMap().Len())
		for _, e := range v.AsMap().entries {
			out[e.key] = e.val.ToGoValue()
		}
		return out
	}
	return v.data
}

// IsReference reports whether s would be read as a field path or variable
// reference when it appears as a string in a document.
func IsReference(s string) bool {
	return strings.HasPrefix(s, "$")
}
