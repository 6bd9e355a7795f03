package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Kind tags the variant held by a Value
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Value is a leaf value of a Record: null, bool, int, float, string or timestamp.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	t    time.Time
}

func NullValue() Value { return Value{} }
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }
func IntValue(i int64) Value { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func TimeValue(t time.Time) Value { return Value{kind: KindTime, t: t} }
func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool converts the value to a bool. Ints 0/1 and parseable strings are accepted.
func (v Value) AsBool() (bool, error) {
	switch v.kind {
	case KindBool:
		return v.b, nil
	case KindInt:
		if v.i == 0 || v.i == 1 {
			return v.i == 1, nil
		}
	case KindString:
		b, err := strconv.ParseBool(v.s)
		if err == nil {
			return b, nil
		}
	}
	return false, fmt.Errorf("cannot convert %s value to bool", v.kind)
}

// AsInt converts the value to an int64. Floats must be integral.
func (v Value) AsInt() (int64, error) {
	switch v.kind {
	case KindInt:
		return v.i, nil
	case KindFloat:
		if v.f != math.Trunc(v.f) || math.IsInf(v.f, 0) {
			return 0, fmt.Errorf("float %v is not integral", v.f)
		}
		// 1<<63 is exact as a float64; MaxInt64 is not
		if v.f < -(1<<63) || v.f >= 1<<63 {
			return 0, fmt.Errorf("float %v overflows int64", v.f)
		}
		return int64(v.f), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindString:
		i, err := strconv.ParseInt(v.s, 10, 64)
		if err == nil {
			return i, nil
		}
	}
	return 0, fmt.Errorf("cannot convert %s value to int", v.kind)
}

// AsFloat converts the value to a float64.
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindString:
		f, err := strconv.ParseFloat(v.s, 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("cannot convert %s value to float", v.kind)
}

// AsTime converts the value to a timestamp. Strings must be RFC 3339.
func (v Value) AsTime() (time.Time, error) {
	switch v.kind {
	case KindTime:
		return v.t, nil
	case KindString:
		t, err := time.Parse(time.RFC3339Nano, v.s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot convert %s value to time", v.kind)
}

// AsString returns the textual form of any value. Null renders as "".
func (v Value) AsString() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return v.s
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	default:
		return ""
	}
}

// Interface returns the underlying Go value, nil for null.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindTime:
		return v.t
	default:
		return nil
	}
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return v.AsString()
}

// MarshalJSON encodes timestamps as RFC 3339 strings and non-finite floats as null.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindBool:
		return strconv.AppendBool(nil, v.b), nil
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	case KindString:
		return json.Marshal(v.s)
	case KindTime:
		return json.Marshal(v.t.Format(time.RFC3339Nano))
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts scalar JSON only. Integral numbers decode as ints.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	parsed, err := valueFromToken(tok)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func valueFromToken(tok json.Token) (Value, error) {
	switch t := tok.(type) {
	case nil:
		return NullValue(), nil
	case bool:
		return BoolValue(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", t.String(), err)
		}
		return FloatValue(f), nil
	case string:
		return StringValue(t), nil
	case json.Delim:
		return Value{}, fmt.Errorf("nested %v values are not supported", t)
	default:
		return Value{}, fmt.Errorf("unexpected JSON token %T", tok)
	}
}

// Record is an ordered string-keyed map of leaf values.
// The zero value is an empty record ready to use.
type Record struct {
	keys   []string
	values map[string]Value
}

// NewRecord builds a record from the given fields.
func NewRecord(fields ...Field) Record {
	var r Record
	for _, f := range fields {
		r.Set(f.Key, f.Value)
	}
	return r
}

// Field is a key/value pair used to build records.
type Field struct {
	Key   string
	Value Value
}

// F is shorthand for constructing a Field.
func F(key string, v Value) Field {
	return Field{Key: key, Value: v}
}

// Set inserts or replaces a field. New keys keep insertion order.
func (r *Record) Set(key string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = v
}

// Get returns the value stored under key
func (r Record) Get(key string) (Value, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the field names in insertion order
func (r Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

func (r Record) Len() int {
	return len(r.keys)
}

// Clone returns an independent copy of the record
func (r Record) Clone() Record {
	var c Record
	for _, k := range r.keys {
		c.Set(k, r.values[k])
	}
	return c
}

// MarshalJSON writes the fields in insertion order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := r.values[k].MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a flat JSON object, keeping field order.
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*r = Record{}
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("record must be a JSON object")
	}

	var out Record
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("unexpected key token %v", keyTok)
		}
		valTok, err := dec.Token()
		if err != nil {
			return err
		}
		v, err := valueFromToken(valTok)
		if err != nil {
			return fmt.Errorf("field %q: %w", key, err)
		}
		out.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*r = out
	return nil
}
