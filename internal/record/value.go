package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Kind is the scalar type held by a Value.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a scalar context value. The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, s: s} }
func Int(i int64) Value { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func (v Value) Kind() Kind { return v.kind }
func (v Value) Str() string { return v.s }
func (v Value) IntVal() int64 { return v.i }
func (v Value) FloatVal() float64 { return v.f }
func (v Value) BoolVal() bool { return v.b }

// Number returns the value as a float64 for int and float kinds.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// Text renders the value without type information.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

// Equal reports whether both values have the same kind and content.
func (v Value) Equal(o Value) bool {
	return v == o
}

// Valid reports whether v holds a representable scalar: a finite number or a
// valid UTF-8 string.
func (v Value) Valid() bool {
	switch v.kind {
	case KindString:
		return utf8.ValidString(v.s)
	case KindInt, KindBool:
		return true
	case KindFloat:
		return finite(v.f)
	}
	return false
}

// MarshalJSON encodes the value as a single-key object tagging its kind, so
// that ints and floats survive a round trip unchanged.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(map[string]string{"s": v.s})
	case KindInt:
		return json.Marshal(map[string]int64{"i": v.i})
	case KindFloat:
		if !finite(v.f) {
			return nil, fmt.Errorf("non-finite float %v", v.f)
		}
		return json.Marshal(map[string]float64{"f": v.f})
	case KindBool:
		return json.Marshal(map[string]bool{"b": v.b})
	}
	return nil, fmt.Errorf("invalid value kind %d", v.kind)
}

// UnmarshalJSON accepts exactly one of the kind-tagged forms written by
// MarshalJSON. Anything else, nested structures included, is rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("context value must be a tagged scalar: %w", err)
	}
	if len(raw) != 1 {
		return fmt.Errorf("context value must have exactly one kind tag, got %d", len(raw))
	}
	for tag, body := range raw {
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		var err error
		switch tag {
		case "s":
			var s string
			err = dec.Decode(&s)
			*v = String(s)
		case "i":
			var n json.Number
			if err = dec.Decode(&n); err == nil {
				var i int64
				i, err = n.Int64()
				*v = Int(i)
			}
		case "f":
			var n json.Number
			if err = dec.Decode(&n); err == nil {
				var f float64
				f, err = n.Float64()
				*v = Float(f)
			}
		case "b":
			var b bool
			err = dec.Decode(&b)
			*v = Bool(b)
		default:
			return fmt.Errorf("unknown context value tag %q", tag)
		}
		if err != nil {
			return fmt.Errorf("context value %q: %w", tag, err)
		}
	}
	return nil
}
