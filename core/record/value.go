// Package record implements the dynamically typed value model and the
// record (row) serialization format shared by the b-tree, the planner,
// and the virtual machine. Coercions follow the type-affinity policy of
// the file format rather than any host-language conversion.
package record

import (
	"math"
	"strconv"
	"strings"
)

// Type tags a Value.
type Type byte

const (
	TypeNull Type = iota
	TypeInt
	TypeFloat
	TypeText
	TypeBlob
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "NULL"
	case TypeInt:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeText:
		return "TEXT"
	default:
		return "BLOB"
	}
}

// Value is the tagged union held in VM registers and record columns.
type Value struct {
	typ Type
	i   int64
	f   float64
	b   []byte
}

func Null() Value            { return Value{typ: TypeNull} }
func Int(i int64) Value      { return Value{typ: TypeInt, i: i} }
func Float(f float64) Value  { return Value{typ: TypeFloat, f: f} }
func Text(s string) Value    { return Value{typ: TypeText, b: []byte(s)} }
func Blob(b []byte) Value    { return Value{typ: TypeBlob, b: b} }
func Bool(ok bool) Value {
	if ok {
		return Int(1)
	}
	return Int(0)
}

func (v Value) Type() Type     { return v.typ }
func (v Value) IsNull() bool   { return v.typ == TypeNull }
func (v Value) Int64() int64   { return v.i }
func (v Value) Float64() float64 { return v.f }
func (v Value) Text() string   { return string(v.b) }
func (v Value) Blob() []byte   { return v.b }

// AsFloat returns the numeric interpretation used by arithmetic.
func (v Value) AsFloat() float64 {
	switch v.typ {
	case TypeInt:
		return float64(v.i)
	case TypeFloat:
		return v.f
	case TypeText:
		f, _ := parseNumber(string(v.b))
		return f.AsFloat()
	}
	return 0
}

// AsInt returns the integer interpretation used by jump tests and
// rowid coercion.
func (v Value) AsInt() int64 {
	switch v.typ {
	case TypeInt:
		return v.i
	case TypeFloat:
		return int64(v.f)
	case TypeText:
		n, _ := parseNumber(string(v.b))
		return n.AsInt()
	}
	return 0
}

// Truthy implements the boolean test of a value: NULL is unknown and
// handled by the caller, otherwise nonzero numerics are true.
func (v Value) Truthy() bool {
	switch v.typ {
	case TypeInt:
		return v.i != 0
	case TypeFloat:
		return v.f != 0
	case TypeText, TypeBlob:
		return v.AsFloat() != 0
	}
	return false
}

// parseNumber applies the numeric-text rules: a text that is a
// well-formed integer becomes TypeInt, a well-formed real becomes
// TypeFloat; ok is false for anything else.
func parseNumber(s string) (Value, bool) {
	t := strings.TrimSpace(s)
	if t == "" {
		return Int(0), false
	}
	if i, err := strconv.ParseInt(t, 10, 64); err == nil {
		return Int(i), true
	}
	if f, err := strconv.ParseFloat(t, 64); err == nil {
		return Float(f), true
	}
	return Int(0), false
}

// Affinity is a column's declared type class.
type Affinity byte

const (
	AffinityBlob Affinity = iota
	AffinityText
	AffinityNumeric
	AffinityInteger
	AffinityReal
)

// AffinityFor derives the affinity of a declared column type using the
// substring rules of the file format's schema layer.
func AffinityFor(declType string) Affinity {
	t := strings.ToUpper(declType)
	switch {
	case strings.Contains(t, "INT"):
		return AffinityInteger
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return AffinityText
	case t == "" || strings.Contains(t, "BLOB"):
		return AffinityBlob
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return AffinityReal
	default:
		return AffinityNumeric
	}
}

// Apply coerces v under the given affinity, as done before storing a
// value or comparing it against a typed column.
func (v Value) Apply(aff Affinity) Value {
	switch aff {
	case AffinityInteger, AffinityNumeric:
		switch v.typ {
		case TypeText:
			if n, ok := parseNumber(string(v.b)); ok {
				return n.integerIfLossless()
			}
		case TypeFloat:
			return v.integerIfLossless()
		}
	case AffinityReal:
		switch v.typ {
		case TypeInt:
			return Float(float64(v.i))
		case TypeText:
			if n, ok := parseNumber(string(v.b)); ok {
				return Float(n.AsFloat())
			}
		}
	case AffinityText:
		switch v.typ {
		case TypeInt:
			return Text(strconv.FormatInt(v.i, 10))
		case TypeFloat:
			return Text(formatFloat(v.f))
		}
	}
	return v
}

// integerIfLossless demotes a float to an integer when the round trip
// is exact, matching numeric-affinity storage.
func (v Value) integerIfLossless() Value {
	if v.typ != TypeFloat {
		return v
	}
	i := int64(v.f)
	if float64(i) == v.f && v.f >= -9.223372036854775e18 && v.f < 9.223372036854775e18 {
		return Int(i)
	}
	return v
}

func formatFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatFloat(f, 'f', 1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// String renders the value for display.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "NULL"
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat:
		return formatFloat(v.f)
	case TypeText:
		return string(v.b)
	default:
		return string(v.b)
	}
}
