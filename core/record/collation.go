package record

import (
	"bytes"
	"strings"
)

// Collation orders two text values. Negative, zero, positive like
// bytes.Compare.
type Collation struct {
	Name    string
	Compare func(a, b []byte) int
}

var (
	// CollBinary compares by memcmp. The default.
	CollBinary = Collation{Name: "BINARY", Compare: bytes.Compare}

	// CollNoCase folds ASCII upper case before comparing.
	CollNoCase = Collation{Name: "NOCASE", Compare: func(a, b []byte) int {
		return strings.Compare(strings.ToLower(string(a)), strings.ToLower(string(b)))
	}}

	// CollRTrim ignores trailing spaces.
	CollRTrim = Collation{Name: "RTRIM", Compare: func(a, b []byte) int {
		return bytes.Compare(bytes.TrimRight(a, " "), bytes.TrimRight(b, " "))
	}}
)

// LookupCollation resolves a collation by name, case-insensitively.
// ok is false for unknown names.
func LookupCollation(name string) (Collation, bool) {
	switch strings.ToUpper(name) {
	case "", "BINARY":
		return CollBinary, true
	case "NOCASE":
		return CollNoCase, true
	case "RTRIM":
		return CollRTrim, true
	}
	return Collation{}, false
}

// Compare orders two values under the storage ordering contract:
// NULL < numeric < text < blob, numerics cross-compare between integer
// and real, and the collation applies to text only. This is a total
// order used for index keys and sorting; three-valued SQL comparison
// semantics live in the VM.
func Compare(a, b Value, coll Collation) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 0: // both NULL
		return 0
	case 1: // numeric
		return compareNumeric(a, b)
	case 2:
		return coll.Compare(a.b, b.b)
	default:
		return bytes.Compare(a.b, b.b)
	}
}

func rank(v Value) int {
	switch v.typ {
	case TypeNull:
		return 0
	case TypeInt, TypeFloat:
		return 1
	case TypeText:
		return 2
	default:
		return 3
	}
}

func compareNumeric(a, b Value) int {
	if a.typ == TypeInt && b.typ == TypeInt {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	}
	af, bf := a.AsFloat(), b.AsFloat()
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	}
	return 0
}

// SortOrder of one key column.
type SortOrder byte

const (
	Asc SortOrder = iota
	Desc
)

// KeyInfo describes how index records compare: one collation and sort
// order per key column. Trailing unnamed columns compare BINARY/ASC.
type KeyInfo struct {
	Collations []Collation
	Orders     []SortOrder
}

func (k KeyInfo) collation(i int) Collation {
	if i < len(k.Collations) {
		return k.Collations[i]
	}
	return CollBinary
}

func (k KeyInfo) order(i int) SortOrder {
	if i < len(k.Orders) {
		return k.Orders[i]
	}
	return Asc
}

// CompareValues orders two unpacked key tuples under the KeyInfo. A
// shorter tuple that matches the other's prefix compares equal, which
// lets partial keys act as range probes.
func (k KeyInfo) CompareValues(a, b []Value) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		c := Compare(a[i], b[i], k.collation(i))
		if c != 0 {
			if k.order(i) == Desc {
				return -c
			}
			return c
		}
	}
	return 0
}

// CompareRecord orders a serialized index record against an unpacked
// probe tuple.
func (k KeyInfo) CompareRecord(rec []byte, probe []Value) (int, error) {
	vals, err := Decode(rec)
	if err != nil {
		return 0, err
	}
	return k.CompareValues(vals, probe), nil
}
