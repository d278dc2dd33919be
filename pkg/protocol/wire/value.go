// Package wire implements the line-oriented framing shared by the driver and
// algorithm sides of a process pair: tokens, blank-line terminated batches,
// typed argument values and resource usage records.
package wire

import (
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value. The numeric values are the wire tags.
type Kind int

const (
	KindScalar Kind = 0
	KindArray  Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindArray:
		return "array"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is an argument passed across the call boundary: either a scalar
// integer or an array of values. Arrays always carry their own length.
type Value struct {
	Kind  Kind
	Int   int64
	Elems []Value
}

// Scalar returns a scalar value.
func Scalar(v int64) Value {
	return Value{Kind: KindScalar, Int: v}
}

// Array returns an array value holding elems. An empty array has a non-nil,
// zero-length element slice.
func Array(elems ...Value) Value {
	if elems == nil {
		elems = []Value{}
	}
	return Value{Kind: KindArray, Elems: elems}
}

// Ints builds a one-dimensional array of scalars.
func Ints(vs ...int64) Value {
	elems := make([]Value, len(vs))
	for i, v := range vs {
		elems[i] = Scalar(v)
	}
	return Array(elems...)
}

// Len returns the number of elements of an array, or 0 for a scalar.
func (v Value) Len() int {
	return len(v.Elems)
}

// Equal reports whether v and o hold the same variant and contents.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	if v.Kind == KindScalar {
		return v.Int == o.Int
	}
	if len(v.Elems) != len(o.Elems) {
		return false
	}
	for i := range v.Elems {
		if !v.Elems[i].Equal(o.Elems[i]) {
			return false
		}
	}
	return true
}

func (v Value) String() string {
	if v.Kind == KindScalar {
		return strconv.FormatInt(v.Int, 10)
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, e := range v.Elems {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(e.String())
	}
	b.WriteByte(']')
	return b.String()
}
