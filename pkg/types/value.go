package types

import (
	"bytes"
	"math"
	"math/big"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/shopspring/decimal"
)

// Value is one canonical cell. V holds the canonical Go representation of
// the column kind (bool, int64, float64, decimal.Decimal, string, time.Time,
// []byte); nil is NULL. ContentType is an optional hint such as a detected
// MIME type and travels with the value through Copy and Filter steps.
type Value struct {
	V           interface{}
	ContentType string
}

// Row is a positional record aligned with a schema.
type Row []Value

// Null is the NULL value.
var Null = Value{}

// V wraps a Go value without a content type hint.
func V(v interface{}) Value { return Value{V: v} }

// WithContentType wraps a Go value with a content type hint.
func WithContentType(v interface{}, contentType string) Value {
	return Value{V: v, ContentType: contentType}
}

// IsNull reports whether the value is NULL.
func (v Value) IsNull() bool { return v.V == nil }

// Equal compares two values by canonical content and hint.
func (v Value) Equal(o Value) bool {
	if v.ContentType != o.ContentType {
		return false
	}
	return EqualData(v.V, o.V)
}

// EqualData compares two canonical representations.
func EqualData(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case decimal.Decimal:
		y, ok := b.(decimal.Decimal)
		return ok && x.Equal(y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	default:
		return a == b
	}
}

// Clone returns a copy of the row slice. Values are immutable so a shallow
// copy is enough.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Equal compares rows value by value.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Values builds a row from plain Go values.
func Values(vs ...interface{}) Row {
	r := make(Row, len(vs))
	for i, v := range vs {
		if val, ok := v.(Value); ok {
			r[i] = val
			continue
		}
		r[i] = Value{V: Normalize(v)}
	}
	return r
}

// Normalize coerces driver level Go values to the canonical representation:
// sized integers to int64, float32 to float64, times to UTC. Anything it
// does not recognize is returned as is.
func Normalize(v interface{}) interface{} {
	switch x := v.(type) {
	case nil:
		return nil
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case int64:
		return x
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint64:
		return normalizeUint(x)
	case float32:
		return float64(x)
	case *big.Int:
		return decimal.NewFromBigInt(x, 0)
	case time.Time:
		return x.UTC()
	case *decimal.Decimal:
		if x == nil {
			return nil
		}
		return *x
	default:
		return v
	}
}

func normalizeUint(u uint64) interface{} {
	if u > math.MaxInt64 {
		return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
	}
	return int64(u)
}

// DetectContentType sniffs the MIME type of a binary or text payload.
func DetectContentType(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	return mimetype.Detect(data).String()
}
