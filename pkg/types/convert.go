package types

import (
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/errors"
)

// Outcome reports what happened to a converted value.
type Outcome struct {
	Lossy  bool
	Reason string
}

// DateLayout and TimestampLayout are the text forms of dates and timestamps.
const (
	DateLayout      = "2006-01-02"
	TimestampLayout = time.RFC3339Nano
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	DateLayout,
}

var intRanges = map[Kind][2]int64{
	Int16: {math.MinInt16, math.MaxInt16},
	Int32: {math.MinInt32, math.MaxInt32},
	Int64: {math.MinInt64, math.MaxInt64},
}

// Convert moves v from canonical type from to canonical type to. Widening
// conversions succeed silently, narrowing ones succeed with Outcome.Lossy
// set, and values that cannot be interpreted at all (text that is not a
// number, for example) fail with a conversion error. The content type hint
// is carried unchanged.
func Convert(v Value, from, to CanonicalType) (Value, Outcome, error) {
	if v.V == nil {
		return v, Outcome{}, nil
	}
	x := Normalize(v.V)
	out := Value{ContentType: v.ContentType}

	var (
		res interface{}
		oc  Outcome
		err error
	)
	switch to.Kind {
	case Boolean:
		res, oc, err = toBool(x)
	case Int16, Int32, Int64:
		res, oc, err = toInt(x, to.Kind)
	case Float32, Float64:
		res, oc, err = toFloat(x, to.Kind)
	case Decimal:
		res, oc, err = toDecimal(x, to)
	case Text:
		res, oc, err = toText(x, from, to.Length)
	case Date:
		res, oc, err = toTime(x, true)
	case Timestamp:
		res, oc, err = toTime(x, false)
	case Binary:
		res, oc, err = toBinary(x, from, to.Length)
	default:
		res = x
	}
	if err != nil {
		return Value{}, Outcome{}, errors.Wrap(err, errors.ErrorTypeConversion, "cannot convert value").
			WithDetail("from", from.String()).
			WithDetail("to", to.String())
	}
	out.V = res
	return out, oc, nil
}

func lossy(reason string) Outcome { return Outcome{Lossy: true, Reason: reason} }

func conversionError(x interface{}, target string) error {
	return errors.Newf(errors.ErrorTypeConversion, "%T value %v is not a valid %s", x, x, target)
}

func toBool(x interface{}) (interface{}, Outcome, error) {
	switch v := x.(type) {
	case bool:
		return v, Outcome{}, nil
	case int64:
		if v == 0 || v == 1 {
			return v == 1, Outcome{}, nil
		}
		return v != 0, lossy("integer is not 0 or 1"), nil
	case float64:
		if v == 0 || v == 1 {
			return v == 1, Outcome{}, nil
		}
		return v != 0, lossy("number is not 0 or 1"), nil
	case decimal.Decimal:
		return toBool(v.InexactFloat64())
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return nil, Outcome{}, conversionError(v, "boolean")
		}
		return b, Outcome{}, nil
	}
	return nil, Outcome{}, conversionError(x, "boolean")
}

func clampInt(v int64, k Kind) (int64, Outcome) {
	r := intRanges[k]
	switch {
	case v < r[0]:
		return r[0], lossy("integer underflow for " + k.String())
	case v > r[1]:
		return r[1], lossy("integer overflow for " + k.String())
	}
	return v, Outcome{}
}

func toInt(x interface{}, k Kind) (interface{}, Outcome, error) {
	switch v := x.(type) {
	case bool:
		if v {
			return int64(1), Outcome{}, nil
		}
		return int64(0), Outcome{}, nil
	case int64:
		n, oc := clampInt(v, k)
		return n, oc, nil
	case float64:
		if math.IsNaN(v) {
			return nil, Outcome{}, conversionError(v, k.String())
		}
		return toInt(decimal.NewFromFloat(clampFloat(v)), k)
	case decimal.Decimal:
		truncated := v.Truncate(0)
		oc := Outcome{}
		if !truncated.Equal(v) {
			oc = lossy("fraction truncated")
		}
		r := intRanges[k]
		switch {
		case truncated.LessThan(decimal.NewFromInt(r[0])):
			return r[0], lossy("integer underflow for " + k.String()), nil
		case truncated.GreaterThan(decimal.NewFromInt(r[1])):
			return r[1], lossy("integer overflow for " + k.String()), nil
		}
		n, clampOc := clampInt(truncated.IntPart(), k)
		if clampOc.Lossy {
			oc = clampOc
		}
		return n, oc, nil
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return toInt(n, k)
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, Outcome{}, conversionError(v, k.String())
		}
		return toInt(d, k)
	case time.Time:
		return toInt(v.Unix(), k)
	}
	return nil, Outcome{}, conversionError(x, k.String())
}

// clampFloat keeps infinities representable as decimals.
func clampFloat(f float64) float64 {
	switch {
	case math.IsInf(f, 1):
		return math.MaxFloat64
	case math.IsInf(f, -1):
		return -math.MaxFloat64
	}
	return f
}

func toFloat(x interface{}, k Kind) (interface{}, Outcome, error) {
	var (
		f  float64
		oc Outcome
	)
	switch v := x.(type) {
	case bool:
		if v {
			f = 1
		}
	case int64:
		f = float64(v)
		if v > 1<<53 || v < -(1<<53) {
			if !decimal.NewFromFloat(f).Equal(decimal.NewFromInt(v)) {
				oc = lossy("integer precision lost in float")
			}
		}
	case float64:
		f = v
	case decimal.Decimal:
		var exact bool
		f, exact = v.Float64()
		if !exact {
			oc = lossy("decimal precision lost in float")
		}
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, Outcome{}, conversionError(v, k.String())
		}
		f = parsed
	default:
		return nil, Outcome{}, conversionError(x, k.String())
	}
	if k == Float32 && !math.IsNaN(f) {
		narrowed := float64(float32(f))
		if narrowed != f {
			oc = lossy("float32 precision")
		}
		f = narrowed
	}
	return f, oc, nil
}

func toDecimal(x interface{}, to CanonicalType) (interface{}, Outcome, error) {
	var d decimal.Decimal
	switch v := x.(type) {
	case bool:
		if v {
			d = decimal.NewFromInt(1)
		}
	case int64:
		d = decimal.NewFromInt(v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, Outcome{}, conversionError(v, "decimal")
		}
		d = decimal.NewFromFloat(v)
	case decimal.Decimal:
		d = v
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(v))
		if err != nil {
			return nil, Outcome{}, conversionError(v, "decimal")
		}
		d = parsed
	default:
		return nil, Outcome{}, conversionError(x, "decimal")
	}
	if to.Precision <= 0 {
		return d, Outcome{}, nil
	}

	oc := Outcome{}
	rounded := d.Round(int32(to.Scale))
	if !rounded.Equal(d) {
		oc = lossy("decimal rounded to scale")
	}
	// largest magnitude representable with precision p and scale s
	limit := decimal.New(1, int32(to.Precision-to.Scale)).Sub(decimal.New(1, int32(-to.Scale)))
	switch {
	case rounded.GreaterThan(limit):
		return limit, lossy("decimal overflow"), nil
	case rounded.LessThan(limit.Neg()):
		return limit.Neg(), lossy("decimal overflow"), nil
	}
	return rounded, oc, nil
}

func truncateRunes(s string, n int) (string, bool) {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s, false
	}
	return string([]rune(s)[:n]), true
}

// FormatText renders a canonical value as text.
func FormatText(x interface{}, from Kind) string {
	switch v := x.(type) {
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		bits := 64
		if from == Float32 {
			bits = 32
		}
		return strconv.FormatFloat(v, 'g', -1, bits)
	case decimal.Decimal:
		return v.String()
	case string:
		return v
	case time.Time:
		if from == Date {
			return v.UTC().Format(DateLayout)
		}
		return v.UTC().Format(TimestampLayout)
	case []byte:
		if from == Binary {
			return base64.StdEncoding.EncodeToString(v)
		}
		return string(v)
	}
	return fmt.Sprint(x)
}

func toText(x interface{}, from CanonicalType, maxLen int) (interface{}, Outcome, error) {
	s := FormatText(x, from.Kind)
	if out, cut := truncateRunes(s, maxLen); cut {
		return out, lossy("text truncated"), nil
	}
	return s, Outcome{}, nil
}

// ParseTime accepts the timestamp layouts tabulify writes and the common
// SQL forms.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, conversionError(s, "timestamp")
}

func toTime(x interface{}, dateOnly bool) (interface{}, Outcome, error) {
	var t time.Time
	switch v := x.(type) {
	case time.Time:
		t = v.UTC()
	case string:
		parsed, err := ParseTime(v)
		if err != nil {
			return nil, Outcome{}, err
		}
		t = parsed
	case int64:
		t = time.Unix(v, 0).UTC()
	default:
		return nil, Outcome{}, conversionError(x, "timestamp")
	}
	if !dateOnly {
		return t, Outcome{}, nil
	}
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	if !day.Equal(t) {
		return day, lossy("time of day dropped"), nil
	}
	return day, Outcome{}, nil
}

func toBinary(x interface{}, from CanonicalType, maxLen int) (interface{}, Outcome, error) {
	var b []byte
	switch v := x.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		b = []byte(FormatText(x, from.Kind))
	}
	if maxLen > 0 && len(b) > maxLen {
		return b[:maxLen], lossy("binary truncated"), nil
	}
	return b, Outcome{}, nil
}
