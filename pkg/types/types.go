// Package types is the canonical, backend independent type model of tabulify.
//
// Every connector describes its native types with a Mapping. Resolve turns a
// native type into a CanonicalType (always succeeds, unknown types become
// Unknown), Project picks the native type a connector should use to store a
// canonical type, and Convert moves a single value between canonical types,
// flagging narrowing conversions as lossy.
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the closed set of canonical types.
type Kind int

const (
	Unknown Kind = iota
	Boolean
	Int16
	Int32
	Int64
	Float32
	Float64
	Decimal
	Text
	Date
	Timestamp
	Binary
)

var kindNames = map[Kind]string{
	Unknown:   "unknown",
	Boolean:   "boolean",
	Int16:     "int16",
	Int32:     "int32",
	Int64:     "int64",
	Float32:   "float32",
	Float64:   "float64",
	Decimal:   "decimal",
	Text:      "text",
	Date:      "date",
	Timestamp: "timestamp",
	Binary:    "binary",
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// ParseKind returns the kind with the given name, or Unknown.
func ParseKind(name string) Kind {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return Unknown
}

// IsInteger reports whether k is one of the integer kinds.
func (k Kind) IsInteger() bool { return k == Int16 || k == Int32 || k == Int64 }

// IsFloat reports whether k is one of the floating point kinds.
func (k Kind) IsFloat() bool { return k == Float32 || k == Float64 }

// IsNumeric reports whether k holds numbers.
func (k Kind) IsNumeric() bool { return k.IsInteger() || k.IsFloat() || k == Decimal }

// CanonicalType is a kind plus its parameters. Length applies to Text and
// Binary (0 = unbounded), Precision and Scale to Decimal (Precision 0 =
// arbitrary precision).
type CanonicalType struct {
	Kind      Kind `yaml:"kind" json:"kind"`
	Length    int  `yaml:"length,omitempty" json:"length,omitempty"`
	Precision int  `yaml:"precision,omitempty" json:"precision,omitempty"`
	Scale     int  `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Of returns the unparameterized canonical type of kind k.
func Of(k Kind) CanonicalType { return CanonicalType{Kind: k} }

// TextOf returns Text(maxLen).
func TextOf(maxLen int) CanonicalType { return CanonicalType{Kind: Text, Length: maxLen} }

// DecimalOf returns Decimal(precision, scale).
func DecimalOf(precision, scale int) CanonicalType {
	return CanonicalType{Kind: Decimal, Precision: precision, Scale: scale}
}

func (t CanonicalType) String() string {
	switch t.Kind {
	case Text, Binary:
		if t.Length > 0 {
			return fmt.Sprintf("%s(%d)", t.Kind, t.Length)
		}
	case Decimal:
		if t.Precision > 0 {
			return fmt.Sprintf("decimal(%d,%d)", t.Precision, t.Scale)
		}
	}
	return t.Kind.String()
}

// ParseCanonicalType parses the String form, e.g. "text(20)" or "decimal(10,2)".
func ParseCanonicalType(s string) (CanonicalType, error) {
	nt := ParseNativeType(s)
	k := ParseKind(nt.Name)
	if k == Unknown && nt.Name != "unknown" {
		return CanonicalType{}, fmt.Errorf("unknown canonical type %q", s)
	}
	ct := CanonicalType{Kind: k}
	switch k {
	case Text, Binary:
		ct.Length = nt.Length
	case Decimal:
		ct.Precision, ct.Scale = nt.Precision, nt.Scale
	}
	return ct, nil
}

// MarshalYAML writes the compact String form.
func (t CanonicalType) MarshalYAML() (interface{}, error) { return t.String(), nil }

// UnmarshalYAML accepts the compact String form.
func (t *CanonicalType) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseCanonicalType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// NativeType describes a backend type as its catalog reports it.
type NativeType struct {
	Name      string
	Length    int
	Precision int
	Scale     int
}

// ParseNativeType splits "varchar(255)" or "numeric(10, 2)" into name and
// parameters. A single parameter is stored both as Length and Precision;
// the mapping decides which one the kind uses.
func ParseNativeType(s string) NativeType {
	s = strings.ToLower(strings.TrimSpace(s))
	open := strings.IndexByte(s, '(')
	if open < 0 || !strings.HasSuffix(s, ")") {
		return NativeType{Name: s}
	}
	nt := NativeType{Name: strings.TrimSpace(s[:open])}
	params := strings.Split(s[open+1:len(s)-1], ",")
	if n, err := strconv.Atoi(strings.TrimSpace(params[0])); err == nil {
		nt.Length, nt.Precision = n, n
	} else if strings.TrimSpace(params[0]) == "max" {
		nt.Length = 0
	}
	if len(params) > 1 {
		if n, err := strconv.Atoi(strings.TrimSpace(params[1])); err == nil {
			nt.Scale = n
		}
	}
	return nt
}

func (n NativeType) String() string {
	switch {
	case n.Precision > 0 && n.Scale > 0:
		return fmt.Sprintf("%s(%d,%d)", n.Name, n.Precision, n.Scale)
	case n.Precision > 0 && n.Length == 0:
		return fmt.Sprintf("%s(%d)", n.Name, n.Precision)
	case n.Length > 0:
		return fmt.Sprintf("%s(%d)", n.Name, n.Length)
	default:
		return n.Name
	}
}
