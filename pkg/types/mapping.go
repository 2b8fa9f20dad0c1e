package types

import (
	"strings"

	"github.com/tabulify/tabulify/pkg/errors"
)

// Param tells which parameters a native type template carries when written.
type Param int

const (
	ParamNone Param = iota
	ParamLength
	ParamPrecisionScale
)

// Template is the native type a mapping writes for one canonical kind.
type Template struct {
	Name   string
	Params Param
	// MaxLength caps Text/Binary lengths, MaxPrecision caps Decimal precision
	MaxLength    int
	MaxPrecision int
	// Unbounded is used instead of Name when the value has no length bound
	// or exceeds MaxLength (e.g. varchar -> text).
	Unbounded string
}

// Mapping is the immutable per-connector type table: native names to kinds
// for reading, and kinds to native templates for writing.
type Mapping struct {
	name    string
	natives map[string]Kind
	writes  map[Kind]Template
}

// NewMapping builds a mapping. The maps are copied, so later changes by the
// caller do not leak in.
func NewMapping(name string, natives map[string]Kind, writes map[Kind]Template) *Mapping {
	m := &Mapping{
		name:    name,
		natives: make(map[string]Kind, len(natives)),
		writes:  make(map[Kind]Template, len(writes)),
	}
	for n, k := range natives {
		m.natives[strings.ToLower(n)] = k
	}
	for k, t := range writes {
		m.writes[k] = t
	}
	return m
}

// Name returns the mapping name, usually the connector type.
func (m *Mapping) Name() string { return m.name }

// Supports reports whether the mapping can write kind k natively.
func (m *Mapping) Supports(k Kind) bool {
	_, ok := m.writes[k]
	return ok
}

// Template returns the write template for kind k.
func (m *Mapping) Template(k Kind) (Template, bool) {
	t, ok := m.writes[k]
	return t, ok
}

// Resolve maps a native type to its canonical type. It never fails: a type
// the mapping does not know resolves to Unknown.
func Resolve(m *Mapping, nt NativeType) CanonicalType {
	if m == nil {
		return Of(Unknown)
	}
	k, ok := m.natives[strings.ToLower(nt.Name)]
	if !ok {
		return Of(Unknown)
	}
	ct := CanonicalType{Kind: k}
	switch k {
	case Text, Binary:
		ct.Length = nt.Length
	case Decimal:
		ct.Precision, ct.Scale = nt.Precision, nt.Scale
	}
	return ct
}

// ResolveName is Resolve for a type string such as "varchar(40)".
func ResolveName(m *Mapping, native string) CanonicalType {
	return Resolve(m, ParseNativeType(native))
}

// Projection is the outcome of Project.
type Projection struct {
	// Native is the type to declare in the backend
	Native NativeType
	// Type is the canonical type the backend will hand back when read
	Type CanonicalType
	// Lossy is set when values may lose range, precision or length
	Lossy bool
}

type candidate struct {
	kind  Kind
	lossy bool
}

// fallback chains, widening candidates before narrowing ones. The first
// entry of each chain is the kind itself.
var chains = map[Kind][]candidate{
	Boolean:   {{Boolean, false}, {Int16, false}, {Int32, false}, {Int64, false}, {Text, false}},
	Int16:     {{Int16, false}, {Int32, false}, {Int64, false}, {Decimal, false}, {Float64, false}, {Text, false}},
	Int32:     {{Int32, false}, {Int64, false}, {Decimal, false}, {Float64, false}, {Int16, true}, {Text, false}},
	Int64:     {{Int64, false}, {Decimal, false}, {Float64, true}, {Int32, true}, {Int16, true}, {Text, false}},
	Float32:   {{Float32, false}, {Float64, false}, {Decimal, true}, {Text, false}},
	Float64:   {{Float64, false}, {Decimal, true}, {Float32, true}, {Text, false}},
	Decimal:   {{Decimal, false}, {Float64, true}, {Float32, true}, {Text, false}},
	Text:      {{Text, false}},
	Date:      {{Date, false}, {Timestamp, false}, {Text, false}},
	Timestamp: {{Timestamp, false}, {Date, true}, {Text, false}},
	Binary:    {{Binary, false}, {Text, false}},
	Unknown:   {{Text, false}},
}

// integer digits needed to hold every value of an integer kind
var integerDigits = map[Kind]int{Int16: 5, Int32: 10, Int64: 19}

// Project picks the native type used to store ct in a backend described by
// m. It walks the kind's fallback chain and fails with an
// unsupported_projection error only when no candidate, lossy or not, exists.
func Project(ct CanonicalType, m *Mapping) (Projection, error) {
	if m == nil {
		return Projection{}, errors.New(errors.ErrorTypeUnsupportedProjection, "no type mapping")
	}
	for _, c := range chains[ct.Kind] {
		tmpl, ok := m.writes[c.kind]
		if !ok {
			continue
		}
		p := project(ct, c.kind, tmpl)
		p.Lossy = p.Lossy || c.lossy
		return p, nil
	}
	return Projection{}, errors.Newf(errors.ErrorTypeUnsupportedProjection,
		"%s has no type able to hold %s", m.name, ct).
		WithDetail("mapping", m.name).
		WithDetail("type", ct.String())
}

func project(src CanonicalType, target Kind, tmpl Template) Projection {
	p := Projection{Type: CanonicalType{Kind: target}}
	name := tmpl.Name

	switch target {
	case Text, Binary:
		length := src.Length
		if src.Kind != target {
			length = 0
		}
		switch {
		case tmpl.Params != ParamLength:
		case length == 0 || (tmpl.MaxLength > 0 && length > tmpl.MaxLength):
			if tmpl.Unbounded != "" {
				name = tmpl.Unbounded
			} else if tmpl.MaxLength > 0 {
				length = tmpl.MaxLength
				p.Lossy = true
			}
		}
		if name == tmpl.Name && tmpl.Params == ParamLength && length > 0 {
			p.Native.Length = length
			p.Type.Length = length
		}
	case Decimal:
		precision, scale := src.Precision, src.Scale
		switch {
		case src.Kind.IsInteger():
			precision, scale = integerDigits[src.Kind], 0
		case src.Kind.IsFloat():
			precision, scale = 38, 9
		}
		if tmpl.Params == ParamPrecisionScale {
			if tmpl.MaxPrecision > 0 && (precision == 0 || precision > tmpl.MaxPrecision) {
				if scale > tmpl.MaxPrecision {
					scale = tmpl.MaxPrecision
				}
				precision = tmpl.MaxPrecision
				p.Lossy = true
			}
			p.Native.Precision, p.Native.Scale = precision, scale
			p.Type.Precision, p.Type.Scale = precision, scale
		}
	}
	p.Native.Name = name
	return p
}

// Canonical returns a mapping whose native names are the kind names. Text
// and Binary keep their length and Decimal its precision and scale, so every
// projection onto it is the identity. Backends that store canonical types
// directly use it.
func Canonical(name string) *Mapping {
	natives := make(map[string]Kind, len(kindNames))
	writes := make(map[Kind]Template, len(kindNames))
	for k, n := range kindNames {
		natives[n] = k
		if k == Unknown {
			continue
		}
		tmpl := Template{Name: n}
		switch k {
		case Text, Binary:
			tmpl.Params = ParamLength
		case Decimal:
			tmpl.Params = ParamPrecisionScale
		}
		writes[k] = tmpl
	}
	return NewMapping(name, natives, writes)
}
