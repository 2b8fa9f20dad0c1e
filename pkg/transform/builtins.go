package transform

import (
	"fmt"
	"strings"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

func init() {
	Register("union", func(Args) (Function, error) { return Union(), nil })
	Register("select", func(a Args) (Function, error) {
		cols, err := a.strings("columns")
		if err != nil {
			return nil, err
		}
		return Select(cols...)
	})
	Register("rename", func(a Args) (Function, error) {
		m, err := a.renames()
		if err != nil {
			return nil, err
		}
		return Rename(m)
	})
	Register("upper", func(a Args) (Function, error) {
		col, err := a.string("column")
		if err != nil {
			return nil, err
		}
		return Upper(col), nil
	})
	Register("constant", func(a Args) (Function, error) {
		col, err := a.string("column")
		if err != nil {
			return nil, err
		}
		typ := types.Of(types.Text)
		if s, ok := a["type"].(string); ok && s != "" {
			if typ, err = types.ParseCanonicalType(s); err != nil {
				return nil, err
			}
		}
		var value interface{}
		if v, ok := a["value"]; ok && v != nil {
			value = fmt.Sprint(v)
		}
		return Constant(col, value, typ)
	})
	Register("dedupe", func(a Args) (Function, error) {
		var cols []string
		if _, ok := a["columns"]; ok {
			var err error
			if cols, err = a.strings("columns"); err != nil {
				return nil, err
			}
		}
		return Dedupe(cols...), nil
	})
}

func (a Args) string(key string) (string, error) {
	s, ok := a[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("argument %q is required", key)
	}
	return s, nil
}

func (a Args) strings(key string) ([]string, error) {
	switch v := a[key].(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, len(v))
		for i, x := range v {
			out[i] = fmt.Sprint(x)
		}
		return out, nil
	case string:
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("argument %q must be a list of column names", key)
}

// renames accepts {from: a, to: b} or {columns: {a: b, ...}}.
func (a Args) renames() (map[string]string, error) {
	if from, ok := a["from"].(string); ok {
		to, err := a.string("to")
		if err != nil {
			return nil, err
		}
		return map[string]string{from: to}, nil
	}
	out := map[string]string{}
	switch v := a["columns"].(type) {
	case map[string]interface{}:
		for k, x := range v {
			out[k] = fmt.Sprint(x)
		}
	case map[string]string:
		for k, x := range v {
			out[k] = x
		}
	default:
		return nil, fmt.Errorf("rename needs from/to or a columns map")
	}
	return out, nil
}

// sameShape checks every input has the column count of the first one.
func sameShape(name string, inputs []*core.Schema) error {
	for i, s := range inputs[1:] {
		if s.Len() != inputs[0].Len() {
			return errors.Newf(errors.ErrorTypeSchemaMismatch,
				"%s: input %d has %d columns, input 0 has %d", name, i+1, s.Len(), inputs[0].Len())
		}
	}
	return nil
}

func indexOf(s *core.Schema, name, fn string) (int, error) {
	i := s.Index(name)
	if i < 0 {
		return -1, errors.Newf(errors.ErrorTypeSchemaMismatch, "%s: unknown column %q", fn, name)
	}
	return i, nil
}

// Widen returns the narrowest canonical type holding values of both a and b.
func Widen(a, b types.CanonicalType) types.CanonicalType {
	if a == b {
		return a
	}
	if a.Kind == b.Kind {
		switch a.Kind {
		case types.Text, types.Binary:
			if a.Length == 0 || b.Length == 0 {
				return types.Of(a.Kind)
			}
			return types.CanonicalType{Kind: a.Kind, Length: max(a.Length, b.Length)}
		case types.Decimal:
			if a.Precision == 0 || b.Precision == 0 {
				return types.Of(types.Decimal)
			}
			scale := max(a.Scale, b.Scale)
			return types.DecimalOf(max(a.Precision-a.Scale, b.Precision-b.Scale)+scale, scale)
		}
		return a
	}
	switch {
	case a.Kind.IsInteger() && b.Kind.IsInteger():
		return types.Of(max(a.Kind, b.Kind))
	case a.Kind.IsNumeric() && b.Kind.IsNumeric():
		if a.Kind == types.Decimal || b.Kind == types.Decimal {
			return types.Of(types.Decimal)
		}
		return types.Of(types.Float64)
	case (a.Kind == types.Date && b.Kind == types.Timestamp) || (a.Kind == types.Timestamp && b.Kind == types.Date):
		return types.Of(types.Timestamp)
	}
	return types.Of(types.Text)
}

// Union concatenates its inputs. Inputs must have the same number of
// columns; column types are widened so every input fits.
func Union() Function {
	return Func("union",
		func(inputs []*core.Schema) (*core.Schema, error) {
			if err := sameShape("union", inputs); err != nil {
				return nil, err
			}
			out := inputs[0].Clone()
			for _, s := range inputs[1:] {
				for i, c := range s.Columns {
					oc := &out.Columns[i]
					oc.Type = Widen(oc.Type, c.Type)
					oc.Nullable = oc.Nullable || c.Nullable
					if oc.ContentType != c.ContentType {
						oc.ContentType = ""
					}
				}
			}
			return out, nil
		},
		func(inputs []*core.Schema, output *core.Schema) (RowFunc, error) {
			// columns of each input that need a conversion to the output type
			convert := make([][]int, len(inputs))
			for s, in := range inputs {
				for i, c := range in.Columns {
					if c.Type != output.Columns[i].Type {
						convert[s] = append(convert[s], i)
					}
				}
			}
			return func(source int, row types.Row) (types.Row, bool, error) {
				if len(convert[source]) == 0 {
					return row, true, nil
				}
				out := row.Clone()
				for _, i := range convert[source] {
					v, _, err := types.Convert(row[i], inputs[source].Columns[i].Type, output.Columns[i].Type)
					if err != nil {
						return nil, false, err
					}
					out[i] = v
				}
				return out, true, nil
			}, nil
		})
}

// Select keeps the named columns, in the given order.
func Select(columns ...string) (Function, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("select needs at least one column")
	}
	positions := func(s *core.Schema) ([]int, error) {
		idx := make([]int, len(columns))
		for i, name := range columns {
			j, err := indexOf(s, name, "select")
			if err != nil {
				return nil, err
			}
			idx[i] = j
		}
		return idx, nil
	}
	return Func("select",
		func(inputs []*core.Schema) (*core.Schema, error) {
			idx, err := positions(inputs[0])
			if err != nil {
				return nil, err
			}
			out := &core.Schema{Columns: make([]core.Column, len(idx))}
			for i, j := range idx {
				out.Columns[i] = inputs[0].Columns[j]
			}
			return out, nil
		},
		func(inputs []*core.Schema, _ *core.Schema) (RowFunc, error) {
			idx := make([][]int, len(inputs))
			for s, in := range inputs {
				var err error
				if idx[s], err = positions(in); err != nil {
					return nil, err
				}
			}
			return func(source int, row types.Row) (types.Row, bool, error) {
				out := make(types.Row, len(idx[source]))
				for i, j := range idx[source] {
					out[i] = row[j]
				}
				return out, true, nil
			}, nil
		}), nil
}

func passThrough(inputs []*core.Schema, _ *core.Schema) (RowFunc, error) {
	return func(_ int, row types.Row) (types.Row, bool, error) { return row, true, nil }, nil
}

// Rename renames columns, old name to new name.
func Rename(names map[string]string) (Function, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("rename needs at least one column")
	}
	return Func("rename",
		func(inputs []*core.Schema) (*core.Schema, error) {
			if err := sameShape("rename", inputs); err != nil {
				return nil, err
			}
			out := inputs[0].Clone()
			for from, to := range names {
				i, err := indexOf(out, from, "rename")
				if err != nil {
					return nil, err
				}
				out.Columns[i].Name = to
			}
			return out, out.Validate()
		},
		passThrough), nil
}

// Upper upper-cases a text column.
func Upper(column string) Function {
	return Func("upper",
		func(inputs []*core.Schema) (*core.Schema, error) {
			if err := sameShape("upper", inputs); err != nil {
				return nil, err
			}
			i, err := indexOf(inputs[0], column, "upper")
			if err != nil {
				return nil, err
			}
			if k := inputs[0].Columns[i].Type.Kind; k != types.Text {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "upper: column %q is %s, not text", column, k)
			}
			return inputs[0].Clone(), nil
		},
		func(_ []*core.Schema, output *core.Schema) (RowFunc, error) {
			i := output.Index(column)
			return func(_ int, row types.Row) (types.Row, bool, error) {
				s, ok := row[i].V.(string)
				if !ok {
					return row, true, nil
				}
				out := row.Clone()
				out[i] = types.WithContentType(strings.ToUpper(s), row[i].ContentType)
				return out, true, nil
			}, nil
		})
}

// Constant appends a column holding the same value on every row. value is
// given as text (or nil for NULL) and converted to typ.
func Constant(column string, value interface{}, typ types.CanonicalType) (Function, error) {
	v, _, err := types.Convert(types.V(value), types.Of(types.Text), typ)
	if err != nil {
		return nil, err
	}
	return Func("constant",
		func(inputs []*core.Schema) (*core.Schema, error) {
			if err := sameShape("constant", inputs); err != nil {
				return nil, err
			}
			if inputs[0].Index(column) >= 0 {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "constant: column %q already exists", column)
			}
			out := inputs[0].Clone()
			out.Columns = append(out.Columns, core.Column{Name: column, Type: typ, Nullable: v.IsNull()})
			return out, nil
		},
		func(_ []*core.Schema, _ *core.Schema) (RowFunc, error) {
			return func(_ int, row types.Row) (types.Row, bool, error) {
				out := make(types.Row, len(row), len(row)+1)
				copy(out, row)
				return append(out, v), true, nil
			}, nil
		}), nil
}

// Dedupe drops rows whose key columns were already seen in this attempt.
// Without columns the whole row is the key.
func Dedupe(columns ...string) Function {
	return StatefulFunc("dedupe",
		func(inputs []*core.Schema) (*core.Schema, error) {
			if err := sameShape("dedupe", inputs); err != nil {
				return nil, err
			}
			for _, c := range columns {
				if _, err := indexOf(inputs[0], c, "dedupe"); err != nil {
					return nil, err
				}
			}
			return inputs[0].Clone(), nil
		},
		func(_ []*core.Schema, output *core.Schema) (RowFunc, error) {
			idx := make([]int, 0, len(columns))
			for _, c := range columns {
				idx = append(idx, output.Index(c))
			}
			if len(idx) == 0 {
				for i := range output.Columns {
					idx = append(idx, i)
				}
			}
			seen := make(map[string]struct{})
			var key strings.Builder
			return func(_ int, row types.Row) (types.Row, bool, error) {
				key.Reset()
				for _, i := range idx {
					if row[i].IsNull() {
						key.WriteString("\x00N")
					} else {
						key.WriteString(types.FormatText(row[i].V, output.Columns[i].Type.Kind))
					}
					key.WriteByte(0x1f)
				}
				k := key.String()
				if _, dup := seen[k]; dup {
					return nil, false, nil
				}
				seen[k] = struct{}{}
				return row, true, nil
			}, nil
		})
}
