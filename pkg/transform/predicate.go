package transform

import (
	"bytes"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// RowPredicate tells whether a row passes a filter.
type RowPredicate func(row types.Row) (bool, error)

// Predicate is the condition of a Filter step, bound to the schema of the
// filtered rows before use.
type Predicate interface {
	String() string
	Bind(schema *core.Schema) (RowPredicate, error)
}

// PredicateFunc wraps a bind function as a Predicate.
func PredicateFunc(name string, bind func(*core.Schema) (RowPredicate, error)) Predicate {
	return predicateFunc{name: name, bind: bind}
}

type predicateFunc struct {
	name string
	bind func(*core.Schema) (RowPredicate, error)
}

func (p predicateFunc) String() string { return p.name }

func (p predicateFunc) Bind(s *core.Schema) (RowPredicate, error) { return p.bind(s) }

type op string

const (
	opEq       op = "="
	opNe       op = "!="
	opGt       op = ">"
	opGe       op = ">="
	opLt       op = "<"
	opLe       op = "<="
	opContains op = "contains"
	opPrefix   op = "prefix"
	opIsNull   op = "is_null"
	opNotNull  op = "not_null"
)

var ops = map[string]op{
	"=": opEq, "==": opEq, "!=": opNe, "<>": opNe,
	">": opGt, ">=": opGe, "<": opLt, "<=": opLe,
	"contains": opContains, "prefix": opPrefix,
	"is_null": opIsNull, "not_null": opNotNull,
}

type comparison struct {
	expr    string
	column  string
	op      op
	literal string
}

// ParsePredicate parses "<column> <op> <literal>" or "<column> is_null|not_null".
// Column names with spaces are written in double quotes; literals may be
// quoted with single or double quotes.
func ParsePredicate(expr string) (Predicate, error) {
	rest := strings.TrimSpace(expr)
	bad := func(msg string) error {
		return errors.Newf(errors.ErrorTypeConstruction, "predicate %q: %s", expr, msg)
	}

	var column string
	if strings.HasPrefix(rest, `"`) {
		end := strings.Index(rest[1:], `"`)
		if end < 0 {
			return nil, bad("unterminated column name")
		}
		column, rest = rest[1:end+1], rest[end+2:]
	} else {
		i := strings.IndexFunc(rest, isSpace)
		if i < 0 {
			return nil, bad("missing operator")
		}
		column, rest = rest[:i], rest[i:]
	}
	rest = strings.TrimSpace(rest)
	if column == "" {
		return nil, bad("missing column")
	}

	word, literal := rest, ""
	if i := strings.IndexFunc(rest, isSpace); i >= 0 {
		word, literal = rest[:i], strings.TrimSpace(rest[i:])
	}
	o, ok := ops[strings.ToLower(word)]
	if !ok {
		return nil, bad("unknown operator " + word)
	}
	unary := o == opIsNull || o == opNotNull
	switch {
	case unary && literal != "":
		return nil, bad(string(o) + " takes no value")
	case !unary && literal == "":
		return nil, bad("missing value")
	}
	return &comparison{expr: strings.TrimSpace(expr), column: column, op: o, literal: unquote(literal)}, nil
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' }

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

func (c *comparison) String() string { return c.expr }

func (c *comparison) Bind(schema *core.Schema) (RowPredicate, error) {
	i := schema.Index(c.column)
	if i < 0 {
		return nil, errors.Newf(errors.ErrorTypeSchemaMismatch, "filter: unknown column %q", c.column)
	}
	col := schema.Columns[i]

	switch c.op {
	case opIsNull:
		return func(row types.Row) (bool, error) { return row[i].IsNull(), nil }, nil
	case opNotNull:
		return func(row types.Row) (bool, error) { return !row[i].IsNull(), nil }, nil
	case opContains, opPrefix:
		match := strings.Contains
		if c.op == opPrefix {
			match = strings.HasPrefix
		}
		return func(row types.Row) (bool, error) {
			if row[i].IsNull() {
				return false, nil
			}
			return match(types.FormatText(row[i].V, col.Type.Kind), c.literal), nil
		}, nil
	}

	lit, _, err := types.Convert(types.V(c.literal), types.Of(types.Text), col.Type)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConversion, "filter value for column "+col.Name)
	}
	return func(row types.Row) (bool, error) {
		if row[i].IsNull() {
			return false, nil
		}
		n, err := compare(row[i].V, lit.V)
		if err != nil {
			return false, err
		}
		switch c.op {
		case opEq:
			return n == 0, nil
		case opNe:
			return n != 0, nil
		case opGt:
			return n > 0, nil
		case opGe:
			return n >= 0, nil
		case opLt:
			return n < 0, nil
		default:
			return n <= 0, nil
		}
	}, nil
}

func cmp3[T int64 | float64 | string](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compare orders two canonical values of the same kind.
func compare(a, b interface{}) (int, error) {
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmp3(x, y), nil
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmp3(x, y), nil
		}
	case string:
		if y, ok := b.(string); ok {
			return cmp3(x, y), nil
		}
	case decimal.Decimal:
		if y, ok := b.(decimal.Decimal); ok {
			return x.Cmp(y), nil
		}
	case time.Time:
		if y, ok := b.(time.Time); ok {
			return x.Compare(y), nil
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0, nil
			case y:
				return -1, nil
			}
			return 1, nil
		}
	case []byte:
		if y, ok := b.([]byte); ok {
			return bytes.Compare(x, y), nil
		}
	}
	return 0, errors.Newf(errors.ErrorTypeConversion, "cannot compare %T with %T", a, b)
}
