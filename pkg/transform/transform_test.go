package transform

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

var people = core.NewSchema(
	core.Col("id", types.Of(types.Int32)),
	core.Col("name", types.TextOf(20)),
	core.Col("score", types.DecimalOf(5, 2)),
)

func apply(t *testing.T, fn Function, inputs []*core.Schema, rows map[int][]types.Row) (*core.Schema, []types.Row) {
	t.Helper()
	out, err := fn.OutputSchema(inputs)
	require.NoError(t, err)
	rf, err := fn.Bind(inputs, out)
	require.NoError(t, err)
	var result []types.Row
	for src := range inputs {
		for _, r := range rows[src] {
			o, keep, err := rf(src, r)
			require.NoError(t, err)
			if keep {
				result = append(result, o)
			}
		}
	}
	return out, result
}

func TestUnionWidensTypes(t *testing.T) {
	other := core.NewSchema(
		core.Col("id", types.Of(types.Int64)),
		core.Col("name", types.Of(types.Text)),
		core.Col("score", types.Of(types.Float64)),
	)
	out, rows := apply(t, Union(), []*core.Schema{people, other}, map[int][]types.Row{
		0: {types.Values(int64(1), "a", decimal.RequireFromString("1.50"))},
		1: {types.Values(int64(2), "b", 2.25)},
	})
	assert.Equal(t, types.Of(types.Int64), out.Columns[0].Type)
	assert.Equal(t, types.Of(types.Text), out.Columns[1].Type)
	assert.Equal(t, types.Of(types.Decimal), out.Columns[2].Type)
	require.Len(t, rows, 2)
	assert.True(t, decimal.RequireFromString("2.25").Equal(rows[1][2].V.(decimal.Decimal)))
}

func TestUnionRejectsDifferentShapes(t *testing.T) {
	_, err := Union().OutputSchema([]*core.Schema{people, core.NewSchema(core.Col("x", types.Of(types.Text)))})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}

func TestWiden(t *testing.T) {
	tests := []struct {
		a, b types.CanonicalType
		want types.CanonicalType
	}{
		{types.Of(types.Int16), types.Of(types.Int32), types.Of(types.Int32)},
		{types.Of(types.Int32), types.Of(types.Float32), types.Of(types.Float64)},
		{types.TextOf(4), types.TextOf(9), types.TextOf(9)},
		{types.TextOf(4), types.Of(types.Text), types.Of(types.Text)},
		{types.DecimalOf(5, 2), types.DecimalOf(6, 0), types.DecimalOf(8, 2)},
		{types.Of(types.Date), types.Of(types.Timestamp), types.Of(types.Timestamp)},
		{types.Of(types.Boolean), types.Of(types.Int64), types.Of(types.Text)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Widen(tt.a, tt.b), "%s + %s", tt.a, tt.b)
		assert.Equal(t, tt.want, Widen(tt.b, tt.a), "%s + %s", tt.b, tt.a)
	}
}

func TestSelectRenameUpperConstant(t *testing.T) {
	in := []types.Row{types.Values(int64(7), "ada", nil)}

	sel, err := Select("name", "id")
	require.NoError(t, err)
	out, rows := apply(t, sel, []*core.Schema{people}, map[int][]types.Row{0: in})
	assert.Equal(t, []string{"name", "id"}, out.Names())
	assert.Equal(t, types.Values("ada", int64(7)), rows[0])

	ren, err := Rename(map[string]string{"name": "label"})
	require.NoError(t, err)
	out, _ = apply(t, ren, []*core.Schema{people}, nil)
	assert.Equal(t, []string{"id", "label", "score"}, out.Names())

	_, rows = apply(t, Upper("name"), []*core.Schema{people}, map[int][]types.Row{0: {types.Row{types.V(int64(1)), types.WithContentType("ada", "text/plain"), types.Null}}})
	assert.Equal(t, types.WithContentType("ADA", "text/plain"), rows[0][1])

	c, err := Constant("loaded", "2024-05-01", types.Of(types.Date))
	require.NoError(t, err)
	out, rows = apply(t, c, []*core.Schema{people}, map[int][]types.Row{0: in})
	assert.Equal(t, types.Date, out.Columns[3].Type.Kind)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), rows[0][3].V)
}

func TestFunctionSchemaErrors(t *testing.T) {
	sel, _ := Select("missing")
	_, err := sel.OutputSchema([]*core.Schema{people})
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))

	_, err = Upper("id").OutputSchema([]*core.Schema{people})
	assert.Error(t, err)

	ren, _ := Rename(map[string]string{"name": "id"})
	_, err = ren.OutputSchema([]*core.Schema{people})
	assert.Error(t, err)

	_, err = Constant("x", "abc", types.Of(types.Int64))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConversion))
}

func TestDedupeStartsFreshOnEveryBind(t *testing.T) {
	fn := Dedupe("id")
	rows := map[int][]types.Row{0: {
		types.Values(int64(1), "a", nil),
		types.Values(int64(1), "b", nil),
		types.Values(int64(2), "c", nil),
		types.Values(nil, "d", nil),
		types.Values(nil, "e", nil),
	}}
	_, first := apply(t, fn, []*core.Schema{people}, rows)
	assert.Len(t, first, 3)
	_, second := apply(t, fn, []*core.Schema{people}, rows)
	assert.Len(t, second, 3)
}

func TestLookup(t *testing.T) {
	fn, err := Lookup("select", Args{"columns": []interface{}{"id"}})
	require.NoError(t, err)
	assert.Equal(t, "select", fn.Name())

	fn, err = Lookup("rename", Args{"columns": map[string]interface{}{"id": "key"}})
	require.NoError(t, err)
	out, err := fn.OutputSchema([]*core.Schema{people})
	require.NoError(t, err)
	assert.Equal(t, "key", out.Columns[0].Name)

	_, err = Lookup("constant", Args{"column": "n", "value": 3, "type": "int32"})
	require.NoError(t, err)

	_, err = Lookup("nope", nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction))
	_, err = Lookup("upper", Args{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction))

	assert.Contains(t, Names(), "union")
}

func TestParsePredicate(t *testing.T) {
	rows := []types.Row{
		types.Values(int64(1), "alpha", decimal.RequireFromString("10.50")),
		types.Values(int64(2), "beta", nil),
		types.Values(int64(3), "alphabet", decimal.RequireFromString("3")),
	}
	tests := []struct {
		expr string
		want []int64
	}{
		{"id = 2", []int64{2}},
		{"id != 2", []int64{1, 3}},
		{"id >= 2", []int64{2, 3}},
		{"score > 5", []int64{1}},
		{"score <= '3.00'", []int64{3}},
		{"name prefix alpha", []int64{1, 3}},
		{`name contains "ph"`, []int64{1, 3}},
		{"score is_null", []int64{2}},
		{"score not_null", []int64{1, 3}},
		{`"name" = beta`, []int64{2}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			p, err := ParsePredicate(tt.expr)
			require.NoError(t, err)
			keep, err := p.Bind(people)
			require.NoError(t, err)
			var got []int64
			for _, r := range rows {
				ok, err := keep(r)
				require.NoError(t, err)
				if ok {
					got = append(got, r[0].V.(int64))
				}
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePredicateErrors(t *testing.T) {
	for _, expr := range []string{"", "id", "id ~ 3", "id is_null 3", "id =", `"id = 3`} {
		_, err := ParsePredicate(expr)
		assert.True(t, errors.IsType(err, errors.ErrorTypeConstruction), expr)
	}

	p, err := ParsePredicate("id > abc")
	require.NoError(t, err)
	_, err = p.Bind(people)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConversion))

	p, _ = ParsePredicate("nope = 1")
	_, err = p.Bind(people)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}
