package arrowipc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/types"
)

func open(t *testing.T, opts registry.Options) core.Connector {
	t.Helper()
	opts["path"] = t.TempDir()
	c, err := registry.Create(Type, "cols", opts)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	return c
}

func write(t *testing.T, c core.Connector, table string, schema *core.Schema, mode core.WriteMode, rows ...types.Row) core.RowWriter {
	t.Helper()
	ctx := context.Background()
	w, err := c.OpenWriter(ctx, core.NewTableRef(c, table), schema, mode)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Write(ctx, r))
	}
	require.NoError(t, w.Commit(ctx))
	return w
}

func readAll(t *testing.T, c core.Connector, table string) []types.Row {
	t.Helper()
	ctx := context.Background()
	r, err := c.OpenReader(ctx, core.NewTableRef(c, table), core.ReadOptions{})
	require.NoError(t, err)
	defer r.Close()
	var rows []types.Row
	for {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return rows
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
}

func wide() *core.Schema {
	return core.NewSchema(
		core.Col("flag", types.Of(types.Boolean)),
		core.Col("small", types.Of(types.Int16)),
		core.Col("mid", types.Of(types.Int32)),
		core.Col("big", types.Of(types.Int64)),
		core.Col("f32", types.Of(types.Float32)),
		core.Col("f64", types.Of(types.Float64)),
		core.Col("price", types.DecimalOf(12, 3)),
		core.Col("any", types.Of(types.Decimal)),
		core.Col("name", types.TextOf(40)),
		core.Col("day", types.Of(types.Date)),
		core.Col("at", types.Of(types.Timestamp)),
		core.Column{Name: "doc", Type: types.Of(types.Binary), Nullable: true},
	)
}

func TestRoundTripAllKinds(t *testing.T) {
	c := open(t, registry.Options{"batch_size": 2, "compression": "zstd"})
	day := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	at := time.Date(2023, 12, 31, 23, 59, 59, 123456000, time.UTC)
	var in []types.Row
	for i := 0; i < 5; i++ {
		doc := types.WithContentType([]byte{byte(i)}, "image/png")
		if i == 3 {
			doc = types.Null
		}
		in = append(in, types.Row{
			types.V(i%2 == 0), types.V(int64(i)), types.V(int64(-i)), types.V(int64(1) << 40),
			types.V(0.5), types.V(1.0 / 3), types.V(decimal.RequireFromString("123456789.125")),
			types.V(decimal.RequireFromString("0.000000000000000000000000000000000000000001")),
			types.V("row"), types.V(day), types.V(at), doc,
		})
	}
	write(t, c, "wide", wide(), core.ModeReplace, in...)

	out := readAll(t, c, "wide")
	require.Len(t, out, 5)
	for i := range in {
		assert.True(t, in[i].Equal(out[i]), "row %d: %v != %v", i, in[i], out[i])
	}
}

func TestSchemaTravelsInFieldMetadata(t *testing.T) {
	c := open(t, registry.Options{})
	write(t, c, "wide", wide(), core.ModeReplace,
		types.Row{types.V(true), types.V(int64(1)), types.V(int64(1)), types.V(int64(1)), types.V(1.0), types.V(1.0),
			types.V(decimal.NewFromInt(1)), types.V(decimal.NewFromInt(1)), types.V("x"),
			types.V(time.Unix(0, 0).UTC()), types.V(time.Unix(0, 0).UTC()),
			types.WithContentType([]byte("%PDF-1.4"), "application/pdf")})

	s, err := core.NewTableRef(c, "wide").Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.DecimalOf(12, 3), s.Columns[6].Type)
	assert.Equal(t, types.TextOf(40), s.Columns[8].Type)
	assert.Equal(t, "application/pdf", s.Columns[11].ContentType)
}

func TestHintsAfterFirstBatchAreCounted(t *testing.T) {
	c := open(t, registry.Options{"batch_size": 1})
	schema := core.NewSchema(core.Column{Name: "doc", Type: types.Of(types.Binary), Nullable: true})
	w := write(t, c, "docs", schema, core.ModeReplace,
		types.Row{types.V([]byte("a"))},
		types.Row{types.WithContentType([]byte("b"), "image/png")},
	)
	assert.Equal(t, int64(1), w.(core.ContentTypeDropper).DroppedContentTypes())
}

func TestAppendReencodes(t *testing.T) {
	c := open(t, registry.Options{})
	schema := core.NewSchema(core.Col("n", types.Of(types.Int64)))
	write(t, c, "nums", schema, core.ModeAppend, types.Values(int64(1)))
	write(t, c, "nums", schema, core.ModeAppend, types.Values(int64(2)), types.Values(int64(3)))

	rows := readAll(t, c, "nums")
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r[0].V)
	}
}

func TestEmptyTableHasSchema(t *testing.T) {
	c := open(t, registry.Options{})
	write(t, c, "empty", core.NewSchema(core.Col("n", types.Of(types.Int64))), core.ModeReplace)
	assert.Empty(t, readAll(t, c, "empty"))
	s, err := core.NewTableRef(c, "empty").Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, s.Names())
}
