package csv

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

func open(t *testing.T, opts registry.Options) core.Connector {
	t.Helper()
	if _, ok := opts["path"]; !ok {
		opts["path"] = t.TempDir()
	}
	c, err := registry.Create(Type, "files", opts)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func orders() *core.Schema {
	return core.NewSchema(
		core.Col("id", types.Of(types.Int64)),
		core.Column{Name: "amount", Type: types.DecimalOf(10, 2), Nullable: true},
		core.Col("placed", types.Of(types.Date)),
		core.Col("doc", types.Of(types.Binary)),
		core.Col("note", types.Of(types.Text)),
	)
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

func TestRoundTrip(t *testing.T) {
	for _, algo := range []string{"none", "gzip", "zstd"} {
		t.Run(algo, func(t *testing.T) {
			c := open(t, registry.Options{"compression": algo})
			day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
			in := []types.Row{
				{types.V(int64(1)), types.V(decimal.RequireFromString("10.50")), types.V(day),
					types.WithContentType([]byte("%PDF-1.4"), "application/pdf"), types.V("a, \"quoted\" note")},
				{types.V(int64(2)), types.Null, types.V(day.AddDate(0, 0, 1)),
					types.WithContentType([]byte("%PDF-1.5"), "application/pdf"), types.V("")},
			}
			w := write(t, c, "orders", orders(), core.ModeReplace, in...)
			assert.Equal(t, int64(2), w.Committed())

			out := readAll(t, c, "orders")
			require.Len(t, out, 2)
			for i := range in {
				assert.True(t, in[i].Equal(out[i]), "row %d: %v != %v", i, in[i], out[i])
			}
		})
	}
}

func TestSchemaFromDataDefinition(t *testing.T) {
	c := open(t, registry.Options{})
	write(t, c, "orders", orders(), core.ModeReplace)

	fresh := core.NewTableRef(c, "orders")
	s, err := fresh.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orders().Names(), s.Names())
	assert.Equal(t, types.DecimalOf(10, 2), s.Columns[1].Type)
}

func TestAppendKeepsSingleHeader(t *testing.T) {
	c := open(t, registry.Options{"compression": "gzip"})
	schema := core.NewSchema(core.Col("n", types.Of(types.Int64)))
	write(t, c, "nums", schema, core.ModeAppend, types.Values(int64(1)), types.Values(int64(2)))
	write(t, c, "nums", schema, core.ModeAppend, types.Values(int64(3)))

	rows := readAll(t, c, "nums")
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[2][0].V)
}

func TestAppendColumnMismatch(t *testing.T) {
	c := open(t, registry.Options{})
	write(t, c, "nums", core.NewSchema(core.Col("n", types.Of(types.Int64))), core.ModeReplace)
	_, err := c.OpenWriter(context.Background(), core.NewTableRef(c, "nums"),
		core.NewSchema(core.Col("a", types.Of(types.Int64)), core.Col("b", types.Of(types.Int64))), core.ModeAppend)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))
}

func TestCreateFailsWhenPresent(t *testing.T) {
	c := open(t, registry.Options{})
	schema := core.NewSchema(core.Col("n", types.Of(types.Int64)))
	write(t, c, "nums", schema, core.ModeCreate)
	_, err := c.OpenWriter(context.Background(), core.NewTableRef(c, "nums"), schema, core.ModeCreate)
	assert.Error(t, err)
}

func TestAbortLeavesPreviousVersion(t *testing.T) {
	ctx := context.Background()
	c := open(t, registry.Options{})
	schema := core.NewSchema(core.Col("n", types.Of(types.Int64)))
	write(t, c, "nums", schema, core.ModeReplace, types.Values(int64(1)))

	w, err := c.OpenWriter(ctx, core.NewTableRef(c, "nums"), schema, core.ModeReplace)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, types.Values(int64(9))))
	require.NoError(t, w.Abort(ctx))

	rows := readAll(t, c, "nums")
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0][0].V)
}

func TestInferTypesWithoutDataDefinition(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "people.csv"), []byte(
		"id;name;active;born;score\n"+
			"1;ann;true;1990-01-02;1.5\n"+
			"2;bob;false;;2\n"+
			"3;;true;1991-05-06;NA\n"), 0o644))

	c := open(t, registry.Options{"path": dir, "delimiter": ";", "infer_types": true, "null_value": "NA"})
	s, err := core.NewTableRef(c, "people").Schema(context.Background())
	require.NoError(t, err)
	got := map[string]types.Kind{}
	for _, col := range s.Columns {
		got[col.Name] = col.Type.Kind
	}
	assert.Equal(t, map[string]types.Kind{
		"id": types.Int64, "name": types.Text, "active": types.Boolean,
		"born": types.Date, "score": types.Float64,
	}, got)

	rows := readAll(t, c, "people")
	require.Len(t, rows, 3)
	assert.True(t, rows[2][4].IsNull())
	assert.Equal(t, 2.0, rows[1][4].V)
}

func TestNoHeaderNamesColumns(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.csv"), []byte("x,1\ny,2\n"), 0o644))
	c := open(t, registry.Options{"path": dir, "header": false})
	s, err := core.NewTableRef(c, "raw").Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, s.Names())
	assert.Len(t, readAll(t, c, "raw"), 2)
}

func TestListTables(t *testing.T) {
	c := open(t, registry.Options{})
	schema := core.NewSchema(core.Col("n", types.Of(types.Int64)))
	for _, name := range []string{"b_orders", "a_orders", "customers"} {
		write(t, c, name, schema, core.ModeReplace)
	}
	var names []string
	for ref, err := range c.ListTables(context.Background(), core.Filter{Pattern: "*_orders"}) {
		require.NoError(t, err)
		names = append(names, ref.Name())
	}
	assert.Equal(t, []string{"a_orders", "b_orders"}, names)
}

func TestMixedContentTypesAreCounted(t *testing.T) {
	ctx := context.Background()
	c := open(t, registry.Options{})
	schema := core.NewSchema(core.Col("doc", types.Of(types.Binary)))
	w, err := c.OpenWriter(ctx, core.NewTableRef(c, "docs"), schema, core.ModeReplace)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, types.Row{types.WithContentType([]byte("a"), "image/png")}))
	require.NoError(t, w.Write(ctx, types.Row{types.WithContentType([]byte("b"), "application/pdf")}))
	require.NoError(t, w.Commit(ctx))

	dropper, ok := w.(core.ContentTypeDropper)
	require.True(t, ok)
	assert.Equal(t, int64(1), dropper.DroppedContentTypes())
}

func TestInvalidOptions(t *testing.T) {
	_, err := New("x", &config.FileConnectorConfig{Path: "", Delimiter: ","})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = registry.Create(Type, "x", registry.Options{"path": t.TempDir(), "compression": "rar"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestMissingDirectory(t *testing.T) {
	c, err := registry.Create(Type, "x", registry.Options{"path": filepath.Join(t.TempDir(), "nope"), "create_dirs": false})
	require.NoError(t, err)
	err = c.Open(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}
