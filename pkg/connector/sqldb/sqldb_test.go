package sqldb

import (
	"context"
	"io"
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

func openSQLite(t *testing.T, opts registry.Options) *Connector {
	t.Helper()
	if opts == nil {
		opts = registry.Options{}
	}
	opts["dialect"] = "sqlite"
	opts["dsn"] = "file:" + filepath.Join(t.TempDir(), "test.db")
	c, err := registry.Create(Type, "db", opts)
	require.NoError(t, err)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { c.Close(context.Background()) })
	return c.(*Connector)
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

func readAll(t *testing.T, c core.Connector, table string, offset int64) []types.Row {
	t.Helper()
	ctx := context.Background()
	r, err := c.OpenReader(ctx, core.NewTableRef(c, table), core.ReadOptions{Offset: offset})
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

func numbers(n int) []types.Row {
	rows := make([]types.Row, n)
	for i := range rows {
		rows[i] = types.Values(int64(i+1), "v")
	}
	return rows
}

var numSchema = core.NewSchema(core.Col("id", types.Of(types.Int64)), core.Col("label", types.TextOf(10)))

func TestSQLiteRoundTrip(t *testing.T) {
	c := openSQLite(t, nil)
	schema := core.NewSchema(
		core.Column{Name: "id", Type: types.Of(types.Int64)},
		core.Col("ok", types.Of(types.Boolean)),
		core.Col("ratio", types.Of(types.Float64)),
		core.Column{Name: "price", Type: types.DecimalOf(10, 2), Nullable: true},
		core.Col("name", types.TextOf(20)),
		core.Col("day", types.Of(types.Date)),
		core.Col("at", types.Of(types.Timestamp)),
		core.Col("blob", types.Of(types.Binary)),
	)
	at := time.Date(2024, 2, 29, 13, 14, 15, 0, time.UTC)
	in := []types.Row{
		types.Values(int64(1), true, 0.5, decimal.RequireFromString("12.34"), "ann", at.Truncate(24*time.Hour), at, []byte{1, 2}),
		types.Values(int64(2), false, -1.25, nil, "bob", at.Truncate(24*time.Hour), at, []byte{0xff}),
	}
	w := write(t, c, "things", schema, core.ModeReplace, in...)
	assert.Equal(t, int64(2), w.Committed())

	s, err := core.NewTableRef(c, "things").Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.DecimalOf(10, 2), s.Columns[3].Type)
	assert.Equal(t, types.TextOf(20), s.Columns[4].Type)
	assert.Equal(t, types.Boolean, s.Columns[1].Type.Kind)
	assert.False(t, s.Columns[0].Nullable)

	out := readAll(t, c, "things", 0)
	require.Len(t, out, 2)
	for i := range in {
		assert.True(t, in[i].Equal(out[i]), "row %d: %v != %v", i, in[i], out[i])
	}
}

func TestReplaceIsIdempotent(t *testing.T) {
	c := openSQLite(t, nil)
	write(t, c, "nums", numSchema, core.ModeReplace, numbers(5)...)
	write(t, c, "nums", numSchema, core.ModeReplace, numbers(3)...)
	write(t, c, "nums", numSchema, core.ModeReplace, numbers(3)...)

	n, err := c.CountRows(context.Background(), core.NewTableRef(c, "nums"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestAbortedReplaceKeepsOldTable(t *testing.T) {
	ctx := context.Background()
	c := openSQLite(t, nil)
	write(t, c, "nums", numSchema, core.ModeReplace, numbers(4)...)

	w, err := c.OpenWriter(ctx, core.NewTableRef(c, "nums"), numSchema, core.ModeReplace)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, types.Values(int64(99), "x")))
	require.NoError(t, w.Abort(ctx))

	assert.Len(t, readAll(t, c, "nums", 0), 4)
}

func TestAppendCommitsIncrementally(t *testing.T) {
	ctx := context.Background()
	c := openSQLite(t, registry.Options{"commit_every": 3, "batch_size": 100})

	w, err := c.OpenWriter(ctx, core.NewTableRef(c, "nums"), numSchema, core.ModeAppend)
	require.NoError(t, err)
	for _, r := range numbers(7) {
		require.NoError(t, w.Write(ctx, r))
	}
	assert.Equal(t, int64(6), w.Committed())
	require.NoError(t, w.Abort(ctx))

	// rows committed before the abort survive; a resumed read continues after them
	rows := readAll(t, c, "nums", 0)
	assert.Len(t, rows, 6)
	tail := readAll(t, c, "nums", 4)
	require.Len(t, tail, 2)
	assert.Equal(t, int64(5), tail[0][0].V)
}

func TestCreateFailsWhenPresent(t *testing.T) {
	c := openSQLite(t, nil)
	write(t, c, "nums", numSchema, core.ModeCreate)
	_, err := c.OpenWriter(context.Background(), core.NewTableRef(c, "nums"), numSchema, core.ModeCreate)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnector))
}

func TestListTablesAndExists(t *testing.T) {
	ctx := context.Background()
	c := openSQLite(t, nil)
	for _, name := range []string{"orders", "order_lines", "customers"} {
		write(t, c, name, numSchema, core.ModeReplace)
	}
	var names []string
	for ref, err := range c.ListTables(ctx, core.Filter{Pattern: "order*"}) {
		require.NoError(t, err)
		names = append(names, ref.Name())
	}
	assert.Equal(t, []string{"order_lines", "orders"}, names)

	ok, err := c.Exists(ctx, core.NewTableRef(c, "customers"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Exists(ctx, core.NewTableRef(c, "nope"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMissingTableIsNotFound(t *testing.T) {
	c := openSQLite(t, nil)
	_, err := c.OpenReader(context.Background(), core.NewTableRef(c, "nope"), core.ReadOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestIdentifierQuoting(t *testing.T) {
	c := openSQLite(t, nil)
	schema := core.NewSchema(core.Col(`we"ird col`, types.Of(types.Int64)), core.Col("select", types.Of(types.Text)))
	write(t, c, `odd "name"`, schema, core.ModeReplace, types.Values(int64(1), "x"))
	rows := readAll(t, c, `odd "name"`, 0)
	require.Len(t, rows, 1)
}

func TestDialectQuoting(t *testing.T) {
	tests := []struct {
		dialect string
		in      string
		want    string
	}{
		{"sqlite", `a"b`, `"a""b"`},
		{"postgres", `a"b`, `"a""b"`},
		{"mysql", "a`b", "`a``b`"},
		{"sqlserver", "a]b", "[a]]b]"},
	}
	for _, tt := range tests {
		d, ok := lookupDialect(tt.dialect)
		require.True(t, ok)
		assert.Equal(t, tt.want, d.quote(tt.in), tt.dialect)
	}
}

func TestProjectionPerDialect(t *testing.T) {
	tests := []struct {
		dialect string
		in      types.CanonicalType
		want    string
	}{
		{"postgres", types.TextOf(40), "varchar(40)"},
		{"postgres", types.Of(types.Text), "text"},
		{"mysql", types.TextOf(100000), "longtext"},
		{"sqlserver", types.TextOf(5000), "nvarchar(max)"},
		{"sqlserver", types.DecimalOf(50, 4), "decimal(38,4)"},
		{"sqlite", types.Of(types.Float32), "double"},
		{"mysql", types.Of(types.Timestamp), "datetime(6)"},
	}
	for _, tt := range tests {
		d, _ := lookupDialect(tt.dialect)
		p, err := types.Project(tt.in, d.mapping)
		require.NoError(t, err)
		assert.Equal(t, tt.want, p.Native.String(), "%s %s", tt.dialect, tt.in)
	}
}

func TestInvalidConfig(t *testing.T) {
	_, err := New("x", &config.SQLConnectorConfig{Dialect: "oracle", DSN: "x", ConnectorConfig: config.ConnectorConfig{BatchSize: 1}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
	_, err = New("x", &config.SQLConnectorConfig{Dialect: "sqlite", ConnectorConfig: config.ConnectorConfig{BatchSize: 1}})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
