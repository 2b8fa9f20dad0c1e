package memory

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

func schema() *core.Schema {
	return core.NewSchema(
		core.Col("id", types.Of(types.Int64)),
		core.Col("doc", types.Of(types.Binary)),
	)
}

func open(t *testing.T, cfg config.ConnectorConfig) *Connector {
	t.Helper()
	c := New("mem", cfg)
	require.NoError(t, c.Open(context.Background()))
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func readAll(t *testing.T, c core.Connector, name string, offset int64) []types.Row {
	t.Helper()
	ctx := context.Background()
	r, err := c.OpenReader(ctx, core.NewTableRef(c, name), core.ReadOptions{Offset: offset})
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

func TestReplaceRoundTripKeepsContentType(t *testing.T) {
	c := open(t, config.ConnectorConfig{})
	ctx := context.Background()
	ref := core.NewTableRef(c, "docs")

	rows := []types.Row{
		{types.V(int64(1)), types.WithContentType([]byte("%PDF-1.4"), "application/pdf")},
		{types.V(int64(2)), types.Null},
	}
	w, err := c.OpenWriter(ctx, ref, schema(), core.ModeReplace)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, w.Write(ctx, r))
	}
	assert.Empty(t, c.Rows("docs"), "nothing visible before commit")
	require.NoError(t, w.Commit(ctx))
	assert.Equal(t, int64(2), w.Committed())

	got := readAll(t, c, "docs", 0)
	require.Len(t, got, 2)
	for i := range rows {
		assert.True(t, rows[i].Equal(got[i]))
	}

	n, err := c.CountRows(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestAppendCommitsIncrementally(t *testing.T) {
	c := open(t, config.ConnectorConfig{CommitEvery: 2})
	ctx := context.Background()
	ref := core.NewTableRef(c, "t")

	w, err := c.OpenWriter(ctx, ref, schema(), core.ModeAppend)
	require.NoError(t, err)
	for i := int64(0); i < 5; i++ {
		require.NoError(t, w.Write(ctx, types.Values(i, nil)))
	}
	assert.Equal(t, int64(4), w.Committed())
	assert.Len(t, c.Rows("t"), 4)

	require.NoError(t, w.Abort(ctx))
	assert.Len(t, c.Rows("t"), 4, "abort keeps committed batches")

	rest := readAll(t, c, "t", 3)
	require.Len(t, rest, 1)
	assert.Equal(t, int64(3), rest[0][0].V)
}

func TestCreateFailsWhenTableExists(t *testing.T) {
	c := open(t, config.ConnectorConfig{})
	c.Put("t", schema())
	_, err := c.OpenWriter(context.Background(), core.NewTableRef(c, "t"), schema(), core.ModeCreate)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConnector, errors.CategoryOf(err))
}

func TestReaderSeesSnapshot(t *testing.T) {
	c := open(t, config.ConnectorConfig{})
	ctx := context.Background()
	c.Put("t", schema(), types.Values(int64(1), nil))

	r, err := c.OpenReader(ctx, core.NewTableRef(c, "t"), core.ReadOptions{})
	require.NoError(t, err)
	c.Put("t", schema(), types.Values(int64(7), nil), types.Values(int64(8), nil))

	row, err := r.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row[0].V)
	_, err = r.Next(ctx)
	assert.Equal(t, io.EOF, err)
}

func TestClosedConnectorRefusesWork(t *testing.T) {
	c := New("mem", config.ConnectorConfig{})
	c.Put("t", schema())
	_, err := c.OpenReader(context.Background(), core.NewTableRef(c, "t"), core.ReadOptions{})
	assert.Error(t, err)
}

func TestListTablesAndSchema(t *testing.T) {
	c := open(t, config.ConnectorConfig{})
	c.Put("orders", schema())
	c.Put("customers", schema())
	c.Put("audit", schema())

	var names []string
	for ref, err := range c.ListTables(context.Background(), core.Filter{Pattern: "*s"}) {
		require.NoError(t, err)
		names = append(names, ref.Name())
	}
	assert.Equal(t, []string{"customers", "orders"}, names)

	ref := core.NewTableRef(c, "orders")
	s, err := ref.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "doc"}, s.Names())

	_, err = core.NewTableRef(c, "missing").Schema(context.Background())
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestFactoryDecodesOptions(t *testing.T) {
	conn, err := registry.Create(Type, "scratch", registry.Options{"commit_every": 5, "max_sessions": 2})
	require.NoError(t, err)
	assert.Equal(t, "scratch", conn.Name())
	assert.Equal(t, 2, conn.Capabilities().MaxConcurrentSessions)
	assert.Equal(t, 5, conn.(*Connector).commitEvery)
}
