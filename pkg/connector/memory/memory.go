// Package memory is an in-process connector. Tables are slices of rows
// guarded by a lock; content type hints are kept on every value. The engine
// also uses it, privately, to back intermediate nodes.
package memory

import (
	"context"
	"io"
	"iter"
	"sort"
	"sync"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the memory connector
const Type = "memory"

func init() {
	registry.MustRegister(Type, Factory)
}

// Factory builds a memory connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg := config.ConnectorConfig{CommitEvery: 1000}
	if err := config.DecodeOptions(opts, &cfg); err != nil {
		return nil, err
	}
	return New(name, cfg), nil
}

type table struct {
	schema *core.Schema
	rows   []types.Row
}

// Connector keeps tables in memory.
type Connector struct {
	*base.Base
	commitEvery int

	mu     sync.RWMutex
	tables map[string]*table
}

var _ core.Connector = (*Connector)(nil)
var _ core.RowCounter = (*Connector)(nil)

// New creates a memory connector. CommitEvery controls how often Append
// writers publish rows; MaxSessions bounds concurrent sessions.
func New(name string, cfg config.ConnectorConfig) *Connector {
	if cfg.CommitEvery <= 0 {
		cfg.CommitEvery = 1000
	}
	caps := core.Capabilities{
		Transactions:          true,
		StreamingWrite:        true,
		SchemaCreation:        true,
		MaxConcurrentSessions: cfg.MaxSessions,
		ConcurrentRead:        true,
		AtomicReplace:         true,
		Resumable:             true,
		PreservesContentType:  true,
	}
	return &Connector{
		Base:        base.NewBase(name, Type, caps, types.Canonical(Type)),
		commitEvery: cfg.CommitEvery,
		tables:      make(map[string]*table),
	}
}

// Open marks the connector open
func (c *Connector) Open(ctx context.Context) error {
	return c.Lifecycle.Open(ctx, nil)
}

// Close marks the connector closed. Tables survive a close.
func (c *Connector) Close(ctx context.Context) error {
	return c.Lifecycle.Close(ctx, nil)
}

// ListTables lists tables in name order
func (c *Connector) ListTables(ctx context.Context, filter core.Filter) iter.Seq2[*core.TableRef, error] {
	return base.Tables(c, func() ([]string, error) {
		if err := c.RequireOpen(); err != nil {
			return nil, err
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		names := make([]string, 0, len(c.tables))
		for name := range c.tables {
			if base.MatchTable(filter, name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	})
}

func (c *Connector) lookup(name string) (*table, error) {
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "table %s not found in %s", name, c.Name())
	}
	return t, nil
}

// ResolveSchema returns the stored schema
func (c *Connector) ResolveSchema(ctx context.Context, ref *core.TableRef) (*core.Schema, error) {
	t, err := c.lookup(ref.Name())
	if err != nil {
		return nil, err
	}
	return t.schema.Clone(), nil
}

// Exists reports whether the table exists
func (c *Connector) Exists(ctx context.Context, ref *core.TableRef) (bool, error) {
	if err := c.RequireOpen(); err != nil {
		return false, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.tables[ref.Name()]
	return ok, nil
}

// CountRows returns the number of committed rows
func (c *Connector) CountRows(ctx context.Context, ref *core.TableRef) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[ref.Name()]
	if !ok {
		return 0, errors.Newf(errors.ErrorTypeNotFound, "table %s not found in %s", ref.Name(), c.Name())
	}
	return int64(len(t.rows)), nil
}

// Put creates or replaces a table with the given rows.
func (c *Connector) Put(name string, schema *core.Schema, rows ...types.Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tables[name] = &table{schema: schema.Clone(), rows: rows[:len(rows):len(rows)]}
}

// Rows returns a snapshot of the committed rows of a table.
func (c *Connector) Rows(name string) []types.Row {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil
	}
	out := make([]types.Row, len(t.rows))
	copy(out, t.rows)
	return out
}

// Drop removes a table.
func (c *Connector) Drop(name string) {
	c.mu.Lock()
	delete(c.tables, name)
	c.mu.Unlock()
}

// OpenReader reads a snapshot of the table taken at open time.
func (c *Connector) OpenReader(ctx context.Context, ref *core.TableRef, opts core.ReadOptions) (core.RowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open reader")
	}
	t, err := c.lookup(ref.Name())
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	rows := t.rows
	schema := t.schema
	c.mu.RUnlock()

	pos := int(opts.Offset)
	if pos > len(rows) {
		pos = len(rows)
	}
	return &reader{schema: schema, rows: rows, pos: pos}, nil
}

type reader struct {
	schema *core.Schema
	rows   []types.Row
	pos    int
}

func (r *reader) Schema() *core.Schema { return r.schema }

func (r *reader) Next(ctx context.Context) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "read cancelled")
	}
	if r.pos >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.pos].Clone()
	r.pos++
	return row, nil
}

func (r *reader) Close() error { return nil }

// OpenWriter opens a writer in the given mode.
func (c *Connector) OpenWriter(ctx context.Context, ref *core.TableRef, schema *core.Schema, mode core.WriteMode) (core.RowWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open writer")
	}
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "invalid schema for "+ref.Name())
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, exists := c.tables[ref.Name()]
	switch mode {
	case core.ModeCreate:
		if exists {
			return nil, errors.Newf(errors.ErrorTypeConnector, "table %s already exists", ref.Name())
		}
	case core.ModeAppend:
		if exists && existing.schema.Len() != schema.Len() {
			return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
				"table %s has %d columns, writer has %d", ref.Name(), existing.schema.Len(), schema.Len())
		}
		if !exists {
			c.tables[ref.Name()] = &table{schema: schema.Clone()}
		}
	case core.ModeReplace:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown write mode %q", mode)
	}
	ref.SetSchema(schema.Clone())
	return &writer{conn: c, name: ref.Name(), schema: schema.Clone(), mode: mode}, nil
}

type writer struct {
	conn   *Connector
	name   string
	schema *core.Schema
	mode   core.WriteMode

	pending   []types.Row
	committed int64
	done      bool
}

func (w *writer) Write(ctx context.Context, row types.Row) error {
	if w.done {
		return errors.New(errors.ErrorTypeInternal, "write after commit or abort")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "write cancelled")
	}
	if len(row) != w.schema.Len() {
		return errors.Newf(errors.ErrorTypeSchemaMismatch, "row has %d values, table %s has %d columns",
			len(row), w.name, w.schema.Len())
	}
	w.pending = append(w.pending, row.Clone())
	if w.mode == core.ModeAppend && len(w.pending) >= w.conn.commitEvery {
		w.flush()
	}
	return nil
}

// flush publishes pending rows of an Append writer.
func (w *writer) flush() {
	w.conn.mu.Lock()
	t := w.conn.tables[w.name]
	if t == nil {
		t = &table{schema: w.schema.Clone()}
		w.conn.tables[w.name] = t
	}
	// readers hold their own slice header, so growing in place is safe
	t.rows = append(t.rows, w.pending...)
	w.conn.mu.Unlock()
	w.committed += int64(len(w.pending))
	w.pending = nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	switch w.mode {
	case core.ModeAppend:
		w.flush()
	default:
		w.conn.mu.Lock()
		if w.mode == core.ModeCreate {
			if _, exists := w.conn.tables[w.name]; exists {
				w.conn.mu.Unlock()
				return errors.Newf(errors.ErrorTypeConnector, "table %s already exists", w.name)
			}
		}
		w.conn.tables[w.name] = &table{schema: w.schema, rows: w.pending}
		w.conn.mu.Unlock()
		w.committed = int64(len(w.pending))
		w.pending = nil
	}
	return nil
}

func (w *writer) Abort(ctx context.Context) error {
	w.done = true
	w.pending = nil
	return nil
}

func (w *writer) Committed() int64 { return w.committed }
