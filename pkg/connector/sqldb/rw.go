package sqldb

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// stagingSuffix names the table a non transactional Replace loads first.
const stagingSuffix = "__tabulify_stage"

// OpenReader selects the table in a fixed order, skipping opts.Offset rows.
func (c *Connector) OpenReader(ctx context.Context, ref *core.TableRef, opts core.ReadOptions) (core.RowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open reader")
	}
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	schema, err := ref.Schema(ctx)
	if err != nil {
		return nil, err
	}
	cols := make([]string, schema.Len())
	for i, col := range schema.Columns {
		cols[i] = c.dialect.quote(col.Name)
	}
	q := "SELECT " + strings.Join(cols, ", ") + " FROM " + c.tableName(ref.Name()) + c.dialect.orderBy
	if opts.Offset > 0 {
		q += c.dialect.offset(opts.Offset)
	}
	c.Logger().Debug("query", zap.String("sql", q))
	rows, err := c.db.QueryContext(ctx, q)
	if err != nil {
		return nil, classify(err, "reading "+ref.Name())
	}
	r := &reader{rows: rows, schema: schema, table: ref.Name()}
	r.dest = make([]interface{}, schema.Len())
	r.ptrs = make([]interface{}, schema.Len())
	for i := range r.dest {
		r.ptrs[i] = &r.dest[i]
	}
	return r, nil
}

type reader struct {
	rows   *sql.Rows
	schema *core.Schema
	table  string
	dest   []interface{}
	ptrs   []interface{}
}

func (r *reader) Schema() *core.Schema { return r.schema }

func (r *reader) Next(ctx context.Context) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "read cancelled")
	}
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return nil, classify(err, "reading "+r.table)
		}
		return nil, io.EOF
	}
	if err := r.rows.Scan(r.ptrs...); err != nil {
		return nil, classify(err, "reading "+r.table)
	}
	row := make(types.Row, len(r.dest))
	for i, raw := range r.dest {
		v, err := fromDriver(raw, r.schema.Columns[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func (r *reader) Close() error { return r.rows.Close() }

// fromDriver converts a scanned driver value to the canonical form of col.
func fromDriver(raw interface{}, col core.Column) (types.Value, error) {
	x := types.Normalize(raw)
	if x == nil {
		return types.Null, nil
	}
	kind := col.Type.Kind
	if b, ok := x.([]byte); ok && kind != types.Binary {
		x = string(b)
	}
	if s, ok := x.(string); ok && (kind == types.Text || kind == types.Unknown) {
		return types.V(s), nil
	}
	v, _, err := types.Convert(types.V(x), col.Type, col.Type)
	if err != nil {
		return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name)
	}
	return v, nil
}

// OpenWriter starts writing a table.
//
// Replace and Create load the rows in one transaction on dialects with
// transactional DDL; on the others they load a staging table that Commit
// renames into place. Append commits every commit_every rows, so Committed
// tells a retry where to resume.
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
	exists, err := c.Exists(ctx, core.NewTableRef(c, ref.Name()))
	if err != nil {
		return nil, err
	}

	w := &writer{
		conn:        c,
		ref:         ref,
		schema:      schema.Clone(),
		mode:        mode,
		target:      ref.Name(),
		commitEvery: c.cfg.CommitEvery,
	}
	w.rowsPerStmt = c.cfg.BatchSize
	if limit := c.dialect.maxParams / max(schema.Len(), 1); w.rowsPerStmt > limit {
		w.rowsPerStmt = limit
	}
	if mode == core.ModeAppend && w.commitEvery > 0 && w.rowsPerStmt > w.commitEvery {
		w.rowsPerStmt = w.commitEvery
	}
	w.rowsPerStmt = max(w.rowsPerStmt, 1)

	switch mode {
	case core.ModeCreate, core.ModeReplace:
		if mode == core.ModeCreate && exists {
			return nil, errors.Newf(errors.ErrorTypeConnector, "table %s already exists", ref.Name())
		}
		if c.dialect.transactionalDDL {
			create, err := w.createStatement(ref.Name())
			if err != nil {
				return nil, err
			}
			if err := w.begin(ctx); err != nil {
				return nil, err
			}
			if exists {
				if err := w.execTx(ctx, "DROP TABLE "+c.tableName(ref.Name())); err != nil {
					w.Abort(ctx)
					return nil, err
				}
			}
			if err := w.execTx(ctx, create); err != nil {
				w.Abort(ctx)
				return nil, err
			}
		} else {
			w.target = ref.Name() + stagingSuffix
			w.staged = true
			w.replaced = exists
			if err := c.exec(ctx, "DROP TABLE IF EXISTS "+c.tableName(w.target)); err != nil {
				return nil, err
			}
			create, err := w.createStatement(w.target)
			if err != nil {
				return nil, err
			}
			if err := c.exec(ctx, create); err != nil {
				return nil, err
			}
			if err := w.begin(ctx); err != nil {
				return nil, err
			}
		}
	case core.ModeAppend:
		if exists {
			current, err := c.ResolveSchema(ctx, ref)
			if err != nil {
				return nil, err
			}
			if current.Len() != schema.Len() {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
					"table %s has %d columns, writer has %d", ref.Name(), current.Len(), schema.Len())
			}
		} else {
			create, err := w.createStatement(ref.Name())
			if err != nil {
				return nil, err
			}
			if err := c.exec(ctx, create); err != nil {
				return nil, err
			}
		}
		w.incremental = true
		if err := w.begin(ctx); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown write mode %q", mode)
	}
	return w, nil
}

type writer struct {
	conn   *Connector
	ref    *core.TableRef
	schema *core.Schema
	mode   core.WriteMode
	// target is the table rows go to: the table itself or its staging copy
	target      string
	staged      bool
	replaced    bool
	incremental bool
	commitEvery int
	rowsPerStmt int

	tx        *sql.Tx
	args      []interface{}
	buffered  int
	inTx      int64
	written   int64
	committed int64
	done      bool
}

// createStatement declares every column with the native type its canonical
// type projects onto in this dialect.
func (w *writer) createStatement(table string) (string, error) {
	c := w.conn
	defs := make([]string, w.schema.Len())
	for i, col := range w.schema.Columns {
		p, err := types.Project(col.Type, c.dialect.mapping)
		if err != nil {
			return "", err
		}
		def := c.dialect.quote(col.Name) + " " + p.Native.String()
		if !col.Nullable {
			def += " NOT NULL"
		}
		defs[i] = def
	}
	return "CREATE TABLE " + c.tableName(table) + " (" + strings.Join(defs, ", ") + ")", nil
}

func (w *writer) begin(ctx context.Context) error {
	tx, err := w.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, "starting transaction")
	}
	w.tx = tx
	return nil
}

func (w *writer) execTx(ctx context.Context, query string, args ...interface{}) error {
	if _, err := w.tx.ExecContext(ctx, query, args...); err != nil {
		return classify(err, "writing "+w.ref.Name())
	}
	return nil
}

func (w *writer) insertStatement(rows int) string {
	d := w.conn.dialect
	cols := make([]string, w.schema.Len())
	for i, col := range w.schema.Columns {
		cols[i] = d.quote(col.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.conn.tableName(w.target), strings.Join(cols, ", "))
	n := 1
	for r := 0; r < rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for i := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(d.placeholder(n))
			n++
		}
		b.WriteByte(')')
	}
	return b.String()
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
			len(row), w.ref.Name(), w.schema.Len())
	}
	for i, v := range row {
		w.args = append(w.args, w.conn.dialect.arg(v, w.schema.Columns[i].Type.Kind))
	}
	w.buffered++
	w.written++
	if w.buffered >= w.rowsPerStmt {
		return w.flush(ctx)
	}
	return nil
}

func (w *writer) flush(ctx context.Context) error {
	if w.buffered == 0 {
		return nil
	}
	if err := w.execTx(ctx, w.insertStatement(w.buffered), w.args...); err != nil {
		return err
	}
	w.inTx += int64(w.buffered)
	w.buffered = 0
	w.args = w.args[:0]
	if w.incremental && w.commitEvery > 0 && w.inTx >= int64(w.commitEvery) {
		if err := w.commitChunk(); err != nil {
			return err
		}
		return w.begin(ctx)
	}
	return nil
}

func (w *writer) commitChunk() error {
	if w.tx == nil {
		return errors.New(errors.ErrorTypeInternal, "no open transaction")
	}
	err := w.tx.Commit()
	w.tx = nil
	if err != nil {
		return classify(err, "committing "+w.ref.Name())
	}
	w.committed += w.inTx
	w.inTx = 0
	return nil
}

func (w *writer) Commit(ctx context.Context) error {
	if w.done {
		return nil
	}
	if err := w.flush(ctx); err != nil {
		w.Abort(ctx)
		return err
	}
	w.done = true
	if err := w.commitChunk(); err != nil {
		w.dropStaging()
		return err
	}
	if w.staged {
		if err := w.swap(ctx); err != nil {
			w.dropStaging()
			return err
		}
	}
	w.ref.Invalidate()
	w.conn.Logger().Debug("table committed",
		zap.String("table", w.ref.Name()),
		zap.Int64("rows", w.committed))
	return nil
}

// swap renames the staging table into place in one RENAME statement, so
// readers never see the table missing.
func (w *writer) swap(ctx context.Context) error {
	c := w.conn
	final := c.tableName(w.ref.Name())
	staged := c.tableName(w.target)
	if !w.replaced {
		return c.exec(ctx, "RENAME TABLE "+staged+" TO "+final)
	}
	old := c.tableName(w.ref.Name() + "__tabulify_old_" + fmt.Sprint(time.Now().UnixNano()))
	if err := c.exec(ctx, "RENAME TABLE "+final+" TO "+old+", "+staged+" TO "+final); err != nil {
		return err
	}
	return c.exec(ctx, "DROP TABLE "+old)
}

func (w *writer) dropStaging() {
	if !w.staged {
		return
	}
	if err := w.conn.exec(context.Background(), "DROP TABLE IF EXISTS "+w.conn.tableName(w.target)); err != nil {
		w.conn.Logger().Warn("failed to drop staging table", zap.String("table", w.target), zap.Error(err))
	}
}

func (w *writer) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	var err error
	if w.tx != nil {
		if rerr := w.tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
			err = classify(rerr, "rolling back "+w.ref.Name())
		}
		w.tx = nil
	}
	w.dropStaging()
	w.inTx, w.buffered = 0, 0
	w.args = nil
	return err
}

func (w *writer) Committed() int64 { return w.committed }
