package base

import (
	"context"
	"io"
	"iter"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// progressInterval spaces the progress lines of long writes.
const progressInterval = 10 * time.Second

// RowEncoder serializes rows into one table version.
type RowEncoder interface {
	Encode(row types.Row) error
	// Close flushes buffered rows; it does not close the underlying writer
	Close() error
}

// RowDecoder parses rows back; Decode returns io.EOF after the last row.
type RowDecoder interface {
	Decode() (types.Row, error)
}

// FileFormat is the codec part of a file connector.
type FileFormat interface {
	// Ext is the data file suffix, e.g. ".csv"
	Ext() string
	// NewEncoder starts encoding; appending is set when the rows follow
	// existing content of the same table
	NewEncoder(w io.Writer, schema *core.Schema, appending bool) (RowEncoder, error)
	NewDecoder(r io.Reader, schema *core.Schema) (RowDecoder, error)
	// InferSchema derives a schema from the data when there is no data
	// definition sidecar
	InferSchema(r io.Reader) (*core.Schema, error)
}

// SelfDescribingFormat stores the schema inside the data file; no sidecar
// is written and InferSchema is exact.
type SelfDescribingFormat interface {
	SelfDescribing() bool
}

// ConcatFormat can append by concatenating encoded content to existing
// bytes. Other formats re-encode the existing rows on append.
type ConcatFormat interface {
	Concatenable() bool
}

// SchemaFreezer is implemented by encoders that write column metadata once;
// hints first seen after the freeze cannot be stored.
type SchemaFreezer interface {
	SchemaFrozen() bool
}

// FileConnector implements core.Connector over a FileStore and a FileFormat.
type FileConnector struct {
	*Base
	store  *FileStore
	format FileFormat
}

// DecodeFileConfig decodes and validates the options of a directory backed
// connector.
func DecodeFileConfig(opts map[string]interface{}) (*config.FileConnectorConfig, compression.Algorithm, error) {
	cfg := config.NewFileConnectorConfig()
	if err := config.DecodeOptions(opts, cfg); err != nil {
		return nil, compression.None, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector options")
	}
	if err := cfg.Validate(); err != nil {
		return nil, compression.None, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector options")
	}
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, compression.None, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	return cfg, algo, nil
}

// NewFileConnector assembles a file connector.
func NewFileConnector(b *Base, store *FileStore, format FileFormat) *FileConnector {
	return &FileConnector{Base: b, store: store, format: format}
}

// Store returns the underlying file store
func (c *FileConnector) Store() *FileStore { return c.store }

func (c *FileConnector) selfDescribing() bool {
	sd, ok := c.format.(SelfDescribingFormat)
	return ok && sd.SelfDescribing()
}

func (c *FileConnector) concatenable() bool {
	cf, ok := c.format.(ConcatFormat)
	return ok && cf.Concatenable()
}

// Open checks the data directory
func (c *FileConnector) Open(ctx context.Context) error {
	return c.Lifecycle.Open(ctx, func(context.Context) error { return c.store.Init() })
}

// Close releases nothing; files are opened per reader and writer
func (c *FileConnector) Close(ctx context.Context) error {
	return c.Lifecycle.Close(ctx, nil)
}

// ListTables lists the data files of the directory
func (c *FileConnector) ListTables(ctx context.Context, filter core.Filter) iter.Seq2[*core.TableRef, error] {
	return Tables(c, func() ([]string, error) {
		if err := c.RequireOpen(); err != nil {
			return nil, err
		}
		return c.store.Tables(filter)
	})
}

// Exists reports whether a data file exists for the table
func (c *FileConnector) Exists(ctx context.Context, ref *core.TableRef) (bool, error) {
	if err := c.RequireOpen(); err != nil {
		return false, err
	}
	return c.store.Exists(ref.Name()), nil
}

// ResolveSchema reads the data definition, or infers the schema from the data.
func (c *FileConnector) ResolveSchema(ctx context.Context, ref *core.TableRef) (*core.Schema, error) {
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	unlock := c.store.ReadLock(ref.Name())
	defer unlock()
	if !c.selfDescribing() {
		s, ok, err := c.store.LoadDef(ref.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			return s, nil
		}
	}
	r, err := c.store.OpenRead(ref.Name())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	s, err := c.format.InferSchema(r)
	if err != nil {
		return nil, ClassifyError(err, "reading schema of "+ref.Name())
	}
	return s, nil
}

// OpenReader decodes a table. Offset is not honoured: file connectors are
// not resumable.
func (c *FileConnector) OpenReader(ctx context.Context, ref *core.TableRef, opts core.ReadOptions) (core.RowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open reader")
	}
	schema, err := ref.Schema(ctx)
	if err != nil {
		return nil, err
	}
	// the definition read here and the file opened below belong to the
	// same committed version
	unlock := c.store.ReadLock(ref.Name())
	if !c.selfDescribing() {
		def, ok, err := c.store.LoadDef(ref.Name())
		if err != nil {
			unlock()
			return nil, err
		}
		if ok {
			schema = def
			ref.SetSchema(def.Clone())
		}
	}
	r, err := c.store.OpenRead(ref.Name())
	unlock()
	if err != nil {
		return nil, err
	}
	dec, err := c.format.NewDecoder(r, schema)
	if err != nil {
		r.Close()
		return nil, ClassifyError(err, "decoding "+ref.Name())
	}
	return &fileRowReader{schema: schema, file: r, dec: dec, table: ref.Name()}, nil
}

type fileRowReader struct {
	schema *core.Schema
	file   io.ReadCloser
	dec    RowDecoder
	table  string
}

func (r *fileRowReader) Schema() *core.Schema { return r.schema }

func (r *fileRowReader) Next(ctx context.Context) (types.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "read cancelled")
	}
	row, err := r.dec.Decode()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, ClassifyError(err, "reading "+r.table)
	}
	r.schema.ApplyColumnContentTypes(row)
	return row, nil
}

func (r *fileRowReader) Close() error { return r.file.Close() }

// OpenWriter starts a new table version; it becomes visible on Commit.
func (c *FileConnector) OpenWriter(ctx context.Context, ref *core.TableRef, schema *core.Schema, mode core.WriteMode) (core.RowWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open writer")
	}
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	if err := schema.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "invalid schema for "+ref.Name())
	}
	name := ref.Name()
	exists := c.store.Exists(name)
	schema = schema.Clone()

	var previous *core.Schema
	switch mode {
	case core.ModeCreate:
		if exists {
			return nil, errors.Newf(errors.ErrorTypeConnector, "table %s already exists", name)
		}
	case core.ModeAppend:
		if exists {
			prev, err := c.ResolveSchema(ctx, ref)
			if err != nil {
				return nil, err
			}
			if prev.Len() != schema.Len() {
				return nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
					"table %s has %d columns, writer has %d", name, prev.Len(), schema.Len())
			}
			previous = prev
			// keep the hints already recorded for the table
			for i := range schema.Columns {
				if schema.Columns[i].ContentType == "" {
					schema.Columns[i].ContentType = prev.Columns[i].ContentType
				}
			}
		}
	case core.ModeReplace:
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown write mode %q", mode)
	}

	appendBytes := mode == core.ModeAppend && exists && c.concatenable()
	sink, err := c.store.Create(name, appendBytes)
	if err != nil {
		return nil, err
	}
	enc, err := c.format.NewEncoder(sink, schema, sink.Existing)
	if err != nil {
		sink.Abort()
		return nil, ClassifyError(err, "encoding "+name)
	}
	w := &fileRowWriter{conn: c, ref: ref, schema: schema, sink: sink, enc: enc,
		progress: NewProgressReporter(c.Logger().With(zap.String("table", name)), progressInterval)}

	if mode == core.ModeAppend && exists && !appendBytes {
		if err := w.copyExisting(ctx, previous); err != nil {
			w.Abort(ctx)
			return nil, err
		}
	}
	return w, nil
}

type fileRowWriter struct {
	conn   *FileConnector
	ref    *core.TableRef
	schema *core.Schema
	sink   *FileSink
	enc    RowEncoder

	progress  *ProgressReporter
	committed int64
	dropped   atomic.Int64
	done      bool
}

// copyExisting re-encodes the current content for formats that cannot be
// concatenated.
func (w *fileRowWriter) copyExisting(ctx context.Context, schema *core.Schema) error {
	r, err := w.conn.store.OpenRead(w.ref.Name())
	if err != nil {
		return err
	}
	defer r.Close()
	dec, err := w.conn.format.NewDecoder(r, schema)
	if err != nil {
		return ClassifyError(err, "decoding "+w.ref.Name())
	}
	for {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "append cancelled")
		}
		row, err := dec.Decode()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return ClassifyError(err, "reading "+w.ref.Name())
		}
		schema.ApplyColumnContentTypes(row)
		if err := w.enc.Encode(row); err != nil {
			return ClassifyError(err, "writing "+w.ref.Name())
		}
	}
}

func (w *fileRowWriter) Write(ctx context.Context, row types.Row) error {
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
	if f, ok := w.enc.(SchemaFreezer); ok && f.SchemaFrozen() {
		for i, v := range row {
			if v.ContentType != "" && v.ContentType != w.schema.Columns[i].ContentType {
				w.dropped.Add(1)
			}
		}
	} else {
		w.dropped.Add(int64(w.schema.CollectContentTypes(row)))
	}
	if err := w.enc.Encode(row); err != nil {
		return ClassifyError(err, "writing "+w.ref.Name())
	}
	w.progress.Add(1)
	return nil
}

func (w *fileRowWriter) Commit(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.enc.Close(); err != nil {
		w.sink.Abort()
		return ClassifyError(err, "flushing "+w.ref.Name())
	}
	var def *core.Schema
	if !w.conn.selfDescribing() {
		def = w.schema
	}
	if err := w.sink.Commit(def); err != nil {
		return err
	}
	w.ref.SetSchema(w.schema.Clone())
	w.committed = w.progress.Finish()
	w.conn.Logger().Debug("table committed",
		zap.String("table", w.ref.Name()),
		zap.Int64("rows", w.committed))
	return nil
}

func (w *fileRowWriter) Abort(ctx context.Context) error {
	if w.done {
		return nil
	}
	w.done = true
	w.enc.Close()
	return w.sink.Abort()
}

func (w *fileRowWriter) Committed() int64 { return w.committed }

// DroppedContentTypes counts value hints that could not be stored at
// column level
func (w *fileRowWriter) DroppedContentTypes() int64 { return w.dropped.Load() }
