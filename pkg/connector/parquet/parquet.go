// Package parquet stores tables as Parquet files, one file per table. Column
// values go through the same arrow mapping as the arrow connector; the
// canonical types also travel in the file key/value metadata so that readers
// that drop field metadata still get them back.
package parquet

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/arrowipc"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the parquet connector
const Type = "parquet"

func init() {
	registry.MustRegister(Type, Factory)
}

// Connector is a directory of Parquet files.
type Connector struct {
	*base.FileConnector
}

var _ core.Connector = (*Connector)(nil)

// Factory builds a parquet connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg, _, err := base.DecodeFileConfig(opts)
	if err != nil {
		return nil, err
	}
	return New(name, cfg)
}

// New creates a parquet connector. The compression option selects the
// column chunk codec; the files themselves are not wrapped.
func New(name string, cfg *config.FileConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid parquet options")
	}
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
	}
	codec, err := codecOf(algo)
	if err != nil {
		return nil, err
	}
	caps := core.Capabilities{
		StreamingWrite:        true,
		SchemaCreation:        true,
		MaxConcurrentSessions: cfg.MaxSessions,
		ConcurrentRead:        true,
		AtomicReplace:         true,
		PreservesContentType:  true,
	}
	b := base.NewBase(name, Type, caps, types.Canonical(Type))
	store := base.NewFileStore(cfg.Path, ".parquet", compression.None, cfg.CreateDirs)
	f := &format{batchSize: cfg.BatchSize, codec: codec, alloc: memory.NewGoAllocator()}
	return &Connector{FileConnector: base.NewFileConnector(b, store, f)}, nil
}

func codecOf(algo compression.Algorithm) (compress.Compression, error) {
	switch algo {
	case compression.None:
		return compress.Codecs.Uncompressed, nil
	case compression.Gzip:
		return compress.Codecs.Gzip, nil
	case compression.Snappy:
		return compress.Codecs.Snappy, nil
	case compression.Zstd:
		return compress.Codecs.Zstd, nil
	case compression.LZ4:
		return compress.Codecs.Lz4Raw, nil
	}
	return compress.Codecs.Uncompressed, errors.Newf(errors.ErrorTypeConfig, "parquet has no %s codec", algo)
}

type format struct {
	batchSize int
	codec     compress.Compression
	alloc     memory.Allocator
}

func (f *format) Ext() string { return ".parquet" }

func (f *format) SelfDescribing() bool { return true }

func (f *format) NewEncoder(w io.Writer, schema *core.Schema, appending bool) (base.RowEncoder, error) {
	return &encoder{out: w, schema: schema, batchSize: f.batchSize, codec: f.codec, alloc: f.alloc}, nil
}

func (f *format) NewDecoder(r io.Reader, schema *core.Schema) (base.RowDecoder, error) {
	pf, fr, err := f.open(r)
	if err != nil {
		return nil, err
	}
	rr, err := fr.GetRecordReader(context.Background(), nil, nil)
	if err != nil {
		pf.Close()
		return nil, err
	}
	return &decoder{pf: pf, rr: rr, schema: schema}, nil
}

func (f *format) InferSchema(r io.Reader) (*core.Schema, error) {
	pf, fr, err := f.open(r)
	if err != nil {
		return nil, err
	}
	defer pf.Close()
	as, err := fr.Schema()
	if err != nil {
		return nil, err
	}
	return arrowipc.FromArrowSchema(restoreFieldMetadata(as))
}

// open loads the whole file: the footer sits at the end and the store hands
// out streams.
func (f *format) open(r io.Reader) (*file.Reader, *pqarrow.FileReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, err
	}
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.ErrorTypeSchemaMismatch, "not a parquet file")
	}
	batch := int64(f.batchSize)
	if batch <= 0 {
		batch = 1024
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{BatchSize: batch}, f.alloc)
	if err != nil {
		pf.Close()
		return nil, nil, err
	}
	return pf, fr, nil
}

// fileSchema adds the per column metadata to the schema level metadata,
// which parquet keeps as file key/value pairs.
func fileSchema(s *core.Schema) *arrow.Schema {
	as := arrowipc.ToArrowSchema(s)
	var keys, vals []string
	for _, c := range s.Columns {
		keys = append(keys, arrowipc.MetaType+":"+c.Name)
		vals = append(vals, c.Type.String())
		if c.ContentType != "" {
			keys = append(keys, arrowipc.MetaContentType+":"+c.Name)
			vals = append(vals, c.ContentType)
		}
	}
	md := arrow.NewMetadata(keys, vals)
	return arrow.NewSchema(as.Fields(), &md)
}

// restoreFieldMetadata copies the file level column entries back onto
// fields that came back without them.
func restoreFieldMetadata(as *arrow.Schema) *arrow.Schema {
	md := as.Metadata()
	if md.Len() == 0 {
		return as
	}
	fields := as.Fields()
	for i, f := range fields {
		if f.Metadata.FindKey(arrowipc.MetaType) >= 0 {
			continue
		}
		var keys, vals []string
		for _, k := range []string{arrowipc.MetaType, arrowipc.MetaContentType} {
			if j := md.FindKey(k + ":" + f.Name); j >= 0 {
				keys = append(keys, k)
				vals = append(vals, md.Values()[j])
			}
		}
		if len(keys) == 0 {
			continue
		}
		for j, k := range f.Metadata.Keys() {
			if !strings.HasPrefix(k, "tabulify.") {
				keys = append(keys, k)
				vals = append(vals, f.Metadata.Values()[j])
			}
		}
		fields[i].Metadata = arrow.NewMetadata(keys, vals)
	}
	return arrow.NewSchema(fields, &md)
}

// writeOnly hides Close from the parquet writer, which would otherwise
// close the table sink on Close.
type writeOnly struct{ io.Writer }

// encoder buffers rows into record batches, one row group each. The file
// writer, and with it the column metadata, starts with the first batch.
type encoder struct {
	out       io.Writer
	schema    *core.Schema
	batchSize int
	codec     compress.Compression
	alloc     memory.Allocator

	writer     *pqarrow.FileWriter
	fileSchema *arrow.Schema
	builder    *array.RecordBuilder
	pending    int
}

func (e *encoder) SchemaFrozen() bool { return e.writer != nil }

func (e *encoder) Encode(row types.Row) error {
	if e.builder == nil {
		e.builder = array.NewRecordBuilder(e.alloc, arrowipc.ToArrowSchema(e.schema))
	}
	for i, v := range row {
		if err := arrowipc.AppendValue(e.builder.Field(i), v, e.schema.Columns[i]); err != nil {
			return err
		}
	}
	e.pending++
	if e.pending >= e.batchSize {
		return e.flush()
	}
	return nil
}

func (e *encoder) flush() error {
	if e.writer == nil {
		e.fileSchema = fileSchema(e.schema)
		props := parquet.NewWriterProperties(parquet.WithCompression(e.codec))
		w, err := pqarrow.NewFileWriter(e.fileSchema, writeOnly{e.out}, props,
			pqarrow.NewArrowWriterProperties(pqarrow.WithAllocator(e.alloc), pqarrow.WithStoreSchema()))
		if err != nil {
			return err
		}
		e.writer = w
	}
	if e.pending == 0 {
		return nil
	}
	built := e.builder.NewRecord()
	defer built.Release()
	rec := array.NewRecord(e.fileSchema, built.Columns(), built.NumRows())
	defer rec.Release()
	e.pending = 0
	return e.writer.Write(rec)
}

func (e *encoder) Close() error {
	if err := e.flush(); err != nil {
		return err
	}
	if e.builder != nil {
		e.builder.Release()
		e.builder = nil
	}
	return e.writer.Close()
}

type decoder struct {
	pf     *file.Reader
	rr     pqarrow.RecordReader
	schema *core.Schema
	rec    arrow.Record
	row    int
	done   bool
}

func (d *decoder) Decode() (types.Row, error) {
	for d.rec == nil || d.row >= int(d.rec.NumRows()) {
		if d.done {
			return nil, io.EOF
		}
		if !d.rr.Next() {
			d.done = true
			err := d.rr.Err()
			d.rr.Release()
			d.pf.Close()
			if err != nil && err != io.EOF {
				return nil, err
			}
			return nil, io.EOF
		}
		d.rec = d.rr.Record()
		d.row = 0
	}
	row := make(types.Row, d.rec.NumCols())
	for i := range row {
		v, err := arrowipc.ValueAt(d.rec.Column(i), d.row, d.schema.Columns[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	d.row++
	return row, nil
}
