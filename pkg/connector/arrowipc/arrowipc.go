// Package arrowipc stores tables as Arrow IPC streams, one file per table.
// The canonical type and the content type hint of each column travel in the
// field metadata, so no data definition sidecar is needed.
package arrowipc

import (
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/decimal128"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the arrow connector
const Type = "arrow"

// Field metadata keys carrying the canonical type and the content type hint.
const (
	MetaType        = "tabulify.type"
	MetaContentType = "tabulify.content_type"
)

func init() {
	registry.MustRegister(Type, Factory)
}

// Connector is a directory of Arrow IPC stream files.
type Connector struct {
	*base.FileConnector
}

var _ core.Connector = (*Connector)(nil)

// Factory builds an arrow connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg, _, err := base.DecodeFileConfig(opts)
	if err != nil {
		return nil, err
	}
	return New(name, cfg)
}

// New creates an arrow connector.
func New(name string, cfg *config.FileConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid arrow options")
	}
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid compression")
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
	store := base.NewFileStore(cfg.Path, ".arrow", algo, cfg.CreateDirs)
	f := &format{batchSize: cfg.BatchSize, alloc: memory.NewGoAllocator()}
	return &Connector{FileConnector: base.NewFileConnector(b, store, f)}, nil
}

type format struct {
	batchSize int
	alloc     memory.Allocator
}

func (f *format) Ext() string { return ".arrow" }

func (f *format) SelfDescribing() bool { return true }

func (f *format) NewEncoder(w io.Writer, schema *core.Schema, appending bool) (base.RowEncoder, error) {
	return &encoder{out: w, schema: schema, batchSize: f.batchSize, alloc: f.alloc}, nil
}

func (f *format) NewDecoder(r io.Reader, schema *core.Schema) (base.RowDecoder, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(f.alloc))
	if err != nil {
		return nil, err
	}
	return &decoder{rdr: rdr, schema: schema}, nil
}

func (f *format) InferSchema(r io.Reader) (*core.Schema, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(f.alloc))
	if err != nil {
		return nil, err
	}
	defer rdr.Release()
	return FromArrowSchema(rdr.Schema())
}

// arrowType picks the physical type of a canonical column.
func arrowType(t types.CanonicalType) arrow.DataType {
	switch t.Kind {
	case types.Boolean:
		return arrow.FixedWidthTypes.Boolean
	case types.Int16:
		return arrow.PrimitiveTypes.Int16
	case types.Int32:
		return arrow.PrimitiveTypes.Int32
	case types.Int64:
		return arrow.PrimitiveTypes.Int64
	case types.Float32:
		return arrow.PrimitiveTypes.Float32
	case types.Float64:
		return arrow.PrimitiveTypes.Float64
	case types.Decimal:
		if t.Precision > 0 && t.Precision <= 38 {
			return &arrow.Decimal128Type{Precision: int32(t.Precision), Scale: int32(t.Scale)}
		}
		// unbounded decimals keep their text form
		return arrow.BinaryTypes.String
	case types.Date:
		return arrow.FixedWidthTypes.Date32
	case types.Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	case types.Binary:
		return arrow.BinaryTypes.Binary
	}
	return arrow.BinaryTypes.String
}

// ToArrowSchema maps a schema onto arrow fields, keeping the canonical type
// and content type hint in the field metadata.
func ToArrowSchema(s *core.Schema) *arrow.Schema {
	fields := make([]arrow.Field, s.Len())
	for i, c := range s.Columns {
		keys := []string{MetaType}
		vals := []string{c.Type.String()}
		if c.ContentType != "" {
			keys = append(keys, MetaContentType)
			vals = append(vals, c.ContentType)
		}
		fields[i] = arrow.Field{
			Name:     c.Name,
			Type:     arrowType(c.Type),
			Nullable: c.Nullable,
			Metadata: arrow.NewMetadata(keys, vals),
		}
	}
	return arrow.NewSchema(fields, nil)
}

// FromArrowSchema reads the canonical types back from the field metadata,
// falling back to the physical type for files written by other tools.
func FromArrowSchema(s *arrow.Schema) (*core.Schema, error) {
	cols := make([]core.Column, 0, len(s.Fields()))
	for _, f := range s.Fields() {
		col := core.Column{Name: f.Name, Nullable: f.Nullable}
		if i := f.Metadata.FindKey(MetaType); i >= 0 {
			t, err := types.ParseCanonicalType(f.Metadata.Values()[i])
			if err != nil {
				return nil, err
			}
			col.Type = t
		} else {
			col.Type = canonicalOf(f.Type)
		}
		if i := f.Metadata.FindKey(MetaContentType); i >= 0 {
			col.ContentType = f.Metadata.Values()[i]
		}
		cols = append(cols, col)
	}
	return core.NewSchema(cols...), nil
}

func canonicalOf(dt arrow.DataType) types.CanonicalType {
	switch t := dt.(type) {
	case *arrow.BooleanType:
		return types.Of(types.Boolean)
	case *arrow.Int8Type, *arrow.Int16Type, *arrow.Uint8Type:
		return types.Of(types.Int16)
	case *arrow.Int32Type, *arrow.Uint16Type:
		return types.Of(types.Int32)
	case *arrow.Int64Type, *arrow.Uint32Type, *arrow.Uint64Type:
		return types.Of(types.Int64)
	case *arrow.Float32Type:
		return types.Of(types.Float32)
	case *arrow.Float64Type:
		return types.Of(types.Float64)
	case *arrow.Decimal128Type:
		return types.DecimalOf(int(t.Precision), int(t.Scale))
	case *arrow.Date32Type, *arrow.Date64Type:
		return types.Of(types.Date)
	case *arrow.TimestampType:
		return types.Of(types.Timestamp)
	case *arrow.BinaryType, *arrow.LargeBinaryType:
		return types.Of(types.Binary)
	}
	return types.Of(types.Text)
}

// encoder buffers rows into record batches. The IPC stream, and with it the
// column metadata, is started with the first batch.
type encoder struct {
	out       io.Writer
	schema    *core.Schema
	batchSize int
	alloc     memory.Allocator

	writer       *ipc.Writer
	streamSchema *arrow.Schema
	builder      *array.RecordBuilder
	pending      int
}

func (e *encoder) SchemaFrozen() bool { return e.writer != nil }

func (e *encoder) Encode(row types.Row) error {
	if e.builder == nil {
		e.builder = array.NewRecordBuilder(e.alloc, ToArrowSchema(e.schema))
	}
	for i, v := range row {
		if err := AppendValue(e.builder.Field(i), v, e.schema.Columns[i]); err != nil {
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
		e.streamSchema = ToArrowSchema(e.schema)
		e.writer = ipc.NewWriter(e.out, ipc.WithSchema(e.streamSchema), ipc.WithAllocator(e.alloc))
	}
	if e.pending == 0 {
		return nil
	}
	built := e.builder.NewRecord()
	defer built.Release()
	// the builder schema predates hints collected from the first batch
	rec := array.NewRecord(e.streamSchema, built.Columns(), built.NumRows())
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

// AppendValue appends v to the builder of col, converting it first when it
// does not have the Go type the builder expects.
func AppendValue(b array.Builder, v types.Value, col core.Column) error {
	if v.IsNull() {
		b.AppendNull()
		return nil
	}
	x := types.Normalize(v.V)
	if !fitsKind(x, col.Type.Kind) {
		conv, _, err := types.Convert(types.V(x), col.Type, col.Type)
		if err != nil {
			return err
		}
		x = conv.V
	}
	switch bb := b.(type) {
	case *array.BooleanBuilder:
		bb.Append(x.(bool))
	case *array.Int16Builder:
		bb.Append(int16(x.(int64)))
	case *array.Int32Builder:
		bb.Append(int32(x.(int64)))
	case *array.Int64Builder:
		bb.Append(x.(int64))
	case *array.Float32Builder:
		bb.Append(float32(x.(float64)))
	case *array.Float64Builder:
		bb.Append(x.(float64))
	case *array.Decimal128Builder:
		scale := int32(col.Type.Scale)
		d := x.(decimal.Decimal)
		bb.Append(decimal128.FromBigInt(d.Shift(scale).Round(0).BigInt()))
	case *array.Date32Builder:
		bb.Append(arrow.Date32FromTime(x.(time.Time)))
	case *array.TimestampBuilder:
		bb.Append(arrow.Timestamp(x.(time.Time).UnixMicro()))
	case *array.BinaryBuilder:
		bb.Append(x.([]byte))
	case *array.StringBuilder:
		bb.Append(types.FormatText(x, col.Type.Kind))
	default:
		return errors.Newf(errors.ErrorTypeInternal, "no arrow builder for column %s", col.Name)
	}
	return nil
}

// fitsKind reports whether x already has the Go type the builder of kind
// expects.
func fitsKind(x interface{}, k types.Kind) bool {
	switch x.(type) {
	case bool:
		return k == types.Boolean
	case int64:
		return k.IsInteger()
	case float64:
		return k.IsFloat()
	case decimal.Decimal:
		return k == types.Decimal
	case time.Time:
		return k == types.Date || k == types.Timestamp
	case []byte:
		return k == types.Binary
	case string:
		return k == types.Text || k == types.Decimal || k == types.Unknown
	}
	return false
}

type decoder struct {
	rdr    *ipc.Reader
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
		if !d.rdr.Next() {
			d.done = true
			err := d.rdr.Err()
			d.rdr.Release()
			if err != nil && err != io.EOF {
				return nil, err
			}
			return nil, io.EOF
		}
		d.rec = d.rdr.Record()
		d.row = 0
	}
	row := make(types.Row, d.rec.NumCols())
	for i := range row {
		v, err := ValueAt(d.rec.Column(i), d.row, d.schema.Columns[i])
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	d.row++
	return row, nil
}

// ValueAt reads row i of an arrow column.
func ValueAt(a arrow.Array, i int, col core.Column) (types.Value, error) {
	if a.IsNull(i) {
		return types.Null, nil
	}
	switch arr := a.(type) {
	case *array.Boolean:
		return types.V(arr.Value(i)), nil
	case *array.Int8:
		return types.V(int64(arr.Value(i))), nil
	case *array.Int16:
		return types.V(int64(arr.Value(i))), nil
	case *array.Int32:
		return types.V(int64(arr.Value(i))), nil
	case *array.Int64:
		return types.V(arr.Value(i)), nil
	case *array.Uint8:
		return types.V(int64(arr.Value(i))), nil
	case *array.Uint16:
		return types.V(int64(arr.Value(i))), nil
	case *array.Uint32:
		return types.V(int64(arr.Value(i))), nil
	case *array.Uint64:
		return types.V(types.Normalize(arr.Value(i))), nil
	case *array.Float32:
		return types.V(float64(arr.Value(i))), nil
	case *array.Float64:
		return types.V(arr.Value(i)), nil
	case *array.Decimal128:
		scale := arr.DataType().(*arrow.Decimal128Type).Scale
		n := arr.Value(i)
		return types.V(decimal.NewFromBigInt(n.BigInt(), -scale)), nil
	case *array.Date32:
		return types.V(arr.Value(i).ToTime()), nil
	case *array.Date64:
		return types.V(arr.Value(i).ToTime()), nil
	case *array.Timestamp:
		unit := arr.DataType().(*arrow.TimestampType).Unit
		return types.V(arr.Value(i).ToTime(unit).UTC()), nil
	case *array.Binary:
		b := arr.Value(i)
		return types.V(append([]byte(nil), b...)), nil
	case *array.String:
		s := arr.Value(i)
		if col.Type.Kind == types.Decimal {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name)
			}
			return types.V(d), nil
		}
		return types.V(s), nil
	}
	return types.Value{}, errors.Newf(errors.ErrorTypeSchemaMismatch, "unsupported arrow type %s in column %s", a.DataType(), col.Name)
}
