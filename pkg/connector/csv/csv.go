// Package csv stores tables as delimited text files, one file per table.
// Canonical column types and content type hints live in the data definition
// sidecar next to each file; without one, the schema comes from the header
// line and, when infer_types is set, from a sample of the rows.
package csv

import (
	"encoding/base64"
	encsv "encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the csv connector
const Type = "csv"

func init() {
	registry.MustRegister(Type, Factory)
}

// Connector is a directory of csv files.
type Connector struct {
	*base.FileConnector
	cfg *config.FileConnectorConfig
}

var _ core.Connector = (*Connector)(nil)

// Factory builds a csv connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg, _, err := base.DecodeFileConfig(opts)
	if err != nil {
		return nil, err
	}
	return New(name, cfg)
}

// New creates a csv connector.
func New(name string, cfg *config.FileConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid csv options")
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
	store := base.NewFileStore(cfg.Path, ".csv", algo, cfg.CreateDirs)
	f := &format{
		comma:      []rune(cfg.Delimiter)[0],
		header:     cfg.Header,
		nullValue:  cfg.NullValue,
		inferTypes: cfg.InferTypes,
		sampleRows: cfg.SampleRows,
	}
	return &Connector{FileConnector: base.NewFileConnector(b, store, f), cfg: cfg}, nil
}

type format struct {
	comma      rune
	header     bool
	nullValue  string
	inferTypes bool
	sampleRows int
}

func (f *format) Ext() string { return ".csv" }

// Concatenable: appended rows follow the existing lines, without a header.
func (f *format) Concatenable() bool { return true }

func (f *format) NewEncoder(w io.Writer, schema *core.Schema, appending bool) (base.RowEncoder, error) {
	cw := encsv.NewWriter(w)
	cw.Comma = f.comma
	if f.header && !appending {
		if err := cw.Write(schema.Names()); err != nil {
			return nil, err
		}
	}
	return &encoder{w: cw, schema: schema, null: f.nullValue, record: make([]string, schema.Len())}, nil
}

func (f *format) newReader(r io.Reader) *encsv.Reader {
	cr := encsv.NewReader(r)
	cr.Comma = f.comma
	cr.ReuseRecord = true
	return cr
}

func (f *format) NewDecoder(r io.Reader, schema *core.Schema) (base.RowDecoder, error) {
	cr := f.newReader(r)
	cr.FieldsPerRecord = schema.Len()
	return &decoder{r: cr, schema: schema, null: f.nullValue, skipHeader: f.header}, nil
}

// InferSchema names the columns from the header line (c1, c2... without
// one) and types them as text unless type inference is enabled.
func (f *format) InferSchema(r io.Reader) (*core.Schema, error) {
	cr := f.newReader(r)
	cr.ReuseRecord = false
	first, err := cr.Read()
	if err == io.EOF {
		return nil, errors.New(errors.ErrorTypeSchemaMismatch, "empty csv file has no schema")
	}
	if err != nil {
		return nil, err
	}
	names := first
	var sample [][]string
	if !f.header {
		names = make([]string, len(first))
		for i := range names {
			names[i] = "c" + strconv.Itoa(i+1)
		}
		sample = append(sample, first)
	}
	if f.inferTypes {
		for len(sample) < f.sampleRows {
			rec, err := cr.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			sample = append(sample, rec)
		}
	}

	cols := make([]core.Column, len(names))
	for i, name := range names {
		t := types.Of(types.Text)
		if f.inferTypes {
			t = inferColumn(sample, i, f.nullValue)
		}
		cols[i] = core.Column{Name: name, Type: t, Nullable: true}
	}
	return core.NewSchema(cols...), nil
}

type candidate struct {
	kind  types.Kind
	match func(string) bool
}

// candidates are tried in order; the first one every sampled cell fits wins.
var candidates = []candidate{
	{types.Boolean, func(s string) bool { return s == "true" || s == "false" }},
	{types.Int64, func(s string) bool { _, err := strconv.ParseInt(s, 10, 64); return err == nil }},
	{types.Float64, func(s string) bool { _, err := strconv.ParseFloat(s, 64); return err == nil }},
	{types.Date, func(s string) bool { _, err := time.Parse(types.DateLayout, s); return err == nil }},
	{types.Timestamp, func(s string) bool { _, err := types.ParseTime(s); return err == nil }},
}

func inferColumn(sample [][]string, col int, null string) types.CanonicalType {
	fits := make([]bool, len(candidates))
	for i := range fits {
		fits[i] = true
	}
	seen := false
	for _, rec := range sample {
		if col >= len(rec) {
			continue
		}
		cell := strings.TrimSpace(rec[col])
		if cell == null || cell == "" {
			continue
		}
		seen = true
		for i, c := range candidates {
			if fits[i] && !c.match(cell) {
				fits[i] = false
			}
		}
	}
	if seen {
		for i, c := range candidates {
			if fits[i] {
				return types.Of(c.kind)
			}
		}
	}
	return types.Of(types.Text)
}

type encoder struct {
	w      *encsv.Writer
	schema *core.Schema
	null   string
	record []string
}

func (e *encoder) Encode(row types.Row) error {
	for i, v := range row {
		switch {
		case v.IsNull():
			e.record[i] = e.null
		default:
			e.record[i] = types.FormatText(v.V, e.schema.Columns[i].Type.Kind)
		}
	}
	return e.w.Write(e.record)
}

func (e *encoder) Close() error {
	e.w.Flush()
	return e.w.Error()
}

type decoder struct {
	r          *encsv.Reader
	schema     *core.Schema
	null       string
	skipHeader bool
}

func (d *decoder) Decode() (types.Row, error) {
	if d.skipHeader {
		d.skipHeader = false
		if _, err := d.r.Read(); err != nil {
			return nil, err
		}
	}
	rec, err := d.r.Read()
	if err != nil {
		return nil, err
	}
	row := make(types.Row, len(rec))
	for i, cell := range rec {
		v, err := parseCell(cell, d.schema.Columns[i], d.null)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	return row, nil
}

func parseCell(cell string, col core.Column, null string) (types.Value, error) {
	switch col.Type.Kind {
	case types.Text, types.Unknown:
		if cell == null && col.Nullable {
			return types.Null, nil
		}
		return types.V(cell), nil
	case types.Binary:
		if cell == null {
			return types.Null, nil
		}
		b, err := base64.StdEncoding.DecodeString(cell)
		if err != nil {
			return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name+" is not base64")
		}
		return types.V(b), nil
	}
	if cell == null || cell == "" {
		return types.Null, nil
	}
	v, _, err := types.Convert(types.V(cell), types.Of(types.Text), col.Type)
	if err != nil {
		return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name)
	}
	return v, nil
}
