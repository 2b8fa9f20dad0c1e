// Package jsonl stores tables as JSON lines files: one object per row,
// keyed by column name in schema order.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/compression"
	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the jsonl connector
const Type = "jsonl"

func init() {
	registry.MustRegister(Type, Factory)
}

// Connector is a directory of JSON lines files.
type Connector struct {
	*base.FileConnector
}

var _ core.Connector = (*Connector)(nil)

// Factory builds a jsonl connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	cfg, _, err := base.DecodeFileConfig(opts)
	if err != nil {
		return nil, err
	}
	return New(name, cfg)
}

// New creates a jsonl connector.
func New(name string, cfg *config.FileConnectorConfig) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid jsonl options")
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
	store := base.NewFileStore(cfg.Path, ".jsonl", algo, cfg.CreateDirs)
	sample := cfg.SampleRows
	if sample <= 0 {
		sample = 100
	}
	return &Connector{FileConnector: base.NewFileConnector(b, store, &format{sampleRows: sample})}, nil
}

type format struct {
	sampleRows int
}

func (f *format) Ext() string { return ".jsonl" }

func (f *format) Concatenable() bool { return true }

func (f *format) NewEncoder(w io.Writer, schema *core.Schema, appending bool) (base.RowEncoder, error) {
	keys := make([][]byte, schema.Len())
	for i, c := range schema.Columns {
		k, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	return &encoder{w: bufio.NewWriter(w), schema: schema, keys: keys}, nil
}

func (f *format) NewDecoder(r io.Reader, schema *core.Schema) (base.RowDecoder, error) {
	return &decoder{scanner: newScanner(r), schema: schema}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), 64*1024*1024)
	return s
}

// InferSchema takes column order from the first object and column kinds from
// the JSON types seen in a sample of lines.
func (f *format) InferSchema(r io.Reader) (*core.Schema, error) {
	sc := newScanner(r)
	var (
		names []string
		kinds = map[string]types.Kind{}
		lines int
	)
	for lines < f.sampleRows && sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++
		keys, err := objectKeys(line)
		if err != nil {
			return nil, err
		}
		var obj map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, err
		}
		for _, k := range keys {
			prev, known := kinds[k]
			if !known {
				names = append(names, k)
			}
			kinds[k] = widen(prev, known, jsonKind(obj[k]))
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errors.New(errors.ErrorTypeSchemaMismatch, "empty jsonl file has no schema")
	}
	cols := make([]core.Column, len(names))
	for i, n := range names {
		k := kinds[n]
		if k == types.Unknown {
			k = types.Text
		}
		cols[i] = core.Column{Name: n, Type: types.Of(k), Nullable: true}
	}
	return core.NewSchema(cols...), nil
}

// objectKeys returns the keys of a JSON object in document order.
func objectKeys(line []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New(errors.ErrorTypeSchemaMismatch, "jsonl line is not an object")
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, err
		}
	}
	return keys, nil
}

func jsonKind(v interface{}) types.Kind {
	switch x := v.(type) {
	case nil:
		return types.Unknown
	case bool:
		return types.Boolean
	case json.Number:
		if _, err := x.Int64(); err == nil {
			return types.Int64
		}
		return types.Float64
	}
	return types.Text
}

// widen merges the kind seen so far with a new observation.
func widen(prev types.Kind, known bool, next types.Kind) types.Kind {
	switch {
	case !known || prev == types.Unknown:
		return next
	case next == types.Unknown || next == prev:
		return prev
	case prev.IsNumeric() && next.IsNumeric():
		return types.Float64
	}
	return types.Text
}

type encoder struct {
	w      *bufio.Writer
	schema *core.Schema
	keys   [][]byte
}

func (e *encoder) Encode(row types.Row) error {
	e.w.WriteByte('{')
	for i, v := range row {
		if i > 0 {
			e.w.WriteByte(',')
		}
		e.w.Write(e.keys[i])
		e.w.WriteByte(':')
		b, err := json.Marshal(jsonValue(v.V, e.schema.Columns[i].Type.Kind))
		if err != nil {
			return err
		}
		e.w.Write(b)
	}
	e.w.WriteByte('}')
	return e.w.WriteByte('\n')
}

func (e *encoder) Close() error { return e.w.Flush() }

// jsonValue maps a canonical value onto its JSON form. Decimals travel as
// strings to keep their precision; non finite floats as their text name.
func jsonValue(x interface{}, kind types.Kind) interface{} {
	switch v := x.(type) {
	case nil, bool, int64, string:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return strconv.FormatFloat(v, 'g', -1, 64)
		}
		return v
	case decimal.Decimal:
		return v.String()
	case time.Time, []byte:
		return types.FormatText(v, kind)
	}
	return types.FormatText(x, kind)
}

type decoder struct {
	scanner *bufio.Scanner
	schema  *core.Schema
}

func (d *decoder) Decode() (types.Row, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var obj map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(line))
		dec.UseNumber()
		if err := dec.Decode(&obj); err != nil {
			return nil, err
		}
		row := make(types.Row, d.schema.Len())
		for i, col := range d.schema.Columns {
			v, err := fromJSON(obj[col.Name], col)
			if err != nil {
				return nil, err
			}
			row[i] = v
		}
		return row, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func fromJSON(x interface{}, col core.Column) (types.Value, error) {
	var (
		v    types.Value
		from types.CanonicalType
	)
	switch t := x.(type) {
	case nil:
		return types.Null, nil
	case bool:
		v, from = types.V(t), types.Of(types.Boolean)
	case json.Number:
		v, from = types.V(string(t)), types.Of(types.Text)
	case string:
		if col.Type.Kind == types.Binary {
			b, err := base64.StdEncoding.DecodeString(t)
			if err != nil {
				return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name+" is not base64")
			}
			return types.V(b), nil
		}
		v, from = types.V(t), types.Of(types.Text)
	default:
		// nested values are kept as their JSON text
		raw, err := json.Marshal(t)
		if err != nil {
			return types.Value{}, err
		}
		v, from = types.V(string(raw)), types.Of(types.Text)
	}
	if col.Type.Kind == types.Text || col.Type.Kind == types.Unknown {
		if s, ok := v.V.(string); ok {
			return types.V(s), nil
		}
	}
	out, _, err := types.Convert(v, from, col.Type)
	if err != nil {
		return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "column "+col.Name)
	}
	return out, nil
}
