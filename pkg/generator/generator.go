// Package generator produces deterministic synthetic tables from a
// SchemaSpec. Every column draws from its own PCG stream seeded with the
// run seed and the FNV-1a hash of the column name, so adding a column does
// not change the values of the others and the same seed always yields the
// same rows.
package generator

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

const letters = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// defaultOrigin is where date and timestamp sequences start without From.
var defaultOrigin = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Source is a generated table of a fixed size.
type Source struct {
	spec   SchemaSpec
	rows   int64
	seed   uint64
	schema *core.Schema
	err    error
}

// Generate prepares a source of rows rows. Nothing is produced until a
// reader is opened; an invalid spec surfaces as the reader's first error.
func Generate(spec SchemaSpec, rows int64, seed uint64) *Source {
	s := &Source{spec: spec, rows: rows, seed: seed, err: spec.Validate()}
	cols := make([]core.Column, len(spec.Columns))
	for i, c := range spec.Columns {
		ct := c.ContentType
		if ct == ContentTypeDetect {
			ct = ""
		}
		cols[i] = core.Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable, ContentType: ct}
	}
	s.schema = core.NewSchema(cols...)
	return s
}

// Name returns the table name
func (s *Source) Name() string { return s.spec.Name }

// Schema returns the generated schema
func (s *Source) Schema() *core.Schema { return s.schema }

// Rows returns the number of rows the source produces
func (s *Source) Rows() int64 { return s.rows }

// Err returns the spec validation error, if any
func (s *Source) Err() error { return s.err }

// Open returns a reader over all rows.
func (s *Source) Open() core.RowReader {
	return s.OpenAt(0)
}

// OpenAt returns a reader that skips the first offset rows. The skipped
// rows are still drawn so the remaining ones are identical to a full read.
func (s *Source) OpenAt(offset int64) core.RowReader {
	r := &reader{src: s, cols: make([]*columnGen, len(s.spec.Columns))}
	if s.err != nil {
		return r
	}
	for i, c := range s.spec.Columns {
		r.cols[i] = newColumnGen(c, s.seed)
	}
	for r.tick < offset && r.tick < s.rows {
		if _, err := r.row(); err != nil {
			r.err = err
			break
		}
	}
	return r
}

type reader struct {
	src  *Source
	cols []*columnGen
	tick int64
	err  error
}

func (r *reader) Schema() *core.Schema { return r.src.schema }

func (r *reader) Next(ctx context.Context) (types.Row, error) {
	if r.src.err != nil {
		return nil, r.src.err
	}
	if r.err != nil {
		return nil, r.err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "generation cancelled")
	}
	if r.tick >= r.src.rows {
		return nil, io.EOF
	}
	return r.row()
}

func (r *reader) row() (types.Row, error) {
	row := make(types.Row, len(r.cols))
	for i, g := range r.cols {
		v, err := g.next(r.tick)
		if err != nil {
			return nil, err
		}
		row[i] = v
	}
	r.tick++
	return row, nil
}

func (r *reader) Close() error { return nil }

// columnGen produces the values of one column.
type columnGen struct {
	spec ColumnSpec
	rule Rule
	rng  *rand.Rand
}

func columnSeed(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

func newColumnGen(c ColumnSpec, seed uint64) *columnGen {
	rule := c.Rule
	if rule.Kind == "" {
		rule = defaultRule(c.Type)
	}
	if rule.Step == 0 && (rule.Kind == RuleSequence || rule.Kind == RulePattern) {
		rule.Step = 1
	}
	return &columnGen{
		spec: c,
		rule: rule,
		rng:  rand.New(rand.NewPCG(seed, columnSeed(c.Name))),
	}
}

func (g *columnGen) next(tick int64) (types.Value, error) {
	// the null draw always happens so the value stream does not depend on
	// the null ratio
	nullDraw := g.rng.Float64()
	raw, from, err := g.raw(tick)
	if err != nil {
		return types.Value{}, err
	}
	if g.spec.Nullable && nullDraw < g.spec.NullRatio {
		return types.Null, nil
	}

	v, _, err := types.Convert(types.V(raw), from, g.spec.Type)
	if err != nil {
		return types.Value{}, errors.Wrap(err, errors.ErrorTypeConversion, "generating column "+g.spec.Name)
	}
	switch g.spec.ContentType {
	case "":
	case ContentTypeDetect:
		if b, ok := v.V.([]byte); ok {
			v.ContentType = types.DetectContentType(b)
		}
	default:
		v.ContentType = g.spec.ContentType
	}
	return v, nil
}

// raw produces the value in its natural canonical type.
func (g *columnGen) raw(tick int64) (interface{}, types.CanonicalType, error) {
	r := g.rule
	switch r.Kind {
	case RuleSequence:
		return g.sequence(tick)
	case RulePattern:
		n := r.Start + float64(g.wrap(tick))*r.Step
		return r.Prefix + strconv.FormatInt(int64(n), 10), types.Of(types.Text), nil
	case RuleRandomInt:
		lo, hi := int64(r.Min), int64(r.Max)
		return lo + g.rng.Int64N(hi-lo+1), types.Of(types.Int64), nil
	case RuleRandomFloat:
		f := r.Min + g.rng.Float64()*(r.Max-r.Min)
		return f, types.Of(types.Float64), nil
	case RuleChoice:
		return r.Values[g.rng.IntN(len(r.Values))], types.Of(types.Text), nil
	case RuleRandomText:
		n := r.Length
		if n == 0 {
			n = 8
		}
		b := make([]byte, n)
		for i := range b {
			b[i] = letters[g.rng.IntN(len(letters))]
		}
		if g.spec.Type.Kind == types.Binary {
			return b, types.Of(types.Binary), nil
		}
		return string(b), types.Of(types.Text), nil
	case RuleConstant:
		return r.Value, types.Of(types.Text), nil
	case RuleUUID:
		id, err := uuid.NewRandomFromReader(rngReader{g.rng})
		if err != nil {
			return nil, types.CanonicalType{}, errors.Wrap(err, errors.ErrorTypeInternal, "generating uuid")
		}
		if g.spec.Type.Kind == types.Binary {
			return id[:], types.Of(types.Binary), nil
		}
		return id.String(), types.Of(types.Text), nil
	}
	return nil, types.CanonicalType{}, errors.Newf(errors.ErrorTypeValidation, "unknown rule %q", r.Kind)
}

func (g *columnGen) wrap(tick int64) int64 {
	if g.rule.MaxTick > 0 {
		return tick % g.rule.MaxTick
	}
	return tick
}

func (g *columnGen) sequence(tick int64) (interface{}, types.CanonicalType, error) {
	r := g.rule
	t := g.wrap(tick)
	switch k := g.spec.Type.Kind; {
	case k == types.Date || k == types.Timestamp:
		origin := defaultOrigin
		if r.From != "" {
			parsed, err := types.ParseTime(r.From)
			if err != nil {
				return nil, types.CanonicalType{}, err
			}
			origin = parsed
		}
		if k == types.Date {
			return origin.AddDate(0, 0, int(float64(t)*r.Step)), types.Of(types.Timestamp), nil
		}
		return origin.Add(time.Duration(float64(t)*r.Step) * time.Millisecond), types.Of(types.Timestamp), nil
	case k == types.Decimal:
		d := decimal.NewFromFloat(r.Start).Add(decimal.NewFromFloat(r.Step).Mul(decimal.NewFromInt(t)))
		return d, types.Of(types.Decimal), nil
	case k.IsFloat():
		return r.Start + float64(t)*r.Step, types.Of(types.Float64), nil
	default:
		n := r.Start + float64(t)*r.Step
		if n > math.MaxInt64 || n < math.MinInt64 {
			return nil, types.CanonicalType{}, errors.Newf(errors.ErrorTypeConversion, "sequence of %s overflows", g.spec.Name)
		}
		return int64(n), types.Of(types.Int64), nil
	}
}

// rngReader feeds uuid generation from the column stream.
type rngReader struct{ rng *rand.Rand }

func (r rngReader) Read(p []byte) (int, error) {
	var buf [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(buf[:], r.rng.Uint64())
		copy(p[i:], buf[:])
	}
	return len(p), nil
}
