// Package generator exposes synthetic tables as a read-only connector.
package generator

import (
	"context"
	"iter"
	"sort"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/base"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	datagen "github.com/tabulify/tabulify/pkg/generator"
	"github.com/tabulify/tabulify/pkg/types"
)

// Type is the registry name of the generator connector
const Type = "generator"

func init() {
	registry.MustRegister(Type, Factory)
}

// Options configure a generator connector in a flow document. Tables are
// given inline, loaded from SpecFile, or both.
type Options struct {
	config.ConnectorConfig `yaml:",inline"`
	SpecFile               string              `yaml:"spec_file"`
	Tables                 []datagen.TableSpec `yaml:"tables"`
}

// Factory builds a generator connector from flow document options.
func Factory(name string, opts registry.Options) (core.Connector, error) {
	var o Options
	if err := config.DecodeOptions(opts, &o); err != nil {
		return nil, err
	}
	specs := o.Tables
	if o.SpecFile != "" {
		loaded, err := datagen.LoadSpecs(o.SpecFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, loaded...)
	}
	sources := make([]*datagen.Source, 0, len(specs))
	for _, s := range specs {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		sources = append(sources, datagen.Generate(s.SchemaSpec, s.Rows, s.Seed))
	}
	c := New(name, sources...)
	c.caps.MaxConcurrentSessions = o.MaxSessions
	return c, nil
}

// Connector serves generated sources by table name.
type Connector struct {
	*base.Base
	caps    core.Capabilities
	sources map[string]*datagen.Source
}

var _ core.Connector = (*Connector)(nil)
var _ core.RowCounter = (*Connector)(nil)

// New creates a connector over the given sources.
func New(name string, sources ...*datagen.Source) *Connector {
	c := &Connector{
		caps: core.Capabilities{
			ConcurrentRead:       true,
			Resumable:            true,
			PreservesContentType: true,
		},
		sources: make(map[string]*datagen.Source, len(sources)),
	}
	for _, s := range sources {
		c.sources[s.Name()] = s
	}
	c.Base = base.NewBase(name, Type, c.caps, types.Canonical(Type))
	return c
}

// Capabilities returns the capability flags
func (c *Connector) Capabilities() core.Capabilities { return c.caps }

// Open marks the connector open
func (c *Connector) Open(ctx context.Context) error { return c.Lifecycle.Open(ctx, nil) }

// Close marks the connector closed
func (c *Connector) Close(ctx context.Context) error { return c.Lifecycle.Close(ctx, nil) }

// ListTables lists generated tables in name order
func (c *Connector) ListTables(ctx context.Context, filter core.Filter) iter.Seq2[*core.TableRef, error] {
	return base.Tables(c, func() ([]string, error) {
		if err := c.RequireOpen(); err != nil {
			return nil, err
		}
		var names []string
		for name := range c.sources {
			if base.MatchTable(filter, name) {
				names = append(names, name)
			}
		}
		sort.Strings(names)
		return names, nil
	})
}

func (c *Connector) source(ref *core.TableRef) (*datagen.Source, error) {
	if err := c.RequireOpen(); err != nil {
		return nil, err
	}
	s, ok := c.sources[ref.Name()]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeNotFound, "no generated table %s in %s", ref.Name(), c.Name())
	}
	return s, nil
}

// ResolveSchema returns the generated schema
func (c *Connector) ResolveSchema(ctx context.Context, ref *core.TableRef) (*core.Schema, error) {
	s, err := c.source(ref)
	if err != nil {
		return nil, err
	}
	return s.Schema().Clone(), nil
}

// Exists reports whether a table is generated
func (c *Connector) Exists(ctx context.Context, ref *core.TableRef) (bool, error) {
	if err := c.RequireOpen(); err != nil {
		return false, err
	}
	_, ok := c.sources[ref.Name()]
	return ok, nil
}

// CountRows returns the configured row count
func (c *Connector) CountRows(ctx context.Context, ref *core.TableRef) (int64, error) {
	s, err := c.source(ref)
	if err != nil {
		return 0, err
	}
	return s.Rows(), nil
}

// OpenReader generates the table from the requested offset
func (c *Connector) OpenReader(ctx context.Context, ref *core.TableRef, opts core.ReadOptions) (core.RowReader, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "open reader")
	}
	s, err := c.source(ref)
	if err != nil {
		return nil, err
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return s.OpenAt(opts.Offset), nil
}

// OpenWriter always fails: generated tables are read-only
func (c *Connector) OpenWriter(ctx context.Context, ref *core.TableRef, schema *core.Schema, mode core.WriteMode) (core.RowWriter, error) {
	return nil, errors.Newf(errors.ErrorTypeCapability, "connector %s is read-only", c.Name())
}
