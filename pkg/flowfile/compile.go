package flowfile

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/retry"
	"github.com/tabulify/tabulify/pkg/transform"
)

// Compiled is a document turned into a graph, with its connectors open.
type Compiled struct {
	Graph      *flow.Graph
	connectors map[string]core.Connector
	order      []string
}

// Connector returns the named connector of the document.
func (c *Compiled) Connector(name string) (core.Connector, bool) {
	conn, ok := c.connectors[name]
	return conn, ok
}

// ConnectorNames lists the connectors of the document, sorted.
func (c *Compiled) ConnectorNames() []string {
	names := append([]string(nil), c.order...)
	sort.Strings(names)
	return names
}

// Close closes every connector, in reverse opening order.
func (c *Compiled) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.order) - 1; i >= 0; i-- {
		if err := c.connectors[c.order[i]].Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OpenConnectors creates and opens the connectors of the document without
// building the graph.
func (d *Document) OpenConnectors(ctx context.Context, reg *registry.Registry) (*Compiled, error) {
	log := logger.Get().With(zap.String("component", "flowfile"), zap.String("flow", d.Name))
	c := &Compiled{connectors: make(map[string]core.Connector, len(d.Connectors))}
	for _, cd := range d.Connectors {
		conn, err := reg.Create(cd.Type, cd.Name, registry.Options(cd.Options))
		if err != nil {
			_ = c.Close(ctx)
			return nil, err
		}
		if err := conn.Open(ctx); err != nil {
			_ = c.Close(ctx)
			return nil, errors.Wrap(err, errors.ErrorTypeConnector, "opening connector "+cd.Name)
		}
		c.connectors[cd.Name] = conn
		c.order = append(c.order, cd.Name)
		log.Debug("connector opened", zap.String("connector", cd.Name), zap.String("type", cd.Type))
	}
	return c, nil
}

// Compile opens the connectors of the document and builds its graph. The
// graph is not validated; templates are expanded by validation.
func (d *Document) Compile(ctx context.Context, reg *registry.Registry) (*Compiled, error) {
	c, err := d.OpenConnectors(ctx, reg)
	if err != nil {
		return nil, err
	}
	cp := &compiler{conns: c.connectors}
	b := flow.New(d.Name)
	for _, n := range d.Nodes {
		cp.addNode(b, n)
	}
	for i := range d.Steps {
		cp.addStep(b, &d.Steps[i], true)
	}
	if len(cp.errs) > 0 {
		_ = c.Close(ctx)
		return nil, errors.Join(cp.errs...)
	}
	g, err := b.Build()
	if err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	c.Graph = g
	return c, nil
}

type compiler struct {
	conns map[string]core.Connector
	errs  []error
}

func (cp *compiler) fail(format string, args ...interface{}) {
	cp.errs = append(cp.errs, errors.Newf(errors.ErrorTypeConstruction, format, args...))
}

func (cp *compiler) ref(n NodeDoc) (*core.TableRef, error) {
	conn, table, ok := strings.Cut(n.Ref, "/")
	if !ok || conn == "" || table == "" {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "node %s: ref %q is not connector/table", n.Name, n.Ref)
	}
	c, ok := cp.conns[conn]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "node %s: unknown connector %q", n.Name, conn)
	}
	return core.NewTableRef(c, table), nil
}

func (cp *compiler) addNode(b *flow.Builder, n NodeDoc) {
	switch {
	case n.Intermediate && n.Ref != "":
		cp.fail("node %s is both intermediate and a table", n.Name)
	case n.Intermediate:
		b.AddIntermediate(n.Name)
	case n.Ref == "":
		cp.fail("node %s has neither ref nor intermediate", n.Name)
	default:
		ref, err := cp.ref(n)
		if err != nil {
			cp.errs = append(cp.errs, err)
			return
		}
		b.AddTable(n.Name, ref)
	}
}

func (cp *compiler) lookup(b *flow.Builder, name string) (flow.NodeID, bool) {
	id, ok := b.Lookup(name)
	if !ok {
		cp.fail("unknown node %q", name)
	}
	return id, ok
}

// addStep adds s to b. Template steps are only allowed at the top level.
func (cp *compiler) addStep(b *flow.Builder, s *StepDoc, top bool) {
	opts, err := stepOptions(s)
	if err != nil {
		cp.errs = append(cp.errs, errors.Wrap(err, errors.ErrorTypeConstruction, s.String()))
		return
	}
	kind := s.kind()
	if kind == "template" {
		if !top {
			cp.fail("%s: templates cannot generate templates", s)
			return
		}
		b.Template(cp.template(s), opts...)
		return
	}

	sources := make([]flow.NodeID, 0, len(s.From))
	for _, name := range s.From {
		id, ok := cp.lookup(b, name)
		if !ok {
			return
		}
		sources = append(sources, id)
	}
	to, ok := cp.lookup(b, s.To)
	if !ok {
		return
	}
	if kind != "transform" && len(sources) != 1 {
		cp.fail("%s: a %s step reads exactly one node", s, kind)
		return
	}

	switch kind {
	case "copy":
		b.Copy(sources[0], to, opts...)
	case "filter":
		pred, err := transform.ParsePredicate(s.Predicate)
		if err != nil {
			cp.errs = append(cp.errs, errors.Wrap(err, errors.ErrorTypeConstruction, s.String()))
			return
		}
		b.Filter(sources[0], to, pred, opts...)
	case "transform":
		fn, err := transform.Lookup(s.Function, transform.Args(s.Args))
		if err != nil {
			cp.errs = append(cp.errs, errors.Wrap(err, errors.ErrorTypeConstruction, s.String()))
			return
		}
		b.Transform(sources, to, fn, opts...)
	default:
		cp.fail("%s: unknown step kind %q", s, kind)
	}
}

// template turns a template step into a flow template. Each instance
// substitutes its parameters into the declared nodes and steps.
func (cp *compiler) template(s *StepDoc) *flow.Template {
	params := make([]flow.Params, len(s.Params))
	for i, p := range s.Params {
		params[i] = flow.Params(p)
	}
	return &flow.Template{
		Name:       s.Name,
		Params:     params,
		ParamsFrom: s.ParamsFrom,
		Expand: func(_ int, p flow.Params, b *flow.Builder) error {
			inner := &compiler{conns: cp.conns}
			for _, n := range s.Nodes {
				sub, err := substituteNode(n, p)
				if err != nil {
					return err
				}
				inner.addNode(b, sub)
			}
			for i := range s.Steps {
				sub, err := substituteStep(s.Steps[i], p)
				if err != nil {
					return err
				}
				inner.addStep(b, &sub, false)
			}
			return errors.Join(inner.errs...)
		},
	}
}

func stepOptions(s *StepDoc) ([]flow.StepOption, error) {
	var opts []flow.StepOption
	if s.Mode != "" {
		m, ok := core.ParseWriteMode(s.Mode)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "unknown mode %q", s.Mode)
		}
		opts = append(opts, flow.WithMode(m))
	}
	if s.OnError != "" {
		p, ok := flow.ParseOnError(s.OnError)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "unknown on_error %q", s.OnError)
		}
		opts = append(opts, flow.WithOnError(p))
	}
	if s.Lossy != "" {
		p, ok := flow.ParseLossyPolicy(s.Lossy)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "unknown lossy policy %q", s.Lossy)
		}
		opts = append(opts, flow.WithLossy(p))
	}
	if s.ColumnMapping != "" {
		m, ok := flow.ParseColumnMapping(s.ColumnMapping)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeConstruction, "unknown column_mapping %q", s.ColumnMapping)
		}
		opts = append(opts, flow.WithColumnMapping(m))
	}
	if s.PropagateContentType != nil {
		opts = append(opts, flow.WithPropagateContentType(*s.PropagateContentType))
	}
	if s.Timeout < 0 {
		return nil, errors.New(errors.ErrorTypeConstruction, "timeout cannot be negative")
	}
	if s.Timeout > 0 {
		opts = append(opts, flow.WithTimeout(s.Timeout))
	}
	if r := s.Retry; r != nil {
		p := retry.NewPolicy(r.MaxAttempts, r.InitialDelay)
		if r.MaxDelay > 0 {
			p.MaxDelay = r.MaxDelay
		}
		if r.Multiplier > 0 {
			p.Multiplier = r.Multiplier
		}
		opts = append(opts, flow.WithRetry(p))
	}
	return opts, nil
}

func substituteNode(n NodeDoc, p flow.Params) (NodeDoc, error) {
	var err error
	if n.Name, err = flow.Substitute(n.Name, p); err != nil {
		return n, err
	}
	n.Ref, err = flow.Substitute(n.Ref, p)
	return n, err
}

func substituteStep(s StepDoc, p flow.Params) (StepDoc, error) {
	var err error
	from := make(Names, len(s.From))
	for i, name := range s.From {
		if from[i], err = flow.Substitute(name, p); err != nil {
			return s, err
		}
	}
	s.From = from
	if s.To, err = flow.Substitute(s.To, p); err != nil {
		return s, err
	}
	if s.Predicate, err = flow.Substitute(s.Predicate, p); err != nil {
		return s, err
	}
	if len(s.Args) > 0 {
		args := make(map[string]interface{}, len(s.Args))
		for k, v := range s.Args {
			if str, ok := v.(string); ok {
				if v, err = flow.Substitute(str, p); err != nil {
					return s, err
				}
			}
			args[k] = v
		}
		s.Args = args
	}
	return s, nil
}
