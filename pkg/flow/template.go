package flow

import (
	"context"
	"io"
	"regexp"
	"strings"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Params are the named values of one template instance.
type Params map[string]string

// Template generates one sub-flow per parameter row. Parameters are given
// inline or read, at validation time, from the rows of the ParamsFrom
// node; each column of a row becomes a parameter.
type Template struct {
	Name       string
	Params     []Params
	ParamsFrom string
	// Expand adds the nodes and steps of instance i to b. Nodes of the
	// enclosing graph are reachable with b.Lookup.
	Expand func(i int, params Params, b *Builder) error

	defaults []StepOption
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Substitute replaces ${name} placeholders with their parameter value. A
// placeholder without a value is an unresolved template error.
func Substitute(s string, params Params) (string, error) {
	var missing []string
	out := placeholder.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		v, ok := params[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", errors.Newf(errors.ErrorTypeUnresolvedTemplate,
			"no value for ${%s} in %q", strings.Join(missing, "}, ${"), s)
	}
	return out, nil
}

// expand rewrites g into a flat graph without template steps.
func expand(ctx context.Context, g *Graph) (*Graph, error) {
	b := New(g.name)
	for _, n := range g.nodes {
		if n.Kind == IntermediateNode {
			b.AddIntermediate(n.Name)
		} else {
			b.AddTable(n.Name, n.Ref)
		}
	}
	var templates []*Template
	for _, s := range g.steps {
		if s.Kind == StepTemplate {
			templates = append(templates, s.Template)
			continue
		}
		c := *s
		b.steps = append(b.steps, &c)
	}

	for _, t := range templates {
		rows, err := templateParams(ctx, g, t)
		if err != nil {
			return nil, err
		}
		b.defaults = t.defaults
		for i, p := range rows {
			if err := t.Expand(i, p, b); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeUnresolvedTemplate,
					"expanding template "+t.Name)
			}
		}
		b.defaults = nil
	}

	out, err := b.Build()
	if err != nil {
		return nil, err
	}
	if out.HasTemplates() {
		return nil, errors.New(errors.ErrorTypeUnresolvedTemplate, "templates cannot generate templates")
	}
	return out, nil
}

func templateParams(ctx context.Context, g *Graph, t *Template) ([]Params, error) {
	if t.ParamsFrom == "" {
		return t.Params, nil
	}
	n, ok := g.Lookup(t.ParamsFrom)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeUnresolvedTemplate,
			"template %s reads parameters from unknown node %q", t.Name, t.ParamsFrom)
	}
	if n.Ref == nil {
		return nil, errors.Newf(errors.ErrorTypeUnresolvedTemplate,
			"template %s reads parameters from intermediate node %q", t.Name, n.Name)
	}
	r, err := n.Ref.Connector().OpenReader(ctx, n.Ref, core.ReadOptions{})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeUnresolvedTemplate, "reading template parameters")
	}
	defer r.Close()

	schema := r.Schema()
	var out []Params
	for {
		row, err := r.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeUnresolvedTemplate, "reading template parameters")
		}
		p := make(Params, len(row))
		for i, col := range schema.Columns {
			if !row[i].IsNull() {
				p[col.Name] = types.FormatText(row[i].V, col.Type.Kind)
			} else {
				p[col.Name] = ""
			}
		}
		out = append(out, p)
	}
}
