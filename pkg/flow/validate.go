package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Severity of a validation finding
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is a type level problem found by the dry type check.
type Finding struct {
	Severity Severity
	// Step names the step, Node the node the finding is about
	Step   string
	Node   string
	Column string
	Err    error
}

func (f Finding) String() string {
	var b strings.Builder
	b.WriteString(string(f.Severity))
	if f.Step != "" {
		b.WriteString(" [" + f.Step + "]")
	} else if f.Node != "" {
		b.WriteString(" [" + f.Node + "]")
	}
	if f.Column != "" {
		b.WriteString(" column " + f.Column)
	}
	b.WriteString(": ")
	if f.Err != nil {
		b.WriteString(f.Err.Error())
	}
	return b.String()
}

// ValidationReport is the outcome of Validate.
type ValidationReport struct {
	Flow string
	// Errors are construction errors; any of them makes the graph unrunnable
	Errors   []error
	Findings []Finding
	// Levels are the Kahn levels, by node name
	Levels [][]string

	schemas map[string]*core.Schema
}

// OK reports whether the graph can run: no construction error and no
// error finding.
func (r *ValidationReport) OK() bool {
	if len(r.Errors) > 0 {
		return false
	}
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Err joins the construction errors and the error findings.
func (r *ValidationReport) Err() error {
	errs := append([]error(nil), r.Errors...)
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			errs = append(errs, fmt.Errorf("%s", f.String()))
		}
	}
	return errors.Join(errs...)
}

// Warnings returns the warning findings.
func (r *ValidationReport) Warnings() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Severity == SeverityWarning {
			out = append(out, f)
		}
	}
	return out
}

// Schema returns the schema the dry type check derived for a node.
func (r *ValidationReport) Schema(node string) (*core.Schema, bool) {
	s, ok := r.schemas[node]
	return s, ok
}

// IntermediateTypes is the type mapping of intermediate nodes.
var IntermediateTypes = types.Canonical("memory")

// Validate expands templates, then checks g is acyclic and complete and
// type checks it without moving data. It returns the expanded graph, which
// is g itself when there was nothing to expand. The connectors of the
// graph must be open.
func Validate(ctx context.Context, g *Graph) (*Graph, *ValidationReport) {
	report := &ValidationReport{Flow: g.Name(), schemas: make(map[string]*core.Schema)}

	if g.HasTemplates() {
		expanded, err := expand(ctx, g)
		if err != nil {
			report.Errors = append(report.Errors, err)
			return g, report
		}
		g = expanded
	}

	if cycle := FindCycle(g); cycle != nil {
		names := make([]string, len(cycle))
		for i, id := range cycle {
			names[i] = g.Node(id).Name
		}
		report.Errors = append(report.Errors, errors.Newf(errors.ErrorTypeCyclicFlow,
			"flow %s has a cycle: %s", g.Name(), strings.Join(names, " -> ")).
			WithDetail("nodes", names))
		return g, report
	}

	report.Errors = append(report.Errors, completeness(g)...)
	if len(report.Errors) > 0 {
		return g, report
	}

	levels := Levels(g)
	for _, level := range levels {
		names := make([]string, len(level))
		for i, id := range level {
			names[i] = g.Node(id).Name
		}
		report.Levels = append(report.Levels, names)
	}

	sessionCheck(g, report)
	dryTypeCheck(ctx, g, levels, report)
	return g, report
}

// sessionCheck reports steps that hold more sessions on one connector than
// the connector allows. A step holds a session for its target and one per
// source read, all at once.
func sessionCheck(g *Graph, report *ValidationReport) {
	for _, s := range g.steps {
		uses := make(map[string]int)
		conns := make(map[string]core.Connector)
		for _, id := range append([]NodeID{s.Target}, s.Sources...) {
			ref := g.Node(id).Ref
			if ref == nil {
				continue
			}
			c := ref.Connector()
			uses[c.Name()]++
			conns[c.Name()] = c
		}
		names := make([]string, 0, len(uses))
		for name := range uses {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			bound := conns[name].Capabilities().MaxConcurrentSessions
			if bound <= 0 || uses[name] <= bound {
				continue
			}
			report.Findings = append(report.Findings, Finding{
				Severity: SeverityError,
				Step:     g.StepName(s),
				Node:     g.Node(s.Target).Name,
				Err: errors.Newf(errors.ErrorTypeCapability,
					"step needs %d sessions on connector %s, which allows %d", uses[name], name, bound),
			})
		}
	}
}

// FindCycle returns the nodes of a cycle in edge order, first node
// repeated at the end, or nil when g is acyclic.
func FindCycle(g *Graph) []NodeID {
	const (
		white = iota
		gray
		black
	)
	color := make([]int, len(g.nodes))
	var stack []NodeID
	var cycle []NodeID

	var visit func(NodeID) bool
	visit = func(u NodeID) bool {
		color[u] = gray
		stack = append(stack, u)
		for _, v := range g.consumers[u] {
			switch color[v] {
			case gray:
				for i, id := range stack {
					if id == v {
						cycle = append(append([]NodeID(nil), stack[i:]...), v)
						return true
					}
				}
			case white:
				if visit(v) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[u] = black
		return false
	}
	for _, n := range g.nodes {
		if color[n.ID] == white && visit(n.ID) {
			return cycle
		}
	}
	return nil
}

func completeness(g *Graph) []error {
	var errs []error
	sources, sinks := 0, 0
	for _, n := range g.nodes {
		_, produced := g.producer[n.ID]
		if !produced {
			sources++
			if n.Kind == IntermediateNode {
				errs = append(errs, errors.Newf(errors.ErrorTypeIncompleteFlow,
					"intermediate node %q has no producer", n.Name))
			}
		}
		if len(g.consumers[n.ID]) == 0 {
			sinks++
		}
	}
	if sources == 0 {
		errs = append(errs, errors.Newf(errors.ErrorTypeIncompleteFlow, "flow %s has no source", g.Name()))
	}
	if sinks == 0 {
		errs = append(errs, errors.Newf(errors.ErrorTypeIncompleteFlow, "flow %s has no sink", g.Name()))
	}
	return errs
}

// Levels groups the nodes of an acyclic graph by Kahn level: sources are
// level 0 and every other node sits one level below its deepest producer.
func Levels(g *Graph) [][]NodeID {
	indeg := make([]int, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n.ID] = len(g.Producers(n.ID))
	}
	var current []NodeID
	for _, n := range g.nodes {
		if indeg[n.ID] == 0 {
			current = append(current, n.ID)
		}
	}
	var levels [][]NodeID
	for len(current) > 0 {
		levels = append(levels, current)
		var next []NodeID
		for _, u := range current {
			for _, v := range g.consumers[u] {
				indeg[v]--
				if indeg[v] == 0 {
					next = append(next, v)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return next[i] < next[j] })
		current = next
	}
	return levels
}

// TargetTypes returns the type mapping a node is written with.
func TargetTypes(n *Node) *types.Mapping {
	if n.Ref == nil {
		return IntermediateTypes
	}
	return n.Ref.Connector().Types()
}

func dryTypeCheck(ctx context.Context, g *Graph, levels [][]NodeID, report *ValidationReport) {
	for _, level := range levels {
		for _, id := range level {
			n := g.Node(id)
			step, produced := g.Producer(id)
			if !produced {
				schema, err := n.Ref.Schema(ctx)
				if err != nil {
					report.Findings = append(report.Findings, Finding{
						Severity: SeverityError,
						Node:     n.Name,
						Err:      fmt.Errorf("source %s is not readable: %w", n.Ref, err),
					})
					continue
				}
				report.schemas[n.Name] = schema
				continue
			}

			inputs := make([]*core.Schema, 0, len(step.Sources))
			complete := true
			for _, src := range step.Sources {
				s, ok := report.schemas[g.Node(src).Name]
				if !ok {
					complete = false
					break
				}
				inputs = append(inputs, s)
			}
			if !complete {
				// the cause upstream is already reported
				continue
			}

			name := g.StepName(step)
			fail := func(err error) {
				report.Findings = append(report.Findings, Finding{Severity: SeverityError, Step: name, Node: n.Name, Err: err})
			}
			output, err := StepOutput(step, inputs)
			if err != nil {
				fail(err)
				continue
			}
			existing, err := ExistingTarget(ctx, step, n)
			if err != nil {
				fail(err)
				continue
			}
			plan, findings, err := PlanStep(step, output, TargetTypes(n), existing)
			for _, f := range findings {
				f.Step, f.Node = name, n.Name
				report.Findings = append(report.Findings, f)
			}
			if err != nil {
				if len(findings) == 0 {
					fail(err)
				}
				continue
			}
			report.schemas[n.Name] = plan.Target
		}
	}
}

// ExistingTarget returns the current schema of an append target, or nil
// when the step does not append or the table does not exist yet.
func ExistingTarget(ctx context.Context, s *Step, n *Node) (*core.Schema, error) {
	if s.Mode != core.ModeAppend || n.Ref == nil {
		return nil, nil
	}
	ok, err := n.Ref.Connector().Exists(ctx, n.Ref)
	if err != nil || !ok {
		return nil, err
	}
	return n.Ref.Connector().ResolveSchema(ctx, n.Ref)
}
