// Package flow builds and validates data flow graphs.
//
// A graph is an arena of nodes addressed by NodeID handles. Nodes are
// tables of a connector or anonymous intermediate tables; steps are the
// typed edges that produce a node from one or more other nodes. Graphs are
// immutable once built and never open or close the connectors they borrow.
//
//	b := flow.New("daily")
//	src := b.AddTable("orders", core.NewTableRef(pg, "orders"))
//	dst := b.AddTable("orders_csv", core.NewTableRef(files, "orders"))
//	b.Copy(src, dst, flow.WithMode(core.ModeReplace))
//	g, err := b.Build()
package flow

import (
	"fmt"
	"time"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/retry"
	"github.com/tabulify/tabulify/pkg/transform"
)

// NodeID is the handle of a node inside one graph.
type NodeID int

// NodeKind tells table nodes from intermediate ones.
type NodeKind int

const (
	// TableNode is a table of a connector
	TableNode NodeKind = iota
	// IntermediateNode is a flow-scoped table discarded after the run
	IntermediateNode
)

func (k NodeKind) String() string {
	if k == IntermediateNode {
		return "intermediate"
	}
	return "table"
}

// Node is a vertex of the graph.
type Node struct {
	ID   NodeID
	Name string
	Kind NodeKind
	// Ref is nil for intermediate nodes
	Ref *core.TableRef
}

func (n *Node) String() string {
	if n.Ref == nil {
		return n.Name + " (intermediate)"
	}
	return n.Name + " (" + n.Ref.String() + ")"
}

// StepKind is the kind of a step.
type StepKind string

const (
	StepCopy      StepKind = "copy"
	StepTransform StepKind = "transform"
	StepFilter    StepKind = "filter"
	StepTemplate  StepKind = "template"
)

// OnError is the failure policy of a step.
type OnError string

const (
	// AbortFlow fails the node and aborts the run
	AbortFlow OnError = "abort-flow"
	// SkipNode marks the node skipped and lets the run continue
	SkipNode OnError = "skip-node"
	// MarkFailed fails the node; nodes that do not depend on it go on
	MarkFailed OnError = "mark-failed-continue-siblings"
)

// ParseOnError parses a policy name; the empty string is AbortFlow.
func ParseOnError(s string) (OnError, bool) {
	switch OnError(s) {
	case "", AbortFlow:
		return AbortFlow, true
	case SkipNode, MarkFailed:
		return OnError(s), true
	}
	return "", false
}

// LossyPolicy tells what a lossy value conversion does.
type LossyPolicy string

const (
	// LossyFail turns a lossy value into a type error
	LossyFail LossyPolicy = "fail"
	// LossyCount lets lossy values through and counts them
	LossyCount LossyPolicy = "count"
)

// ParseLossyPolicy parses a policy name; the empty string is LossyFail.
func ParseLossyPolicy(s string) (LossyPolicy, bool) {
	switch LossyPolicy(s) {
	case "", LossyFail:
		return LossyFail, true
	case LossyCount:
		return LossyCount, true
	}
	return "", false
}

// ColumnMapping tells how source columns meet the columns of an existing
// target.
type ColumnMapping string

const (
	ByPosition ColumnMapping = "by-position"
	ByName     ColumnMapping = "by-name"
)

// ParseColumnMapping parses a mapping name; the empty string is ByPosition.
func ParseColumnMapping(s string) (ColumnMapping, bool) {
	switch ColumnMapping(s) {
	case "", ByPosition:
		return ByPosition, true
	case ByName:
		return ByName, true
	}
	return "", false
}

// Step is a typed edge producing Target from Sources.
type Step struct {
	Kind    StepKind
	Sources []NodeID
	Target  NodeID

	Function  transform.Function  // StepTransform
	Predicate transform.Predicate // StepFilter
	Template  *Template           // StepTemplate

	Mode                 core.WriteMode
	OnError              OnError
	Retry                *retry.Policy
	Timeout              time.Duration
	Lossy                LossyPolicy
	PropagateContentType bool
	ColumnMapping        ColumnMapping
}

// StepOption configures a step.
type StepOption func(*Step)

// WithMode sets the write mode.
func WithMode(m core.WriteMode) StepOption { return func(s *Step) { s.Mode = m } }

// WithOnError sets the failure policy.
func WithOnError(p OnError) StepOption { return func(s *Step) { s.OnError = p } }

// WithRetry sets the retry policy; nil falls back to the engine default.
func WithRetry(p *retry.Policy) StepOption { return func(s *Step) { s.Retry = p.Clone() } }

// WithTimeout bounds all attempts of the step.
func WithTimeout(d time.Duration) StepOption { return func(s *Step) { s.Timeout = d } }

// WithLossy sets the lossy conversion policy.
func WithLossy(p LossyPolicy) StepOption { return func(s *Step) { s.Lossy = p } }

// WithPropagateContentType keeps content type hints through a transform.
func WithPropagateContentType(on bool) StepOption {
	return func(s *Step) { s.PropagateContentType = on }
}

// WithColumnMapping sets how columns meet an existing target.
func WithColumnMapping(m ColumnMapping) StepOption { return func(s *Step) { s.ColumnMapping = m } }

func newStep(kind StepKind, sources []NodeID, target NodeID, defaults, opts []StepOption) *Step {
	s := &Step{
		Kind:          kind,
		Sources:       sources,
		Target:        target,
		Mode:          core.ModeReplace,
		OnError:       AbortFlow,
		Lossy:         LossyFail,
		ColumnMapping: ByPosition,
	}
	for _, o := range defaults {
		o(s)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Builder assembles a graph. Errors are collected and reported by Build.
type Builder struct {
	name     string
	nodes    []*Node
	byName   map[string]NodeID
	steps    []*Step
	errs     []error
	defaults []StepOption
}

// New starts a graph.
func New(name string) *Builder {
	return &Builder{name: name, byName: make(map[string]NodeID)}
}

func (b *Builder) fail(format string, args ...interface{}) {
	b.errs = append(b.errs, errors.Newf(errors.ErrorTypeConstruction, format, args...))
}

func (b *Builder) addNode(name string, kind NodeKind, ref *core.TableRef) NodeID {
	id := NodeID(len(b.nodes))
	if name == "" {
		b.fail("node %d has no name", id)
	} else if _, dup := b.byName[name]; dup {
		b.fail("duplicate node name %q", name)
	} else {
		b.byName[name] = id
	}
	b.nodes = append(b.nodes, &Node{ID: id, Name: name, Kind: kind, Ref: ref})
	return id
}

// AddTable adds a node for a connector table.
func (b *Builder) AddTable(name string, ref *core.TableRef) NodeID {
	if ref == nil {
		b.fail("node %q has no table reference", name)
	}
	return b.addNode(name, TableNode, ref)
}

// AddIntermediate adds an anonymous, flow-scoped node.
func (b *Builder) AddIntermediate(name string) NodeID {
	return b.addNode(name, IntermediateNode, nil)
}

// Lookup returns the node with the given name.
func (b *Builder) Lookup(name string) (NodeID, bool) {
	id, ok := b.byName[name]
	return id, ok
}

func (b *Builder) valid(id NodeID) bool { return id >= 0 && int(id) < len(b.nodes) }

// Copy adds an identity step.
func (b *Builder) Copy(from, to NodeID, opts ...StepOption) {
	b.steps = append(b.steps, newStep(StepCopy, []NodeID{from}, to, b.defaults, opts))
}

// Transform adds a step applying fn to the rows of sources, in order.
func (b *Builder) Transform(sources []NodeID, to NodeID, fn transform.Function, opts ...StepOption) {
	s := newStep(StepTransform, append([]NodeID(nil), sources...), to, b.defaults, opts)
	s.Function = fn
	b.steps = append(b.steps, s)
}

// Filter adds a step keeping the rows matching pred.
func (b *Builder) Filter(from, to NodeID, pred transform.Predicate, opts ...StepOption) {
	s := newStep(StepFilter, []NodeID{from}, to, b.defaults, opts)
	s.Predicate = pred
	b.steps = append(b.steps, s)
}

// Template adds a template step, expanded by Validate. The options become
// the defaults of the steps the template generates.
func (b *Builder) Template(t *Template, opts ...StepOption) {
	s := newStep(StepTemplate, nil, -1, nil, nil)
	s.Template = t
	if t == nil {
		b.steps = append(b.steps, s)
		return
	}
	t.defaults = opts
	if t.ParamsFrom != "" {
		if id, ok := b.byName[t.ParamsFrom]; ok {
			s.Sources = []NodeID{id}
		}
	}
	b.steps = append(b.steps, s)
}

// Build checks handles and arity and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	errs := append([]error(nil), b.errs...)
	failf := func(format string, args ...interface{}) {
		errs = append(errs, errors.Newf(errors.ErrorTypeConstruction, format, args...))
	}
	producer := make(map[NodeID]int)
	for i, s := range b.steps {
		if s.Kind == StepTemplate {
			if s.Template == nil || s.Template.Expand == nil {
				failf("template step %d has no expansion", i)
			}
			continue
		}
		if !b.valid(s.Target) {
			failf("step %d targets unknown node %d", i, s.Target)
			continue
		}
		target := b.nodes[s.Target].Name
		if len(s.Sources) == 0 {
			failf("step producing %q has no source", target)
		}
		for _, src := range s.Sources {
			if !b.valid(src) {
				failf("step producing %q reads unknown node %d", target, src)
			}
		}
		switch s.Kind {
		case StepCopy, StepFilter:
			if len(s.Sources) != 1 {
				failf("%s step producing %q takes one source", s.Kind, target)
			}
		}
		switch {
		case s.Kind == StepTransform && s.Function == nil:
			failf("transform step producing %q has no function", target)
		case s.Kind == StepFilter && s.Predicate == nil:
			failf("filter step producing %q has no predicate", target)
		}
		if prev, dup := producer[s.Target]; dup {
			failf("node %q is produced by steps %d and %d", target, prev, i)
			continue
		}
		producer[s.Target] = i
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	g := &Graph{
		name:      b.name,
		nodes:     b.nodes,
		byName:    b.byName,
		steps:     b.steps,
		producer:  producer,
		consumers: make([][]NodeID, len(b.nodes)),
	}
	for _, s := range b.steps {
		if s.Kind == StepTemplate {
			continue
		}
		seen := map[NodeID]bool{}
		for _, src := range s.Sources {
			if !seen[src] {
				seen[src] = true
				g.consumers[src] = append(g.consumers[src], s.Target)
			}
		}
	}
	return g, nil
}

// Graph is an immutable, built flow.
type Graph struct {
	name      string
	nodes     []*Node
	byName    map[string]NodeID
	steps     []*Step
	producer  map[NodeID]int
	consumers [][]NodeID
}

// Name returns the flow name
func (g *Graph) Name() string { return g.name }

// Nodes returns the nodes in handle order.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Node returns the node with the given handle.
func (g *Graph) Node(id NodeID) *Node { return g.nodes[id] }

// Lookup returns the node with the given name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Steps returns every step, templates included.
func (g *Graph) Steps() []*Step { return g.steps }

// Producer returns the step producing id, if any.
func (g *Graph) Producer(id NodeID) (*Step, bool) {
	i, ok := g.producer[id]
	if !ok {
		return nil, false
	}
	return g.steps[i], true
}

// Producers returns the distinct source nodes of the step producing id.
func (g *Graph) Producers(id NodeID) []NodeID {
	s, ok := g.Producer(id)
	if !ok {
		return nil
	}
	seen := map[NodeID]bool{}
	var out []NodeID
	for _, src := range s.Sources {
		if !seen[src] {
			seen[src] = true
			out = append(out, src)
		}
	}
	return out
}

// Consumers returns the nodes produced from id.
func (g *Graph) Consumers(id NodeID) []NodeID { return g.consumers[id] }

// HasTemplates reports whether the graph still needs expansion.
func (g *Graph) HasTemplates() bool {
	for _, s := range g.steps {
		if s.Kind == StepTemplate {
			return true
		}
	}
	return false
}

// StepName names a step after its target, for reports and logs.
func (g *Graph) StepName(s *Step) string {
	if s.Kind == StepTemplate {
		if s.Template != nil {
			return "template " + s.Template.Name
		}
		return "template"
	}
	return fmt.Sprintf("%s -> %s", s.Kind, g.nodes[s.Target].Name)
}
