package flow

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/transform"
	"github.com/tabulify/tabulify/pkg/types"
)

var orders = core.NewSchema(
	core.Col("id", types.Of(types.Int64)),
	core.Col("customer", types.TextOf(20)),
)

func store(t *testing.T) *memory.Connector {
	t.Helper()
	m := memory.New("mem", config.ConnectorConfig{})
	require.NoError(t, m.Open(context.Background()))
	m.Put("orders", orders, types.Values(int64(1), "ada"), types.Values(int64(2), "bob"))
	return m
}

func TestBuildCollectsConstructionErrors(t *testing.T) {
	m := store(t)
	b := New("broken")
	a := b.AddTable("a", core.NewTableRef(m, "orders"))
	b.AddTable("a", core.NewTableRef(m, "orders"))
	b.AddTable("nil", nil)
	x := b.AddIntermediate("x")
	b.Copy(a, x)
	b.Copy(a, x)
	b.Copy(a, NodeID(42))
	b.Transform([]NodeID{a}, x, nil)
	b.Filter(a, x, nil)
	b.Template(nil)

	_, err := b.Build()
	require.Error(t, err)
	assert.True(t, errors.Has(err, errors.ErrorTypeConstruction))
	for _, want := range []string{
		`duplicate node name "a"`,
		`node "nil" has no table reference`,
		`node "x" is produced by steps`,
		"unknown node 42",
		"has no function",
		"has no predicate",
		"has no expansion",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateNamesTheCycle(t *testing.T) {
	b := New("loop")
	src := b.AddTable("src", core.NewTableRef(store(t), "orders"))
	x := b.AddIntermediate("x")
	y := b.AddIntermediate("y")
	b.Transform([]NodeID{src, y}, x, transform.Union())
	b.Copy(x, y)
	g, err := b.Build()
	require.NoError(t, err)

	_, report := Validate(context.Background(), g)
	require.False(t, report.OK())
	require.Len(t, report.Errors, 1)
	assert.True(t, errors.IsType(report.Errors[0], errors.ErrorTypeCyclicFlow))
	assert.Contains(t, report.Errors[0].Error(), "x -> y -> x")
	assert.Empty(t, report.Levels)
}

func TestValidateIncompleteFlow(t *testing.T) {
	m := store(t)
	b := New("dangling")
	orphan := b.AddIntermediate("orphan")
	dst := b.AddTable("dst", core.NewTableRef(m, "out"))
	b.Copy(orphan, dst)
	g, err := b.Build()
	require.NoError(t, err)

	_, report := Validate(context.Background(), g)
	require.False(t, report.OK())
	assert.True(t, errors.IsType(report.Err(), errors.ErrorTypeIncompleteFlow) ||
		errors.Has(report.Err(), errors.ErrorTypeIncompleteFlow))
	assert.Contains(t, report.Err().Error(), `intermediate node "orphan" has no producer`)
}

func TestLevelsOfDiamond(t *testing.T) {
	m := store(t)
	b := New("diamond")
	a := b.AddTable("a", core.NewTableRef(m, "orders"))
	l := b.AddIntermediate("left")
	r := b.AddIntermediate("right")
	d := b.AddTable("d", core.NewTableRef(m, "merged"))
	b.Copy(a, l)
	b.Copy(a, r)
	b.Transform([]NodeID{l, r}, d, transform.Union())
	g, err := b.Build()
	require.NoError(t, err)

	_, report := Validate(context.Background(), g)
	require.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, [][]string{{"a"}, {"left", "right"}, {"d"}}, report.Levels)

	s, ok := report.Schema("d")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "customer"}, s.Names())
}

func TestTemplateExpansion(t *testing.T) {
	m := store(t)
	m.Put("targets", core.NewSchema(core.Col("suffix", types.Of(types.Text))),
		types.Values("eu"), types.Values("us"))

	expandCopies := func(_ int, p Params, b *Builder) error {
		name, err := Substitute("orders_${suffix}", p)
		if err != nil {
			return err
		}
		src, _ := b.Lookup("orders")
		dst := b.AddTable(name, core.NewTableRef(m, name))
		b.Copy(src, dst)
		return nil
	}

	tests := []struct {
		name     string
		template *Template
	}{
		{"inline", &Template{Name: "fanout", Params: []Params{{"suffix": "eu"}, {"suffix": "us"}}, Expand: expandCopies}},
		{"from node", &Template{Name: "fanout", ParamsFrom: "targets", Expand: expandCopies}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("fanout")
			b.AddTable("orders", core.NewTableRef(m, "orders"))
			b.AddTable("targets", core.NewTableRef(m, "targets"))
			b.Template(tt.template, WithMode(core.ModeAppend), WithOnError(SkipNode))
			g, err := b.Build()
			require.NoError(t, err)
			require.True(t, g.HasTemplates())

			expanded, report := Validate(context.Background(), g)
			require.True(t, report.OK(), "%v", report.Err())
			assert.False(t, expanded.HasTemplates())
			for _, name := range []string{"orders_eu", "orders_us"} {
				n, ok := expanded.Lookup(name)
				require.True(t, ok, name)
				s, ok := expanded.Producer(n.ID)
				require.True(t, ok)
				assert.Equal(t, core.ModeAppend, s.Mode)
				assert.Equal(t, SkipNode, s.OnError)
			}
		})
	}
}

func TestTemplateErrors(t *testing.T) {
	m := store(t)
	tests := []struct {
		name     string
		template *Template
	}{
		{"unknown params node", &Template{Name: "t", ParamsFrom: "nope", Expand: func(int, Params, *Builder) error { return nil }}},
		{"missing parameter", &Template{Name: "t", Params: []Params{{}}, Expand: func(_ int, p Params, _ *Builder) error {
			_, err := Substitute("${table}", p)
			return err
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("t")
			b.AddTable("orders", core.NewTableRef(m, "orders"))
			b.Template(tt.template)
			g, err := b.Build()
			require.NoError(t, err)
			_, report := Validate(context.Background(), g)
			require.False(t, report.OK())
			assert.True(t, errors.Has(report.Err(), errors.ErrorTypeUnresolvedTemplate))
		})
	}
}

func TestTemplateExpansionCycle(t *testing.T) {
	m := store(t)
	tests := []struct {
		name     string
		template *Template
		static   func(t *testing.T, b *Builder)
		cycle    []string
	}{
		{
			name:   "instance closes a static chain",
			static: func(t *testing.T, b *Builder) { b.Copy(lookup(t, b, "x"), lookup(t, b, "y")) },
			template: &Template{Name: "feedback", Params: []Params{{}}, Expand: func(_ int, _ Params, b *Builder) error {
				src, _ := b.Lookup("src")
				y, _ := b.Lookup("y")
				x, _ := b.Lookup("x")
				b.Transform([]NodeID{src, y}, x, transform.Union())
				return nil
			}},
			cycle: []string{"x", "y"},
		},
		{
			name:   "instances close a loop between them",
			static: func(*testing.T, *Builder) {},
			template: &Template{Name: "swap", Params: []Params{{"from": "x", "to": "y"}, {"from": "y", "to": "x"}},
				Expand: func(_ int, p Params, b *Builder) error {
					from, _ := b.Lookup(p["from"])
					to, _ := b.Lookup(p["to"])
					b.Copy(from, to)
					return nil
				}},
			cycle: []string{"x", "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New("loop")
			b.AddTable("src", core.NewTableRef(m, "orders"))
			b.AddIntermediate("x")
			b.AddIntermediate("y")
			tt.static(t, b)
			b.Template(tt.template)
			g, err := b.Build()
			require.NoError(t, err, "the loop only exists after expansion")

			_, report := Validate(context.Background(), g)
			require.False(t, report.OK())
			assert.True(t, errors.Has(report.Err(), errors.ErrorTypeCyclicFlow), "%v", report.Err())
			for _, name := range tt.cycle {
				assert.Contains(t, report.Err().Error(), name)
			}
			assert.Contains(t, report.Err().Error(), "->")
			assert.Empty(t, report.Levels)
		})
	}
}

func lookup(t *testing.T, b *Builder, name string) NodeID {
	t.Helper()
	id, ok := b.Lookup(name)
	require.True(t, ok, name)
	return id
}

func TestSubstitute(t *testing.T) {
	out, err := Substitute("${a}_${b}_${a}", Params{"a": "x", "b": "y"})
	require.NoError(t, err)
	assert.Equal(t, "x_y_x", out)

	out, err = Substitute("plain $a {b}", nil)
	require.NoError(t, err)
	assert.Equal(t, "plain $a {b}", out)

	_, err = Substitute("${a}/${c}", Params{"a": "x"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeUnresolvedTemplate))
	assert.Contains(t, err.Error(), "${c}")
}

func TestDryCheckFindings(t *testing.T) {
	m := store(t)
	m.Put("narrow", core.NewSchema(
		core.Col("id", types.Of(types.Int32)),
		core.Col("customer", types.TextOf(20)),
	))

	b := New("dry")
	src := b.AddTable("orders", core.NewTableRef(m, "orders"))
	dst := b.AddTable("narrow", core.NewTableRef(m, "narrow"))
	missing := b.AddTable("missing", core.NewTableRef(m, "missing"))
	out := b.AddTable("out", core.NewTableRef(m, "out"))
	b.Copy(src, dst, WithMode(core.ModeAppend))
	b.Copy(missing, out)
	g, err := b.Build()
	require.NoError(t, err)

	_, report := Validate(context.Background(), g)
	require.False(t, report.OK())

	warnings := report.Warnings()
	require.Len(t, warnings, 1)
	assert.Equal(t, "id", warnings[0].Column)
	assert.Equal(t, "copy -> narrow", warnings[0].Step)
	assert.True(t, errors.IsType(warnings[0].Err, errors.ErrorTypeLossyConversion))

	var failed []string
	for _, f := range report.Findings {
		if f.Severity == SeverityError {
			failed = append(failed, f.Node)
		}
	}
	assert.Equal(t, []string{"missing"}, failed)
	_, ok := report.Schema("out")
	assert.False(t, ok)
}

func TestPlanStepProjection(t *testing.T) {
	ints := types.NewMapping("ints", map[string]types.Kind{"int": types.Int32},
		map[types.Kind]types.Template{types.Int32: {Name: "int"}})
	s := &Step{Kind: StepCopy}

	p, findings, err := PlanStep(s, core.NewSchema(core.Col("n", types.Of(types.Int64))), ints, nil)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityWarning, findings[0].Severity)
	assert.Equal(t, types.Int32, p.Target.Columns[0].Type.Kind)
	assert.Equal(t, "int", p.Target.Columns[0].Native.Name)

	_, findings, err = PlanStep(s, core.NewSchema(core.Col("s", types.Of(types.Text))), ints, nil)
	assert.True(t, errors.Has(err, errors.ErrorTypeUnsupportedProjection))
	require.Len(t, findings, 1)
	assert.Equal(t, SeverityError, findings[0].Severity)
	assert.Equal(t, "s", findings[0].Column)
}

func TestPlanStepExistingTarget(t *testing.T) {
	existing := core.NewSchema(
		core.Col("a", types.Of(types.Int64)),
		core.Col("b", types.Of(types.Text)),
	)

	byName := &Step{Kind: StepCopy, ColumnMapping: ByName}
	p, findings, err := PlanStep(byName, core.NewSchema(core.Col("B", types.TextOf(5))), nil, existing)
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, []int{-1, 0}, p.Index)
	assert.Equal(t, types.Row{types.Null, types.V("x")}, p.Map(types.Values("x")))
	_, ok := p.InputType(0)
	assert.False(t, ok)

	_, _, err = PlanStep(byName, core.NewSchema(core.Col("c", types.Of(types.Text))), nil, existing)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))

	byPosition := &Step{Kind: StepCopy, ColumnMapping: ByPosition}
	_, _, err = PlanStep(byPosition, core.NewSchema(core.Col("a", types.Of(types.Int64))), nil, existing)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSchemaMismatch))

	p, findings, err = PlanStep(byPosition, core.NewSchema(
		core.Col("x", types.Of(types.Float64)),
		core.Col("y", types.Of(types.Int32)),
	), nil, existing)
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "a", findings[0].Column)
	assert.True(t, p.Existing)
}

func TestStepOutputClearsContentTypes(t *testing.T) {
	hinted := core.NewSchema(core.Column{Name: "doc", Type: types.Of(types.Text), ContentType: "application/json", Nullable: true})
	s := &Step{Kind: StepTransform, Function: transform.Union()}

	out, err := StepOutput(s, []*core.Schema{hinted})
	require.NoError(t, err)
	assert.Empty(t, out.Columns[0].ContentType)

	s.PropagateContentType = true
	out, err = StepOutput(s, []*core.Schema{hinted})
	require.NoError(t, err)
	assert.Equal(t, "application/json", out.Columns[0].ContentType)
	assert.Equal(t, "application/json", hinted.Columns[0].ContentType)
}

func ExampleValidate() {
	m := memory.New("mem", config.ConnectorConfig{})
	_ = m.Open(context.Background())
	m.Put("orders", orders)

	b := New("daily")
	src := b.AddTable("orders", core.NewTableRef(m, "orders"))
	big, _ := transform.ParsePredicate("id > 100")
	staged := b.AddIntermediate("big_orders")
	b.Filter(src, staged, big)
	b.Copy(staged, b.AddTable("archive", core.NewTableRef(m, "archive")))

	g, err := b.Build()
	if err != nil {
		fmt.Println(err)
		return
	}
	_, report := Validate(context.Background(), g)
	fmt.Println(report.OK(), report.Levels)
	// Output: true [[orders] [big_orders] [archive]]
}
