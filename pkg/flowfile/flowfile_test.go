package flowfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	_ "github.com/tabulify/tabulify/pkg/connector/generator"
	"github.com/tabulify/tabulify/pkg/connector/memory"
	"github.com/tabulify/tabulify/pkg/connector/registry"
	"github.com/tabulify/tabulify/pkg/engine"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
)

const document = `
name: people
options:
  max_concurrency: 2
connectors:
  - name: gen
    type: generator
    options:
      tables:
        - name: people
          rows: ${PEOPLE_ROWS}
          seed: 1
          columns:
            - name: id
              type: int64
            - name: name
              type: text(12)
  - name: mem
    type: memory
nodes:
  - name: people
    ref: gen/people
  - name: staged
    intermediate: true
  - name: seniors
    ref: mem/seniors
steps:
  - from: people
    to: staged
  - kind: filter
    from: staged
    to: seniors
    predicate: id > 5
    on_error: mark-failed-continue-siblings
    retry:
      max_attempts: 2
      initial_delay: 10ms
    timeout: 1m
  - name: regions
    params:
      - region: eu
      - region: us
    mode: append
    nodes:
      - name: people_${region}
        ref: mem/people_${region}
    steps:
      - from: [people]
        to: people_${region}
        function: constant
        args:
          column: region
          value: ${region}
          type: text(2)
`

func compile(t *testing.T, doc *Document) *Compiled {
	t.Helper()
	ctx := context.Background()
	c, err := doc.Compile(ctx, registry.GetRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })
	return c
}

func TestParseDocument(t *testing.T) {
	t.Setenv("PEOPLE_ROWS", "10")
	doc, err := Parse([]byte(document))
	require.NoError(t, err)

	assert.Equal(t, "people", doc.Name)
	assert.Equal(t, 2, doc.Options.MaxConcurrency)
	assert.Len(t, doc.EngineOptions(), 1)
	require.Len(t, doc.Steps, 3)
	assert.Equal(t, "copy", doc.Steps[0].kind())
	assert.Equal(t, Names{"people"}, doc.Steps[0].From)
	assert.Equal(t, "filter", doc.Steps[1].kind())
	assert.Equal(t, time.Minute, doc.Steps[1].Timeout)
	assert.Equal(t, 10*time.Millisecond, doc.Steps[1].Retry.InitialDelay)
	assert.Equal(t, "template", doc.Steps[2].kind())
	assert.Equal(t, "people_${region}", doc.Steps[2].Nodes[0].Name)
	assert.Equal(t, 10, doc.Connectors[0].Options["tables"].([]interface{})[0].(map[string]interface{})["rows"])
}

func TestCompileAndRun(t *testing.T) {
	t.Setenv("PEOPLE_ROWS", "10")
	doc, err := Parse([]byte(document))
	require.NoError(t, err)
	c := compile(t, doc)
	assert.Equal(t, []string{"gen", "mem"}, c.ConnectorNames())

	opts := append(doc.EngineOptions(), engine.WithLogger(zaptest.NewLogger(t)))
	res := engine.New(opts...).Run(context.Background(), c.Graph)
	require.NoError(t, res.Err())
	assert.Equal(t, 0, res.ExitCode())

	seniors, ok := res.Node("seniors")
	require.True(t, ok)
	assert.Equal(t, int64(5), seniors.Rows)

	conn, ok := c.Connector("mem")
	require.True(t, ok)
	mem := conn.(*memory.Connector)
	assert.Len(t, mem.Rows("seniors"), 5)
	for _, region := range []string{"eu", "us"} {
		rows := mem.Rows("people_" + region)
		require.Len(t, rows, 10)
		assert.Equal(t, region, rows[0][2].V)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("PEOPLE_ROWS", "3")
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(document), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	c := compile(t, doc)
	_, report := flow.Validate(context.Background(), c.Graph)
	require.True(t, report.OK(), "%v", report.Err())
	assert.Equal(t, [][]string{{"people"}, {"people_eu", "people_us", "staged"}, {"seniors"}}, report.Levels)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown connector",
			doc: `
name: bad
nodes:
  - name: a
    ref: nowhere/a
`,
			want: `unknown connector "nowhere"`,
		},
		{
			name: "malformed ref",
			doc: `
name: bad
nodes:
  - name: a
    ref: just-a-table
`,
			want: "is not connector/table",
		},
		{
			name: "ambiguous node",
			doc: `
name: bad
connectors:
  - name: mem
    type: memory
nodes:
  - name: a
    ref: mem/a
    intermediate: true
`,
			want: "both intermediate and a table",
		},
		{
			name: "unknown mode",
			doc: `
name: bad
connectors:
  - name: mem
    type: memory
nodes:
  - name: a
    ref: mem/a
  - name: b
    ref: mem/b
steps:
  - from: a
    to: b
    mode: upsert
`,
			want: `unknown mode "upsert"`,
		},
		{
			name: "unknown function",
			doc: `
name: bad
connectors:
  - name: mem
    type: memory
nodes:
  - name: a
    ref: mem/a
  - name: b
    ref: mem/b
steps:
  - from: a
    to: b
    function: shuffle
`,
			want: `unknown function "shuffle"`,
		},
		{
			name: "unknown node",
			doc: `
name: bad
connectors:
  - name: mem
    type: memory
nodes:
  - name: a
    ref: mem/a
steps:
  - from: a
    to: ghost
`,
			want: `unknown node "ghost"`,
		},
		{
			name: "copy from two nodes",
			doc: `
name: bad
connectors:
  - name: mem
    type: memory
nodes:
  - name: a
    ref: mem/a
  - name: b
    ref: mem/b
  - name: c
    ref: mem/c
steps:
  - from: [a, b]
    to: c
`,
			want: "reads exactly one node",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.doc))
			require.NoError(t, err)
			_, err = doc.Compile(context.Background(), registry.GetRegistry())
			require.Error(t, err)
			assert.True(t, errors.Has(err, errors.ErrorTypeConstruction), "%v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no name", "nodes: []", "has no name"},
		{"connector without type", "name: x\nconnectors:\n  - name: a", "connector a has no type"},
		{"duplicate connector", "name: x\nconnectors:\n  - {name: a, type: memory}\n  - {name: a, type: memory}", "duplicate connector a"},
		{"bad yaml", "name: [", "parsing flow document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestUnknownConnectorTypeClosesOpened(t *testing.T) {
	doc, err := Parse([]byte(`
name: bad
connectors:
  - name: mem
    type: memory
  - name: other
    type: teleport
`))
	require.NoError(t, err)
	_, err = doc.Compile(context.Background(), registry.GetRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connector type teleport not found")
}
