// Package flowfile reads flow documents: YAML files declaring connectors,
// nodes and steps, and compiles them into a flow graph.
//
//	doc, err := flowfile.Load("flow.yaml")
//	compiled, err := doc.Compile(ctx, registry.GetRegistry())
//	defer compiled.Close(ctx)
//	res := engine.New(doc.EngineOptions()...).Run(ctx, compiled.Graph)
package flowfile

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/engine"
	"github.com/tabulify/tabulify/pkg/errors"
)

// Document is a parsed flow document.
type Document struct {
	Name       string         `yaml:"name"`
	Options    Options        `yaml:"options"`
	Connectors []ConnectorDoc `yaml:"connectors"`
	Nodes      []NodeDoc      `yaml:"nodes"`
	Steps      []StepDoc      `yaml:"steps"`
}

// Options are the engine settings a document may carry. Command line flags
// override them.
type Options struct {
	MaxConcurrency       int  `yaml:"max_concurrency"`
	BufferSize           int  `yaml:"buffer_size"`
	CancelRunningOnAbort bool `yaml:"cancel_running_on_abort"`
}

// ConnectorDoc declares a connector instance.
type ConnectorDoc struct {
	Name    string                 `yaml:"name"`
	Type    string                 `yaml:"type"`
	Options map[string]interface{} `yaml:"options"`
}

// NodeDoc declares a node: a table of a connector, written
// "connector/table", or an intermediate dataset.
type NodeDoc struct {
	Name         string `yaml:"name"`
	Ref          string `yaml:"ref"`
	Intermediate bool   `yaml:"intermediate"`
}

// RetryDoc overrides the engine retry policy for one step.
type RetryDoc struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// StepDoc declares a step. Template steps carry Params or ParamsFrom and
// the nodes and steps generated for each parameter row, where ${param}
// placeholders are replaced.
type StepDoc struct {
	Kind      string                 `yaml:"kind"`
	From      Names                  `yaml:"from"`
	To        string                 `yaml:"to"`
	Function  string                 `yaml:"function"`
	Args      map[string]interface{} `yaml:"args"`
	Predicate string                 `yaml:"predicate"`

	Mode                 string        `yaml:"mode"`
	OnError              string        `yaml:"on_error"`
	Lossy                string        `yaml:"lossy"`
	PropagateContentType *bool         `yaml:"propagate_content_type"`
	ColumnMapping        string        `yaml:"column_mapping"`
	Retry                *RetryDoc     `yaml:"retry"`
	Timeout              time.Duration `yaml:"timeout"`

	Name       string              `yaml:"name"`
	Params     []map[string]string `yaml:"params"`
	ParamsFrom string              `yaml:"params_from"`
	Nodes      []NodeDoc           `yaml:"nodes"`
	Steps      []StepDoc           `yaml:"steps"`
}

// Names is a list of node names that may be written as a single scalar.
type Names []string

// UnmarshalYAML accepts a scalar or a sequence.
func (n *Names) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		*n = Names{value.Value}
		return nil
	}
	var list []string
	if err := value.Decode(&list); err != nil {
		return err
	}
	*n = list
	return nil
}

// Load reads a flow document. ${VAR} placeholders are replaced from the
// environment; the ones it does not define are left for templates.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading flow document "+path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "flow document "+path)
	}
	return doc, nil
}

// Parse parses a flow document.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := config.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing flow document")
	}
	if err := doc.check(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Document) check() error {
	if d.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "flow document has no name")
	}
	seen := make(map[string]bool)
	for i, c := range d.Connectors {
		switch {
		case c.Name == "":
			return errors.Newf(errors.ErrorTypeValidation, "connector #%d has no name", i+1)
		case c.Type == "":
			return errors.Newf(errors.ErrorTypeValidation, "connector %s has no type", c.Name)
		case seen[c.Name]:
			return errors.Newf(errors.ErrorTypeValidation, "duplicate connector %s", c.Name)
		}
		seen[c.Name] = true
	}
	if d.Options.MaxConcurrency < 0 || d.Options.BufferSize < 0 {
		return errors.New(errors.ErrorTypeValidation, "options cannot be negative")
	}
	return nil
}

// EngineOptions returns the engine options the document sets.
func (d *Document) EngineOptions() []engine.Option {
	var opts []engine.Option
	if d.Options.MaxConcurrency > 0 {
		opts = append(opts, engine.WithMaxConcurrency(d.Options.MaxConcurrency))
	}
	if d.Options.BufferSize > 0 {
		opts = append(opts, engine.WithBufferSize(d.Options.BufferSize))
	}
	if d.Options.CancelRunningOnAbort {
		opts = append(opts, engine.WithCancelRunningOnAbort(true))
	}
	return opts
}

// kind infers the step kind when it is not written.
func (s *StepDoc) kind() string {
	switch {
	case s.Kind != "":
		return s.Kind
	case len(s.Params) > 0 || s.ParamsFrom != "":
		return "template"
	case s.Function != "":
		return "transform"
	case s.Predicate != "":
		return "filter"
	}
	return "copy"
}

func (s *StepDoc) String() string {
	if s.kind() == "template" {
		return fmt.Sprintf("template %s", s.Name)
	}
	return fmt.Sprintf("%s %v -> %s", s.kind(), []string(s.From), s.To)
}
