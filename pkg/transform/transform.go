// Package transform holds the row functions of Transform steps and the
// predicates of Filter steps.
//
// A Function describes its output schema from the schemas of its inputs and
// is bound once per execution attempt, so stateful functions such as dedupe
// start from a clean state on every retry.
//
//	fn, err := transform.Lookup("rename", map[string]interface{}{"from": "id", "to": "key"})
//	out, err := fn.OutputSchema(inputs)
//	apply, err := fn.Bind(inputs, out)
//	row, keep, err := apply(0, in)
package transform

import (
	"sort"
	"sync"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// RowFunc maps one row of source number source to an output row. Rows with
// keep=false are dropped.
type RowFunc func(source int, row types.Row) (out types.Row, keep bool, err error)

// Function is a row function together with its schema rule.
type Function interface {
	Name() string
	// OutputSchema derives the schema of the rows Apply produces
	OutputSchema(inputs []*core.Schema) (*core.Schema, error)
	// Bind returns the row function of one execution attempt
	Bind(inputs []*core.Schema, output *core.Schema) (RowFunc, error)
}

// Func builds a Function from plain functions. bind is called on every
// Bind, so closures it returns may keep per-attempt state.
func Func(name string, schema func([]*core.Schema) (*core.Schema, error), bind func([]*core.Schema, *core.Schema) (RowFunc, error)) Function {
	return &function{name: name, schema: schema, bind: bind}
}

// StatefulFunc is Func for functions whose output for a row depends on the
// rows bound before it. Such steps restart from the first source row on
// retry instead of resuming.
func StatefulFunc(name string, schema func([]*core.Schema) (*core.Schema, error), bind func([]*core.Schema, *core.Schema) (RowFunc, error)) Function {
	return &function{name: name, schema: schema, bind: bind, stateful: true}
}

// Stateful is implemented by functions that carry state across rows.
type Stateful interface {
	Stateful() bool
}

// IsStateful reports whether f carries state across rows.
func IsStateful(f Function) bool {
	s, ok := f.(Stateful)
	return ok && s.Stateful()
}

type function struct {
	name     string
	schema   func([]*core.Schema) (*core.Schema, error)
	bind     func([]*core.Schema, *core.Schema) (RowFunc, error)
	stateful bool
}

func (f *function) Name() string { return f.name }

func (f *function) Stateful() bool { return f.stateful }

func (f *function) OutputSchema(inputs []*core.Schema) (*core.Schema, error) {
	if len(inputs) == 0 {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "%s needs at least one input", f.name)
	}
	return f.schema(inputs)
}

func (f *function) Bind(inputs []*core.Schema, output *core.Schema) (RowFunc, error) {
	return f.bind(inputs, output)
}

// Args are the arguments of a named function as written in a flow document.
type Args map[string]interface{}

// Constructor builds a Function from its arguments.
type Constructor func(args Args) (Function, error)

var (
	mu       sync.RWMutex
	builtins = map[string]Constructor{}
)

// Register makes a function available by name to flow documents.
func Register(name string, c Constructor) {
	mu.Lock()
	defer mu.Unlock()
	builtins[name] = c
}

// Lookup builds the named function.
func Lookup(name string, args Args) (Function, error) {
	mu.RLock()
	c, ok := builtins[name]
	mu.RUnlock()
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConstruction, "unknown function %q", name)
	}
	fn, err := c(args)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConstruction, "function "+name)
	}
	return fn, nil
}

// Names lists the registered functions.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
