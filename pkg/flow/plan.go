package flow

import (
	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/transform"
	"github.com/tabulify/tabulify/pkg/types"
)

// Plan says how the rows of one step execution reach the target: rows
// shaped like Input are mapped column by column onto Target.
type Plan struct {
	Input  *core.Schema
	Target *core.Schema
	// Index[i] is the input column written to target column i, -1 for NULL
	Index []int
	// Existing is set when rows are appended to a table that already exists
	Existing bool
}

// StepOutput derives the schema of the rows a step produces. A transform
// that does not propagate content types produces columns without hints.
func StepOutput(s *Step, inputs []*core.Schema) (*core.Schema, error) {
	if len(inputs) == 0 || inputs[0] == nil {
		return nil, errors.New(errors.ErrorTypeConstruction, "step has no input schema")
	}
	switch s.Kind {
	case StepCopy:
		return inputs[0].Clone(), nil
	case StepFilter:
		if _, err := s.Predicate.Bind(inputs[0]); err != nil {
			return nil, err
		}
		return inputs[0].Clone(), nil
	case StepTransform:
		out, err := s.Function.OutputSchema(inputs)
		if err != nil {
			return nil, err
		}
		out = out.Clone()
		if !s.PropagateContentType {
			for i := range out.Columns {
				out.Columns[i].ContentType = ""
			}
		}
		return out, nil
	}
	return nil, errors.Newf(errors.ErrorTypeConstruction, "%s steps do not produce rows", s.Kind)
}

// PlanStep maps the step output onto the target. existing is the schema of
// the target when rows are appended to a table that already exists; the
// output columns are then matched by position or by name and keep the
// target types. Otherwise every column is projected onto mapping.
//
// Findings report unsupported projections (errors) and narrowing ones
// (warnings) per column; the returned error is set when any finding is an
// error.
func PlanStep(s *Step, input *core.Schema, mapping *types.Mapping, existing *core.Schema) (*Plan, []Finding, error) {
	p := &Plan{Input: input}
	var findings []Finding

	if existing != nil {
		p.Existing = true
		p.Target = existing.Clone()
		p.Index = make([]int, existing.Len())
		switch s.ColumnMapping {
		case ByName:
			used := make([]bool, input.Len())
			for i, c := range existing.Columns {
				j := input.Index(c.Name)
				p.Index[i] = j
				if j >= 0 {
					used[j] = true
				}
			}
			for j, u := range used {
				if !u {
					return nil, nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
						"column %q has no match in the target", input.Columns[j].Name)
				}
			}
		default:
			if input.Len() != existing.Len() {
				return nil, nil, errors.Newf(errors.ErrorTypeSchemaMismatch,
					"rows have %d columns, target has %d", input.Len(), existing.Len())
			}
			for i := range p.Index {
				p.Index[i] = i
			}
		}
		for i, j := range p.Index {
			if j < 0 {
				continue
			}
			from, to := input.Columns[j].Type, p.Target.Columns[i].Type
			if transform.Widen(from, to) != to {
				findings = append(findings, Finding{
					Severity: SeverityWarning,
					Column:   p.Target.Columns[i].Name,
					Err: errors.Newf(errors.ErrorTypeLossyConversion,
						"%s values written to %s may lose data", from, to),
				})
			}
		}
		return p, findings, nil
	}

	p.Target = &core.Schema{Columns: make([]core.Column, input.Len())}
	p.Index = make([]int, input.Len())
	var failed error
	for i, c := range input.Columns {
		p.Index[i] = i
		proj, err := types.Project(c.Type, mapping)
		if err != nil {
			findings = append(findings, Finding{Severity: SeverityError, Column: c.Name, Err: err})
			if failed == nil {
				failed = errors.Wrap(err, errors.ErrorTypeUnsupportedProjection, "column "+c.Name)
			}
			continue
		}
		if proj.Lossy {
			findings = append(findings, Finding{
				Severity: SeverityWarning,
				Column:   c.Name,
				Err: errors.Newf(errors.ErrorTypeLossyConversion,
					"%s is stored as %s and may lose data", c.Type, proj.Native),
			})
		}
		p.Target.Columns[i] = core.Column{
			Name:        c.Name,
			Type:        proj.Type,
			Native:      proj.Native,
			Nullable:    c.Nullable,
			ContentType: c.ContentType,
		}
	}
	if failed != nil {
		return nil, findings, failed
	}
	return p, findings, nil
}

// Map builds the target row from an input row, without conversion.
func (p *Plan) Map(row types.Row) types.Row {
	out := make(types.Row, len(p.Index))
	for i, j := range p.Index {
		if j >= 0 {
			out[i] = row[j]
		}
	}
	return out
}

// InputType returns the input type feeding target column i.
func (p *Plan) InputType(i int) (types.CanonicalType, bool) {
	j := p.Index[i]
	if j < 0 {
		return types.CanonicalType{}, false
	}
	return p.Input.Columns[j].Type, true
}
