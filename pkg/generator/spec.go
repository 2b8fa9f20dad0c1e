package generator

import (
	"fmt"
	"os"
	"strings"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Rule kinds
const (
	RuleSequence    = "sequence"
	RuleRandomInt   = "random_int"
	RuleRandomFloat = "random_float"
	RuleChoice      = "choice"
	RuleRandomText  = "random_text"
	RuleConstant    = "constant"
	RuleUUID        = "uuid"
	RulePattern     = "pattern"
)

// ContentTypeDetect asks the generator to sniff the content type of every
// generated binary value.
const ContentTypeDetect = "auto"

// Rule tells how the values of a column are produced.
type Rule struct {
	Kind string `yaml:"kind"`

	// sequence, pattern: Start + tick*Step. Dates step in days, timestamps
	// in milliseconds. From is the origin of date and timestamp sequences.
	Start float64 `yaml:"start,omitempty"`
	Step  float64 `yaml:"step,omitempty"`
	From  string  `yaml:"from,omitempty"`
	// MaxTick wraps the sequence back to Start after that many ticks
	MaxTick int64 `yaml:"max_tick,omitempty"`

	// random_int, random_float: inclusive bounds
	Min float64 `yaml:"min,omitempty"`
	Max float64 `yaml:"max,omitempty"`

	// choice: the candidate values, converted to the column type
	Values []string `yaml:"values,omitempty"`

	// random_text: number of characters (bytes for binary columns)
	Length int `yaml:"length,omitempty"`

	// constant: the value, converted to the column type
	Value string `yaml:"value,omitempty"`

	// pattern: Prefix followed by the sequence number
	Prefix string `yaml:"prefix,omitempty"`
}

// ColumnSpec describes one generated column.
type ColumnSpec struct {
	Name     string              `yaml:"name"`
	Type     types.CanonicalType `yaml:"type"`
	Nullable bool                `yaml:"nullable,omitempty"`
	// NullRatio is the share of NULL values, in [0,1]
	NullRatio float64 `yaml:"null_ratio,omitempty"`
	// ContentType is stamped on every non-null value; "auto" sniffs binary
	// values with mimetype detection
	ContentType string `yaml:"content_type,omitempty"`
	Rule        Rule   `yaml:"rule,omitempty"`
}

// SchemaSpec describes a generated table.
type SchemaSpec struct {
	Name    string       `yaml:"name"`
	Columns []ColumnSpec `yaml:"columns"`
}

// TableSpec is a SchemaSpec with its size and seed, as found in spec files.
type TableSpec struct {
	SchemaSpec `yaml:",inline"`
	Rows       int64  `yaml:"rows"`
	Seed       uint64 `yaml:"seed"`
}

type specFile struct {
	Tables []TableSpec `yaml:"tables"`
}

// defaultRule picks a rule when a column has none.
func defaultRule(t types.CanonicalType) Rule {
	switch {
	case t.Kind.IsInteger(), t.Kind == types.Date, t.Kind == types.Timestamp:
		return Rule{Kind: RuleSequence, Start: 1, Step: 1}
	case t.Kind.IsFloat(), t.Kind == types.Decimal:
		return Rule{Kind: RuleRandomFloat, Min: 0, Max: 1000}
	case t.Kind == types.Boolean:
		return Rule{Kind: RuleRandomInt, Min: 0, Max: 1}
	default:
		return Rule{Kind: RuleRandomText, Length: 8}
	}
}

// Validate checks every column rule.
func (s SchemaSpec) Validate() error {
	if s.Name == "" {
		return errors.New(errors.ErrorTypeValidation, "generator spec has no name")
	}
	if len(s.Columns) == 0 {
		return errors.Newf(errors.ErrorTypeValidation, "generator spec %s has no columns", s.Name)
	}
	seen := make(map[string]bool)
	for _, c := range s.Columns {
		if c.Name == "" {
			return errors.Newf(errors.ErrorTypeValidation, "generator spec %s has a column without name", s.Name)
		}
		if seen[strings.ToLower(c.Name)] {
			return errors.Newf(errors.ErrorTypeValidation, "generator spec %s: duplicate column %s", s.Name, c.Name)
		}
		seen[strings.ToLower(c.Name)] = true
		if err := c.validate(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, fmt.Sprintf("generator spec %s, column %s", s.Name, c.Name))
		}
	}
	return nil
}

func (c ColumnSpec) validate() error {
	if c.NullRatio < 0 || c.NullRatio > 1 {
		return fmt.Errorf("null_ratio must be between 0 and 1")
	}
	if c.NullRatio > 0 && !c.Nullable {
		return fmt.Errorf("null_ratio needs a nullable column")
	}
	r := c.Rule
	switch r.Kind {
	case "", RuleSequence, RuleUUID, RulePattern:
	case RuleRandomInt, RuleRandomFloat:
		if r.Min > r.Max {
			return fmt.Errorf("min %v is greater than max %v", r.Min, r.Max)
		}
	case RuleChoice:
		if len(r.Values) == 0 {
			return fmt.Errorf("choice needs values")
		}
	case RuleRandomText:
		if r.Length < 0 {
			return fmt.Errorf("length cannot be negative")
		}
	case RuleConstant:
	default:
		return fmt.Errorf("unknown rule %q", r.Kind)
	}
	if r.From != "" {
		if _, err := types.ParseTime(r.From); err != nil {
			return fmt.Errorf("from: %w", err)
		}
	}
	return nil
}

// ParseSpecs parses a YAML spec document with a top level tables list.
// ${VAR} placeholders are replaced from the environment.
func ParseSpecs(data []byte) ([]TableSpec, error) {
	var doc specFile
	if err := config.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "parsing generator spec")
	}
	for _, t := range doc.Tables {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if t.Rows < 0 {
			return nil, errors.Newf(errors.ErrorTypeValidation, "generator spec %s: rows cannot be negative", t.Name)
		}
	}
	return doc.Tables, nil
}

// LoadSpecs reads generator specs from a YAML file.
func LoadSpecs(path string) ([]TableSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "reading generator spec "+path)
	}
	return ParseSpecs(data)
}
