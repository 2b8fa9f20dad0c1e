package core

import (
	"fmt"
	"strings"

	"github.com/tabulify/tabulify/pkg/types"
)

// Column is one column of a Schema
type Column struct {
	Name     string              `yaml:"name" json:"name"`
	Type     types.CanonicalType `yaml:"type" json:"type"`
	Native   types.NativeType    `yaml:"-" json:"-"`
	Nullable bool                `yaml:"nullable" json:"nullable"`
	// ContentType is the column level content type hint, when the backend
	// stores one
	ContentType string `yaml:"content_type,omitempty" json:"content_type,omitempty"`
}

// Schema is the ordered column list of a table
type Schema struct {
	Columns []Column `yaml:"columns" json:"columns"`
}

// NewSchema builds a schema from columns.
func NewSchema(columns ...Column) *Schema {
	return &Schema{Columns: columns}
}

// Col is a shorthand for a nullable column.
func Col(name string, t types.CanonicalType) Column {
	return Column{Name: name, Type: t, Nullable: true}
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Columns)
}

// Index returns the position of the named column (case-insensitive) or -1.
func (s *Schema) Index(name string) int {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

// Names returns the column names in order.
func (s *Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Clone returns a deep copy.
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	cols := make([]Column, len(s.Columns))
	copy(cols, s.Columns)
	return &Schema{Columns: cols}
}

// Validate rejects empty and duplicate column names.
func (s *Schema) Validate() error {
	seen := make(map[string]bool, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("column %d has no name", i)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %q", c.Name)
		}
		seen[key] = true
	}
	return nil
}

func (s *Schema) String() string {
	parts := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		parts[i] = c.Name + " " + c.Type.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// ApplyColumnContentTypes stamps column level hints onto values that carry
// none. File connectors use it on read so a hint stored in the data
// definition comes back on every non-null value.
func (s *Schema) ApplyColumnContentTypes(row types.Row) {
	for i := range row {
		if i >= len(s.Columns) {
			return
		}
		if row[i].ContentType == "" && row[i].V != nil {
			row[i].ContentType = s.Columns[i].ContentType
		}
	}
}

// CollectContentTypes records, for every column without a hint, the first
// hint seen in row. It returns the number of values whose hint differs from
// the column hint and therefore cannot be stored at column level.
func (s *Schema) CollectContentTypes(row types.Row) int {
	dropped := 0
	for i := range row {
		if i >= len(s.Columns) || row[i].ContentType == "" {
			continue
		}
		switch s.Columns[i].ContentType {
		case "":
			s.Columns[i].ContentType = row[i].ContentType
		case row[i].ContentType:
		default:
			dropped++
		}
	}
	return dropped
}
