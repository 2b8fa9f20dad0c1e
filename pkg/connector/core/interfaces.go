package core

import (
	"context"
	"iter"

	"github.com/tabulify/tabulify/pkg/types"
)

// State represents the connector lifecycle state
type State string

const (
	StateClosed State = "closed"
	StateOpen   State = "open"
)

// WriteMode tells a writer what to do with existing data
type WriteMode string

const (
	// ModeCreate creates the table and fails when it already exists
	ModeCreate WriteMode = "create"
	// ModeAppend adds rows, creating the table when missing
	ModeAppend WriteMode = "append"
	// ModeReplace swaps the table content for the written rows
	ModeReplace WriteMode = "replace"
)

// ParseWriteMode parses a write mode name; the empty string is Replace.
func ParseWriteMode(s string) (WriteMode, bool) {
	switch WriteMode(s) {
	case "", ModeReplace:
		return ModeReplace, true
	case ModeCreate, ModeAppend:
		return WriteMode(s), true
	}
	return "", false
}

// Capabilities are the runtime-queryable features of a connector
type Capabilities struct {
	// Transactions: writes are committed or rolled back as a unit
	Transactions bool
	// StreamingWrite: rows can be written without buffering the whole table
	StreamingWrite bool
	// SchemaCreation: writers can create tables from a Schema
	SchemaCreation bool
	// MaxConcurrentSessions bounds readers and writers open at once (0 = unbounded)
	MaxConcurrentSessions int
	// ConcurrentRead allows more than one reader on the same table
	ConcurrentRead bool
	// AtomicReplace: readers see either the old or the new content, never a mix
	AtomicReplace bool
	// Resumable: readers honour ReadOptions.Offset and Append writers commit
	// incrementally, so a retry can continue where the last attempt stopped
	Resumable bool
	// PreservesContentType: content type hints survive a write and read back
	PreservesContentType bool
}

// Filter selects tables in ListTables
type Filter struct {
	// Pattern is a glob (path.Match syntax); empty matches everything
	Pattern string
}

// ReadOptions tune a reader
type ReadOptions struct {
	// Offset skips the first Offset rows; only honoured by resumable connectors
	Offset int64
}

// RowReader is a lazy, finite, forward-only sequence of rows.
// Next returns io.EOF after the last row.
type RowReader interface {
	Schema() *Schema
	Next(ctx context.Context) (types.Row, error)
	Close() error
}

// RowWriter is a row sink. Rows become visible on Commit; Abort discards
// whatever has not been committed yet.
type RowWriter interface {
	Write(ctx context.Context, row types.Row) error
	Commit(ctx context.Context) error
	Abort(ctx context.Context) error
	// Committed is the number of rows durably committed so far
	Committed() int64
}

// Connector is the uniform capability interface over one backend instance
type Connector interface {
	Name() string
	Type() string
	Capabilities() Capabilities
	Types() *types.Mapping

	Open(ctx context.Context) error
	Close(ctx context.Context) error
	State() State

	// ListTables enumerates tables from catalog metadata only. The sequence
	// is finite and can be ranged over again to re-query the catalog.
	ListTables(ctx context.Context, filter Filter) iter.Seq2[*TableRef, error]
	// ResolveSchema reads the table schema from the catalog. Callers should
	// go through TableRef.Schema, which caches the answer.
	ResolveSchema(ctx context.Context, ref *TableRef) (*Schema, error)
	// Exists reports whether the table is present in the backend
	Exists(ctx context.Context, ref *TableRef) (bool, error)

	OpenReader(ctx context.Context, ref *TableRef, opts ReadOptions) (RowReader, error)
	OpenWriter(ctx context.Context, ref *TableRef, schema *Schema, mode WriteMode) (RowWriter, error)
}

// RowCounter is implemented by connectors that can count rows without
// streaming them.
type RowCounter interface {
	CountRows(ctx context.Context, ref *TableRef) (int64, error)
}
