package core

import (
	"context"
	"sync"
)

// TableRef addresses one table inside a connector and caches its schema.
// The connector is borrowed: a TableRef never opens or closes it.
type TableRef struct {
	connector Connector
	name      string

	mu     sync.Mutex
	schema *Schema
}

// NewTableRef returns a reference to the named table in c.
func NewTableRef(c Connector, name string) *TableRef {
	return &TableRef{connector: c, name: name}
}

// Connector returns the owning connector.
func (r *TableRef) Connector() Connector { return r.connector }

// Name returns the qualified table name inside the connector.
func (r *TableRef) Name() string { return r.name }

// String returns connector/table.
func (r *TableRef) String() string {
	if r.connector == nil {
		return r.name
	}
	return r.connector.Name() + "/" + r.name
}

// Schema resolves the schema once and serves the cached copy afterwards.
// Failed resolutions are not cached.
func (r *TableRef) Schema(ctx context.Context) (*Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.schema != nil {
		return r.schema, nil
	}
	s, err := r.connector.ResolveSchema(ctx, r)
	if err != nil {
		return nil, err
	}
	r.schema = s
	return s, nil
}

// CachedSchema returns the cached schema without touching the backend.
func (r *TableRef) CachedSchema() (*Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schema, r.schema != nil
}

// SetSchema primes the cache, used by writers that just created the table.
func (r *TableRef) SetSchema(s *Schema) {
	r.mu.Lock()
	r.schema = s
	r.mu.Unlock()
}

// Invalidate drops the cached schema; the next Schema call re-reads the catalog.
func (r *TableRef) Invalidate() {
	r.mu.Lock()
	r.schema = nil
	r.mu.Unlock()
}

// ContentTypeDropper is implemented by writers that store hints at column
// level and had to drop the ones that disagreed with their column.
type ContentTypeDropper interface {
	DroppedContentTypes() int64
}
