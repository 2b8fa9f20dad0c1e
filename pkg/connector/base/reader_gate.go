package base

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/tabulify/tabulify/pkg/errors"
)

// ReaderGate allows at most one active reader per table unless the
// connector supports concurrent reads.
type ReaderGate struct {
	concurrent bool

	mu     sync.Mutex
	tables map[string]*semaphore.Weighted
}

// NewReaderGate creates a gate; with concurrent set, Enter never blocks.
func NewReaderGate(concurrent bool) *ReaderGate {
	return &ReaderGate{concurrent: concurrent, tables: make(map[string]*semaphore.Weighted)}
}

// Enter waits for the table to be free. The returned func leaves the gate.
func (g *ReaderGate) Enter(ctx context.Context, table string) (func(), error) {
	if g.concurrent {
		return func() {}, nil
	}
	g.mu.Lock()
	sem, ok := g.tables[table]
	if !ok {
		sem = semaphore.NewWeighted(1)
		g.tables[table] = sem
	}
	g.mu.Unlock()

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeCancelled, "waiting for reader on "+table)
	}
	var once sync.Once
	return func() { once.Do(func() { sem.Release(1) }) }, nil
}
