// Package base provides the building blocks every tabulify connector is
// assembled from.
//
// # Overview
//
//   - Base: identity, capabilities, type mapping and the Closed/Open lifecycle
//   - SessionLimiter: a weighted semaphore bounding concurrent sessions
//   - ReaderGate: serializes readers per table when concurrent reads are unsafe
//   - FileStore: directory layout, data-definition sidecars and atomic
//     temp-file replacement for file connectors
//   - ClassifyError: maps driver and OS failures onto the error taxonomy
//   - ProgressReporter: periodic row progress logging
//
// # Usage
//
// Connectors embed *Base and supply the backend specific parts:
//
//	type Connector struct {
//	    *base.Base
//	    db *sql.DB
//	}
//
//	func (c *Connector) Open(ctx context.Context) error {
//	    return c.Lifecycle.Open(ctx, c.connect)
//	}
package base

import (
	"context"
	"iter"
	"path"
	"sync"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/types"
)

// Base carries what every connector has in common.
type Base struct {
	Lifecycle

	name          string
	connectorType string
	caps          core.Capabilities
	mapping       *types.Mapping
	logger        *zap.Logger
}

// NewBase creates the shared part of a connector.
func NewBase(name, connectorType string, caps core.Capabilities, mapping *types.Mapping) *Base {
	l := logger.Get().With(zap.String("connector", name), zap.String("type", connectorType))
	return &Base{
		Lifecycle:     Lifecycle{name: name, logger: l, state: core.StateClosed},
		name:          name,
		connectorType: connectorType,
		caps:          caps,
		mapping:       mapping,
		logger:        l,
	}
}

// Name returns the connector name
func (b *Base) Name() string { return b.name }

// Type returns the connector type
func (b *Base) Type() string { return b.connectorType }

// Capabilities returns the capability flags
func (b *Base) Capabilities() core.Capabilities { return b.caps }

// Types returns the connector type mapping
func (b *Base) Types() *types.Mapping { return b.mapping }

// Logger returns the connector logger
func (b *Base) Logger() *zap.Logger { return b.logger }

// SetLogger replaces the connector logger
func (b *Base) SetLogger(l *zap.Logger) {
	b.logger = l.With(zap.String("connector", b.name))
	b.Lifecycle.logger = b.logger
}

// Lifecycle is the Closed -> Open -> Closed state machine.
type Lifecycle struct {
	name   string
	logger *zap.Logger

	mu    sync.RWMutex
	state core.State
}

// State returns the current state
func (l *Lifecycle) State() core.State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Open runs acquire once and moves to Open. Opening an open connector is
// a no-op.
func (l *Lifecycle) Open(ctx context.Context, acquire func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == core.StateOpen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCancelled, "open cancelled")
	}
	if acquire != nil {
		if err := acquire(ctx); err != nil {
			return err
		}
	}
	l.state = core.StateOpen
	l.logger.Debug("connector opened")
	return nil
}

// Close runs release once and moves to Closed. Closing a closed connector
// is a no-op.
func (l *Lifecycle) Close(ctx context.Context, release func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != core.StateOpen {
		return nil
	}
	l.state = core.StateClosed
	if release != nil {
		if err := release(ctx); err != nil {
			l.logger.Warn("error closing connector", zap.Error(err))
			return err
		}
	}
	l.logger.Debug("connector closed")
	return nil
}

// RequireOpen fails when the connector is not open.
func (l *Lifecycle) RequireOpen() error {
	if l.State() != core.StateOpen {
		return errors.Newf(errors.ErrorTypeConnector, "connector %s is not open", l.name)
	}
	return nil
}

// Tables turns a list of table names into the lazy sequence ListTables
// returns. The list function runs each time the sequence is ranged over.
func Tables(c core.Connector, list func() ([]string, error)) iter.Seq2[*core.TableRef, error] {
	return func(yield func(*core.TableRef, error) bool) {
		names, err := list()
		if err != nil {
			yield(nil, err)
			return
		}
		for _, name := range names {
			if !yield(core.NewTableRef(c, name), nil) {
				return
			}
		}
	}
}

// MatchTable reports whether name matches the filter pattern.
func MatchTable(f core.Filter, name string) bool {
	if f.Pattern == "" {
		return true
	}
	ok, err := path.Match(f.Pattern, name)
	return err == nil && ok
}
