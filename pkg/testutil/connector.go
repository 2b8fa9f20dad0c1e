package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tabulify/tabulify/pkg/connector/core"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/types"
)

// Connector wraps a connector to inject faults and observe sessions. It
// hides the optional interfaces of the wrapped connector, so sources are
// always counted by streaming.
type Connector struct {
	core.Connector

	caps     core.Capabilities
	rowDelay time.Duration

	mu         sync.Mutex
	failWrites int
	failAfter  int64

	open       atomic.Int64
	peak       atomic.Int64
	writers    atomic.Int64
	readerOpen atomic.Int64
}

// Option configures a wrapped connector.
type Option func(*Connector)

// WithMaxSessions overrides the session bound the connector advertises.
func WithMaxSessions(n int) Option {
	return func(c *Connector) { c.caps.MaxConcurrentSessions = n }
}

// WithCapabilities overrides every advertised capability.
func WithCapabilities(caps core.Capabilities) Option {
	return func(c *Connector) { c.caps = caps }
}

// WithRowDelay slows every row read down.
func WithRowDelay(d time.Duration) Option {
	return func(c *Connector) { c.rowDelay = d }
}

// FailWrites makes the next times writers lose their connection after
// writing afterRows rows; afterRows 0 fails in OpenWriter.
func FailWrites(times int, afterRows int64) Option {
	return func(c *Connector) {
		c.failWrites = times
		c.failAfter = afterRows
	}
}

// Wrap wraps c.
func Wrap(c core.Connector, opts ...Option) *Connector {
	w := &Connector{Connector: c, caps: c.Capabilities()}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Capabilities returns the advertised capabilities
func (c *Connector) Capabilities() core.Capabilities { return c.caps }

// PeakSessions is the highest number of readers and writers open at once.
func (c *Connector) PeakSessions() int64 { return c.peak.Load() }

// WritersOpened counts OpenWriter calls.
func (c *Connector) WritersOpened() int64 { return c.writers.Load() }

// ReadersOpened counts OpenReader calls.
func (c *Connector) ReadersOpened() int64 { return c.readerOpen.Load() }

func (c *Connector) enter() {
	cur := c.open.Add(1)
	for {
		p := c.peak.Load()
		if cur <= p || c.peak.CompareAndSwap(p, cur) {
			return
		}
	}
}

func (c *Connector) leave() { c.open.Add(-1) }

// takeFailure consumes one injected failure, if any is left.
func (c *Connector) takeFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites <= 0 {
		return false
	}
	c.failWrites--
	return true
}

func connectionLost(ref *core.TableRef) error {
	return errors.Newf(errors.ErrorTypeConnectionLost, "connection to %s reset by peer", ref)
}

// OpenReader opens a reader of the wrapped connector
func (c *Connector) OpenReader(ctx context.Context, ref *core.TableRef, opts core.ReadOptions) (core.RowReader, error) {
	c.readerOpen.Add(1)
	r, err := c.Connector.OpenReader(ctx, ref, opts)
	if err != nil {
		return nil, err
	}
	c.enter()
	return &reader{RowReader: r, conn: c}, nil
}

// OpenWriter opens a writer of the wrapped connector
func (c *Connector) OpenWriter(ctx context.Context, ref *core.TableRef, schema *core.Schema, mode core.WriteMode) (core.RowWriter, error) {
	c.writers.Add(1)
	fail := c.takeFailure()
	if fail && c.failAfter == 0 {
		return nil, connectionLost(ref)
	}
	w, err := c.Connector.OpenWriter(ctx, ref, schema, mode)
	if err != nil {
		return nil, err
	}
	c.enter()
	return &writer{RowWriter: w, conn: c, ref: ref, fail: fail}, nil
}

type reader struct {
	core.RowReader
	conn   *Connector
	closed bool
}

func (r *reader) Next(ctx context.Context) (types.Row, error) {
	if r.conn.rowDelay > 0 {
		t := time.NewTimer(r.conn.rowDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, errors.Wrap(ctx.Err(), errors.ErrorTypeCancelled, "read cancelled")
		case <-t.C:
		}
	}
	return r.RowReader.Next(ctx)
}

func (r *reader) Close() error {
	if !r.closed {
		r.closed = true
		r.conn.leave()
	}
	return r.RowReader.Close()
}

type writer struct {
	core.RowWriter
	conn    *Connector
	ref     *core.TableRef
	fail    bool
	written int64
	done    bool
}

func (w *writer) Write(ctx context.Context, row types.Row) error {
	if w.fail && w.written >= w.conn.failAfter {
		return connectionLost(w.ref)
	}
	w.written++
	return w.RowWriter.Write(ctx, row)
}

func (w *writer) finish() {
	if !w.done {
		w.done = true
		w.conn.leave()
	}
}

func (w *writer) Commit(ctx context.Context) error {
	defer w.finish()
	return w.RowWriter.Commit(ctx)
}

func (w *writer) Abort(ctx context.Context) error {
	defer w.finish()
	return w.RowWriter.Abort(ctx)
}
