package base

import (
	"context"
	"sort"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/tabulify/tabulify/pkg/errors"
)

// SessionLimiter bounds the number of sessions open on one connector.
// A limiter built with max <= 0 never blocks.
type SessionLimiter struct {
	name string
	max  int64
	sem  *semaphore.Weighted

	inUse atomic.Int64
	peak  atomic.Int64
}

// NewSessionLimiter creates a limiter for the named connector.
func NewSessionLimiter(name string, max int) *SessionLimiter {
	l := &SessionLimiter{name: name, max: int64(max)}
	if max > 0 {
		l.sem = semaphore.NewWeighted(int64(max))
	}
	return l
}

// Name returns the connector name the limiter guards
func (l *SessionLimiter) Name() string { return l.name }

// Max returns the bound, 0 when unbounded
func (l *SessionLimiter) Max() int { return int(l.max) }

// InUse returns the sessions currently held
func (l *SessionLimiter) InUse() int64 { return l.inUse.Load() }

// Peak returns the highest number of sessions held at once
func (l *SessionLimiter) Peak() int64 { return l.peak.Load() }

// Acquire blocks until n sessions are available or ctx is done. A demand
// above the bound can never be met and fails at once.
func (l *SessionLimiter) Acquire(ctx context.Context, n int64) error {
	if l.max > 0 && n > l.max {
		return errors.Newf(errors.ErrorTypeCapability,
			"task needs %d sessions on connector %s, which allows %d", n, l.name, l.max)
	}
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, n); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "waiting for connector session")
		}
	}
	cur := l.inUse.Add(n)
	for {
		p := l.peak.Load()
		if cur <= p || l.peak.CompareAndSwap(p, cur) {
			break
		}
	}
	return nil
}

// Release returns n sessions.
func (l *SessionLimiter) Release(n int64) {
	l.inUse.Add(-n)
	if l.sem != nil {
		l.sem.Release(n)
	}
}

// SessionDemand is the number of sessions a task needs on one connector.
type SessionDemand struct {
	Limiter *SessionLimiter
	N       int64
}

// AcquireSessions takes every demand in connector name order, so two tasks
// can never wait on each other. On failure nothing stays held. The returned
// func releases everything.
func AcquireSessions(ctx context.Context, demands []SessionDemand) (func(), error) {
	sorted := make([]SessionDemand, len(demands))
	copy(sorted, demands)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Limiter.Name() < sorted[j].Limiter.Name()
	})

	held := make([]SessionDemand, 0, len(sorted))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Limiter.Release(held[i].N)
		}
	}
	for _, d := range sorted {
		if err := d.Limiter.Acquire(ctx, d.N); err != nil {
			release()
			return nil, err
		}
		held = append(held, d)
	}
	return release, nil
}
