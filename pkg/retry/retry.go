// Package retry implements the exponential backoff policy used for steps
// that hit transient connector failures.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/tabulify/tabulify/pkg/errors"
)

// Policy defines retry behavior. MaxAttempts counts every attempt including
// the first, so MaxAttempts=3 allows two retries.
type Policy struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialDelay    time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay        time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier      float64       `yaml:"multiplier" json:"multiplier"`
	RandomizeFactor float64       `yaml:"jitter" json:"jitter"`
}

// Event describes one scheduled retry.
type Event struct {
	// Attempt is the attempt that failed, starting at 1
	Attempt int
	Err     error
	Delay   time.Duration
}

// NewPolicy creates a policy with exponential backoff
func NewPolicy(maxAttempts int, initialDelay time.Duration) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.1,
	}
}

// NoRetry returns a policy that doesn't retry
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Attempts returns the number of attempts, at least one.
func (p *Policy) Attempts() int {
	if p == nil || p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before retrying after the given failed attempt
// (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if p == nil || p.InitialDelay <= 0 {
		return 0
	}
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}
	return time.Duration(delay)
}

// Do runs fn until it succeeds, shouldRetry rejects the error, or the
// attempts are exhausted. onRetry, when set, is called before each wait.
// The wait observes ctx.
func (p *Policy) Do(ctx context.Context, fn func(attempt int) error, shouldRetry func(error) bool, onRetry func(Event)) error {
	attempts := p.Attempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		if onRetry != nil {
			onRetry(Event{Attempt: attempt, Err: err, Delay: delay})
		}
		if err := Sleep(ctx, delay); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCancelled, "retry wait interrupted")
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", attempts, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Clone creates a copy of the retry policy
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}
