package engine

import (
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/retry"
)

type options struct {
	logger               *zap.Logger
	maxConcurrency       int
	bufferSize           int
	cancelRunningOnAbort bool
	retry                *retry.Policy
	stepTimeout          time.Duration
	runTimeout           time.Duration
	clock                func() time.Time
}

func defaultOptions() options {
	return options{
		maxConcurrency: runtime.NumCPU(),
		bufferSize:     1000,
		retry:          retry.DefaultPolicy(),
		clock:          time.Now,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the logger; the global one is used otherwise.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMaxConcurrency bounds the nodes running at once.
func WithMaxConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithBufferSize sets the rows in flight between a reader and its writer.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithCancelRunningOnAbort cancels running nodes when the run aborts.
func WithCancelRunningOnAbort(on bool) Option {
	return func(o *options) { o.cancelRunningOnAbort = on }
}

// WithRetryPolicy sets the policy of steps without their own.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(o *options) {
		if p != nil {
			o.retry = p.Clone()
		}
	}
}

// WithStepTimeout sets the timeout of steps without their own.
func WithStepTimeout(d time.Duration) Option {
	return func(o *options) { o.stepTimeout = d }
}

// WithRunTimeout bounds whole runs; hitting it cancels the run.
func WithRunTimeout(d time.Duration) Option {
	return func(o *options) { o.runTimeout = d }
}

// WithClock replaces time.Now for run and node timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// FromConfig turns an engine configuration into options.
func FromConfig(cfg *config.EngineConfig) []Option {
	opts := []Option{
		WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		WithBufferSize(cfg.Engine.BufferSize),
		WithCancelRunningOnAbort(cfg.Engine.CancelRunningOnAbort),
		WithStepTimeout(cfg.Timeouts.Step),
		WithRunTimeout(cfg.Timeouts.Run),
	}
	if cfg.Reliability.RetryAttempts > 0 {
		p := retry.NewPolicy(cfg.Reliability.RetryAttempts, cfg.Reliability.RetryDelay)
		if cfg.Reliability.RetryMultiplier > 0 {
			p.Multiplier = cfg.Reliability.RetryMultiplier
		}
		if cfg.Reliability.MaxRetryDelay > 0 {
			p.MaxDelay = cfg.Reliability.MaxRetryDelay
		}
		opts = append(opts, WithRetryPolicy(p))
	}
	return opts
}
