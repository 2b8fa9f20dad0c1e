package base

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ProgressReporter tracks rows moved by one task and logs throughput at
// most once per interval.
type ProgressReporter struct {
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	processed atomic.Int64

	mu         sync.Mutex
	startTime  time.Time
	lastReport time.Time
}

// NewProgressReporter creates a reporter; interval <= 0 disables periodic
// reports.
func NewProgressReporter(logger *zap.Logger, interval time.Duration) *ProgressReporter {
	now := time.Now()
	return &ProgressReporter{
		logger:     logger,
		interval:   interval,
		now:        time.Now,
		startTime:  now,
		lastReport: now,
	}
}

// Add records n processed rows.
func (pr *ProgressReporter) Add(n int64) {
	total := pr.processed.Add(n)
	if pr.interval <= 0 {
		return
	}

	pr.mu.Lock()
	now := pr.now()
	due := now.Sub(pr.lastReport) >= pr.interval
	if due {
		pr.lastReport = now
	}
	elapsed := now.Sub(pr.startTime)
	pr.mu.Unlock()

	if due {
		pr.logger.Info("progress",
			zap.Int64("rows", total),
			zap.Float64("rows_per_sec", throughput(total, elapsed)))
	}
}

// Processed returns the rows recorded so far
func (pr *ProgressReporter) Processed() int64 { return pr.processed.Load() }

// Finish logs the final count and returns it.
func (pr *ProgressReporter) Finish() int64 {
	total := pr.processed.Load()
	elapsed := pr.now().Sub(pr.startTime)
	pr.logger.Debug("rows processed",
		zap.Int64("rows", total),
		zap.Duration("duration", elapsed),
		zap.Float64("rows_per_sec", throughput(total, elapsed)))
	return total
}

func throughput(rows int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(rows) / elapsed.Seconds()
}
