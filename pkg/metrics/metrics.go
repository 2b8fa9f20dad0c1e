// Package metrics exposes the prometheus metrics of flow runs.
//
// Metrics are registered on the default registry when the package is
// loaded. The CLI serves them with promhttp; the engine records them
// through the helpers below.
//
//	timer := metrics.NewTimer()
//	rows, err := runNode(ctx)
//	metrics.NodeFinished("succeeded", timer.Stop())
//	metrics.RowsWritten("warehouse", rows)
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tabulify"

var (
	// NodesTotal counts nodes reaching a terminal status
	NodesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_total",
			Help:      "Nodes reaching a terminal status",
		},
		[]string{"status"},
	)

	// RowsTotal counts rows read from and written to connectors
	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_total",
			Help:      "Rows moved through connectors",
		},
		[]string{"connector", "direction"},
	)

	// NodeDuration observes how long nodes run
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node execution time",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		},
		[]string{"status"},
	)

	// RetriesTotal counts step attempts retried after a connection loss
	RetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retries_total",
		Help:      "Step attempts retried",
	})

	// LossyValuesTotal counts values written with a lossy conversion
	LossyValuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lossy_values_total",
		Help:      "Values converted with loss of range, precision or length",
	})

	// ContentTypeDropsTotal counts content type hints a target could not keep
	ContentTypeDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "content_type_drops_total",
		Help:      "Content type hints dropped on write",
	})

	// RunsTotal counts finished runs by final state
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs",
		},
		[]string{"state"},
	)

	// ActiveNodes is the number of nodes running right now
	ActiveNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_nodes",
		Help:      "Nodes currently running",
	})
)

// Direction label values of RowsTotal
const (
	Read  = "read"
	Write = "write"
)

// NodeFinished records a terminal node status and its run time.
func NodeFinished(status string, d time.Duration) {
	NodesTotal.WithLabelValues(status).Inc()
	NodeDuration.WithLabelValues(status).Observe(d.Seconds())
}

// RowsRead adds n rows read from a connector.
func RowsRead(connector string, n int64) {
	if n > 0 {
		RowsTotal.WithLabelValues(connector, Read).Add(float64(n))
	}
}

// RowsWritten adds n rows written to a connector.
func RowsWritten(connector string, n int64) {
	if n > 0 {
		RowsTotal.WithLabelValues(connector, Write).Add(float64(n))
	}
}

// Timer measures elapsed time.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the time elapsed since NewTimer.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
