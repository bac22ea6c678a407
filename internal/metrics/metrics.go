// Package metrics exposes Prometheus counters and histograms for the
// orchestrator's wave/retry/flaky-reconciliation paths. Grounded on a
// Prometheus client/promauto metrics-struct pattern found in the
// retrieved example stack.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator holds the counters and histograms emitted while running
// test batches.
type Orchestrator struct {
	registry *prometheus.Registry

	BatchesTotal    *prometheus.CounterVec
	BatchDuration   *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	FlakyTestsTotal prometheus.Counter
	SandboxPoolSize prometheus.Gauge
}

// NewOrchestrator creates an Orchestrator metrics set registered against
// its own registry, so multiple instances (e.g. one per test) never
// collide on Prometheus's global default registerer.
func NewOrchestrator() *Orchestrator {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Orchestrator{
		registry: registry,

		BatchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offload",
			Subsystem: "orchestrator",
			Name:      "batches_total",
			Help:      "Total number of test batches executed, by outcome.",
		}, []string{"outcome"}),

		BatchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "offload",
			Subsystem: "orchestrator",
			Name:      "batch_duration_seconds",
			Help:      "Batch execution duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "offload",
			Subsystem: "orchestrator",
			Name:      "retries_total",
			Help:      "Total number of test retry attempts, by outcome.",
		}, []string{"outcome"}),

		FlakyTestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "offload",
			Subsystem: "orchestrator",
			Name:      "flaky_tests_total",
			Help:      "Total number of tests that failed then passed on retry within a run.",
		}),

		SandboxPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "offload",
			Subsystem: "orchestrator",
			Name:      "sandbox_pool_size",
			Help:      "Number of idle sandboxes currently held in the pool.",
		}),
	}
}

// Registry returns the Prometheus registry this metrics set is
// registered against, for mounting a scrape endpoint.
func (m *Orchestrator) Registry() *prometheus.Registry {
	return m.registry
}

// RecordBatch records one batch's outcome and duration.
func (m *Orchestrator) RecordBatch(outcome string, seconds float64) {
	m.BatchesTotal.WithLabelValues(outcome).Inc()
	m.BatchDuration.WithLabelValues(outcome).Observe(seconds)
}

// RecordRetry records one retry attempt's outcome.
func (m *Orchestrator) RecordRetry(outcome string) {
	m.RetriesTotal.WithLabelValues(outcome).Inc()
}

// RecordFlaky increments the flaky-test counter by count.
func (m *Orchestrator) RecordFlaky(count int) {
	if count <= 0 {
		return
	}
	m.FlakyTestsTotal.Add(float64(count))
}

// SetSandboxPoolSize sets the current idle sandbox pool gauge.
func (m *Orchestrator) SetSandboxPoolSize(n int) {
	m.SandboxPoolSize.Set(float64(n))
}
