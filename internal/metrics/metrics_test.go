package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrchestratorRegistersIndependently(t *testing.T) {
	a := NewOrchestrator()
	b := NewOrchestrator()
	require.NotNil(t, a.Registry())
	require.NotNil(t, b.Registry())
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestRecordBatchIncrementsCounterAndHistogram(t *testing.T) {
	m := NewOrchestrator()
	m.RecordBatch("success", 1.5)
	m.RecordBatch("success", 2.5)
	m.RecordBatch("error", 0.5)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.BatchesTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BatchesTotal.WithLabelValues("error")))
}

func TestRecordRetryIncrementsByOutcome(t *testing.T) {
	m := NewOrchestrator()
	m.RecordRetry("passed")
	m.RecordRetry("passed")
	m.RecordRetry("failed")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RetriesTotal.WithLabelValues("passed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesTotal.WithLabelValues("failed")))
}

func TestRecordFlakyAddsCountAndIgnoresNonPositive(t *testing.T) {
	m := NewOrchestrator()
	m.RecordFlaky(3)
	m.RecordFlaky(0)
	m.RecordFlaky(-1)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.FlakyTestsTotal))
}

func TestSetSandboxPoolSize(t *testing.T) {
	m := NewOrchestrator()
	m.SetSandboxPoolSize(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.SandboxPoolSize))

	m.SetSandboxPoolSize(1)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SandboxPoolSize))
}
