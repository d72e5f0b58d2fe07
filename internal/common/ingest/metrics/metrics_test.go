package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordBatch(t *testing.T) {
	m := NewMetrics("test_", prometheus.NewRegistry())
	m.RecordBatch("pipeline_execution", BatchOutcomeSent, 10)
	m.RecordBatch("pipeline_execution", BatchOutcomeSent, 5)
	m.RecordBatch("pipeline_execution", BatchOutcomeFailed, 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.batches.WithLabelValues("pipeline_execution", "sent")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.records.WithLabelValues("pipeline_execution", "sent")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.records.WithLabelValues("pipeline_execution", "failed")))
}

func TestRecordPage(t *testing.T) {
	m := NewMetrics("test_", prometheus.NewRegistry())
	m.RecordPage("pipeline_run", 7, 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.pages.WithLabelValues("pipeline_run")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pageItems.WithLabelValues("pipeline_run", "inside")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.pageItems.WithLabelValues("pipeline_run", "outside")))
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics("test_", prometheus.NewRegistry())
		NewMetrics("test_", prometheus.NewRegistry())
	})
}
