package metrics_test

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/parksync/internal/metrics"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *metrics.Metrics

	assert.NotPanics(t, func() {
		m.SetQueueLength(3)
		m.Replay("favorite:toggle", "synced")
		m.CacheLookup(true)
		m.EdgeServed("navigation", "network", 0.1)
		m.EdgeFallback("navigation", "offline_page")
		m.EdgeEvicted("ps-tiles-1", 2)
	})
}

func TestMetricsRecord(t *testing.T) {
	m := metrics.New()

	m.SetQueueLength(4)
	m.Replay("favorite:toggle", "synced")
	m.Replay("favorite:toggle", "synced")
	m.CacheLookup(false)
	m.EdgeEvicted("ps-tiles-1", 3)

	assert.Equal(t, 4.0, testutil.ToFloat64(m.QueueLength))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReplayResults.WithLabelValues("favorite:toggle", "synced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FetchCache.WithLabelValues("miss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.EdgeEvictions.WithLabelValues("ps-tiles-1")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "parksync_offline_queue_length 4")
}
