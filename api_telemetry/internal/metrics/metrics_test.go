package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"lookout/pkg/monitoring"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ItemIngested("event", "accepted")
	m.Flushed("events", "success", time.Millisecond)
	m.Dropped("events", "overflow", 3)
	m.ConnectionOpened()
	m.MessageDropped("heartbeat")
}

func TestMetricsRecord(t *testing.T) {
	m := New(monitoring.NewMetricsCollector("lookout", "test", "abc"))

	m.Dropped("events", "retries_exhausted", 4)
	m.Dropped("events", "retries_exhausted", 0)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.BufferDropped.WithLabelValues("events", "retries_exhausted")))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.StreamConnections.WithLabelValues()))

	m.SetPending("activity", 12)
	assert.Equal(t, float64(12), testutil.ToFloat64(m.BufferPending.WithLabelValues("activity")))
}
