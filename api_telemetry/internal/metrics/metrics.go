package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"lookout/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the Lookout service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingest
	ItemsIngested   *prometheus.CounterVec
	BatchRejections *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	// Buffers
	BufferPending       *prometheus.GaugeVec
	BufferFlushes       *prometheus.CounterVec
	BufferFlushDuration *prometheus.HistogramVec
	BufferDropped       *prometheus.CounterVec

	// Fan-out
	StreamConnections *prometheus.GaugeVec
	RealtimeMessages  *prometheus.CounterVec
	RealtimeDropped   *prometheus.CounterVec
	PresenceFailures  *prometheus.CounterVec

	// Sink
	SinkWrites     *prometheus.CounterVec
	MirrorFailures *prometheus.CounterVec
}

// New registers the service metrics on mc.
func New(mc *monitoring.MetricsCollector) *Metrics {
	return &Metrics{
		ItemsIngested:   mc.NewCounter("items_ingested_total", "Ingest items by type and outcome", []string{"type", "status"}),
		BatchRejections: mc.NewCounter("batch_rejections_total", "Batches rejected by the validator", []string{"reason"}),
		RateLimited:     mc.NewCounter("rate_limited_total", "Ingest requests refused by the rate limiter", []string{"outcome"}),

		BufferPending:       mc.NewGauge("buffer_pending", "Items waiting for a durable write", []string{"buffer"}),
		BufferFlushes:       mc.NewCounter("buffer_flushes_total", "Buffer flush attempts", []string{"buffer", "status"}),
		BufferFlushDuration: mc.NewHistogram("buffer_flush_duration_seconds", "Buffer flush latency", []string{"buffer"}, nil),
		BufferDropped:       mc.NewCounter("buffer_dropped_total", "Buffered items dropped", []string{"buffer", "reason"}),

		StreamConnections: mc.NewGauge("stream_connections_active", "Open realtime stream connections", []string{}),
		RealtimeMessages:  mc.NewCounter("realtime_messages_total", "Realtime messages delivered", []string{"kind"}),
		RealtimeDropped:   mc.NewCounter("realtime_messages_dropped_total", "Realtime messages dropped from full queues", []string{"kind"}),
		PresenceFailures:  mc.NewCounter("presence_refresh_failures_total", "Presence snapshot queries that failed", []string{}),

		SinkWrites:     mc.NewCounter("sink_writes_total", "Durable sink writes", []string{"table", "status"}),
		MirrorFailures: mc.NewCounter("mirror_failures_total", "Kafka mirror publish failures", []string{"topic"}),
	}
}

func (m *Metrics) ItemIngested(itemType, status string) {
	if m != nil {
		m.ItemsIngested.WithLabelValues(itemType, status).Inc()
	}
}

func (m *Metrics) BatchRejected(reason string) {
	if m != nil {
		m.BatchRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) RateLimit(outcome string) {
	if m != nil {
		m.RateLimited.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) SetPending(buffer string, n int) {
	if m != nil {
		m.BufferPending.WithLabelValues(buffer).Set(float64(n))
	}
}

func (m *Metrics) Flushed(buffer, status string, took time.Duration) {
	if m != nil {
		m.BufferFlushes.WithLabelValues(buffer, status).Inc()
		m.BufferFlushDuration.WithLabelValues(buffer).Observe(took.Seconds())
	}
}

func (m *Metrics) Dropped(buffer, reason string, n int) {
	if m != nil && n > 0 {
		m.BufferDropped.WithLabelValues(buffer, reason).Add(float64(n))
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.StreamConnections.WithLabelValues().Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.StreamConnections.WithLabelValues().Dec()
	}
}

func (m *Metrics) MessageSent(kind string) {
	if m != nil {
		m.RealtimeMessages.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) MessageDropped(kind string) {
	if m != nil {
		m.RealtimeDropped.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PresenceFailed() {
	if m != nil {
		m.PresenceFailures.WithLabelValues().Inc()
	}
}

func (m *Metrics) SinkWrite(table, status string) {
	if m != nil {
		m.SinkWrites.WithLabelValues(table, status).Inc()
	}
}

func (m *Metrics) MirrorFailed(topic string) {
	if m != nil {
		m.MirrorFailures.WithLabelValues(topic).Inc()
	}
}
