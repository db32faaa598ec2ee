// Package sink persists telemetry to ClickHouse and mirrors flushed event
// batches to Kafka.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/clients"
	"lookout/pkg/database"
	"lookout/pkg/kafka"
	"lookout/pkg/logging"
)

// ErrNotFound is returned by LastActivityAt for a session never recorded.
var ErrNotFound = errors.New("not found")

// Mirror publishes copies of flushed events. *kafka.Producer implements it.
type Mirror interface {
	Produce(ctx context.Context, records []kafka.Record) error
}

// Options are optional collaborators of a Writer.
type Options struct {
	Breaker     *clients.CircuitBreaker
	Mirror      Mirror
	MirrorTopic string
}

// Writer is the durable sink. It satisfies the buffer writers, the presence
// source and the ingest session store.
type Writer struct {
	conn    clickhouseConn
	breaker *clients.CircuitBreaker
	mirror  Mirror
	topic   string
	logger  logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewWriter wraps an open native ClickHouse connection.
func NewWriter(conn database.ClickHouseNativeConn, opts Options, logger logging.Logger, m *metrics.Metrics) *Writer {
	return newWriter(nativeConn{conn: conn}, opts, logger, m)
}

func newWriter(conn clickhouseConn, opts Options, logger logging.Logger, m *metrics.Metrics) *Writer {
	w := &Writer{
		conn:    conn,
		breaker: opts.Breaker,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
	if opts.Mirror != nil && opts.MirrorTopic != "" {
		w.mirror = opts.Mirror
		w.topic = opts.MirrorTopic
	}
	return w
}

// guard runs a write through the circuit breaker when one is configured.
func (w *Writer) guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if w.breaker == nil {
		return fn(ctx)
	}
	return w.breaker.Call(ctx, fn)
}

// insert appends rows to a fresh batch and sends it. Nothing is sent if any
// append fails.
func (w *Writer) insert(ctx context.Context, table, query string, n int, row func(i int) []interface{}) error {
	err := w.guard(ctx, func(ctx context.Context) error {
		batch, err := w.conn.PrepareBatch(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare %s batch: %w", table, err)
		}
		for i := 0; i < n; i++ {
			if err := batch.Append(row(i)...); err != nil {
				_ = batch.Abort()
				return fmt.Errorf("append %s row %d: %w", table, i, err)
			}
		}
		if err := batch.Send(); err != nil {
			return fmt.Errorf("send %s batch: %w", table, err)
		}
		return nil
	})
	if err != nil {
		w.metrics.SinkWrite(table, "error")
		return err
	}
	w.metrics.SinkWrite(table, "success")
	return nil
}

// WriteEventsBatch inserts events, then mirrors them. A mirror failure is
// logged and counted but never returned, so it cannot trigger a retry.
func (w *Writer) WriteEventsBatch(ctx context.Context, events []models.BufferedEvent) error {
	if len(events) == 0 {
		return nil
	}
	params := make([]string, len(events))
	for i, e := range events {
		p, err := encodeParams(e.Params)
		if err != nil {
			return fmt.Errorf("encode params of event %s: %w", e.EventID, err)
		}
		params[i] = p
	}

	err := w.insert(ctx, "events", `
		INSERT INTO events (
			event_id, app_id, session_id, device_id, name, params, is_screen, timestamp
		)`, len(events), func(i int) []interface{} {
		e := events[i]
		return []interface{}{e.EventID, e.AppID, e.SessionID, e.DeviceID, e.Name, params[i], e.IsScreen, e.Timestamp}
	})
	if err != nil {
		return err
	}

	w.mirrorEvents(ctx, events)
	return nil
}

func (w *Writer) mirrorEvents(ctx context.Context, events []models.BufferedEvent) {
	if w.mirror == nil {
		return
	}
	records := make([]kafka.Record, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			w.metrics.MirrorFailed(w.topic)
			w.logger.WithError(err).WithField("event_id", e.EventID).Warn("Failed to encode event for mirror")
			continue
		}
		records = append(records, kafka.Record{
			Topic:   w.topic,
			Key:     []byte(e.AppID),
			Value:   value,
			Headers: map[string]string{"app_id": e.AppID, "event_name": e.Name},
		})
	}
	if len(records) == 0 {
		return
	}
	if err := w.mirror.Produce(ctx, records); err != nil {
		w.metrics.MirrorFailed(w.topic)
		w.logger.WithError(err).WithFields(logging.Fields{
			"topic":  w.topic,
			"events": len(records),
		}).Warn("Failed to mirror event batch")
	}
}

func encodeParams(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// WriteActivityBatch records the latest activity per session. The table keeps
// the greatest last_activity_at, so writes may arrive in any order.
func (w *Writer) WriteActivityBatch(ctx context.Context, updates []models.BufferedActivity) error {
	if len(updates) == 0 {
		return nil
	}
	return w.insert(ctx, "session_activity", `
		INSERT INTO session_activity (app_id, session_id, last_activity_at)`,
		len(updates), func(i int) []interface{} {
			u := updates[i]
			return []interface{}{u.AppID, u.SessionID, u.LastActivityAt}
		})
}

// Ping checks the ClickHouse connection.
func (w *Writer) Ping(ctx context.Context) error {
	return w.conn.Ping(ctx)
}

// Close closes the ClickHouse connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}
