package buffer

import (
	"context"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/logging"
)

// EventWriter is the durable side of the event buffer.
type EventWriter interface {
	WriteEventsBatch(ctx context.Context, events []models.BufferedEvent) error
}

// EventBuffer batches accepted events for the time-series sink.
type EventBuffer struct {
	batcher[[]models.BufferedEvent]
	events []models.BufferedEvent
}

// NewEventBuffer creates a stopped buffer; call Start to begin timed flushes.
func NewEventBuffer(writer EventWriter, cfg Config, logger logging.Logger, m *metrics.Metrics) *EventBuffer {
	b := &EventBuffer{}
	b.name = "events"
	b.cfg = cfg.withDefaults(DefaultEventConfig())
	b.logger = logger
	b.metrics = m
	b.write = writer.WriteEventsBatch
	b.take = b.takeEvents
	b.live = func() int { return len(b.events) }
	b.init()
	b.events = make([]models.BufferedEvent, 0, b.cfg.MaxBatchSize)
	return b
}

// Push appends an event. It never blocks on I/O.
func (b *EventBuffer) Push(event models.BufferedEvent) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	if dropped := b.shedLocked(); dropped > 0 {
		b.metrics.Dropped(b.name, "overflow", dropped)
	}
	b.events = append(b.events, event)
	n := len(b.events)
	b.mu.Unlock()

	b.pullLever(n)
	return nil
}

// shedLocked makes room for one more event by dropping the oldest ones.
// Shedding a slice of the cap at once keeps sustained overflow from paying
// a full copy on every push.
func (b *EventBuffer) shedLocked() int {
	if len(b.events) < b.cfg.MaxPending {
		return 0
	}
	drop := b.cfg.MaxPending / 100
	if drop < 1 {
		drop = 1
	}
	if drop > len(b.events) {
		drop = len(b.events)
	}
	n := copy(b.events, b.events[drop:])
	clear(b.events[n:])
	b.events = b.events[:n]
	b.logger.WithFields(logging.Fields{
		"buffer":  b.name,
		"dropped": drop,
	}).Warn("Event buffer full; dropped oldest events")
	return drop
}

func (b *EventBuffer) takeEvents() ([]models.BufferedEvent, int) {
	batch := b.events
	if len(batch) == 0 {
		return nil, 0
	}
	b.events = make([]models.BufferedEvent, 0, b.cfg.MaxBatchSize)
	return batch, len(batch)
}
