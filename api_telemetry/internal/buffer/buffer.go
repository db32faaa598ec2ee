// Package buffer coalesces hot-path telemetry writes into periodic batches.
//
// Both buffers share one lifecycle: Push never blocks or does I/O; a single
// goroutine flushes on a timer or when the batch threshold pulls the flush
// lever; a failed batch is held as the retry batch and written again on the
// next timer tick before anything newer; FlushAndClose drains everything.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lookout/api_telemetry/internal/metrics"
	"lookout/pkg/logging"
)

// ErrClosed is returned by Push after FlushAndClose.
var ErrClosed = errors.New("buffer closed")

// Config bounds a buffer.
type Config struct {
	FlushInterval time.Duration
	// MaxBatchSize pending items pull the flush lever.
	MaxBatchSize int
	// MaxRetries failed writes of one batch before it is dropped.
	MaxRetries int
	// MaxPending caps the live buffer; the oldest items are dropped beyond it.
	MaxPending int
}

// DefaultEventConfig returns the event buffer defaults.
func DefaultEventConfig() Config {
	return Config{FlushInterval: 2 * time.Second, MaxBatchSize: 250, MaxRetries: 3, MaxPending: 100_000}
}

// DefaultActivityConfig returns the session activity buffer defaults.
func DefaultActivityConfig() Config {
	return Config{FlushInterval: 5 * time.Second, MaxBatchSize: 500, MaxRetries: 3, MaxPending: 100_000}
}

func (c Config) withDefaults(def Config) Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.MaxPending <= 0 {
		c.MaxPending = def.MaxPending
	}
	if c.MaxPending < c.MaxBatchSize {
		c.MaxPending = c.MaxBatchSize
	}
	return c
}

type lifecycle int

const (
	stateIdle lifecycle = iota
	stateRunning
	stateClosed
)

type trigger int

const (
	triggerTimer trigger = iota
	triggerLever
)

func (t trigger) String() string {
	if t == triggerLever {
		return "lever"
	}
	return "timer"
}

// batcher holds the flush state machine shared by EventBuffer and
// ActivityBuffer. B is the batch container; the owning buffer keeps its live
// items under mu and hands them over through take.
type batcher[B any] struct {
	name    string
	cfg     Config
	logger  logging.Logger
	metrics *metrics.Metrics

	take  func() (B, int) // called with mu held; empties the live buffer
	live  func() int      // called with mu held
	write func(ctx context.Context, batch B) error

	mu        sync.Mutex
	state     lifecycle
	inflight  B
	inflightN int
	retry     B
	retryN    int
	attempts  int

	flushMu sync.Mutex // one flush at a time
	lever   chan struct{}
	stop    chan struct{}
	done    chan struct{}
	closed  chan struct{}
}

func (b *batcher[B]) init() {
	b.lever = make(chan struct{}, 1)
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	b.closed = make(chan struct{})
}

// admit must be called with mu held before mutating the live buffer.
func (b *batcher[B]) admit() error {
	if b.state == stateClosed {
		return ErrClosed
	}
	return nil
}

// pullLever must be called after the live buffer grew.
func (b *batcher[B]) pullLever(liveLen int) {
	if liveLen < b.cfg.MaxBatchSize {
		return
	}
	select {
	case b.lever <- struct{}{}:
	default:
	}
}

// Start launches the flush goroutine. Calling it again, or after close, is a no-op.
func (b *batcher[B]) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != stateIdle {
		return
	}
	b.state = stateRunning
	go b.run()
}

func (b *batcher[B]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush(triggerTimer)
		case <-b.lever:
			// A lever pull that wrote nothing keeps the tick schedule, or
			// steady pushes would starve a pending retry.
			if b.flush(triggerLever) {
				ticker.Reset(b.cfg.FlushInterval)
			}
		case <-b.stop:
			return
		}
	}
}

// flush writes the retry batch (timer only) and then the live buffer, and
// reports whether the live buffer was written.
// While a retry batch is pending nothing newer is taken, so items are never
// reordered across batches and a failing sink is not hit twice per tick.
func (b *batcher[B]) flush(t trigger) bool {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	ctx := context.Background()

	if t == triggerTimer {
		b.flushRetry(ctx)
	}

	b.mu.Lock()
	if b.retryN > 0 {
		b.mu.Unlock()
		return false
	}
	batch, n := b.take()
	if n == 0 {
		b.mu.Unlock()
		return false
	}
	b.inflight, b.inflightN = batch, n
	b.mu.Unlock()

	err := b.timedWrite(ctx, batch, n)

	b.mu.Lock()
	var zero B
	b.inflight, b.inflightN = zero, 0
	if err != nil {
		b.retry, b.retryN, b.attempts = batch, n, 1
		if b.attempts >= b.cfg.MaxRetries {
			b.dropRetryLocked(err)
		} else {
			b.logger.WithError(err).WithFields(logging.Fields{
				"buffer":   b.name,
				"count":    n,
				"trigger":  t.String(),
				"attempts": b.attempts,
			}).Warn("Buffer flush failed; batch held for retry")
		}
	}
	b.reportPendingLocked()
	b.mu.Unlock()
	return true
}

func (b *batcher[B]) flushRetry(ctx context.Context) {
	b.mu.Lock()
	batch, n := b.retry, b.retryN
	b.mu.Unlock()
	if n == 0 {
		return
	}

	err := b.timedWrite(ctx, batch, n)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.logger.WithFields(logging.Fields{
			"buffer":   b.name,
			"count":    n,
			"attempts": b.attempts + 1,
		}).Info("Retried batch written")
		b.clearRetryLocked()
		b.reportPendingLocked()
		return
	}
	b.attempts++
	if b.attempts >= b.cfg.MaxRetries {
		b.dropRetryLocked(err)
		b.reportPendingLocked()
		return
	}
	b.logger.WithError(err).WithFields(logging.Fields{
		"buffer":   b.name,
		"count":    n,
		"attempts": b.attempts,
	}).Warn("Buffer retry failed")
}

func (b *batcher[B]) dropRetryLocked(err error) {
	b.logger.WithError(err).WithFields(logging.Fields{
		"buffer":   b.name,
		"count":    b.retryN,
		"attempts": b.attempts,
	}).Error("Dropping batch after exhausting retries")
	b.metrics.Dropped(b.name, "retries_exhausted", b.retryN)
	b.clearRetryLocked()
}

func (b *batcher[B]) clearRetryLocked() {
	var zero B
	b.retry, b.retryN, b.attempts = zero, 0, 0
}

func (b *batcher[B]) timedWrite(ctx context.Context, batch B, n int) error {
	start := time.Now()
	err := b.write(ctx, batch)
	took := time.Since(start)
	if err != nil {
		b.metrics.Flushed(b.name, "error", took)
		return fmt.Errorf("%s flush of %d items: %w", b.name, n, err)
	}
	b.metrics.Flushed(b.name, "success", took)
	b.logger.WithFields(logging.Fields{
		"buffer":  b.name,
		"count":   n,
		"latency": took.String(),
	}).Debug("Flushed batch")
	return nil
}

// FlushAndClose stops the flush goroutine, waits out any flush in progress,
// then makes one last write of the retry batch and one of the live buffer.
// Writes are detached from ctx cancellation so they are never cut short.
// Concurrent or repeated calls wait for the first to finish and return nil.
func (b *batcher[B]) FlushAndClose(ctx context.Context) error {
	b.mu.Lock()
	prev := b.state
	if prev == stateClosed {
		b.mu.Unlock()
		<-b.closed
		return nil
	}
	b.state = stateClosed
	b.mu.Unlock()
	defer close(b.closed)

	if prev == stateRunning {
		close(b.stop)
		<-b.done
	}

	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	wctx := context.WithoutCancel(ctx)

	var errs []error
	b.mu.Lock()
	retry, retryN := b.retry, b.retryN
	b.mu.Unlock()
	if retryN > 0 {
		if err := b.timedWrite(wctx, retry, retryN); err != nil {
			errs = append(errs, err)
			b.mu.Lock()
			b.dropRetryLocked(err)
			b.mu.Unlock()
		} else {
			b.mu.Lock()
			b.clearRetryLocked()
			b.mu.Unlock()
		}
	}

	b.mu.Lock()
	batch, n := b.take()
	b.inflight, b.inflightN = batch, n
	b.mu.Unlock()
	if n > 0 {
		err := b.timedWrite(wctx, batch, n)
		b.mu.Lock()
		var zero B
		b.inflight, b.inflightN = zero, 0
		if err != nil {
			errs = append(errs, err)
			b.logger.WithError(err).WithFields(logging.Fields{
				"buffer": b.name,
				"count":  n,
			}).Error("Dropping batch after final flush failed")
			b.metrics.Dropped(b.name, "shutdown", n)
		}
		b.mu.Unlock()
	}

	b.mu.Lock()
	b.reportPendingLocked()
	b.mu.Unlock()

	b.logger.WithFields(logging.Fields{
		"buffer": b.name,
		"errors": len(errs),
	}).Info("Buffer closed")
	return errors.Join(errs...)
}

// Len reports live, in-flight and retry items.
func (b *batcher[B]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lenLocked()
}

func (b *batcher[B]) lenLocked() int {
	return b.live() + b.inflightN + b.retryN
}

func (b *batcher[B]) reportPendingLocked() {
	b.metrics.SetPending(b.name, b.lenLocked())
}
