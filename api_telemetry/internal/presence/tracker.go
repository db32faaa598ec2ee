// Package presence derives per-app "online now" snapshots from recent
// session activity.
package presence

import (
	"context"
	"sync"
	"time"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/logging"
)

// DefaultWindow is how recent activity must be to count as online.
const DefaultWindow = 2 * time.Minute

// Source answers the online query, normally the ClickHouse sink. buffered
// are sessions active in the window whose activity is not durable yet.
type Source interface {
	OnlineSnapshot(ctx context.Context, appID string, since time.Time, buffered []string) (models.OnlineSnapshot, error)
}

// Buffered reports sessions with unflushed activity, normally the activity buffer.
type Buffered interface {
	ActiveSessions(appID string, since time.Time) []string
}

// Tracker computes snapshots on demand. It has no timer of its own; the
// realtime manager decides when to ask.
type Tracker struct {
	source   Source
	buffered Buffered
	window   time.Duration
	logger   logging.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	lastKnown map[string]models.OnlineSnapshot
}

// NewTracker builds a tracker. buffered may be nil, in which case sessions
// are counted only once their activity is flushed.
func NewTracker(source Source, buffered Buffered, window time.Duration, logger logging.Logger, m *metrics.Metrics) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		source:    source,
		buffered:  buffered,
		window:    window,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
		lastKnown: make(map[string]models.OnlineSnapshot),
	}
}

// GetOnlineUsers returns a fresh snapshot, or the last good one for appID if
// the source fails, so counts don't flicker to zero on a transient error.
func (t *Tracker) GetOnlineUsers(ctx context.Context, appID string) models.OnlineSnapshot {
	now := t.now()
	since := now.Add(-t.window)
	var pending []string
	if t.buffered != nil {
		pending = t.buffered.ActiveSessions(appID, since)
	}
	snap, err := t.source.OnlineSnapshot(ctx, appID, since, pending)
	if err != nil {
		t.metrics.PresenceFailed()
		t.mu.Lock()
		prev, ok := t.lastKnown[appID]
		t.mu.Unlock()
		t.logger.WithError(err).WithFields(logging.Fields{
			"app_id":     appID,
			"have_stale": ok,
		}).Warn("Presence query failed; serving last known snapshot")
		if ok {
			return prev
		}
		return models.EmptySnapshot(now)
	}

	if snap.Platforms == nil {
		snap.Platforms = map[string]int{}
	}
	if snap.Countries == nil {
		snap.Countries = map[string]int{}
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = now
	}

	t.mu.Lock()
	t.lastKnown[appID] = snap
	t.mu.Unlock()
	return snap
}

// Forget drops the stale fallback for an app with no viewers left.
func (t *Tracker) Forget(appID string) {
	t.mu.Lock()
	delete(t.lastKnown, appID)
	t.mu.Unlock()
}
