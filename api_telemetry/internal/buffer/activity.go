package buffer

import (
	"context"
	"sort"
	"time"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/logging"
)

// ActivityWriter is the durable side of the activity buffer.
type ActivityWriter interface {
	WriteActivityBatch(ctx context.Context, updates []models.BufferedActivity) error
}

type activityBatch map[string]models.BufferedActivity

// ActivityBuffer coalesces "session still active" signals so each session
// costs one write per flush no matter how many events it produced.
type ActivityBuffer struct {
	batcher[activityBatch]
	entries activityBatch
}

// NewActivityBuffer creates a stopped buffer; call Start to begin timed flushes.
func NewActivityBuffer(writer ActivityWriter, cfg Config, logger logging.Logger, m *metrics.Metrics) *ActivityBuffer {
	b := &ActivityBuffer{entries: make(activityBatch)}
	b.name = "activity"
	b.cfg = cfg.withDefaults(DefaultActivityConfig())
	b.logger = logger
	b.metrics = m
	b.write = func(ctx context.Context, batch activityBatch) error {
		return writer.WriteActivityBatch(ctx, batch.updates())
	}
	b.take = b.takeEntries
	b.live = func() int { return len(b.entries) }
	b.init()
	return b
}

// Push records activity for a session, keeping the latest timestamp seen.
func (b *ActivityBuffer) Push(sessionID string, ts time.Time, appID string) error {
	b.mu.Lock()
	if err := b.admit(); err != nil {
		b.mu.Unlock()
		return err
	}
	if cur, ok := b.entries[sessionID]; ok {
		if ts.After(cur.LastActivityAt) {
			cur.LastActivityAt = ts
		}
		if cur.AppID == "" {
			cur.AppID = appID
		}
		b.entries[sessionID] = cur
		b.mu.Unlock()
		return nil
	}
	if len(b.entries) >= b.cfg.MaxPending {
		b.evictOldestLocked()
	}
	b.entries[sessionID] = models.BufferedActivity{SessionID: sessionID, AppID: appID, LastActivityAt: ts}
	n := len(b.entries)
	b.mu.Unlock()

	b.pullLever(n)
	return nil
}

// GetLastActivityAt reads through the live map, the batch being written and
// the retry batch, so callers see activity that is not durable yet.
func (b *ActivityBuffer) GetLastActivityAt(sessionID string) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var latest time.Time
	found := false
	for _, m := range []activityBatch{b.entries, b.inflight, b.retry} {
		if e, ok := m[sessionID]; ok {
			if !found || e.LastActivityAt.After(latest) {
				latest = e.LastActivityAt
			}
			found = true
		}
	}
	return latest, found
}

// ActiveSessions lists the sessions of appID with unflushed activity at or
// after since, sorted by id.
func (b *ActivityBuffer) ActiveSessions(appID string, since time.Time) []string {
	b.mu.Lock()
	seen := make(map[string]struct{})
	for _, m := range []activityBatch{b.entries, b.inflight, b.retry} {
		for id, e := range m {
			if e.AppID == appID && !e.LastActivityAt.Before(since) {
				seen[id] = struct{}{}
			}
		}
	}
	b.mu.Unlock()

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// evictOldestLocked drops the stalest sessions to make room for a new one.
// It evicts a slice of the cap at once so sustained overflow does not scan
// the whole map on every push.
func (b *ActivityBuffer) evictOldestLocked() {
	drop := b.cfg.MaxPending / 100
	if drop < 1 {
		drop = 1
	}
	if drop > len(b.entries) {
		drop = len(b.entries)
	}
	byAge := make([]models.BufferedActivity, 0, len(b.entries))
	for _, e := range b.entries {
		byAge = append(byAge, e)
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].LastActivityAt.Before(byAge[j].LastActivityAt) })
	for _, e := range byAge[:drop] {
		delete(b.entries, e.SessionID)
	}
	b.metrics.Dropped(b.name, "overflow", drop)
	b.logger.WithFields(logging.Fields{
		"buffer":  b.name,
		"dropped": drop,
		"oldest":  byAge[0].LastActivityAt,
	}).Warn("Activity buffer full; dropped oldest sessions")
}

func (b *ActivityBuffer) takeEntries() (activityBatch, int) {
	batch := b.entries
	if len(batch) == 0 {
		return nil, 0
	}
	b.entries = make(activityBatch, len(batch))
	return batch, len(batch)
}

// updates returns one update per session, ordered by session id.
func (m activityBatch) updates() []models.BufferedActivity {
	out := make([]models.BufferedActivity, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}
