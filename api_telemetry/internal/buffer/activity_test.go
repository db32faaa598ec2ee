package buffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/api_telemetry/internal/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newActivityBuffer(t *testing.T, sink *fakeSink, cfg Config) *ActivityBuffer {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	return NewActivityBuffer(sink, cfg, logger, newTestMetrics())
}

func TestActivityBufferCoalescesToMax(t *testing.T) {
	sink := &fakeSink{}
	b := newActivityBuffer(t, sink, Config{MaxBatchSize: 100})

	require.NoError(t, b.Push("s1", t0.Add(3*time.Second), "app"))
	require.NoError(t, b.Push("s1", t0.Add(1*time.Second), "app")) // older, ignored
	require.NoError(t, b.Push("s1", t0.Add(2*time.Second), "app"))
	require.NoError(t, b.Push("s2", t0, "app"))

	got, ok := b.GetLastActivityAt("s1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(3*time.Second), got)
	assert.Equal(t, 2, b.Len())

	b.flush(triggerTimer)
	require.Len(t, sink.activity, 1)
	assert.Equal(t, []models.BufferedActivity{
		{SessionID: "s1", AppID: "app", LastActivityAt: t0.Add(3 * time.Second)},
		{SessionID: "s2", AppID: "app", LastActivityAt: t0},
	}, sink.activity[0])

	_, ok = b.GetLastActivityAt("s1")
	assert.False(t, ok, "flushed entries are no longer buffered")
}

func TestActivityBufferReadThroughRetryBatch(t *testing.T) {
	sink := &fakeSink{failures: 1}
	b := newActivityBuffer(t, sink, Config{MaxBatchSize: 100, MaxRetries: 3})

	require.NoError(t, b.Push("s1", t0.Add(5*time.Second), "app"))
	b.flush(triggerTimer) // fails; entry moves to the retry batch

	got, ok := b.GetLastActivityAt("s1")
	require.True(t, ok)
	assert.Equal(t, t0.Add(5*time.Second), got)

	// a older live value must not hide the newer retry value
	require.NoError(t, b.Push("s1", t0.Add(time.Second), "app"))
	got, _ = b.GetLastActivityAt("s1")
	assert.Equal(t, t0.Add(5*time.Second), got)

	b.flush(triggerTimer)
	require.Len(t, sink.activity, 2)
	assert.Equal(t, t0.Add(5*time.Second), sink.activity[0][0].LastActivityAt)
	assert.Equal(t, t0.Add(time.Second), sink.activity[1][0].LastActivityAt)
}

func TestActivityBufferThresholdCountsDistinctSessions(t *testing.T) {
	sink := &fakeSink{}
	b := newActivityBuffer(t, sink, Config{FlushInterval: time.Hour, MaxBatchSize: 3})
	b.Start()
	t.Cleanup(func() { _ = b.FlushAndClose(context.Background()) })

	for i := 0; i < 50; i++ {
		require.NoError(t, b.Push("s1", t0.Add(time.Duration(i)*time.Second), "app"))
	}
	require.NoError(t, b.Push("s2", t0, "app"))
	select {
	case <-b.lever:
		t.Fatal("lever pulled before threshold of distinct sessions")
	default:
	}

	require.NoError(t, b.Push("s3", t0, "app"))
	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.activity) == 1 && len(sink.activity[0]) == 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestActivityBufferOverflowEvictsOldestSession(t *testing.T) {
	sink := &fakeSink{}
	b := newActivityBuffer(t, sink, Config{MaxBatchSize: 3, MaxPending: 3})

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Push(fmt.Sprintf("s%d", i), t0.Add(time.Duration(i)*time.Second), "app"))
	}
	assert.Equal(t, 3, b.Len())
	_, ok := b.GetLastActivityAt("s0")
	assert.False(t, ok)
	_, ok = b.GetLastActivityAt("s3")
	assert.True(t, ok)
}

func TestActivityBufferOverflowEvictsInBulkByAge(t *testing.T) {
	sink := &fakeSink{}
	logger, _ := logrustest.NewNullLogger()
	m := newTestMetrics()
	b := NewActivityBuffer(sink, Config{MaxBatchSize: 300, MaxPending: 300}, logger, m)

	// Later sessions carry older timestamps, so eviction must follow age, not insertion.
	for i := 0; i < 300; i++ {
		require.NoError(t, b.Push(fmt.Sprintf("s%03d", i), t0.Add(-time.Duration(i)*time.Second), "app"))
	}
	require.NoError(t, b.Push("fresh", t0, "app"))

	assert.Equal(t, 298, b.Len())
	for _, id := range []string{"s299", "s298", "s297"} {
		_, ok := b.GetLastActivityAt(id)
		assert.False(t, ok, id)
	}
	for _, id := range []string{"s000", "s296", "fresh"} {
		_, ok := b.GetLastActivityAt(id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BufferDropped.WithLabelValues("activity", "overflow")))

	// The freed room admits new sessions without another eviction.
	require.NoError(t, b.Push("fresh2", t0, "app"))
	assert.Equal(t, 299, b.Len())
	assert.Equal(t, float64(3), testutil.ToFloat64(m.BufferDropped.WithLabelValues("activity", "overflow")))
}

func TestActivityBufferActiveSessions(t *testing.T) {
	sink := &fakeSink{failures: 1}
	b := newActivityBuffer(t, sink, Config{MaxBatchSize: 100})

	require.NoError(t, b.Push("s1", t0, "app"))
	b.flush(triggerTimer) // fails; s1 is now only in the retry batch
	require.NoError(t, b.Push("s2", t0.Add(time.Minute), "app"))
	require.NoError(t, b.Push("s3", t0.Add(-time.Hour), "app"))
	require.NoError(t, b.Push("s4", t0, "other"))

	assert.Equal(t, []string{"s1", "s2"}, b.ActiveSessions("app", t0))
	assert.Equal(t, []string{"s2"}, b.ActiveSessions("app", t0.Add(time.Second)))
	assert.Empty(t, b.ActiveSessions("nobody", t0))
}

func TestActivityBufferFlushAndClose(t *testing.T) {
	sink := &fakeSink{}
	b := newActivityBuffer(t, sink, Config{FlushInterval: time.Hour})
	b.Start()

	require.NoError(t, b.Push("s1", t0, "app"))
	require.NoError(t, b.FlushAndClose(context.Background()))
	require.Len(t, sink.activity, 1)
	assert.ErrorIs(t, b.Push("s1", t0, "app"), ErrClosed)
}
