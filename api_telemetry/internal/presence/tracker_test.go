package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/monitoring"
)

type fakeSource struct {
	snap     models.OnlineSnapshot
	err      error
	since    time.Time
	buffered []string
	calls    int
}

func (f *fakeSource) OnlineSnapshot(_ context.Context, _ string, since time.Time, buffered []string) (models.OnlineSnapshot, error) {
	f.calls++
	f.since = since
	f.buffered = buffered
	return f.snap, f.err
}

type fakeBuffered struct {
	app   string
	since time.Time
	ids   []string
}

func (f *fakeBuffered) ActiveSessions(appID string, since time.Time) []string {
	f.app, f.since = appID, since
	return f.ids
}

func TestTrackerQueriesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{snap: models.OnlineSnapshot{Total: 3, Platforms: map[string]int{"ios": 3}}}
	logger, _ := logrustest.NewNullLogger()
	tr := NewTracker(src, nil, 0, logger, nil)
	tr.now = func() time.Time { return now }

	snap := tr.GetOnlineUsers(context.Background(), "app")
	assert.Equal(t, now.Add(-DefaultWindow), src.since)
	assert.Equal(t, 3, snap.Total)
	assert.NotNil(t, snap.Countries)
	assert.Equal(t, now, snap.UpdatedAt)
}

func TestTrackerPassesBufferedSessions(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{snap: models.OnlineSnapshot{Total: 2}}
	buf := &fakeBuffered{ids: []string{"s1", "s2"}}
	logger, _ := logrustest.NewNullLogger()
	tr := NewTracker(src, buf, time.Minute, logger, nil)
	tr.now = func() time.Time { return now }

	assert.Equal(t, 2, tr.GetOnlineUsers(context.Background(), "app").Total)
	assert.Equal(t, "app", buf.app)
	assert.Equal(t, now.Add(-time.Minute), buf.since)
	assert.Equal(t, []string{"s1", "s2"}, src.buffered)
	assert.Equal(t, src.since, buf.since)
}

func TestTrackerFallsBackToLastKnown(t *testing.T) {
	src := &fakeSource{snap: models.OnlineSnapshot{Total: 7}}
	logger, hook := logrustest.NewNullLogger()
	m := metrics.New(monitoring.NewMetricsCollector("lookout", "test", "abc"))
	tr := NewTracker(src, nil, time.Minute, logger, m)

	require.Equal(t, 7, tr.GetOnlineUsers(context.Background(), "app").Total)

	src.err = errors.New("clickhouse unavailable")
	src.snap = models.OnlineSnapshot{}
	assert.Equal(t, 7, tr.GetOnlineUsers(context.Background(), "app").Total, "stale snapshot instead of zero")
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, true, hook.LastEntry().Data["have_stale"])
	assert.Equal(t, float64(1), testutil.ToFloat64(m.PresenceFailures.WithLabelValues()))

	empty := tr.GetOnlineUsers(context.Background(), "other-app")
	assert.Equal(t, 0, empty.Total)
	assert.NotNil(t, empty.Platforms)

	tr.Forget("app")
	assert.Equal(t, 0, tr.GetOnlineUsers(context.Background(), "app").Total)
}
