package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/models"
	"lookout/pkg/clients"
	"lookout/pkg/kafka"
	"lookout/pkg/monitoring"
)

type fakeClickhouse struct {
	prepareErr error
	sendErr    error
	appendErr  error
	batches    []*fakeBatch
	queries    []string
	queryArgs  [][]interface{}
	results    [][][]interface{}
	queryErr   error
	execs      []string
	pings      int
}

func (f *fakeClickhouse) PrepareBatch(_ context.Context, query string) (clickhouseBatch, error) {
	if f.prepareErr != nil {
		return nil, f.prepareErr
	}
	b := &fakeBatch{query: query, sendErr: f.sendErr, appendErr: f.appendErr}
	f.batches = append(f.batches, b)
	return b, nil
}

func (f *fakeClickhouse) Query(_ context.Context, query string, args ...interface{}) (clickhouseRows, error) {
	f.queries = append(f.queries, query)
	f.queryArgs = append(f.queryArgs, args)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var data [][]interface{}
	if len(f.results) > 0 {
		data = f.results[0]
		f.results = f.results[1:]
	}
	return &fakeRows{data: data, pos: -1}, nil
}

func (f *fakeClickhouse) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeClickhouse) Ping(context.Context) error {
	f.pings++
	return nil
}

func (f *fakeClickhouse) Close() error { return nil }

type fakeBatch struct {
	query     string
	rows      [][]interface{}
	appendErr error
	sendErr   error
	sent      bool
	aborted   bool
}

func (f *fakeBatch) Append(v ...interface{}) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.rows = append(f.rows, v)
	return nil
}

func (f *fakeBatch) Send() error {
	f.sent = true
	return f.sendErr
}

func (f *fakeBatch) Abort() error {
	f.aborted = true
	return nil
}

type fakeRows struct {
	data [][]interface{}
	pos  int
}

func (f *fakeRows) Next() bool {
	f.pos++
	return f.pos < len(f.data)
}

func (f *fakeRows) Scan(dest ...interface{}) error {
	row := f.data[f.pos]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d columns, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *uint64:
			*p = row[i].(uint64)
		case *time.Time:
			*p = row[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported %T", d)
		}
	}
	return nil
}

func (f *fakeRows) Err() error   { return nil }
func (f *fakeRows) Close() error { return nil }

type fakeMirror struct {
	records []kafka.Record
	err     error
}

func (f *fakeMirror) Produce(_ context.Context, records []kafka.Record) error {
	f.records = append(f.records, records...)
	return f.err
}

func newTestWriter(t *testing.T, ch *fakeClickhouse, opts Options) (*Writer, *metrics.Metrics, *logrustest.Hook) {
	t.Helper()
	logger, hook := logrustest.NewNullLogger()
	m := metrics.New(monitoring.NewMetricsCollector("lookout", "test", "abc"))
	w := newWriter(ch, opts, logger, m)
	w.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return w, m, hook
}

func sampleEvents() []models.BufferedEvent {
	ts := time.Date(2026, 5, 1, 8, 59, 0, 0, time.UTC)
	return []models.BufferedEvent{
		{EventID: "e1", AppID: "app", SessionID: "s1", DeviceID: "d1", Name: "open", Timestamp: ts},
		{EventID: "e2", AppID: "app", SessionID: "s1", DeviceID: "d1", Name: "buy", Params: map[string]any{"sku": "x"}, Timestamp: ts},
	}
}

func TestWriteEventsBatchInsertsAndMirrors(t *testing.T) {
	ch := &fakeClickhouse{}
	mirror := &fakeMirror{}
	w, m, _ := newTestWriter(t, ch, Options{Mirror: mirror, MirrorTopic: "lookout.events"})

	require.NoError(t, w.WriteEventsBatch(context.Background(), sampleEvents()))

	require.Len(t, ch.batches, 1)
	b := ch.batches[0]
	assert.True(t, b.sent)
	assert.Contains(t, b.query, "INSERT INTO events")
	require.Len(t, b.rows, 2)
	assert.Equal(t, "{}", b.rows[0][5])
	assert.JSONEq(t, `{"sku":"x"}`, b.rows[1][5].(string))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkWrites.WithLabelValues("events", "success")))

	require.Len(t, mirror.records, 2)
	rec := mirror.records[1]
	assert.Equal(t, "lookout.events", rec.Topic)
	assert.Equal(t, []byte("app"), rec.Key)
	var decoded models.BufferedEvent
	require.NoError(t, json.Unmarshal(rec.Value, &decoded))
	assert.Equal(t, "e2", decoded.EventID)
}

func TestWriteEventsBatchEmptyIsNoop(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})
	require.NoError(t, w.WriteEventsBatch(context.Background(), nil))
	assert.Empty(t, ch.batches)
}

func TestWriteEventsBatchAppendFailureSkipsSend(t *testing.T) {
	ch := &fakeClickhouse{appendErr: errors.New("bad column")}
	mirror := &fakeMirror{}
	w, m, _ := newTestWriter(t, ch, Options{Mirror: mirror, MirrorTopic: "t"})

	err := w.WriteEventsBatch(context.Background(), sampleEvents())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append events row 0")
	assert.False(t, ch.batches[0].sent)
	assert.True(t, ch.batches[0].aborted)
	assert.Empty(t, mirror.records, "failed writes are not mirrored")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SinkWrites.WithLabelValues("events", "error")))
}

func TestWriteEventsBatchSendFailureWrapped(t *testing.T) {
	sendErr := errors.New("connection reset")
	ch := &fakeClickhouse{sendErr: sendErr}
	w, _, _ := newTestWriter(t, ch, Options{})

	err := w.WriteEventsBatch(context.Background(), sampleEvents())
	assert.ErrorIs(t, err, sendErr)
}

func TestMirrorFailureIsNotReturned(t *testing.T) {
	ch := &fakeClickhouse{}
	mirror := &fakeMirror{err: errors.New("broker down")}
	w, m, hook := newTestWriter(t, ch, Options{Mirror: mirror, MirrorTopic: "lookout.events"})

	require.NoError(t, w.WriteEventsBatch(context.Background(), sampleEvents()))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MirrorFailures.WithLabelValues("lookout.events")))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "Failed to mirror event batch", hook.LastEntry().Message)
}

func TestBreakerOpensOnRepeatedFailures(t *testing.T) {
	ch := &fakeClickhouse{prepareErr: errors.New("unavailable")}
	breaker := clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
		Name:         "clickhouse",
		MinRequests:  2,
		FailureRatio: 1,
		Timeout:      time.Minute,
	})
	w, _, _ := newTestWriter(t, ch, Options{Breaker: breaker})

	for i := 0; i < 2; i++ {
		require.Error(t, w.WriteActivityBatch(context.Background(), []models.BufferedActivity{{SessionID: "s"}}))
	}
	err := w.WriteActivityBatch(context.Background(), []models.BufferedActivity{{SessionID: "s"}})
	assert.ErrorIs(t, err, clients.ErrCircuitOpen)
}

func TestWriteActivityBatchRows(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, w.WriteActivityBatch(context.Background(), []models.BufferedActivity{
		{SessionID: "s1", AppID: "app", LastActivityAt: ts},
		{SessionID: "s2", AppID: "app", LastActivityAt: ts},
	}))
	require.Len(t, ch.batches, 1)
	assert.Equal(t, []interface{}{"app", "s1", ts}, ch.batches[0].rows[0])
}

func TestUpsertDeviceKeepsFirstSeen(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})
	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	rec := models.DeviceRecord{
		DevicePayload: models.DevicePayload{DeviceID: "d1", Platform: "ios"},
		AppID:         "app",
		CountryCode:   "NL",
		FirstSeenAt:   first,
	}
	require.NoError(t, w.UpsertDevice(context.Background(), rec))

	row := ch.batches[0].rows[0]
	assert.Equal(t, "d1", row[1])
	assert.Equal(t, "NL", row[7])
	assert.Equal(t, first, row[9])
	assert.Equal(t, w.now().UTC(), row[10])
}

func TestUpsertSession(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})
	started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, w.UpsertSession(context.Background(), models.SessionRecord{
		SessionPayload: models.SessionPayload{SessionID: "s1", DeviceID: "d1", StartedAt: started},
		AppID:          "app",
	}))
	assert.Equal(t, []interface{}{"app", "s1", "d1", started, w.now().UTC()}, ch.batches[0].rows[0])
}

func TestLastActivityAt(t *testing.T) {
	ts := time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC)
	started := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	t.Run("activity", func(t *testing.T) {
		ch := &fakeClickhouse{results: [][][]interface{}{{{ts}}}}
		w, _, _ := newTestWriter(t, ch, Options{})
		got, err := w.LastActivityAt(context.Background(), "app", "s1")
		require.NoError(t, err)
		assert.Equal(t, ts, got)
		assert.Len(t, ch.queries, 1)
	})

	t.Run("falls back to session start", func(t *testing.T) {
		ch := &fakeClickhouse{results: [][][]interface{}{{}, {{started}}}}
		w, _, _ := newTestWriter(t, ch, Options{})
		got, err := w.LastActivityAt(context.Background(), "app", "s1")
		require.NoError(t, err)
		assert.Equal(t, started, got)
	})

	t.Run("unknown", func(t *testing.T) {
		w, _, _ := newTestWriter(t, &fakeClickhouse{}, Options{})
		_, err := w.LastActivityAt(context.Background(), "app", "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("query error", func(t *testing.T) {
		w, _, _ := newTestWriter(t, &fakeClickhouse{queryErr: errors.New("timeout")}, Options{})
		_, err := w.LastActivityAt(context.Background(), "app", "s1")
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrNotFound)
	})
}

func TestOnlineSnapshotAggregates(t *testing.T) {
	ch := &fakeClickhouse{results: [][][]interface{}{{
		{"ios", "NL", uint64(3)},
		{"ios", "DE", uint64(1)},
		{"android", "NL", uint64(2)},
		{"", "", uint64(1)},
	}}}
	w, _, _ := newTestWriter(t, ch, Options{})

	snap, err := w.OnlineSnapshot(context.Background(), "app", w.now().Add(-2*time.Minute), nil)
	require.NoError(t, err)
	assert.Equal(t, 7, snap.Total)
	assert.Equal(t, map[string]int{"ios": 4, "android": 2, "unknown": 1}, snap.Platforms)
	assert.Equal(t, map[string]int{"NL": 5, "DE": 1}, snap.Countries)
	assert.Equal(t, w.now().UTC(), snap.UpdatedAt)
}

func TestOnlineSnapshotIncludesBufferedSessions(t *testing.T) {
	since := time.Date(2026, 3, 1, 11, 58, 0, 0, time.UTC)

	t.Run("none buffered", func(t *testing.T) {
		ch := &fakeClickhouse{}
		w, _, _ := newTestWriter(t, ch, Options{})
		_, err := w.OnlineSnapshot(context.Background(), "app", since, nil)
		require.NoError(t, err)
		require.Len(t, ch.queries, 1)
		assert.NotContains(t, ch.queries[0], "UNION")
		assert.Equal(t, []interface{}{"app", since, "app", "app"}, ch.queryArgs[0])
	})

	t.Run("buffered sessions", func(t *testing.T) {
		ch := &fakeClickhouse{results: [][][]interface{}{{{"ios", "NL", uint64(2)}}}}
		w, _, _ := newTestWriter(t, ch, Options{})
		snap, err := w.OnlineSnapshot(context.Background(), "app", since, []string{"s1", "s2"})
		require.NoError(t, err)
		assert.Equal(t, 2, snap.Total)
		require.Len(t, ch.queries, 1)
		assert.Contains(t, ch.queries[0], "UNION DISTINCT")
		assert.Contains(t, ch.queries[0], "session_id IN (?)")
		assert.Equal(t, []interface{}{"app", since, "app", []string{"s1", "s2"}, "app", "app"}, ch.queryArgs[0])
	})
}

func TestEnsureSchemaAppliesEveryStatement(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})

	require.NoError(t, w.EnsureSchema(context.Background()))
	require.Len(t, ch.execs, 4)
	for _, stmt := range ch.execs {
		assert.True(t, strings.HasPrefix(stmt, "CREATE TABLE IF NOT EXISTS"), stmt)
	}
}

func TestPingDelegates(t *testing.T) {
	ch := &fakeClickhouse{}
	w, _, _ := newTestWriter(t, ch, Options{})
	require.NoError(t, w.Ping(context.Background()))
	assert.Equal(t, 1, ch.pings)
}
