package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "clickhouse")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "18040", cfg.Port)
	assert.Equal(t, []string{"clickhouse:9000"}, cfg.ClickHouse.Addr)
	assert.Equal(t, 2*time.Second, cfg.Events.FlushInterval)
	assert.Equal(t, 250, cfg.Events.MaxBatchSize)
	assert.Equal(t, 5*time.Second, cfg.Activity.FlushInterval)
	assert.Equal(t, 500, cfg.Activity.MaxBatchSize)
	assert.Equal(t, 3, cfg.Activity.MaxRetries)
	assert.Equal(t, 4*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Stream.PresenceInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Stream.PollInterval)
	assert.Equal(t, 256, cfg.Stream.QueueSize)
	assert.Equal(t, 120, cfg.RateLimitRequests)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.False(t, cfg.MirrorEnabled())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "ch1:9440, ch2")
	t.Setenv("EVENT_FLUSH_INTERVAL", "500ms")
	t.Setenv("ACTIVITY_BATCH_SIZE", "50")
	t.Setenv("BUFFER_MAX_RETRIES", "5")
	t.Setenv("BUFFER_MAX_PENDING", "1000")
	t.Setenv("STREAM_HEARTBEAT_INTERVAL", "2")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("KAFKA_EVENTS_TOPIC", "lookout.events")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"ch1:9440", "ch2:9000"}, cfg.ClickHouse.Addr)
	assert.Equal(t, 500*time.Millisecond, cfg.Events.FlushInterval)
	assert.Equal(t, 50, cfg.Activity.MaxBatchSize)
	assert.Equal(t, 5, cfg.Events.MaxRetries)
	assert.Equal(t, 5, cfg.Activity.MaxRetries)
	assert.Equal(t, 1000, cfg.Activity.MaxPending)
	assert.Equal(t, 2*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.True(t, cfg.MirrorEnabled())
}

func TestLoadConfigRequiresClickHouse(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Setenv("CLICKHOUSE_HOST", "clickhouse")
	t.Setenv("RATE_LIMIT_REQUESTS", "-1")
	_, err := LoadConfig()
	assert.Error(t, err)
}
