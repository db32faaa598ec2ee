// Package config assembles the telemetry service configuration from the
// environment.
package config

import (
	"fmt"
	"time"

	"lookout/api_telemetry/internal/buffer"
	"lookout/api_telemetry/internal/realtime"
	"lookout/pkg/config"
	"lookout/pkg/database"
)

const ServiceName = "lookout"

// Config is everything main needs to wire the service.
type Config struct {
	Port           string
	AllowedOrigins []string

	ClickHouse  database.ClickHouseConfig
	AutoMigrate bool

	RedisURL string

	GeoIPPath     string
	GeoCacheTTL   time.Duration
	GeoCacheLimit int

	KafkaBrokers     []string
	KafkaClientID    string
	KafkaEventsTopic string

	Events   buffer.Config
	Activity buffer.Config
	Stream   realtime.Config

	RateLimitRequests int
	RateLimitWindow   time.Duration
	PresenceWindow    time.Duration
	SessionTimeout    time.Duration
}

// MirrorEnabled reports whether flushed events are published to Kafka.
func (c Config) MirrorEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaEventsTopic != ""
}

// LoadConfig reads the environment. Only CLICKHOUSE_HOST is required.
func LoadConfig() (Config, error) {
	host, err := config.RequireEnv("CLICKHOUSE_HOST")
	if err != nil {
		return Config{}, err
	}

	ch := database.DefaultClickHouseConfig()
	ch.Addr = database.ParseClickHouseAddrs(host)
	ch.Database = config.GetEnv("CLICKHOUSE_DB", ch.Database)
	ch.Username = config.GetEnv("CLICKHOUSE_USER", ch.Username)
	ch.Password = config.GetEnv("CLICKHOUSE_PASSWORD", "")
	ch.Debug = config.GetEnvBool("CLICKHOUSE_DEBUG", false)

	events := buffer.DefaultEventConfig()
	events.FlushInterval = config.GetEnvDuration("EVENT_FLUSH_INTERVAL", events.FlushInterval)
	events.MaxBatchSize = config.GetEnvInt("EVENT_BATCH_SIZE", events.MaxBatchSize)

	activity := buffer.DefaultActivityConfig()
	activity.FlushInterval = config.GetEnvDuration("ACTIVITY_FLUSH_INTERVAL", activity.FlushInterval)
	activity.MaxBatchSize = config.GetEnvInt("ACTIVITY_BATCH_SIZE", activity.MaxBatchSize)

	retries := config.GetEnvInt("BUFFER_MAX_RETRIES", events.MaxRetries)
	pending := config.GetEnvInt("BUFFER_MAX_PENDING", events.MaxPending)
	events.MaxRetries, activity.MaxRetries = retries, retries
	events.MaxPending, activity.MaxPending = pending, pending

	stream := realtime.DefaultConfig()
	stream.HeartbeatInterval = config.GetEnvDuration("STREAM_HEARTBEAT_INTERVAL", stream.HeartbeatInterval)
	stream.PresenceInterval = config.GetEnvDuration("STREAM_PRESENCE_INTERVAL", stream.PresenceInterval)
	stream.PollInterval = config.GetEnvDuration("STREAM_POLL_INTERVAL", stream.PollInterval)
	stream.QueueSize = config.GetEnvInt("STREAM_QUEUE_SIZE", stream.QueueSize)

	cfg := Config{
		Port:              config.GetEnv("PORT", "18040"),
		AllowedOrigins:    config.GetEnvList("CORS_ALLOWED_ORIGINS", nil),
		ClickHouse:        ch,
		AutoMigrate:       config.GetEnvBool("CLICKHOUSE_AUTO_MIGRATE", false),
		RedisURL:          config.GetEnv("REDIS_URL", ""),
		GeoIPPath:         config.GetEnv("GEOIP_MMDB_PATH", ""),
		GeoCacheTTL:       config.GetEnvDuration("GEOIP_CACHE_TTL", 10*time.Minute),
		GeoCacheLimit:     config.GetEnvInt("GEOIP_CACHE_SIZE", 50000),
		KafkaBrokers:      config.GetEnvList("KAFKA_BROKERS", nil),
		KafkaClientID:     config.GetEnv("KAFKA_CLIENT_ID", ServiceName),
		KafkaEventsTopic:  config.GetEnv("KAFKA_EVENTS_TOPIC", ""),
		Events:            events,
		Activity:          activity,
		Stream:            stream,
		RateLimitRequests: config.GetEnvInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:   config.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		PresenceWindow:    config.GetEnvDuration("PRESENCE_WINDOW", 2*time.Minute),
		SessionTimeout:    config.GetEnvDuration("SESSION_TIMEOUT", 30*time.Minute),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case len(c.ClickHouse.Addr) == 0:
		return fmt.Errorf("CLICKHOUSE_HOST has no usable address")
	case c.Events.MaxBatchSize <= 0 || c.Activity.MaxBatchSize <= 0:
		return fmt.Errorf("batch sizes must be positive")
	case c.Events.MaxRetries <= 0:
		return fmt.Errorf("BUFFER_MAX_RETRIES must be positive")
	case c.RateLimitRequests <= 0:
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	return nil
}
