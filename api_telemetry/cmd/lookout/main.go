package main

import (
	"context"
	"errors"
	"time"

	"lookout/api_telemetry/internal/buffer"
	appconfig "lookout/api_telemetry/internal/config"
	"lookout/api_telemetry/internal/handlers"
	"lookout/api_telemetry/internal/ingest"
	"lookout/api_telemetry/internal/metrics"
	"lookout/api_telemetry/internal/presence"
	"lookout/api_telemetry/internal/ratelimit"
	"lookout/api_telemetry/internal/realtime"
	"lookout/api_telemetry/internal/sink"
	"lookout/pkg/clients"
	"lookout/pkg/config"
	"lookout/pkg/database"
	"lookout/pkg/geoip"
	"lookout/pkg/kafka"
	"lookout/pkg/logging"
	"lookout/pkg/monitoring"
	"lookout/pkg/redis"
	"lookout/pkg/server"
	"lookout/pkg/version"
)

const (
	startupTimeout = 30 * time.Second
	drainTimeout   = 30 * time.Second
)

func main() {
	logger := logging.NewLoggerWithService(appconfig.ServiceName)
	config.LoadEnv(logger)

	cfg, err := appconfig.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	logger.WithFields(logging.Fields{
		"version": version.Version,
		"commit":  version.GetShortCommit(),
	}).Info("Starting Lookout telemetry service")

	startCtx, cancelStart := context.WithTimeout(context.Background(), startupTimeout)
	defer cancelStart()

	chConn, err := database.ConnectClickHouseNative(startCtx, cfg.ClickHouse, logger)
	if err != nil {
		logger.WithError(err).Fatal("ClickHouse unavailable")
	}

	metricsCollector := monitoring.NewMetricsCollector(appconfig.ServiceName, version.Version, version.GitCommit)
	healthChecker := monitoring.NewHealthChecker(appconfig.ServiceName, version.Version)
	m := metrics.New(metricsCollector)

	sinkOpts := sink.Options{
		Breaker: clients.NewCircuitBreaker(clients.CircuitBreakerConfig{
			Name:   "clickhouse",
			Logger: logger,
		}),
	}
	var producer *kafka.Producer
	if cfg.MirrorEnabled() {
		producer, err = kafka.NewProducer(kafka.ProducerConfig{
			Brokers:  cfg.KafkaBrokers,
			ClientID: cfg.KafkaClientID,
		}, logger)
		if err != nil {
			logger.WithError(err).Warn("Kafka mirror disabled")
		} else {
			sinkOpts.Mirror = producer
			sinkOpts.MirrorTopic = cfg.KafkaEventsTopic
			healthChecker.AddCheck("kafka", monitoring.OptionalPingHealthCheck("kafka", producer))
		}
	}

	writer := sink.NewWriter(chConn, sinkOpts, logger, m)
	if cfg.AutoMigrate {
		if err := writer.EnsureSchema(startCtx); err != nil {
			logger.WithError(err).Fatal("Failed to apply ClickHouse schema")
		}
	}
	healthChecker.AddCheck("clickhouse", monitoring.PingHealthCheck("clickhouse", writer))

	var limiter ratelimit.Limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	var closeRedis func() error
	if cfg.RedisURL != "" {
		rc, err := redis.NewClientFromURL(startCtx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, rate limiting per replica")
		} else {
			limiter = ratelimit.NewRedisLimiter(rc, cfg.RateLimitRequests, cfg.RateLimitWindow)
			closeRedis = rc.Close
			healthChecker.AddCheck("redis", monitoring.OptionalPingHealthCheck("redis", monitoring.PingFunc(func(ctx context.Context) error {
				return rc.Ping(ctx).Err()
			})))
		}
	}

	geoReader, err := geoip.NewReader(cfg.GeoIPPath)
	if err != nil {
		logger.WithError(err).Warn("GeoIP database could not be opened, locations disabled")
	}
	if geoReader.IsLoaded() {
		logger.WithFields(logging.Fields{
			"provider": geoReader.Provider(),
			"path":     geoReader.DatabasePath(),
		}).Info("GeoIP database loaded")
	}
	locator := geoip.NewLocator(geoReader, cfg.GeoCacheTTL, cfg.GeoCacheLimit)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"CLICKHOUSE_HOST": cfg.ClickHouse.Addr[0],
	}))

	events := buffer.NewEventBuffer(writer, cfg.Events, logger, m)
	activity := buffer.NewActivityBuffer(writer, cfg.Activity, logger, m)
	events.Start()
	activity.Start()

	tracker := presence.NewTracker(writer, activity, cfg.PresenceWindow, logger, m)
	manager := realtime.NewManager(tracker, cfg.Stream, logger, m)
	manager.Start()

	processor := ingest.NewProcessor(ingest.Deps{
		Events:   events,
		Activity: activity,
		Store:    writer,
		Notifier: manager,
		Limiter:  limiter,
		Geo:      locator,
	}, cfg.SessionTimeout, logger, m)

	router := server.SetupServiceRouter(logger, appconfig.ServiceName, healthChecker, metricsCollector, cfg.AllowedOrigins...)
	handlers.RegisterRoutes(router, handlers.NewHandler(processor, manager, tracker, logger))

	serverCfg := server.DefaultConfig(appconfig.ServiceName, cfg.Port)
	// Streams must end before the HTTP server waits on its handlers.
	serverCfg.OnShutdown = []func(){manager.Stop}

	if err := server.Start(serverCfg, router, logger); err != nil {
		logger.WithError(err).Error("Server error")
	}
	manager.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	if err := errors.Join(events.FlushAndClose(drainCtx), activity.FlushAndClose(drainCtx)); err != nil {
		logger.WithError(err).Error("Buffers did not drain cleanly")
	}

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close Kafka producer")
		}
	}
	if closeRedis != nil {
		_ = closeRedis()
	}
	if err := writer.Close(); err != nil {
		logger.WithError(err).Warn("Failed to close ClickHouse connection")
	}
	_ = geoReader.Close()

	logger.Info("Lookout stopped")
}
