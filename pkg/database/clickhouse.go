package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"lookout/pkg/logging"
)

// ClickHouseNativeConn represents a native ClickHouse driver connection.
// Used for batch inserts and for reads.
type ClickHouseNativeConn = driver.Conn

// ClickHouseBatch represents a ClickHouse batch for bulk inserts
type ClickHouseBatch = driver.Batch

// ClickHouseConfig holds ClickHouse configuration
type ClickHouseConfig struct {
	Addr        []string
	Database    string
	Username    string
	Password    string
	DialTimeout time.Duration
	MaxOpen     int
	Debug       bool
}

// DefaultClickHouseConfig returns default ClickHouse configuration
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Addr:        []string{"127.0.0.1:9000"},
		Database:    "default",
		Username:    "default",
		DialTimeout: 5 * time.Second,
		MaxOpen:     10,
	}
}

// ParseClickHouseAddrs splits a comma separated host list and appends the
// native port to entries that lack one.
func ParseClickHouseAddrs(hosts string) []string {
	var addrs []string
	for _, h := range strings.Split(hosts, ",") {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if !strings.Contains(h, ":") {
			h += ":9000"
		}
		addrs = append(addrs, h)
	}
	return addrs
}

// ConnectClickHouseNative opens a native connection and pings it.
func ConnectClickHouseNative(ctx context.Context, cfg ClickHouseConfig, logger logging.Logger) (ClickHouseNativeConn, error) {
	if len(cfg.Addr) == 0 {
		return nil, fmt.Errorf("clickhouse: no address configured")
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:  cfg.DialTimeout,
		MaxOpenConns: cfg.MaxOpen,
		Compression:  &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Debug:        cfg.Debug,
	})
	if err != nil {
		logger.WithError(err).Error("Failed to open ClickHouse connection")
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		logger.WithError(err).Error("Failed to ping ClickHouse")
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	logger.WithFields(logging.Fields{
		"addr":     cfg.Addr,
		"database": cfg.Database,
	}).Info("Connected to ClickHouse")

	return conn, nil
}
