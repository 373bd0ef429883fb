package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/nutthakorn7/zcrai-sub000/config"
	"go.uber.org/zap"
)

var (
	// validIdentifierRegex ensures database and table names are safe to interpolate
	validIdentifierRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ClickHouse holds the ClickHouse connection
type ClickHouse struct {
	Conn   driver.Conn
	Config config.ClickHouseConfig
	Logger *zap.SugaredLogger
}

// NewClickHouse creates a new ClickHouse connection
func NewClickHouse(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.SugaredLogger) (*ClickHouse, error) {
	if err := validateIdentifier(cfg.Database); err != nil {
		return nil, fmt.Errorf("invalid database name: %w", err)
	}
	if err := validateIdentifier(cfg.EventsTable); err != nil {
		return nil, fmt.Errorf("invalid events table name: %w", err)
	}

	options := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": int(cfg.QueryTimeout.Seconds()),
		},
		DialTimeout: 10 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:     cfg.MaxPoolSize,
		MaxIdleConns:     max(cfg.MaxPoolSize/2, 1),
		ConnMaxLifetime:  1 * time.Hour,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
		DialContext: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			d.Timeout = 10 * time.Second
			d.KeepAlive = 30 * time.Second
			return d.DialContext(ctx, "tcp", addr)
		},
	}

	if cfg.TLS {
		options.TLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Infow("Connected to ClickHouse", "addr", cfg.Addr, "database", cfg.Database)

	return &ClickHouse{
		Conn:   conn,
		Config: cfg,
		Logger: logger,
	}, nil
}

func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > 64 {
		return fmt.Errorf("identifier too long (max 64 characters)")
	}
	if !validIdentifierRegex.MatchString(name) {
		return fmt.Errorf("identifier contains invalid characters (only alphanumeric and underscore allowed)")
	}
	return nil
}

// EventsTableDDL returns the schema the event store reads from. Ingestion owns the table;
// the statement is exposed for provisioning scripts and local development.
func EventsTableDDL(table string) (string, error) {
	if err := validateIdentifier(table); err != nil {
		return "", err
	}
	return fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		tenant_id LowCardinality(String),
		event_id String,
		timestamp DateTime64(3, 'UTC'),
		source LowCardinality(String),
		fields String,
		INDEX idx_source source TYPE bloom_filter(0.01) GRANULARITY 1
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(timestamp)
	ORDER BY (tenant_id, timestamp)
	TTL toDateTime(timestamp) + INTERVAL 30 DAY
	SETTINGS index_granularity = 8192
	`, table), nil
}

// HealthCheck performs a health check on the ClickHouse connection
func (ch *ClickHouse) HealthCheck(ctx context.Context) error {
	return ch.Conn.Ping(ctx)
}

// Close closes the ClickHouse connection
func (ch *ClickHouse) Close() error {
	return ch.Conn.Close()
}
