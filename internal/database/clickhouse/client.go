package clickhouse

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ErrNotConnected is returned when Connect has not succeeded
var ErrNotConnected = errors.New("clickhouse not connected")

// Config holds ClickHouse connection configuration
type Config struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Secure   bool // TLS on the native protocol
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     9000,
		Database: "catalogsync",
	}
}

// Client mirrors import runs into ClickHouse
type Client struct {
	conn   driver.Conn
	config *Config
}

// NewClient creates a new ClickHouse client
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{config: cfg}
}

func (c *Client) options() *clickhouse.Options {
	opts := &clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", c.config.Host, c.config.Port)},
		Auth: clickhouse.Auth{
			Database: c.config.Database,
			Username: c.config.Username,
			Password: c.config.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 10 * time.Second,
		// Runs arrive one per file; a small pool is plenty
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	}
	if c.config.Secure {
		opts.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opts
}

// Connect opens and pings the connection
func (c *Client) Connect(ctx context.Context) error {
	conn, err := clickhouse.Open(c.options())
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	c.conn = conn
	return nil
}

// Close closes the ClickHouse connection
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Ping checks if the connection is alive
func (c *Client) Ping(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Ping(ctx)
}

// InitSchema creates the run table. Re-synced runs share their ID and
// collapse on merge, so queries read it with FINAL.
func (c *Client) InitSchema(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	err := c.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS import_runs (
			id UUID,
			file_name String,
			imported_at DateTime64(3),
			imported_date Date,
			imported UInt32,
			updated UInt32,
			failed UInt32,
			status LowCardinality(String),
			error_message String DEFAULT ''
		) ENGINE = ReplacingMergeTree()
		PARTITION BY toYYYYMM(imported_date)
		ORDER BY (imported_date, file_name, id)
		TTL imported_date + INTERVAL 2 YEAR`)
	if err != nil {
		return fmt.Errorf("failed to create import_runs: %w", err)
	}

	return nil
}

// ConfigFromEnv creates a Config reading credentials from environment variables
func ConfigFromEnv(host string, port int, database string, secure bool, usernameEnv, passwordEnv string) *Config {
	cfg := DefaultConfig()
	if host != "" {
		cfg.Host = host
	}
	if port != 0 {
		cfg.Port = port
	}
	if database != "" {
		cfg.Database = database
	}
	cfg.Secure = secure
	cfg.Username = os.Getenv(usernameEnv)
	cfg.Password = os.Getenv(passwordEnv)
	return cfg
}

// TableInfo holds information about a ClickHouse table
type TableInfo struct {
	Name      string
	Rows      uint64
	BytesSize uint64
	Engine    string
}

// GetTableInfo returns information about tables in the database
func (c *Client) GetTableInfo(ctx context.Context) ([]TableInfo, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	query := `
		SELECT
			name,
			total_rows,
			total_bytes,
			engine
		FROM system.tables
		WHERE database = currentDatabase()
		ORDER BY total_bytes DESC
	`

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var tables []TableInfo
	for rows.Next() {
		var t TableInfo
		var totalRows, totalBytes *uint64
		if err := rows.Scan(&t.Name, &totalRows, &totalBytes, &t.Engine); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if totalRows != nil {
			t.Rows = *totalRows
		}
		if totalBytes != nil {
			t.BytesSize = *totalBytes
		}
		tables = append(tables, t)
	}

	return tables, rows.Err()
}

// GetDatabaseSize returns the total size of the database
func (c *Client) GetDatabaseSize(ctx context.Context) (uint64, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}
	var size uint64
	query := `SELECT sum(total_bytes) FROM system.tables WHERE database = currentDatabase()`
	if err := c.conn.QueryRow(ctx, query).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to get database size: %w", err)
	}
	return size, nil
}
