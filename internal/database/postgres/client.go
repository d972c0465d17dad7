package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotConnected is returned when the pool has not been opened
var ErrNotConnected = errors.New("database not connected")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config holds PostgreSQL connection configuration
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
	HealthCheck time.Duration
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        5432,
		Database:    "catalogsync",
		SSLMode:     "prefer",
		MaxConns:    10,
		MinConns:    1,
		MaxConnLife: time.Hour,
		MaxConnIdle: 30 * time.Minute,
		HealthCheck: time.Minute,
	}
}

// Client wraps a PostgreSQL connection pool
type Client struct {
	pool   *pgxpool.Pool
	config *Config
}

// NewClient creates a new PostgreSQL client
func NewClient(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{config: cfg}
}

// Connect establishes a connection to the database
func (c *Client) Connect(ctx context.Context) error {
	connString := c.buildConnectionString()

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = c.config.MaxConns
	poolConfig.MinConns = c.config.MinConns
	poolConfig.MaxConnLifetime = c.config.MaxConnLife
	poolConfig.MaxConnIdleTime = c.config.MaxConnIdle
	poolConfig.HealthCheckPeriod = c.config.HealthCheck

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	c.pool = pool
	return nil
}

// Close closes the database connection pool
func (c *Client) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

// Stats returns connection pool statistics
func (c *Client) Stats() *pgxpool.Stat {
	if c.pool == nil {
		return nil
	}
	return c.pool.Stat()
}

func (c *Client) migrator() (*migrate.Migrate, error) {
	d, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, c.buildConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies all pending database migrations
func (c *Client) RunMigrations() error {
	m, err := c.migrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// MigrationVersion returns the current migration version
func (c *Client) MigrationVersion() (uint, bool, error) {
	m, err := c.migrator()
	if err != nil {
		return 0, false, err
	}
	defer m.Close()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// RollbackMigration rolls back the last migration
func (c *Client) RollbackMigration() error {
	m, err := c.migrator()
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

// buildConnectionString constructs the PostgreSQL connection URL
func (c *Client) buildConnectionString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.config.Username, c.config.Password),
		Host:     fmt.Sprintf("%s:%d", c.config.Host, c.config.Port),
		Path:     "/" + c.config.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.config.SSLMode),
	}
	return u.String()
}

// ConfigFromEnv creates a Config reading credentials from environment variables
func ConfigFromEnv(host string, port int, database, sslMode, usernameEnv, passwordEnv string) *Config {
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
	if sslMode != "" {
		cfg.SSLMode = sslMode
	}
	cfg.Username = os.Getenv(usernameEnv)
	cfg.Password = os.Getenv(passwordEnv)
	return cfg
}

// isUniqueViolation reports whether err is a unique constraint failure
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// TableStats is the size of one catalogsync table
type TableStats struct {
	TableName string
	RowCount  int64
	Size      string
}

// GetTableStats returns estimated row counts and on-disk sizes, largest first
func (c *Client) GetTableStats(ctx context.Context) ([]TableStats, error) {
	if c.pool == nil {
		return nil, ErrNotConnected
	}

	rows, err := c.pool.Query(ctx, `
		SELECT relname, n_live_tup, pg_size_pretty(pg_total_relation_size(relid))
		FROM pg_stat_user_tables
		WHERE schemaname = current_schema() AND relname <> 'schema_migrations'
		ORDER BY pg_total_relation_size(relid) DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query table stats: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TableStats, error) {
		var s TableStats
		err := row.Scan(&s.TableName, &s.RowCount, &s.Size)
		return s, err
	})
}

// DatabaseInfo describes the server and the catalogsync database
type DatabaseInfo struct {
	Version        string
	DatabaseName   string
	DatabaseSize   string
	ConnectionsMax int
	ConnectionsNow int
}

// GetDatabaseInfo returns server and connection information in one round trip
func (c *Client) GetDatabaseInfo(ctx context.Context) (*DatabaseInfo, error) {
	if c.pool == nil {
		return nil, ErrNotConnected
	}

	info := &DatabaseInfo{}
	err := c.pool.QueryRow(ctx, `
		SELECT
			version(),
			current_database(),
			pg_size_pretty(pg_database_size(current_database())),
			current_setting('max_connections')::int,
			(SELECT count(*)::int FROM pg_stat_activity WHERE datname = current_database())
	`).Scan(&info.Version, &info.DatabaseName, &info.DatabaseSize, &info.ConnectionsMax, &info.ConnectionsNow)
	if err != nil {
		return nil, fmt.Errorf("failed to get database info: %w", err)
	}
	return info, nil
}

// CatalogCounts are exact row counts of the importer's own tables
type CatalogCounts struct {
	Products   int64
	Variations int64
	Terms      int64
	Runs       int64
	LastFile   int
	Status     string
}

// GetCatalogCounts counts catalog rows and reads the run state
func (c *Client) GetCatalogCounts(ctx context.Context) (*CatalogCounts, error) {
	if c.pool == nil {
		return nil, ErrNotConnected
	}

	var cc CatalogCounts
	err := c.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM products),
			(SELECT count(*) FROM variations),
			(SELECT count(*) FROM terms),
			(SELECT count(*) FROM import_runs),
			coalesce((SELECT last_file_number FROM run_state WHERE id = 1), 0),
			coalesce((SELECT status FROM run_state WHERE id = 1), 'idle')
	`).Scan(&cc.Products, &cc.Variations, &cc.Terms, &cc.Runs, &cc.LastFile, &cc.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to count catalog rows: %w", err)
	}
	return &cc, nil
}
