package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir  = ".catalogsync"
	DefaultConfigFile = "config.yaml"

	// EnvPrefix prefixes every environment override, e.g. CATALOGSYNC_FEED_DIR
	EnvPrefix = "CATALOGSYNC"
)

// Config represents the application configuration
type Config struct {
	Feed          FeedConfig          `yaml:"feed"`
	Site          SiteConfig          `yaml:"site"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Images        ImagesConfig        `yaml:"images"`
	Logs          LogsConfig          `yaml:"logs"`
	State         StateConfig         `yaml:"state"`
	Database      DatabaseConfig      `yaml:"database,omitempty"`
	Redis         RedisConfig         `yaml:"redis,omitempty"`
	Admin         AdminConfig         `yaml:"admin"`
}

// FeedConfig locates the numbered vendor files
type FeedConfig struct {
	Dir string `yaml:"dir"` // Directory holding 1.csv, 2.csv, ...
}

// SiteConfig names the catalog in notifications
type SiteConfig struct {
	Name     string `yaml:"name"`
	AdminURL string `yaml:"admin_url"` // Base URL for product edit links
}

// ScheduleConfig controls the periodic trigger
type ScheduleConfig struct {
	Interval        string `yaml:"interval"`          // Go duration, e.g. "30m"
	DebounceSeconds int    `yaml:"debounce_seconds"`  // Quiet period after an import
	RunLeaseSeconds int    `yaml:"run_lease_seconds"` // A running claim without a heartbeat for this long is stale
}

// NotificationsConfig selects the mailer and the default recipient
type NotificationsConfig struct {
	AdminEmail string     `yaml:"admin_email"` // Default recipient until settings are saved
	Mailer     string     `yaml:"mailer"`      // log, smtp or ses
	From       string     `yaml:"from"`
	SMTP       SMTPConfig `yaml:"smtp"`
	SES        SESConfig  `yaml:"ses"`
}

// SMTPConfig holds SMTP relay settings
type SMTPConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	UsernameEnv string `yaml:"username_env"` // Environment variable for username
	PasswordEnv string `yaml:"password_env"` // Environment variable for password
}

// SESConfig holds Amazon SES settings
type SESConfig struct {
	Region string `yaml:"region"`
}

// ImagesConfig controls image downloads
type ImagesConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Store          string   `yaml:"store"` // local or s3
	Dir            string   `yaml:"dir"`
	ThumbnailSize  int      `yaml:"thumbnail_size"` // 0 disables thumbnails
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	S3             S3Config `yaml:"s3"`
}

// S3Config holds object storage settings
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint,omitempty"`
	PublicURL    string `yaml:"public_url,omitempty"`
	AccessKeyEnv string `yaml:"access_key_env"`
	SecretKeyEnv string `yaml:"secret_key_env"`
}

// LogsConfig controls console logging and the operator log files
type LogsConfig struct {
	Dir    string `yaml:"dir"`
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StateConfig locates the JSON files used without a database
type StateConfig struct {
	File        string `yaml:"file"`
	CatalogFile string `yaml:"catalog_file"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Postgres   PostgresConfig     `yaml:"postgres"`
	ClickHouse ClickHouseDBConfig `yaml:"clickhouse"`
	UseDB      bool               `yaml:"use_db"` // Enable database backend
}

// PostgresConfig holds PostgreSQL settings
type PostgresConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
	SSLMode     string `yaml:"ssl_mode"`
}

// ClickHouseDBConfig holds ClickHouse settings for the run analytics mirror
type ClickHouseDBConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	Database    string `yaml:"database"`
	UsernameEnv string `yaml:"username_env"`
	PasswordEnv string `yaml:"password_env"`
	Secure      bool   `yaml:"secure"`
}

// RedisConfig holds the cross-process import lock settings
type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Addr           string `yaml:"addr"`
	PasswordEnv    string `yaml:"password_env"`
	DB             int    `yaml:"db"`
	LockKey        string `yaml:"lock_key"`
	LockTTLSeconds int    `yaml:"lock_ttl_seconds"`
}

// AdminConfig holds the admin HTTP API settings
type AdminConfig struct {
	Addr              string `yaml:"addr"`
	TokenEnv          string `yaml:"token_env"` // Environment variable holding the bearer token
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			Dir: "./feed",
		},
		Site: SiteConfig{
			Name:     "Catalog",
			AdminURL: "http://localhost:8080/admin",
		},
		Schedule: ScheduleConfig{
			Interval:        "30m",
			DebounceSeconds: 300,
			RunLeaseSeconds: 600,
		},
		Notifications: NotificationsConfig{
			Mailer: "log",
			From:   "no-reply@localhost",
			SMTP: SMTPConfig{
				Host:        "localhost",
				Port:        25,
				UsernameEnv: "SMTP_USERNAME",
				PasswordEnv: "SMTP_PASSWORD",
			},
			SES: SESConfig{
				Region: "eu-west-1",
			},
		},
		Images: ImagesConfig{
			Enabled:        true,
			Store:          "local",
			Dir:            "./data/images",
			ThumbnailSize:  300,
			TimeoutSeconds: 30,
			S3: S3Config{
				Region:       "eu-west-1",
				Prefix:       "products",
				AccessKeyEnv: "AWS_ACCESS_KEY_ID",
				SecretKeyEnv: "AWS_SECRET_ACCESS_KEY",
			},
		},
		Logs: LogsConfig{
			Dir:    "./data/logs",
			Level:  "info",
			Format: "text",
		},
		State: StateConfig{
			File:        "./data/state.json",
			CatalogFile: "./data/catalog.json",
		},
		Database: DatabaseConfig{
			UseDB: false, // Disabled by default, use JSON state
			Postgres: PostgresConfig{
				Host:        "localhost",
				Port:        5432,
				Database:    "catalogsync",
				UsernameEnv: "POSTGRES_USER",
				PasswordEnv: "POSTGRES_PASSWORD",
				SSLMode:     "prefer",
			},
			ClickHouse: ClickHouseDBConfig{
				Host:        "localhost",
				Port:        9000,
				Database:    "catalogsync",
				UsernameEnv: "CLICKHOUSE_USERNAME",
				PasswordEnv: "CLICKHOUSE_PASSWORD",
			},
		},
		Redis: RedisConfig{
			Addr:           "127.0.0.1:6379",
			PasswordEnv:    "REDIS_PASSWORD",
			LockKey:        "catalogsync:import",
			LockTTLSeconds: 3600,
		},
		Admin: AdminConfig{
			Addr:              ":8080",
			TokenEnv:          "CATALOGSYNC_ADMIN_TOKEN",
			RequestsPerMinute: 60,
		},
	}
}

// ScheduleInterval parses the trigger interval
func (c *Config) ScheduleInterval() (time.Duration, error) {
	d, err := time.ParseDuration(c.Schedule.Interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", c.Schedule.Interval, err)
	}
	return d, nil
}

// Debounce returns the quiet period after an import
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Schedule.DebounceSeconds) * time.Second
}

// RunLease returns how long an unrefreshed running claim stays valid
func (c *Config) RunLease() time.Duration {
	return time.Duration(c.Schedule.RunLeaseSeconds) * time.Second
}

// GetConfigPath returns the path to the config file
func GetConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// Load reads the configuration from the config file
func Load() (*Config, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	return LoadFrom(configPath)
}

// LoadFrom reads the configuration from a specific path
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(&config)

	return &config, nil
}

// envOverrides lists the settings deployments commonly override
type envOverrides struct {
	FeedDir          *string `envconfig:"FEED_DIR"`
	SiteName         *string `envconfig:"SITE_NAME"`
	SiteAdminURL     *string `envconfig:"SITE_ADMIN_URL"`
	AdminEmail       *string `envconfig:"ADMIN_EMAIL"`
	Mailer           *string `envconfig:"MAILER"`
	ScheduleInterval *string `envconfig:"SCHEDULE_INTERVAL"`
	LogDir           *string `envconfig:"LOG_DIR"`
	LogLevel         *string `envconfig:"LOG_LEVEL"`
	LogFormat        *string `envconfig:"LOG_FORMAT"`
	ImageStore       *string `envconfig:"IMAGE_STORE"`
	S3Bucket         *string `envconfig:"S3_BUCKET"`
	UseDB            *bool   `envconfig:"USE_DB"`
	RedisEnabled     *bool   `envconfig:"REDIS_ENABLED"`
	RedisAddr        *string `envconfig:"REDIS_ADDR"`
	AdminAddr        *string `envconfig:"ADMIN_ADDR"`
}

// ApplyEnv overlays CATALOGSYNC_* environment variables onto config
func ApplyEnv(config *Config) error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	setString(&config.Feed.Dir, env.FeedDir)
	setString(&config.Site.Name, env.SiteName)
	setString(&config.Site.AdminURL, env.SiteAdminURL)
	setString(&config.Notifications.AdminEmail, env.AdminEmail)
	setString(&config.Notifications.Mailer, env.Mailer)
	setString(&config.Schedule.Interval, env.ScheduleInterval)
	setString(&config.Logs.Dir, env.LogDir)
	setString(&config.Logs.Level, env.LogLevel)
	setString(&config.Logs.Format, env.LogFormat)
	setString(&config.Images.Store, env.ImageStore)
	setString(&config.Images.S3.Bucket, env.S3Bucket)
	setString(&config.Redis.Addr, env.RedisAddr)
	setString(&config.Admin.Addr, env.AdminAddr)
	if env.UseDB != nil {
		config.Database.UseDB = *env.UseDB
	}
	if env.RedisEnabled != nil {
		config.Redis.Enabled = *env.RedisEnabled
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

// Save writes the configuration to the config file
func Save(config *Config) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	return SaveTo(config, configPath)
}

// SaveTo writes the configuration to a specific path
func SaveTo(config *Config, path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Init creates a new config file with defaults
func Init() error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists: %s", configPath)
	}

	return Save(DefaultConfig())
}

// Exists checks if the config file exists
func Exists() bool {
	configPath, err := GetConfigPath()
	if err != nil {
		return false
	}

	_, err = os.Stat(configPath)
	return err == nil
}

// applyDefaults fills in missing values with defaults
func applyDefaults(config *Config) {
	defaults := DefaultConfig()

	if config.Feed.Dir == "" {
		config.Feed.Dir = defaults.Feed.Dir
	}
	if config.Site.Name == "" {
		config.Site.Name = defaults.Site.Name
	}
	if config.Schedule.Interval == "" {
		config.Schedule.Interval = defaults.Schedule.Interval
	}
	if config.Schedule.DebounceSeconds <= 0 {
		config.Schedule.DebounceSeconds = defaults.Schedule.DebounceSeconds
	}
	if config.Schedule.RunLeaseSeconds <= 0 {
		config.Schedule.RunLeaseSeconds = defaults.Schedule.RunLeaseSeconds
	}
	if config.Notifications.Mailer == "" {
		config.Notifications.Mailer = defaults.Notifications.Mailer
	}
	if config.Notifications.SMTP.Port == 0 {
		config.Notifications.SMTP.Port = defaults.Notifications.SMTP.Port
	}
	if config.Images.Store == "" {
		config.Images.Store = defaults.Images.Store
	}
	if config.Images.Dir == "" {
		config.Images.Dir = defaults.Images.Dir
	}
	if config.Images.TimeoutSeconds <= 0 {
		config.Images.TimeoutSeconds = defaults.Images.TimeoutSeconds
	}
	if config.Logs.Dir == "" {
		config.Logs.Dir = defaults.Logs.Dir
	}
	if config.Logs.Level == "" {
		config.Logs.Level = defaults.Logs.Level
	}
	if config.Logs.Format == "" {
		config.Logs.Format = defaults.Logs.Format
	}
	if config.State.File == "" {
		config.State.File = defaults.State.File
	}
	if config.State.CatalogFile == "" {
		config.State.CatalogFile = defaults.State.CatalogFile
	}
	if config.Database.Postgres.Port == 0 {
		config.Database.Postgres.Port = defaults.Database.Postgres.Port
	}
	if config.Database.ClickHouse.Port == 0 {
		config.Database.ClickHouse.Port = defaults.Database.ClickHouse.Port
	}
	if config.Redis.LockKey == "" {
		config.Redis.LockKey = defaults.Redis.LockKey
	}
	if config.Redis.LockTTLSeconds <= 0 {
		config.Redis.LockTTLSeconds = defaults.Redis.LockTTLSeconds
	}
	if config.Admin.Addr == "" {
		config.Admin.Addr = defaults.Admin.Addr
	}
	if config.Admin.RequestsPerMinute <= 0 {
		config.Admin.RequestsPerMinute = defaults.Admin.RequestsPerMinute
	}
}

// field maps a dotted key to a string or bool setting
type field struct {
	str  *string
	flag *bool
	num  *int
}

func fields(c *Config) map[string]field {
	return map[string]field{
		"feed.dir":                       {str: &c.Feed.Dir},
		"site.name":                      {str: &c.Site.Name},
		"site.admin_url":                 {str: &c.Site.AdminURL},
		"schedule.interval":              {str: &c.Schedule.Interval},
		"schedule.debounce_seconds":      {num: &c.Schedule.DebounceSeconds},
		"schedule.run_lease_seconds":     {num: &c.Schedule.RunLeaseSeconds},
		"notifications.admin_email":      {str: &c.Notifications.AdminEmail},
		"notifications.mailer":           {str: &c.Notifications.Mailer},
		"notifications.from":             {str: &c.Notifications.From},
		"notifications.smtp.host":        {str: &c.Notifications.SMTP.Host},
		"notifications.smtp.port":        {num: &c.Notifications.SMTP.Port},
		"notifications.ses.region":       {str: &c.Notifications.SES.Region},
		"images.enabled":                 {flag: &c.Images.Enabled},
		"images.store":                   {str: &c.Images.Store},
		"images.dir":                     {str: &c.Images.Dir},
		"images.s3.bucket":               {str: &c.Images.S3.Bucket},
		"images.s3.region":               {str: &c.Images.S3.Region},
		"logs.dir":                       {str: &c.Logs.Dir},
		"logs.level":                     {str: &c.Logs.Level},
		"logs.format":                    {str: &c.Logs.Format},
		"state.file":                     {str: &c.State.File},
		"state.catalog_file":             {str: &c.State.CatalogFile},
		"database.use_db":                {flag: &c.Database.UseDB},
		"database.postgres.host":         {str: &c.Database.Postgres.Host},
		"database.postgres.database":     {str: &c.Database.Postgres.Database},
		"database.postgres.username_env": {str: &c.Database.Postgres.UsernameEnv},
		"database.postgres.password_env": {str: &c.Database.Postgres.PasswordEnv},
		"database.clickhouse.enabled":    {flag: &c.Database.ClickHouse.Enabled},
		"database.clickhouse.host":       {str: &c.Database.ClickHouse.Host},
		"database.clickhouse.database":   {str: &c.Database.ClickHouse.Database},
		"redis.enabled":                  {flag: &c.Redis.Enabled},
		"redis.addr":                     {str: &c.Redis.Addr},
		"admin.addr":                     {str: &c.Admin.Addr},
	}
}

// SetValue updates a dotted key on config
func SetValue(config *Config, key, value string) error {
	f, ok := fields(config)[key]
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	switch {
	case f.str != nil:
		*f.str = value
	case f.flag != nil:
		*f.flag = value == "true"
	case f.num != nil:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", key, err)
		}
		*f.num = n
	}
	return nil
}

// GetValue returns the value of a dotted key
func GetValue(config *Config, key string) (string, error) {
	f, ok := fields(config)[key]
	if !ok {
		return "", fmt.Errorf("unknown config key: %s", key)
	}
	switch {
	case f.str != nil:
		return *f.str, nil
	case f.flag != nil:
		return strconv.FormatBool(*f.flag), nil
	default:
		return strconv.Itoa(*f.num), nil
	}
}

// Set updates a specific config value in the config file
func Set(key, value string) error {
	config, err := Load()
	if err != nil {
		return err
	}
	if err := SetValue(config, key, value); err != nil {
		return err
	}
	return Save(config)
}

// Get retrieves a specific config value from the config file
func Get(key string) (string, error) {
	config, err := Load()
	if err != nil {
		return "", err
	}
	return GetValue(config, key)
}
