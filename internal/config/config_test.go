package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	d, err := cfg.ScheduleInterval()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)
	assert.Equal(t, 300*time.Second, cfg.Debounce())
	assert.Equal(t, 10*time.Minute, cfg.RunLease())
}

func TestLoadFromAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("feed:\n  dir: /srv/feed\nsite:\n  name: Shop\n"), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/feed", cfg.Feed.Dir)
	assert.Equal(t, "Shop", cfg.Site.Name)
	assert.Equal(t, "30m", cfg.Schedule.Interval)
	assert.Equal(t, "log", cfg.Notifications.Mailer)
	assert.Equal(t, ":8080", cfg.Admin.Addr)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Notifications.AdminEmail = "ops@example.com"
	require.NoError(t, SaveTo(cfg, path))

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", loaded.Notifications.AdminEmail)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CATALOGSYNC_FEED_DIR", "/data/feed")
	t.Setenv("CATALOGSYNC_USE_DB", "true")
	t.Setenv("CATALOGSYNC_SCHEDULE_INTERVAL", "5m")

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(cfg))
	assert.Equal(t, "/data/feed", cfg.Feed.Dir)
	assert.True(t, cfg.Database.UseDB)
	assert.Equal(t, "5m", cfg.Schedule.Interval)
	assert.Equal(t, "./data/logs", cfg.Logs.Dir, "unset variables leave values alone")
}

func TestApplyEnvRejectsBadBool(t *testing.T) {
	t.Setenv("CATALOGSYNC_USE_DB", "maybe")
	assert.Error(t, ApplyEnv(DefaultConfig()))
}

func TestSetAndGetValue(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, SetValue(cfg, "feed.dir", "/x"))
	require.NoError(t, SetValue(cfg, "redis.enabled", "true"))
	require.NoError(t, SetValue(cfg, "schedule.debounce_seconds", "120"))

	v, err := GetValue(cfg, "feed.dir")
	require.NoError(t, err)
	assert.Equal(t, "/x", v)
	v, _ = GetValue(cfg, "redis.enabled")
	assert.Equal(t, "true", v)
	v, _ = GetValue(cfg, "schedule.debounce_seconds")
	assert.Equal(t, "120", v)

	assert.Error(t, SetValue(cfg, "schedule.debounce_seconds", "soon"))
	assert.Error(t, SetValue(cfg, "bogus.key", "1"))
	_, err = GetValue(cfg, "bogus.key")
	assert.Error(t, err)
}

func TestInvalidInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Schedule.Interval = "often"
	_, err := cfg.ScheduleInterval()
	assert.Error(t, err)
}
