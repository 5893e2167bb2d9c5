package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodoc/core/dberrors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("/tmp/app.db")
	require.NoError(t, cfg.Validate())
	require.Equal(t, "/tmp/app.db.wal", cfg.Connection.WAL())
	require.Equal(t, DefaultCachedPageCount, cfg.Storage.CacheSize())

	cfg.Storage.CachingStrategy = CachingNone
	require.Zero(t, cfg.Storage.CacheSize())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gojodoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
connection:
  database_path: data/app.db
  wal_path: data/app.log
  on_connect: throw_if_not_found
storage:
  caching_strategy: lru
  cached_page_count: 64
  lock_timeout: 250ms
  max_same_prefix_key_count: 10
logger:
  level: debug
  format: console
telemetry:
  enabled: false
backup:
  bytes_per_second: 1048576
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "data/app.log", cfg.Connection.WAL())
	require.Equal(t, ThrowIfNotFound, cfg.Connection.OnConnect)
	require.Equal(t, 64, cfg.Storage.CachedPageCount)
	require.Equal(t, 250*time.Millisecond, cfg.Storage.LockTimeout)
	require.Equal(t, 10, cfg.Storage.MaxSamePrefixKeyCount)
	require.Equal(t, DefaultWALMaxPageCount, cfg.Storage.WALMaxPageCount)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "gojodoc", cfg.Telemetry.ServiceName)
	require.Equal(t, 1<<20, cfg.Backup.BytesPerSecond)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"missing path":      func(c *Config) { c.Connection.DatabasePath = "" },
		"same wal path":     func(c *Config) { c.Connection.WALPath = c.Connection.DatabasePath },
		"unknown action":    func(c *Config) { c.Connection.OnConnect = "sometimes" },
		"unknown strategy":  func(c *Config) { c.Storage.CachingStrategy = "fifo" },
		"empty lru":         func(c *Config) { c.Storage.CachedPageCount = 0 },
		"buffer over limit": func(c *Config) { c.Storage.WALMaxBufferedPageCount = c.Storage.WALMaxPageCount + 1 },
		"negative timeout":  func(c *Config) { c.Storage.LockTimeout = -time.Second },
		"negative backup":   func(c *Config) { c.Backup.BytesPerSecond = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default("app.db")
			mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), dberrors.ErrInvalidConfiguration)
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("connection:\n  database_path: a.db\n  colour: blue\n"))
	require.ErrorIs(t, err, dberrors.ErrInvalidConfiguration)

	// An empty document still needs a database path.
	_, err = Parse(nil)
	require.ErrorIs(t, err, dberrors.ErrInvalidConfiguration)
}
