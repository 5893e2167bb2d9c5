// Package config holds the settings a database is opened with. A Config is
// an explicit value: build one with Default or Load and pass it to
// database.Open.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/gojodoc/core/dberrors"
	"github.com/sushant-115/gojodoc/pkg/logger"
	"github.com/sushant-115/gojodoc/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// OnConnect selects what Open does with the database file.
type OnConnect string

const (
	// EnsureCreated opens the database, creating it when missing.
	EnsureCreated OnConnect = "ensure_created"
	// EnsureOverwritten discards any existing database and creates a new one.
	EnsureOverwritten OnConnect = "ensure_overwritten"
	// ThrowIfNotFound fails with DatabaseDoesNotExist when the file is missing.
	ThrowIfNotFound OnConnect = "throw_if_not_found"
)

// CachingStrategy selects the page cache policy.
type CachingStrategy string

const (
	CachingLRU  CachingStrategy = "lru"
	CachingNone CachingStrategy = "none"
)

const (
	DefaultCachedPageCount         = 1024
	DefaultWALMaxPageCount         = 16384
	DefaultWALMaxBufferedPageCount = 8192
	DefaultLockTimeout             = 10 * time.Second
	DefaultMaxSamePrefixKeyCount   = 0
	DefaultBackupBytesPerSecond    = 64 << 20
)

// ConnectionSettings locate the database files.
type ConnectionSettings struct {
	DatabasePath string `yaml:"database_path"`
	// WALPath defaults to DatabasePath with a ".wal" suffix.
	WALPath   string    `yaml:"wal_path"`
	OnConnect OnConnect `yaml:"on_connect"`
}

// StorageOptions tune the engine.
type StorageOptions struct {
	CachingStrategy CachingStrategy `yaml:"caching_strategy"`
	CachedPageCount int             `yaml:"cached_page_count"`
	// WALMaxPageCount caps the pages of one commit.
	WALMaxPageCount int `yaml:"wal_max_page_count"`
	// WALMaxBufferedPageCount caps the pages one transaction may buffer.
	WALMaxBufferedPageCount int `yaml:"wal_max_buffered_page_count"`
	// LockTimeout bounds every lock wait. Zero waits for the caller's context.
	LockTimeout               time.Duration `yaml:"lock_timeout"`
	MaxConcurrentTransactions int           `yaml:"max_concurrent_transactions"`
	// MaxSamePrefixKeyCount caps the entries sharing one key in a
	// non-unique index. Zero means unlimited.
	MaxSamePrefixKeyCount int `yaml:"max_same_prefix_key_count"`
}

// Backup throttles online backups.
type Backup struct {
	BytesPerSecond int `yaml:"bytes_per_second"`
}

// Config is everything database.Open needs.
type Config struct {
	Connection ConnectionSettings `yaml:"connection"`
	Storage    StorageOptions     `yaml:"storage"`
	Logger     logger.Config      `yaml:"logger"`
	Telemetry  telemetry.Config   `yaml:"telemetry"`
	Backup     Backup             `yaml:"backup"`
}

// Default returns a configuration for the database at path.
func Default(path string) Config {
	return Config{
		Connection: ConnectionSettings{
			DatabasePath: path,
			OnConnect:    EnsureCreated,
		},
		Storage: StorageOptions{
			CachingStrategy:         CachingLRU,
			CachedPageCount:         DefaultCachedPageCount,
			WALMaxPageCount:         DefaultWALMaxPageCount,
			WALMaxBufferedPageCount: DefaultWALMaxBufferedPageCount,
			LockTimeout:             DefaultLockTimeout,
			MaxSamePrefixKeyCount:   DefaultMaxSamePrefixKeyCount,
		},
		Logger: logger.Config{
			Level:  "info",
			Format: "json",
		},
		Telemetry: telemetry.Config{
			ServiceName: "gojodoc",
		},
		Backup: Backup{BytesPerSecond: DefaultBackupBytesPerSecond},
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default("")
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, dberrors.Wrap(dberrors.InvalidConfiguration, err, "failed to parse config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// WAL returns the WAL path, derived from the database path when unset.
func (c ConnectionSettings) WAL() string {
	if c.WALPath != "" {
		return c.WALPath
	}
	return c.DatabasePath + ".wal"
}

// CacheSize returns the page cache capacity the strategy implies.
func (s StorageOptions) CacheSize() int {
	if s.CachingStrategy == CachingNone {
		return 0
	}
	return s.CachedPageCount
}

// Validate rejects inconsistent settings.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return dberrors.Newf(dberrors.InvalidConfiguration, format, args...)
	}
	if c.Connection.DatabasePath == "" {
		return invalid("connection.database_path is required")
	}
	if c.Connection.WAL() == c.Connection.DatabasePath {
		return invalid("connection.wal_path must differ from the database path")
	}
	switch c.Connection.OnConnect {
	case EnsureCreated, EnsureOverwritten, ThrowIfNotFound:
	default:
		return invalid("connection.on_connect %q is not one of %s, %s, %s",
			c.Connection.OnConnect, EnsureCreated, EnsureOverwritten, ThrowIfNotFound)
	}

	s := c.Storage
	switch s.CachingStrategy {
	case CachingLRU:
		if s.CachedPageCount <= 0 {
			return invalid("storage.cached_page_count must be positive with the lru strategy")
		}
	case CachingNone:
	default:
		return invalid("storage.caching_strategy %q is not lru or none", s.CachingStrategy)
	}
	if s.WALMaxPageCount < 0 || s.WALMaxBufferedPageCount < 0 {
		return invalid("storage WAL limits must not be negative")
	}
	if s.WALMaxPageCount > 0 && s.WALMaxBufferedPageCount > s.WALMaxPageCount {
		return invalid("storage.wal_max_buffered_page_count %d exceeds wal_max_page_count %d",
			s.WALMaxBufferedPageCount, s.WALMaxPageCount)
	}
	if s.LockTimeout < 0 {
		return invalid("storage.lock_timeout must not be negative")
	}
	if s.MaxConcurrentTransactions < 0 || s.MaxSamePrefixKeyCount < 0 {
		return invalid("storage limits must not be negative")
	}
	if c.Backup.BytesPerSecond < 0 {
		return invalid("backup.bytes_per_second must not be negative")
	}
	return nil
}
