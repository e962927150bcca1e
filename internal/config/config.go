// Package config loads and validates cachet settings from config files,
// environment variables and flags, in that order of increasing priority.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultCacheSize      = "10GB"
	DefaultBackend        = "disk"
	DefaultStoreMode      = "local"
	DefaultPort           = 4236
	DefaultConnectTimeout = 10 * time.Second
	DefaultRetryAttempts  = 3
	DefaultRetryInterval  = 100 * time.Millisecond
)

// Backend selection values.
const (
	BackendDisk  = "disk"
	BackendS3    = "s3"
	BackendRedis = "redis"
)

// Store mode values: which backends receive writes after a compile.
const (
	StoreLocal  = "local"
	StoreRemote = "remote"
	StoreBoth   = "both"
)

// Fingerprint holds the options affecting key computation.
type Fingerprint struct {
	// NormalizePaths strips machine-specific absolute paths from the
	// key so differently-rooted checkouts can share a remote store.
	NormalizePaths bool

	// IncludeArgs forces arguments into the key even when the default
	// normalization would drop them.
	IncludeArgs []string

	// ExcludeArgs drops additional arguments from the key.
	ExcludeArgs []string
}

// Retry bounds remote storage retries.
type Retry struct {
	MaxAttempts     int
	InitialInterval time.Duration
}

// S3 configures the object-store backend.
type S3 struct {
	Bucket          string
	Region          string
	Endpoint        string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// Redis configures the key-value backend.
type Redis struct {
	URL string
	TTL time.Duration
}

// Config holds every setting cachet recognizes.
type Config struct {
	// CacheDir is the local cache directory.
	CacheDir string

	// CacheSize is the local cache budget in bytes.
	CacheSize int64

	// Backend selects the remote store: disk, s3 or redis.
	Backend string

	// StoreMode selects which backends receive writes: local, remote
	// or both. Reads always try local first when it is in play.
	StoreMode string

	// Port is the coordinator's localhost TCP port.
	Port int

	// ReadOnly serves hits but never writes to any backend.
	ReadOnly bool

	// Disabled bypasses the cache entirely; every request compiles.
	Disabled bool

	// ConnectTimeout bounds the client's attempts to reach (or spawn
	// and then reach) the coordinator.
	ConnectTimeout time.Duration

	// MaxJobs bounds concurrent compiler processes; zero means the
	// number of CPUs.
	MaxJobs int

	Fingerprint Fingerprint
	Retry       Retry
	S3          S3
	Redis       Redis

	// LogLevel is one of debug, info, warn, error.
	LogLevel string
}

// Load materializes a Config from the current viper state.
func Load() (*Config, error) {
	sizeStr := viper.GetString("cache_size")
	size, err := humanize.ParseBytes(sizeStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cache_size %q: %w", sizeStr, err)
	}

	cfg := &Config{
		CacheDir:       viper.GetString("cache_dir"),
		CacheSize:      int64(size),
		Backend:        viper.GetString("backend"),
		StoreMode:      viper.GetString("store_mode"),
		Port:           viper.GetInt("port"),
		ReadOnly:       viper.GetBool("read_only"),
		Disabled:       viper.GetBool("disabled"),
		ConnectTimeout: viper.GetDuration("connect_timeout"),
		MaxJobs:        viper.GetInt("max_jobs"),
		Fingerprint: Fingerprint{
			NormalizePaths: viper.GetBool("fingerprint.normalize_paths"),
			IncludeArgs:    viper.GetStringSlice("fingerprint.include_args"),
			ExcludeArgs:    viper.GetStringSlice("fingerprint.exclude_args"),
		},
		Retry: Retry{
			MaxAttempts:     viper.GetInt("retry.max_attempts"),
			InitialInterval: viper.GetDuration("retry.initial_interval"),
		},
		S3: S3{
			Bucket:          viper.GetString("s3.bucket"),
			Region:          viper.GetString("s3.region"),
			Endpoint:        viper.GetString("s3.endpoint"),
			Prefix:          viper.GetString("s3.prefix"),
			AccessKeyID:     viper.GetString("s3.access_key"),
			SecretAccessKey: viper.GetString("s3.secret_key"),
		},
		Redis: Redis{
			URL: viper.GetString("redis.url"),
			TTL: viper.GetDuration("redis.ttl"),
		},
		LogLevel: viper.GetString("log_level"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration; failures here are fatal at startup.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir must not be empty")
	}
	if abs, err := filepath.Abs(c.CacheDir); err == nil {
		c.CacheDir = abs
	}

	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive")
	}

	switch c.Backend {
	case BackendDisk, BackendS3, BackendRedis:
	default:
		return fmt.Errorf("backend must be disk, s3 or redis, got %q", c.Backend)
	}

	switch c.StoreMode {
	case StoreLocal, StoreRemote, StoreBoth:
	default:
		return fmt.Errorf("store_mode must be local, remote or both, got %q", c.StoreMode)
	}

	if c.Backend == BackendDisk && c.StoreMode != StoreLocal {
		return fmt.Errorf("store_mode %q requires a remote backend", c.StoreMode)
	}
	if c.Backend == BackendS3 && c.S3.Bucket == "" {
		return fmt.Errorf("s3 backend requires s3.bucket")
	}
	if c.Backend == BackendRedis && c.Redis.URL == "" {
		return fmt.Errorf("redis backend requires redis.url")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 1..65535, got %d", c.Port)
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Retry.MaxAttempts < 1 {
		c.Retry.MaxAttempts = DefaultRetryAttempts
	}
	if c.Retry.InitialInterval <= 0 {
		c.Retry.InitialInterval = DefaultRetryInterval
	}

	return nil
}

// UseRemote reports whether a remote backend participates at all.
func (c *Config) UseRemote() bool {
	return c.Backend != BackendDisk
}

// UseLocal reports whether the local disk cache participates in writes.
func (c *Config) UseLocal() bool {
	return c.StoreMode == StoreLocal || c.StoreMode == StoreBoth
}
