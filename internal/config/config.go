// Package config provides configuration management for the failwatch daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hfi/failwatch/pkg/identity"
	"github.com/hfi/failwatch/pkg/tracker"
)

// Environment variables that override values from the config file
const (
	EnvConfigPath    = "CONFIG_PATH"
	EnvRedisPassword = "FAILWATCH_REDIS_PASSWORD" //#nosec G101 -- name of the variable, not a credential
	EnvRedisAddress  = "FAILWATCH_REDIS_ADDRESS"
	EnvListen        = "FAILWATCH_LISTEN"
)

// Config represents the main configuration structure
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Store         StoreConfig         `yaml:"store"`
	Tracker       TrackerConfig       `yaml:"tracker"`
	Anonymization AnonymizationConfig `yaml:"anonymization"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig contains key-value store settings
type StoreConfig struct {
	Type  string      `yaml:"type"` // "memory" or "redis"
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Network      string        `yaml:"network"` // "tcp" or "unix"
	Address      string        `yaml:"address"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"` //#nosec G117 -- Password field is intentional for Redis auth config
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TrackerConfig contains the watchlist/blacklist policy
type TrackerConfig struct {
	WatchlistPrefix string        `yaml:"watchlist_prefix"`
	BlacklistPrefix string        `yaml:"blacklist_prefix"`
	WatchWindow     time.Duration `yaml:"watch_window"`
	BlockWindow     time.Duration `yaml:"block_window"`
	Threshold       int           `yaml:"threshold"`
	RefreshOnHit    bool          `yaml:"refresh_on_hit"`
}

// AnonymizationConfig contains identifier anonymization settings
type AnonymizationConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SaltKey    string `yaml:"salt_key"`
	SaltLength int    `yaml:"salt_length"`
	Algorithm  string `yaml:"algorithm"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"` // "json" or "console"
	Audit  AuditConfig `yaml:"audit"`
}

// AuditConfig contains audit logging settings
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`  // "minimal", "standard" or "verbose"
	Output  string `yaml:"output"` // "stdout", "stderr" or a file path
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	tc := tracker.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Network:      "tcp",
				Address:      "localhost:6379",
				DB:           0,
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
		},
		Tracker: TrackerConfig{
			WatchlistPrefix: tc.WatchlistPrefix,
			BlacklistPrefix: tc.BlacklistPrefix,
			WatchWindow:     tc.WatchWindow,
			BlockWindow:     tc.BlockWindow,
			Threshold:       tc.Threshold,
			RefreshOnHit:    tc.RefreshOnHit,
		},
		Anonymization: AnonymizationConfig{
			Enabled:    tc.Anonymization.Enabled,
			SaltKey:    tc.Anonymization.SaltKey,
			SaltLength: tc.Anonymization.SaltLength,
			Algorithm:  tc.Anonymization.Algorithm,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Audit: AuditConfig{
				Enabled: true,
				Level:   "standard",
				Output:  "stdout",
			},
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// Load loads the configuration from file or environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Absolute paths were set explicitly by the operator; relative paths must
	// stay inside the working directory.
	if !filepath.IsAbs(configPath) {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to determine working directory: %w", err)
		}
		configPath, err = sanitizeConfigPath(configPath, wd)
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(configPath) //#nosec G304 -- config path is sanitized above
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overrides secrets and addresses from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvRedisPassword); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv(EnvRedisAddress); v != "" {
		c.Store.Redis.Address = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		c.Server.Listen = v
	}
}

// sanitizeConfigPath resolves path against baseDir and rejects anything that
// would leave baseDir.
func sanitizeConfigPath(path, baseDir string) (string, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return "", fmt.Errorf("invalid base directory: %w", err)
	}

	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(absBase, resolved)
	}
	resolved = filepath.Clean(resolved)

	rel, err := filepath.Rel(absBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q escapes %q", path, absBase)
	}
	return resolved, nil
}

// Validate checks the configuration for values the daemon cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		switch c.Store.Redis.Network {
		case "tcp", "unix":
		default:
			errs = append(errs, fmt.Errorf("store.redis.network must be tcp or unix, got %q", c.Store.Redis.Network))
		}
		if c.Store.Redis.Address == "" {
			errs = append(errs, errors.New("store.redis.address must not be empty"))
		}
		if c.Store.Redis.DB < 0 {
			errs = append(errs, errors.New("store.redis.db must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.type must be memory or redis, got %q", c.Store.Type))
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	switch c.Logging.Audit.Level {
	case "minimal", "standard", "verbose":
	default:
		errs = append(errs, fmt.Errorf("logging.audit.level must be minimal, standard or verbose, got %q", c.Logging.Audit.Level))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Endpoint, "/") {
		errs = append(errs, errors.New("metrics.endpoint must start with /"))
	}

	if err := c.TrackerPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// TrackerPolicy converts the tracker and anonymization sections into the
// tracker's own configuration value.
func (c *Config) TrackerPolicy() tracker.Config {
	return tracker.Config{
		WatchlistPrefix: c.Tracker.WatchlistPrefix,
		BlacklistPrefix: c.Tracker.BlacklistPrefix,
		WatchWindow:     c.Tracker.WatchWindow,
		BlockWindow:     c.Tracker.BlockWindow,
		Threshold:       c.Tracker.Threshold,
		RefreshOnHit:    c.Tracker.RefreshOnHit,
		Anonymization: identity.Config{
			Enabled:    c.Anonymization.Enabled,
			SaltKey:    c.Anonymization.SaltKey,
			SaltLength: c.Anonymization.SaltLength,
			Algorithm:  c.Anonymization.Algorithm,
		},
	}
}
