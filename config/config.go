package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Sync       SyncConfig       `yaml:"sync"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Database   DatabaseConfig   `yaml:"database"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Log        LogConfig        `yaml:"log"`
}

// ServerConfig holds the HTTP server configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int     `yaml:"rate_limit_burst"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// SyncConfig holds the daemon configuration for both cycles.
type SyncConfig struct {
	Enabled    bool          `yaml:"enabled"`
	IntervalMS int           `yaml:"interval_ms"`
	Interval   time.Duration `yaml:"-"` // Ignored by YAML parser

	// ClockOffsetHours corrects upstream timestamps, which are stored as
	// naive local time but read back as UTC by the driver. Site default
	// is +3; do not change without checking the PLC clock.
	ClockOffsetHours int           `yaml:"clock_offset_hours"`
	ClockOffset      time.Duration `yaml:"-"`

	// AlertFactor is the margin over a product's ideal cycle before a
	// stoppage is opened; GraceSeconds is how much longer past that
	// point a session may idle before it is abandoned.
	AlertFactor  float64 `yaml:"alert_factor"`
	GraceSeconds int     `yaml:"grace_seconds"`
}

// UpstreamConfig points at the PLC event database (MariaDB).
type UpstreamConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// DatabaseConfig holds the application database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// LogConfig controls the logrus setup.
type LogConfig struct {
	Level  string `yaml:"level"`  // trace|debug|info|warn|error
	Format string `yaml:"format"` // text|json
}

// Load reads the configuration from the given path and applies defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in the documented defaults for unset fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Sync.IntervalMS <= 0 {
		cfg.Sync.IntervalMS = 10000
	}
	cfg.Sync.Interval = time.Duration(cfg.Sync.IntervalMS) * time.Millisecond

	if cfg.Sync.ClockOffsetHours == 0 {
		cfg.Sync.ClockOffsetHours = 3
	}
	cfg.Sync.ClockOffset = time.Duration(cfg.Sync.ClockOffsetHours) * time.Hour

	if cfg.Sync.AlertFactor <= 0 {
		cfg.Sync.AlertFactor = 1.6
	}
	if cfg.Sync.GraceSeconds <= 0 {
		cfg.Sync.GraceSeconds = 300
	}
	if cfg.Upstream.Table == "" {
		cfg.Upstream.Table = "prensavulc"
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 10
	}
	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}
	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}
}

// Validate checks the settings the process cannot run without.
func (cfg *Config) Validate() error {
	if cfg.Upstream.DSN == "" {
		return fmt.Errorf("upstream.dsn is not configured")
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is not configured")
	}
	return nil
}
