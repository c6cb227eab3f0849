// Package config loads lockbox settings from an optional YAML file and
// LOCKBOX_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/pixperk/lockbox/pkg/logging"
	"github.com/pixperk/lockbox/pkg/sweep"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendRaft   = "raft"
)

type Config struct {
	ApplicationName       string        `yaml:"application" env:"LOCKBOX_APPLICATION"`
	DefaultTimeoutMinutes int           `yaml:"default_timeout_minutes" env:"LOCKBOX_DEFAULT_TIMEOUT_MINUTES"`
	SweepInterval         time.Duration `yaml:"sweep_interval" env:"LOCKBOX_SWEEP_INTERVAL"`
	SuppressStorageErrors bool          `yaml:"suppress_storage_errors" env:"LOCKBOX_SUPPRESS_STORAGE_ERRORS"`
	MetricsAddr           string        `yaml:"metrics_addr" env:"LOCKBOX_METRICS_ADDR"`
	Backend               string        `yaml:"backend" env:"LOCKBOX_BACKEND"`

	Log   LogConfig   `yaml:"log"`
	Bolt  BoltConfig  `yaml:"bolt"`
	Redis RedisConfig `yaml:"redis"`
	SQL   SQLConfig   `yaml:"sql"`
	Raft  RaftConfig  `yaml:"raft"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOCKBOX_LOG_LEVEL"`
	Format string `yaml:"format" env:"LOCKBOX_LOG_FORMAT"`
}

type BoltConfig struct {
	Path string `yaml:"path" env:"LOCKBOX_BOLT_PATH"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"LOCKBOX_REDIS_ADDR"`
	Password  string `yaml:"password" env:"LOCKBOX_REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"LOCKBOX_REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"LOCKBOX_REDIS_KEY_PREFIX"`
}

type SQLConfig struct {
	Dialect string `yaml:"dialect" env:"LOCKBOX_SQL_DIALECT"`
	DSN     string `yaml:"dsn" env:"LOCKBOX_SQL_DSN"`
}

type RaftConfig struct {
	NodeID       string        `yaml:"node_id" env:"LOCKBOX_RAFT_NODE_ID"`
	BindAddr     string        `yaml:"bind_addr" env:"LOCKBOX_RAFT_BIND_ADDR"`
	DataDir      string        `yaml:"data_dir" env:"LOCKBOX_RAFT_DATA_DIR"`
	Bootstrap    bool          `yaml:"bootstrap" env:"LOCKBOX_RAFT_BOOTSTRAP"`
	ApplyTimeout time.Duration `yaml:"apply_timeout" env:"LOCKBOX_RAFT_APPLY_TIMEOUT"`
}

// Default returns a config that runs a single in-memory node.
func Default() *Config {
	return &Config{
		DefaultTimeoutMinutes: 20,
		SweepInterval:         sweep.DefaultInterval,
		MetricsAddr:           ":9090",
		Backend:               BackendMemory,
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
		Bolt: BoltConfig{
			Path: "data/sessions.db",
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "lockbox:",
		},
		SQL: SQLConfig{
			Dialect: "sqlite",
			DSN:     "data/sessions.sqlite",
		},
		Raft: RaftConfig{
			BindAddr:     "127.0.0.1:7000",
			DataDir:      "data/raft",
			Bootstrap:    true,
			ApplyTimeout: 5 * time.Second,
		},
	}
}

// Load reads path (skipped when empty), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	//env wins over the file, unset variables leave fields alone
	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the backend selection and normalizes intervals.
func (c *Config) Validate() error {
	c.SweepInterval = sweep.ClampInterval(c.SweepInterval)

	if c.DefaultTimeoutMinutes <= 0 {
		return fmt.Errorf("default_timeout_minutes must be positive, got %d", c.DefaultTimeoutMinutes)
	}
	if len(c.ApplicationName) > 255 {
		return fmt.Errorf("application name longer than 255 bytes")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}

	switch c.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Bolt.Path == "" {
			return fmt.Errorf("bolt backend requires bolt.path")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis backend requires redis.addr")
		}
	case BackendSQL:
		if c.SQL.DSN == "" {
			return fmt.Errorf("sql backend requires sql.dsn")
		}
		if c.SQL.Dialect == "" {
			return fmt.Errorf("sql backend requires sql.dialect")
		}
	case BackendRaft:
		if c.Raft.BindAddr == "" || c.Raft.DataDir == "" {
			return fmt.Errorf("raft backend requires raft.bind_addr and raft.data_dir")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
