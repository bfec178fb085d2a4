// Package config loads the platform's YAML configuration with
// environment variable overrides for deployment secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ignite/survey-platform/internal/storage"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Storage  storage.Config `yaml:"storage"`
	Jobs     JobsConfig     `yaml:"jobs"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port for the HTTP listener.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxIdleMins int    `yaml:"conn_max_idle_mins"`
}

// RedisConfig holds the Redis connection settings. Redis is optional:
// with an empty Addr, progress polls fall back to Postgres and the
// recovery scanner locks via advisory locks instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// JobsConfig sizes the worker pools and the queue timing loops.
type JobsConfig struct {
	UploadWorkers           int `yaml:"upload_workers"`
	SegmentationWorkers     int `yaml:"segmentation_workers"`
	MaxAttempts             int `yaml:"max_attempts"`
	BackoffSeconds          int `yaml:"backoff_seconds"`
	PollIntervalSeconds     int `yaml:"poll_interval_seconds"`
	HeartbeatSeconds        int `yaml:"heartbeat_seconds"`
	StaleAgeSeconds         int `yaml:"stale_age_seconds"`
	RecoveryIntervalSeconds int `yaml:"recovery_interval_seconds"`
}

// PollInterval returns the queue poll cadence as a duration.
func (j JobsConfig) PollInterval() time.Duration {
	return time.Duration(j.PollIntervalSeconds) * time.Second
}

// Heartbeat returns the claimed-job heartbeat cadence as a duration.
func (j JobsConfig) Heartbeat() time.Duration {
	return time.Duration(j.HeartbeatSeconds) * time.Second
}

// StaleAge returns how long a heartbeat may go quiet before recovery.
func (j JobsConfig) StaleAge() time.Duration {
	return time.Duration(j.StaleAgeSeconds) * time.Second
}

// RecoveryInterval returns the recovery scan cadence as a duration.
func (j JobsConfig) RecoveryInterval() time.Duration {
	return time.Duration(j.RecoveryIntervalSeconds) * time.Second
}

// Load reads and parses the configuration file. A missing file is not
// an error; the zero config plus defaults is a workable local setup.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Set defaults
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "postgres://localhost:5432/survey_platform?sslmode=disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxIdleMins == 0 {
		cfg.Database.ConnMaxIdleMins = 5
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "local"
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = "uploads"
	}
	if cfg.Jobs.UploadWorkers == 0 {
		cfg.Jobs.UploadWorkers = 4
	}
	if cfg.Jobs.SegmentationWorkers == 0 {
		cfg.Jobs.SegmentationWorkers = 4
	}
	if cfg.Jobs.MaxAttempts == 0 {
		cfg.Jobs.MaxAttempts = 3
	}
	if cfg.Jobs.BackoffSeconds == 0 {
		cfg.Jobs.BackoffSeconds = 30
	}
	if cfg.Jobs.PollIntervalSeconds == 0 {
		cfg.Jobs.PollIntervalSeconds = 2
	}
	if cfg.Jobs.HeartbeatSeconds == 0 {
		cfg.Jobs.HeartbeatSeconds = 30
	}
	if cfg.Jobs.StaleAgeSeconds == 0 {
		cfg.Jobs.StaleAgeSeconds = 300
	}
	if cfg.Jobs.RecoveryIntervalSeconds == 0 {
		cfg.Jobs.RecoveryIntervalSeconds = 120
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It reads a .env file first (if present) so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("STORAGE_LOCAL_DIR"); v != "" {
		cfg.Storage.LocalDir = v
	}
	if v := os.Getenv("STORAGE_S3_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_S3_PREFIX"); v != "" {
		cfg.Storage.Prefix = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Storage.Region = v
	}
	if v := os.Getenv("UPLOAD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.UploadWorkers = n
		}
	}
	if v := os.Getenv("SEGMENTATION_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Jobs.SegmentationWorkers = n
		}
	}

	return cfg, nil
}
