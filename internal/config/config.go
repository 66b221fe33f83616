package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all coordinator configuration.
type Config struct {
	// Server addresses and limits
	Server ServerConfig `json:"server" yaml:"server"`

	// Durable storage
	Storage StorageConfig `json:"storage" yaml:"storage"`

	// Session tracking behavior
	Tracking TrackingConfig `json:"tracking" yaml:"tracking"`

	// Soft-delete protocol
	Deletion DeletionConfig `json:"deletion" yaml:"deletion"`

	// Retry hardening for durable operations
	Retry RetryConfig `json:"retry" yaml:"retry"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`
}

// ServerConfig for the observer hub and HTTP API.
type ServerConfig struct {
	ListenAddr   string        `json:"listen_addr" yaml:"listen_addr"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	RateLimit    float64       `json:"rate_limit" yaml:"rate_limit"`   // requests per second
	RateBurst    int           `json:"rate_burst" yaml:"rate_burst"`
}

// Storage backend names.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// StorageConfig for the durable store.
type StorageConfig struct {
	Backend        string        `json:"backend" yaml:"backend"` // json, sqlite, redis
	DataDir        string        `json:"data_dir" yaml:"data_dir"`
	RedisAddr      string        `json:"redis_addr" yaml:"redis_addr"`
	RedisDB        int           `json:"redis_db" yaml:"redis_db"`
	BackupInterval time.Duration `json:"backup_interval" yaml:"backup_interval"`
}

// TrackingConfig for the session registry.
type TrackingConfig struct {
	FlushInterval   time.Duration `json:"flush_interval" yaml:"flush_interval"`
	CleanupInterval time.Duration `json:"cleanup_interval" yaml:"cleanup_interval"`
}

// DeletionConfig for the soft-delete countdown.
type DeletionConfig struct {
	UndoWindow time.Duration `json:"undo_window" yaml:"undo_window"`
}

// RetryConfig for the durable-operation executor.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
	Timeout       time.Duration `json:"timeout" yaml:"timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`   // debug, info, warn, error
	Format string `json:"format" yaml:"format"` // text, json
	File   string `json:"file" yaml:"file"`     // empty = stdout
	Color  bool   `json:"color" yaml:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".watchmark"

	return &Config{
		Server: ServerConfig{
			ListenAddr:   "127.0.0.1:8420",
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			RateLimit:    20,
			RateBurst:    40,
		},
		Storage: StorageConfig{
			Backend:        BackendJSON,
			DataDir:        filepath.Join(dataDir, "data"),
			RedisAddr:      "127.0.0.1:6379",
			BackupInterval: 24 * time.Hour,
		},
		Tracking: TrackingConfig{
			FlushInterval:   30 * time.Second,
			CleanupInterval: 6 * time.Hour,
		},
		Deletion: DeletionConfig{
			UndoWindow: 5 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      5 * time.Second,
			BackoffFactor: 2,
			Timeout:       30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("server.listen_addr is required")
	}

	switch c.Storage.Backend {
	case BackendJSON, BackendSQLite:
		if c.Storage.DataDir == "" {
			return errors.New("storage.data_dir is required")
		}
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("storage.redis_addr is required")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Tracking.FlushInterval <= 0 {
		return errors.New("tracking.flush_interval must be positive")
	}

	if c.Deletion.UndoWindow <= 0 {
		return errors.New("deletion.undo_window must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BackoffFactor < 1 {
		return errors.New("retry.backoff_factor must be at least 1")
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	return nil
}
