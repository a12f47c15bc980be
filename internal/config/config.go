// Package config loads provsync settings from PROVSYNC_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every environment-tunable setting. CLI flags override it.
type Config struct {
	DBPath      string `env:"DB_PATH" envDefault:"data/provsync.db"`
	DatabaseURL string `env:"DATABASE_URL"`
	MaxConns    int    `env:"DB_MAX_CONNS" envDefault:"10"`

	// Consumer names this worker in logs; empty means a fresh UUIDv7 per claim.
	Consumer      string        `env:"CONSUMER"`
	BatchSize     int           `env:"BATCH_SIZE" envDefault:"20"`
	PollInterval  time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL      time.Duration `env:"LEASE_TTL" envDefault:"10m"`
	Retention     time.Duration `env:"RETENTION" envDefault:"24h"`
	PurgeInterval time.Duration `env:"PURGE_INTERVAL" envDefault:"1h"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaActionTopic string   `env:"KAFKA_ACTION_TOPIC" envDefault:"provsync.messages"`
	KafkaSyncTopic   string   `env:"KAFKA_SYNC_TOPIC" envDefault:"provsync.sync"`

	RedisURL string        `env:"REDIS_URL"`
	DedupTTL time.Duration `env:"DEDUP_TTL" envDefault:"24h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Prefix is prepended to every variable name.
const Prefix = "PROVSYNC_"

// ParseEnv loads Config from the process environment.
func ParseEnv() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no component can run with.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("config: %sBATCH_SIZE must be positive, got %d", Prefix, c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: %sPOLL_INTERVAL must be positive, got %s", Prefix, c.PollInterval)
	}
	if c.LeaseTTL < 0 {
		return fmt.Errorf("config: %sLEASE_TTL must not be negative, got %s", Prefix, c.LeaseTTL)
	}
	if c.Retention <= 0 {
		return fmt.Errorf("config: %sRETENTION must be positive, got %s", Prefix, c.Retention)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: %sLOG_LEVEL: %w", Prefix, err)
	}
	return level, nil
}

// UsePostgres reports whether the gorm backend is configured.
func (c Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// UseKafka reports whether brokers are configured.
func (c Config) UseKafka() bool {
	return len(c.KafkaBrokers) > 0
}
