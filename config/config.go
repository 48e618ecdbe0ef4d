/*
Package config loads server configuration from the environment.

PURPOSE:
  One Config struct for the server and the CLI. Values come from
  environment variables, optionally from a .env file in the working
  directory, then fall back to the defaults below.

VARIABLES:
  PORT                  HTTP port (default 8080)
  ENV                   development | production (default development)
  LOG_LEVEL             zerolog level (default info)
  STORE                 memory | sqlite | postgres (default sqlite)
  SQLITE_PATH           SQLite file, ":memory:" allowed (default billing.db)
  DATABASE_URL          PostgreSQL URL, required when STORE=postgres
  DB_MAX_CONNS          pool size (default 10)
  DB_MIN_CONNS          idle connections kept open (default 2)
  CORS_ORIGINS          comma separated (default http://localhost:3000)
  GENERATION_WORKERS    clients computed in parallel (default 4)
  RETRY_BACKOFF         pause before the conflict retry (default 50ms)
  SCHEDULER_ENABLED     run monthly generation in-process (default false)
  SCHEDULER_DAY         day of month the scheduler bills the previous month (default 1)
  SCHEDULER_INTERVAL    how often the scheduler wakes up (default 1h)
  SEED_DEMO             load the demo tenant on start (default false)
*/
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"PORT" validate:"gt=0,lt=65536"`
	Env      string `mapstructure:"ENV" validate:"oneof=development production test"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Store       string `mapstructure:"STORE" validate:"oneof=memory sqlite postgres"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=Store postgres"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"gt=0"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	GenerationWorkers int           `mapstructure:"GENERATION_WORKERS" validate:"gt=0,lte=64"`
	RetryBackoff      time.Duration `mapstructure:"RETRY_BACKOFF" validate:"gte=0"`

	SchedulerEnabled  bool          `mapstructure:"SCHEDULER_ENABLED"`
	SchedulerDay      int           `mapstructure:"SCHEDULER_DAY" validate:"gte=1,lte=28"`
	SchedulerInterval time.Duration `mapstructure:"SCHEDULER_INTERVAL" validate:"gt=0"`

	SeedDemo bool `mapstructure:"SEED_DEMO"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE", "SQLITE_PATH", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS",
	"GENERATION_WORKERS", "RETRY_BACKOFF",
	"SCHEDULER_ENABLED", "SCHEDULER_DAY", "SCHEDULER_INTERVAL",
	"SEED_DEMO",
}

// Load reads the environment (and .env when present) and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", 8080)
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE", "sqlite")
	v.SetDefault("SQLITE_PATH", "billing.db")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("GENERATION_WORKERS", 4)
	v.SetDefault("RETRY_BACKOFF", "50ms")
	v.SetDefault("SCHEDULER_ENABLED", false)
	v.SetDefault("SCHEDULER_DAY", 1)
	v.SetDefault("SCHEDULER_INTERVAL", "1h")
	v.SetDefault("SEED_DEMO", false)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and the log level.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: LOG_LEVEL: %w", err)
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// NewLogger builds the process logger: JSON lines in production, the
// console writer in development.
func (c *Config) NewLogger() zerolog.Logger {
	return c.newLogger(os.Stdout)
}

func (c *Config) newLogger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.IsDev() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
