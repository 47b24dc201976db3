/*
Package config loads server settings from the environment.

A .env file in the working directory is read first when present; real
environment variables win over it. Command-line flags in cmd/server
override both.

VARIABLES:
  ENV                      development | production (log format)
  PORT                     HTTP port (default 8080)
  DB_DRIVER                sqlite | postgres (default sqlite)
  DB_PATH                  SQLite file (default payouts.db)
  DATABASE_URL             PostgreSQL DSN, required when DB_DRIVER=postgres
  REDIS_ADDR               host:port; empty disables the summary cache
  REDIS_PASSWORD, REDIS_DB
  SUMMARY_CACHE_TTL        Go duration (default 30s)
  RABBITMQ_URL             empty disables run events
  CORS_ORIGINS             comma separated (default: api.DefaultOrigins)
  PAYOUT_REFRESH_INTERVAL  Go duration; 0 disables the draft refresher
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Env  string
	Port int

	DBDriver    string
	DBPath      string
	DatabaseURL string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	RabbitMQURL string

	CORSOrigins     []string
	RefreshInterval time.Duration

	// EnvFileLoaded reports whether a .env file was read.
	EnvFileLoaded bool
}

// Load reads .env (if any) and the environment.
func Load() (*Config, error) {
	loaded := godotenv.Load(".env") == nil
	cfg, err := FromEnv(os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.EnvFileLoaded = loaded
	return cfg, nil
}

// FromEnv builds a Config from a lookup function. Tests pass a map lookup.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	cfg := &Config{
		Env:           get("ENV", "development"),
		DBDriver:      strings.ToLower(get("DB_DRIVER", DriverSQLite)),
		DBPath:        get("DB_PATH", "payouts.db"),
		DatabaseURL:   get("DATABASE_URL", ""),
		RedisAddr:     get("REDIS_ADDR", ""),
		RedisPassword: get("REDIS_PASSWORD", ""),
		RabbitMQURL:   get("RABBITMQ_URL", ""),
		CORSOrigins:   splitList(get("CORS_ORIGINS", "")),
	}

	var err error
	if cfg.Port, err = strconv.Atoi(get("PORT", "8080")); err != nil {
		return nil, fmt.Errorf("PORT: %w", err)
	}
	if cfg.RedisDB, err = strconv.Atoi(get("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("REDIS_DB: %w", err)
	}
	if cfg.SummaryCacheTTL, err = time.ParseDuration(get("SUMMARY_CACHE_TTL", "30s")); err != nil {
		return nil, fmt.Errorf("SUMMARY_CACHE_TTL: %w", err)
	}
	if cfg.RefreshInterval, err = time.ParseDuration(get("PAYOUT_REFRESH_INTERVAL", "0")); err != nil {
		return nil, fmt.Errorf("PAYOUT_REFRESH_INTERVAL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field requirements. Call again after flag overrides.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("DB_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("PAYOUT_REFRESH_INTERVAL must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
