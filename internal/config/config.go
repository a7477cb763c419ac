// Package config loads application configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds the core runtime configuration.  Feature specific settings
// live in their own structs (ReservationConfig, BrokerConfig, CacheConfig,
// RateLimitConfig, RedisConfig).
type Config struct {
	Env       string // application environment (e.g. "dev", "prod")
	Port      string // HTTP port to listen on
	LogLevel  string // logrus level name
	JWTSecret string // secret used to verify viewer access tokens

	// MySQL back office catalog.  Empty DBHost runs without a catalog.
	DBUser string
	DBPass string
	DBHost string
	DBPort string
	DBName string

	ShutdownTimeout time.Duration
}

// Load reads the core configuration.  Missing required variables stop the
// process with a fatal log entry.
func Load() Config {
	cfg := Config{
		Env:             must("APP_ENV"),
		Port:            must("APP_PORT"),
		LogLevel:        envStr("LOG_LEVEL", "info"),
		JWTSecret:       must("JWT_SECRET"),
		DBHost:          os.Getenv("DB_HOST"),
		DBPass:          os.Getenv("DB_PASS"),
		ShutdownTimeout: envDur("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if cfg.DBHost != "" {
		cfg.DBUser = must("DB_USER")
		cfg.DBPort = envStr("DB_PORT", "3306")
		cfg.DBName = must("DB_NAME")
	}
	return cfg
}

// CatalogEnabled reports whether a MySQL catalog is configured.
func (c Config) CatalogEnabled() bool { return c.DBHost != "" }

// must retrieves the value of a required environment variable.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logrus.Fatalf("missing required env var: %s", key)
	}
	return v
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	switch v {
	case "1", "true", "TRUE", "True", "yes", "YES", "on", "ON":
		return true
	case "0", "false", "FALSE", "False", "no", "NO", "off", "OFF":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	if dur, err := time.ParseDuration(v); err == nil {
		return dur
	}
	return d
}
