// Package config loads the service configuration from the environment and
// the gate profile from YAML, and hot-reloads the profile on change.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Store backends accepted in X108_STORE.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	Port          string
	LogLevel      string
	Store         string
	SQLitePath    string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ProfilePath   string
	AuditPath     string
	OTLPEndpoint  string
	Environment   string
	RateLimit     float64 // requests per second per client
	RateBurst     int
	JWTSecret     string
	// ClockSkew is how far, in seconds, a client-supplied now may drift from
	// the server clock and still be used. Zero ignores client clocks.
	ClockSkew float64
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getenv("X108_PORT", "8108"),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),
		Store:         strings.ToLower(getenv("X108_STORE", StoreMemory)),
		SQLitePath:    getenv("X108_SQLITE_PATH", "x108.db"),
		DatabaseURL:   getenv("DATABASE_URL", "postgres://x108@localhost:5432/x108?sslmode=disable"),
		RedisAddr:     getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getint("REDIS_DB", 0),
		ProfilePath:   os.Getenv("X108_PROFILE"),
		AuditPath:     os.Getenv("X108_AUDIT_PATH"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:   getenv("X108_ENV", "development"),
		RateLimit:     getfloat("X108_RATE_LIMIT", 50),
		RateBurst:     getint("X108_RATE_BURST", 100),
		JWTSecret:     os.Getenv("X108_JWT_SECRET"),
		ClockSkew:     getfloat("X108_CLOCK_SKEW", 0),
	}
}

// SlogLevel maps LogLevel onto a slog level. Unknown values mean INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func getfloat(key string, def float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
