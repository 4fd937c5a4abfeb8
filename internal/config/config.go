// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends for the session audit log.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

// Cache backends for results and the attempt ledger.
const (
	CacheRedis  = "redis"
	CacheMemory = "memory"
)

// Verification API transports.
const (
	TransportGRPC = "grpc"
	TransportHTTP = "http"
)

// Config holds all application configuration.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	ShutdownTimeout time.Duration

	JWTSecret   string
	JWTAudience string

	StorageType string
	DatabaseDSN string
	SQLitePath  string
	AutoMigrate bool

	CacheType string
	RedisAddr string

	VerifyTransport string
	VerifyAddr      string
	VerifyTimeout   time.Duration

	TuningFile       string
	LockoutThreshold int
	LockoutWindow    time.Duration
	FrameStaleAfter  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience: getEnv("JWT_AUDIENCE", ""),

		StorageType: strings.ToLower(getEnv("STORAGE_TYPE", StoragePostgres)),
		DatabaseDSN: getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=faceverify port=5432 sslmode=disable"),
		SQLitePath:  getEnv("SQLITE_PATH", "./data/faceverify.db"),
		AutoMigrate: getEnvBool("AUTO_MIGRATE", true),

		CacheType: strings.ToLower(getEnv("CACHE_TYPE", CacheRedis)),
		RedisAddr: getEnv("REDIS_ADDR", "redis:6379"),

		VerifyTransport: strings.ToLower(getEnv("VERIFY_API_TRANSPORT", TransportGRPC)),
		VerifyAddr:      getEnv("VERIFY_API_ADDR", "verify-service:50051"),
		VerifyTimeout:   getEnvDuration("VERIFY_API_TIMEOUT", 10*time.Second),

		TuningFile:       getEnv("TUNING_FILE", ""),
		LockoutThreshold: getEnvInt("LOCKOUT_THRESHOLD", 5),
		LockoutWindow:    getEnvDuration("LOCKOUT_WINDOW", 15*time.Minute),
		FrameStaleAfter:  getEnvDuration("FRAME_STALE_AFTER", 2*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR cannot be empty")
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}

	switch c.StorageType {
	case StoragePostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for postgres storage")
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("STORAGE_TYPE must be one of postgres, sqlite, memory (got %q)", c.StorageType)
	}

	switch c.CacheType {
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for redis cache")
		}
	case CacheMemory:
	default:
		return fmt.Errorf("CACHE_TYPE must be redis or memory (got %q)", c.CacheType)
	}

	switch c.VerifyTransport {
	case TransportGRPC, TransportHTTP:
	default:
		return fmt.Errorf("VERIFY_API_TRANSPORT must be grpc or http (got %q)", c.VerifyTransport)
	}
	if c.VerifyAddr == "" {
		return fmt.Errorf("VERIFY_API_ADDR cannot be empty")
	}
	if c.VerifyTimeout <= 0 {
		return fmt.Errorf("VERIFY_API_TIMEOUT must be > 0")
	}

	if c.LockoutThreshold < 0 {
		return fmt.Errorf("LOCKOUT_THRESHOLD must be >= 0")
	}
	if c.LockoutThreshold > 0 && c.LockoutWindow <= 0 {
		return fmt.Errorf("LOCKOUT_WINDOW must be > 0 when lockout is enabled")
	}
	if c.FrameStaleAfter <= 0 {
		return fmt.Errorf("FRAME_STALE_AFTER must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
