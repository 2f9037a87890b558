// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Mining defaults. These seed the settings store on first boot and back
	// the static provider in demo mode; admins change the live values at
	// runtime through the settings API.
	MiningRatePerHour string // Tokens accrued per hour of mining (e.g. "0.125")
	MaxSessionSeconds int    // Hard cap on a single session's duration
	PerSessionCap     string // Max tokens creditable from one session
	MaintenanceMode   bool   // Refuse new sessions when true

	// Background work
	SweepInterval    time.Duration // How often the expiry sweeper runs
	SettingsCacheTTL time.Duration // How long provider snapshots stay fresh

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPM int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultRatePerHour       = "0.125"
	DefaultMaxSessionSeconds = 24 * 3600
	DefaultPerSessionCap     = "3.0"
	DefaultSweepInterval     = time.Minute
	DefaultSettingsCacheTTL  = 30 * time.Second
	DefaultRateLimitRPM      = 120
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		MiningRatePerHour: getEnv("MINING_RATE_PER_HOUR", DefaultRatePerHour),
		MaxSessionSeconds: int(getEnvInt64("MAX_SESSION_SECONDS", DefaultMaxSessionSeconds)),
		PerSessionCap:     getEnv("PER_SESSION_CAP", DefaultPerSessionCap),
		MaintenanceMode:   getEnvBool("MAINTENANCE_MODE", false),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SettingsCacheTTL:  getEnvDuration("SETTINGS_CACHE_TTL", DefaultSettingsCacheTTL),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	if c.MaxSessionSeconds <= 0 {
		return fmt.Errorf("MAX_SESSION_SECONDS must be positive, got %d", c.MaxSessionSeconds)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
