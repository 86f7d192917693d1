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
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee settings (whole percent)
	PlatformFeePct int64
	PaymentFeePct  int64
	FeesEnabled    bool

	// Escrow settings
	CoolingPeriod time.Duration // complaint window after escrow creation
	Currency      string

	// Deposit settings
	DepositTTL time.Duration // provider payment window for pending deposits

	// Sweep settings
	SweepBatchSize int
	SweepInterval  time.Duration // in-process timer interval (dev mode)

	// Query settings
	MaxPageSize int

	// Security
	CronSecret  string // authenticates the external scheduler
	AdminSecret string // authenticates admin console calls
	AuthTTL     time.Duration // identity cache staleness window

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPlatformFeePct = 5
	DefaultPaymentFeePct  = 2
	DefaultCoolingPeriod  = 72 * time.Hour
	DefaultDepositTTL     = 30 * time.Minute
	DefaultSweepBatch     = 100
	DefaultSweepInterval  = 30 * time.Second
	DefaultMaxPageSize    = 100
	DefaultAuthTTL        = 60 * time.Second
	DefaultCurrency       = "USD"
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		PlatformFeePct: getEnvInt64("PLATFORM_FEE_PCT", DefaultPlatformFeePct),
		PaymentFeePct:  getEnvInt64("PAYMENT_FEE_PCT", DefaultPaymentFeePct),
		FeesEnabled:    getEnvBool("FEES_ENABLED", true),
		CoolingPeriod:  getEnvDuration("ESCROW_COOLING_PERIOD", DefaultCoolingPeriod),
		Currency:       getEnv("CURRENCY", DefaultCurrency),
		DepositTTL:     getEnvDuration("DEPOSIT_TTL", DefaultDepositTTL),
		SweepBatchSize: int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatch)),
		SweepInterval:  getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		MaxPageSize:    int(getEnvInt64("MAX_PAGE_SIZE", DefaultMaxPageSize)),
		CronSecret:     os.Getenv("CRON_SECRET"),
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		AuthTTL:        getEnvDuration("AUTH_CACHE_TTL", DefaultAuthTTL),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.PlatformFeePct < 0 || c.PaymentFeePct < 0 {
		return fmt.Errorf("fee percentages must be non-negative")
	}
	if c.PlatformFeePct+c.PaymentFeePct >= 100 {
		return fmt.Errorf("combined fee percentage must be below 100")
	}
	if c.CoolingPeriod <= 0 {
		return fmt.Errorf("ESCROW_COOLING_PERIOD must be positive")
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive")
	}
	if c.MaxPageSize <= 0 {
		return fmt.Errorf("MAX_PAGE_SIZE must be positive")
	}
	if c.IsProduction() && c.CronSecret == "" {
		return fmt.Errorf("CRON_SECRET is required in production")
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

// Helper functions

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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
