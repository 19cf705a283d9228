// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Reference data refresh
	RuleRefreshInterval time.Duration
	RateRefreshInterval time.Duration

	// Exposure limits
	LimitMode    string // "flat" or "per-counterparty"
	FlatLimitUSD decimal.Decimal

	// Ingestion
	MaxTxRetries      int
	CurrencyAllowlist map[string]bool // empty means any well-formed ISO code

	// Security
	AdminSecret   string // Admin API secret
	WebhookURL    string
	WebhookSecret string
	RateLimitRPS  int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimit    = 100
	DefaultMaxRetries   = 3
	DefaultFlatLimitUSD = "500000000" // 500M USD
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	flatLimit, err := decimal.NewFromString(getEnv("FLAT_LIMIT_USD", DefaultFlatLimitUSD))
	if err != nil {
		return nil, fmt.Errorf("FLAT_LIMIT_USD must be a decimal number: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RuleRefreshInterval: getEnvDuration("RULE_REFRESH_INTERVAL", 5*time.Minute),
		RateRefreshInterval: getEnvDuration("RATE_REFRESH_INTERVAL", 12*time.Hour),
		LimitMode:           getEnv("LIMIT_MODE", "flat"),
		FlatLimitUSD:        flatLimit,
		MaxTxRetries:        int(getEnvInt64("MAX_TX_RETRIES", DefaultMaxRetries)),
		CurrencyAllowlist:   parseAllowlist(os.Getenv("CURRENCY_ALLOWLIST")),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		WebhookURL:          os.Getenv("WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.LimitMode != "flat" && c.LimitMode != "per-counterparty" {
		return fmt.Errorf("LIMIT_MODE must be \"flat\" or \"per-counterparty\"")
	}
	if c.FlatLimitUSD.IsNegative() {
		return fmt.Errorf("FLAT_LIMIT_USD must not be negative")
	}
	if c.MaxTxRetries < 1 {
		return fmt.Errorf("MAX_TX_RETRIES must be at least 1")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parseAllowlist turns "USD,EUR,GBP" into a lookup set.
func parseAllowlist(s string) map[string]bool {
	out := make(map[string]bool)
	for _, c := range strings.Split(s, ",") {
		c = strings.TrimSpace(strings.ToUpper(c))
		if c != "" {
			out[c] = true
		}
	}
	return out
}
