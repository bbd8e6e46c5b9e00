// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Billing provider
	StripeWebhookSecret string // whsec_... signing secret for inbound webhooks
	StripeAPIKey        string // sk_... secret key (optional, webhooks work without it)

	// Quotas
	FreeTierLimit int64 // default monthly allowance for anonymous sites

	// Response cache TTLs
	UsageCacheTTL   time.Duration
	SummaryCacheTTL time.Duration

	// Security
	SessionSecret string // HMAC secret for verifying session credentials
	AdminSecret   string // Admin API secret
	RateLimitRPM  int

	// Observability
	OTLPEndpoint string // OTEL_EXPORTER_OTLP_ENDPOINT, empty = tracing disabled
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultFreeTierLimit   = 50
	DefaultUsageCacheTTL   = time.Second
	DefaultSummaryCacheTTL = 30 * time.Second
	DefaultRateLimit       = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		FreeTierLimit:       getEnvInt64("FREE_TIER_LIMIT", DefaultFreeTierLimit),
		UsageCacheTTL:       getEnvDuration("USAGE_CACHE_TTL", DefaultUsageCacheTTL),
		SummaryCacheTTL:     getEnvDuration("SUMMARY_CACHE_TTL", DefaultSummaryCacheTTL),
		SessionSecret:       os.Getenv("SESSION_SECRET"),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:        int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FreeTierLimit < 0 {
		return fmt.Errorf("FREE_TIER_LIMIT must not be negative")
	}
	if c.UsageCacheTTL <= 0 {
		return fmt.Errorf("USAGE_CACHE_TTL must be positive")
	}
	if c.IsProduction() && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
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
