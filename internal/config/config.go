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

	// Escrow settings
	ResponseDeadlineHours int           // default response window for new escrows
	GracePeriod           time.Duration // extra window after the deadline during which a response still releases funds
	RecipientSharePercent int           // recipient's share of the message price, resolved at escrow creation
	Currency              string

	// Inbound email
	ReplyDomain         string // host part of reply+{messageId}@<ReplyDomain> addresses
	InboundWebhookToken string // Basic Auth secret for the inbound-email webhook

	// Payments (Stripe)
	StripeSecretKey     string
	StripeWebhookSecret string

	// Outbound email
	EmailAPIURL   string
	EmailAPIToken string
	EmailFrom     string

	// Internal API
	InternalAPIToken string // bearer token for /internal/* endpoints

	// Background jobs
	SweepInterval     time.Duration
	ReconcileInterval time.Duration

	// Observability
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultResponseDeadlineHours = 48
	DefaultGracePeriod           = 15 * time.Minute
	DefaultRecipientShare        = 75
	DefaultCurrency              = "usd"
	DefaultReplyDomain           = "reply.replygate.com"
	DefaultEmailAPIURL           = "https://api.postmarkapp.com/email"
	DefaultSweepInterval         = time.Minute
	DefaultReconcileInterval     = 5 * time.Minute
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ResponseDeadlineHours: getEnvInt("RESPONSE_DEADLINE_HOURS", DefaultResponseDeadlineHours),
		GracePeriod:           getEnvDuration("GRACE_PERIOD", DefaultGracePeriod),
		RecipientSharePercent: getEnvInt("RECIPIENT_SHARE_PERCENT", DefaultRecipientShare),
		Currency:              getEnv("CURRENCY", DefaultCurrency),
		ReplyDomain:           getEnv("REPLY_DOMAIN", DefaultReplyDomain),
		InboundWebhookToken:   os.Getenv("INBOUND_WEBHOOK_TOKEN"), // Required, no default
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"), // Required, no default
		EmailAPIURL:           getEnv("EMAIL_API_URL", DefaultEmailAPIURL),
		EmailAPIToken:         os.Getenv("EMAIL_API_TOKEN"),
		EmailFrom:             getEnv("EMAIL_FROM", "no-reply@replygate.com"),
		InternalAPIToken:      os.Getenv("INTERNAL_API_TOKEN"),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// A missing webhook secret must stop the process before any request is
// served — processing unauthenticated webhooks moves money.
func (c *Config) Validate() error {
	if c.InboundWebhookToken == "" {
		return fmt.Errorf("INBOUND_WEBHOOK_TOKEN is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.InternalAPIToken == "" {
		return fmt.Errorf("INTERNAL_API_TOKEN is required")
	}
	if c.ResponseDeadlineHours <= 0 {
		return fmt.Errorf("RESPONSE_DEADLINE_HOURS must be positive")
	}
	if c.RecipientSharePercent <= 0 || c.RecipientSharePercent > 100 {
		return fmt.Errorf("RECIPIENT_SHARE_PERCENT must be in (0, 100]")
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

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
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
