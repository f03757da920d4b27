package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_WithValidConfig(t *testing.T) {
	// Set required env vars
	setEnv(t, "INBOUND_WEBHOOK_TOKEN", "inbound-secret")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "INTERNAL_API_TOKEN", "internal-secret")
	setEnv(t, "PORT", "9090")
	setEnv(t, "GRACE_PERIOD", "10m")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultResponseDeadlineHours, cfg.ResponseDeadlineHours)
	assert.Equal(t, 10*time.Minute, cfg.GracePeriod)
	assert.Equal(t, DefaultRecipientShare, cfg.RecipientSharePercent)
	assert.Equal(t, DefaultReplyDomain, cfg.ReplyDomain)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
}

func TestLoad_MissingInboundToken(t *testing.T) {
	setEnv(t, "INBOUND_WEBHOOK_TOKEN", "")
	setEnv(t, "STRIPE_WEBHOOK_SECRET", "whsec_test")
	setEnv(t, "INTERNAL_API_TOKEN", "internal-secret")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "INBOUND_WEBHOOK_TOKEN is required")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		InboundWebhookToken:   "inbound-secret",
		StripeWebhookSecret:   "whsec_test",
		InternalAPIToken:      "internal-secret",
		ResponseDeadlineHours: 48,
		RecipientSharePercent: 75,
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "missing inbound token",
			mutate:  func(c *Config) { c.InboundWebhookToken = "" },
			wantErr: "INBOUND_WEBHOOK_TOKEN is required",
		},
		{
			name:    "missing stripe webhook secret",
			mutate:  func(c *Config) { c.StripeWebhookSecret = "" },
			wantErr: "STRIPE_WEBHOOK_SECRET is required",
		},
		{
			name:    "missing internal token",
			mutate:  func(c *Config) { c.InternalAPIToken = "" },
			wantErr: "INTERNAL_API_TOKEN is required",
		},
		{
			name:    "non-positive deadline",
			mutate:  func(c *Config) { c.ResponseDeadlineHours = 0 },
			wantErr: "RESPONSE_DEADLINE_HOURS must be positive",
		},
		{
			name:    "share over 100",
			mutate:  func(c *Config) { c.RecipientSharePercent = 101 },
			wantErr: "RECIPIENT_SHARE_PERCENT must be in (0, 100]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, 42, getEnvInt("TEST_INT", 0))
	assert.Equal(t, 99, getEnvInt("NONEXISTENT_VAR", 99))
	assert.Equal(t, 99, getEnvInt("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "30s")
	setEnv(t, "TEST_NEGATIVE", "-5s")

	assert.Equal(t, 30*time.Second, getEnvDuration("TEST_DUR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("NONEXISTENT_VAR", time.Minute))
	assert.Equal(t, time.Minute, getEnvDuration("TEST_NEGATIVE", time.Minute))
}
