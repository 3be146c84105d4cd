package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration loaded from the environment
// and, optionally, a YAML file named by CONFIG_FILE.
type Config struct {
	Port          int
	AppEnv        string
	DatabaseURL   string
	RedisURL      string
	JWTSecret     string
	EncryptionKey string
	CORSOrigins   []string

	StripeSecretKey     string
	StripeWebhookSecret string
	MockWebhookSecret   string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string
	Currency            string

	ReferralRate      float64
	CutoffLeadDays    int
	DueJobRRule       string
	ProcessingTimeout time.Duration
	OverdueGrace      time.Duration
	RetryFailedAfter  time.Duration
	MaxChargeAttempts int
	JobConcurrency    int
	OpsEmail          string
}

// Development reports whether the process runs with development defaults.
func (c *Config) Development() bool {
	return c.AppEnv == "development"
}

// UseMockGateway reports whether the in-memory gateway replaces Stripe.
func (c *Config) UseMockGateway() bool {
	return c.StripeSecretKey == ""
}

// LoadDotEnv reads a .env file if one exists (for local development).
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

// Load reads configuration with sensible defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if file := v.GetString("CONFIG_FILE"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Port:          v.GetInt("PORT"),
		AppEnv:        v.GetString("APP_ENV"),
		DatabaseURL:   v.GetString("DATABASE_URL"),
		RedisURL:      v.GetString("REDIS_URL"),
		JWTSecret:     v.GetString("JWT_SECRET"),
		EncryptionKey: v.GetString("ENCRYPTION_KEY"),
		CORSOrigins:   splitList(v.GetString("CORS_ORIGINS")),

		StripeSecretKey:     v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
		MockWebhookSecret:   v.GetString("MOCK_WEBHOOK_SECRET"),
		CheckoutSuccessURL:  v.GetString("CHECKOUT_SUCCESS_URL"),
		CheckoutCancelURL:   v.GetString("CHECKOUT_CANCEL_URL"),
		Currency:            strings.ToLower(v.GetString("CURRENCY")),

		ReferralRate:      v.GetFloat64("REFERRAL_RATE"),
		CutoffLeadDays:    v.GetInt("CUTOFF_LEAD_DAYS"),
		DueJobRRule:       v.GetString("DUE_JOB_RRULE"),
		ProcessingTimeout: v.GetDuration("PROCESSING_TIMEOUT"),
		OverdueGrace:      v.GetDuration("OVERDUE_GRACE"),
		RetryFailedAfter:  v.GetDuration("RETRY_FAILED_AFTER"),
		MaxChargeAttempts: v.GetInt("MAX_CHARGE_ATTEMPTS"),
		JobConcurrency:    v.GetInt("JOB_CONCURRENCY"),
		OpsEmail:          v.GetString("OPS_EMAIL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 4001)
	v.SetDefault("APP_ENV", "production")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("CHECKOUT_SUCCESS_URL", "http://localhost:3000/bookings/success")
	v.SetDefault("CHECKOUT_CANCEL_URL", "http://localhost:3000/bookings/cancelled")
	v.SetDefault("CURRENCY", "usd")
	v.SetDefault("REFERRAL_RATE", 0.01)
	v.SetDefault("CUTOFF_LEAD_DAYS", 30)
	v.SetDefault("DUE_JOB_RRULE", "FREQ=DAILY;BYHOUR=3;BYMINUTE=0;BYSECOND=0")
	v.SetDefault("PROCESSING_TIMEOUT", "2h")
	v.SetDefault("OVERDUE_GRACE", "72h")
	v.SetDefault("RETRY_FAILED_AFTER", "0s")
	v.SetDefault("MAX_CHARGE_ATTEMPTS", 3)
	v.SetDefault("JOB_CONCURRENCY", 4)
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required (must be exactly 32 bytes)")
	}
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.UseMockGateway() {
		if !c.Development() {
			return fmt.Errorf("STRIPE_SECRET_KEY is required outside development")
		}
		if c.MockWebhookSecret == "" {
			return fmt.Errorf("MOCK_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is unset")
		}
	} else if c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required")
	}
	if c.ReferralRate < 0 || c.ReferralRate >= 1 {
		return fmt.Errorf("REFERRAL_RATE must be in [0, 1), got %v", c.ReferralRate)
	}
	if c.MaxChargeAttempts < 1 {
		return fmt.Errorf("MAX_CHARGE_ATTEMPTS must be at least 1")
	}
	if c.JobConcurrency < 1 {
		c.JobConcurrency = 1
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
