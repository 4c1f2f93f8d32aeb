// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database (in-memory stores when empty)
	DatabaseURL string

	// Authentication
	JWTSecret   string
	JWTTTL      time.Duration
	AdminSecret string

	// Subscription lifecycle
	TrialDays           int
	LookupPolicy        string // "fail_open" or "fail_closed"
	PricingRedirect     string
	ExpirySweepInterval time.Duration // 0 disables the sweeper

	// Audit trail
	AuditWriteTimeout time.Duration

	// Billing provider
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceIDs      map[string]string // plan id -> Stripe price id

	// HTTP edge
	RateLimitRPM   int // 0 disables rate limiting
	RateLimitBurst int
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
	DefaultJWTTTL              = 24 * time.Hour
	DefaultTrialDays           = 7
	DefaultLookupPolicy        = "fail_open"
	DefaultPricingRedirect     = "/pricing"
	DefaultExpirySweepInterval = 15 * time.Minute
	DefaultAuditWriteTimeout   = 5 * time.Second
	DefaultRateLimitRPM        = 120
	DefaultRateLimitBurst      = 20
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		JWTSecret:           os.Getenv("JWT_SECRET"),
		JWTTTL:              getEnvDuration("JWT_TTL", DefaultJWTTTL),
		AdminSecret:         os.Getenv("ADMIN_SECRET"),
		TrialDays:           getEnvInt("TRIAL_DAYS", DefaultTrialDays),
		LookupPolicy:        strings.ToLower(getEnv("SUBSCRIPTION_LOOKUP_POLICY", DefaultLookupPolicy)),
		PricingRedirect:     getEnv("PRICING_REDIRECT", DefaultPricingRedirect),
		ExpirySweepInterval: getEnvDuration("EXPIRY_SWEEP_INTERVAL", DefaultExpirySweepInterval),
		AuditWriteTimeout:   getEnvDuration("AUDIT_WRITE_TIMEOUT", DefaultAuditWriteTimeout),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceIDs:      parsePairs(os.Getenv("STRIPE_PRICE_IDS")),
		RateLimitRPM:        getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		RateLimitBurst:      getEnvInt("RATE_LIMIT_BURST", DefaultRateLimitBurst),
		AllowedOrigins:      splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.TrialDays <= 0 {
		return fmt.Errorf("TRIAL_DAYS must be positive, got %d", c.TrialDays)
	}
	switch c.LookupPolicy {
	case "fail_open", "fail_closed":
	default:
		return fmt.Errorf("SUBSCRIPTION_LOOKUP_POLICY must be fail_open or fail_closed, got %q", c.LookupPolicy)
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.RateLimitRPM < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must not be negative")
	}
	if c.AuditWriteTimeout <= 0 {
		return fmt.Errorf("AUDIT_WRITE_TIMEOUT must be positive")
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

// FailClosed reports whether subscription lookup errors deny the request.
func (c *Config) FailClosed() bool {
	return c.LookupPolicy == "fail_closed"
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
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// parsePairs parses "a=1,b=2" into a map. Malformed pairs are skipped.
func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
