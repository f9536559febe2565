// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
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
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Upstream services
	RiskAPIURL    string
	PaymentAPIURL string
	HTTPTimeout   time.Duration

	// Purchase terms. The token and key have no defaults and must come from the environment.
	PaymentAdminToken string
	SellerVKey        string
	PaymentNetwork    string
	PaymentType       string

	// Polling bounds (zero disables a bound)
	PollDeadline    time.Duration
	PollMaxAttempts int

	// Upstream circuit breaker
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// HTTP surface
	RateLimitRPM   int
	RateLimitBurst int
	AllowedOrigins []string

	// Input presets (optional YAML file)
	PresetsFile string

	// Result webhooks (optional)
	WebhookURLs   []string
	WebhookSecret string

	// Tracing (optional)
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultRiskAPIURL       = "http://localhost:3000/api"
	DefaultPaymentAPIURL    = "http://localhost:3000/payment-api"
	DefaultPaymentNetwork   = "Preprod"
	DefaultPaymentType      = "Web3CardanoV1"
	DefaultHTTPTimeout      = 60 * time.Second
	DefaultPollDeadline     = 6 * time.Hour
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 30 * time.Second
	DefaultRateLimitRPM     = 60
	DefaultRateLimitBurst   = 10
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RiskAPIURL:        strings.TrimRight(getEnv("RISK_API_URL", DefaultRiskAPIURL), "/"),
		PaymentAPIURL:     strings.TrimRight(getEnv("PAYMENT_API_URL", DefaultPaymentAPIURL), "/"),
		HTTPTimeout:       getEnvDuration("HTTP_TIMEOUT", DefaultHTTPTimeout),
		PaymentAdminToken: os.Getenv("PAYMENT_ADMIN_TOKEN"), // Required, no default
		SellerVKey:        os.Getenv("SELLER_VKEY"),         // Required, no default
		PaymentNetwork:    getEnv("PAYMENT_NETWORK", DefaultPaymentNetwork),
		PaymentType:       getEnv("PAYMENT_TYPE", DefaultPaymentType),
		PollDeadline:      getEnvDuration("POLL_DEADLINE", DefaultPollDeadline),
		PollMaxAttempts:   int(getEnvInt64("POLL_MAX_ATTEMPTS", 0)),
		BreakerThreshold:  int(getEnvInt64("BREAKER_THRESHOLD", DefaultBreakerThreshold)),
		BreakerCooldown:   getEnvDuration("BREAKER_COOLDOWN", DefaultBreakerCooldown),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		AllowedOrigins:    splitList(getEnv("ALLOWED_ORIGINS", "*")),
		PresetsFile:       os.Getenv("PRESETS_FILE"),
		WebhookURLs:       splitList(os.Getenv("WEBHOOK_URLS")),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PaymentAdminToken == "" {
		return fmt.Errorf("PAYMENT_ADMIN_TOKEN is required")
	}
	if c.SellerVKey == "" {
		return fmt.Errorf("SELLER_VKEY is required")
	}

	for name, raw := range map[string]string{"RISK_API_URL": c.RiskAPIURL, "PAYMENT_API_URL": c.PaymentAPIURL} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("%s must be an absolute http(s) URL", name)
		}
	}

	for _, raw := range c.WebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("WEBHOOK_URLS entries must be absolute http(s) URLs")
		}
	}

	if c.PaymentNetwork != "Preprod" && c.PaymentNetwork != "Mainnet" {
		return fmt.Errorf("PAYMENT_NETWORK must be Preprod or Mainnet")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("HTTP_TIMEOUT must be positive")
	}
	if c.PollDeadline < 0 || c.PollMaxAttempts < 0 {
		return fmt.Errorf("poll bounds must not be negative")
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

// getEnvDuration accepts Go durations ("90s") or bare milliseconds ("120000").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
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
