package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string
	DatabaseURL   string

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool

	// Clinic / billing
	ClinicTimezone string
	GSTRateBasis   int // basis points, e.g. 1000 = 10%

	// Stripe (card payment sheets and hosted checkout sessions)
	StripeSecretKey     string
	StripeWebhookSecret string
	StripeBaseURL       string
	StripeSuccessURL    string
	StripeCancelURL     string

	// Saved-card token gateway
	CardTokenBaseURL       string
	CardTokenAPIKey        string
	CardTokenWebhookSecret string

	// Gateway retry policy (shared by Stripe and the token gateway)
	GatewayRetryMaxAttempts int
	GatewayRetryBaseDelay   time.Duration

	// EMR mirror
	EMRBaseURL          string
	EMRAPIKey           string
	EMRWebhookPublicKey string // hex-encoded Ed25519 public key
	EMRPageBudget       int
	EMRRetryMaxAttempts int
	EMRRetryBaseDelay   time.Duration

	// Scheduler intervals
	SyncInterval           time.Duration
	PendingQueueInterval   time.Duration
	ReconciliationInterval time.Duration

	// Reconciliation fee schedule overrides (JSON, optional)
	FeeScheduleJSON string

	AccountJWTSecret   string
	AdminJWTSecret     string
	CORSAllowedOrigins []string
}

// Load reads configuration from environment variables
func Load() *Config {
	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),

		ClinicTimezone: getEnv("CLINIC_TZ", "Asia/Singapore"),
		GSTRateBasis:   getEnvAsInt("GST_RATE_BASIS", 1000),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
		StripeBaseURL:       getEnv("STRIPE_BASE_URL", ""),
		StripeSuccessURL:    getEnv("STRIPE_SUCCESS_URL", ""),
		StripeCancelURL:     getEnv("STRIPE_CANCEL_URL", ""),

		CardTokenBaseURL:       getEnv("CARD_TOKEN_BASE_URL", ""),
		CardTokenAPIKey:        getEnv("CARD_TOKEN_API_KEY", ""),
		CardTokenWebhookSecret: getEnv("CARD_TOKEN_WEBHOOK_SECRET", ""),

		GatewayRetryMaxAttempts: getEnvAsInt("GATEWAY_RETRY_MAX_ATTEMPTS", 3),
		GatewayRetryBaseDelay:   getEnvAsDuration("GATEWAY_RETRY_BASE_DELAY", 500*time.Millisecond),

		EMRBaseURL:          getEnv("EMR_BASE_URL", ""),
		EMRAPIKey:           getEnv("EMR_API_KEY", ""),
		EMRWebhookPublicKey: getEnv("EMR_WEBHOOK_PUBLIC_KEY", ""),
		EMRPageBudget:       getEnvAsInt("EMR_PAGE_BUDGET", 5),
		EMRRetryMaxAttempts: getEnvAsInt("EMR_RETRY_MAX_ATTEMPTS", 3),
		EMRRetryBaseDelay:   getEnvAsDuration("EMR_RETRY_BASE_DELAY", 500*time.Millisecond),

		SyncInterval:           getEnvAsDuration("EMR_SYNC_INTERVAL", time.Minute),
		PendingQueueInterval:   getEnvAsDuration("PENDING_QUEUE_INTERVAL", 5*time.Minute),
		ReconciliationInterval: getEnvAsDuration("RECONCILIATION_INTERVAL", 30*time.Minute),

		FeeScheduleJSON: getEnv("FEE_SCHEDULE_JSON", ""),

		AccountJWTSecret:   getEnv("ACCOUNT_JWT_SECRET", ""),
		AdminJWTSecret:     getEnv("ADMIN_JWT_SECRET", ""),
		CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", nil),
	}

	// Hosted-checkout redirect URLs default onto the public base URL.
	if base := strings.TrimRight(cfg.PublicBaseURL, "/"); base != "" {
		if cfg.StripeSuccessURL == "" {
			cfg.StripeSuccessURL = base + "/payments/success"
		}
		if cfg.StripeCancelURL == "" {
			cfg.StripeCancelURL = base + "/payments/cancel"
		}
	}
	return cfg
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
