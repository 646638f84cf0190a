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
	LogLevel      string
	PublicBaseURL string
	DatabaseURL   string

	// Session lifecycle
	SessionTTL           time.Duration
	ExpirySweepInterval  time.Duration
	StuckMonitorInterval time.Duration

	// Slot retrieval / booking SLAs
	SlotResponseSLA   time.Duration
	SlotMaxRetries    int
	BookingSLA        time.Duration
	BookingMaxRetries int

	// Interface engine
	IEBaseURL     string
	IEAPIKey      string
	IEBearerToken string
	IETimeout     time.Duration
	IEMaxAttempts int
	IERetryBase   time.Duration

	// Audit retention
	AuditRetentionDays int

	// Identity secrets
	PhoneHashSalt      string
	PhoneEncryptionKey string
	PhoneKeyID         string

	// Inbound webhook auth
	OrderWebhookToken  string
	OrderWebhookSecret string

	// SMS providers
	TwilioAccountSID    string
	TwilioAuthToken     string
	TwilioWebhookSecret string
	TelnyxAPIKey        string
	TelnyxProfileID     string
	TelnyxWebhookSecret string

	// Org SMS config cache
	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	SMSConfigTTL  time.Duration

	// Booking duration aggregation, JSON map of modality -> "sum"|"max"
	DurationAggregationJSON string

	AdminJWTSecret string
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		DatabaseURL:   getEnv("DATABASE_URL", ""),

		SessionTTL:           time.Duration(getEnvAsInt("SESSION_TTL_HOURS", 24)) * time.Hour,
		ExpirySweepInterval:  time.Duration(getEnvAsInt("EXPIRY_SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		StuckMonitorInterval: time.Duration(getEnvAsInt("STUCK_MONITOR_INTERVAL_SECONDS", 60)) * time.Second,

		SlotResponseSLA:   time.Duration(getEnvAsInt("SLOT_RESPONSE_SLA_SECONDS", 90)) * time.Second,
		SlotMaxRetries:    getEnvAsInt("SLOT_MAX_RETRIES", 1),
		BookingSLA:        time.Duration(getEnvAsInt("BOOKING_SLA_SECONDS", 30)) * time.Second,
		BookingMaxRetries: getEnvAsInt("BOOKING_MAX_RETRIES", 1),

		IEBaseURL:     strings.TrimRight(getEnv("IE_BASE_URL", ""), "/"),
		IEAPIKey:      getEnv("IE_API_KEY", ""),
		IEBearerToken: getEnv("IE_BEARER_TOKEN", ""),
		IETimeout:     time.Duration(getEnvAsInt("IE_TIMEOUT_MS", 5000)) * time.Millisecond,
		IEMaxAttempts: getEnvAsInt("IE_MAX_ATTEMPTS", 3),
		IERetryBase:   getEnvAsDuration("IE_RETRY_BASE_DELAY", 2*time.Second),

		AuditRetentionDays: getEnvAsInt("AUDIT_RETENTION_DAYS", 2555),

		PhoneHashSalt:      getEnv("PHONE_HASH_SALT", ""),
		PhoneEncryptionKey: getEnv("PHONE_ENCRYPTION_KEY", ""),
		PhoneKeyID:         getEnv("PHONE_ENCRYPTION_KEY_ID", "v1"),

		OrderWebhookToken:  getEnv("ORDER_WEBHOOK_TOKEN", ""),
		OrderWebhookSecret: getEnv("ORDER_WEBHOOK_SECRET", ""),

		TwilioAccountSID:    getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:     getEnv("TWILIO_AUTH_TOKEN", ""),
		TwilioWebhookSecret: getEnv("TWILIO_WEBHOOK_SECRET", ""),
		TelnyxAPIKey:        getEnv("TELNYX_API_KEY", ""),
		TelnyxProfileID:     getEnv("TELNYX_MESSAGING_PROFILE_ID", ""),
		TelnyxWebhookSecret: getEnv("TELNYX_WEBHOOK_SECRET", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "redis:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		SMSConfigTTL:  getEnvAsDuration("SMS_CONFIG_CACHE_TTL", 60*time.Second),

		DurationAggregationJSON: getEnv("DURATION_AGGREGATION_JSON", ""),

		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),
	}
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
