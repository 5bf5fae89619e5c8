package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	AppHost                      string
	AppPort                      string
	GinMode                      string
	ServerShutdownTimeoutSeconds int

	// Access control
	AllowedIPs         string // CSV of IPs/CIDRs, empty = allow all
	TrustXForwardedFor bool
	AdminAPIKey        string

	// Downstream webhook targets
	WebhookTargetAllowlist     string // CSV of host suffixes
	BlockPrivateWebhookTargets bool

	// Database
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Twitch
	TwitchClientID                  string
	TwitchClientSecret              string
	TwitchRedirectURI               string
	TwitchScopes                    string
	TwitchEventSubWSURL             string
	TwitchEventSubWebhookCallback   string
	TwitchEventSubWebhookSecret     string // 10-100 chars per Twitch requirements
	TwitchEventSubWebhookEventTypes string

	// Service credentials
	ServiceSigningSecret string

	// Lifecycle tunables
	WSListenerCooldown            time.Duration
	InterestDisconnectGrace       time.Duration
	InterestHeartbeatTimeout      time.Duration
	InterestUnsubscribeAfterStale time.Duration
	GCInterval                    time.Duration
	SubscriptionErrorCooldown     time.Duration
	DedupeTTL                     time.Duration
	WSTokenTTL                    time.Duration
	ActiveSubsCacheTTL            time.Duration
	NameCacheTTL                  time.Duration
	ChatAssetsTTL                 time.Duration
	ChatAssetsStaleIfError        time.Duration
	WebhookDeliveryTimeout        time.Duration

	// Fan-out
	FanoutConcurrency int

	// Traces
	TraceMaxChars int

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		AppHost:                      getEnvOrDefault("APP_HOST", "0.0.0.0"),
		AppPort:                      getEnvOrDefault("APP_PORT", "8080"),
		GinMode:                      getEnvOrDefault("GIN_MODE", "release"),
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// Access control
		AllowedIPs:         getEnvOrDefault("APP_ALLOWED_IPS", ""),
		TrustXForwardedFor: getEnvAsBool("APP_TRUST_X_FORWARDED_FOR", false),
		AdminAPIKey:        getEnvOrDefault("ADMIN_API_KEY", ""),

		// Downstream webhook targets
		WebhookTargetAllowlist:     getEnvOrDefault("APP_WEBHOOK_TARGET_ALLOWLIST", ""),
		BlockPrivateWebhookTargets: getEnvAsBool("APP_BLOCK_PRIVATE_WEBHOOK_TARGETS", true),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/twitch_bridge?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Twitch
		TwitchClientID:                  getEnvOrDefault("TWITCH_CLIENT_ID", ""),
		TwitchClientSecret:              getEnvOrDefault("TWITCH_CLIENT_SECRET", ""),
		TwitchRedirectURI:               getEnvOrDefault("TWITCH_REDIRECT_URI", ""),
		TwitchScopes:                    getEnvOrDefault("TWITCH_SCOPES", ""),
		TwitchEventSubWSURL:             getEnvOrDefault("TWITCH_EVENTSUB_WS_URL", "wss://eventsub.wss.twitch.tv/ws"),
		TwitchEventSubWebhookCallback:   getEnvOrDefault("TWITCH_EVENTSUB_WEBHOOK_CALLBACK_URL", ""),
		TwitchEventSubWebhookSecret:     getEnvOrDefault("TWITCH_EVENTSUB_WEBHOOK_SECRET", ""),
		TwitchEventSubWebhookEventTypes: getEnvOrDefault("TWITCH_EVENTSUB_WEBHOOK_EVENT_TYPES", "stream.online,stream.offline"),

		// Service credentials
		ServiceSigningSecret: getEnvOrDefault("SERVICE_SIGNING_SECRET", ""),

		// Lifecycle tunables
		WSListenerCooldown:            getEnvAsDuration("WS_LISTENER_COOLDOWN", 15*time.Minute),
		InterestDisconnectGrace:       getEnvAsDuration("INTEREST_DISCONNECT_GRACE", 15*time.Minute),
		InterestHeartbeatTimeout:      getEnvAsDuration("INTEREST_HEARTBEAT_TIMEOUT", 30*time.Minute),
		InterestUnsubscribeAfterStale: getEnvAsDuration("INTEREST_UNSUBSCRIBE_AFTER_STALE", 24*time.Hour),
		GCInterval:                    getEnvAsDuration("GC_INTERVAL", time.Minute),
		SubscriptionErrorCooldown:     getEnvAsDuration("SUBSCRIPTION_ERROR_COOLDOWN", time.Minute),
		DedupeTTL:                     getEnvAsDuration("DEDUPE_TTL", 10*time.Minute),
		WSTokenTTL:                    getEnvAsDuration("WS_TOKEN_TTL", time.Minute),
		ActiveSubsCacheTTL:            getEnvAsDuration("ACTIVE_SUBS_CACHE_TTL", 30*time.Second),
		NameCacheTTL:                  getEnvAsDuration("NAME_CACHE_TTL", 15*time.Minute),
		ChatAssetsTTL:                 getEnvAsDuration("CHAT_ASSETS_TTL", 6*time.Hour),
		ChatAssetsStaleIfError:        getEnvAsDuration("CHAT_ASSETS_STALE_IF_ERROR", 24*time.Hour),
		WebhookDeliveryTimeout:        getEnvAsDuration("WEBHOOK_DELIVERY_TIMEOUT", 10*time.Second),

		// Fan-out
		FanoutConcurrency: getEnvAsInt("FANOUT_CONCURRENCY", 32),

		// Traces
		TraceMaxChars: getEnvAsInt("TRACE_MAX_CHARS", 12000),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	if AppConfig.TwitchClientID == "" || AppConfig.TwitchClientSecret == "" {
		log.Println("Warning: Twitch credentials are missing. Please set TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET environment variables.")
	}

	if AppConfig.AdminAPIKey == "" {
		log.Println("Warning: ADMIN_API_KEY is not set, admin endpoints will reject all requests")
	}

	if secret := AppConfig.TwitchEventSubWebhookSecret; secret != "" {
		if len(secret) < 10 || len(secret) > 100 {
			log.Fatalf("TWITCH_EVENTSUB_WEBHOOK_SECRET must be 10-100 characters, got %d", len(secret))
		}
	}

	if AppConfig.TwitchEventSubWebhookCallback != "" && AppConfig.TwitchEventSubWebhookSecret == "" {
		log.Println("Warning: webhook callback URL is set without TWITCH_EVENTSUB_WEBHOOK_SECRET, webhook transport stays disabled")
	}
}

// WebhookTransportAvailable reports whether upstream webhook delivery can be used.
func (c *Config) WebhookTransportAvailable() bool {
	return c.TwitchEventSubWebhookCallback != "" && c.TwitchEventSubWebhookSecret != ""
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as bool, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}
