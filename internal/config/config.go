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
	Host      string
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Run goose migrations at boot

	// Marketplace economics
	InitialCredits     int64   // Granted to every new agent
	PlatformFeePercent float64 // Platform's cut of every settled task, 0-50
	MaxCreditsLimit    int64   // Upper bound for a task's max_credits
	MatchCredits       int64   // Payment for a completed match system task
	VerifyCredits      int64   // Payment for a completed verify system task

	// Task windows
	TaskExpire            time.Duration // How long a posted task waits for a claim
	DefaultReviewWindow   time.Duration // Poster review window after delivery
	DefaultClaimWindow    time.Duration // Worker delivery window after claim
	MatchTimeout          time.Duration // How long matching may stay pending
	VerifyTimeout         time.Duration // How long verification may stay pending
	SystemReviewWindow    time.Duration // Auto-approval window for delivered system tasks
	MaxRejections         int           // Rejections before a task goes terminal
	MaxMatchedAgents      int           // Cap on TaskMatch rows per task
	MaxWaitSeconds        int           // Long-poll cap on task reads
	MaxUnansweredQuestion int           // Open questions allowed per task

	// Abandon cooldown
	MaxAbandons     int           // Abandons before the cooldown kicks in
	AbandonCooldown time.Duration

	// Background loops
	ReaperInterval    time.Duration
	ReconcileInterval time.Duration

	// Rate limits (requests per minute per caller)
	RateLimitRegister int
	RateLimitCreate   int
	RateLimitPickup   int
	RateLimitDeliver  int
	RateLimitRead     int
	RateLimitAdmin    int

	// Event delivery
	EventBuffer    int           // Per-subscriber buffered events before dropping
	WebhookTimeout time.Duration
	WebhookRetries int

	// Security
	AdminKey string // Empty disables admin routes

	// Observability
	OTLPEndpoint string
}

// Defaults mirror the hosted marketplace's production settings.
const (
	DefaultHost            = "0.0.0.0"
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultInitialCredits  = 100
	DefaultFeePercent      = 10.0
	DefaultMaxCredits      = 100_000
	DefaultMatchCredits    = 3
	DefaultVerifyCredits   = 5
	DefaultMaxRejections   = 3
	DefaultMaxMatched      = 20
	DefaultMaxWaitSeconds  = 300
	DefaultMaxAbandons     = 5
	DefaultEventBuffer     = 64
	DefaultWebhookRetries  = 3
	DefaultMaxUnanswered   = 5
	DefaultRateRegister    = 5
	DefaultRateCreate      = 30
	DefaultRatePickup      = 60
	DefaultRateDeliver     = 30
	DefaultRateRead        = 120
	DefaultRateAdmin       = 30
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Host:      getEnv("PINCHWORK_HOST", DefaultHost),
		Port:      getEnv("PINCHWORK_PORT", DefaultPort),
		Env:       getEnv("PINCHWORK_ENV", DefaultEnv),
		LogLevel:  getEnv("PINCHWORK_LOG_LEVEL", DefaultLogLevel),
		LogFormat: getEnv("PINCHWORK_LOG_FORMAT", "text"),

		DatabaseURL: os.Getenv("PINCHWORK_DATABASE_URL"),
		AutoMigrate: getEnvBool("PINCHWORK_AUTO_MIGRATE", false),

		InitialCredits:     getEnvInt64("PINCHWORK_INITIAL_CREDITS", DefaultInitialCredits),
		PlatformFeePercent: getEnvFloat("PINCHWORK_FEE_PERCENT", DefaultFeePercent),
		MaxCreditsLimit:    getEnvInt64("PINCHWORK_MAX_CREDITS", DefaultMaxCredits),
		MatchCredits:       getEnvInt64("PINCHWORK_MATCH_CREDITS", DefaultMatchCredits),
		VerifyCredits:      getEnvInt64("PINCHWORK_VERIFY_CREDITS", DefaultVerifyCredits),

		TaskExpire:          getEnvDuration("PINCHWORK_TASK_EXPIRE", 72*time.Hour),
		DefaultReviewWindow: getEnvDuration("PINCHWORK_REVIEW_WINDOW", 30*time.Minute),
		DefaultClaimWindow:  getEnvDuration("PINCHWORK_CLAIM_WINDOW", 10*time.Minute),
		MatchTimeout:        getEnvDuration("PINCHWORK_MATCH_TIMEOUT", 120*time.Second),
		VerifyTimeout:       getEnvDuration("PINCHWORK_VERIFY_TIMEOUT", 120*time.Second),
		SystemReviewWindow:  getEnvDuration("PINCHWORK_SYSTEM_REVIEW_WINDOW", 60*time.Second),

		MaxRejections:         int(getEnvInt64("PINCHWORK_MAX_REJECTIONS", DefaultMaxRejections)),
		MaxMatchedAgents:      int(getEnvInt64("PINCHWORK_MAX_MATCHED_AGENTS", DefaultMaxMatched)),
		MaxWaitSeconds:        int(getEnvInt64("PINCHWORK_MAX_WAIT_SECONDS", DefaultMaxWaitSeconds)),
		MaxUnansweredQuestion: int(getEnvInt64("PINCHWORK_MAX_UNANSWERED_QUESTIONS", DefaultMaxUnanswered)),

		MaxAbandons:     int(getEnvInt64("PINCHWORK_MAX_ABANDONS", DefaultMaxAbandons)),
		AbandonCooldown: getEnvDuration("PINCHWORK_ABANDON_COOLDOWN", 30*time.Minute),

		ReaperInterval:    getEnvDuration("PINCHWORK_REAPER_INTERVAL", 10*time.Second),
		ReconcileInterval: getEnvDuration("PINCHWORK_RECONCILE_INTERVAL", 5*time.Minute),

		RateLimitRegister: int(getEnvInt64("PINCHWORK_RATE_REGISTER", DefaultRateRegister)),
		RateLimitCreate:   int(getEnvInt64("PINCHWORK_RATE_CREATE", DefaultRateCreate)),
		RateLimitPickup:   int(getEnvInt64("PINCHWORK_RATE_PICKUP", DefaultRatePickup)),
		RateLimitDeliver:  int(getEnvInt64("PINCHWORK_RATE_DELIVER", DefaultRateDeliver)),
		RateLimitRead:     int(getEnvInt64("PINCHWORK_RATE_READ", DefaultRateRead)),
		RateLimitAdmin:    int(getEnvInt64("PINCHWORK_RATE_ADMIN", DefaultRateAdmin)),

		EventBuffer:    int(getEnvInt64("PINCHWORK_EVENT_BUFFER", DefaultEventBuffer)),
		WebhookTimeout: getEnvDuration("PINCHWORK_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookRetries: int(getEnvInt64("PINCHWORK_WEBHOOK_RETRIES", DefaultWebhookRetries)),

		AdminKey: os.Getenv("PINCHWORK_ADMIN_KEY"),

		OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks configuration bounds.
func (c *Config) Validate() error {
	if c.PlatformFeePercent < 0 || c.PlatformFeePercent > 50 {
		return fmt.Errorf("PINCHWORK_FEE_PERCENT must be between 0 and 50, got %.1f", c.PlatformFeePercent)
	}
	if c.InitialCredits < 0 {
		return fmt.Errorf("PINCHWORK_INITIAL_CREDITS must be non-negative")
	}
	if c.MaxCreditsLimit < 1 {
		return fmt.Errorf("PINCHWORK_MAX_CREDITS must be at least 1")
	}
	if c.MaxRejections < 1 {
		return fmt.Errorf("PINCHWORK_MAX_REJECTIONS must be at least 1")
	}
	if c.ReaperInterval < time.Second {
		return fmt.Errorf("PINCHWORK_REAPER_INTERVAL must be at least 1s")
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

// Addr returns the host:port the server listens on.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
