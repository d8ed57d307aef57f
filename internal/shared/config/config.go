package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port string
	Env  string

	// TrustProxy takes client addresses from X-Forwarded-For and X-Real-IP
	TrustProxy bool

	// Database
	DatabaseURL  string
	DBMaxRetries int

	// Redis (optional, enables shared rate limiting and replay)
	RedisURL string

	// Model runner
	RunnerKind         string
	RunnerURL          string
	RunnerAPIKey       string
	RunnerModel        string
	ModelPath          string
	RunnerTimeout      time.Duration
	RunnerQueueTimeout time.Duration

	// Rate limiting
	RateLimitRequests    int
	RateLimitWindow      time.Duration
	AccountRatePerMinute int

	// Billing
	TextPricePer1K float64
	ImagePrice     float64
	PricingFile    string

	// Accounts
	BcryptCost   int
	TouchWorkers int

	// Replay of idempotent requests
	ReplayTTL time.Duration

	// Stripe checkout
	StripeAPIKey     string
	StripeSuccessURL string
	StripeCancelURL  string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  getEnv("ENV", "development"),
		TrustProxy:           getEnvBool("TRUST_PROXY", false),
		DatabaseURL:          getEnv("DATABASE_URL", ""),
		DBMaxRetries:         getEnvInt("DB_MAX_RETRIES", 3),
		RedisURL:             getEnv("REDIS_URL", ""),
		RunnerKind:           getEnv("RUNNER_KIND", "http"),
		RunnerURL:            getEnv("RUNNER_URL", "http://localhost:9000"),
		RunnerAPIKey:         getEnv("RUNNER_API_KEY", ""),
		RunnerModel:          getEnv("RUNNER_MODEL", "kosmos-2"),
		ModelPath:            getEnv("MODEL_PATH", ""),
		RunnerTimeout:        getEnvDuration("RUNNER_TIMEOUT", 120*time.Second),
		RunnerQueueTimeout:   getEnvDuration("RUNNER_QUEUE_TIMEOUT", 30*time.Second),
		RateLimitRequests:    getEnvInt("RATE_LIMIT_REQUESTS", 5),
		RateLimitWindow:      getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		AccountRatePerMinute: getEnvInt("ACCOUNT_RATE_PER_MINUTE", 10),
		TextPricePer1K:       getEnvFloat("TEXT_PRICE_PER_1K", 0.20),
		ImagePrice:           getEnvFloat("IMAGE_PRICE", 0.50),
		PricingFile:          getEnv("PRICING_FILE", ""),
		BcryptCost:           getEnvInt("BCRYPT_COST", 10),
		TouchWorkers:         getEnvInt("TOUCH_WORKERS", 4),
		ReplayTTL:            getEnvDuration("REPLAY_TTL", 10*time.Minute),
		StripeAPIKey:         getEnv("STRIPE_API_KEY", ""),
		StripeSuccessURL:     getEnv("STRIPE_SUCCESS_URL", "https://example.com/success"),
		StripeCancelURL:      getEnv("STRIPE_CANCEL_URL", "https://example.com/cancel"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "console"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RunnerURL == "" {
		return fmt.Errorf("RUNNER_URL is required")
	}
	switch c.RunnerKind {
	case "http", "openai":
	default:
		return fmt.Errorf("RUNNER_KIND must be http or openai, got %q", c.RunnerKind)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.RunnerTimeout <= 0 || c.RunnerQueueTimeout <= 0 {
		return fmt.Errorf("RUNNER_TIMEOUT and RUNNER_QUEUE_TIMEOUT must be positive")
	}
	if c.TextPricePer1K < 0 || c.ImagePrice < 0 {
		return fmt.Errorf("prices cannot be negative")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
