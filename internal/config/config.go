package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every option the sync engine recognizes. Values are read
// from the environment once at process start; cmd binaries load .env via
// godotenv before calling Load.
type Config struct {
	// Stripe
	StripeSecretKey     string
	StripeAccountID     string // optional, Connect platforms
	StripeWebhookSecret string // optional static signing secret
	StripeAPIVersion    string

	// Engine behavior
	Schema                  string
	AutoExpandLists         bool
	BackfillRelatedEntities bool
	RevalidateEntities      []string
	EnableSigma             bool

	// Database
	DatabaseURL      string
	DBMaxConnections int32
	DBKeepAlive      bool

	// Retry / concurrency
	MaxRetries             int
	InitialRetryDelay      time.Duration
	MaxRetryDelay          time.Duration
	RetryJitter            float64
	MaxConcurrentCustomers int
	MaxConcurrentRuns      int

	// Worker
	WorkerQueueURL  string
	WorkerDLQURL    string
	WorkerSecret    string
	WorkerInterval  time.Duration
	WorkerBatchSize int

	// Managed webhooks
	WebhookTargetURL string

	// HTTP
	Port string
}

// Load reads the configuration from environment variables and validates
// the required keys.
func Load() (*Config, error) {
	cfg := &Config{
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeAccountID:         os.Getenv("STRIPE_ACCOUNT_ID"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIVersion:        os.Getenv("STRIPE_API_VERSION"),
		Schema:                  getEnv("SCHEMA", "stripe"),
		AutoExpandLists:         getBool("AUTO_EXPAND_LISTS", false),
		BackfillRelatedEntities: getBool("BACKFILL_RELATED_ENTITIES", true),
		RevalidateEntities:      splitList(os.Getenv("REVALIDATE_ENTITY_VIA_STRIPE_API")),
		EnableSigma:             getBool("ENABLE_SIGMA", false),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		DBMaxConnections:        int32(getInt("DB_MAX_CONNECTIONS", 10)),
		DBKeepAlive:             getBool("DB_KEEP_ALIVE", true),
		MaxRetries:              getInt("MAX_RETRIES", 3),
		InitialRetryDelay:       getDuration("INITIAL_RETRY_DELAY", time.Second),
		MaxRetryDelay:           getDuration("MAX_RETRY_DELAY", 30*time.Second),
		RetryJitter:             getFloat("RETRY_JITTER", 0.25),
		MaxConcurrentCustomers:  getInt("MAX_CONCURRENT_CUSTOMERS", 10),
		MaxConcurrentRuns:       getInt("MAX_CONCURRENT_RUNS", 5),
		WorkerQueueURL:          os.Getenv("WORKER_QUEUE_URL"),
		WorkerDLQURL:            os.Getenv("WORKER_DLQ_URL"),
		WorkerSecret:            os.Getenv("WORKER_SECRET"),
		WorkerInterval:          getDuration("WORKER_INTERVAL", 10*time.Second),
		WorkerBatchSize:         getInt("WORKER_BATCH_SIZE", 10),
		WebhookTargetURL:        os.Getenv("WEBHOOK_TARGET_URL"),
		Port:                    getEnv("PORT", "8080"),
	}

	if cfg.StripeSecretKey == "" {
		return nil, fmt.Errorf("STRIPE_SECRET_KEY environment variable is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if err := ValidateWorkerInterval(cfg.WorkerInterval); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateWorkerInterval checks that the interval maps onto a valid cron
// schedule: 1-59 seconds, or a whole-minute multiple below one hour.
func ValidateWorkerInterval(d time.Duration) error {
	secs := int64(d / time.Second)
	if d%time.Second != 0 || secs < 1 {
		return fmt.Errorf("worker interval %s is not a whole number of seconds", d)
	}
	if secs < 60 {
		return nil
	}
	if secs%60 == 0 && secs < 3600 {
		return nil
	}
	return fmt.Errorf("worker interval %s must be 1-59s or a minute multiple below one hour", d)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept both bare seconds ("30") and Go duration strings ("30s").
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
