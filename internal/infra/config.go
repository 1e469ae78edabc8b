package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv string
	Port   string

	FALAPIKey  string
	FALBaseURL string

	RedisURL string

	StoragePath string

	MaxConcurrency   int
	QueueHighWater   int
	MaxRetryAttempts int
	RetryBackoffBase time.Duration
	RemoteTimeout    time.Duration

	CacheTTL     time.Duration
	JobRetention time.Duration

	RateLimitWindow        time.Duration
	RateLimitAPICount      int
	RateLimitUploadCount   int
	RateLimitGenerateCount int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "development"),
		Port:   getEnv("PORT", "8080"),

		FALAPIKey:  os.Getenv("FAL_API_KEY"),
		FALBaseURL: getEnv("FAL_BASE_URL", "https://queue.fal.run"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		StoragePath: getEnv("STORAGE_PATH", "./storage"),

		MaxConcurrency:   getEnvInt("MAX_CONCURRENCY", 10),
		QueueHighWater:   getEnvInt("QUEUE_HIGH_WATER", 100),
		MaxRetryAttempts: getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		RetryBackoffBase: getEnvDuration("RETRY_BACKOFF_BASE_MS", time.Millisecond, 500),
		RemoteTimeout:    getEnvDuration("REMOTE_TIMEOUT_SECONDS", time.Second, 300),

		CacheTTL:     getEnvDuration("CACHE_TTL_SECONDS", time.Second, 3600),
		JobRetention: getEnvDuration("JOB_RETENTION_SECONDS", time.Second, 1800),

		RateLimitWindow:        getEnvDuration("RATE_LIMIT_WINDOW_SECONDS", time.Second, 60),
		RateLimitAPICount:      getEnvInt("RATE_LIMIT_API_COUNT", 60),
		RateLimitUploadCount:   getEnvInt("RATE_LIMIT_UPLOAD_COUNT", 10),
		RateLimitGenerateCount: getEnvInt("RATE_LIMIT_GENERATE_COUNT", 6),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT_SECONDS", time.Second, 15),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT_SECONDS", time.Second, 60),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT_SECONDS", time.Second, 60),
	}

	if cfg.MaxConcurrency <= 0 {
		return nil, fmt.Errorf("MAX_CONCURRENCY must be positive")
	}
	if cfg.QueueHighWater < cfg.MaxConcurrency {
		return nil, fmt.Errorf("QUEUE_HIGH_WATER must be at least MAX_CONCURRENCY")
	}
	if cfg.MaxRetryAttempts <= 0 {
		return nil, fmt.Errorf("MAX_RETRY_ATTEMPTS must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, unit time.Duration, fallback int) time.Duration {
	return unit * time.Duration(getEnvInt(key, fallback))
}
