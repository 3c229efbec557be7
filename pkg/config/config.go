package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds the application configuration
type Config struct {
	Environment string
	ServerPort  int
	LogLevel    string

	// Postgres
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis (provisioning status cache, readiness)
	RedisURL string

	// Kafka
	KafkaBrokers        []string
	WorkerCreationTopic string
	WorkerOutcomeTopic  string
	WorkerConsumerGroup string

	// Provisioning saga
	WorkerTimeoutMinutes int // timeout_at window on new requests
	PublishTimeoutMs     int // client-side bound on a single publish
	SweepIntervalSeconds int
	MaxPublishAttempts   int
	RetryBackoffSeconds  int

	// Auth
	JWTSecret           string
	MaxFailedLogins     int
	LockoutMinutes      int
	StatusCacheTTLSecs  int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := intEnv("SERVER_PORT", 8080)
	if err != nil {
		return nil, err
	}

	dbPort, err := intEnv("DB_PORT", 5432)
	if err != nil {
		return nil, err
	}

	workerTimeout, err := intEnv("WORKER_TIMEOUT_MINUTES", 30)
	if err != nil {
		return nil, err
	}

	publishTimeout, err := intEnv("PUBLISH_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}

	sweepInterval, err := intEnv("SWEEP_INTERVAL_SECONDS", 60)
	if err != nil {
		return nil, err
	}

	maxAttempts, err := intEnv("MAX_PUBLISH_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}

	retryBackoff, err := intEnv("RETRY_BACKOFF_SECONDS", 120)
	if err != nil {
		return nil, err
	}

	maxFailedLogins, err := intEnv("MAX_FAILED_LOGINS", 5)
	if err != nil {
		return nil, err
	}

	lockoutMinutes, err := intEnv("LOCKOUT_MINUTES", 15)
	if err != nil {
		return nil, err
	}

	statusCacheTTL, err := intEnv("STATUS_CACHE_TTL_SECONDS", 5)
	if err != nil {
		return nil, err
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  port,
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "condominio"),
		DBPassword: getEnv("DB_PASSWORD", "dev"),
		DBName:     getEnv("DB_NAME", "condominio"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379"),

		KafkaBrokers:        parseCSVEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		WorkerCreationTopic: getEnv("WORKER_CREATION_TOPIC", "worker.provisioning.requests"),
		WorkerOutcomeTopic:  getEnv("WORKER_OUTCOME_TOPIC", "worker.provisioning.results"),
		WorkerConsumerGroup: getEnv("WORKER_CONSUMER_GROUP", "condominio-provisioning"),

		WorkerTimeoutMinutes: workerTimeout,
		PublishTimeoutMs:     publishTimeout,
		SweepIntervalSeconds: sweepInterval,
		MaxPublishAttempts:   maxAttempts,
		RetryBackoffSeconds:  retryBackoff,

		JWTSecret:          getEnv("JWT_SECRET", ""),
		MaxFailedLogins:    maxFailedLogins,
		LockoutMinutes:     lockoutMinutes,
		StatusCacheTTLSecs: statusCacheTTL,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func parseCSVEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
