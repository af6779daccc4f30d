package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL      string
	MetricsPort      int
	NATSURL          string
	NATSPort         int
	WorkerCount      int
	DefaultTimeoutMs int
	TelemetryEnabled bool
	OTLPEndpoint     string
	WebhookURLs      []string
	Environment      string
	LogLevel         string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", "botswarm.db"),
		MetricsPort:      getEnvIntOrDefault("METRICS_PORT", 9090),
		NATSURL:          getEnvOrDefault("NATS_URL", ""),
		NATSPort:         getEnvIntOrDefault("NATS_PORT", 4222),
		WorkerCount:      getEnvIntOrDefault("WORKER_COUNT", 4),
		DefaultTimeoutMs: getEnvIntOrDefault("DEFAULT_TIMEOUT_MS", 30000),
		TelemetryEnabled: getEnvBoolOrDefault("TELEMETRY_ENABLED", true),
		OTLPEndpoint:     getEnvOrDefault("OTLP_ENDPOINT", ""),
		WebhookURLs:      getEnvListOrDefault("WEBHOOK_URLS", nil),
		Environment:      getEnvOrDefault("ENVIRONMENT", "development"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must not be empty")
	}
	if cfg.WorkerCount < 1 {
		return nil, fmt.Errorf("WORKER_COUNT must be at least 1, got %d", cfg.WorkerCount)
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvListOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
