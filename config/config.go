package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr      string
	ResultCacheTTL time.Duration // default: 7 days

	// Vision model
	VisionAPIKey  string
	VisionBaseURL string // default: https://api.openai.com/v1
	VisionModel   string // default: gpt-4o-mini

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate limiting
	RateLimitRequests int           // requests per window per site, default: 60
	RateLimitWindow   time.Duration // default: 60s

	// Admin
	AdminSecret string // gates the cache-flush endpoint
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		VisionAPIKey:         os.Getenv("VISION_API_KEY"),
		VisionBaseURL:        getEnv("VISION_BASE_URL", "https://api.openai.com/v1"),
		VisionModel:          getEnv("VISION_MODEL", "gpt-4o-mini"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	ttlHours, err := getEnvInt("RESULT_CACHE_TTL_HOURS", 7*24)
	if err != nil {
		return nil, err
	}
	cfg.ResultCacheTTL = time.Duration(ttlHours) * time.Hour

	cfg.RateLimitRequests, err = getEnvInt("RATE_LIMIT_REQUESTS", 60)
	if err != nil {
		return nil, err
	}

	windowSecs, err := getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)
	if err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Duration(windowSecs) * time.Second

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.VisionAPIKey == "" {
		return nil, fmt.Errorf("VISION_API_KEY is required")
	}
	if cfg.AdminSecret == "" {
		return nil, fmt.Errorf("ADMIN_SECRET is required")
	}
	// REDIS_ADDR is optional: without it the service runs on process-local
	// cache and rate-limit stores, which is only suitable for a single process.

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
