package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	// Server
	Port        string // default: 8080
	Environment string // "development" or "production"

	// Providers
	GeminiAPIKey     string
	OpenRouterAPIKey string
	GeminiModels     []string
	OpenRouterModel  string
	ProviderTimeout  time.Duration // default: 5s

	// Input
	MaxInputChars int // 0 disables the check

	// Rate Limiting
	ImproveLimit        RouteLimit
	TeacherLimit        RouteLimit
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Optional backing stores
	RedisAddr   string
	PostgresDSN string

	// ServiceToken lets first-party services such as the bot act for a user
	// via X-User-ID. Empty disables per-user identity.
	ServiceToken string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	LogLevel             string
	LogFormat            string // "text" or "json"
}

// RouteLimit is the admission budget for one route.
type RouteLimit struct {
	Max    int
	Window time.Duration
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Environment:          strings.ToLower(getEnv("ENVIRONMENT", EnvDevelopment)),
		GeminiAPIKey:         strings.TrimSpace(os.Getenv("GOOGLE_GEMINI_API_KEY")),
		OpenRouterAPIKey:     strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY")),
		GeminiModels:         splitList(getEnv("GEMINI_MODELS", "gemini-2.5-flash,gemini-2.5-flash-lite")),
		OpenRouterModel:      getEnv("OPENROUTER_MODEL", "google/gemini-2.5-flash"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		ServiceToken:         strings.TrimSpace(os.Getenv("BOT_SERVICE_TOKEN")),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "text"),
	}

	// Route limits keep their defaults on bad input, matching the web app.
	cfg.ImproveLimit = RouteLimit{
		Max:    positiveInt("PMPRO_RATE_LIMIT_MAX", 20),
		Window: time.Duration(positiveInt("PMPRO_RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
	}
	cfg.TeacherLimit = RouteLimit{
		Max:    positiveInt("PMPRO_TEACHER_RATE_LIMIT_MAX", 20),
		Window: time.Duration(positiveInt("PMPRO_TEACHER_RATE_LIMIT_WINDOW_MS", 60000)) * time.Millisecond,
	}

	timeoutMs, err := strconv.Atoi(getEnv("PROVIDER_TIMEOUT_MS", "5000"))
	if err != nil || timeoutMs <= 0 {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT_MS: %q", os.Getenv("PROVIDER_TIMEOUT_MS"))
	}
	cfg.ProviderTimeout = time.Duration(timeoutMs) * time.Millisecond

	maxChars, err := strconv.Atoi(getEnv("MAX_INPUT_CHARS", "50000"))
	if err != nil || maxChars < 0 {
		return nil, fmt.Errorf("invalid MAX_INPUT_CHARS: %q", os.Getenv("MAX_INPUT_CHARS"))
	}
	cfg.MaxInputChars = maxChars

	tpm, err := strconv.ParseInt(getEnv("DEFAULT_RATE_LIMIT_TPM", "100000"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.Environment != EnvDevelopment && cfg.Environment != EnvProduction {
		return nil, fmt.Errorf("ENVIRONMENT must be %q or %q, got %q", EnvDevelopment, EnvProduction, cfg.Environment)
	}
	if len(cfg.GeminiModels) == 0 {
		return nil, fmt.Errorf("GEMINI_MODELS must name at least one model")
	}

	return cfg, nil
}

// IsProduction reports whether provider diagnostics must be hidden from callers.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
