package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the decision boardroom service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SummaryCacheTTL time.Duration

	PerplexityAPIKey     string
	PerplexityBaseURL    string
	PerplexityModel      string
	PerplexityMode       string
	PerplexityTimeout    time.Duration
	PerplexityRatePerSec float64
	PerplexityMaxRetries int

	AutoSpeakingInterval  time.Duration
	AutoMaxRoundsPerTopic int
	AutoTopicEvolution    bool
	AutoPauseOnInterrupt  bool
}

// LoadDotEnv merges variables from a .env file into the process
// environment. Already-set variables win; a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "perspectra"),
		AllowAnyOrigin:           false,
		LogLevel:                 strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:                strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:              stringsTrimSpace("DATABASE_URL"),
		RedisAddr:                stringsTrimSpace("REDIS_ADDR"),
		RedisPassword:            os.Getenv("REDIS_PASSWORD"),
		SummaryCacheTTL:          time.Hour,
		PerplexityAPIKey:         stringsTrimSpace("PERPLEXITY_API_KEY"),
		PerplexityBaseURL:        envOrDefault("PERPLEXITY_BASE_URL", "https://api.perplexity.ai/chat/completions"),
		PerplexityModel:          envOrDefault("PERPLEXITY_MODEL", "sonar"),
		PerplexityMode:           strings.ToLower(envOrDefault("PERPLEXITY_MODE", "auto")),
		PerplexityTimeout:        60 * time.Second,
		PerplexityRatePerSec:     2,
		PerplexityMaxRetries:     2,
		AutoSpeakingInterval:     3 * time.Second,
		AutoMaxRoundsPerTopic:    8,
		AutoTopicEvolution:       true,
		AutoPauseOnInterrupt:     true,
		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 10 * time.Minute,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.RedisDB, err = intFromEnv("REDIS_DB", cfg.RedisDB)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryCacheTTL, err = durationFromEnv("SUMMARY_CACHE_TTL", cfg.SummaryCacheTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.PerplexityTimeout, err = durationFromEnv("PERPLEXITY_TIMEOUT", cfg.PerplexityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.PerplexityRatePerSec, err = floatFromEnv("PERPLEXITY_RATE_PER_SEC", cfg.PerplexityRatePerSec)
	if err != nil {
		return Config{}, err
	}
	cfg.PerplexityMaxRetries, err = intFromEnv("PERPLEXITY_MAX_RETRIES", cfg.PerplexityMaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoSpeakingInterval, err = durationFromEnv("AUTO_SPEAKING_INTERVAL", cfg.AutoSpeakingInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoMaxRoundsPerTopic, err = intFromEnv("AUTO_MAX_ROUNDS_PER_TOPIC", cfg.AutoMaxRoundsPerTopic)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoTopicEvolution, err = boolFromEnv("AUTO_TOPIC_EVOLUTION", cfg.AutoTopicEvolution)
	if err != nil {
		return Config{}, err
	}
	cfg.AutoPauseOnInterrupt, err = boolFromEnv("AUTO_PAUSE_ON_INTERRUPT", cfg.AutoPauseOnInterrupt)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("LOG_FORMAT must be json or console")
	}
	switch cfg.PerplexityMode {
	case "auto", "mock":
	case "http":
		if cfg.PerplexityAPIKey == "" {
			return Config{}, fmt.Errorf("PERPLEXITY_API_KEY is required when PERPLEXITY_MODE=http")
		}
	default:
		return Config{}, fmt.Errorf("PERPLEXITY_MODE must be auto, http or mock")
	}
	if cfg.PerplexityRatePerSec < 0 {
		return Config{}, fmt.Errorf("PERPLEXITY_RATE_PER_SEC must be >= 0")
	}
	if cfg.PerplexityMaxRetries < 0 {
		return Config{}, fmt.Errorf("PERPLEXITY_MAX_RETRIES must be >= 0")
	}
	if cfg.RedisDB < 0 {
		return Config{}, fmt.Errorf("REDIS_DB must be >= 0")
	}
	if cfg.AutoSpeakingInterval < 500*time.Millisecond {
		return Config{}, fmt.Errorf("AUTO_SPEAKING_INTERVAL must be at least 500ms")
	}
	if cfg.AutoMaxRoundsPerTopic <= 0 {
		return Config{}, fmt.Errorf("AUTO_MAX_ROUNDS_PER_TOPIC must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
