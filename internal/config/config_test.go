package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want :8080", cfg.BindAddr)
	}
	if cfg.PerplexityMode != "auto" {
		t.Fatalf("PerplexityMode = %q, want auto", cfg.PerplexityMode)
	}
	if cfg.PerplexityModel != "sonar" {
		t.Fatalf("PerplexityModel = %q, want sonar", cfg.PerplexityModel)
	}
	if cfg.AutoSpeakingInterval != 3*time.Second {
		t.Fatalf("AutoSpeakingInterval = %v, want 3s", cfg.AutoSpeakingInterval)
	}
	if cfg.AutoMaxRoundsPerTopic != 8 {
		t.Fatalf("AutoMaxRoundsPerTopic = %d, want 8", cfg.AutoMaxRoundsPerTopic)
	}
	if !cfg.AutoTopicEvolution || !cfg.AutoPauseOnInterrupt {
		t.Fatalf("auto defaults = %+v, want topic evolution and pause on interrupt enabled", cfg)
	}
	if cfg.DatabaseURL != "" || cfg.RedisAddr != "" {
		t.Fatalf("storage defaults should be empty, got db=%q redis=%q", cfg.DatabaseURL, cfg.RedisAddr)
	}
	if cfg.SummaryCacheTTL != time.Hour {
		t.Fatalf("SummaryCacheTTL = %v, want 1h", cfg.SummaryCacheTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FORMAT", "console")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("PERPLEXITY_MODE", "http")
	t.Setenv("PERPLEXITY_API_KEY", "pplx-test")
	t.Setenv("PERPLEXITY_RATE_PER_SEC", "0.5")
	t.Setenv("AUTO_SPEAKING_INTERVAL", "1500ms")
	t.Setenv("AUTO_TOPIC_EVOLUTION", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || !cfg.AllowAnyOrigin {
		t.Fatalf("bind/origin = %q/%v", cfg.BindAddr, cfg.AllowAnyOrigin)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "console" {
		t.Fatalf("log = %q/%q", cfg.LogLevel, cfg.LogFormat)
	}
	if cfg.RedisDB != 3 {
		t.Fatalf("RedisDB = %d, want 3", cfg.RedisDB)
	}
	if cfg.PerplexityRatePerSec != 0.5 {
		t.Fatalf("PerplexityRatePerSec = %v, want 0.5", cfg.PerplexityRatePerSec)
	}
	if cfg.AutoSpeakingInterval != 1500*time.Millisecond {
		t.Fatalf("AutoSpeakingInterval = %v", cfg.AutoSpeakingInterval)
	}
	if cfg.AutoTopicEvolution {
		t.Fatalf("AutoTopicEvolution = true, want false")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"PERPLEXITY_MODE":                "grpc",
		"LOG_FORMAT":                     "xml",
		"LOG_LEVEL":                      "trace",
		"APP_SESSION_INACTIVITY_TIMEOUT": "1s",
		"AUTO_SPEAKING_INTERVAL":         "100ms",
		"AUTO_MAX_ROUNDS_PER_TOPIC":      "0",
		"AUTO_PAUSE_ON_INTERRUPT":        "maybe",
		"PERPLEXITY_MAX_RETRIES":         "-1",
		"PERPLEXITY_TIMEOUT":             "soon",
		"REDIS_DB":                       "two",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q succeeded, want error", key, value)
			}
		})
	}
}

func TestLoadHTTPModeRequiresKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("PERPLEXITY_MODE", "http")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() succeeded without PERPLEXITY_API_KEY")
	}
}

func TestLoadDotEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PERPLEXITY_MODEL=sonar-pro\nAPP_BIND_ADDR=:7070\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("APP_BIND_ADDR", ":6060")
	if err := os.Unsetenv("PERPLEXITY_MODEL"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.PerplexityModel != "sonar-pro" {
		t.Fatalf("PerplexityModel = %q, want sonar-pro", cfg.PerplexityModel)
	}
	if cfg.BindAddr != ":6060" {
		t.Fatalf("BindAddr = %q, existing env should win", cfg.BindAddr)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"SUMMARY_CACHE_TTL",
		"PERPLEXITY_API_KEY",
		"PERPLEXITY_BASE_URL",
		"PERPLEXITY_MODEL",
		"PERPLEXITY_MODE",
		"PERPLEXITY_TIMEOUT",
		"PERPLEXITY_RATE_PER_SEC",
		"PERPLEXITY_MAX_RETRIES",
		"AUTO_SPEAKING_INTERVAL",
		"AUTO_MAX_ROUNDS_PER_TOPIC",
		"AUTO_TOPIC_EVOLUTION",
		"AUTO_PAUSE_ON_INTERRUPT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
