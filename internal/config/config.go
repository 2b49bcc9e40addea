package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the context service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	DatabaseURL string

	SummarizerProvider string

	OpenAIAPIKey       string
	OpenAISummaryModel string
	SummaryMaxAttempts int
	SummaryBackoffBase time.Duration
	SummaryBackoffCap  time.Duration

	CompactionMaxEvents int
	CompactionMaxBytes  int

	MemoryAutoIngest     bool
	MemorySearchLimit    int
	MemorySearchNonFatal bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "contextd"),
		AllowAnyOrigin:       false,
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		SummarizerProvider:   envOrDefault("SUMMARIZER_PROVIDER", "auto"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		OpenAISummaryModel:   envOrDefault("OPENAI_SUMMARY_MODEL", "gpt-4o-mini"),
		SummaryMaxAttempts:   5,
		SummaryBackoffBase:   time.Second,
		SummaryBackoffCap:    30 * time.Second,
		CompactionMaxEvents:  6,
		CompactionMaxBytes:   16 * 1024,
		MemoryAutoIngest:     false,
		MemorySearchLimit:    5,
		MemorySearchNonFatal: true,
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.SummaryMaxAttempts, err = intFromEnv("SUMMARY_MAX_ATTEMPTS", cfg.SummaryMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryBackoffBase, err = durationFromEnv("SUMMARY_BACKOFF_BASE", cfg.SummaryBackoffBase)
	if err != nil {
		return Config{}, err
	}
	cfg.SummaryBackoffCap, err = durationFromEnv("SUMMARY_BACKOFF_CAP", cfg.SummaryBackoffCap)
	if err != nil {
		return Config{}, err
	}

	cfg.CompactionMaxEvents, err = intFromEnv("COMPACTION_MAX_EVENTS", cfg.CompactionMaxEvents)
	if err != nil {
		return Config{}, err
	}
	cfg.CompactionMaxBytes, err = intFromEnv("COMPACTION_MAX_BYTES", cfg.CompactionMaxBytes)
	if err != nil {
		return Config{}, err
	}

	cfg.MemoryAutoIngest, err = boolFromEnv("MEMORY_AUTO_INGEST", cfg.MemoryAutoIngest)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySearchLimit, err = intFromEnv("MEMORY_SEARCH_LIMIT", cfg.MemorySearchLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MemorySearchNonFatal, err = boolFromEnv("MEMORY_SEARCH_NON_FATAL", cfg.MemorySearchNonFatal)
	if err != nil {
		return Config{}, err
	}

	switch cfg.SummarizerProvider {
	case "auto", "openai", "extractive":
	default:
		return Config{}, fmt.Errorf("SUMMARIZER_PROVIDER must be auto, openai or extractive")
	}
	if cfg.SummaryMaxAttempts <= 0 {
		return Config{}, fmt.Errorf("SUMMARY_MAX_ATTEMPTS must be positive")
	}
	if cfg.CompactionMaxEvents <= 0 {
		return Config{}, fmt.Errorf("COMPACTION_MAX_EVENTS must be positive")
	}
	if cfg.CompactionMaxBytes <= 0 {
		return Config{}, fmt.Errorf("COMPACTION_MAX_BYTES must be positive")
	}
	if cfg.MemorySearchLimit <= 0 {
		return Config{}, fmt.Errorf("MEMORY_SEARCH_LIMIT must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
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
