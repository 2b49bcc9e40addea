package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.SummarizerProvider != "auto" {
		t.Fatalf("SummarizerProvider = %q, want %q", cfg.SummarizerProvider, "auto")
	}
	if cfg.CompactionMaxEvents != 6 {
		t.Fatalf("CompactionMaxEvents = %d, want 6", cfg.CompactionMaxEvents)
	}
	if cfg.CompactionMaxBytes != 16*1024 {
		t.Fatalf("CompactionMaxBytes = %d, want 16384", cfg.CompactionMaxBytes)
	}
	if cfg.MemorySearchLimit != 5 {
		t.Fatalf("MemorySearchLimit = %d, want 5", cfg.MemorySearchLimit)
	}
	if !cfg.MemorySearchNonFatal {
		t.Fatalf("MemorySearchNonFatal = false, want true default")
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Fatalf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("COMPACTION_MAX_EVENTS", "12")
	t.Setenv("SUMMARY_BACKOFF_BASE", "250ms")
	t.Setenv("MEMORY_AUTO_INGEST", "yes")
	t.Setenv("SUMMARIZER_PROVIDER", "extractive")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CompactionMaxEvents != 12 {
		t.Fatalf("CompactionMaxEvents = %d, want 12", cfg.CompactionMaxEvents)
	}
	if cfg.SummaryBackoffBase != 250*time.Millisecond {
		t.Fatalf("SummaryBackoffBase = %v, want 250ms", cfg.SummaryBackoffBase)
	}
	if !cfg.MemoryAutoIngest {
		t.Fatalf("MemoryAutoIngest = false, want true")
	}
	if cfg.SummarizerProvider != "extractive" {
		t.Fatalf("SummarizerProvider = %q, want %q", cfg.SummarizerProvider, "extractive")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("SUMMARIZER_PROVIDER", "carrier-pigeon")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted invalid SUMMARIZER_PROVIDER")
	}

	setCoreEnvEmpty(t)
	t.Setenv("COMPACTION_MAX_EVENTS", "0")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted COMPACTION_MAX_EVENTS=0")
	}

	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_AUTO_INGEST", "maybe")
	if _, err := Load(); err == nil {
		t.Fatalf("Load() accepted non-bool MEMORY_AUTO_INGEST")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"DATABASE_URL",
		"SUMMARIZER_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_SUMMARY_MODEL",
		"SUMMARY_MAX_ATTEMPTS",
		"SUMMARY_BACKOFF_BASE",
		"SUMMARY_BACKOFF_CAP",
		"COMPACTION_MAX_EVENTS",
		"COMPACTION_MAX_BYTES",
		"MEMORY_AUTO_INGEST",
		"MEMORY_SEARCH_LIMIT",
		"MEMORY_SEARCH_NON_FATAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
