package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/contextd/contextd/internal/compact"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/httpapi"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/observability"
	"github.com/contextd/contextd/internal/pipeline"
	"github.com/contextd/contextd/internal/session"
	"github.com/contextd/contextd/internal/tools"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	sessions, err := session.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("session store init failed: %v", err)
	}
	defer sessions.Close()

	memoryService, err := memory.NewService(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("memory service init failed: %v", err)
	}
	defer memoryService.Close()

	if cfg.DatabaseURL != "" {
		log.Printf("storage: postgres")
	} else {
		log.Printf("storage: in-memory")
	}

	var summarizer compact.Summarizer

	tryOpenAI := func() bool {
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return false
		}
		p, err := compact.NewOpenAISummarizer(compact.OpenAIConfig{
			APIKey:      cfg.OpenAIAPIKey,
			Model:       cfg.OpenAISummaryModel,
			MaxAttempts: cfg.SummaryMaxAttempts,
			BackoffBase: cfg.SummaryBackoffBase,
			BackoffCap:  cfg.SummaryBackoffCap,
		})
		if err != nil {
			log.Printf("openai summarizer unavailable: %v", err)
			return false
		}
		summarizer = p
		log.Printf("summarizer provider: openai (%s)", cfg.OpenAISummaryModel)
		return true
	}

	switch cfg.SummarizerProvider {
	case "openai":
		if !tryOpenAI() {
			log.Fatalf("SUMMARIZER_PROVIDER=openai but OPENAI_API_KEY is not set")
		}
	case "extractive":
		summarizer = compact.NewExtractiveSummarizer()
		log.Printf("summarizer provider: extractive")
	case "auto":
		if !tryOpenAI() {
			summarizer = compact.NewExtractiveSummarizer()
			log.Printf("summarizer provider: extractive (no openai key)")
		}
	default:
		log.Fatalf("invalid SUMMARIZER_PROVIDER: %q (expected auto|openai|extractive)", cfg.SummarizerProvider)
	}

	policy := compact.AnyPolicy{
		compact.EventCountPolicy{N: cfg.CompactionMaxEvents},
		compact.ContentSizePolicy{Bytes: cfg.CompactionMaxBytes},
	}
	compactor := compact.New(sessions, pipeline.TimedSummarizer{Inner: summarizer, Metrics: metrics}, policy)

	pipe := pipeline.New(sessions, memoryService, compactor, metrics, pipeline.Options{
		AutoIngest:     cfg.MemoryAutoIngest,
		SearchNonFatal: cfg.MemorySearchNonFatal,
	})

	registry := tools.NewRegistry()
	if err := tools.RegisterStateTools(registry, sessions); err != nil {
		log.Fatalf("tool registration failed: %v", err)
	}

	api := httpapi.New(cfg, sessions, pipe, registry, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
