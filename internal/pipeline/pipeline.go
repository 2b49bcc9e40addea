package pipeline

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/contextd/contextd/internal/compact"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/observability"
	"github.com/contextd/contextd/internal/session"
)

// Pipeline is the explicit post-turn stage an orchestrator invokes after the
// agent produced its events: append, compaction check, optional auto-ingest.
// Compaction and auto-ingest failures degrade (the turn still completes);
// append failures do not.
type Pipeline struct {
	sessions       session.Store
	memory         memory.Service
	compactor      *compact.Compactor
	metrics        *observability.Metrics
	autoIngest     bool
	searchNonFatal bool
}

type Options struct {
	AutoIngest     bool
	SearchNonFatal bool
}

func New(sessions session.Store, mem memory.Service, compactor *compact.Compactor, metrics *observability.Metrics, opts Options) *Pipeline {
	return &Pipeline{
		sessions:       sessions,
		memory:         mem,
		compactor:      compactor,
		metrics:        metrics,
		autoIngest:     opts.AutoIngest,
		searchNonFatal: opts.SearchNonFatal,
	}
}

// TurnResult reports what one post-turn pass did. Events holds exactly the
// events that were committed, which on a mid-turn append failure can be a
// prefix of the submitted turn.
type TurnResult struct {
	Events          []session.Event `json:"events"`
	Compaction      *session.Event  `json:"compaction,omitempty"`
	IngestedRecords int             `json:"ingested_records"`
}

// CompleteTurn appends the turn's events and runs the post-turn stages.
//
// Each event commits individually (atomically with its state delta). If an
// append fails partway through, the earlier events of the turn stay in the
// log; the error is returned and result.Events lists what landed, so the
// caller can resubmit only the remainder.
func (p *Pipeline) CompleteTurn(ctx context.Context, key session.Key, events []session.Event) (TurnResult, error) {
	start := time.Now()
	result := TurnResult{Events: make([]session.Event, 0, len(events))}

	for _, ev := range events {
		t0 := time.Now()
		appended, err := p.sessions.AppendEvent(ctx, key, ev)
		if err != nil {
			return result, fmt.Errorf("append event: %w", err)
		}
		p.metrics.ObservePipelineStage("append_event", time.Since(t0))
		p.metrics.EventsAppended.WithLabelValues(string(appended.Author)).Inc()
		result.Events = append(result.Events, appended)
	}

	t0 := time.Now()
	marker, err := p.compactor.Check(ctx, key)
	p.metrics.ObservePipelineStage("compaction_check", time.Since(t0))
	switch {
	case err != nil:
		// Conversation continues uncompacted; distinct from "nothing to do".
		log.Printf("compaction degraded for session %s: %v", key.SessionID, err)
		p.metrics.Compactions.WithLabelValues("degraded").Inc()
		p.metrics.ObserveIndicator("compaction_degraded")
	case marker != nil:
		p.metrics.Compactions.WithLabelValues("compacted").Inc()
		result.Compaction = marker
	default:
		p.metrics.Compactions.WithLabelValues("skipped").Inc()
	}

	if p.autoIngest {
		n, err := p.IngestNow(ctx, key)
		if err != nil {
			log.Printf("auto ingest degraded for session %s: %v", key.SessionID, err)
			p.metrics.ObserveIndicator("auto_ingest_degraded")
		} else {
			result.IngestedRecords = n
		}
	}

	p.metrics.ObservePipelineStage("turn_total", time.Since(start))
	return result, nil
}

// IngestNow hands the session's current log to the memory store.
func (p *Pipeline) IngestNow(ctx context.Context, key session.Key) (int, error) {
	t0 := time.Now()
	sess, err := p.sessions.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := p.memory.IngestSession(ctx, sess)
	p.metrics.ObservePipelineStage("memory_ingest", time.Since(t0))
	if err != nil {
		return n, fmt.Errorf("ingest session: %w", err)
	}
	p.metrics.MemoryIngested.Add(float64(n))
	return n, nil
}

// Recall queries the memory corpus for a user. With SearchNonFatal set,
// provider failures degrade to an empty result; the degradation is still
// visible in logs and metrics so it cannot be mistaken for "no data".
func (p *Pipeline) Recall(ctx context.Context, appName, userID, query string, limit int) ([]memory.ScoredRecord, error) {
	t0 := time.Now()
	results, err := p.memory.Search(ctx, appName, userID, query, limit)
	p.metrics.ObservePipelineStage("memory_search", time.Since(t0))
	if err != nil {
		if p.searchNonFatal {
			log.Printf("memory search degraded for user %s (returning empty): %v", userID, err)
			p.metrics.MemorySearches.WithLabelValues("degraded").Inc()
			return []memory.ScoredRecord{}, nil
		}
		p.metrics.MemorySearches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("memory search: %w", err)
	}
	if len(results) == 0 {
		p.metrics.MemorySearches.WithLabelValues("empty").Inc()
	} else {
		p.metrics.MemorySearches.WithLabelValues("ok").Inc()
	}
	return results, nil
}

// Compact is the manual compaction hook.
func (p *Pipeline) Compact(ctx context.Context, key session.Key) (*session.Event, error) {
	t0 := time.Now()
	marker, err := p.compactor.Check(ctx, key)
	p.metrics.ObservePipelineStage("compaction_check", time.Since(t0))
	if err != nil {
		p.metrics.Compactions.WithLabelValues("failed").Inc()
		return nil, err
	}
	if marker != nil {
		p.metrics.Compactions.WithLabelValues("compacted").Inc()
	} else {
		p.metrics.Compactions.WithLabelValues("skipped").Inc()
	}
	return marker, nil
}

// TimedSummarizer wraps a summarizer with latency observation.
type TimedSummarizer struct {
	Inner   compact.Summarizer
	Metrics *observability.Metrics
}

func (s TimedSummarizer) Summarize(ctx context.Context, events []session.Event) (string, error) {
	t0 := time.Now()
	summary, err := s.Inner.Summarize(ctx, events)
	s.Metrics.ObserveSummarizeLatency(time.Since(t0))
	s.Metrics.ObservePipelineStage("summarize", time.Since(t0))
	return summary, err
}
