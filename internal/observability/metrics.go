package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	SessionEvents    *prometheus.CounterVec
	EventsAppended   *prometheus.CounterVec
	Compactions      *prometheus.CounterVec
	MemoryIngested   prometheus.Counter
	MemorySearches   *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	SummarizeLatency prometheus.Histogram

	stages *stageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lifecycle_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		EventsAppended: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events appended to session logs by author.",
		}, []string{"author"}),
		Compactions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compactions_total",
			Help:      "Compaction checks by outcome.",
		}, []string{"outcome"}),
		MemoryIngested: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_records_ingested_total",
			Help:      "Memory records created by session ingestion.",
		}),
		MemorySearches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "memory_searches_total",
			Help:      "Memory searches by outcome; degraded means a failure was swallowed into an empty result.",
		}, []string{"outcome"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		SummarizeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "summarize_latency_ms",
			Help:      "Latency of compaction summarization in milliseconds.",
			Buckets:   []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveSummarizeLatency(d time.Duration) {
	m.SummarizeLatency.Observe(float64(d.Milliseconds()))
}

// ObservePipelineStage records a stage latency sample in the rolling window
// backing the perf endpoint.
func (m *Metrics) ObservePipelineStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Observe(stage, float64(d.Nanoseconds())/1e6)
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.stages.ObserveIndicator(name)
}

func (m *Metrics) SnapshotPipelineStages() StageSnapshot {
	return m.stages.Snapshot()
}

func (m *Metrics) ResetPipelineStages() {
	m.stages.Reset()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
