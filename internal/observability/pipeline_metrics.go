package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_sessions_total",
			Help: "Total number of question sessions by terminal state.",
		},
		[]string{"state"},
	)
	sessionDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlquery_session_duration_seconds",
			Help:    "Wall time from question to terminal state.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)
	attemptsPerSession = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nlquery_session_attempts",
			Help:    "Number of SQL attempts recorded per session.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)
	executionFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlquery_execution_failures_total",
			Help: "Total number of SQL attempts rejected by the warehouse or returning no rows.",
		},
	)
	llmCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_llm_calls_total",
			Help: "Total number of LLM completion calls by component and outcome.",
		},
		[]string{"component", "outcome"},
	)
	llmCallDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nlquery_llm_call_duration_seconds",
			Help:    "LLM completion latency by component.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"component"},
	)
	llmRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlquery_llm_retries_total",
			Help: "Total number of transient LLM failures that were retried.",
		},
	)
	warehouseRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nlquery_warehouse_retries_total",
			Help: "Total number of transient warehouse failures that were retried, by operation.",
		},
		[]string{"op"},
	)
	embeddingSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nlquery_embedding_skipped_total",
			Help: "Total number of index records skipped because embedding failed.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsTotal,
		sessionDurationSeconds,
		attemptsPerSession,
		executionFailuresTotal,
		llmCallsTotal,
		llmCallDurationSeconds,
		llmRetriesTotal,
		warehouseRetriesTotal,
		embeddingSkippedTotal,
	)
}

func ObserveSession(state string, attempts int, elapsed time.Duration) {
	sessionsTotal.WithLabelValues(state).Inc()
	attemptsPerSession.Observe(float64(attempts))
	sessionDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementExecutionFailure() {
	executionFailuresTotal.Inc()
}

func ObserveLLMCall(component string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if component == "" {
		component = "unknown"
	}
	llmCallsTotal.WithLabelValues(component, outcome).Inc()
	llmCallDurationSeconds.WithLabelValues(component).Observe(elapsed.Seconds())
}

func IncrementLLMRetry() {
	llmRetriesTotal.Inc()
}

func IncrementWarehouseRetry(op string) {
	warehouseRetriesTotal.WithLabelValues(op).Inc()
}

func AddEmbeddingSkipped(n int) {
	if n > 0 {
		embeddingSkippedTotal.Add(float64(n))
	}
}
