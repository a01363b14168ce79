// Package observability provides Prometheus metrics instrumentation for the
// engine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// RUN METRICS
// =============================================================================

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionbrain_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"mode", "outcome"}, // outcome: success, failure, cancelled
	)

	runDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionbrain_run_duration_seconds",
			Help:    "Run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"mode"},
	)

	runRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fusionbrain_run_retries_total",
			Help: "Total reasoning retries across all runs",
		},
	)
)

// =============================================================================
// STAGE METRICS
// =============================================================================

var (
	stageExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionbrain_stage_executions_total",
			Help: "Total number of stage executions",
		},
		[]string{"stage", "status"}, // status: ok, soft_fail, hard_fail
	)

	stageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionbrain_stage_duration_seconds",
			Help:    "Stage execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"stage"},
	)
)

// =============================================================================
// SIMULATION METRICS
// =============================================================================

var (
	verdictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionbrain_verdicts_total",
			Help: "Total simulation verdicts issued",
		},
		[]string{"mode", "verdict"}, // verdict: accepted, rejected
	)

	riskScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionbrain_risk_score",
			Help:    "Distribution of simulated risk scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
		[]string{"mode"},
	)
)

// =============================================================================
// MEMORY METRICS
// =============================================================================

var (
	lessonsStoredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fusionbrain_lessons_stored_total",
			Help: "Total lessons written to long-term memory",
		},
	)

	lessonsRetrievedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fusionbrain_lessons_retrieved_total",
			Help: "Total lessons retrieved for new runs",
		},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fusionbrain_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"model", "status"}, // status: success, error
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fusionbrain_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"model"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordRun records run-level metrics after a run terminates.
func RecordRun(mode, outcome string, durationMS int) {
	runsTotal.WithLabelValues(mode, outcome).Inc()
	runDurationSeconds.WithLabelValues(mode).Observe(float64(durationMS) / 1000.0)
}

// RecordRetry records a single retry transition.
func RecordRetry() {
	runRetriesTotal.Inc()
}

// RecordStageExecution records stage metrics after a stage completes.
func RecordStageExecution(stage, status string, durationMS int) {
	stageExecutionsTotal.WithLabelValues(stage, status).Inc()
	stageDurationSeconds.WithLabelValues(stage).Observe(float64(durationMS) / 1000.0)
}

// RecordVerdict records a simulation verdict and its risk score.
func RecordVerdict(mode string, accepted bool, risk float64) {
	verdict := "rejected"
	if accepted {
		verdict = "accepted"
	}
	verdictsTotal.WithLabelValues(mode, verdict).Inc()
	riskScore.WithLabelValues(mode).Observe(risk)
}

// RecordLessonStored records a lesson write.
func RecordLessonStored() {
	lessonsStoredTotal.Inc()
}

// RecordLessonsRetrieved records lesson retrievals for a run.
func RecordLessonsRetrieved(n int) {
	lessonsRetrievedTotal.Add(float64(n))
}

// RecordLLMCall records LLM call metrics.
func RecordLLMCall(model, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(model, status).Inc()
	llmDurationSeconds.WithLabelValues(model).Observe(float64(durationMS) / 1000.0)
}
