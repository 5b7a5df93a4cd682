// Package metrics exposes Prometheus instruments for the conversion pipeline.
// Label values are bounded (stage names, failure kinds, signals); job ids never
// become labels.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsSubmittedTotal counts accepted job submissions.
	JobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "acsmconv_jobs_submitted_total",
		Help: "Total number of conversion jobs accepted.",
	})

	// JobOutcomeTotal counts terminal jobs by outcome ("done" or a failure kind).
	JobOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acsmconv_job_outcome_total",
		Help: "Total number of finished conversion jobs, by outcome.",
	}, []string{"outcome"})

	// StageDurationSeconds tracks how long each pipeline stage ran.
	StageDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acsmconv_stage_duration_seconds",
		Help:    "Pipeline stage duration, by stage and result.",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"stage", "result"})

	// ToolTerminationsTotal counts signals sent to cancelled tool process groups.
	ToolTerminationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acsmconv_tool_terminations_total",
		Help: "Signals sent to external tool process groups, by tool and signal.",
	}, []string{"tool", "signal"})

	// JobsRunning tracks jobs holding a registry permit.
	JobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acsmconv_jobs_running",
		Help: "Current number of jobs holding an execution permit.",
	})

	// JobsWaiting tracks jobs queued for a registry permit.
	JobsWaiting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "acsmconv_jobs_waiting",
		Help: "Current number of jobs waiting for an execution permit.",
	})

	// HTTPRequestDuration tracks API latency by route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "acsmconv_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds, by method, route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// RetentionRemovedTotal counts files and records removed by retention sweeps.
	RetentionRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "acsmconv_retention_removed_total",
		Help: "Items removed by retention sweeps, by target.",
	}, []string{"target"})
)

// RecordSubmitted increments the submission counter.
func RecordSubmitted() {
	JobsSubmittedTotal.Inc()
}

// RecordOutcome increments the terminal outcome counter.
func RecordOutcome(outcome string) {
	if outcome == "" {
		outcome = "unknown"
	}
	JobOutcomeTotal.WithLabelValues(outcome).Inc()
}

// ObserveStage records a stage duration.
func ObserveStage(stage, result string, d time.Duration) {
	StageDurationSeconds.WithLabelValues(stage, result).Observe(d.Seconds())
}

// RecordToolTermination counts a signal sent to a tool process group.
func RecordToolTermination(tool, signal string) {
	ToolTerminationsTotal.WithLabelValues(tool, signal).Inc()
}

// SetRegistry publishes the registry occupancy.
func SetRegistry(running, waiting int) {
	JobsRunning.Set(float64(running))
	JobsWaiting.Set(float64(waiting))
}

// AddRetentionRemoved adds n removals for target ("artifacts", "covers", "workspaces", "jobs").
func AddRetentionRemoved(target string, n int) {
	if n <= 0 {
		return
	}
	RetentionRemovedTotal.WithLabelValues(target).Add(float64(n))
}

// ObserveHTTP records one served API request. route is the router pattern,
// never the raw path.
func ObserveHTTP(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
