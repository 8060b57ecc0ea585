package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	apiRequestsTotal  *prometheus.CounterVec
	apiLatencySeconds *prometheus.HistogramVec
	apiErrorsTotal    *prometheus.CounterVec

	studentResultsTotal   *prometheus.CounterVec
	jobDurationSeconds    *prometheus.HistogramVec
	evaluatorAttempts     prometheus.Histogram
	jobsInFlight          prometheus.Gauge
	runsTotal             *prometheus.CounterVec
	skippedSourcesTotal   *prometheus.CounterVec
	progressEventsDropped prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors used by the API and the grading pipeline.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of evaluation API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_latency_seconds",
			Help:    "Latency distribution for evaluation API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "Total number of error responses returned by evaluation endpoints.",
		}, []string{"method", "route", "status"})

		studentResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_student_results_total",
			Help: "Student evaluation outcomes by status.",
		}, []string{"status"})

		jobDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grader_job_duration_seconds",
			Help:    "Wall clock duration of one student evaluation job.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}, []string{"status"})

		evaluatorAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "grader_evaluator_attempts",
			Help:    "Evaluator calls needed per student, retries included.",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		})

		jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "grader_jobs_in_flight",
			Help: "Student evaluation jobs currently running.",
		})

		runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_runs_total",
			Help: "Batch evaluation runs by terminal status.",
		}, []string{"status"})

		skippedSourcesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grader_skipped_sources_total",
			Help: "Knowledge base or rubric sources that could not be resolved.",
		}, []string{"kind"})

		progressEventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grader_progress_events_dropped_total",
			Help: "Progress events dropped because a subscriber was too slow.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			studentResultsTotal, jobDurationSeconds, evaluatorAttempts, jobsInFlight,
			runsTotal, skippedSourcesTotal, progressEventsDropped,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// StudentResults exposes the per-status student outcome counter.
func StudentResults() *prometheus.CounterVec {
	RegisterMetrics()
	return studentResultsTotal
}

// JobDuration exposes the student job duration histogram.
func JobDuration() *prometheus.HistogramVec {
	RegisterMetrics()
	return jobDurationSeconds
}

// EvaluatorAttempts exposes the per-student evaluator attempt histogram.
func EvaluatorAttempts() prometheus.Histogram {
	RegisterMetrics()
	return evaluatorAttempts
}

// JobsInFlight exposes the running job gauge.
func JobsInFlight() prometheus.Gauge {
	RegisterMetrics()
	return jobsInFlight
}

// Runs exposes the batch run counter.
func Runs() *prometheus.CounterVec {
	RegisterMetrics()
	return runsTotal
}

// SkippedSources exposes the unresolved source counter.
func SkippedSources() *prometheus.CounterVec {
	RegisterMetrics()
	return skippedSourcesTotal
}

// ProgressEventsDropped exposes the dropped progress event counter.
func ProgressEventsDropped() prometheus.Counter {
	RegisterMetrics()
	return progressEventsDropped
}
