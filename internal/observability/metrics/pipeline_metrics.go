package metrics

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	ErrorTypeDeadlineExceeded = "deadline_exceeded"
	ErrorTypeRateLimited      = "rate_limited"
	ErrorTypeValidation       = "validation"
	ErrorTypeRegistry         = "registry"
	ErrorTypeDB               = "db"
	ErrorTypeUnknown          = "unknown"
)

// PipelineMetrics captures dispatch/reconcile/janitor health signals.
type PipelineMetrics struct {
	jobRuns       *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobTimeouts   *prometheus.CounterVec
	jobErrors     *prometheus.CounterVec
	runLoopLag    prometheus.Histogram
	records       *prometheus.CounterVec
	skips         *prometheus.CounterVec
	registryCalls *prometheus.CounterVec
	tokenGrants   *prometheus.CounterVec
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer)
	})
	return pipelineMetrics
}

func newPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	m := &PipelineMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_job_runs_total",
			Help: "Scheduled job invocations by job name.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentflow_job_duration_seconds",
			Help:    "Job wall time by job name.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_job_timeouts_total",
			Help: "Jobs ended by their deadline.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_job_errors_total",
			Help: "Job errors by job name and classified error type.",
		}, []string{"job", "type"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentflow_run_loop_lag_seconds",
			Help:    "How far behind schedule the run loop started.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_records_total",
			Help: "Consent records processed by pipeline and outcome.",
		}, []string{"pipeline", "outcome"}),
		skips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_record_skips_total",
			Help: "Records skipped before dispatch by skip reason.",
		}, []string{"reason"}),
		registryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_registry_calls_total",
			Help: "Outbound registry calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		tokenGrants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_token_grants_total",
			Help: "Registry token grants by operation (new, refresh) and outcome.",
		}, []string{"operation", "outcome"}),
	}

	for _, c := range []prometheus.Collector{
		m.jobRuns, m.jobDuration, m.jobTimeouts, m.jobErrors, m.runLoopLag,
		m.records, m.skips, m.registryCalls, m.tokenGrants,
	} {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				panic(err)
			}
		}
	}
	return m
}

func (m *PipelineMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *PipelineMetrics) IncJobTimeout(job string) {
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *PipelineMetrics) IncJobError(job string, err error) {
	m.jobErrors.WithLabelValues(job, ClassifyError(err)).Inc()
}

// IncJobErrorType records a job error whose type the caller already knows
// (rate_limited, validation, registry), bypassing classification.
func (m *PipelineMetrics) IncJobErrorType(job, errorType string) {
	m.jobErrors.WithLabelValues(job, errorType).Inc()
}

func (m *PipelineMetrics) ObserveRunLoopLag(lag time.Duration) {
	m.runLoopLag.Observe(lag.Seconds())
}

func (m *PipelineMetrics) IncRecord(pipeline, outcome string) {
	m.records.WithLabelValues(pipeline, outcome).Inc()
}

func (m *PipelineMetrics) AddRecords(pipeline, outcome string, n int) {
	if n <= 0 {
		return
	}
	m.records.WithLabelValues(pipeline, outcome).Add(float64(n))
}

func (m *PipelineMetrics) IncSkip(reason string) {
	m.skips.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) IncRegistryCall(operation, outcome string) {
	m.registryCalls.WithLabelValues(operation, outcome).Inc()
}

func (m *PipelineMetrics) IncTokenGrant(operation, outcome string) {
	m.tokenGrants.WithLabelValues(operation, outcome).Inc()
}

// ClassifyError folds an error into a small label set so the error counter
// stays low-cardinality.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorTypeDeadlineExceeded
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return ErrorTypeDB
	}
	return ErrorTypeUnknown
}
