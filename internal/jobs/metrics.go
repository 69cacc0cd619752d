package jobmetrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	exhausted *prometheus.CounterVec
	integrity *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Job outcomes recorded in the status label.
const (
	OutcomeSuccess = "success"
	// OutcomeRetry marks a failed run asynq will retry.
	OutcomeRetry = "retry"
	// OutcomeDropped marks a failed run that ended with asynq.SkipRetry.
	OutcomeDropped = "dropped"
)

// Tracker times one job run and keeps the in-flight gauge.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts a tracker for a task type.
func (m *Metrics) Track(job string) *Tracker {
	t := &Tracker{metrics: m, job: job, start: time.Now()}
	if m != nil && job != "" {
		m.inFlight.WithLabelValues(job).Inc()
	}
	return t
}

// End records the run and returns err untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	outcome := Outcome(err)
	if outcome != OutcomeSuccess {
		t.metrics.failures.WithLabelValues(t.job, outcome).Inc()
	}
	t.metrics.inFlight.WithLabelValues(t.job).Dec()
	t.metrics.runs.WithLabelValues(t.job, outcome).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// Outcome classifies a handler result.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, asynq.SkipRetry):
		return OutcomeDropped
	default:
		return OutcomeRetry
	}
}

// AddExhausted counts a sync job that stopped retrying and now needs an
// operator.
func (m *Metrics) AddExhausted(job string, companyID int64) {
	if m == nil {
		return
	}
	company := "0"
	if companyID > 0 {
		company = formatInt(companyID)
	}
	m.exhausted.WithLabelValues(job, company).Inc()
}

// AddIntegrityIssues counts ledger integrity findings by check.
func (m *Metrics) AddIntegrityIssues(check string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.integrity.WithLabelValues(check).Add(float64(count))
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contamx_jobs_total",
		Help: "Job runs by task type and outcome.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contamx_jobs_failures_total",
		Help: "Failed job runs by task type and whether asynq retries them.",
	}, []string{"job", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contamx_job_duration_seconds",
		Help:    "Job run duration by task type.",
		Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
	}, []string{"job"})
	inFlight := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "contamx_jobs_in_flight",
		Help: "Job runs currently executing by task type.",
	}, []string{"job"})
	exhausted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contamx_sync_jobs_exhausted_total",
		Help: "Sync jobs that stopped retrying and need operator attention.",
	}, []string{"job", "company"})
	integrity := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "contamx_ledger_integrity_issues_total",
		Help: "Ledger integrity findings grouped by check.",
	}, []string{"check"})
	registerer.MustRegister(runs, failures, duration, inFlight, exhausted, integrity)
	return &Metrics{runs: runs, failures: failures, duration: duration, inFlight: inFlight, exhausted: exhausted, integrity: integrity}
}
