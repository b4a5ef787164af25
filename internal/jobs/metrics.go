package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	overdue      prometheus.Counter
	failedChecks *prometheus.CounterVec
	notified     *prometheus.CounterVec
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

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddOverdue counts documents moved to OVERDUE by the sweep.
func (m *Metrics) AddOverdue(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.overdue.Add(float64(count))
}

// AddFailedCheck counts a failing pre-close check found by the health job.
func (m *Metrics) AddFailedCheck(code string) {
	if m == nil || code == "" {
		return
	}
	m.failedChecks.WithLabelValues(code).Inc()
}

// Notified counts processed document notifications by kind.
func (m *Metrics) Notified(kind string) {
	if m == nil {
		return
	}
	m.notified.WithLabelValues(kind).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "studioledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	overdue := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "studioledger_documents_marked_overdue_total",
		Help: "Documents moved to OVERDUE by the scheduled sweep.",
	})
	failedChecks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_period_failed_checks_total",
		Help: "Failing pre-close checks reported by the period health job.",
	}, []string{"check"})
	notified := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "studioledger_document_notifications_total",
		Help: "Issued-document notifications delivered by kind.",
	}, []string{"kind"})
	registerer.MustRegister(runs, failures, duration, overdue, failedChecks, notified)
	return &Metrics{runs: runs, failures: failures, duration: duration, overdue: overdue, failedChecks: failedChecks, notified: notified}
}
