package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus instruments for the queue core. It carries
// its own registry so tests can create collectors freely without tripping
// duplicate-registration panics.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  *prometheus.CounterVec
	jobsClaimed   prometheus.Counter
	jobsCompleted *prometheus.CounterVec
	jobDuration   prometheus.Histogram
	leasesExpired prometheus.Counter
	triggersFired *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	jobsQueued    prometheus.Gauge
	jobsRunning   prometheus.Gauge
}

// NewCollector creates a new metrics collector with a private registry
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opus_jobs_enqueued_total",
			Help: "Total number of jobs enqueued, by source",
		}, []string{"source"}),
		jobsClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opus_jobs_claimed_total",
			Help: "Total number of jobs claimed by workers",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opus_jobs_completed_total",
			Help: "Total number of job completions, by resulting status",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "opus_job_duration_seconds",
			Help:    "Wall-clock duration of finished job attempts",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		leasesExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opus_leases_expired_total",
			Help: "Total number of running jobs recovered after lease expiry",
		}),
		triggersFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opus_triggers_fired_total",
			Help: "Total number of trigger firings, by trigger type",
		}, []string{"type"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opus_workflow_runs_finished_total",
			Help: "Total number of workflow runs reaching a terminal status",
		}, []string{"status"}),
		jobsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opus_jobs_queued",
			Help: "Current number of queued jobs",
		}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opus_jobs_running",
			Help: "Current number of running jobs",
		}),
	}

	c.registry.MustRegister(
		c.jobsEnqueued,
		c.jobsClaimed,
		c.jobsCompleted,
		c.jobDuration,
		c.leasesExpired,
		c.triggersFired,
		c.runsFinished,
		c.jobsQueued,
		c.jobsRunning,
	)

	return c
}

// RecordEnqueue records a job insert
func (c *Collector) RecordEnqueue(source string) {
	c.jobsEnqueued.WithLabelValues(source).Inc()
}

// RecordClaim records a successful claim
func (c *Collector) RecordClaim() {
	c.jobsClaimed.Inc()
}

// RecordCompletion records a job completion with its resulting status and
// the attempt's wall-clock duration
func (c *Collector) RecordCompletion(status string, durationSeconds float64) {
	c.jobsCompleted.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		c.jobDuration.Observe(durationSeconds)
	}
}

// RecordLeaseExpiry records a janitor lease recovery
func (c *Collector) RecordLeaseExpiry() {
	c.leasesExpired.Inc()
}

// RecordTriggerFired records a trigger firing
func (c *Collector) RecordTriggerFired(triggerType string) {
	c.triggersFired.WithLabelValues(triggerType).Inc()
}

// RecordRunFinished records a workflow run reaching a terminal status
func (c *Collector) RecordRunFinished(status string) {
	c.runsFinished.WithLabelValues(status).Inc()
}

// UpdateQueueDepth updates the queued/running gauges
func (c *Collector) UpdateQueueDepth(queued, running int) {
	c.jobsQueued.Set(float64(queued))
	c.jobsRunning.Set(float64(running))
}

// Handler returns the HTTP handler serving this collector's registry
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
