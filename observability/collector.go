package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hookline/dispatch/ext"
	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*Collector)(nil)
	_ ext.JobEnqueued  = (*Collector)(nil)
	_ ext.JobSucceeded = (*Collector)(nil)
	_ ext.JobRetrying  = (*Collector)(nil)
	_ ext.JobFailed    = (*Collector)(nil)
	_ ext.JobReclaimed = (*Collector)(nil)
	_ ext.CronFired    = (*Collector)(nil)
)

const namespace = "dispatch"

// Collector records lifecycle events as Prometheus counters and a
// duration histogram.
type Collector struct {
	Enqueued  *prometheus.CounterVec
	Succeeded *prometheus.CounterVec
	Retried   *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Reclaimed *prometheus.CounterVec
	CronFired *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		Enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs persisted by enqueue.",
		}, []string{"kind", "queue"}),
		Succeeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_succeeded_total",
			Help:      "Jobs whose handler returned nil.",
		}, []string{"kind", "queue"}),
		Retried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Failed executions scheduled for another attempt.",
		}, []string{"kind", "queue"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached the failed state, by reason.",
		}, []string{"kind", "queue", "reason"}),
		Reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_reclaimed_total",
			Help:      "Jobs taken back after their lease expired.",
		}, []string{"kind", "queue"}),
		CronFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cron_fired_total",
			Help:      "Cron entries that enqueued a job.",
		}, []string{"entry"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Duration of successful job executions.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"kind"}),
	}

	for _, col := range []prometheus.Collector{
		c.Enqueued, c.Succeeded, c.Retried, c.Failed, c.Reclaimed, c.CronFired, c.Duration,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Name implements ext.Extension.
func (c *Collector) Name() string { return "prometheus" }

// OnJobEnqueued implements ext.JobEnqueued.
func (c *Collector) OnJobEnqueued(_ context.Context, j *job.Job) error {
	c.Enqueued.WithLabelValues(j.Kind, j.Queue).Inc()
	return nil
}

// OnJobSucceeded implements ext.JobSucceeded.
func (c *Collector) OnJobSucceeded(_ context.Context, j *job.Job, elapsed time.Duration) error {
	c.Succeeded.WithLabelValues(j.Kind, j.Queue).Inc()
	c.Duration.WithLabelValues(j.Kind).Observe(elapsed.Seconds())
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (c *Collector) OnJobRetrying(_ context.Context, j *job.Job, _ int, _ time.Time, _ error) error {
	c.Retried.WithLabelValues(j.Kind, j.Queue).Inc()
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (c *Collector) OnJobFailed(_ context.Context, j *job.Job, reason job.FailureReason, _ error) error {
	c.Failed.WithLabelValues(j.Kind, j.Queue, string(reason)).Inc()
	return nil
}

// OnJobReclaimed implements ext.JobReclaimed. A reclaim that exhausts the
// job also counts as a lease_expired failure.
func (c *Collector) OnJobReclaimed(_ context.Context, j *job.Job) error {
	c.Reclaimed.WithLabelValues(j.Kind, j.Queue).Inc()
	if j.State == job.StateFailed {
		c.Failed.WithLabelValues(j.Kind, j.Queue, string(job.ReasonLeaseExpired)).Inc()
	}
	return nil
}

// OnCronFired implements ext.CronFired.
func (c *Collector) OnCronFired(_ context.Context, entryName string, _ id.JobID) error {
	c.CronFired.WithLabelValues(entryName).Inc()
	return nil
}
