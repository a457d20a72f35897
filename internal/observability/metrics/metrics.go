// Package metrics captures billing worker health signals.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobResultSuccess = "success"
	JobResultFailure = "failure"
	JobResultRetry   = "retry"
)

// WorkerMetrics tracks the billing job loop: what was processed, how long it
// took, and how the dunning ladder is behaving.
type WorkerMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	ordersClosed     *prometheus.CounterVec
	dunningRetries   prometheus.Counter
	dunningExhausted *prometheus.CounterVec
	sweepApplied     prometheus.Counter
}

var (
	workerMetricsOnce sync.Once
	workerMetrics     *WorkerMetrics
)

// Worker returns the singleton worker metrics registry.
func Worker() *WorkerMetrics {
	workerMetricsOnce.Do(func() {
		workerMetrics = newWorkerMetrics(prometheus.DefaultRegisterer)
	})
	return workerMetrics
}

// ResetWorkerMetricsForTest clears the singleton so tests can register
// against their own registerer.
func ResetWorkerMetricsForTest() {
	workerMetricsOnce = sync.Once{}
	workerMetrics = nil
}

func newWorkerMetrics(registerer prometheus.Registerer) *WorkerMetrics {
	m := &WorkerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_jobs_total",
			Help: "Billing queue jobs processed, by job type and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rebill_job_duration_seconds",
			Help:    "Time spent processing one billing queue job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		ordersClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_orders_closed_total",
			Help: "Recurring orders closed, by terminal state.",
		}, []string{"state"}),
		dunningRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebill_dunning_retries_total",
			Help: "Payment retries scheduled by dunning.",
		}),
		dunningExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rebill_dunning_exhausted_total",
			Help: "Dunning ladders exhausted, by terminal unpaid policy.",
		}, []string{"policy"}),
		sweepApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rebill_scheduled_changes_applied_total",
			Help: "Deferred subscription changes applied by the sweep.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.jobRuns, m.jobDuration, m.ordersClosed,
		m.dunningRetries, m.dunningExhausted, m.sweepApplied,
	} {
		if err := registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}
	return m
}

func (m *WorkerMetrics) IncJobRun(job, result string) {
	if m == nil || m.jobRuns == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil || m.jobDuration == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *WorkerMetrics) IncOrderClosed(state string) {
	if m == nil || m.ordersClosed == nil {
		return
	}
	m.ordersClosed.WithLabelValues(state).Inc()
}

func (m *WorkerMetrics) IncDunningRetry() {
	if m == nil || m.dunningRetries == nil {
		return
	}
	m.dunningRetries.Inc()
}

func (m *WorkerMetrics) IncDunningExhausted(policy string) {
	if m == nil || m.dunningExhausted == nil {
		return
	}
	m.dunningExhausted.WithLabelValues(policy).Inc()
}

func (m *WorkerMetrics) IncSweepApplied() {
	if m == nil || m.sweepApplied == nil {
		return
	}
	m.sweepApplied.Inc()
}
