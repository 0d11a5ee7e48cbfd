// Package metrics exposes Prometheus instrumentation for the job engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric the engine reports.
type Collector struct {
	jobsStarted    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	rowsProcessed  prometheus.Counter
	rowsFailed     prometheus.Counter
	staleReclaimed prometheus.Counter
	workersActive  prometheus.Gauge
}

// NewCollector creates and registers the metric set. Tests pass their own
// registry; the CLI passes prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkflow_jobs_started_total",
			Help: "Jobs transitioned to processing",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkflow_jobs_completed_total",
			Help: "Jobs finalized as completed",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bulkflow_jobs_failed_total",
			Help: "Jobs finalized as failed",
		}, []string{"kind"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bulkflow_job_duration_seconds",
			Help:    "Wall time from processing to finalize",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"kind"}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkflow_rows_processed_total",
			Help: "Input rows consumed by import pipelines",
		}),
		rowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkflow_rows_failed_total",
			Help: "Input rows rejected by validation or the upsert engine",
		}),
		staleReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulkflow_stale_jobs_reclaimed_total",
			Help: "Jobs reclaimed by the stale-job sweep",
		}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bulkflow_workers_active",
			Help: "Worker slots currently running a job",
		}),
	}
	reg.MustRegister(c.jobsStarted, c.jobsCompleted, c.jobsFailed, c.jobDuration,
		c.rowsProcessed, c.rowsFailed, c.staleReclaimed, c.workersActive)
	return c
}

func (c *Collector) JobStarted(kind string)  { c.jobsStarted.WithLabelValues(kind).Inc() }
func (c *Collector) JobCompleted(kind string, seconds float64) {
	c.jobsCompleted.WithLabelValues(kind).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(seconds)
}
func (c *Collector) JobFailed(kind string, seconds float64) {
	c.jobsFailed.WithLabelValues(kind).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(seconds)
}
func (c *Collector) RowsProcessed(n int64) { c.rowsProcessed.Add(float64(n)) }
func (c *Collector) RowsFailed(n int64)    { c.rowsFailed.Add(float64(n)) }
func (c *Collector) StaleReclaimed()       { c.staleReclaimed.Inc() }
func (c *Collector) WorkerBusy()           { c.workersActive.Inc() }
func (c *Collector) WorkerIdle()           { c.workersActive.Dec() }

// Handler serves the default registry over HTTP.
func Handler() http.Handler {
	return promhttp.Handler()
}
