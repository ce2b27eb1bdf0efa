// ============================================================================
// Geostream Metrics - Prometheus instrumentation for the job managers
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Every series carries a "manager" label (import, download, process,
// publish, cleanup, report):
//
//   Counters:
//     - gwss_jobs_enqueued_total{manager}
//     - gwss_jobs_finished_total{manager,status}   status = completed|failed|cancelled
//     - gwss_job_stalls_total{manager}             dead-man alarms
//     - gwss_status_reports_total{outcome}         ok|timeout|error
//
//   Histogram:
//     - gwss_job_duration_seconds{manager}
//
//   Gauges:
//     - gwss_queue_depth{manager}
//     - gwss_manager_paused{manager}               1 while paused
//
// Useful queries:
//
//   # failure rate per manager
//   rate(gwss_jobs_finished_total{status="failed"}[5m])
//     / rate(gwss_jobs_finished_total[5m])
//
//   # backlog
//   sum by (manager) (gwss_queue_depth)
//
// Collector implements jobmanager.Observer so it can be handed straight to
// every manager.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/geostream/pkg/types"
)

const namespace = "gwss"

// Collector Prometheus 指標收集器
type Collector struct {
	jobsEnqueued *prometheus.CounterVec
	jobsFinished *prometheus.CounterVec
	jobStalls    *prometheus.CounterVec
	reports      *prometheus.CounterVec

	jobDuration *prometheus.HistogramVec

	queueDepth *prometheus.GaugeVec
	paused     *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metric vectors and registers them on reg. When reg
// is nil a private registry is used.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	var gatherer prometheus.Gatherer = prometheus.DefaultGatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted by a manager",
		}, []string{"manager"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"manager", "status"}),
		jobStalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_stalls_total",
			Help:      "Dead-man alarms raised for running jobs",
		}, []string{"manager"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_reports_total",
			Help:      "Status reports sent to the license server by outcome",
		}, []string{"outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock time a job spent running",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"manager"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Jobs waiting in a manager queue",
		}, []string{"manager"}),
		paused: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "manager_paused",
			Help:      "1 while a manager is paused",
		}, []string{"manager"}),
		gatherer: gatherer,
	}

	for _, col := range []prometheus.Collector{
		c.jobsEnqueued, c.jobsFinished, c.jobStalls, c.reports,
		c.jobDuration, c.queueDepth, c.paused,
	} {
		if err := reg.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// JobEnqueued 記錄任務加入佇列
func (c *Collector) JobEnqueued(manager string) {
	c.jobsEnqueued.WithLabelValues(manager).Inc()
}

// JobFinished records a terminal state and how long the job ran.
func (c *Collector) JobFinished(manager string, status types.StatusCode, d time.Duration) {
	c.jobsFinished.WithLabelValues(manager, string(status)).Inc()
	c.jobDuration.WithLabelValues(manager).Observe(d.Seconds())
}

// JobStalled counts a dead-man alarm.
func (c *Collector) JobStalled(manager string) {
	c.jobStalls.WithLabelValues(manager).Inc()
}

// QueueDepth 更新佇列長度
func (c *Collector) QueueDepth(manager string, depth int) {
	c.queueDepth.WithLabelValues(manager).Set(float64(depth))
}

// Paused flips the paused gauge.
func (c *Collector) Paused(manager string, paused bool) {
	v := 0.0
	if paused {
		v = 1
	}
	c.paused.WithLabelValues(manager).Set(v)
}

// ReportSent counts a status report outcome.
func (c *Collector) ReportSent(outcome string) {
	c.reports.WithLabelValues(outcome).Inc()
}

// Handler serves the registry the collector was registered on.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
