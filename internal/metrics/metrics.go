// Package metrics exposes scheduling and reconciliation metrics to Prometheus.
//
// Counters track reconciliation passes, completions and notifications.
// Gauges mirror the latest dashboard aggregate and candidate scan.
// All methods are safe on a nil *Collector so callers can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopfloor/internal/domain"
)

type Collector struct {
	registry *prometheus.Registry

	reconcilePasses   prometheus.Counter
	reconcileFailures prometheus.Counter
	reconcileDuration prometheus.Histogram
	progressWrites    prometheus.Counter
	completions       *prometheus.CounterVec
	conflicts         *prometheus.CounterVec
	notifications     *prometheus.CounterVec

	candidatesReady   prometheus.Gauge
	candidatesBlocked prometheus.Gauge

	utilization     prometheus.Gauge
	averageProgress prometheus.Gauge
	inProgress      prometheus.Gauge
	dailyUnits      prometheus.Gauge
}

// NewCollector registers all metrics on reg, or on a fresh registry when reg is nil.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		reconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopfloor_reconcile_passes_total",
			Help: "Reconciliation passes that committed",
		}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopfloor_reconcile_failures_total",
			Help: "Reconciliation passes aborted by a data source failure",
		}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shopfloor_reconcile_duration_seconds",
			Help:    "Reconciliation pass latency",
			Buckets: prometheus.DefBuckets,
		}),
		progressWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shopfloor_progress_writes_total",
			Help: "Progress records written by reconciliation",
		}),
		completions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_operations_completed_total",
			Help: "Operations moved to COMPLETED",
		}, []string{"trigger"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_transition_conflicts_total",
			Help: "Absorbed transition conflicts",
		}, []string{"to"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shopfloor_notifications_raised_total",
			Help: "Completion notifications added to the ledger",
		}, []string{"source"}),
		candidatesReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_candidates_ready",
			Help: "Candidates able to start in the latest scan",
		}),
		candidatesBlocked: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_candidates_blocked",
			Help: "Candidates blocked in the latest scan",
		}),
		utilization: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_machine_utilization_percent",
			Help: "Busy active machines as a percentage of active machines",
		}),
		averageProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_average_progress_percent",
			Help: "Average progress over all operations",
		}),
		inProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_operations_in_progress",
			Help: "Operations currently IN_PROGRESS",
		}),
		dailyUnits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shopfloor_daily_units",
			Help: "Units on progress records updated today",
		}),
	}
	reg.MustRegister(
		c.reconcilePasses, c.reconcileFailures, c.reconcileDuration, c.progressWrites,
		c.completions, c.conflicts, c.notifications,
		c.candidatesReady, c.candidatesBlocked,
		c.utilization, c.averageProgress, c.inProgress, c.dailyUnits,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveReconcile records one pass; failed passes only bump the failure counter.
func (c *Collector) ObserveReconcile(d time.Duration, writes int, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.reconcileFailures.Inc()
		return
	}
	c.reconcilePasses.Inc()
	c.reconcileDuration.Observe(d.Seconds())
	c.progressWrites.Add(float64(writes))
}

func (c *Collector) RecordCompletion(trigger string) {
	if c == nil {
		return
	}
	c.completions.WithLabelValues(trigger).Inc()
}

func (c *Collector) RecordConflict(to string) {
	if c == nil {
		return
	}
	c.conflicts.WithLabelValues(to).Inc()
}

func (c *Collector) RecordNotification(source string) {
	if c == nil {
		return
	}
	c.notifications.WithLabelValues(source).Inc()
}

func (c *Collector) SetCandidates(ready, blocked int) {
	if c == nil {
		return
	}
	c.candidatesReady.Set(float64(ready))
	c.candidatesBlocked.Set(float64(blocked))
}

func (c *Collector) SetDashboard(m domain.ProductionMetrics) {
	if c == nil {
		return
	}
	c.utilization.Set(m.MachineUtilization)
	c.averageProgress.Set(m.AverageProgress)
	c.inProgress.Set(float64(m.InProgressOperations))
	c.dailyUnits.Set(float64(m.DailyUnits))
}
