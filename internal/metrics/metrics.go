// Package metrics collects and exposes Prometheus metrics for the
// coordinator. All record methods are nil-safe so components can run
// without a collector in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the coordinator's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	storeOps       *prometheus.CounterVec
	retryAttempts  prometheus.Counter
	retryExhausted prometheus.Counter
	activeSessions prometheus.Gauge
	flushDuration  prometheus.Histogram
	deletions      *prometheus.CounterVec
	broadcasts     prometheus.Counter
	observers      prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchmark_store_operations_total",
			Help: "Durable store operations by name and outcome.",
		}, []string{"op", "outcome"}),
		retryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchmark_retry_attempts_total",
			Help: "Retries performed by the durable-operation executor.",
		}),
		retryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchmark_retry_exhausted_total",
			Help: "Operations that failed after exhausting all retry attempts.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchmark_active_sessions",
			Help: "Sessions currently tracked by the registry.",
		}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "watchmark_flush_duration_seconds",
			Help:    "Duration of periodic session flushes.",
			Buckets: prometheus.DefBuckets,
		}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchmark_deletions_total",
			Help: "Soft-delete outcomes: undone, confirmed, or expired.",
		}, []string{"outcome"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "watchmark_broadcasts_total",
			Help: "Messages broadcast to observers.",
		}),
		observers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "watchmark_connected_observers",
			Help: "Observers currently connected to the hub.",
		}),
	}

	reg.MustRegister(
		c.storeOps,
		c.retryAttempts,
		c.retryExhausted,
		c.activeSessions,
		c.flushDuration,
		c.deletions,
		c.broadcasts,
		c.observers,
	)

	return c
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordStoreOp records a durable store operation.
func (c *Collector) RecordStoreOp(op string, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.storeOps.WithLabelValues(op, outcome).Inc()
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retryAttempts.Inc()
}

// RecordRetryExhausted records a terminally failed operation.
func (c *Collector) RecordRetryExhausted() {
	if c == nil {
		return
	}
	c.retryExhausted.Inc()
}

// SetActiveSessions updates the session gauge.
func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.activeSessions.Set(float64(n))
}

// RecordFlush records a periodic flush duration.
func (c *Collector) RecordFlush(d time.Duration) {
	if c == nil {
		return
	}
	c.flushDuration.Observe(d.Seconds())
}

// RecordDeletion records a soft-delete outcome.
func (c *Collector) RecordDeletion(outcome string) {
	if c == nil {
		return
	}
	c.deletions.WithLabelValues(outcome).Inc()
}

// RecordBroadcast records an outbound broadcast.
func (c *Collector) RecordBroadcast() {
	if c == nil {
		return
	}
	c.broadcasts.Inc()
}

// SetConnectedObservers updates the observer gauge.
func (c *Collector) SetConnectedObservers(n int) {
	if c == nil {
		return
	}
	c.observers.Set(float64(n))
}
