// Package metrics provides internal metrics collection for the access layer.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records the prometheus metrics of the pool,
// executor and health monitor, and mirrors the counters into an internal
// snapshot that operators can poll and reset independently of prometheus.
type Collector struct {
	// Pool metrics
	acquireWait     *prometheus.HistogramVec
	acquireTimeouts *prometheus.CounterVec
	connsOpened     prometheus.Counter
	connsClosed     *prometheus.CounterVec
	connsOpen       prometheus.Gauge
	connsIdle       prometheus.Gauge
	connsLeased     prometheus.Gauge

	// Query metrics
	queryDuration *prometheus.HistogramVec
	retriesTotal  *prometheus.CounterVec

	// Health metrics
	probesTotal  *prometheus.CounterVec
	probeLatency prometheus.Histogram

	mirror Mirror

	logger *zap.Logger
}

// Mirror holds the atomically updated counterpart of the prometheus
// counters. Unlike prometheus counters it can be reset at operator request.
type Mirror struct {
	Acquires        atomic.Int64
	AcquireTimeouts atomic.Int64
	AcquireWaitNs   atomic.Int64
	Queries         atomic.Int64
	QueryErrors     atomic.Int64
	Retries         atomic.Int64
	ConnsOpened     atomic.Int64
	ConnsClosed     atomic.Int64
	ProbeSuccesses  atomic.Int64
	ProbeFailures   atomic.Int64
	ProbeLatencyNs  atomic.Int64
}

// Snapshot is a read-only view of the mirror, polled by external monitoring.
type Snapshot struct {
	Acquires        int64         `json:"acquires"`
	AcquireTimeouts int64         `json:"acquire_timeouts"`
	AcquireWait     time.Duration `json:"acquire_wait_total"`
	Queries         int64         `json:"queries"`
	QueryErrors     int64         `json:"query_errors"`
	Retries         int64         `json:"retries"`
	ConnsOpened     int64         `json:"conns_opened"`
	ConnsClosed     int64         `json:"conns_closed"`
	ProbeSuccesses  int64         `json:"probe_successes"`
	ProbeFailures   int64         `json:"probe_failures"`
	ProbeLatency    time.Duration `json:"probe_latency_total"`
}

// NewCollector creates a metrics collector. reg may be nil, in which case
// the prometheus default registerer is used; tests pass their own registry.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// Pool metrics
	c.acquireWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_wait_seconds",
			Help:      "Time spent waiting for a connection lease",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"mode"},
	)

	c.acquireTimeouts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_timeouts_total",
			Help:      "Total number of lease acquisitions that timed out",
		},
		[]string{"mode"},
	)

	c.connsOpened = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Total number of physical connections opened",
		},
	)

	c.connsClosed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total number of physical connections closed",
		},
		[]string{"reason"}, // idle_timeout, max_lifetime, broken, shutdown
	)

	c.connsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_open",
			Help:      "Number of open physical connections",
		},
	)

	c.connsIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_idle",
			Help:      "Number of idle physical connections",
		},
	)

	c.connsLeased = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_leased",
			Help:      "Number of leased physical connections",
		},
	)

	// Query metrics
	c.queryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query execution duration including retries",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30},
		},
		[]string{"mode", "status"},
	)

	c.retriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_retries_total",
			Help:      "Total number of transient-error retries",
		},
		[]string{"mode"},
	)

	// Health metrics
	c.probesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Total number of connection liveness probes",
		},
		[]string{"outcome"}, // ok, fail
	)

	c.probeLatency = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_latency_seconds",
			Help:      "Connection liveness probe latency",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		},
	)

	return c
}

// ObserveAcquire records a successful lease grant and the time the caller
// waited for it.
func (c *Collector) ObserveAcquire(mode string, wait time.Duration) {
	c.acquireWait.WithLabelValues(mode).Observe(wait.Seconds())
	c.mirror.Acquires.Add(1)
	c.mirror.AcquireWaitNs.Add(wait.Nanoseconds())
}

// IncAcquireTimeout records a lease acquisition that failed on deadline.
func (c *Collector) IncAcquireTimeout(mode string) {
	c.acquireTimeouts.WithLabelValues(mode).Inc()
	c.mirror.AcquireTimeouts.Add(1)
}

// IncConnOpened records a new physical connection.
func (c *Collector) IncConnOpened() {
	c.connsOpened.Inc()
	c.mirror.ConnsOpened.Add(1)
}

// IncConnClosed records a closed physical connection with its reason.
func (c *Collector) IncConnClosed(reason string) {
	c.connsClosed.WithLabelValues(reason).Inc()
	c.mirror.ConnsClosed.Add(1)
}

// SetConnGauges publishes the current pool composition.
func (c *Collector) SetConnGauges(open, idle, leased int) {
	c.connsOpen.Set(float64(open))
	c.connsIdle.Set(float64(idle))
	c.connsLeased.Set(float64(leased))
}

// ObserveQuery records one finished Execute/Stream call.
func (c *Collector) ObserveQuery(mode, status string, d time.Duration) {
	c.queryDuration.WithLabelValues(mode, status).Observe(d.Seconds())
	c.mirror.Queries.Add(1)
	if status != "ok" {
		c.mirror.QueryErrors.Add(1)
	}
}

// IncRetry records one transient-error retry.
func (c *Collector) IncRetry(mode string) {
	c.retriesTotal.WithLabelValues(mode).Inc()
	c.mirror.Retries.Add(1)
}

// ObserveProbe records one liveness probe outcome.
func (c *Collector) ObserveProbe(d time.Duration, ok bool) {
	c.probeLatency.Observe(d.Seconds())
	c.mirror.ProbeLatencyNs.Add(d.Nanoseconds())
	if ok {
		c.probesTotal.WithLabelValues("ok").Inc()
		c.mirror.ProbeSuccesses.Add(1)
	} else {
		c.probesTotal.WithLabelValues("fail").Inc()
		c.mirror.ProbeFailures.Add(1)
	}
}

// Snapshot returns the current mirror values.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Acquires:        c.mirror.Acquires.Load(),
		AcquireTimeouts: c.mirror.AcquireTimeouts.Load(),
		AcquireWait:     time.Duration(c.mirror.AcquireWaitNs.Load()),
		Queries:         c.mirror.Queries.Load(),
		QueryErrors:     c.mirror.QueryErrors.Load(),
		Retries:         c.mirror.Retries.Load(),
		ConnsOpened:     c.mirror.ConnsOpened.Load(),
		ConnsClosed:     c.mirror.ConnsClosed.Load(),
		ProbeSuccesses:  c.mirror.ProbeSuccesses.Load(),
		ProbeFailures:   c.mirror.ProbeFailures.Load(),
		ProbeLatency:    time.Duration(c.mirror.ProbeLatencyNs.Load()),
	}
}

// Reset zeroes the mirror counters. Prometheus counters are append-only and
// are left untouched; Reset exists for the operator-facing snapshot only.
func (c *Collector) Reset() {
	c.mirror.Acquires.Store(0)
	c.mirror.AcquireTimeouts.Store(0)
	c.mirror.AcquireWaitNs.Store(0)
	c.mirror.Queries.Store(0)
	c.mirror.QueryErrors.Store(0)
	c.mirror.Retries.Store(0)
	c.mirror.ConnsOpened.Store(0)
	c.mirror.ConnsClosed.Store(0)
	c.mirror.ProbeSuccesses.Store(0)
	c.mirror.ProbeFailures.Store(0)
	c.mirror.ProbeLatencyNs.Store(0)
	c.logger.Info("metrics mirror reset")
}
