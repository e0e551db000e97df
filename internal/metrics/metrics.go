// Package metrics exposes Prometheus collectors for module lifecycle
// transitions, event dispatch, the background loops and the result cache.
//
// All Record methods are safe to call on a nil *Collector, which lets
// components run without metrics in tests and embedded use.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds the engine metrics and the registry they are exposed from.
type Collector struct {
	registry *prometheus.Registry

	// Lifecycle metrics
	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec

	// Dispatch metrics
	eventsEmitted   *prometheus.CounterVec
	dispatchTotal   *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
	dispatchQueued  prometheus.Gauge
	handlerPanics   prometheus.Counter
	rulesRegistered prometheus.Gauge

	// Loop metrics
	loopTicks       *prometheus.CounterVec
	loopErrors      *prometheus.CounterVec
	loopTickLatency *prometheus.HistogramVec
	batchRuns       *prometheus.CounterVec
	batchRecords    *prometheus.CounterVec
	alerts          *prometheus.CounterVec

	// Cache metrics
	cacheOperations *prometheus.CounterVec

	uptime    prometheus.GaugeFunc
	startTime time.Time
}

// NewCollector creates a collector registering every metric under namespace.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "franchise"
	}

	c := &Collector{
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
	}

	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "transitions_total",
			Help:      "Total number of module lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	c.transitionLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "transition_duration_seconds",
			Help:      "Time taken by module lifecycle operations",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	c.eventsEmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "events_total",
			Help:      "Total number of emitted integration events by type and result",
		},
		[]string{"event_type", "result"},
	)

	c.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "dispatch_total",
			Help:      "Total number of handler dispatches by rule and result",
		},
		[]string{"rule", "result"},
	)

	c.dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "dispatch_duration_seconds",
			Help:      "Time taken by a single handler dispatch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"rule"},
	)

	c.dispatchQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "dispatch_queued",
			Help:      "Number of dispatches waiting for a worker",
		},
	)

	c.handlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "handler_panics_total",
			Help:      "Total number of recovered handler panics",
		},
	)

	c.rulesRegistered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "integration",
			Name:      "rules",
			Help:      "Number of registered integration rules",
		},
	)

	c.loopTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Total number of background loop ticks",
		},
		[]string{"loop"},
	)

	c.loopErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "errors_total",
			Help:      "Total number of errors raised inside background loop ticks",
		},
		[]string{"loop"},
	)

	c.loopTickLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Time taken by one background loop tick",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~65s
		},
		[]string{"loop"},
	)

	c.batchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_runs_total",
			Help:      "Total number of batch rule runs by rule and result",
		},
		[]string{"rule", "result"},
	)

	c.batchRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_records_total",
			Help:      "Total number of central store records processed by batch rules",
		},
		[]string{"rule"},
	)

	c.alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "alerts_total",
			Help:      "Total number of alert events by check and state",
		},
		[]string{"check", "state"},
	)

	c.cacheOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "operations_total",
			Help:      "Total number of result cache operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	c.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Engine uptime in seconds",
		},
		func() float64 { return time.Since(c.startTime).Seconds() },
	)

	c.registry.MustRegister(
		c.transitions,
		c.transitionLatency,
		c.eventsEmitted,
		c.dispatchTotal,
		c.dispatchLatency,
		c.dispatchQueued,
		c.handlerPanics,
		c.rulesRegistered,
		c.loopTicks,
		c.loopErrors,
		c.loopTickLatency,
		c.batchRuns,
		c.batchRecords,
		c.alerts,
		c.cacheOperations,
		c.uptime,
	)

	return c
}

// Registry returns the Prometheus registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordTransition records a lifecycle operation and its latency.
func (c *Collector) RecordTransition(operation string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(operation, result(err)).Inc()
	c.transitionLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEmit records an emitted event.
func (c *Collector) RecordEmit(eventType string, err error) {
	if c == nil {
		return
	}
	c.eventsEmitted.WithLabelValues(eventType, result(err)).Inc()
}

// RecordDispatch records the outcome of one handler dispatch.
func (c *Collector) RecordDispatch(rule string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.dispatchTotal.WithLabelValues(rule, result(err)).Inc()
	c.dispatchLatency.WithLabelValues(rule).Observe(duration.Seconds())
}

// RecordQueueDepth records the number of dispatches waiting for a worker.
func (c *Collector) RecordQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.dispatchQueued.Set(float64(depth))
}

// RecordHandlerPanic increments the recovered panic counter.
func (c *Collector) RecordHandlerPanic() {
	if c == nil {
		return
	}
	c.handlerPanics.Inc()
}

// RecordRuleCount records the number of registered rules.
func (c *Collector) RecordRuleCount(n int) {
	if c == nil {
		return
	}
	c.rulesRegistered.Set(float64(n))
}

// RecordTick records one background loop tick.
func (c *Collector) RecordTick(loop string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	c.loopTicks.WithLabelValues(loop).Inc()
	c.loopTickLatency.WithLabelValues(loop).Observe(duration.Seconds())
	if err != nil {
		c.loopErrors.WithLabelValues(loop).Inc()
	}
}

// RecordBatchRun records one batch rule run and the number of records it
// processed.
func (c *Collector) RecordBatchRun(rule string, records int, err error) {
	if c == nil {
		return
	}
	c.batchRuns.WithLabelValues(rule, result(err)).Inc()
	c.batchRecords.WithLabelValues(rule).Add(float64(records))
}

// RecordAlert records an alert state change for a health check.
func (c *Collector) RecordAlert(check, state string) {
	if c == nil {
		return
	}
	c.alerts.WithLabelValues(check, state).Inc()
}

// RecordCache records a result cache operation.
func (c *Collector) RecordCache(operation string, err error) {
	if c == nil {
		return
	}
	c.cacheOperations.WithLabelValues(operation, result(err)).Inc()
}
