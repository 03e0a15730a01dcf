// Package metrics provides Prometheus metrics for the Modbus engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics for the service.
type Registry struct {
	// Operation metrics
	OperationsTotal   *prometheus.CounterVec
	OperationsSkipped *prometheus.CounterVec
	AttemptDuration   *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	RetriesTotal      prometheus.Counter
	ReconnectsTotal   prometheus.Counter
	ExceptionsTotal   *prometheus.CounterVec

	// Connection metrics
	ActiveConnections prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectionErrors  prometheus.Counter
	ConnectionLatency prometheus.Histogram

	// Engine state
	ErrorState prometheus.Gauge

	// Sink metrics
	ResultsNotified prometheus.Counter
	NotifyFailures  prometheus.Counter
}

// NewRegistry creates a new metrics registry with all metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "total",
			Help:      "Total number of executed operations",
		}, []string{"operation", "status"}),
		OperationsSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "skipped_total",
			Help:      "Operations skipped before execution",
		}, []string{"reason"}),
		AttemptDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "attempt_duration_seconds",
			Help:      "Wire attempt duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "in_flight",
			Help:      "Operations currently holding an admission slot",
		}),
		RetriesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		}),
		ReconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "reconnects_total",
			Help:      "Connections recreated before a re-attempt",
		}),
		ExceptionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "operations",
			Name:      "exceptions_total",
			Help:      "Protocol exception codes returned by devices",
		}, []string{"code"}),

		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "modbus",
			Name:      "active_connections",
			Help:      "Number of pooled Modbus connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "modbus",
			Name:      "connections_total",
			Help:      "Total number of Modbus connection attempts",
		}),
		ConnectionErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "modbus",
			Name:      "connection_errors_total",
			Help:      "Total number of Modbus connection errors",
		}),
		ConnectionLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "engine",
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),

		ErrorState: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "state",
			Name:      "error",
			Help:      "1 when the engine is latched in the terminal error state",
		}),

		ResultsNotified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "sink",
			Name:      "results_total",
			Help:      "Results delivered to the output sink",
		}),
		NotifyFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "sink",
			Name:      "failures_total",
			Help:      "Failed deliveries to the output sink",
		}),
	}

	return r
}

// RecordOperation records a finished operation with its terminal status.
func (r *Registry) RecordOperation(operation, status string) {
	r.OperationsTotal.WithLabelValues(operation, status).Inc()
}

// RecordSkip records an operation skipped before execution.
func (r *Registry) RecordSkip(reason string) {
	r.OperationsSkipped.WithLabelValues(reason).Inc()
}

// RecordAttempt records the duration of a single wire attempt.
func (r *Registry) RecordAttempt(operation string, seconds float64) {
	r.AttemptDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordRetry records one retry attempt.
func (r *Registry) RecordRetry() {
	r.RetriesTotal.Inc()
}

// RecordReconnect records a connection recreation before a re-attempt.
func (r *Registry) RecordReconnect() {
	r.ReconnectsTotal.Inc()
}

// RecordException records a protocol exception code returned by a device.
func (r *Registry) RecordException(code string) {
	r.ExceptionsTotal.WithLabelValues(code).Inc()
}

// RecordConnection records a connection attempt.
func (r *Registry) RecordConnection(success bool, latency float64) {
	r.ConnectionsTotal.Inc()
	if !success {
		r.ConnectionErrors.Inc()
	}
	r.ConnectionLatency.Observe(latency)
}

// UpdateActiveConnections updates the pooled connection gauge.
func (r *Registry) UpdateActiveConnections(count int) {
	r.ActiveConnections.Set(float64(count))
}

// SetErrorState updates the terminal error latch gauge.
func (r *Registry) SetErrorState(latched bool) {
	if latched {
		r.ErrorState.Set(1)
	} else {
		r.ErrorState.Set(0)
	}
}

// RecordNotify records a sink delivery of n results.
func (r *Registry) RecordNotify(n int, err error) {
	if err != nil {
		r.NotifyFailures.Inc()
		return
	}
	r.ResultsNotified.Add(float64(n))
}
