// Package telemetry defines the Prometheus series the control plane exposes
// and the structured logger construction used throughout the process.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storeforge"

// Metrics bundles every collector the HTTP surface and orchestrator record
// against. Built as a struct (rather than the teacher's package-level vars)
// so tests can construct an isolated registry per case.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	StoresTotal                     *prometheus.CounterVec
	StoreProvisioningDurationMs     *prometheus.HistogramVec
	StoreProvisioningStepDurationMs *prometheus.HistogramVec
	StoreProvisioningFailuresTotal  *prometheus.CounterVec

	ActiveProvisioningOperations prometheus.Gauge
	ProvisioningConcurrentOps    prometheus.Gauge
	ProvisioningQueueDepth       prometheus.Gauge
	ProvisioningQueueWaitMs      prometheus.Histogram
	ProvisioningRejectionsTotal  *prometheus.CounterVec

	ProcessUptimeSeconds prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New builds a Metrics bundle registered against a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_ms",
			Help:    "HTTP request duration in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"method", "route", "status"}),

		StoresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stores_total",
			Help: "Total stores observed by engine and terminal/transition status.",
		}, []string{"engine", "status"}),

		StoreProvisioningDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_provisioning_duration_ms",
			Help:    "End-to-end provisioning duration in milliseconds.",
			Buckets: []float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000, 1200000},
		}, []string{"engine"}),

		StoreProvisioningStepDurationMs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "store_provisioning_step_duration_ms",
			Help:    "Duration of an individual provisioning step in milliseconds.",
			Buckets: []float64{100, 500, 1000, 5000, 15000, 30000, 60000, 180000},
		}, []string{"step", "engine"}),

		StoreProvisioningFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "store_provisioning_failures_total",
			Help: "Total provisioning failures by engine and failing step.",
		}, []string{"engine", "step"}),

		ActiveProvisioningOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_provisioning_operations",
			Help: "Number of provisioning or deletion workflows currently running.",
		}),

		ProvisioningConcurrentOps: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provisioning_concurrent_operations",
			Help: "Current number of permits held from the concurrency limiter.",
		}),

		ProvisioningQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provisioning_queue_depth",
			Help: "Current number of operations waiting for a concurrency permit.",
		}),

		ProvisioningQueueWaitMs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "provisioning_queue_wait_ms",
			Help:    "Time spent waiting in the concurrency limiter's queue, in milliseconds.",
			Buckets: []float64{0, 10, 50, 100, 500, 1000, 5000, 15000, 30000},
		}),

		ProvisioningRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "provisioning_rejections_total",
			Help: "Total operations rejected because the queue was full or timed out, by reason.",
		}, []string{"reason"}),

		ProcessUptimeSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "process_uptime_seconds",
			Help: "Seconds since process start.",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state",
			Help: "Current circuit breaker state by name (0=closed, 0.5=half_open, 1=open).",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.StoresTotal, m.StoreProvisioningDurationMs, m.StoreProvisioningStepDurationMs, m.StoreProvisioningFailuresTotal,
		m.ActiveProvisioningOperations, m.ProvisioningConcurrentOps, m.ProvisioningQueueDepth,
		m.ProvisioningQueueWaitMs, m.ProvisioningRejectionsTotal, m.ProcessUptimeSeconds, m.CircuitBreakerState,
	)

	return m
}

// BreakerStateValue maps a breaker.State() string onto the gauge's numeric encoding.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 0.5
	default:
		return 0
	}
}
