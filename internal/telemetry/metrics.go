// Package telemetry provides observability primitives for the CodePromptu
// service.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the service. It satisfies
// capture.Metrics directly so the Capture Pipeline can increment its
// counters without an adapter.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter

	CapturesSubmitted prometheus.Counter
	CapturesPrimaryOK prometheus.Counter
	CapturesFallback  prometheus.Counter
	CapturesDropped   prometheus.Counter

	CircuitBreakerState   *prometheus.GaugeVec   // labels: provider
	CircuitBreakerRejects *prometheus.CounterVec // labels: provider
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "codepromptu",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "codepromptu",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "cache_hits_total",
			Help:      "Total prompt get cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "cache_misses_total",
			Help:      "Total prompt get cache misses.",
		}),

		CapturesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "captures_submitted_total",
			Help:      "Total capture entries submitted to the pipeline.",
		}),

		CapturesPrimaryOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "captures_primary_ok_total",
			Help:      "Total captures delivered on the primary (synchronous) path.",
		}),

		CapturesFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "captures_fallback_total",
			Help:      "Total captures that fell back to the queue after a primary delivery failure.",
		}),

		CapturesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "captures_dropped_total",
			Help:      "Total captures dropped, either from queue overflow or after exhausting drain retries.",
		}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "codepromptu",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half_open).",
		}, []string{"provider"}),

		CircuitBreakerRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "codepromptu",
			Name:      "circuit_breaker_rejects_total",
			Help:      "Total requests rejected by circuit breaker.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.CapturesSubmitted,
		m.CapturesPrimaryOK,
		m.CapturesFallback,
		m.CapturesDropped,
		m.CircuitBreakerState,
		m.CircuitBreakerRejects,
	)

	return m
}

// CaptureSubmitted implements capture.Metrics.
func (m *Metrics) CaptureSubmitted() { m.CapturesSubmitted.Inc() }

// CapturePrimaryOK implements capture.Metrics.
func (m *Metrics) CapturePrimaryOK() { m.CapturesPrimaryOK.Inc() }

// CaptureFallback implements capture.Metrics.
func (m *Metrics) CaptureFallback() { m.CapturesFallback.Inc() }

// CaptureDropped implements capture.Metrics.
func (m *Metrics) CaptureDropped() { m.CapturesDropped.Inc() }

// CacheHit implements prompt.CacheMetrics.
func (m *Metrics) CacheHit() { m.CacheHits.Inc() }

// CacheMiss implements prompt.CacheMetrics.
func (m *Metrics) CacheMiss() { m.CacheMisses.Inc() }
