package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.CacheHits == nil {
		t.Error("CacheHits is nil")
	}
	if m.CacheMisses == nil {
		t.Error("CacheMisses is nil")
	}
	if m.CapturesSubmitted == nil {
		t.Error("CapturesSubmitted is nil")
	}
	if m.CapturesPrimaryOK == nil {
		t.Error("CapturesPrimaryOK is nil")
	}
	if m.CapturesFallback == nil {
		t.Error("CapturesFallback is nil")
	}
	if m.CapturesDropped == nil {
		t.Error("CapturesDropped is nil")
	}
	if m.CircuitBreakerState == nil {
		t.Error("CircuitBreakerState is nil")
	}
	if m.CircuitBreakerRejects == nil {
		t.Error("CircuitBreakerRejects is nil")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/prompts", "201").Inc()
	m.CacheHits.Inc()
	m.CacheMisses.Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/prompts").Observe(0.123)
	m.CapturesSubmitted.Inc()
	m.CapturesPrimaryOK.Inc()
	m.CircuitBreakerState.WithLabelValues("openai").Set(0)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"codepromptu_requests_total",
		"codepromptu_cache_hits_total",
		"codepromptu_cache_misses_total",
		"codepromptu_active_requests",
		"codepromptu_request_duration_seconds",
		"codepromptu_captures_submitted_total",
		"codepromptu_captures_primary_ok_total",
		"codepromptu_circuit_breaker_state",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

func TestMetricsSatisfiesCaptureMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.CaptureSubmitted()
	m.CapturePrimaryOK()
	m.CaptureFallback()
	m.CaptureDropped()

	if got := testutil.ToFloat64(m.CapturesSubmitted); got != 1 {
		t.Errorf("CapturesSubmitted = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CapturesDropped); got != 1 {
		t.Errorf("CapturesDropped = %v, want 1", got)
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
