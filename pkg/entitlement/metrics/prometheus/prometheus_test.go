package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func findMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordWebhookEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookEvent("order_created", "processed")
	metrics.RecordWebhookEvent("order_created", "processed")
	metrics.RecordWebhookEvent("order_created", "duplicate")

	mf := findMetric(t, reg, "test_webhook_events_total")
	if mf == nil {
		t.Fatal("webhook_events_total not found")
	}
	for _, m := range mf.GetMetric() {
		outcome := labelValue(m, "outcome")
		switch outcome {
		case "processed":
			if got := m.GetCounter().GetValue(); got != 2 {
				t.Errorf("processed count = %v, want 2", got)
			}
		case "duplicate":
			if got := m.GetCounter().GetValue(); got != 1 {
				t.Errorf("duplicate count = %v, want 1", got)
			}
		default:
			t.Errorf("unexpected outcome label %q", outcome)
		}
	}
}

func TestPrometheusMetrics_EmptyEventNameLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordWebhookProcessingDuration("", 10*time.Millisecond)

	mf := findMetric(t, reg, "test_webhook_processing_duration_seconds")
	if mf == nil {
		t.Fatal("webhook_processing_duration_seconds not found")
	}
	if got := labelValue(mf.GetMetric()[0], "event_name"); got != "unknown" {
		t.Errorf("event_name label = %q, want unknown", got)
	}
}

func TestPrometheusMetrics_RecordAccessDecision(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordAccessDecision("store", "", true)
	metrics.RecordAccessDecision("store", "expired", false)

	mf := findMetric(t, reg, "test_access_decisions_total")
	if mf == nil {
		t.Fatal("access_decisions_total not found")
	}
	reasons := map[string]string{}
	for _, m := range mf.GetMetric() {
		reasons[labelValue(m, "reason")] = labelValue(m, "active")
	}
	if reasons["allowed"] != "true" {
		t.Errorf("allowed decision not recorded: %v", reasons)
	}
	if reasons["expired"] != "false" {
		t.Errorf("expired decision not recorded: %v", reasons)
	}
}

func TestPrometheusMetrics_RecordValidationCall(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordValidationCall("valid", 120*time.Millisecond)

	if findMetric(t, reg, "test_license_validation_calls_total") == nil {
		t.Error("Expected validation call counter to be recorded")
	}
	if findMetric(t, reg, "test_license_validation_duration_seconds") == nil {
		t.Error("Expected validation duration histogram to be recorded")
	}
}

func TestPrometheusMetrics_RecordCache(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCacheHit("validation")
	metrics.RecordCacheMiss("validation")

	if findMetric(t, reg, "test_cache_hits_total") == nil {
		t.Error("Expected cache hit metrics to be recorded")
	}
	if findMetric(t, reg, "test_cache_misses_total") == nil {
		t.Error("Expected cache miss metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStorageOperation("claim_event", 5*time.Millisecond, nil)
	metrics.RecordStorageOperation("claim_event", 5*time.Millisecond, errors.New("connection reset"))

	mf := findMetric(t, reg, "test_storage_operation_errors_total")
	if mf == nil {
		t.Fatal("storage_operation_errors_total not found")
	}
	if got := mf.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestPrometheusMetrics_RecordCircuitBreakerStateChange(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordCircuitBreakerStateChange("open")
	metrics.RecordCircuitBreakerStateChange("closed")

	mf := findMetric(t, reg, "test_circuit_breaker_state_changes_total")
	if mf == nil {
		t.Fatal("circuit_breaker_state_changes_total not found")
	}
	if len(mf.GetMetric()) != 2 {
		t.Errorf("expected 2 state label series, got %d", len(mf.GetMetric()))
	}
}
