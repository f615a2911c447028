package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/mihaimyh/gotenant/pkg/tenancy"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		out[mf.GetName()] = mf
	}
	return out
}

func TestMetrics_RecordResolution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordResolution(tenancy.OutcomeCustom, time.Millisecond)
	m.RecordResolution(tenancy.OutcomeCustom, 2*time.Millisecond)
	m.RecordResolution(tenancy.OutcomeRejected, time.Millisecond)

	families := gather(t, reg)
	mf, ok := families["test_routing_resolutions_total"]
	if !ok {
		t.Fatal("resolutions_total not registered")
	}
	counts := map[string]float64{}
	for _, metric := range mf.GetMetric() {
		counts[metric.GetLabel()[0].GetValue()] = metric.GetCounter().GetValue()
	}
	if counts["custom"] != 2 || counts["rejected"] != 1 {
		t.Errorf("unexpected counts: %v", counts)
	}

	hist := families["test_routing_resolution_duration_seconds"]
	if hist == nil {
		t.Fatal("resolution_duration_seconds not registered")
	}
	var samples uint64
	for _, metric := range hist.GetMetric() {
		samples += metric.GetHistogram().GetSampleCount()
	}
	if samples != 3 {
		t.Errorf("expected 3 samples, got %d", samples)
	}
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordStorageOperation("get_mapping", 5*time.Millisecond, nil)
	m.RecordStorageOperation("get_mapping", 5*time.Millisecond, errors.New("timeout"))

	families := gather(t, reg)
	errs := families["test_routing_storage_operation_errors_total"]
	if errs == nil || len(errs.GetMetric()) != 1 {
		t.Fatal("expected one storage error series")
	}
	if got := errs.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 error, got %v", got)
	}
}

func TestMetrics_CacheHitsAndMisses(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg, "test")

	m.RecordCacheHit("mapping")
	m.RecordCacheHit("mapping")
	m.RecordCacheMiss("tenant")

	families := gather(t, reg)
	if got := families["test_routing_cache_hits_total"].GetMetric()[0].GetCounter().GetValue(); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}
	if got := families["test_routing_cache_misses_total"].GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("expected 1 miss, got %v", got)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m := DefaultMetrics("gotenant_default_test")
	if m == nil {
		t.Fatal("DefaultMetrics returned nil")
	}
	m.RecordResolution(tenancy.OutcomeSubdomain, time.Millisecond)
}
