package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewWrapper(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewWithRegistry(registry)
	wrapper := NewWrapper(metrics)

	if wrapper == nil {
		t.Fatal("NewWrapper returned nil")
	}
	if wrapper.m != metrics {
		t.Error("Wrapper does not contain correct metrics instance")
	}
	if metrics.Gatherer() != registry {
		t.Error("Metrics should gather from the registry they were registered on")
	}
}

func TestWrapper_ExtractionMetrics(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	if v := testutil.ToFloat64(metrics.FeatureBatches); v != 0 {
		t.Errorf("Expected initial batch count 0, got %f", v)
	}

	wrapper.FeatureBatchesInc()
	wrapper.FeatureBatchesInc()
	if v := testutil.ToFloat64(metrics.FeatureBatches); v != 2 {
		t.Errorf("Expected batch count 2, got %f", v)
	}

	wrapper.ImagesEmbeddedAdd("train", 8)
	wrapper.ImagesEmbeddedAdd("train", 2)
	wrapper.ImagesEmbeddedAdd("test", 6)
	if v := testutil.ToFloat64(metrics.ImagesEmbedded.WithLabelValues("train")); v != 10 {
		t.Errorf("Expected 10 train images, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ImagesEmbedded.WithLabelValues("test")); v != 6 {
		t.Errorf("Expected 6 test images, got %f", v)
	}

	wrapper.ExtractionLatencyObserve(0.02)
	if n := testutil.CollectAndCount(metrics.ExtractionLatency); n != 1 {
		t.Errorf("Expected 1 latency series, got %d", n)
	}
}

func TestWrapper_ClassifierMetrics(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	wrapper.FitDurationSet(1500 * time.Millisecond)
	wrapper.SupportVectorsSet(7)
	wrapper.AccuracySet(0.8333)
	wrapper.RunsInc()
	wrapper.StageErrorInc("fit")
	wrapper.FeatureDriftSet("kolmogorov_smirnov", 0.4)

	tests := []struct {
		name     string
		value    float64
		expected float64
	}{
		{"fit duration", testutil.ToFloat64(metrics.FitDuration), 1.5},
		{"support vectors", testutil.ToFloat64(metrics.SupportVectors), 7},
		{"accuracy", testutil.ToFloat64(metrics.Accuracy), 0.8333},
		{"runs", testutil.ToFloat64(metrics.RunsTotal), 1},
		{"stage errors", testutil.ToFloat64(metrics.StageErrors.WithLabelValues("fit")), 1},
		{"feature drift", testutil.ToFloat64(metrics.FeatureDrift.WithLabelValues("kolmogorov_smirnov")), 0.4},
	}
	for _, tt := range tests {
		if tt.value != tt.expected {
			t.Errorf("%s: expected %f, got %f", tt.name, tt.expected, tt.value)
		}
	}
}

func TestWrapper_ClassifyObserve(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)

	wrapper.ClassifyObserve("ok", 10*time.Millisecond)
	wrapper.ClassifyObserve("error", time.Millisecond)
	wrapper.ClassifyObserve("ok", 5*time.Millisecond)

	if v := testutil.ToFloat64(metrics.ClassifyRequests.WithLabelValues("ok")); v != 2 {
		t.Errorf("Expected 2 ok requests, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.ClassifyRequests.WithLabelValues("error")); v != 1 {
		t.Errorf("Expected 1 failed request, got %f", v)
	}
}

func TestWriteTextfile(t *testing.T) {
	metrics := NewWithRegistry(prometheus.NewRegistry())
	wrapper := NewWrapper(metrics)
	wrapper.AccuracySet(0.75)
	wrapper.RunsInc()

	path := filepath.Join(t.TempDir(), "cnnsvm.prom")
	if err := wrapper.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read textfile: %v", err)
	}
	for _, want := range []string{"evaluation_accuracy 0.75", "pipeline_runs_total 1"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Textfile missing %q:\n%s", want, data)
		}
	}
}

func TestSeparateRegistriesDoNotCollide(t *testing.T) {
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Registering twice on separate registries panicked: %v", r)
		}
	}()

	a := NewWithRegistry(prometheus.NewRegistry())
	b := NewWithRegistry(prometheus.NewRegistry())
	NewWrapper(a).RunsInc()

	if v := testutil.ToFloat64(b.RunsTotal); v != 0 {
		t.Errorf("Expected independent registries, got %f", v)
	}
}
