// Package metrics provides Prometheus metrics for the feature extraction and
// classification pipeline. Batch runs write them to a node-exporter textfile;
// the classification service exposes them over HTTP.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Extraction metrics
	ImagesEmbedded    *prometheus.CounterVec // Images embedded, by split
	FeatureBatches    prometheus.Counter     // Batches run through the network
	ExtractionLatency prometheus.Histogram   // Network latency per batch

	// Classifier metrics
	FitDuration    prometheus.Gauge // Seconds spent fitting the last classifier
	SupportVectors prometheus.Gauge // Support vectors of the last classifier
	Accuracy       prometheus.Gauge // Test accuracy of the last run

	// Drift metrics
	FeatureDrift *prometheus.GaugeVec // Worst per-dimension drift score, by method

	// Service metrics
	ClassifyRequests *prometheus.CounterVec // Classification requests, by outcome
	ClassifyLatency  prometheus.Histogram   // End-to-end classification latency

	// System metrics
	RunsTotal   prometheus.Counter     // Completed pipeline runs
	StageErrors *prometheus.CounterVec // Failures, by pipeline stage

	gatherer prometheus.Gatherer
}

// New creates and registers all metrics on the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics on a custom registry. Each pipeline run
// uses its own registry so runs in one process do not collide.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	m := &Metrics{
		ImagesEmbedded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "images_embedded_total",
			Help: "Total number of images embedded by the feature network",
		}, []string{"split"}),
		FeatureBatches: factory.NewCounter(prometheus.CounterOpts{
			Name: "feature_batches_total",
			Help: "Total number of batches run through the feature network",
		}),
		ExtractionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "feature_extraction_latency_seconds",
			Help:    "Feature network latency per batch in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		FitDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "svm_fit_duration_seconds",
			Help: "Time spent fitting the classifier in seconds",
		}),
		SupportVectors: factory.NewGauge(prometheus.GaugeOpts{
			Name: "svm_support_vectors",
			Help: "Number of support vectors of the fitted classifier",
		}),
		Accuracy: factory.NewGauge(prometheus.GaugeOpts{
			Name: "evaluation_accuracy",
			Help: "Accuracy of the classifier on the evaluation split",
		}),
		FeatureDrift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "feature_drift_max",
			Help: "Highest per-dimension drift score between training and evaluation embeddings",
		}, []string{"method"}),
		ClassifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "classify_requests_total",
			Help: "Total number of classification requests",
		}, []string{"outcome"}),
		ClassifyLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "classify_latency_seconds",
			Help:    "Classification request latency in seconds (end-to-end)",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		RunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Total number of completed pipeline runs",
		}),
		StageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_stage_errors_total",
			Help: "Total number of pipeline failures by stage",
		}, []string{"stage"}),
	}

	if g, ok := registerer.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// Gatherer returns the registry the metrics were registered on.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// WriteTextfile writes the current values in the text exposition format,
// suitable for the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.gatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
