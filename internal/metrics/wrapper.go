package metrics

import "time"

// Wrapper adapts Metrics to the small interfaces the pipeline packages
// declare, so they do not import Prometheus.
type Wrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *Wrapper {
	return &Wrapper{m: m}
}

func (w *Wrapper) FeatureBatchesInc() {
	w.m.FeatureBatches.Inc()
}

func (w *Wrapper) ExtractionLatencyObserve(v float64) {
	w.m.ExtractionLatency.Observe(v)
}

func (w *Wrapper) ImagesEmbeddedAdd(split string, n int) {
	w.m.ImagesEmbedded.WithLabelValues(split).Add(float64(n))
}

func (w *Wrapper) FitDurationSet(d time.Duration) {
	w.m.FitDuration.Set(d.Seconds())
}

func (w *Wrapper) SupportVectorsSet(n int) {
	w.m.SupportVectors.Set(float64(n))
}

func (w *Wrapper) AccuracySet(v float64) {
	w.m.Accuracy.Set(v)
}

func (w *Wrapper) FeatureDriftSet(method string, v float64) {
	w.m.FeatureDrift.WithLabelValues(method).Set(v)
}

func (w *Wrapper) RunsInc() {
	w.m.RunsTotal.Inc()
}

func (w *Wrapper) StageErrorInc(stage string) {
	w.m.StageErrors.WithLabelValues(stage).Inc()
}

func (w *Wrapper) ClassifyObserve(outcome string, d time.Duration) {
	w.m.ClassifyRequests.WithLabelValues(outcome).Inc()
	w.m.ClassifyLatency.Observe(d.Seconds())
}

// WriteTextfile writes the wrapped metrics to path.
func (w *Wrapper) WriteTextfile(path string) error {
	return w.m.WriteTextfile(path)
}
