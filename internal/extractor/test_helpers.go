package extractor

import "sync"

// MockMetrics implements MetricsInterface for testing
type MockMetrics struct {
	mu         sync.Mutex
	batches    int
	latencySum float64
	images     map[string]int
}

func (m *MockMetrics) FeatureBatchesInc() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
}

func (m *MockMetrics) ExtractionLatencyObserve(v float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySum += v
}

func (m *MockMetrics) ImagesEmbeddedAdd(split string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.images == nil {
		m.images = make(map[string]int)
	}
	m.images[split] += n
}

// Batches returns the number of batches recorded.
func (m *MockMetrics) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Images returns the number of images recorded for split.
func (m *MockMetrics) Images(split string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.images[split]
}
