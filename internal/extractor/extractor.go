// Package extractor turns batches of image tensors into fixed-length feature
// vectors using a frozen pre-trained network.
//
// The network itself sits behind the Backend interface. ONNXBackend runs an
// exported model through ONNX Runtime on CPU or CUDA; HistogramBackend is a
// deterministic colour-statistics embedding used when no network is
// configured.
package extractor

import (
	"context"
	"fmt"
	"time"

	"cnnsvm/internal/common"
	"cnnsvm/internal/dataset"
	"cnnsvm/internal/transforms"

	"github.com/rs/zerolog/log"
)

// FeatureVector is the embedding of one image.
type FeatureVector []float32

// FeatureDataset holds parallel feature and label slices for one split.
type FeatureDataset struct {
	Split    string
	Features []FeatureVector
	Labels   []int
}

// Len returns the number of examples.
func (d *FeatureDataset) Len() int {
	return len(d.Features)
}

// Matrix returns the features as plain slices, sharing the underlying data.
func (d *FeatureDataset) Matrix() [][]float32 {
	out := make([][]float32, len(d.Features))
	for i, f := range d.Features {
		out[i] = f
	}
	return out
}

// Backend is a frozen network mapping an NCHW batch to n embeddings.
type Backend interface {
	// Embed runs n images packed as NCHW float32 and returns n*Dim values.
	Embed(input []float32, n int) ([]float32, error)
	// InputShape is the expected per-image tensor shape.
	InputShape() (c, h, w int)
	// Dim is the embedding length.
	Dim() int
	Device() Device
	// Close releases the network and any device memory it holds.
	Close() error
}

// MetricsInterface defines metrics methods needed by the extractor
type MetricsInterface interface {
	FeatureBatchesInc()
	ExtractionLatencyObserve(float64)
	ImagesEmbeddedAdd(split string, n int)
}

// Extractor validates and packs image batches for a Backend.
type Extractor struct {
	backend Backend
	metrics MetricsInterface
}

// New wraps a backend. metrics may be nil.
func New(backend Backend, metrics MetricsInterface) *Extractor {
	return &Extractor{backend: backend, metrics: metrics}
}

// Dim returns the embedding length.
func (e *Extractor) Dim() int {
	return e.backend.Dim()
}

// Device returns the device the backend runs on.
func (e *Extractor) Device() Device {
	return e.backend.Device()
}

// Close releases the backend.
func (e *Extractor) Close() error {
	return e.backend.Close()
}

// Extract embeds images and returns one vector per image, in input order.
func (e *Extractor) Extract(images []transforms.Tensor) ([]FeatureVector, error) {
	if len(images) == 0 {
		return nil, nil
	}

	c, h, w := e.backend.InputShape()
	size := c * h * w
	packed := make([]float32, 0, len(images)*size)
	for i, img := range images {
		if img.C != c || img.H != h || img.W != w {
			return nil, &common.FeatureShapeMismatchError{
				Reason:   fmt.Sprintf("image %d is %dx%dx%d, network expects %dx%dx%d", i, img.C, img.H, img.W, c, h, w),
				Expected: size,
				Got:      img.Len(),
			}
		}
		if len(img.Data) != size {
			return nil, &common.FeatureShapeMismatchError{Reason: fmt.Sprintf("image %d data length", i), Expected: size, Got: len(img.Data)}
		}
		packed = append(packed, img.Data...)
	}

	start := time.Now()
	out, err := e.backend.Embed(packed, len(images))
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(images), err)
	}
	if e.metrics != nil {
		e.metrics.ExtractionLatencyObserve(time.Since(start).Seconds())
	}

	dim := e.backend.Dim()
	if len(out) != len(images)*dim {
		return nil, &common.FeatureShapeMismatchError{Reason: "backend output length", Expected: len(images) * dim, Got: len(out)}
	}

	vectors := make([]FeatureVector, len(images))
	for i := range vectors {
		v := make(FeatureVector, dim)
		copy(v, out[i*dim:(i+1)*dim])
		vectors[i] = v
	}
	return vectors, nil
}

// ExtractSplit embeds every batch of the iterator, producing one vector and
// one label per image in the order the batches yield them.
func (e *Extractor) ExtractSplit(ctx context.Context, split string, it *dataset.BatchIterator) (*FeatureDataset, error) {
	fd := &FeatureDataset{Split: split}
	total := it.NumBatches()
	start := time.Now()

	for it.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		batch := it.Batch()
		vectors, err := e.Extract(batch.Images)
		if err != nil {
			return nil, fmt.Errorf("batch %d/%d: %w", it.Index(), total, err)
		}
		fd.Features = append(fd.Features, vectors...)
		fd.Labels = append(fd.Labels, batch.Labels...)

		if e.metrics != nil {
			e.metrics.FeatureBatchesInc()
			e.metrics.ImagesEmbeddedAdd(split, batch.Len())
		}
		log.Info().
			Str("split", split).
			Int("batch", it.Index()).
			Int("batches", total).
			Int("images", fd.Len()).
			Msg("Extracting features")
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("load %s batch: %w", split, err)
	}

	log.Info().
		Str("split", split).
		Int("vectors", fd.Len()).
		Int("dim", e.backend.Dim()).
		Dur("elapsed", time.Since(start)).
		Msg("Feature extraction complete")

	return fd, nil
}
