package extractor

import (
	"fmt"
	"math"
)

// HistogramBins is the number of intensity bins per channel.
const HistogramBins = 8

// HistogramBackend embeds an image as per-channel colour statistics: a
// normalised intensity histogram followed by the channel mean and standard
// deviation. It needs no model file and is fully deterministic.
type HistogramBackend struct {
	size int
	dim  int
}

// NewHistogramBackend expects 3xsize x size tensors with values in [0, 1].
// Values outside that range are clamped into the edge bins.
func NewHistogramBackend(size int) *HistogramBackend {
	return &HistogramBackend{
		size: size,
		dim:  3 * (HistogramBins + 2),
	}
}

func (b *HistogramBackend) Embed(input []float32, n int) ([]float32, error) {
	plane := b.size * b.size
	if n <= 0 || len(input) != n*3*plane {
		return nil, fmt.Errorf("input has %d values, expected %d", len(input), n*3*plane)
	}

	out := make([]float32, 0, n*b.dim)
	for i := 0; i < n; i++ {
		img := input[i*3*plane : (i+1)*3*plane]
		for c := 0; c < 3; c++ {
			out = append(out, channelStats(img[c*plane:(c+1)*plane])...)
		}
	}
	return out, nil
}

func channelStats(values []float32) []float32 {
	stats := make([]float32, HistogramBins+2)
	var sum, sumSq float64
	for _, v := range values {
		x := float64(v)
		sum += x
		sumSq += x * x

		bin := int(x * HistogramBins)
		bin = max(0, min(bin, HistogramBins-1))
		stats[bin]++
	}

	count := float64(len(values))
	for i := 0; i < HistogramBins; i++ {
		stats[i] = float32(float64(stats[i]) / count)
	}
	mean := sum / count
	variance := math.Max(sumSq/count-mean*mean, 0)
	stats[HistogramBins] = float32(mean)
	stats[HistogramBins+1] = float32(math.Sqrt(variance))
	return stats
}

func (b *HistogramBackend) InputShape() (int, int, int) {
	return 3, b.size, b.size
}

func (b *HistogramBackend) Dim() int {
	return b.dim
}

func (b *HistogramBackend) Device() Device {
	return DeviceCPU
}

func (b *HistogramBackend) Close() error {
	return nil
}
