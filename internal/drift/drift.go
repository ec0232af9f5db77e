// Package drift compares the distribution of evaluation embeddings against
// the training embeddings, one feature dimension at a time.
package drift

import (
	"fmt"
	"math"
	"sort"

	"cnnsvm/internal/common"

	"gonum.org/v1/gonum/stat"
)

// Method is a per-dimension drift score.
type Method string

const (
	KolmogorovSmirnov        Method = "kolmogorov_smirnov"
	PopulationStabilityIndex Method = "population_stability_index"
	StatisticalMoments       Method = "statistical_moments"
)

const (
	defaultThreshold = 0.1
	defaultBins      = 10
	defaultMaxAlerts = 10
	psiFloor         = 1e-4
)

// Config selects methods and the alert threshold. Zero values take defaults.
type Config struct {
	Threshold float64
	Methods   []Method
	Bins      int
	MaxAlerts int
}

// Alert is one dimension whose score exceeded the threshold.
type Alert struct {
	Dim       int     `json:"dim"`
	Method    Method  `json:"method"`
	Score     float64 `json:"score"`
	Threshold float64 `json:"threshold"`
	Severity  string  `json:"severity"`
}

// MethodSummary aggregates one method over all dimensions.
type MethodSummary struct {
	Method  Method  `json:"method"`
	Mean    float64 `json:"mean"`
	Max     float64 `json:"max"`
	MaxDim  int     `json:"max_dim"`
	Drifted int     `json:"drifted"`
}

type Result struct {
	Dims      int             `json:"dims"`
	Threshold float64         `json:"threshold"`
	Methods   []MethodSummary `json:"methods"`
	// Alerts holds the highest-scoring dimensions, worst first.
	Alerts []Alert `json:"alerts,omitempty"`
}

// Drifted reports whether any dimension crossed the threshold.
func (r *Result) Drifted() bool {
	for _, m := range r.Methods {
		if m.Drifted > 0 {
			return true
		}
	}
	return false
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = defaultThreshold
	}
	if len(c.Methods) == 0 {
		c.Methods = []Method{KolmogorovSmirnov, PopulationStabilityIndex, StatisticalMoments}
	}
	if c.Bins < 2 {
		c.Bins = defaultBins
	}
	if c.MaxAlerts <= 0 {
		c.MaxAlerts = defaultMaxAlerts
	}
	return c
}

// Compare scores every dimension of current against baseline.
func Compare(baseline, current [][]float32, cfg Config) (*Result, error) {
	cfg = cfg.withDefaults()
	if len(baseline) == 0 || len(current) == 0 {
		return nil, fmt.Errorf("drift: both feature sets must be non-empty")
	}
	dim := len(baseline[0])
	for _, set := range [][][]float32{baseline, current} {
		for i, v := range set {
			if len(v) != dim {
				return nil, &common.FeatureShapeMismatchError{Reason: fmt.Sprintf("vector %d", i), Expected: dim, Got: len(v)}
			}
		}
	}

	res := &Result{Dims: dim, Threshold: cfg.Threshold}
	summaries := make([]MethodSummary, len(cfg.Methods))
	for i, m := range cfg.Methods {
		summaries[i] = MethodSummary{Method: m, MaxDim: -1}
	}

	var alerts []Alert
	b := make([]float64, len(baseline))
	c := make([]float64, len(current))
	for d := 0; d < dim; d++ {
		column(baseline, d, b)
		column(current, d, c)
		sort.Float64s(b)
		sort.Float64s(c)

		for i, m := range cfg.Methods {
			score, err := score(m, b, c, cfg.Bins)
			if err != nil {
				return nil, err
			}
			s := &summaries[i]
			s.Mean += score
			if s.MaxDim < 0 || score > s.Max {
				s.Max = score
				s.MaxDim = d
			}
			if score > cfg.Threshold {
				s.Drifted++
				alerts = append(alerts, Alert{Dim: d, Method: m, Score: score, Threshold: cfg.Threshold, Severity: severity(score, cfg.Threshold)})
			}
		}
	}
	for i := range summaries {
		summaries[i].Mean /= float64(dim)
	}
	res.Methods = summaries

	sort.SliceStable(alerts, func(i, j int) bool { return alerts[i].Score > alerts[j].Score })
	if len(alerts) > cfg.MaxAlerts {
		alerts = alerts[:cfg.MaxAlerts]
	}
	res.Alerts = alerts
	return res, nil
}

func column(set [][]float32, d int, dst []float64) {
	for i, v := range set {
		dst[i] = float64(v[d])
	}
}

// score expects both samples sorted ascending.
func score(m Method, baseline, current []float64, bins int) (float64, error) {
	switch m {
	case KolmogorovSmirnov:
		return stat.KolmogorovSmirnov(baseline, nil, current, nil), nil
	case PopulationStabilityIndex:
		return populationStabilityIndex(baseline, current, bins), nil
	case StatisticalMoments:
		return statisticalMoments(baseline, current), nil
	default:
		return 0, fmt.Errorf("drift: unknown method %q", m)
	}
}

// populationStabilityIndex bins both samples over their joint range. Bin
// fractions are floored at psiFloor so disjoint samples score high.
func populationStabilityIndex(baseline, current []float64, bins int) float64 {
	minVal := math.Min(baseline[0], current[0])
	maxVal := math.Max(baseline[len(baseline)-1], current[len(current)-1])
	if maxVal == minVal {
		return 0
	}
	width := (maxVal - minVal) / float64(bins)

	count := func(sample []float64) []float64 {
		counts := make([]float64, bins)
		for _, v := range sample {
			bin := int((v - minVal) / width)
			if bin >= bins {
				bin = bins - 1
			}
			if bin < 0 {
				bin = 0
			}
			counts[bin]++
		}
		for i := range counts {
			counts[i] /= float64(len(sample))
		}
		return counts
	}
	bp, cp := count(baseline), count(current)

	psi := 0.0
	for i := 0; i < bins; i++ {
		b, c := math.Max(bp[i], psiFloor), math.Max(cp[i], psiFloor)
		psi += (c - b) * math.Log(c/b)
	}
	return psi
}

// statisticalMoments averages the relative shift in mean and standard
// deviation.
func statisticalMoments(baseline, current []float64) float64 {
	bMean, bStd := meanStd(baseline)
	cMean, cStd := meanStd(current)

	meanShift := math.Abs(bMean-cMean) / (1 + math.Abs(bMean))
	stdShift := math.Abs(bStd-cStd) / (1 + bStd)
	return (meanShift + stdShift) / 2
}

func meanStd(x []float64) (float64, float64) {
	if len(x) < 2 {
		return stat.Mean(x, nil), 0
	}
	return stat.MeanStdDev(x, nil)
}

func severity(score, threshold float64) string {
	switch {
	case score > threshold*3:
		return "critical"
	case score > threshold*2:
		return "high"
	default:
		return "medium"
	}
}
