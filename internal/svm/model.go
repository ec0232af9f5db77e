// Package svm implements a two-class support vector classifier with an RBF
// kernel, trained by sequential minimal optimisation.
package svm

import (
	"encoding/gob"
	"fmt"
	"os"
	"sort"
	"time"

	"cnnsvm/internal/common"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/floats"
)

// Params are the training hyperparameters.
type Params struct {
	C float64
	// Gamma is the RBF coefficient; 0 derives it from the data with ScaleGamma.
	Gamma     float64
	Tolerance float64
	// MaxIter bounds solver iterations; 0 means max(10_000_000, 100*n).
	MaxIter int
	// CacheRows is the number of kernel rows kept in memory.
	CacheRows int
}

func DefaultParams() Params {
	return Params{
		C:         1.0,
		Tolerance: 1e-3,
		CacheRows: 2000,
	}
}

// Model is a trained binary classifier. Positive decision values map to
// Classes[1], the larger class index.
type Model struct {
	Classes        [2]int
	Gamma          float64
	Rho            float64
	C              float64
	Dim            int
	SupportVectors [][]float64
	Coef           []float64
	Iterations     int
	Converged      bool
}

// NumSupportVectors returns the number of support vectors per class, in
// Classes order.
func (m *Model) NumSupportVectors() [2]int {
	var n [2]int
	for _, c := range m.Coef {
		if c > 0 {
			n[1]++
		} else {
			n[0]++
		}
	}
	return n
}

// Fit trains a classifier on features with one label per row. Labels must
// contain exactly two distinct values.
func Fit(features [][]float32, labels []int, p Params) (*Model, error) {
	if len(features) != len(labels) {
		return nil, &common.FeatureShapeMismatchError{Reason: "features and labels differ in length", Expected: len(features), Got: len(labels)}
	}

	classes := distinct(labels)
	if len(classes) < 2 {
		return nil, &common.InsufficientClassesError{Found: classes}
	}
	if len(classes) > 2 {
		return nil, &common.UnsupportedClassCountError{Got: len(classes)}
	}
	if p.C <= 0 {
		return nil, fmt.Errorf("svm: C must be positive, got %g", p.C)
	}

	x, err := toFloat64(features, len(features[0]))
	if err != nil {
		return nil, err
	}
	dim := len(x[0])

	gamma := p.Gamma
	if gamma == 0 {
		gamma = ScaleGamma(x)
	}
	tol := p.Tolerance
	if tol <= 0 {
		tol = 1e-3
	}
	maxIter := p.MaxIter
	if maxIter <= 0 {
		maxIter = max(10_000_000, 100*len(x))
	}

	y := make([]float64, len(labels))
	for i, l := range labels {
		if l == classes[1] {
			y[i] = 1
		} else {
			y[i] = -1
		}
	}

	start := time.Now()
	kernel := newKernelCache(x, gamma, p.CacheRows)
	solver := newSMO(kernel, y, p.C, tol, maxIter)
	iterations, converged := solver.solve()
	if !converged {
		log.Warn().Int("max_iter", maxIter).Msg("SVM solver reached iteration limit before converging")
	}

	m := &Model{
		Classes:    [2]int{classes[0], classes[1]},
		Gamma:      gamma,
		Rho:        solver.rho(),
		C:          p.C,
		Dim:        dim,
		Iterations: iterations,
		Converged:  converged,
	}
	for i, a := range solver.alpha {
		if a > 0 {
			m.SupportVectors = append(m.SupportVectors, x[i])
			m.Coef = append(m.Coef, y[i]*a)
		}
	}

	log.Debug().
		Int("samples", len(x)).
		Int("dim", dim).
		Float64("gamma", gamma).
		Int("support_vectors", len(m.SupportVectors)).
		Int("iterations", iterations).
		Int("cache_hits", kernel.hits).
		Int("cache_misses", kernel.misses).
		Dur("elapsed", time.Since(start)).
		Msg("SVM trained")

	return m, nil
}

// DecisionFunction returns the signed margin of every row.
func (m *Model) DecisionFunction(features [][]float32) ([]float64, error) {
	x, err := toFloat64(features, m.Dim)
	if err != nil {
		return nil, err
	}

	svNorms := squaredNorms(m.SupportVectors)
	out := make([]float64, len(x))
	for i, row := range x {
		norm := floats.Dot(row, row)
		sum := -m.Rho
		for k, sv := range m.SupportVectors {
			sum += m.Coef[k] * rbf(m.Gamma, row, sv, norm, svNorms[k])
		}
		out[i] = sum
	}
	return out, nil
}

// Predict returns one class index per row, in input order.
func (m *Model) Predict(features [][]float32) ([]int, error) {
	scores, err := m.DecisionFunction(features)
	if err != nil {
		return nil, err
	}
	labels := make([]int, len(scores))
	for i, s := range scores {
		if s > 0 {
			labels[i] = m.Classes[1]
		} else {
			labels[i] = m.Classes[0]
		}
	}
	return labels, nil
}

// Save writes the model as a gob artifact, overwriting path.
func (m *Model) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create classifier file: %w", err)
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(m); err != nil {
		return fmt.Errorf("encode classifier: %w", err)
	}
	return f.Close()
}

// Load reads a model written by Save.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open classifier file: %w", err)
	}
	defer f.Close()

	var m Model
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, fmt.Errorf("decode classifier %s: %w", path, err)
	}
	if len(m.SupportVectors) != len(m.Coef) {
		return nil, fmt.Errorf("corrupt classifier %s: %d support vectors, %d coefficients", path, len(m.SupportVectors), len(m.Coef))
	}
	for i, sv := range m.SupportVectors {
		if len(sv) != m.Dim {
			return nil, &common.FeatureShapeMismatchError{Reason: fmt.Sprintf("classifier %s support vector %d", path, i), Expected: m.Dim, Got: len(sv)}
		}
	}
	return &m, nil
}

func distinct(labels []int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, l := range labels {
		if !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Ints(out)
	return out
}

func toFloat64(features [][]float32, dim int) ([][]float64, error) {
	out := make([][]float64, len(features))
	for i, f := range features {
		if len(f) != dim {
			return nil, &common.FeatureShapeMismatchError{Reason: fmt.Sprintf("vector %d has wrong dimensionality", i), Expected: dim, Got: len(f)}
		}
		row := make([]float64, dim)
		for j, v := range f {
			row[j] = float64(v)
		}
		out[i] = row
	}
	return out, nil
}
