package svm

import (
	"container/list"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ScaleGamma returns 1 / (n_features * Var(X)) over every entry of X, or 1
// when X has zero variance.
func ScaleGamma(x [][]float64) float64 {
	if len(x) == 0 || len(x[0]) == 0 {
		return 1
	}
	flat := make([]float64, 0, len(x)*len(x[0]))
	for _, row := range x {
		flat = append(flat, row...)
	}
	_, variance := stat.PopMeanVariance(flat, nil)
	if variance == 0 || math.IsNaN(variance) {
		return 1
	}
	return 1 / (float64(len(x[0])) * variance)
}

// rbf computes exp(-gamma * ||a-b||^2) from precomputed squared norms.
func rbf(gamma float64, a, b []float64, normA, normB float64) float64 {
	d := normA + normB - 2*floats.Dot(a, b)
	if d < 0 {
		d = 0
	}
	return math.Exp(-gamma * d)
}

func squaredNorms(x [][]float64) []float64 {
	norms := make([]float64, len(x))
	for i, row := range x {
		norms[i] = floats.Dot(row, row)
	}
	return norms
}

// kernelCache keeps the most recently used kernel rows of the training set.
type kernelCache struct {
	x        [][]float64
	norms    []float64
	gamma    float64
	diag     []float64
	capacity int
	rows     map[int]*list.Element
	order    *list.List
	hits     int
	misses   int
}

type cachedRow struct {
	index int
	row   []float64
}

func newKernelCache(x [][]float64, gamma float64, capacity int) *kernelCache {
	norms := squaredNorms(x)
	diag := make([]float64, len(x))
	for i := range x {
		diag[i] = rbf(gamma, x[i], x[i], norms[i], norms[i])
	}
	return &kernelCache{
		x:        x,
		norms:    norms,
		gamma:    gamma,
		diag:     diag,
		capacity: max(capacity, 2),
		rows:     make(map[int]*list.Element),
		order:    list.New(),
	}
}

// row returns K(x_i, x_k) for every training index k. The slice must not be
// modified.
func (c *kernelCache) row(i int) []float64 {
	if el, ok := c.rows[i]; ok {
		c.hits++
		c.order.MoveToFront(el)
		return el.Value.(*cachedRow).row
	}
	c.misses++

	var row []float64
	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		evicted := c.order.Remove(oldest).(*cachedRow)
		delete(c.rows, evicted.index)
		row = evicted.row
	} else {
		row = make([]float64, len(c.x))
	}

	xi, ni := c.x[i], c.norms[i]
	for k := range c.x {
		row[k] = rbf(c.gamma, xi, c.x[k], ni, c.norms[k])
	}
	c.rows[i] = c.order.PushFront(&cachedRow{index: i, row: row})
	return row
}
