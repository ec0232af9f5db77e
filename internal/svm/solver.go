package svm

import "math"

const tau = 1e-12

// smo solves the C-SVC dual
//
//	min 0.5 a'Qa - e'a   s.t.  y'a = 0,  0 <= a_i <= C
//
// with Q_ij = y_i y_j K(x_i, x_j), using maximal-violating-pair selection
// with second order information for the second index.
type smo struct {
	y       []float64
	alpha   []float64
	grad    []float64
	c       float64
	eps     float64
	maxIter int
	kernel  *kernelCache
}

func newSMO(kernel *kernelCache, y []float64, c, eps float64, maxIter int) *smo {
	n := len(y)
	s := &smo{
		y:       y,
		alpha:   make([]float64, n),
		grad:    make([]float64, n),
		c:       c,
		eps:     eps,
		maxIter: maxIter,
		kernel:  kernel,
	}
	for i := range s.grad {
		s.grad[i] = -1
	}
	return s
}

func (s *smo) upper(i int) bool { return s.alpha[i] >= s.c }
func (s *smo) lower(i int) bool { return s.alpha[i] <= 0 }

// solve runs until the KKT violation drops below eps or maxIter is hit.
// It returns the number of iterations and whether it converged.
func (s *smo) solve() (int, bool) {
	for iter := 0; iter < s.maxIter; iter++ {
		i, j := s.selectPair()
		if j < 0 {
			return iter, true
		}
		s.update(i, j)
	}
	return s.maxIter, false
}

func (s *smo) selectPair() (int, int) {
	gmax := math.Inf(-1)
	i := -1
	for t := range s.y {
		if s.y[t] > 0 {
			if !s.upper(t) && -s.grad[t] >= gmax {
				gmax = -s.grad[t]
				i = t
			}
		} else if !s.lower(t) && s.grad[t] >= gmax {
			gmax = s.grad[t]
			i = t
		}
	}
	if i < 0 {
		return -1, -1
	}

	ki := s.kernel.row(i)
	gmax2 := math.Inf(-1)
	j := -1
	objMin := math.Inf(1)

	for t := range s.y {
		var gradDiff float64
		if s.y[t] > 0 {
			if s.lower(t) {
				continue
			}
			gradDiff = gmax + s.grad[t]
			gmax2 = math.Max(gmax2, s.grad[t])
		} else {
			if s.upper(t) {
				continue
			}
			gradDiff = gmax - s.grad[t]
			gmax2 = math.Max(gmax2, -s.grad[t])
		}
		if gradDiff <= 0 {
			continue
		}

		quad := s.kernel.diag[i] + s.kernel.diag[t] - 2*ki[t]
		if quad <= 0 {
			quad = tau
		}
		if obj := -(gradDiff * gradDiff) / quad; obj <= objMin {
			objMin = obj
			j = t
		}
	}

	if gmax+gmax2 < s.eps || j < 0 {
		return -1, -1
	}
	return i, j
}

func (s *smo) update(i, j int) {
	ki := s.kernel.row(i)
	kj := s.kernel.row(j)
	yi, yj := s.y[i], s.y[j]
	qij := yi * yj * ki[j]
	c := s.c

	oldI, oldJ := s.alpha[i], s.alpha[j]

	if yi != yj {
		quad := s.kernel.diag[i] + s.kernel.diag[j] + 2*qij
		if quad <= 0 {
			quad = tau
		}
		delta := (-s.grad[i] - s.grad[j]) / quad
		diff := s.alpha[i] - s.alpha[j]
		s.alpha[i] += delta
		s.alpha[j] += delta

		if diff > 0 {
			if s.alpha[j] < 0 {
				s.alpha[j] = 0
				s.alpha[i] = diff
			}
		} else if s.alpha[i] < 0 {
			s.alpha[i] = 0
			s.alpha[j] = -diff
		}
		if diff > 0 {
			if s.alpha[i] > c {
				s.alpha[i] = c
				s.alpha[j] = c - diff
			}
		} else if s.alpha[j] > c {
			s.alpha[j] = c
			s.alpha[i] = c + diff
		}
	} else {
		quad := s.kernel.diag[i] + s.kernel.diag[j] - 2*qij
		if quad <= 0 {
			quad = tau
		}
		delta := (s.grad[i] - s.grad[j]) / quad
		sum := s.alpha[i] + s.alpha[j]
		s.alpha[i] -= delta
		s.alpha[j] += delta

		if sum > c {
			if s.alpha[i] > c {
				s.alpha[i] = c
				s.alpha[j] = sum - c
			}
		} else if s.alpha[j] < 0 {
			s.alpha[j] = 0
			s.alpha[i] = sum
		}
		if sum > c {
			if s.alpha[j] > c {
				s.alpha[j] = c
				s.alpha[i] = sum - c
			}
		} else if s.alpha[i] < 0 {
			s.alpha[i] = 0
			s.alpha[j] = sum
		}
	}

	dI := s.alpha[i] - oldI
	dJ := s.alpha[j] - oldJ
	for k := range s.grad {
		s.grad[k] += s.y[k] * (yi*ki[k]*dI + yj*kj[k]*dJ)
	}
}

// rho is the bias; the decision value is sum(y_i a_i K(x_i, x)) - rho.
func (s *smo) rho() float64 {
	ub, lb := math.Inf(1), math.Inf(-1)
	var sumFree float64
	var nFree int

	for i, y := range s.y {
		yg := y * s.grad[i]
		switch {
		case s.upper(i):
			if y < 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		case s.lower(i):
			if y > 0 {
				ub = math.Min(ub, yg)
			} else {
				lb = math.Max(lb, yg)
			}
		default:
			nFree++
			sumFree += yg
		}
	}

	if nFree > 0 {
		return sumFree / float64(nFree)
	}
	return (ub + lb) / 2
}
