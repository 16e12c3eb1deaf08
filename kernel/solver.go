package kernel

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/floats"
)

// LinearSolver solves a x = b for a symmetric positive definite a. x holds
// the initial guess on entry.
type LinearSolver interface {
	Solve(a *sparse.CSR, b, x []float64) (iterations int, err error)
}

// ConjugateGradient is a Jacobi preconditioned conjugate gradient solver.
type ConjugateGradient struct {
	Tolerance     float64 // relative residual
	MaxIterations int
}

// DefaultSolver returns the solver used by the diffusion kernel.
func DefaultSolver() ConjugateGradient {
	return ConjugateGradient{Tolerance: 1e-12, MaxIterations: 1000}
}

func (cg ConjugateGradient) Solve(a *sparse.CSR, b, x []float64) (int, error) {
	n, _ := a.Dims()
	if len(b) != n || len(x) != n {
		return 0, fmt.Errorf("conjugate gradient: %d unknowns, b %d, x %d", n, len(b), len(x))
	}
	invDiag := make([]float64, n)
	a.DoNonZero(func(i, j int, v float64) {
		if i == j {
			invDiag[i] = 1 / v
		}
	})
	r := make([]float64, n)
	mulVec(a, x, r)
	floats.SubTo(r, b, r)

	bnorm := floats.Norm(b, 2)
	if bnorm == 0 {
		clear(x)
		return 0, nil
	}
	z := make([]float64, n)
	floats.MulTo(z, invDiag, r)
	p := make([]float64, n)
	copy(p, z)
	ap := make([]float64, n)
	rz := floats.Dot(r, z)
	for it := 1; it <= cg.MaxIterations; it++ {
		if floats.Norm(r, 2) <= cg.Tolerance*bnorm {
			return it - 1, nil
		}
		mulVec(a, p, ap)
		alpha := rz / floats.Dot(p, ap)
		if math.IsNaN(alpha) || math.IsInf(alpha, 0) {
			return it, fmt.Errorf("conjugate gradient: breakdown at iteration %d", it)
		}
		floats.AddScaled(x, alpha, p)
		floats.AddScaled(r, -alpha, ap)
		floats.MulTo(z, invDiag, r)
		rzNext := floats.Dot(r, z)
		floats.AddScaledTo(p, z, rzNext/rz, p)
		rz = rzNext
	}
	if floats.Norm(r, 2) <= cg.Tolerance*bnorm {
		return cg.MaxIterations, nil
	}
	return cg.MaxIterations, fmt.Errorf("conjugate gradient: no convergence in %d iterations, residual %g",
		cg.MaxIterations, floats.Norm(r, 2)/bnorm)
}

// mulVec sets dst = a x.
func mulVec(a *sparse.CSR, x, dst []float64) {
	clear(dst)
	a.DoNonZero(func(i, j int, v float64) {
		dst[i] += v * x[j]
	})
}
