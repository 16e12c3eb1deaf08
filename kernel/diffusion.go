package kernel

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"github.com/notargets/DEMCoupling/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Diffusion deposits particles into their containing cells and smooths the
// resulting field with NSteps implicit Euler steps of pseudo-time diffusion
// over unit time with D = σ²/4. Fields are extensive: the field total over
// the owned cells is conserved.
type Diffusion struct {
	base
	Solver LinearSolver

	lastIterations int
}

func newDiffusion(p Params) (Kernel, error) {
	k := &Diffusion{base: newBase("diffusion", p, false), Solver: DefaultSolver()}
	k.rule = func(_ mesh.Mesh, _ int, _ r3.Vec, _ float64, c int) []Weight { return selfWeight(c) }
	return k, nil
}

// Iterations returns the solver iterations of the last SmoothenField.
func (k *Diffusion) Iterations() int { return k.lastIterations }

// sigma is the configured width, or SmoothingFactor times the mean cell
// size of the active cells.
func (k *Diffusion) sigma(m mesh.Mesh, active []int) float64 {
	if k.params.Sigma > 0 {
		return k.params.Sigma
	}
	var h float64
	for _, c := range active {
		h += mesh.CellSize(m, c)
	}
	return k.params.SmoothingFactor * h / float64(len(active))
}

func (k *Diffusion) activeCells(m mesh.Mesh) (active []int, local map[int]int) {
	local = make(map[int]int)
	for c := 0; c < m.NumCells(); c++ {
		if k.params.Owner != nil && k.params.Owner[c] != k.params.Rank {
			continue
		}
		local[c] = len(active)
		active = append(active, c)
	}
	return active, local
}

// SmoothenField diffuses field over the face graph of the owned cells.
func (k *Diffusion) SmoothenField(m mesh.Mesh, field []float64) error {
	if len(field) != m.NumCells() {
		return fmt.Errorf("diffusion: %w: field has %d cells, mesh %d", ErrShape, len(field), m.NumCells())
	}
	active, local := k.activeCells(m)
	n := len(active)
	if n == 0 {
		return nil
	}
	sigma := k.sigma(m, active)
	dt := 1 / float64(k.params.NSteps)
	diff := sigma * sigma / 4

	volumes := make([]float64, n)
	a := sparse.NewDOK(n, n)
	diag := make([]float64, n)
	for i, c := range active {
		volumes[i] = m.CellVolume(c)
		diag[i] = volumes[i] / dt
		for _, nb := range m.CellAdjacency(c) {
			j, ok := local[nb]
			if !ok {
				continue
			}
			g := diff * conductance(m, c, nb)
			a.Set(i, j, -g)
			diag[i] += g
		}
	}
	for i := range diag {
		a.Set(i, i, diag[i])
	}
	csr := a.ToCSR()

	phi := make([]float64, n)
	for i, c := range active {
		phi[i] = field[c] / volumes[i]
	}
	rhs := make([]float64, n)
	k.lastIterations = 0
	for step := 0; step < k.params.NSteps; step++ {
		for i := range rhs {
			rhs[i] = volumes[i] / dt * phi[i]
		}
		it, err := k.Solver.Solve(csr, rhs, phi)
		k.lastIterations += it
		if err != nil {
			return fmt.Errorf("diffusion: step %d: %w", step, err)
		}
	}
	for i, c := range active {
		field[c] = phi[i] * volumes[i]
	}
	return nil
}

// conductance approximates shared face area over centroid distance. It is
// symmetric in a and b, which keeps the scheme conservative.
func conductance(m mesh.Mesh, a, b int) float64 {
	area := math.Pow(math.Min(m.CellVolume(a), m.CellVolume(b)), 2.0/3.0)
	return area / r3.Norm(r3.Sub(m.CellCentroid(a), m.CellCentroid(b)))
}
