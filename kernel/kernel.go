// Package kernel maps particle quantities onto mesh cells and back. A
// kernel computes, for every particle, a list of (cell, weight) pairs over
// the neighbor list of the particle's cell; the weights of a particle inside
// the mesh are non-negative and sum to one.
package kernel

import (
	"errors"
	"fmt"
	"math"

	"github.com/notargets/DEMCoupling/mesh"
	"github.com/notargets/DEMCoupling/neighbor"
	"github.com/notargets/DEMCoupling/utils"
	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrUnknownKernel is returned for a kernel name not in the registry.
	ErrUnknownKernel = errors.New("kernel: unknown kernel")
	// ErrShape is returned when particle arrays disagree in length.
	ErrShape = errors.New("kernel: particle array length mismatch")
)

// Weight is the share of a particle assigned to one cell
type Weight struct {
	Cell   int
	Weight float64
}

// Kernel is implemented by every distribution kernel.
type Kernel interface {
	Name() string
	Params() Params
	// UpdateWeights recomputes the weights of every particle. cells[i] is
	// the cell containing particle i, -1 outside the mesh.
	UpdateWeights(m mesh.Mesh, positions []r3.Vec, diameters []float64, cells []int) error
	NumParticles() int
	Weights(p int) []Weight
	// DistributeValue adds value*w to field[cell] for every weight of
	// particle p. It is safe for concurrent use on one field.
	DistributeValue(p int, field []float64, value float64)
	// DistributeAll distributes values[p] of every particle into field.
	DistributeAll(values, field []float64)
	// InverseDistributeValue returns the weighted sum of field over the
	// cells of particle p.
	InverseDistributeValue(p int, field []float64) float64
	InverseDistributeVector(p int, field []r3.Vec) r3.Vec
	// SmoothenField spreads a cell field over the mesh. Point kernels leave
	// the field unchanged.
	SmoothenField(m mesh.Mesh, field []float64) error
}

// weightRule computes the weights of one particle inside the mesh.
type weightRule func(m mesh.Mesh, p int, x r3.Vec, d float64, c int) []Weight

// base carries the weight storage and the mapping operations shared by all
// kernels.
type base struct {
	name    string
	params  Params
	graph   *neighbor.Graph // nil for kernels without neighbor lists
	weights [][]Weight
	rule    weightRule
}

func newBase(name string, p Params, needsGraph bool) base {
	b := base{name: name, params: p}
	if needsGraph {
		b.graph = neighbor.New(p.graphOptions())
	}
	return b
}

func (b *base) Name() string           { return b.name }
func (b *base) Params() Params         { return b.params }
func (b *base) NumParticles() int      { return len(b.weights) }
func (b *base) Weights(p int) []Weight { return b.weights[p] }

// Graph returns the neighbor graph, nil when the kernel does not use one.
func (b *base) Graph() *neighbor.Graph { return b.graph }

func (b *base) UpdateWeights(m mesh.Mesh, positions []r3.Vec, diameters []float64, cells []int) error {
	n := len(positions)
	if len(diameters) != n || len(cells) != n {
		return fmt.Errorf("%s: update weights: %w: %d positions, %d diameters, %d cells",
			b.name, ErrShape, n, len(diameters), len(cells))
	}
	if b.graph != nil {
		if _, err := b.graph.Refresh(m); err != nil {
			return fmt.Errorf("%s: update weights: %w", b.name, err)
		}
	}
	if cap(b.weights) < n {
		b.weights = make([][]Weight, n)
	}
	b.weights = b.weights[:n]
	return utils.ParallelFor(n, b.params.Workers, func(lo, hi int) error {
		for p := lo; p < hi; p++ {
			c := cells[p]
			if c < 0 || c >= m.NumCells() {
				b.weights[p] = nil
				continue
			}
			b.weights[p] = b.rule(m, p, positions[p], diameters[p], c)
		}
		return nil
	})
}

func (b *base) DistributeValue(p int, field []float64, value float64) {
	for _, w := range b.weights[p] {
		utils.AtomicAddFloat64(&field[w.Cell], value*w.Weight)
	}
}

func (b *base) DistributeAll(values, field []float64) {
	n := min(len(values), len(b.weights))
	if !b.params.Deterministic {
		utils.ParallelEach(n, b.params.Workers, func(p int) {
			b.DistributeValue(p, field, values[p])
		})
		return
	}
	offsets := make([]int, n+1)
	for p := 0; p < n; p++ {
		offsets[p+1] = offsets[p] + len(b.weights[p])
	}
	contribs := make([]utils.Contribution, offsets[n])
	utils.ParallelEach(n, b.params.Workers, func(p int) {
		for i, w := range b.weights[p] {
			contribs[offsets[p]+i] = utils.Contribution{Cell: w.Cell, Delta: values[p] * w.Weight}
		}
	})
	utils.SortReduce(contribs, field)
}

func (b *base) InverseDistributeValue(p int, field []float64) float64 {
	var sum float64
	for _, w := range b.weights[p] {
		sum += w.Weight * field[w.Cell]
	}
	return sum
}

func (b *base) InverseDistributeVector(p int, field []r3.Vec) r3.Vec {
	var sum r3.Vec
	for _, w := range b.weights[p] {
		sum = r3.Add(sum, r3.Scale(w.Weight, field[w.Cell]))
	}
	return sum
}

func (b *base) SmoothenField(mesh.Mesh, []float64) error { return nil }

// selfWeight is the single weight of the containing cell.
func selfWeight(c int) []Weight {
	return []Weight{{Cell: c, Weight: 1}}
}

// normalize scales ws to sum to one. A set with no positive weight
// collapses onto cell c.
func normalize(ws []Weight, c int) []Weight {
	var sum float64
	for _, w := range ws {
		sum += w.Weight
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return selfWeight(c)
	}
	for i := range ws {
		ws[i].Weight /= sum
	}
	return ws
}
