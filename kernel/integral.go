package kernel

import (
	"math"

	"github.com/notargets/DEMCoupling/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// GaussianIntegral replaces the particle by a Gaussian blob with the second
// moment of a solid sphere, σ² = R²/5, and weights each neighbor cell by
// the integral of the blob over the cell's equivalent cube. The raw weights
// of a cell tiling sum to the particle volume.
type GaussianIntegral struct {
	base
	raw [][]Weight
}

func newGaussianIntegral(p Params) (Kernel, error) {
	k := &GaussianIntegral{base: newBase("gaussianIntegral", p, true)}
	k.rule = k.weights
	return k, nil
}

// RawWeights returns the unnormalized weights of particle p, in units of
// volume.
func (k *GaussianIntegral) RawWeights(p int) []Weight { return k.raw[p] }

func (k *GaussianIntegral) UpdateWeights(m mesh.Mesh, positions []r3.Vec, diameters []float64, cells []int) error {
	if cap(k.raw) < len(positions) {
		k.raw = make([][]Weight, len(positions))
	}
	k.raw = k.raw[:len(positions)]
	clear(k.raw)
	return k.base.UpdateWeights(m, positions, diameters, cells)
}

// boxFraction is the share of a 1D Gaussian of width sigma centered at 0
// that falls in [center-half, center+half].
func boxFraction(center, half, sigma float64) float64 {
	s := math.Sqrt2 * sigma
	return 0.5 * (math.Erf((center+half)/s) - math.Erf((center-half)/s))
}

// particleVolume is the volume of a sphere of diameter d.
func particleVolume(d float64) float64 { return math.Pi * d * d * d / 6 }

// weights stores the raw weights of particle p and returns the normalized
// ones.
func (k *GaussianIntegral) weights(m mesh.Mesh, p int, x r3.Vec, d float64, c int) []Weight {
	raw := k.rawWeights(m, x, d, c)
	k.raw[p] = raw
	ws := make([]Weight, len(raw))
	copy(ws, raw)
	return normalize(ws, c)
}

func (k *GaussianIntegral) rawWeights(m mesh.Mesh, x r3.Vec, d float64, c int) []Weight {
	volume := particleVolume(d)
	neighbors := k.graph.Neighbors(c)
	if len(neighbors) == 0 || !(d > 0) {
		return []Weight{{Cell: c, Weight: volume}}
	}
	sigma := 0.5 * d / math.Sqrt(5)
	raw := make([]Weight, 0, len(neighbors))
	delta := 0.0
	for _, nb := range neighbors {
		dc := r3.Sub(m.CellCentroid(nb), x)
		half := 0.5 * mesh.CellSize(m, nb)
		w := volume * boxFraction(dc.X, half, sigma) *
			boxFraction(dc.Y, half, sigma) * boxFraction(dc.Z, half, sigma)
		if w < k.params.TruncationEpsilon*volume {
			continue
		}
		raw = append(raw, Weight{Cell: nb, Weight: w})
		delta += w
	}
	if !(delta > 0) {
		// nothing overlaps: the first neighbor, the containing cell, takes
		// the whole volume
		return []Weight{{Cell: neighbors[0], Weight: volume}}
	}
	return raw
}
