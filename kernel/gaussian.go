package kernel

import (
	"math"

	"github.com/notargets/DEMCoupling/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// PCM puts the whole particle into its containing cell.
type PCM struct{ base }

func newPCM(p Params) (Kernel, error) {
	k := &PCM{base: newBase("pcm", p, false)}
	k.rule = func(_ mesh.Mesh, _ int, _ r3.Vec, _ float64, c int) []Weight { return selfWeight(c) }
	return k, nil
}

// Gaussian spreads a particle over its cell's neighbor list with
// w = exp(-r²/2σ²). When the cell has a boundary face in range, the image of
// the particle mirrored across that face adds exp(-r'²/2σ²), where
// r'² = r² + 4d² - 4d n·(x - x_cell) for a particle at distance d from the
// face plane with outward normal n. Only the nearest face is mirrored.
type Gaussian struct {
	base
	adaptive bool
}

func newGaussian(p Params) (Kernel, error) {
	k := &Gaussian{base: newBase("gaussian", p, true)}
	k.rule = k.weights
	return k, nil
}

// newAdaptiveGaussian scales σ with the cell to particle size ratio and
// falls back to PCM above CutoffRatio.
func newAdaptiveGaussian(p Params) (Kernel, error) {
	k := &Gaussian{base: newBase("adaptiveGaussian", p, true), adaptive: true}
	k.rule = k.weights
	return k, nil
}

// Sigma returns the kernel width for a particle of diameter d in cell c. It
// is 0 when the adaptive kernel falls back to the containing cell.
func (k *Gaussian) Sigma(m mesh.Mesh, d float64, c int) float64 {
	h := mesh.CellSize(m, c)
	if !k.adaptive {
		if k.params.Sigma > 0 {
			return k.params.Sigma
		}
		return k.params.SmoothingFactor * h
	}
	ratio := h / d
	if ratio > k.params.CutoffRatio {
		return 0
	}
	return h * k.params.SmoothingFactor * adaptiveScale * math.Pow(ratio, adaptiveExponent)
}

func (k *Gaussian) weights(m mesh.Mesh, _ int, x r3.Vec, d float64, c int) []Weight {
	sigma := k.Sigma(m, d, c)
	neighbors := k.graph.Neighbors(c)
	if sigma <= 0 || len(neighbors) == 0 {
		return selfWeight(c)
	}
	twoSigma2 := 2 * sigma * sigma
	face, nearWall := k.graph.Wall(c)
	image := x
	if nearWall {
		image = r3.Sub(x, r3.Scale(2*r3.Dot(r3.Sub(x, face.Centroid), face.Normal), face.Normal))
	}
	ws := make([]Weight, 0, len(neighbors))
	for _, nb := range neighbors {
		xc := m.CellCentroid(nb)
		w := math.Exp(-r3.Norm2(r3.Sub(x, xc)) / twoSigma2)
		if nearWall {
			w += math.Exp(-r3.Norm2(r3.Sub(image, xc)) / twoSigma2)
		}
		if w < k.params.TruncationEpsilon {
			continue
		}
		ws = append(ws, Weight{Cell: nb, Weight: w})
	}
	return normalize(ws, c)
}
