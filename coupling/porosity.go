package coupling

import (
	"fmt"
	"math"

	"github.com/notargets/DEMCoupling/kernel"
	"github.com/notargets/DEMCoupling/mesh"
)

// DefaultMinVoidFraction bounds the void fraction from below so that dense
// packings do not blow up the drag.
const DefaultMinVoidFraction = 0.05

// ParticleVolume is the volume of a sphere of diameter d.
func ParticleVolume(d float64) float64 {
	return math.Pi * d * d * d / 6
}

// SolidVolume distributes the volume of every particle of k into solid,
// which is indexed by cell and added to, then smooths it with the kernel.
func SolidVolume(k kernel.Kernel, m mesh.Mesh, diameters, solid []float64) error {
	if len(solid) != m.NumCells() {
		return fmt.Errorf("solid volume: %w: field has %d cells, mesh %d", kernel.ErrShape, len(solid), m.NumCells())
	}
	volumes := make([]float64, len(diameters))
	for i, d := range diameters {
		volumes[i] = ParticleVolume(d)
	}
	k.DistributeAll(volumes, solid)
	if err := k.SmoothenField(m, solid); err != nil {
		return fmt.Errorf("solid volume: %w", err)
	}
	return nil
}

// VoidFraction sets eps[c] = 1 − solid[c]/V_c, clamped to [minEps, 1].
func VoidFraction(m mesh.Mesh, solid, eps []float64, minEps float64) {
	for c := range eps {
		e := 1 - solid[c]/m.CellVolume(c)
		eps[c] = math.Min(1, math.Max(minEps, e))
	}
}
