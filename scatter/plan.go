package scatter

import (
	"fmt"
	"slices"
)

// Plan is the compiled set of ParticleIndexMaps, one descriptor per rank.
type Plan struct {
	maps    [][]int
	nGlobal int
	width   int
	desc    []*Descriptor
}

// NewPlan compiles one descriptor per entry of maps. Each element of the
// master array is a block of width values, and the array holds nGlobal
// blocks. The plan keeps its own copy of maps. On failure no descriptor is
// left allocated.
func NewPlan(maps [][]int, nGlobal, width int) (*Plan, error) {
	p := &Plan{maps: make([][]int, len(maps)), nGlobal: nGlobal, width: width, desc: make([]*Descriptor, len(maps))}
	for r, m := range maps {
		p.maps[r] = slices.Clone(m)
		d, err := Compile(m, width, nGlobal)
		if err != nil {
			p.Release()
			return nil, fmt.Errorf("plan: rank %d: %w", r, err)
		}
		p.desc[r] = d
	}
	return p, nil
}

// Ranks returns the number of descriptors.
func (p *Plan) Ranks() int { return len(p.desc) }

// Descriptor returns the descriptor of rank r.
func (p *Plan) Descriptor(r int) *Descriptor { return p.desc[r] }

// Count returns the number of particles owned by rank r.
func (p *Plan) Count(r int) int { return len(p.maps[r]) }

// Map returns the ParticleIndexMap of rank r.
func (p *Plan) Map(r int) []int { return p.maps[r] }

// NGlobal returns the length of the master array in particles.
func (p *Plan) NGlobal() int { return p.nGlobal }

// Counts returns the per-rank particle counts.
func (p *Plan) Counts() []int64 {
	counts := make([]int64, len(p.maps))
	for r, m := range p.maps {
		counts[r] = int64(len(m))
	}
	return counts
}

// Release releases every descriptor of the plan.
func (p *Plan) Release() {
	for _, d := range p.desc {
		if d != nil {
			d.Release()
		}
	}
}

// Verify checks that no particle is owned by two ranks and returns the
// number of particles owned by some rank. Particles outside the mesh belong
// to no rank, so full coverage is not required.
func (p *Plan) Verify() (int, error) {
	owner := make([]int, p.nGlobal)
	for i := range owner {
		owner[i] = -1
	}
	covered := 0
	for r, m := range p.maps {
		for _, idx := range m {
			if idx < 0 || idx >= p.nGlobal {
				return covered, fmt.Errorf("verify: rank %d: %w: %d", r, ErrIndexRange, idx)
			}
			if owner[idx] >= 0 {
				return covered, fmt.Errorf("verify: %w: particle %d owned by ranks %d and %d",
					ErrDuplicateIndex, idx, owner[idx], r)
			}
			owner[idx] = r
			covered++
		}
	}
	return covered, nil
}
