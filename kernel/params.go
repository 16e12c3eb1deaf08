package kernel

import (
	"fmt"

	"github.com/notargets/DEMCoupling/config"
	"github.com/notargets/DEMCoupling/neighbor"
)

// Empirical fit of the adaptive Gaussian width to the cell to particle size
// ratio.
const (
	adaptiveScale    = 0.6142
	adaptiveExponent = -0.6195
)

// Params holds the settings read from a <name>Props dictionary.
type Params struct {
	SearchMode      neighbor.Mode
	NeighborLength  float64 // geometric search radius
	MaxLayers       int
	VertexNeighbors bool

	// Sigma is the Gaussian width; 0 derives it from the cell size.
	Sigma           float64
	SmoothingFactor float64
	// TruncationEpsilon drops weights below it before normalization.
	TruncationEpsilon float64
	// CutoffRatio is the cell to particle size ratio above which the
	// adaptive Gaussian falls back to the containing cell.
	CutoffRatio float64
	// NSteps is the number of implicit diffusion steps.
	NSteps int

	// Deterministic makes DistributeAll reduce by sorted cell instead of
	// atomic adds.
	Deterministic bool
	Workers       int

	// Owner and Rank restrict neighbor lists to the cells of one rank.
	Owner []int
	Rank  int
}

// DefaultParams returns the settings used for absent keys.
func DefaultParams() Params {
	return Params{
		SearchMode:        neighbor.Layered,
		MaxLayers:         2,
		SmoothingFactor:   1,
		TruncationEpsilon: 1e-4,
		CutoffRatio:       7,
		NSteps:            5,
	}
}

// ParamsFromDictionary reads props over DefaultParams.
func ParamsFromDictionary(props *config.Dictionary) (Params, error) {
	p := DefaultParams()
	mode, err := props.StringOr("searchMode", p.SearchMode.String())
	if err != nil {
		return p, err
	}
	if p.SearchMode, err = neighbor.ParseMode(mode); err != nil {
		return p, fmt.Errorf("%s: %w", props.Name(), err)
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"neighborLength", &p.NeighborLength},
		{"sigma", &p.Sigma},
		{"smoothingFactor", &p.SmoothingFactor},
		{"truncationEpsilon", &p.TruncationEpsilon},
		{"cutoffRatio", &p.CutoffRatio},
	}
	for _, f := range floats {
		if *f.dst, err = props.FloatOr(f.key, *f.dst); err != nil {
			return p, err
		}
		if *f.dst < 0 {
			return p, fmt.Errorf("%s: %s = %g must not be negative", props.Name(), f.key, *f.dst)
		}
	}
	if p.MaxLayers, err = props.IntOr("maxLayers", p.MaxLayers); err != nil {
		return p, err
	}
	if p.NSteps, err = props.IntOr("nSteps", p.NSteps); err != nil {
		return p, err
	}
	if p.NSteps < 1 {
		return p, fmt.Errorf("%s: nSteps = %d must be at least 1", props.Name(), p.NSteps)
	}
	if p.VertexNeighbors, err = props.BoolOr("vertexNeighbors", p.VertexNeighbors); err != nil {
		return p, err
	}
	if p.Deterministic, err = props.BoolOr("deterministic", p.Deterministic); err != nil {
		return p, err
	}
	return p, nil
}

func (p Params) graphOptions() neighbor.Options {
	return neighbor.Options{
		Mode:            p.SearchMode,
		SearchRadius:    p.NeighborLength,
		MaxLayers:       p.MaxLayers,
		VertexNeighbors: p.VertexNeighbors,
		Owner:           p.Owner,
		Rank:            p.Rank,
	}
}
