package coupling

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/DEMCoupling/config"
	"gonum.org/v1/gonum/spatial/r3"
)

// DragModel returns the fluid force on one particle.
type DragModel interface {
	Name() string
	// Force is evaluated with the fluid velocity uf and the void fraction
	// eps interpolated to the particle, which moves with up.
	Force(uf, up r3.Vec, d, eps float64) r3.Vec
}

// StokesDrag is creeping flow drag corrected for the local void fraction:
// F = 3πμd (uf − up) / ε.
type StokesDrag struct {
	Viscosity float64 // dynamic viscosity μ
}

func (StokesDrag) Name() string { return "stokes" }

func (s StokesDrag) Force(uf, up r3.Vec, d, eps float64) r3.Vec {
	if eps <= 0 {
		return r3.Vec{}
	}
	return r3.Scale(3*math.Pi*s.Viscosity*d/eps, r3.Sub(uf, up))
}

// NoDrag decouples the particles from the fluid.
type NoDrag struct{}

func (NoDrag) Name() string                           { return "none" }
func (NoDrag) Force(_, _ r3.Vec, _, _ float64) r3.Vec { return r3.Vec{} }

var dragModels = map[string]func(props *config.Dictionary) (DragModel, error){
	"stokes": func(props *config.Dictionary) (DragModel, error) {
		mu, err := props.FloatOr("viscosity", 1.8e-5)
		if err != nil {
			return nil, err
		}
		if mu < 0 {
			return nil, fmt.Errorf("viscosity %g < 0", mu)
		}
		return StokesDrag{Viscosity: mu}, nil
	},
	"none": func(*config.Dictionary) (DragModel, error) { return NoDrag{}, nil },
}

// DragNames returns the registered drag model names, sorted.
func DragNames() []string {
	names := make([]string, 0, len(dragModels))
	for name := range dragModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewDragModel creates the model named by the "drag" key of dict, "stokes"
// when absent, with parameters from the "<name>Props" sub-dictionary.
func NewDragModel(dict *config.Dictionary) (DragModel, error) {
	name, err := dict.StringOr("drag", "stokes")
	if err != nil {
		return nil, fmt.Errorf("select drag model: %w", err)
	}
	f, ok := dragModels[name]
	if !ok {
		return nil, fmt.Errorf("select drag model: unknown model %q, valid models are %v", name, DragNames())
	}
	props, err := dict.SubOr(name + "Props")
	if err != nil {
		return nil, fmt.Errorf("select drag model: %w", err)
	}
	d, err := f(props)
	if err != nil {
		return nil, fmt.Errorf("select drag model %s: %w", name, err)
	}
	return d, nil
}
