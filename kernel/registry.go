package kernel

import (
	"fmt"
	"sort"

	"github.com/notargets/DEMCoupling/config"
)

// Factory creates a kernel from its parameters
type Factory func(Params) (Kernel, error)

var registry = map[string]Factory{
	"pcm":              newPCM,
	"gaussian":         newGaussian,
	"adaptiveGaussian": newAdaptiveGaussian,
	"gaussianIntegral": newGaussianIntegral,
	"diffusion":        newDiffusion,
}

// Names returns the registered kernel names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewKernel creates the kernel registered as name.
func NewKernel(name string, p Params) (Kernel, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w %q, valid kernels are %v", ErrUnknownKernel, name, Names())
	}
	return f(p)
}

// New creates the kernel named by the "kernel" key of dict, reading its
// parameters from the "<name>Props" sub-dictionary. A top level
// "deterministic" key switches on Params.Deterministic as well. owner and
// rank restrict the kernel to the cells of one rank; owner may be nil.
func New(dict *config.Dictionary, owner []int, rank int) (Kernel, error) {
	name, err := dict.String("kernel")
	if err != nil {
		return nil, fmt.Errorf("select kernel: %w", err)
	}
	if _, ok := registry[name]; !ok {
		return nil, fmt.Errorf("select kernel: %w %q, valid kernels are %v", ErrUnknownKernel, name, Names())
	}
	props, err := dict.SubOr(name + "Props")
	if err != nil {
		return nil, fmt.Errorf("select kernel: %w", err)
	}
	p, err := ParamsFromDictionary(props)
	if err != nil {
		return nil, fmt.Errorf("select kernel %s: %w", name, err)
	}
	deterministic, err := dict.BoolOr("deterministic", false)
	if err != nil {
		return nil, fmt.Errorf("select kernel %s: %w", name, err)
	}
	p.Deterministic = p.Deterministic || deterministic
	p.Owner, p.Rank = owner, rank
	return NewKernel(name, p)
}
