// Package coupling runs the particle to mesh coupling step: it locates the
// particles held by the master rank, hands each rank the particles inside
// its cells, computes kernel weights, porosity and drag there, and sums the
// forces back on the master.
package coupling

import (
	"errors"
	"fmt"

	"github.com/notargets/DEMCoupling/kernel"
	"github.com/notargets/DEMCoupling/mesh"
)

// ErrStaleHandle is returned for a handle whose object has been removed.
var ErrStaleHandle = errors.New("coupling: stale handle")

// MeshID names a mesh in an Arena. The zero value names nothing.
type MeshID struct {
	index int
	gen   uint32
}

// KernelID names a kernel in an Arena. The zero value names nothing.
type KernelID struct {
	index int
	gen   uint32
}

func (id MeshID) String() string   { return fmt.Sprintf("mesh#%d.%d", id.index, id.gen) }
func (id KernelID) String() string { return fmt.Sprintf("kernel#%d.%d", id.index, id.gen) }

type meshSlot struct {
	m    mesh.Mesh
	gen  uint32
	live bool
}

type kernelSlot struct {
	k    kernel.Kernel
	mesh MeshID
	gen  uint32
	live bool
}

// Arena owns the meshes and kernels of a run. Kernels refer to their mesh
// by handle, so removing a mesh invalidates the kernels bound to it. Slots
// are reused; a handle to a reused slot is stale.
type Arena struct {
	meshes  []meshSlot
	kernels []kernelSlot
}

func NewArena() *Arena {
	return &Arena{}
}

// AddMesh stores m and returns its handle.
func (a *Arena) AddMesh(m mesh.Mesh) MeshID {
	for i := range a.meshes {
		if !a.meshes[i].live {
			s := &a.meshes[i]
			s.m, s.live = m, true
			s.gen++
			return MeshID{index: i, gen: s.gen}
		}
	}
	a.meshes = append(a.meshes, meshSlot{m: m, gen: 1, live: true})
	return MeshID{index: len(a.meshes) - 1, gen: 1}
}

// Mesh resolves id.
func (a *Arena) Mesh(id MeshID) (mesh.Mesh, error) {
	if id.index < 0 || id.index >= len(a.meshes) {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, id)
	}
	s := a.meshes[id.index]
	if !s.live || s.gen != id.gen {
		return nil, fmt.Errorf("%w: %v", ErrStaleHandle, id)
	}
	return s.m, nil
}

// RemoveMesh drops the mesh and every kernel bound to it.
func (a *Arena) RemoveMesh(id MeshID) error {
	if _, err := a.Mesh(id); err != nil {
		return fmt.Errorf("remove mesh: %w", err)
	}
	s := &a.meshes[id.index]
	s.m, s.live = nil, false
	for i := range a.kernels {
		if a.kernels[i].live && a.kernels[i].mesh == id {
			a.kernels[i].k, a.kernels[i].live = nil, false
		}
	}
	return nil
}

// AddKernel stores k bound to the mesh named by m.
func (a *Arena) AddKernel(k kernel.Kernel, m MeshID) (KernelID, error) {
	if _, err := a.Mesh(m); err != nil {
		return KernelID{}, fmt.Errorf("add kernel %s: %w", k.Name(), err)
	}
	for i := range a.kernels {
		if !a.kernels[i].live {
			s := &a.kernels[i]
			s.k, s.mesh, s.live = k, m, true
			s.gen++
			return KernelID{index: i, gen: s.gen}, nil
		}
	}
	a.kernels = append(a.kernels, kernelSlot{k: k, mesh: m, gen: 1, live: true})
	return KernelID{index: len(a.kernels) - 1, gen: 1}, nil
}

// Kernel resolves id and the mesh the kernel is bound to.
func (a *Arena) Kernel(id KernelID) (kernel.Kernel, mesh.Mesh, error) {
	if id.index < 0 || id.index >= len(a.kernels) {
		return nil, nil, fmt.Errorf("%w: %v", ErrStaleHandle, id)
	}
	s := a.kernels[id.index]
	if !s.live || s.gen != id.gen {
		return nil, nil, fmt.Errorf("%w: %v", ErrStaleHandle, id)
	}
	m, err := a.Mesh(s.mesh)
	if err != nil {
		return nil, nil, fmt.Errorf("kernel %v: %w", id, err)
	}
	return s.k, m, nil
}

// RemoveKernel drops the kernel named by id.
func (a *Arena) RemoveKernel(id KernelID) error {
	if _, _, err := a.Kernel(id); err != nil {
		return fmt.Errorf("remove kernel: %w", err)
	}
	s := &a.kernels[id.index]
	s.k, s.live = nil, false
	return nil
}
