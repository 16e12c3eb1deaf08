package coupling

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/notargets/DEMCoupling/comm"
	"github.com/notargets/DEMCoupling/config"
	"github.com/notargets/DEMCoupling/kernel"
	"github.com/notargets/DEMCoupling/mesh"
	"github.com/notargets/DEMCoupling/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func unitBox(t *testing.T, n int) *mesh.CellMesh {
	t.Helper()
	m, err := mesh.NewBoxMesh(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, n, n, n)
	require.NoError(t, err)
	return m
}

func blockLayout(t *testing.T, m mesh.Mesh, np int) *partitions.PartitionLayout {
	t.Helper()
	pb := &partitions.PartitionBuilder{
		Mesh:          partitions.ConnectivityFromMesh(m),
		NumPartitions: np,
		Strategy:      partitions.BlockPartition,
	}
	layout, err := pb.BuildPartitions()
	require.NoError(t, err)
	return layout
}

func parseYAML(t *testing.T, text string) *config.Dictionary {
	t.Helper()
	d, err := config.Parse([]byte(text), "yaml")
	require.NoError(t, err)
	return d
}

func TestArena(t *testing.T) {
	a := NewArena()
	m := unitBox(t, 2)

	_, err := a.Mesh(MeshID{})
	assert.ErrorIs(t, err, ErrStaleHandle, "zero handle names nothing")

	id := a.AddMesh(m)
	got, err := a.Mesh(id)
	require.NoError(t, err)
	assert.Same(t, m, got)

	k, err := kernel.NewKernel("pcm", kernel.DefaultParams())
	require.NoError(t, err)
	kid, err := a.AddKernel(k, id)
	require.NoError(t, err)
	gotK, gotM, err := a.Kernel(kid)
	require.NoError(t, err)
	assert.Equal(t, k, gotK)
	assert.Same(t, m, gotM)

	require.NoError(t, a.RemoveMesh(id))
	_, err = a.Mesh(id)
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, _, err = a.Kernel(kid)
	assert.ErrorIs(t, err, ErrStaleHandle, "kernel goes with its mesh")
	assert.ErrorIs(t, a.RemoveMesh(id), ErrStaleHandle)

	// The slot is reused, the old handle stays stale
	id2 := a.AddMesh(unitBox(t, 3))
	assert.Equal(t, id.index, id2.index)
	assert.NotEqual(t, id, id2)
	_, err = a.Mesh(id)
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = a.AddKernel(k, id)
	assert.ErrorIs(t, err, ErrStaleHandle)

	kid2, err := a.AddKernel(k, id2)
	require.NoError(t, err)
	require.NoError(t, a.RemoveKernel(kid2))
	_, _, err = a.Kernel(kid2)
	assert.ErrorIs(t, err, ErrStaleHandle)
	_, err = a.Mesh(id2)
	assert.NoError(t, err, "removing a kernel keeps its mesh")
}

func TestStokesDrag(t *testing.T) {
	s := StokesDrag{Viscosity: 2e-3}
	f := s.Force(r3.Vec{X: 1, Y: 2}, r3.Vec{X: 0.5}, 0.01, 0.5)
	scale := 3 * math.Pi * 2e-3 * 0.01 / 0.5
	assert.InDelta(t, scale*0.5, f.X, 1e-15)
	assert.InDelta(t, scale*2, f.Y, 1e-15)
	assert.Zero(t, f.Z)
	assert.Equal(t, r3.Vec{}, s.Force(r3.Vec{X: 1}, r3.Vec{}, 0.01, 0))

	t.Run("registry", func(t *testing.T) {
		d, err := NewDragModel(config.New("empty", nil))
		require.NoError(t, err)
		assert.Equal(t, StokesDrag{Viscosity: 1.8e-5}, d)

		d, err = NewDragModel(parseYAML(t, "drag: stokes\nstokesProps:\n  viscosity: 0.001\n"))
		require.NoError(t, err)
		assert.Equal(t, StokesDrag{Viscosity: 1e-3}, d)

		d, err = NewDragModel(parseYAML(t, "drag: none\n"))
		require.NoError(t, err)
		assert.Equal(t, "none", d.Name())
		assert.Equal(t, r3.Vec{}, d.Force(r3.Vec{X: 1}, r3.Vec{}, 1, 1))

		_, err = NewDragModel(parseYAML(t, "drag: ergun\n"))
		assert.ErrorContains(t, err, "[none stokes]")
		_, err = NewDragModel(parseYAML(t, "stokesProps:\n  viscosity: -1\n"))
		assert.Error(t, err)
	})
}

func TestVoidFraction(t *testing.T) {
	m := unitBox(t, 2)
	v := m.CellVolume(0)
	solid := []float64{0, 0.25 * v, 2 * v, -v, 0, 0, 0, 0}
	eps := make([]float64, 8)
	VoidFraction(m, solid, eps, 0.1)
	assert.InDeltaSlice(t, []float64{1, 0.75, 0.1, 1, 1, 1, 1, 1}, eps, 1e-14)
	assert.InDelta(t, math.Pi/6, ParticleVolume(1), 1e-15)
}

func TestNewRunID(t *testing.T) {
	const size = 3
	ids := make([]uuid.UUID, size)
	err := comm.NewLocalWorld(size).Run(func(c comm.Comm) error {
		id, err := NewRunID(c)
		ids[c.Rank()] = id
		return err
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ids[0])
	for r := 1; r < size; r++ {
		assert.Equal(t, ids[0], ids[r])
	}
}

// TestCoupler_SingleParticle checks one particle at rest in a uniform flow
// against the drag formula with the void fraction of its cell.
func TestCoupler_SingleParticle(t *testing.T) {
	const (
		mu = 1e-3
		d  = 0.1
	)
	u := r3.Vec{X: 2, Y: -1}
	var (
		stats    StepStats
		forces   []r3.Vec
		eps      []float64
		momentum []r3.Vec
		cells    []int
	)
	err := comm.NewLocalWorld(1).Run(func(c comm.Comm) error {
		m := unitBox(t, 4)
		arena := NewArena()
		cp, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, 1),
			parseYAML(t, "kernel: pcm\nstokesProps:\n  viscosity: 0.001\n"))
		if err != nil {
			return err
		}
		fluid := make([]r3.Vec, m.NumCells())
		for i := range fluid {
			fluid[i] = u
		}
		if err := cp.SetFluidVelocity(fluid); err != nil {
			return err
		}
		p := NewParticles(1)
		p.Positions[0] = r3.Vec{X: 0.3, Y: 0.6, Z: 0.9}
		p.Diameters[0] = d
		if stats, err = cp.Step(p); err != nil {
			return err
		}
		forces, eps, momentum, cells = p.Forces, cp.VoidFraction(), cp.MomentumSource(), p.Cells()
		return nil
	})
	require.NoError(t, err)

	cell := 1 + 4*(2+4*3)
	require.Equal(t, []int{cell}, cells)
	vc := 1.0 / 64
	e := 1 - ParticleVolume(d)/vc
	want := r3.Scale(3*math.Pi*mu*d/e, u)
	assert.InDelta(t, want.X, forces[0].X, 1e-15)
	assert.InDelta(t, want.Y, forces[0].Y, 1e-15)
	assert.InDelta(t, 0, forces[0].Z, 1e-15)

	assert.InDelta(t, e, eps[cell], 1e-14)
	assert.InDelta(t, e, stats.MinVoidFraction, 1e-14)
	assert.InDelta(t, ParticleVolume(d), stats.SolidVolume, 1e-15)
	assert.InDelta(t, 1-ParticleVolume(d), stats.MeanVoidFraction, 1e-14)
	assert.InDelta(t, -want.X, momentum[cell].X, 1e-15)
	assert.InDelta(t, -want.Y, momentum[cell].Y, 1e-15)
	assert.Equal(t, 0, stats.Outside)
}

func seedParticles(n int) *Particles {
	rng := rand.New(rand.NewSource(42))
	p := NewParticles(n + 1)
	for i := 0; i < n; i++ {
		p.Positions[i] = r3.Vec{X: 0.01 + 0.98*rng.Float64(), Y: 0.01 + 0.98*rng.Float64(), Z: 0.01 + 0.98*rng.Float64()}
		p.Velocities[i] = r3.Vec{X: 0.1 * rng.NormFloat64(), Y: 0.1 * rng.NormFloat64(), Z: 0.1 * rng.NormFloat64()}
		p.Diameters[i] = 0.02 + 0.04*rng.Float64()
	}
	p.Positions[n] = r3.Vec{X: 1.5, Y: 0.5, Z: 0.5}
	p.Diameters[n] = 0.05
	return p
}

type runResult struct {
	stats    StepStats
	forces   []r3.Vec
	eps      []float64
	momentum []r3.Vec
	inside   float64 // volume of the particles inside the mesh
}

func runWorld(t *testing.T, ranks, np int, dict string, steps int) runResult {
	t.Helper()
	var res runResult
	err := comm.NewLocalWorld(ranks).Run(func(c comm.Comm) error {
		m := unitBox(t, 6)
		arena := NewArena()
		cp, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, np), parseYAML(t, dict))
		if err != nil {
			return err
		}
		var p *Particles
		var fluid []r3.Vec
		if c.IsMaster() {
			p = seedParticles(200)
			fluid = make([]r3.Vec, m.NumCells())
			for i := range fluid {
				x := m.CellCentroid(i)
				fluid[i] = r3.Vec{X: 1, Y: 0.5 * x.Z, Z: -0.2 * x.X}
			}
		}
		if err := cp.SetFluidVelocity(fluid); err != nil {
			return err
		}
		var stats StepStats
		for s := 0; s < steps; s++ {
			if c.IsMaster() {
				for i := range p.Positions {
					p.Positions[i] = r3.Add(p.Positions[i], r3.Scale(0.01, p.Velocities[i]))
				}
			}
			if stats, err = cp.Step(p); err != nil {
				return err
			}
		}
		if c.IsMaster() {
			res.stats, res.forces = stats, p.Forces
			res.eps, res.momentum = cp.VoidFraction(), cp.MomentumSource()
			for i, cell := range p.Cells() {
				if cell >= 0 {
					res.inside += ParticleVolume(p.Diameters[i])
				}
			}
		}
		return nil
	})
	require.NoError(t, err)
	return res
}

// TestCoupler_RanksAgree runs the point kernel on one rank and on four
// ranks with three partitions; with weights confined to the containing
// cell the partitioning must not change the result.
func TestCoupler_RanksAgree(t *testing.T) {
	const dict = "kernel: pcm\ndeterministic: true\nstokesProps:\n  viscosity: 0.001\n"
	serial := runWorld(t, 1, 1, dict, 3)
	parallel := runWorld(t, 4, 3, dict, 3)

	require.Len(t, parallel.forces, len(serial.forces))
	for i := range serial.forces {
		assert.InDelta(t, serial.forces[i].X, parallel.forces[i].X, 1e-12, "particle %d", i)
		assert.InDelta(t, serial.forces[i].Y, parallel.forces[i].Y, 1e-12, "particle %d", i)
		assert.InDelta(t, serial.forces[i].Z, parallel.forces[i].Z, 1e-12, "particle %d", i)
	}
	assert.InDeltaSlice(t, serial.eps, parallel.eps, 1e-12)
	assert.Equal(t, 2, serial.stats.Step)
	assert.Equal(t, serial.stats.Outside, parallel.stats.Outside)
	t.Logf("total force serial %v parallel %v", serial.stats.TotalForce, parallel.stats.TotalForce)
}

func TestCoupler_Conservation(t *testing.T) {
	for _, name := range []string{"gaussian", "gaussianIntegral", "diffusion"} {
		t.Run(name, func(t *testing.T) {
			dict := "kernel: " + name + "\nminVoidFraction: 0.2\n" +
				name + "Props:\n  maxLayers: 1\n  nSteps: 2\n"
			res := runWorld(t, 3, 3, dict, 2)
			n := len(res.forces)

			assert.Equal(t, 1, res.stats.Outside)
			assert.Equal(t, r3.Vec{}, res.forces[n-1], "particle outside the mesh")
			assert.InDelta(t, res.inside, res.stats.SolidVolume, 1e-9*res.inside)

			var source r3.Vec
			for _, s := range res.momentum {
				source = r3.Add(source, s)
			}
			total := res.stats.TotalForce
			tol := 1e-9 * r3.Norm(total)
			assert.InDelta(t, -total.X, source.X, tol)
			assert.InDelta(t, -total.Y, source.Y, tol)
			assert.InDelta(t, -total.Z, source.Z, tol)

			for c, e := range res.eps {
				assert.GreaterOrEqual(t, e, 0.2, "cell %d", c)
				assert.LessOrEqual(t, e, 1.0, "cell %d", c)
			}
			assert.Less(t, res.stats.MeanVoidFraction, 1.0)
		})
	}
}

// TestCoupler_DiffusedMomentum checks that the diffusion kernel smooths the
// drag reaction like the solid volume instead of leaving it in the
// particle's cell.
func TestCoupler_DiffusedMomentum(t *testing.T) {
	var (
		forces   []r3.Vec
		momentum []r3.Vec
		cells    []int
	)
	err := comm.NewLocalWorld(1).Run(func(c comm.Comm) error {
		m := unitBox(t, 4)
		arena := NewArena()
		cp, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, 1),
			parseYAML(t, "kernel: diffusion\ndiffusionProps:\n  nSteps: 2\n"))
		if err != nil {
			return err
		}
		fluid := make([]r3.Vec, m.NumCells())
		for i := range fluid {
			fluid[i] = r3.Vec{X: 1, Z: 0.5}
		}
		if err := cp.SetFluidVelocity(fluid); err != nil {
			return err
		}
		p := NewParticles(1)
		p.Positions[0] = r3.Vec{X: 0.3, Y: 0.6, Z: 0.9}
		p.Diameters[0] = 0.1
		if _, err := cp.Step(p); err != nil {
			return err
		}
		forces, momentum, cells = p.Forces, cp.MomentumSource(), p.Cells()
		return nil
	})
	require.NoError(t, err)

	f := forces[0]
	require.Greater(t, f.X, 0.0)
	var total r3.Vec
	spread := 0
	for c, s := range momentum {
		total = r3.Add(total, s)
		if c != cells[0] && s.X != 0 {
			spread++
		}
	}
	assert.Greater(t, spread, 0, "momentum source left in cell %d", cells[0])
	assert.Less(t, -momentum[cells[0]].X, f.X)
	assert.InDelta(t, -f.X, total.X, 1e-12*f.X)
	assert.InDelta(t, 0, total.Y, 1e-12*f.X)
	assert.InDelta(t, -f.Z, total.Z, 1e-12*f.X)
}

func TestCoupler_DeterministicSource(t *testing.T) {
	const dict = "kernel: gaussian\ndeterministic: true\n"
	first := runWorld(t, 3, 3, dict, 2)
	for i := 0; i < 3; i++ {
		again := runWorld(t, 3, 3, dict, 2)
		require.Equal(t, first.momentum, again.momentum, "run %d", i)
		require.Equal(t, first.forces, again.forces, "run %d", i)
	}
}

func TestCoupler_Errors(t *testing.T) {
	t.Run("too many partitions", func(t *testing.T) {
		err := comm.NewLocalWorld(2).Run(func(c comm.Comm) error {
			m := unitBox(t, 3)
			arena := NewArena()
			_, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, 3), parseYAML(t, "kernel: pcm\n"))
			return err
		})
		assert.ErrorContains(t, err, "3 partitions for 2 ranks")
	})
	t.Run("unknown kernel", func(t *testing.T) {
		err := comm.NewLocalWorld(1).Run(func(c comm.Comm) error {
			m := unitBox(t, 2)
			arena := NewArena()
			_, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, 1), parseYAML(t, "kernel: tophat\n"))
			return err
		})
		assert.ErrorIs(t, err, kernel.ErrUnknownKernel)
	})
	t.Run("bad particles abort the group", func(t *testing.T) {
		err := comm.NewLocalWorld(2).Run(func(c comm.Comm) error {
			m := unitBox(t, 2)
			arena := NewArena()
			cp, err := NewCoupler(c, arena, arena.AddMesh(m), blockLayout(t, m, 2), parseYAML(t, "kernel: pcm\n"))
			if err != nil {
				return err
			}
			var p *Particles
			if c.IsMaster() {
				p = NewParticles(4)
				p.Diameters = p.Diameters[:3]
			}
			_, err = cp.Step(p)
			comm.Check(c, "coupling step", err)
			return nil
		})
		var ae *comm.AbortError
		require.True(t, errors.As(err, &ae))
		assert.Equal(t, "coupling step", ae.Op)
		assert.ErrorIs(t, err, kernel.ErrShape)
	})
	t.Run("mesh removed", func(t *testing.T) {
		err := comm.NewLocalWorld(1).Run(func(c comm.Comm) error {
			m := unitBox(t, 2)
			arena := NewArena()
			id := arena.AddMesh(m)
			cp, err := NewCoupler(c, arena, id, blockLayout(t, m, 1), parseYAML(t, "kernel: pcm\n"))
			if err != nil {
				return err
			}
			if err := arena.RemoveMesh(id); err != nil {
				return err
			}
			_, err = cp.Step(NewParticles(1))
			return err
		})
		assert.ErrorIs(t, err, ErrStaleHandle)
	})
}
