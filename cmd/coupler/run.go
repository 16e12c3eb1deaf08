package main

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/notargets/DEMCoupling/comm"
	"github.com/notargets/DEMCoupling/config"
	"github.com/notargets/DEMCoupling/coupling"
	"github.com/notargets/DEMCoupling/mesh"
	"github.com/notargets/DEMCoupling/partitions"
	gmesh "github.com/notargets/gocfd/DG3D/mesh"
	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gonum.org/v1/gonum/spatial/r3"
)

// metisImbalance is the load imbalance allowed to the METIS partitioner
const metisImbalance = 0.05

type runOptions struct {
	configPath  string
	ranks       int
	meshPath    string
	cells       int
	partitioner string

	particles int
	diameter  float64
	density   float64
	seed      int64
	flow      []float64
	steps     int
	dt        float64

	addr     string
	allAddr  []string
	timeout  time.Duration
	password string
	compress int
}

func newRunCmd() *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Seed particles in a uniform flow and run coupling steps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run()
		},
	}
	o.addFlags(cmd.Flags())
	o.addNetworkFlags(cmd.Flags())
	return cmd
}

func (o *runOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configPath, "config", "", "YAML or TOML coupling dictionary")
	fs.IntVar(&o.ranks, "ranks", 1, "goroutine ranks when not running over TCP")
	fs.StringVar(&o.meshPath, "mesh", "", "gocfd mesh file (.neu, .msh or .su2), a unit box when empty")
	fs.IntVar(&o.cells, "cells", 10, "cells per direction of the unit box")
	fs.StringVar(&o.partitioner, "partitioner", "morton", "block, roundRobin, graph, morton or metis")
	fs.IntVar(&o.particles, "particles", 1000, "number of particles")
	fs.Float64Var(&o.diameter, "diameter", 0.01, "mean particle diameter")
	fs.Float64Var(&o.density, "density", 2500, "particle density")
	fs.Int64Var(&o.seed, "seed", 1, "random seed of the particle cloud")
	fs.Float64SliceVar(&o.flow, "flow", []float64{1, 0, 0}, "uniform fluid velocity")
	fs.IntVar(&o.steps, "steps", 10, "coupling steps")
	fs.Float64Var(&o.dt, "dt", 1e-3, "particle time step")
}

func (o *runOptions) addNetworkFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.addr, "mpi-addr", "", "address of this process")
	fs.StringSliceVar(&o.allAddr, "mpi-alladdr", nil, "addresses of all processes, enables TCP mode")
	fs.DurationVar(&o.timeout, "mpi-timeout", 30*time.Second, "time allowed to connect all ranks")
	fs.StringVar(&o.password, "mpi-password", "", "shared password checked when ranks connect")
	fs.IntVar(&o.compress, "compress", 0, "zstd compress payloads of at least this many bytes, 0 disables")
}

func (o *runOptions) validate() error {
	switch {
	case len(o.flow) != 3:
		return fmt.Errorf("--flow needs 3 components, got %d", len(o.flow))
	case o.ranks < 1:
		return fmt.Errorf("--ranks %d < 1", o.ranks)
	case o.cells < 1:
		return fmt.Errorf("--cells %d < 1", o.cells)
	case o.particles < 0 || o.steps < 0:
		return fmt.Errorf("--particles and --steps must not be negative")
	case o.diameter <= 0 || o.density <= 0:
		return fmt.Errorf("--diameter and --density must be positive")
	case len(o.allAddr) > 0 && o.addr == "":
		return fmt.Errorf("--mpi-alladdr needs --mpi-addr")
	}
	return nil
}

func (o *runOptions) run() error {
	if err := o.validate(); err != nil {
		return err
	}
	dict := config.New("coupler", nil)
	if o.configPath != "" {
		var err error
		if dict, err = config.Load(o.configPath); err != nil {
			return err
		}
	}
	if !dict.Has("kernel") {
		dict.Set("kernel", "gaussian")
	}

	if len(o.allAddr) > 0 {
		n := &comm.Network{
			Addr:          o.addr,
			Addrs:         o.allAddr,
			Timeout:       o.timeout,
			Password:      o.password,
			CompressAbove: o.compress,
		}
		if err := n.Init(); err != nil {
			return fmt.Errorf("connect ranks: %w", err)
		}
		defer n.Finalize()
		return o.simulate(n, dict)
	}
	return comm.NewLocalWorld(o.ranks).Run(func(c comm.Comm) error {
		return o.simulate(c, dict)
	})
}

// simulate runs on every rank. Failures abort the whole group.
func (o *runOptions) simulate(c comm.Comm, dict *config.Dictionary) error {
	m, gm, err := o.loadMesh()
	comm.Check(c, "load mesh", err)
	layout, err := o.partition(c, m, gm)
	comm.Check(c, "partition mesh", err)

	arena := coupling.NewArena()
	cp, err := coupling.NewCoupler(c, arena, arena.AddMesh(m), layout, dict)
	comm.Check(c, "create coupler", err)
	log := comm.Logger(c).With("run", cp.RunID().String())

	var (
		p     *coupling.Particles
		fluid []r3.Vec
	)
	if c.IsMaster() {
		p = o.seedParticles(m)
		flow := r3.Vec{X: o.flow[0], Y: o.flow[1], Z: o.flow[2]}
		fluid = make([]r3.Vec, m.NumCells())
		for i := range fluid {
			fluid[i] = flow
		}
	}
	comm.Printf(c, "run %s: %d cells on %d ranks, %s\n", cp.RunID(), m.NumCells(), c.Size(),
		layout.PartitionStatistics())
	comm.Check(c, "set fluid velocity", cp.SetFluidVelocity(fluid))

	start := time.Now()
	for s := 0; s < o.steps; s++ {
		stats, err := cp.Step(p)
		comm.Check(c, "coupling step", err)
		if c.IsMaster() {
			o.advance(p)
		}
		f := stats.TotalForce
		comm.Printf(c, "step %3d: force (%.4e %.4e %.4e), void fraction min %.4f mean %.6f, outside %d\n",
			stats.Step, f.X, f.Y, f.Z, stats.MinVoidFraction, stats.MeanVoidFraction, stats.Outside)
	}
	log.Info("run finished", "steps", o.steps, "elapsed", time.Since(start))
	return nil
}

func (o *runOptions) loadMesh() (*mesh.CellMesh, *gmesh.Mesh, error) {
	if o.meshPath == "" {
		m, err := mesh.NewBoxMesh(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, o.cells, o.cells, o.cells)
		return m, nil, err
	}
	gm, err := readers.ReadMeshFile(o.meshPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read mesh %s: %w", o.meshPath, err)
	}
	m, err := mesh.FromGocfd(gm)
	if err != nil {
		return nil, nil, fmt.Errorf("read mesh %s: %w", o.meshPath, err)
	}
	return m, gm, nil
}

// partition builds the layout on the master, one partition per rank, and
// broadcasts the cell owners.
func (o *runOptions) partition(c comm.Comm, m *mesh.CellMesh, gm *gmesh.Mesh) (*partitions.PartitionLayout, error) {
	var owners []int64
	if c.IsMaster() {
		layout, err := o.buildLayout(m, gm, c.Size())
		if err != nil {
			return nil, err
		}
		owners = make([]int64, len(layout.CToP))
		for i, p := range layout.CToP {
			owners[i] = int64(p)
		}
	}
	owners, err := comm.Bcast(c, owners, comm.MasterRank)
	if err != nil {
		return nil, fmt.Errorf("share layout: %w", err)
	}
	cToP := make([]int, len(owners))
	for i, p := range owners {
		cToP[i] = int(p)
	}
	return partitions.NewLayout(cToP, c.Size(), nil)
}

func (o *runOptions) buildLayout(m *mesh.CellMesh, gm *gmesh.Mesh, np int) (*partitions.PartitionLayout, error) {
	if o.partitioner == "metis" {
		if gm == nil {
			return nil, fmt.Errorf("metis partitioning needs --mesh")
		}
		return partitions.PartitionGocfd(gm, np, metisImbalance)
	}
	strategy, err := partitions.ParseStrategy(o.partitioner)
	if err != nil {
		return nil, err
	}
	pb := &partitions.PartitionBuilder{
		Mesh:          partitions.ConnectivityFromMesh(m),
		NumPartitions: np,
		Strategy:      strategy,
	}
	return pb.BuildPartitions()
}

func (o *runOptions) seedParticles(m *mesh.CellMesh) *coupling.Particles {
	rng := rand.New(rand.NewSource(o.seed))
	lo, hi := m.Bounds()
	size := r3.Sub(hi, lo)
	p := coupling.NewParticles(o.particles)
	for i := range p.Positions {
		p.Positions[i] = r3.Vec{
			X: lo.X + size.X*rng.Float64(),
			Y: lo.Y + size.Y*rng.Float64(),
			Z: lo.Z + size.Z*rng.Float64(),
		}
		p.Diameters[i] = o.diameter * (0.5 + rng.Float64())
	}
	return p
}

// advance moves the particles one explicit Euler step under the drag force.
func (o *runOptions) advance(p *coupling.Particles) {
	for i := range p.Positions {
		mass := o.density * coupling.ParticleVolume(p.Diameters[i])
		p.Velocities[i] = r3.Add(p.Velocities[i], r3.Scale(o.dt/mass, p.Forces[i]))
		p.Positions[i] = r3.Add(p.Positions[i], r3.Scale(o.dt, p.Velocities[i]))
	}
}
