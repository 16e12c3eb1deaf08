package coupling

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/notargets/DEMCoupling/comm"
	"github.com/notargets/DEMCoupling/config"
	"github.com/notargets/DEMCoupling/kernel"
	"github.com/notargets/DEMCoupling/mesh"
	"github.com/notargets/DEMCoupling/partitions"
	"github.com/notargets/DEMCoupling/scatter"
	"github.com/notargets/DEMCoupling/utils"
	"gonum.org/v1/gonum/spatial/r3"
)

// Message tags of the coupler channels. A channel uses its tag and the next.
const (
	tagVectors  = 1000
	tagScalars  = 1100
	tagCells    = 1200
	tagPorosity = 1300
	tagMomentum = 1400
)

// Particles is the particle state held by the master rank.
type Particles struct {
	Positions  []r3.Vec
	Velocities []r3.Vec
	Diameters  []float64
	// Forces receives the drag force on every particle. Particles outside
	// the mesh get zero.
	Forces []r3.Vec

	cells []int
}

// NewParticles returns n particles at the origin, at rest, with zero size.
func NewParticles(n int) *Particles {
	p := &Particles{
		Positions:  make([]r3.Vec, n),
		Velocities: make([]r3.Vec, n),
		Diameters:  make([]float64, n),
		Forces:     make([]r3.Vec, n),
	}
	p.resetCells()
	return p
}

func (p *Particles) Len() int { return len(p.Positions) }

// Cells returns the containing cell of every particle found by the last
// step, -1 outside the mesh.
func (p *Particles) Cells() []int { return p.cells }

func (p *Particles) resetCells() {
	p.cells = make([]int, len(p.Positions))
	for i := range p.cells {
		p.cells[i] = -1
	}
}

func (p *Particles) prepare() error {
	n := len(p.Positions)
	if len(p.Velocities) != n || len(p.Diameters) != n {
		return fmt.Errorf("particles: %w: %d positions, %d velocities, %d diameters",
			kernel.ErrShape, n, len(p.Velocities), len(p.Diameters))
	}
	if len(p.Forces) != n {
		p.Forces = make([]r3.Vec, n)
	}
	if len(p.cells) != n {
		p.resetCells()
	}
	return nil
}

// StepStats summarizes one step. Only the master fills it.
type StepStats struct {
	Step      int
	Particles int
	Outside   int // particles not inside any cell

	TotalForce r3.Vec
	// SolidVolume is the particle volume deposited on the mesh.
	SolidVolume      float64
	MinVoidFraction  float64
	MeanVoidFraction float64 // volume weighted
}

// mapped is the part of a scatter channel that does not depend on its
// element type.
type mapped interface {
	SetMaps(maps [][]int, nGlobal int) error
	ShareCounts() (int, error)
}

// Coupler runs the coupling step on one rank. All ranks hold the same mesh
// and layout; partition p is owned by rank p, ranks beyond the partition
// count own nothing.
type Coupler struct {
	c        comm.Comm
	arena    *Arena
	meshID   MeshID
	kernelID KernelID
	layout   *partitions.PartitionLayout
	cc       *partitions.CellConnector
	drag     DragModel
	minEps   float64
	runID    uuid.UUID
	log      *slog.Logger
	steps    int

	vectors  *scatter.Channel[float64]
	scalars  *scatter.Channel[float64]
	cells    *scatter.Channel[int64]
	porosity *partitions.FieldExchange
	momentum *partitions.FieldExchange

	// fluid velocity of the owned cells, indexed by global cell
	fluid []r3.Vec

	// reused between steps
	stage     []float64
	cellStage []int64
	flatPos   []float64
	flatVel   []float64
	flatForce []float64
	diameters []float64
	cellIDs   []int64
	positions []r3.Vec
	velocity  []r3.Vec
	localCell []int
	solid     []float64
	eps       []float64
	source    [3][]float64
	interlace []float64
	offsets   []int
	contribs  []utils.Contribution

	// master only, indexed by global cell
	globalEps      []float64
	globalMomentum []float64
}

// NewCoupler is collective. It creates the kernel selected by dict for the
// cells of this rank, binds it to the mesh in arena, and sets up the
// channels. Recognized keys besides the kernel selection are "drag",
// "minVoidFraction" and "deterministic".
func NewCoupler(c comm.Comm, arena *Arena, meshID MeshID, layout *partitions.PartitionLayout,
	dict *config.Dictionary) (*Coupler, error) {
	m, err := arena.Mesh(meshID)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	if layout.TotalCells != m.NumCells() {
		return nil, fmt.Errorf("new coupler: layout has %d cells, mesh %d", layout.TotalCells, m.NumCells())
	}
	if layout.NumPartitions > c.Size() {
		return nil, fmt.Errorf("new coupler: %d partitions for %d ranks", layout.NumPartitions, c.Size())
	}
	k, err := kernel.New(dict, layout.CToP, c.Rank())
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	kernelID, err := arena.AddKernel(k, meshID)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	drag, err := NewDragModel(dict)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	minEps, err := dict.FloatOr("minVoidFraction", DefaultMinVoidFraction)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	if minEps <= 0 || minEps > 1 {
		return nil, fmt.Errorf("new coupler: minVoidFraction %g not in (0,1]", minEps)
	}
	deterministic, err := dict.BoolOr("deterministic", false)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	cc, err := partitions.NewCellConnector(layout.CToP)
	if err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}

	n := m.NumCells()
	cp := &Coupler{
		c:        c,
		arena:    arena,
		meshID:   meshID,
		kernelID: kernelID,
		layout:   layout,
		cc:       cc,
		drag:     drag,
		minEps:   minEps,
		vectors:  scatter.NewChannel[float64](c, 3),
		scalars:  scatter.NewChannel[float64](c, 1),
		cells:    scatter.NewChannel[int64](c, 1),
		fluid:    make([]r3.Vec, n),
		solid:    make([]float64, n),
		eps:      make([]float64, n),
	}
	for i := range cp.source {
		cp.source[i] = make([]float64, n)
	}
	cp.vectors.Tag, cp.scalars.Tag, cp.cells.Tag = tagVectors, tagScalars, tagCells
	cp.vectors.Deterministic = deterministic || k.Params().Deterministic
	if c.IsMaster() {
		cp.globalEps = make([]float64, n)
		cp.globalMomentum = make([]float64, 3*n)
	}

	if cp.porosity, err = cc.NewFieldExchange(c, 1, tagPorosity); err != nil {
		return nil, fmt.Errorf("new coupler: porosity: %w", err)
	}
	if cp.momentum, err = cc.NewFieldExchange(c, 3, tagMomentum); err != nil {
		return nil, fmt.Errorf("new coupler: momentum: %w", err)
	}
	if cp.runID, err = NewRunID(c); err != nil {
		return nil, fmt.Errorf("new coupler: %w", err)
	}
	cp.log = comm.Logger(c).With("run", cp.runID.String())
	if c.IsMaster() {
		cp.log.Info("coupler ready", "kernel", k.Name(), "drag", drag.Name(),
			"cells", n, "partitions", layout.NumPartitions, "deterministic", deterministic)
	}
	return cp, nil
}

// RunID returns the id shared by all ranks of the run.
func (cp *Coupler) RunID() uuid.UUID { return cp.runID }

// Arena returns the arena holding the mesh and kernel.
func (cp *Coupler) Arena() *Arena { return cp.arena }

// KernelID returns the handle of the coupler's kernel.
func (cp *Coupler) KernelID() KernelID { return cp.kernelID }

// Kernel resolves the coupler's kernel.
func (cp *Coupler) Kernel() (kernel.Kernel, error) {
	k, _, err := cp.arena.Kernel(cp.kernelID)
	return k, err
}

// Steps returns the number of completed steps.
func (cp *Coupler) Steps() int { return cp.steps }

// SetFluidVelocity is collective. The master passes the fluid velocity of
// every cell; each rank keeps the velocities of the cells it owns.
func (cp *Coupler) SetFluidVelocity(u []r3.Vec) error {
	var src []float64
	if cp.c.IsMaster() {
		if len(u) != len(cp.fluid) {
			return fmt.Errorf("set fluid velocity: %w: %d cells, mesh %d", kernel.ErrShape, len(u), len(cp.fluid))
		}
		src = flatten(cp.stage, u)
		cp.stage = src
	}
	local, err := cp.momentum.Scatter(src, nil)
	if err != nil {
		return fmt.Errorf("set fluid velocity: %w", err)
	}
	if cp.ownsCells() {
		global := make([]float64, 3*len(cp.fluid))
		cp.cc.Expand(cp.c.Rank(), local, global, 3)
		cp.fluid = unflatten(cp.fluid, global)
	}
	return nil
}

// VoidFraction returns the void fraction of every cell after the last step.
// It is nil on the other ranks.
func (cp *Coupler) VoidFraction() []float64 { return cp.globalEps }

// MomentumSource returns the momentum the particles exert on the fluid in
// every cell after the last step, the opposite of the drag forces spread
// with the kernel. It is nil on the other ranks.
func (cp *Coupler) MomentumSource() []r3.Vec {
	if cp.globalMomentum == nil {
		return nil
	}
	return unflatten(nil, cp.globalMomentum)
}

// Step is collective. p is only read and written on the master; the other
// ranks pass nil. Errors leave the group in an inconsistent state and must
// be passed to comm.Check.
func (cp *Coupler) Step(p *Particles) (StepStats, error) {
	stats := StepStats{Step: cp.steps}
	k, m, err := cp.arena.Kernel(cp.kernelID)
	if err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}
	if cp.c.IsMaster() {
		if err := cp.locate(m, p); err != nil {
			return stats, fmt.Errorf("step %d: %w", cp.steps, err)
		}
	}
	n, err := cp.shareCounts()
	if err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}
	if err := cp.distribute(p, n); err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}
	if err := k.UpdateWeights(m, cp.positions, cp.diameters, cp.localCell); err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}

	clear(cp.solid)
	if err := SolidVolume(k, m, cp.diameters, cp.solid); err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}
	VoidFraction(m, cp.solid, cp.eps, cp.minEps)
	if err := cp.computeDrag(k, m, n); err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}

	if err := cp.collect(p); err != nil {
		return stats, fmt.Errorf("step %d: %w", cp.steps, err)
	}
	var solid float64
	for _, v := range cp.solid {
		solid += v
	}
	if solid, err = comm.ReduceSum(cp.c, solid, comm.MasterRank); err != nil {
		return stats, fmt.Errorf("step %d: solid volume: %w", cp.steps, err)
	}
	if cp.c.IsMaster() {
		cp.summarize(m, p, solid, &stats)
		cp.log.Debug("coupling step", "step", stats.Step, "particles", stats.Particles,
			"outside", stats.Outside, "minVoidFraction", stats.MinVoidFraction)
		if stats.Outside > 0 {
			cp.log.Info("particles outside the mesh", "step", stats.Step, "count", stats.Outside)
		}
	}
	cp.steps++
	return stats, nil
}

// locate finds the cell of every particle, starting from the cell of the
// previous step, and sets the maps of every channel.
func (cp *Coupler) locate(m mesh.Mesh, p *Particles) error {
	if p == nil {
		return fmt.Errorf("locate: no particles on the master")
	}
	if err := p.prepare(); err != nil {
		return fmt.Errorf("locate: %w", err)
	}
	utils.ParallelEach(p.Len(), 0, func(i int) {
		p.cells[i] = m.CellContaining(p.Positions[i], p.cells[i])
	})
	maps, err := partitions.BuildParticleIndexMaps(p.cells, cp.layout)
	if err != nil {
		return fmt.Errorf("locate: %w", err)
	}
	perRank := make([][]int, cp.c.Size())
	copy(perRank, maps)
	for _, ch := range cp.channels() {
		if err := ch.SetMaps(perRank, p.Len()); err != nil {
			return fmt.Errorf("locate: %w", err)
		}
	}
	return nil
}

func (cp *Coupler) channels() []mapped {
	return []mapped{cp.vectors, cp.scalars, cp.cells}
}

// shareCounts returns the number of particles this rank owns for the step.
func (cp *Coupler) shareCounts() (int, error) {
	n := 0
	for _, ch := range cp.channels() {
		var err error
		if n, err = ch.ShareCounts(); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (cp *Coupler) distribute(p *Particles, n int) error {
	master := cp.c.IsMaster()
	var err error

	var src []float64
	if master {
		src = flatten(cp.stage, p.Positions)
		cp.stage = src
	}
	if cp.flatPos, err = cp.vectors.Distribute(src, cp.flatPos); err != nil {
		return fmt.Errorf("positions: %w", err)
	}
	if master {
		src = flatten(cp.stage, p.Velocities)
		cp.stage = src
	}
	if cp.flatVel, err = cp.vectors.Distribute(src, cp.flatVel); err != nil {
		return fmt.Errorf("velocities: %w", err)
	}
	if master {
		src = p.Diameters
	}
	if cp.diameters, err = cp.scalars.Distribute(src, cp.diameters); err != nil {
		return fmt.Errorf("diameters: %w", err)
	}
	var cellSrc []int64
	if master {
		cellSrc = cp.cellStage[:0]
		for _, c := range p.cells {
			cellSrc = append(cellSrc, int64(c))
		}
		cp.cellStage = cellSrc
	}
	if cp.cellIDs, err = cp.cells.Distribute(cellSrc, cp.cellIDs); err != nil {
		return fmt.Errorf("cells: %w", err)
	}

	cp.positions = unflatten(cp.positions, cp.flatPos)
	cp.velocity = unflatten(cp.velocity, cp.flatVel)
	cp.localCell = cp.localCell[:0]
	for _, c := range cp.cellIDs {
		cp.localCell = append(cp.localCell, int(c))
	}
	if len(cp.positions) != n || len(cp.diameters) != n || len(cp.localCell) != n {
		return fmt.Errorf("distribute: %w: %d particles expected", comm.ErrSizeMismatch, n)
	}
	return nil
}

// computeDrag evaluates the drag on every local particle and spreads its
// reaction into the momentum source, smoothed the same way as the solid
// volume.
func (cp *Coupler) computeDrag(k kernel.Kernel, m mesh.Mesh, n int) error {
	for i := range cp.source {
		clear(cp.source[i])
	}
	cp.flatForce = resize(cp.flatForce, 3*n)
	utils.ParallelEach(n, 0, func(i int) {
		uf := k.InverseDistributeVector(i, cp.fluid)
		eps := k.InverseDistributeValue(i, cp.eps)
		f := cp.drag.Force(uf, cp.velocity[i], cp.diameters[i], eps)
		cp.flatForce[3*i], cp.flatForce[3*i+1], cp.flatForce[3*i+2] = f.X, f.Y, f.Z
	})
	if k.Params().Deterministic {
		cp.reduceSource(k, n)
	} else {
		utils.ParallelEach(n, 0, func(i int) {
			for j := range cp.source {
				k.DistributeValue(i, cp.source[j], -cp.flatForce[3*i+j])
			}
		})
	}
	for j := range cp.source {
		if err := k.SmoothenField(m, cp.source[j]); err != nil {
			return fmt.Errorf("momentum source: %w", err)
		}
	}
	return nil
}

// reduceSource adds the reactions in ascending cell order, independent of
// the worker schedule.
func (cp *Coupler) reduceSource(k kernel.Kernel, n int) {
	cp.offsets = resize(cp.offsets, n+1)
	cp.offsets[0] = 0
	for i := 0; i < n; i++ {
		cp.offsets[i+1] = cp.offsets[i] + len(k.Weights(i))
	}
	cp.contribs = resize(cp.contribs, cp.offsets[n])
	for j := range cp.source {
		utils.ParallelEach(n, 0, func(i int) {
			for w, wt := range k.Weights(i) {
				cp.contribs[cp.offsets[i]+w] = utils.Contribution{Cell: wt.Cell, Delta: -cp.flatForce[3*i+j] * wt.Weight}
			}
		})
		utils.SortReduce(cp.contribs, cp.source[j])
	}
}

// collect sums the forces into the master particles and gathers the void
// fraction and momentum source fields.
func (cp *Coupler) collect(p *Particles) error {
	var dest []float64
	if cp.c.IsMaster() {
		dest = resize(cp.stage, 3*p.Len())
		clear(dest)
		cp.stage = dest
	}
	if err := cp.vectors.CollectSum(cp.flatForce, dest); err != nil {
		return fmt.Errorf("forces: %w", err)
	}
	if cp.c.IsMaster() {
		p.Forces = unflatten(p.Forces, dest)
	}

	if err := cp.porosity.Gather(cp.restrict(cp.eps, 1), cp.globalEps); err != nil {
		return fmt.Errorf("void fraction: %w", err)
	}
	cp.interlace = resize(cp.interlace, 3*len(cp.fluid))
	for c := range cp.fluid {
		for j := range cp.source {
			cp.interlace[3*c+j] = cp.source[j][c]
		}
	}
	if err := cp.momentum.Gather(cp.restrict(cp.interlace, 3), cp.globalMomentum); err != nil {
		return fmt.Errorf("momentum source: %w", err)
	}
	return nil
}

func (cp *Coupler) ownsCells() bool {
	return cp.c.Rank() < cp.cc.NumPartitions
}

// restrict returns the owned cells of a global field in local order.
func (cp *Coupler) restrict(global []float64, width int) []float64 {
	if !cp.ownsCells() {
		return []float64{}
	}
	return cp.cc.Restrict(cp.c.Rank(), global, width)
}

func (cp *Coupler) summarize(m mesh.Mesh, p *Particles, solid float64, stats *StepStats) {
	stats.Particles = p.Len()
	for i, c := range p.cells {
		if c < 0 {
			stats.Outside++
		}
		stats.TotalForce = r3.Add(stats.TotalForce, p.Forces[i])
	}
	stats.SolidVolume = solid
	stats.MinVoidFraction = 1
	var vol float64
	for c, e := range cp.globalEps {
		v := m.CellVolume(c)
		stats.MinVoidFraction = min(stats.MinVoidFraction, e)
		stats.MeanVoidFraction += e * v
		vol += v
	}
	if vol > 0 {
		stats.MeanVoidFraction /= vol
	}
}

func resize[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}

func flatten(dst []float64, v []r3.Vec) []float64 {
	dst = dst[:0]
	for _, x := range v {
		dst = append(dst, x.X, x.Y, x.Z)
	}
	return dst
}

func unflatten(dst []r3.Vec, src []float64) []r3.Vec {
	n := len(src) / 3
	if cap(dst) < n {
		dst = make([]r3.Vec, n)
	}
	dst = dst[:n]
	for i := range dst {
		dst[i] = r3.Vec{X: src[3*i], Y: src[3*i+1], Z: src[3*i+2]}
	}
	return dst
}
