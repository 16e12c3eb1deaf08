package partitions

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/DEMCoupling/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// PartitionBuilder constructs partitions from mesh connectivity
type PartitionBuilder struct {
	Mesh *MeshConnectivity

	// NumPartitions wins over TargetPartitionSize when set
	NumPartitions       int
	TargetPartitionSize int
	Strategy            PartitionStrategy
}

// MeshConnectivity provides the mesh topology needed for partitioning
type MeshConnectivity struct {
	NumCells  int
	CellTypes []GeometryType
	Adjacency [][]int  // Cell-to-cell face connectivity
	Centroids []r3.Vec // Used by the space filling curve
}

// ConnectivityFromMesh extracts the partitioning input from m.
func ConnectivityFromMesh(m mesh.Mesh) *MeshConnectivity {
	mc := &MeshConnectivity{
		NumCells:  m.NumCells(),
		Adjacency: make([][]int, m.NumCells()),
		Centroids: make([]r3.Vec, m.NumCells()),
	}
	if cm, ok := m.(*mesh.CellMesh); ok {
		mc.CellTypes = make([]GeometryType, m.NumCells())
		for c, s := range cm.Shapes {
			mc.CellTypes[c] = geometryOf(s)
		}
	}
	for c := 0; c < m.NumCells(); c++ {
		mc.Adjacency[c] = m.CellAdjacency(c)
		mc.Centroids[c] = m.CellCentroid(c)
	}
	return mc
}

// PartitionStrategy defines how cells are grouped
type PartitionStrategy int

const (
	BlockPartition    PartitionStrategy = iota // Consecutive cells
	RoundRobin                                 // Distribute cyclically
	GraphPartition                             // Greedy breadth-first growth over adjacency
	SpaceFillingCurve                          // Morton order of centroids
)

var strategyNames = map[string]PartitionStrategy{
	"block":      BlockPartition,
	"roundRobin": RoundRobin,
	"graph":      GraphPartition,
	"morton":     SpaceFillingCurve,
}

// ParseStrategy maps a configuration name to a strategy.
func ParseStrategy(name string) (PartitionStrategy, error) {
	s, ok := strategyNames[name]
	if !ok {
		names := make([]string, 0, len(strategyNames))
		for n := range strategyNames {
			names = append(names, n)
		}
		sort.Strings(names)
		return 0, fmt.Errorf("unknown partition strategy %q, valid strategies are %v", name, names)
	}
	return s, nil
}

// BuildPartitions creates a partition layout from mesh connectivity
func (pb *PartitionBuilder) BuildPartitions() (*PartitionLayout, error) {
	numPartitions := pb.calculateNumPartitions()
	if pb.Strategy == GraphPartition && pb.Mesh.Adjacency == nil {
		return nil, fmt.Errorf("graph partitioning needs cell adjacency")
	}
	if pb.Strategy == SpaceFillingCurve && len(pb.Mesh.Centroids) != pb.Mesh.NumCells {
		return nil, fmt.Errorf("space filling curve needs %d centroids, have %d",
			pb.Mesh.NumCells, len(pb.Mesh.Centroids))
	}

	cToP := pb.partitionCells(numPartitions)
	return NewLayout(cToP, numPartitions, pb.Mesh.CellTypes)
}

// NewLayout builds and validates the layout of a cell to partition map.
// cellTypes may be nil.
func NewLayout(cToP []int, numPartitions int, cellTypes []GeometryType) (*PartitionLayout, error) {
	for c, p := range cToP {
		if p < 0 || p >= numPartitions {
			return nil, fmt.Errorf("cell %d assigned to partition %d of %d", c, p, numPartitions)
		}
	}
	partitions := createPartitions(cToP, numPartitions, cellTypes)
	kpartMax := 0
	for _, p := range partitions {
		kpartMax = max(kpartMax, p.NumCells)
	}
	for i := range partitions {
		partitions[i].MaxCells = kpartMax
	}
	layout := &PartitionLayout{
		Partitions:    partitions,
		KpartMax:      kpartMax,
		TotalCells:    len(cToP),
		NumPartitions: numPartitions,
		CToP:          cToP,
	}
	if err := layout.ValidateLayout(); err != nil {
		return nil, fmt.Errorf("invalid partition layout: %w", err)
	}
	return layout, nil
}

// calculateNumPartitions determines the partition count
func (pb *PartitionBuilder) calculateNumPartitions() int {
	if pb.NumPartitions > 0 {
		return pb.NumPartitions
	}
	numPartitions := 1
	if pb.TargetPartitionSize > 0 {
		numPartitions = int(math.Ceil(float64(pb.Mesh.NumCells) / float64(pb.TargetPartitionSize)))
	}
	return max(numPartitions, 1)
}

// partitionCells assigns cells to partitions
func (pb *PartitionBuilder) partitionCells(numPartitions int) []int {
	n := pb.Mesh.NumCells
	cToP := make([]int, n)
	switch pb.Strategy {
	case RoundRobin:
		for i := 0; i < n; i++ {
			cToP[i] = i % numPartitions
		}
	case GraphPartition:
		growPartitions(pb.Mesh.Adjacency, numPartitions, cToP)
	case SpaceFillingCurve:
		order := mortonOrder(pb.Mesh.Centroids)
		assignBlocks(order, numPartitions, cToP)
	default:
		order := make([]int, n)
		for i := range order {
			order[i] = i
		}
		assignBlocks(order, numPartitions, cToP)
	}
	return cToP
}

// assignBlocks gives consecutive runs of order to consecutive partitions.
// Run lengths differ by at most one.
func assignBlocks(order []int, numPartitions int, cToP []int) {
	for i, c := range order {
		cToP[c] = i * numPartitions / len(order)
	}
}

// growPartitions grows each partition breadth-first from the lowest
// unassigned cell until it reaches its share of cells. A partition whose
// frontier runs dry reseeds from the next unassigned cell.
func growPartitions(adjacency [][]int, numPartitions int, cToP []int) {
	n := len(cToP)
	for i := range cToP {
		cToP[i] = -1
	}
	nextSeed := 0
	assigned := 0
	for p := 0; p < numPartitions; p++ {
		// share of what is left, so rounding does not starve the last parts
		target := (n - assigned) / (numPartitions - p)
		if (n-assigned)%(numPartitions-p) != 0 {
			target++
		}
		size := 0
		var queue []int
		for size < target {
			if len(queue) == 0 {
				for nextSeed < n && cToP[nextSeed] >= 0 {
					nextSeed++
				}
				if nextSeed == n {
					break
				}
				cToP[nextSeed] = p
				size++
				queue = append(queue, nextSeed)
				continue
			}
			c := queue[0]
			queue = queue[1:]
			for _, nb := range adjacency[c] {
				if size == target {
					break
				}
				if cToP[nb] < 0 {
					cToP[nb] = p
					size++
					queue = append(queue, nb)
				}
			}
		}
		assigned += size
	}
}

// mortonOrder sorts cell indices by the Morton code of their centroids.
func mortonOrder(centroids []r3.Vec) []int {
	lo := r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	hi := r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, c := range centroids {
		lo = r3.Vec{X: math.Min(lo.X, c.X), Y: math.Min(lo.Y, c.Y), Z: math.Min(lo.Z, c.Z)}
		hi = r3.Vec{X: math.Max(hi.X, c.X), Y: math.Max(hi.Y, c.Y), Z: math.Max(hi.Z, c.Z)}
	}
	const levels = 1<<21 - 1
	quantize := func(v, a, b float64) uint64 {
		if b <= a {
			return 0
		}
		return uint64((v - a) / (b - a) * levels)
	}
	codes := make([]uint64, len(centroids))
	for i, c := range centroids {
		codes[i] = spread3(quantize(c.X, lo.X, hi.X)) |
			spread3(quantize(c.Y, lo.Y, hi.Y))<<1 |
			spread3(quantize(c.Z, lo.Z, hi.Z))<<2
	}
	order := make([]int, len(centroids))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return codes[order[a]] < codes[order[b]] })
	return order
}

// spread3 inserts two zero bits between each of the low 21 bits of x.
func spread3(x uint64) uint64 {
	x &= 0x1fffff
	x = (x | x<<32) & 0x1f00000000ffff
	x = (x | x<<16) & 0x1f0000ff0000ff
	x = (x | x<<8) & 0x100f00f00f00f00f
	x = (x | x<<4) & 0x10c30c30c30c30c3
	x = (x | x<<2) & 0x1249249249249249
	return x
}

// createPartitions builds partition structures from cell assignments
func createPartitions(cToP []int, numPartitions int, cellTypes []GeometryType) []Partition {
	partitions := make([]Partition, numPartitions)
	for i := range partitions {
		partitions[i] = Partition{ID: i, Cells: make([]int, 0)}
	}
	for c, p := range cToP {
		partitions[p].Cells = append(partitions[p].Cells, c)
		if cellTypes != nil {
			partitions[p].CellTypes = append(partitions[p].CellTypes, cellTypes[c])
		}
		partitions[p].NumCells++
	}
	for i := range partitions {
		partitions[i].TypeGroups = createCellGroups(&partitions[i])
	}
	return partitions
}

// createCellGroups organizes cells by type within a partition
func createCellGroups(p *Partition) []CellGroup {
	if len(p.CellTypes) == 0 {
		return nil
	}
	byType := make(map[GeometryType][]int)
	for i, t := range p.CellTypes {
		byType[t] = append(byType[t], i)
	}
	types := make([]GeometryType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	groups := make([]CellGroup, 0, len(byType))
	start := 0
	for _, t := range types {
		ids := byType[t]
		groups = append(groups, CellGroup{
			CellType:   t,
			StartIndex: start,
			Count:      len(ids),
			LocalIDs:   ids,
		})
		start += len(ids)
	}
	return groups
}
