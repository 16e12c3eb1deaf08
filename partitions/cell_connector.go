package partitions

import (
	"fmt"

	"github.com/notargets/DEMCoupling/comm"
	"github.com/notargets/DEMCoupling/scatter"
)

// CellConnector manages the global and partition-local numbering of cells
type CellConnector struct {
	NumPartitions int
	K             int // Total cells

	CToP []int // Cell → partition mapping

	CellsPerPartition []int
	GlobalToLocalCell []map[int]int // [partition][globalCell] → localCell
	LocalToGlobalCell [][]int       // [partition][localCell] → globalCell
}

// NewCellConnector creates a connector from a cell to partition map
func NewCellConnector(cToP []int) (*CellConnector, error) {
	if len(cToP) == 0 {
		return nil, fmt.Errorf("cell connector: empty mesh")
	}
	numPartitions := 0
	for c, p := range cToP {
		if p < 0 {
			return nil, fmt.Errorf("cell connector: cell %d has partition %d", c, p)
		}
		numPartitions = max(numPartitions, p+1)
	}
	cc := &CellConnector{
		NumPartitions: numPartitions,
		K:             len(cToP),
		CToP:          cToP,
	}
	cc.buildPartitionMappings()
	return cc, nil
}

// buildPartitionMappings creates bidirectional mappings between global and
// local cell numbering. Local order follows global order.
func (cc *CellConnector) buildPartitionMappings() {
	cc.CellsPerPartition = make([]int, cc.NumPartitions)
	for _, p := range cc.CToP {
		cc.CellsPerPartition[p]++
	}
	cc.GlobalToLocalCell = make([]map[int]int, cc.NumPartitions)
	cc.LocalToGlobalCell = make([][]int, cc.NumPartitions)
	for p := 0; p < cc.NumPartitions; p++ {
		cc.GlobalToLocalCell[p] = make(map[int]int, cc.CellsPerPartition[p])
		cc.LocalToGlobalCell[p] = make([]int, 0, cc.CellsPerPartition[p])
	}
	for g, p := range cc.CToP {
		cc.GlobalToLocalCell[p][g] = len(cc.LocalToGlobalCell[p])
		cc.LocalToGlobalCell[p] = append(cc.LocalToGlobalCell[p], g)
	}
}

// LocalCell returns the local index of global cell g in partition p, or -1
// when p does not own g.
func (cc *CellConnector) LocalCell(p, g int) int {
	if p < 0 || p >= cc.NumPartitions {
		return -1
	}
	l, ok := cc.GlobalToLocalCell[p][g]
	if !ok {
		return -1
	}
	return l
}

// Restrict copies the entries of partition p out of a field indexed by
// global cell, width values per cell, into local order.
func (cc *CellConnector) Restrict(p int, global []float64, width int) []float64 {
	cells := cc.LocalToGlobalCell[p]
	local := make([]float64, len(cells)*width)
	for l, g := range cells {
		copy(local[l*width:(l+1)*width], global[g*width:(g+1)*width])
	}
	return local
}

// Expand writes a local field of partition p into a field indexed by global
// cell.
func (cc *CellConnector) Expand(p int, local, global []float64, width int) {
	for l, g := range cc.LocalToGlobalCell[p] {
		copy(global[g*width:(g+1)*width], local[l*width:(l+1)*width])
	}
}

// Verify checks index validity and conservation properties
func (cc *CellConnector) Verify() error {
	total := 0
	for p := 0; p < cc.NumPartitions; p++ {
		if len(cc.LocalToGlobalCell[p]) != cc.CellsPerPartition[p] {
			return fmt.Errorf("partition %d: %d local cells, expected %d",
				p, len(cc.LocalToGlobalCell[p]), cc.CellsPerPartition[p])
		}
		for l, g := range cc.LocalToGlobalCell[p] {
			if g < 0 || g >= cc.K {
				return fmt.Errorf("partition %d: invalid global cell %d", p, g)
			}
			if cc.CToP[g] != p || cc.GlobalToLocalCell[p][g] != l {
				return fmt.Errorf("partition %d: cell %d does not round trip", p, g)
			}
		}
		total += len(cc.LocalToGlobalCell[p])
	}
	if total != cc.K {
		return fmt.Errorf("conservation error: %d local cells != %d cells", total, cc.K)
	}
	return nil
}

// FieldExchange moves cell fields between the master, which holds them in
// global numbering, and the ranks, which hold their own cells in local
// numbering. Partition p is owned by rank p.
type FieldExchange struct {
	cc    *CellConnector
	c     comm.Comm
	ch    *scatter.Channel[float64]
	width int
}

// NewFieldExchange is collective. The local cell numbering of each
// partition is used as the index map of a scatter channel over cells.
func (cc *CellConnector) NewFieldExchange(c comm.Comm, width, tag int) (*FieldExchange, error) {
	if cc.NumPartitions > c.Size() {
		return nil, fmt.Errorf("field exchange: %d partitions for %d ranks", cc.NumPartitions, c.Size())
	}
	ch := scatter.NewChannel[float64](c, width)
	ch.Tag = tag
	ch.Deterministic = true
	if c.IsMaster() {
		maps := make([][]int, c.Size())
		copy(maps, cc.LocalToGlobalCell)
		if err := ch.SetMaps(maps, cc.K); err != nil {
			return nil, fmt.Errorf("field exchange: %w", err)
		}
	}
	if _, err := ch.ShareCounts(); err != nil {
		return nil, fmt.Errorf("field exchange: %w", err)
	}
	return &FieldExchange{cc: cc, c: c, ch: ch, width: width}, nil
}

// Scatter sends each rank its cells of the master field global and returns
// them in local order. global is only read on the master.
func (fx *FieldExchange) Scatter(global, local []float64) ([]float64, error) {
	return fx.ch.Distribute(global, local)
}

// Gather assembles the local fields of every rank into global on the master.
// global is overwritten.
func (fx *FieldExchange) Gather(local, global []float64) error {
	if fx.c.IsMaster() {
		clear(global)
	}
	return fx.ch.CollectSum(local, global)
}

// Connector returns the underlying cell connector.
func (fx *FieldExchange) Connector() *CellConnector { return fx.cc }
