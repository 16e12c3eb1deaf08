// Package partitions decomposes the cells of a mesh into one partition per
// rank and derives the per-rank particle ownership from it.
package partitions

import (
	"fmt"
	"math"

	"github.com/notargets/DEMCoupling/mesh"
)

// GeometryType identifies the shape of a cell
type GeometryType uint8

const (
	Tet GeometryType = iota // Tetrahedron
	Hex                     // Hexahedron
)

func geometryOf(s mesh.Shape) GeometryType {
	if s == mesh.Hex {
		return Hex
	}
	return Tet
}

// Partition is the set of cells owned by one rank
type Partition struct {
	ID int

	Cells    []int // Global cell indices, ascending
	NumCells int
	MaxCells int // max(NumCells) over all partitions

	CellTypes  []GeometryType
	TypeGroups []CellGroup // Cells grouped by type
}

// CellGroup lists the cells of one type within a partition
type CellGroup struct {
	CellType   GeometryType
	StartIndex int
	Count      int
	LocalIDs   []int // Indices within the partition
}

// PartitionLayout is the complete decomposition of a mesh
type PartitionLayout struct {
	Partitions []Partition

	KpartMax      int // max(NumCells) across all partitions
	TotalCells    int
	NumPartitions int

	// Cell to partition mapping, length TotalCells
	CToP []int
}

// GetPartition returns the partition owning cell c, or -1 for a cell id
// outside the mesh.
func (pl *PartitionLayout) GetPartition(c int) int {
	if c < 0 || c >= len(pl.CToP) {
		return -1
	}
	return pl.CToP[c]
}

// Owned reports, for every cell, whether it belongs to partition p.
func (pl *PartitionLayout) Owned(p int) []bool {
	owned := make([]bool, pl.TotalCells)
	for c, q := range pl.CToP {
		owned[c] = q == p
	}
	return owned
}

// ValidateLayout checks partition consistency
func (pl *PartitionLayout) ValidateLayout() error {
	if len(pl.CToP) != pl.TotalCells {
		return fmt.Errorf("CToP length %d != TotalCells %d", len(pl.CToP), pl.TotalCells)
	}
	if len(pl.Partitions) != pl.NumPartitions {
		return fmt.Errorf("%d partitions listed, NumPartitions %d",
			len(pl.Partitions), pl.NumPartitions)
	}
	actualMax, total := 0, 0
	for _, p := range pl.Partitions {
		if p.NumCells > actualMax {
			actualMax = p.NumCells
		}
		if p.MaxCells != pl.KpartMax {
			return fmt.Errorf("partition %d: MaxCells %d != KpartMax %d",
				p.ID, p.MaxCells, pl.KpartMax)
		}
		for _, c := range p.Cells {
			if pl.GetPartition(c) != p.ID {
				return fmt.Errorf("partition %d lists cell %d owned by %d",
					p.ID, c, pl.GetPartition(c))
			}
		}
		total += p.NumCells
	}
	if actualMax != pl.KpartMax {
		return fmt.Errorf("computed KpartMax %d != stored KpartMax %d",
			actualMax, pl.KpartMax)
	}
	if total != pl.TotalCells {
		return fmt.Errorf("partitions hold %d cells, mesh has %d", total, pl.TotalCells)
	}
	return nil
}

// PartitionStatistics computes load balance metrics
func (pl *PartitionLayout) PartitionStatistics() PartitionStats {
	stats := PartitionStats{
		NumPartitions: pl.NumPartitions,
		MinCells:      math.MaxInt32,
		AvgCells:      float64(pl.TotalCells) / float64(pl.NumPartitions),
	}
	for _, p := range pl.Partitions {
		stats.MinCells = min(stats.MinCells, p.NumCells)
		stats.MaxCells = max(stats.MaxCells, p.NumCells)
	}
	stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	return stats
}

type PartitionStats struct {
	NumPartitions int
	MinCells      int
	MaxCells      int
	AvgCells      float64
	Imbalance     float64 // MaxCells / AvgCells
}

func (s PartitionStats) String() string {
	return fmt.Sprintf("%d partitions, cells min %d max %d avg %.1f, imbalance %.3f",
		s.NumPartitions, s.MinCells, s.MaxCells, s.AvgCells, s.Imbalance)
}
