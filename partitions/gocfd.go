package partitions

import (
	"fmt"
	"sort"

	gmesh "github.com/notargets/gocfd/DG3D/mesh"
	"github.com/notargets/gocfd/DG3D/mesh/partitioner"
)

// PartitionGocfd partitions a gocfd mesh with its METIS backed partitioner.
// imbalance is the allowed load imbalance, 0.05 for 5%. Cell i of the layout
// is element i of gm, which is also cell i of mesh.FromGocfd(gm).
func PartitionGocfd(gm *gmesh.Mesh, numPartitions int, imbalance float64) (*PartitionLayout, error) {
	if numPartitions < 1 {
		return nil, fmt.Errorf("partition gocfd mesh: %d partitions", numPartitions)
	}
	cToP := make([]int, gm.NumElements)
	if numPartitions > 1 {
		config := &partitioner.PartitionConfig{
			NumPartitions:    int32(numPartitions),
			ImbalanceFactor:  float32(1.0 + imbalance),
			UseEdgeWeights:   true,
			UseVertexWeights: true,
			Objective:        "vol",
		}
		if err := partitioner.NewMeshPartitioner(gm, config).Partition(); err != nil {
			return nil, fmt.Errorf("partition gocfd mesh: %w", err)
		}
		for e := range cToP {
			cToP[e] = int(gm.EToP[e])
		}
		cToP = normalizeToZeroBased(cToP)
	}
	types := make([]GeometryType, len(cToP))
	for i := range types {
		types[i] = Tet
	}
	return NewLayout(cToP, numPartitions, types)
}

// normalizeToZeroBased renumbers the partition ids in use to 0..k-1,
// keeping their order.
func normalizeToZeroBased(cToP []int) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, p := range cToP {
		if !seen[p] {
			seen[p] = true
			ids = append(ids, p)
		}
	}
	sort.Ints(ids)
	renumber := make(map[int]int, len(ids))
	for i, id := range ids {
		renumber[id] = i
	}
	out := make([]int, len(cToP))
	for c, p := range cToP {
		out[c] = renumber[p]
	}
	return out
}
