package partitions

import "fmt"

// BuildParticleIndexMaps returns, for every partition, the ascending global
// indices of the particles whose containing cell it owns. particleCells[i] is
// the cell of particle i, -1 for a particle outside the mesh; such particles
// appear in no map.
func BuildParticleIndexMaps(particleCells []int, layout *PartitionLayout) ([][]int, error) {
	maps := make([][]int, layout.NumPartitions)
	counts := make([]int, layout.NumPartitions)
	for i, c := range particleCells {
		if c < 0 {
			continue
		}
		p := layout.GetPartition(c)
		if p < 0 {
			return nil, fmt.Errorf("particle %d: cell %d not in the mesh of %d cells",
				i, c, layout.TotalCells)
		}
		counts[p]++
	}
	for p := range maps {
		maps[p] = make([]int, 0, counts[p])
	}
	for i, c := range particleCells {
		if c < 0 {
			continue
		}
		p := layout.CToP[c]
		maps[p] = append(maps[p], i)
	}
	return maps, nil
}
