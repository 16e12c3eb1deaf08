package mesh

import (
	"fmt"

	gmesh "github.com/notargets/gocfd/DG3D/mesh"
	"github.com/notargets/gocfd/DG3D/mesh/readers"
	gutils "github.com/notargets/gocfd/utils"
	"gonum.org/v1/gonum/spatial/r3"
)

// ReadGocfdMesh reads a mesh file (.neu, .msh or .su2) with the gocfd
// readers and converts it to a CellMesh.
func ReadGocfdMesh(path string) (*CellMesh, error) {
	gm, err := readers.ReadMeshFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mesh %s: %w", path, err)
	}
	m, err := FromGocfd(gm)
	if err != nil {
		return nil, fmt.Errorf("read mesh %s: %w", path, err)
	}
	return m, nil
}

// FromGocfd converts a tetrahedral gocfd mesh. Boundary faces take the name
// of the gocfd boundary group they belong to; faces in no group are named
// DefaultPatch.
func FromGocfd(gm *gmesh.Mesh) (*CellMesh, error) {
	vertices := make([]r3.Vec, len(gm.Vertices))
	for i, v := range gm.Vertices {
		vertices[i] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
	}

	cells := make([][]int, len(gm.EtoV))
	shapes := make([]Shape, len(gm.EtoV))
	for e, ev := range gm.EtoV {
		if gm.ElementTypes[e] != gutils.Tet {
			return nil, fmt.Errorf("gocfd mesh: element %d is %v, only tets are supported",
				e, gm.ElementTypes[e])
		}
		cell := make([]int, 0, 4)
		for _, v := range ev {
			cell = append(cell, int(v))
		}
		cells[e] = cell
		shapes[e] = Tet
	}

	tags := make(map[faceKey]string)
	for tag, elems := range gm.BoundaryElements {
		for _, be := range elems {
			var ids []int
			for _, n := range be.Nodes {
				ids = append(ids, int(n))
			}
			if len(ids) != 3 && be.ParentElement >= 0 && be.ParentElement < len(cells) &&
				be.ParentFace >= 0 && be.ParentFace < len(tetFaces) {
				ids = ids[:0]
				for _, l := range tetFaces[be.ParentFace] {
					ids = append(ids, cells[be.ParentElement][l])
				}
			}
			if len(ids) == 3 {
				tags[makeFaceKey(ids)] = tag
			}
		}
	}
	namer := func(ids []int, _, _ r3.Vec) string {
		if tag, ok := tags[makeFaceKey(ids)]; ok {
			return tag
		}
		return DefaultPatch
	}
	return NewCellMesh(vertices, cells, shapes, namer)
}
