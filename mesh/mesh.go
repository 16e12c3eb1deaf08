// Package mesh provides the cell mesh collaborator consumed by the coupling
// core: cell adjacency, cell geometry, boundary faces and point location.
package mesh

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

var (
	// ErrStaticMesh is returned when a static mesh is asked to move.
	ErrStaticMesh = errors.New("mesh: mesh is static")
	// ErrDegenerateCell is returned for cells with non-positive volume.
	ErrDegenerateCell = errors.New("mesh: degenerate cell")
)

// Mesh is the interface the neighbor graph and the kernels use.
type Mesh interface {
	NumCells() int
	// CellContaining returns the cell containing p, or -1 when p is outside
	// the mesh. hint is a cell expected to be at or near p; -1 for none.
	CellContaining(p r3.Vec, hint int) int
	// CellAdjacency returns the cells sharing a face with c.
	CellAdjacency(c int) []int
	// CellVertexAdjacency returns the cells sharing at least one vertex
	// with c.
	CellVertexAdjacency(c int) []int
	CellCentroid(c int) r3.Vec
	CellVolume(c int) float64
	BoundaryFaces() []BoundaryFace
	IsDynamic() bool
	// Revision changes whenever cell geometry or topology changes.
	Revision() uint64
}

// BoundaryFace is one face on the domain boundary.
type BoundaryFace struct {
	Patch    string // patch name, e.g. "xmin" or a mesh file boundary tag
	PatchID  int    // index of Patch in the mesh's patch list
	Face     int    // index in BoundaryFaces()
	Owner    int    // cell owning the face
	Centroid r3.Vec
	Normal   r3.Vec // outward unit normal
	Area     float64
}

// Distance returns the unsigned distance from p to the plane of the face.
func (f BoundaryFace) Distance(p r3.Vec) float64 {
	return math.Abs(r3.Dot(r3.Sub(p, f.Centroid), f.Normal))
}

// CellSize returns the edge length of a cube with the volume of cell c.
func CellSize(m Mesh, c int) float64 {
	return math.Cbrt(m.CellVolume(c))
}

// Shape identifies the cell type.
type Shape uint8

const (
	Tet Shape = iota
	Hex
)

func (s Shape) String() string {
	switch s {
	case Tet:
		return "tet"
	case Hex:
		return "hex"
	}
	return "unknown"
}

// NumVertices returns the number of vertices of the shape.
func (s Shape) NumVertices() int {
	if s == Hex {
		return 8
	}
	return 4
}

// Local vertex lists of the faces of each shape. Hex vertices are numbered
// counter-clockwise on the bottom (0..3) then the top (4..7).
var (
	tetFaces = [][]int{{0, 1, 2}, {0, 1, 3}, {1, 2, 3}, {0, 2, 3}}
	hexFaces = [][]int{
		{0, 3, 2, 1}, {4, 5, 6, 7},
		{0, 1, 5, 4}, {2, 3, 7, 6},
		{0, 4, 7, 3}, {1, 2, 6, 5},
	}
	// hexTets splits a hex into six tets around the 0-6 diagonal.
	hexTets = [][4]int{
		{0, 1, 2, 6}, {0, 2, 3, 6}, {0, 3, 7, 6},
		{0, 7, 4, 6}, {0, 4, 5, 6}, {0, 5, 1, 6},
	}
	tetTets = [][4]int{{0, 1, 2, 3}}
)

func (s Shape) faces() [][]int {
	if s == Hex {
		return hexFaces
	}
	return tetFaces
}

func (s Shape) tets() [][4]int {
	if s == Hex {
		return hexTets
	}
	return tetTets
}
