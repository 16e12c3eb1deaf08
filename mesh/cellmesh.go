package mesh

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// PatchNamer names the boundary patch of a face given its vertex ids,
// centroid and outward unit normal.
type PatchNamer func(vertices []int, centroid, normal r3.Vec) string

// DefaultPatch is the patch name used when no PatchNamer is given.
const DefaultPatch = "boundary"

// CellMesh is an unstructured mesh of tet and hex cells.
type CellMesh struct {
	Vertices []r3.Vec
	Cells    [][]int // vertex ids per cell
	Shapes   []Shape

	centroids []r3.Vec
	volumes   []float64
	adjacency [][]int
	vertexAdj [][]int

	boundary   []BoundaryFace
	bfaceVerts [][]int
	patches    []string

	lo, hi   r3.Vec
	index    *PointIndex
	dynamic  bool
	revision uint64
}

// NewCellMesh computes cell geometry, face and vertex adjacency, and the
// boundary faces of the given cells. namer may be nil.
func NewCellMesh(vertices []r3.Vec, cells [][]int, shapes []Shape, namer PatchNamer) (*CellMesh, error) {
	if len(cells) != len(shapes) {
		return nil, fmt.Errorf("new cell mesh: %d cells but %d shapes", len(cells), len(shapes))
	}
	for c, cv := range cells {
		if len(cv) != shapes[c].NumVertices() {
			return nil, fmt.Errorf("new cell mesh: cell %d is a %s with %d vertices",
				c, shapes[c], len(cv))
		}
		for _, v := range cv {
			if v < 0 || v >= len(vertices) {
				return nil, fmt.Errorf("new cell mesh: cell %d references vertex %d of %d",
					c, v, len(vertices))
			}
		}
	}
	m := &CellMesh{
		Vertices: vertices,
		Cells:    cells,
		Shapes:   shapes,
		revision: 1,
	}
	if err := m.computeGeometry(); err != nil {
		return nil, fmt.Errorf("new cell mesh: %w", err)
	}
	m.buildAdjacency(namer)
	m.buildVertexAdjacency()
	m.index = NewPointIndex(m.centroids)
	return m, nil
}

func (m *CellMesh) NumCells() int                   { return len(m.Cells) }
func (m *CellMesh) CellAdjacency(c int) []int       { return m.adjacency[c] }
func (m *CellMesh) CellVertexAdjacency(c int) []int { return m.vertexAdj[c] }
func (m *CellMesh) CellCentroid(c int) r3.Vec       { return m.centroids[c] }
func (m *CellMesh) CellVolume(c int) float64        { return m.volumes[c] }
func (m *CellMesh) BoundaryFaces() []BoundaryFace   { return m.boundary }
func (m *CellMesh) IsDynamic() bool                 { return m.dynamic }
func (m *CellMesh) Revision() uint64                { return m.revision }

// Patches returns the boundary patch names in PatchID order.
func (m *CellMesh) Patches() []string { return m.patches }

// Bounds returns the axis-aligned bounding box of the vertices.
func (m *CellMesh) Bounds() (lo, hi r3.Vec) { return m.lo, m.hi }

// SetDynamic marks the mesh as moving. Only dynamic meshes accept motion.
func (m *CellMesh) SetDynamic(dynamic bool) { m.dynamic = dynamic }

// Translate moves every vertex by d.
func (m *CellMesh) Translate(d r3.Vec) error {
	return m.MoveVertices(func(_ int, v r3.Vec) r3.Vec { return r3.Add(v, d) })
}

// MoveVertices replaces every vertex by move(i, v) and recomputes the
// geometry. Topology is unchanged. The revision is bumped on success.
func (m *CellMesh) MoveVertices(move func(i int, v r3.Vec) r3.Vec) error {
	if !m.dynamic {
		return fmt.Errorf("move vertices: %w", ErrStaticMesh)
	}
	old := append([]r3.Vec(nil), m.Vertices...)
	for i, v := range m.Vertices {
		m.Vertices[i] = move(i, v)
	}
	if err := m.computeGeometry(); err != nil {
		copy(m.Vertices, old)
		_ = m.computeGeometry()
		return fmt.Errorf("move vertices: %w", err)
	}
	m.computeBoundaryGeometry()
	m.index = NewPointIndex(m.centroids)
	m.revision++
	return nil
}

func (m *CellMesh) computeGeometry() error {
	n := len(m.Cells)
	m.centroids = make([]r3.Vec, n)
	m.volumes = make([]float64, n)
	for c := range m.Cells {
		var vol float64
		var moment r3.Vec
		for _, t := range m.Shapes[c].tets() {
			a, b, cc, d := m.corner(c, t[0]), m.corner(c, t[1]), m.corner(c, t[2]), m.corner(c, t[3])
			v := math.Abs(tetVolume(a, b, cc, d))
			vol += v
			center := r3.Scale(0.25, r3.Add(r3.Add(a, b), r3.Add(cc, d)))
			moment = r3.Add(moment, r3.Scale(v, center))
		}
		if !(vol > 0) {
			return fmt.Errorf("cell %d: %w: volume %g", c, ErrDegenerateCell, vol)
		}
		m.volumes[c] = vol
		m.centroids[c] = r3.Scale(1/vol, moment)
	}
	m.lo = r3.Vec{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	m.hi = r3.Vec{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	for _, v := range m.Vertices {
		m.lo = r3.Vec{X: math.Min(m.lo.X, v.X), Y: math.Min(m.lo.Y, v.Y), Z: math.Min(m.lo.Z, v.Z)}
		m.hi = r3.Vec{X: math.Max(m.hi.X, v.X), Y: math.Max(m.hi.Y, v.Y), Z: math.Max(m.hi.Z, v.Z)}
	}
	return nil
}

func (m *CellMesh) corner(c, local int) r3.Vec {
	return m.Vertices[m.Cells[c][local]]
}

// tetVolume returns the signed volume of the tet, det([a 1; b 1; c 1; d 1])/6.
func tetVolume(a, b, c, d r3.Vec) float64 {
	j := mat.NewDense(4, 4, []float64{
		a.X, a.Y, a.Z, 1,
		b.X, b.Y, b.Z, 1,
		c.X, c.Y, c.Z, 1,
		d.X, d.Y, d.Z, 1,
	})
	return mat.Det(j) / 6
}

type faceKey [4]int

func makeFaceKey(ids []int) faceKey {
	k := faceKey{-1, -1, -1, -1}
	copy(k[:], ids)
	sort.Ints(k[:len(ids)])
	return k
}

type faceRef struct {
	cell, face int
}

func (m *CellMesh) faceVertices(c, f int) []int {
	local := m.Shapes[c].faces()[f]
	ids := make([]int, len(local))
	for i, l := range local {
		ids[i] = m.Cells[c][l]
	}
	return ids
}

// buildAdjacency matches faces by their sorted vertex ids. A face seen once
// is a boundary face.
func (m *CellMesh) buildAdjacency(namer PatchNamer) {
	m.adjacency = make([][]int, len(m.Cells))
	open := make(map[faceKey]faceRef)
	for c := range m.Cells {
		for f := range m.Shapes[c].faces() {
			k := makeFaceKey(m.faceVertices(c, f))
			if other, ok := open[k]; ok {
				m.adjacency[c] = append(m.adjacency[c], other.cell)
				m.adjacency[other.cell] = append(m.adjacency[other.cell], c)
				delete(open, k)
				continue
			}
			open[k] = faceRef{cell: c, face: f}
		}
	}

	m.boundary = m.boundary[:0]
	m.bfaceVerts = m.bfaceVerts[:0]
	patchID := make(map[string]int)
	m.patches = nil
	for c := range m.Cells {
		for f := range m.Shapes[c].faces() {
			ids := m.faceVertices(c, f)
			if _, ok := open[makeFaceKey(ids)]; !ok {
				continue
			}
			centroid, normal, area := m.faceGeometry(c, ids)
			name := DefaultPatch
			if namer != nil {
				name = namer(ids, centroid, normal)
			}
			id, ok := patchID[name]
			if !ok {
				id = len(m.patches)
				patchID[name] = id
				m.patches = append(m.patches, name)
			}
			m.boundary = append(m.boundary, BoundaryFace{
				Patch:    name,
				PatchID:  id,
				Face:     len(m.boundary),
				Owner:    c,
				Centroid: centroid,
				Normal:   normal,
				Area:     area,
			})
			m.bfaceVerts = append(m.bfaceVerts, ids)
		}
	}
}

func (m *CellMesh) computeBoundaryGeometry() {
	for i := range m.boundary {
		bf := &m.boundary[i]
		bf.Centroid, bf.Normal, bf.Area = m.faceGeometry(bf.Owner, m.bfaceVerts[i])
	}
}

// faceGeometry returns the centroid, the unit normal pointing away from
// cell c, and the area of the planar polygon ids.
func (m *CellMesh) faceGeometry(c int, ids []int) (centroid, normal r3.Vec, area float64) {
	var areaVec r3.Vec
	for i, id := range ids {
		p := m.Vertices[id]
		q := m.Vertices[ids[(i+1)%len(ids)]]
		centroid = r3.Add(centroid, p)
		areaVec = r3.Add(areaVec, r3.Cross(p, q))
	}
	centroid = r3.Scale(1/float64(len(ids)), centroid)
	areaVec = r3.Scale(0.5, areaVec)
	area = r3.Norm(areaVec)
	normal = r3.Scale(1/area, areaVec)
	if r3.Dot(normal, r3.Sub(centroid, m.centroids[c])) < 0 {
		normal = r3.Scale(-1, normal)
	}
	return centroid, normal, area
}

func (m *CellMesh) buildVertexAdjacency() {
	cellsOf := make([][]int, len(m.Vertices))
	for c, cv := range m.Cells {
		for _, v := range cv {
			cellsOf[v] = append(cellsOf[v], c)
		}
	}
	m.vertexAdj = make([][]int, len(m.Cells))
	seen := make(map[int]struct{})
	for c, cv := range m.Cells {
		clear(seen)
		for _, v := range cv {
			for _, other := range cellsOf[v] {
				if other != c {
					seen[other] = struct{}{}
				}
			}
		}
		adj := make([]int, 0, len(seen))
		for other := range seen {
			adj = append(adj, other)
		}
		sort.Ints(adj)
		m.vertexAdj[c] = adj
	}
}
