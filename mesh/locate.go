package mesh

import (
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// locateCandidates is the number of nearest centroids tried by
// CellContaining after the hint and its neighbours.
const locateCandidates = 12

// containTol is the barycentric tolerance of the containment test. Points on
// a shared face are reported in whichever cell is tried first.
const containTol = 1e-10

// PointIndex is a k-d tree over a fixed set of points, answering nearest and
// radius queries by point index.
type PointIndex struct {
	tree *kdtree.Tree
}

type indexedPoint struct {
	r3.Vec
	id int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	case 2:
		return p.Z - q.Z
	}
	panic("mesh: illegal k-d dimension")
}

func (p indexedPoint) Dims() int { return 3 }

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(p.Vec, c.(indexedPoint).Vec))
}

type pointList []indexedPoint

func (p pointList) Index(i int) kdtree.Comparable         { return p[i] }
func (p pointList) Len() int                              { return len(p) }
func (p pointList) Pivot(d kdtree.Dim) int                { return plane{Dim: d, pointList: p}.Pivot() }
func (p pointList) Slice(start, end int) kdtree.Interface { return p[start:end] }

type plane struct {
	kdtree.Dim
	pointList
}

func (p plane) Less(i, j int) bool {
	a, b := p.pointList[i], p.pointList[j]
	switch p.Dim {
	case 0:
		return a.X < b.X
	case 1:
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.pointList = p.pointList[start:end]
	return p
}
func (p plane) Swap(i, j int) {
	p.pointList[i], p.pointList[j] = p.pointList[j], p.pointList[i]
}

// NewPointIndex builds the tree. The points are copied.
func NewPointIndex(points []r3.Vec) *PointIndex {
	list := make(pointList, len(points))
	for i, p := range points {
		list[i] = indexedPoint{Vec: p, id: i}
	}
	return &PointIndex{tree: kdtree.New(list, false)}
}

// Nearest returns the indices of the n points closest to q, closest first.
func (ix *PointIndex) Nearest(q r3.Vec, n int) []int {
	if n < 1 {
		return nil
	}
	keep := kdtree.NewNKeeper(n)
	ix.tree.NearestSet(keep, indexedPoint{Vec: q})
	return heapIDs(keep.Heap)
}

// Within returns the indices of the points at distance <= r from q, closest
// first.
func (ix *PointIndex) Within(q r3.Vec, r float64) []int {
	keep := kdtree.NewDistKeeper(r * r)
	ix.tree.NearestSet(keep, indexedPoint{Vec: q})
	return heapIDs(keep.Heap)
}

func heapIDs(h kdtree.Heap) []int {
	ids := make([]int, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		ids = append(ids, cd.Comparable.(indexedPoint).id)
	}
	return ids
}

// CellContaining tries the hint cell, then its face neighbours, then the
// cells with the nearest centroids and their face neighbours.
func (m *CellMesh) CellContaining(p r3.Vec, hint int) int {
	if p.X < m.lo.X || p.Y < m.lo.Y || p.Z < m.lo.Z ||
		p.X > m.hi.X || p.Y > m.hi.Y || p.Z > m.hi.Z {
		return -1
	}
	tried := make(map[int]bool)
	try := func(c int) bool {
		if tried[c] {
			return false
		}
		tried[c] = true
		return m.Contains(c, p)
	}
	if hint >= 0 && hint < len(m.Cells) {
		if try(hint) {
			return hint
		}
		for _, nb := range m.adjacency[hint] {
			if try(nb) {
				return nb
			}
		}
	}
	near := m.index.Nearest(p, locateCandidates)
	for _, c := range near {
		if try(c) {
			return c
		}
	}
	for _, c := range near {
		for _, nb := range m.adjacency[c] {
			if try(nb) {
				return nb
			}
		}
	}
	return -1
}

// Contains reports whether p lies inside cell c, faces included.
func (m *CellMesh) Contains(c int, p r3.Vec) bool {
	for _, t := range m.Shapes[c].tets() {
		if inTet(m.corner(c, t[0]), m.corner(c, t[1]), m.corner(c, t[2]), m.corner(c, t[3]), p) {
			return true
		}
	}
	return false
}

func triple(a, b, c r3.Vec) float64 { return r3.Dot(a, r3.Cross(b, c)) }

// inTet tests the barycentric coordinates of p in tet abcd.
func inTet(a, b, c, d, p r3.Vec) bool {
	vol := triple(r3.Sub(b, a), r3.Sub(c, a), r3.Sub(d, a))
	if vol == 0 {
		return false
	}
	l1 := triple(r3.Sub(p, a), r3.Sub(c, a), r3.Sub(d, a)) / vol
	l2 := triple(r3.Sub(b, a), r3.Sub(p, a), r3.Sub(d, a)) / vol
	l3 := triple(r3.Sub(b, a), r3.Sub(c, a), r3.Sub(p, a)) / vol
	l0 := 1 - l1 - l2 - l3
	return l0 >= -containTol && l1 >= -containTol && l2 >= -containTol && l3 >= -containTol
}
