// Package neighbor builds the per-cell neighbor lists the distribution
// kernels spread particle quantities over, together with the nearest
// boundary face of every cell.
package neighbor

import (
	"fmt"
	"math"
	"slices"

	"github.com/notargets/DEMCoupling/mesh"
	"github.com/notargets/DEMCoupling/utils"
	"gonum.org/v1/gonum/spatial/r3"
)

// Mode selects how neighbor lists are built
type Mode uint8

const (
	Layered   Mode = iota // Breadth-first over cell adjacency
	Geometric             // Centroids within a search radius
)

func (m Mode) String() string {
	switch m {
	case Layered:
		return "layered"
	case Geometric:
		return "geometric"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// ParseMode maps a configuration name to a Mode.
func ParseMode(name string) (Mode, error) {
	switch name {
	case "layered", "":
		return Layered, nil
	case "geometric":
		return Geometric, nil
	}
	return 0, fmt.Errorf("unknown neighbor search mode %q, valid modes are [geometric layered]", name)
}

// Options controls a build.
type Options struct {
	Mode Mode
	// SearchRadius is added to the half width of each cell in Geometric
	// mode.
	SearchRadius float64
	// MaxLayers is the number of adjacency hops in Layered mode.
	MaxLayers int
	// VertexNeighbors makes Layered mode walk vertex adjacency instead of
	// face adjacency.
	VertexNeighbors bool

	// Owner maps cells to ranks. When set, only cells owned by Rank get a
	// list and lists hold owned cells only.
	Owner []int
	Rank  int
}

func (o Options) validate(m mesh.Mesh) error {
	switch o.Mode {
	case Layered:
		if o.MaxLayers < 0 {
			return fmt.Errorf("max layers %d < 0", o.MaxLayers)
		}
	case Geometric:
		if o.SearchRadius < 0 || math.IsNaN(o.SearchRadius) {
			return fmt.Errorf("search radius %g < 0", o.SearchRadius)
		}
	default:
		return fmt.Errorf("unknown mode %v", o.Mode)
	}
	if o.Owner != nil && len(o.Owner) != m.NumCells() {
		return fmt.Errorf("owner map has %d cells, mesh has %d", len(o.Owner), m.NumCells())
	}
	return nil
}

// BoundaryAssociation names the boundary face nearest to a cell.
type BoundaryAssociation struct {
	Patch   string
	PatchID int
	Face    int // index in the mesh's BoundaryFaces
}

// Graph holds one neighbor list per cell. Lists always contain the cell
// itself; the order of the other entries carries no meaning.
type Graph struct {
	opts     Options
	lists    [][]int
	boundary []int // face index per cell, -1 for none
	faces    []mesh.BoundaryFace

	built    bool
	revision uint64
	builds   int
}

// New returns an unbuilt graph.
func New(opts Options) *Graph {
	return &Graph{opts: opts}
}

// Options returns the options of the last build, or those given to New.
func (g *Graph) Options() Options { return g.opts }

// Built reports whether the lists are available.
func (g *Graph) Built() bool { return g.built }

// Builds returns how many times the lists have been built.
func (g *Graph) Builds() int { return g.builds }

// Build constructs the lists for m with opts, replacing any previous build.
func (g *Graph) Build(m mesh.Mesh, opts Options) error {
	if err := opts.validate(m); err != nil {
		return fmt.Errorf("build neighbor graph: %w", err)
	}
	g.opts = opts
	n := m.NumCells()
	g.lists = make([][]int, n)
	g.boundary = make([]int, n)
	g.faces = m.BoundaryFaces()

	var find func(c int, q *layerQueue) []int
	var faceIndex *mesh.PointIndex
	if opts.Mode == Geometric {
		centroids := make([]r3.Vec, n)
		for c := range centroids {
			centroids[c] = m.CellCentroid(c)
		}
		index := mesh.NewPointIndex(centroids)
		faceCentroids := make([]r3.Vec, len(g.faces))
		for i, f := range g.faces {
			faceCentroids[i] = f.Centroid
		}
		faceIndex = mesh.NewPointIndex(faceCentroids)
		find = func(c int, _ *layerQueue) []int {
			return g.within(m, index, c)
		}
	} else {
		adjacency := m.CellAdjacency
		if opts.VertexNeighbors {
			adjacency = m.CellVertexAdjacency
		}
		find = func(c int, q *layerQueue) []int {
			return q.layers(c, opts.MaxLayers, adjacency, g.owned)
		}
	}
	ownedFaces := g.facesByOwner(n)

	err := utils.ParallelFor(n, 0, func(lo, hi int) error {
		q := newLayerQueue(n)
		for c := lo; c < hi; c++ {
			g.boundary[c] = -1
			if !g.owned(c) {
				continue
			}
			g.lists[c] = find(c, q)
			if opts.Mode == Geometric {
				r := searchRange(m, c, opts.SearchRadius)
				g.boundary[c] = g.nearestFace(m.CellCentroid(c), faceIndex.Within(m.CellCentroid(c), r))
			} else {
				var candidates []int
				for _, nb := range g.lists[c] {
					candidates = append(candidates, ownedFaces[nb]...)
				}
				g.boundary[c] = g.nearestFace(m.CellCentroid(c), candidates)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("build neighbor graph: %w", err)
	}
	g.built = true
	g.revision = m.Revision()
	g.builds++
	return nil
}

// Refresh rebuilds the lists when needed: on first use, or when the mesh is
// dynamic and its revision changed since the last build. It reports whether
// a build happened.
func (g *Graph) Refresh(m mesh.Mesh) (bool, error) {
	if g.built && (!m.IsDynamic() || m.Revision() == g.revision) {
		return false, nil
	}
	if err := g.Build(m, g.opts); err != nil {
		return false, err
	}
	return true, nil
}

// Neighbors returns the list of cell c. It is nil for cells outside the
// owned set and for an unbuilt graph. Callers must not modify it.
func (g *Graph) Neighbors(c int) []int {
	if !g.built || c < 0 || c >= len(g.lists) {
		return nil
	}
	return g.lists[c]
}

// Boundary returns the boundary face nearest to cell c within search range.
func (g *Graph) Boundary(c int) (BoundaryAssociation, bool) {
	if !g.built || c < 0 || c >= len(g.boundary) || g.boundary[c] < 0 {
		return BoundaryAssociation{}, false
	}
	f := g.faces[g.boundary[c]]
	return BoundaryAssociation{Patch: f.Patch, PatchID: f.PatchID, Face: f.Face}, true
}

// Wall returns the boundary face associated with cell c.
func (g *Graph) Wall(c int) (mesh.BoundaryFace, bool) {
	if !g.built || c < 0 || c >= len(g.boundary) || g.boundary[c] < 0 {
		return mesh.BoundaryFace{}, false
	}
	return g.faces[g.boundary[c]], true
}

// WallDistance returns the distance from p to the plane of the boundary face
// associated with cell c.
func (g *Graph) WallDistance(c int, p r3.Vec) (float64, bool) {
	if !g.built || c < 0 || c >= len(g.boundary) || g.boundary[c] < 0 {
		return 0, false
	}
	return g.faces[g.boundary[c]].Distance(p), true
}

// Stats summarizes the list lengths over cells that have a list.
func (g *Graph) Stats() (minLen, maxLen int, avg float64) {
	minLen = math.MaxInt
	n := 0
	for _, l := range g.lists {
		if l == nil {
			continue
		}
		minLen = min(minLen, len(l))
		maxLen = max(maxLen, len(l))
		avg += float64(len(l))
		n++
	}
	if n == 0 {
		return 0, 0, 0
	}
	return minLen, maxLen, avg / float64(n)
}

func (g *Graph) owned(c int) bool {
	return g.opts.Owner == nil || g.opts.Owner[c] == g.opts.Rank
}

// searchRange is the geometric radius of cell c.
func searchRange(m mesh.Mesh, c int, radius float64) float64 {
	return radius + 0.5*mesh.CellSize(m, c)
}

func (g *Graph) within(m mesh.Mesh, index *mesh.PointIndex, c int) []int {
	found := index.Within(m.CellCentroid(c), searchRange(m, c, g.opts.SearchRadius))
	list := []int{c}
	for _, nb := range found {
		if nb != c && g.owned(nb) {
			list = append(list, nb)
		}
	}
	return list
}

func (g *Graph) facesByOwner(n int) [][]int {
	byOwner := make([][]int, n)
	for i, f := range g.faces {
		byOwner[f.Owner] = append(byOwner[f.Owner], i)
	}
	return byOwner
}

// nearestFace returns the candidate face whose centroid is closest to p,
// the lowest index on ties, or -1 without candidates.
func (g *Graph) nearestFace(p r3.Vec, candidates []int) int {
	best, bestDist := -1, math.Inf(1)
	for _, i := range candidates {
		d := r3.Norm2(r3.Sub(g.faces[i].Centroid, p))
		if d < bestDist || (d == bestDist && i < best) {
			best, bestDist = i, d
		}
	}
	return best
}

// layerQueue is the reusable state of one breadth-first walk.
type layerQueue struct {
	mark  []int // walk stamp per cell
	stamp int
	cur   []int
	next  []int
}

func newLayerQueue(n int) *layerQueue {
	return &layerQueue{mark: make([]int, n)}
}

// layers returns c and every accepted cell within maxLayers hops of it,
// walking only through accepted cells.
func (q *layerQueue) layers(c, maxLayers int, adjacency func(int) []int, accept func(int) bool) []int {
	q.stamp++
	q.mark[c] = q.stamp
	list := []int{c}
	q.cur = append(q.cur[:0], c)
	for layer := 0; layer < maxLayers && len(q.cur) > 0; layer++ {
		q.next = q.next[:0]
		for _, cell := range q.cur {
			for _, nb := range adjacency(cell) {
				if q.mark[nb] == q.stamp || !accept(nb) {
					continue
				}
				q.mark[nb] = q.stamp
				q.next = append(q.next, nb)
				list = append(list, nb)
			}
		}
		q.cur, q.next = q.next, q.cur
	}
	slices.Sort(list[1:])
	return list
}
