package neighbor

import (
	"testing"

	"github.com/notargets/DEMCoupling/mesh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

func unitBox(t *testing.T, n int) *mesh.CellMesh {
	t.Helper()
	m, err := mesh.NewBoxMesh(r3.Vec{}, r3.Vec{X: 1, Y: 1, Z: 1}, n, n, n)
	require.NoError(t, err)
	return m
}

func cellID(n, i, j, k int) int { return i + n*(j+n*k) }

func TestLayered_Counts(t *testing.T) {
	m := unitBox(t, 5)
	center := cellID(5, 2, 2, 2)
	corner := cellID(5, 0, 0, 0)
	tests := []struct {
		name           string
		layers         int
		vertex         bool
		center, corner int
	}{
		{"zero layers", 0, false, 1, 1},
		{"one face layer", 1, false, 7, 4},
		{"two face layers", 2, false, 25, 10},
		{"one vertex layer", 1, true, 27, 8},
		{"two vertex layers", 2, true, 125, 27},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{})
			err := g.Build(m, Options{Mode: Layered, MaxLayers: tt.layers, VertexNeighbors: tt.vertex})
			require.NoError(t, err)
			assert.Len(t, g.Neighbors(center), tt.center)
			assert.Len(t, g.Neighbors(corner), tt.corner)
			assert.Equal(t, center, g.Neighbors(center)[0])
		})
	}
}

func TestLayered_NoDuplicates(t *testing.T) {
	m := unitBox(t, 4)
	g := New(Options{})
	require.NoError(t, g.Build(m, Options{Mode: Layered, MaxLayers: 3}))
	for c := 0; c < m.NumCells(); c++ {
		seen := make(map[int]bool)
		for _, nb := range g.Neighbors(c) {
			if seen[nb] {
				t.Fatalf("cell %d lists %d twice", c, nb)
			}
			seen[nb] = true
		}
	}
}

func TestGeometric_Radius(t *testing.T) {
	m := unitBox(t, 5) // h = 0.2
	center := cellID(5, 2, 2, 2)
	g := New(Options{})

	// half width 0.1 plus 0.15 reaches the six face neighbours at 0.2
	require.NoError(t, g.Build(m, Options{Mode: Geometric, SearchRadius: 0.15}))
	assert.Len(t, g.Neighbors(center), 7)

	// 0.1 + 0.2 reaches edge neighbours at 0.283 but not corners at 0.346
	require.NoError(t, g.Build(m, Options{Mode: Geometric, SearchRadius: 0.2}))
	assert.Len(t, g.Neighbors(center), 19)

	require.NoError(t, g.Build(m, Options{Mode: Geometric, SearchRadius: 0}))
	assert.Equal(t, []int{center}, g.Neighbors(center))
	assert.Equal(t, 3, g.Builds())
}

func TestBoundaryAssociation(t *testing.T) {
	m := unitBox(t, 5)
	g := New(Options{})
	require.NoError(t, g.Build(m, Options{Mode: Layered, MaxLayers: 1}))

	// Next to the xmin wall, one cell in from the others.
	c := cellID(5, 0, 2, 2)
	b, ok := g.Boundary(c)
	require.True(t, ok)
	assert.Equal(t, "xmin", b.Patch)
	d, ok := g.WallDistance(c, r3.Vec{X: 0.05, Y: 0.5, Z: 0.5})
	require.True(t, ok)
	assert.InDelta(t, 0.05, d, 1e-12)

	// One layer reaches a wall cell from the second row.
	b, ok = g.Boundary(cellID(5, 1, 2, 2))
	require.True(t, ok)
	assert.Equal(t, "xmin", b.Patch)

	// The center cell has no boundary face within one layer.
	_, ok = g.Boundary(cellID(5, 2, 2, 2))
	assert.False(t, ok)

	require.NoError(t, g.Build(m, Options{Mode: Geometric, SearchRadius: 0.35}))
	b, ok = g.Boundary(cellID(5, 2, 2, 4))
	require.True(t, ok)
	assert.Equal(t, "zmax", b.Patch)
	_, ok = g.Boundary(cellID(5, 2, 2, 2))
	assert.False(t, ok)
}

func TestConvexCorner_SingleFace(t *testing.T) {
	// A corner cell touches three walls but keeps only the nearest face.
	// A particle near the corner is mirrored across one wall only.
	m := unitBox(t, 5)
	g := New(Options{})
	require.NoError(t, g.Build(m, Options{Mode: Layered, MaxLayers: 1}))
	corner := cellID(5, 0, 0, 0)
	b, ok := g.Boundary(corner)
	require.True(t, ok)
	assert.Contains(t, []string{"xmin", "ymin", "zmin"}, b.Patch)

	d, ok := g.WallDistance(corner, r3.Vec{X: 0.01, Y: 0.01, Z: 0.01})
	require.True(t, ok)
	assert.InDelta(t, 0.01, d, 1e-12)
}

func TestOwnerRestriction(t *testing.T) {
	m := unitBox(t, 4)
	owner := make([]int, m.NumCells())
	for c := range owner {
		if c%4 >= 2 { // i >= 2
			owner[c] = 1
		}
	}
	g := New(Options{})
	require.NoError(t, g.Build(m, Options{Mode: Layered, MaxLayers: 2, Owner: owner, Rank: 0}))
	for c := range owner {
		if owner[c] != 0 {
			assert.Nil(t, g.Neighbors(c), "cell %d", c)
			continue
		}
		for _, nb := range g.Neighbors(c) {
			assert.Equal(t, 0, owner[nb], "cell %d lists foreign cell %d", c, nb)
		}
	}
	// 1 + 5 cells one hop away + 10 two hops away, none with i >= 2
	assert.Len(t, g.Neighbors(cellID(4, 1, 1, 1)), 1+5+10)

	err := g.Build(m, Options{Mode: Layered, Owner: owner[:3]})
	assert.Error(t, err)
}

func TestRefresh(t *testing.T) {
	m := unitBox(t, 3)
	g := New(Options{Mode: Layered, MaxLayers: 1})
	assert.Nil(t, g.Neighbors(0))

	rebuilt, err := g.Refresh(m)
	require.NoError(t, err)
	assert.True(t, rebuilt)

	rebuilt, err = g.Refresh(m)
	require.NoError(t, err)
	assert.False(t, rebuilt, "static mesh with a prior build")

	m.SetDynamic(true)
	rebuilt, err = g.Refresh(m)
	require.NoError(t, err)
	assert.False(t, rebuilt, "revision unchanged")

	require.NoError(t, m.Translate(r3.Vec{X: 0.5}))
	rebuilt, err = g.Refresh(m)
	require.NoError(t, err)
	assert.True(t, rebuilt, "mesh moved")
	assert.Equal(t, 2, g.Builds())
}

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("geometric")
	require.NoError(t, err)
	assert.Equal(t, Geometric, mode)
	mode, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, Layered, mode)
	_, err = ParseMode("octree")
	assert.Error(t, err)
}
