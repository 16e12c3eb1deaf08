package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Box patch names, in the order of their outward normals -x, +x, -y, +y,
// -z, +z.
var BoxPatches = []string{"xmin", "xmax", "ymin", "ymax", "zmin", "zmax"}

// NewBoxMesh returns a structured mesh of nx*ny*nz hex cells filling the box
// [lo, hi]. Cell (i, j, k) has index i + nx*(j + ny*k). The boundary faces
// are grouped in the six patches of BoxPatches.
func NewBoxMesh(lo, hi r3.Vec, nx, ny, nz int) (*CellMesh, error) {
	if nx < 1 || ny < 1 || nz < 1 {
		return nil, fmt.Errorf("box mesh: invalid divisions %dx%dx%d", nx, ny, nz)
	}
	if !(hi.X > lo.X && hi.Y > lo.Y && hi.Z > lo.Z) {
		return nil, fmt.Errorf("box mesh: empty box %v to %v", lo, hi)
	}
	dx := (hi.X - lo.X) / float64(nx)
	dy := (hi.Y - lo.Y) / float64(ny)
	dz := (hi.Z - lo.Z) / float64(nz)

	vid := func(i, j, k int) int { return i + (nx+1)*(j+(ny+1)*k) }
	vertices := make([]r3.Vec, (nx+1)*(ny+1)*(nz+1))
	for k := 0; k <= nz; k++ {
		for j := 0; j <= ny; j++ {
			for i := 0; i <= nx; i++ {
				vertices[vid(i, j, k)] = r3.Vec{
					X: lo.X + float64(i)*dx,
					Y: lo.Y + float64(j)*dy,
					Z: lo.Z + float64(k)*dz,
				}
			}
		}
	}

	cells := make([][]int, 0, nx*ny*nz)
	for k := 0; k < nz; k++ {
		for j := 0; j < ny; j++ {
			for i := 0; i < nx; i++ {
				cells = append(cells, []int{
					vid(i, j, k), vid(i+1, j, k), vid(i+1, j+1, k), vid(i, j+1, k),
					vid(i, j, k+1), vid(i+1, j, k+1), vid(i+1, j+1, k+1), vid(i, j+1, k+1),
				})
			}
		}
	}
	shapes := make([]Shape, len(cells))
	for c := range shapes {
		shapes[c] = Hex
	}
	return NewCellMesh(vertices, cells, shapes, boxPatch)
}

// boxPatch names a face by the axis its normal is aligned with.
func boxPatch(_ []int, _ r3.Vec, n r3.Vec) string {
	ax, ay, az := math.Abs(n.X), math.Abs(n.Y), math.Abs(n.Z)
	switch {
	case ax >= ay && ax >= az:
		if n.X < 0 {
			return BoxPatches[0]
		}
		return BoxPatches[1]
	case ay >= az:
		if n.Y < 0 {
			return BoxPatches[2]
		}
		return BoxPatches[3]
	}
	if n.Z < 0 {
		return BoxPatches[4]
	}
	return BoxPatches[5]
}
