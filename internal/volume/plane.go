package volume

import (
	"fmt"
	"strings"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
)

// Plane selects one of the three orthogonal cross-sections of a volume.
type Plane int

const (
	Axial Plane = iota
	Coronal
	Sagittal
)

// ParsePlane accepts "axial", "coronal" or "sagittal" in any case.
func ParsePlane(s string) (Plane, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "axial":
		return Axial, nil
	case "coronal":
		return Coronal, nil
	case "sagittal":
		return Sagittal, nil
	default:
		return 0, &errs.InvalidInputError{Field: "plane", Reason: fmt.Sprintf("%q is not one of axial, coronal, sagittal", s)}
	}
}

func (p Plane) String() string {
	switch p {
	case Axial:
		return "axial"
	case Coronal:
		return "coronal"
	case Sagittal:
		return "sagittal"
	default:
		return fmt.Sprintf("plane(%d)", int(p))
	}
}

// Axis is the array dimension held fixed by the plane.
func (p Plane) Axis() int {
	switch p {
	case Axial:
		return 2
	case Coronal:
		return 1
	default:
		return 0
	}
}

// Shape is the (x, y, z) extent of a volume.
type Shape [3]int

// Extent is the number of cross-sections available along p.
func (s Shape) Extent(p Plane) int {
	return s[p.Axis()]
}

// Voxels is the number of voxels in the volume.
func (s Shape) Voxels() int {
	return s[0] * s[1] * s[2]
}

func (s Shape) voxels64() int64 {
	return int64(s[0]) * int64(s[1]) * int64(s[2])
}

// PlaneDims returns the rows and columns of the raw cross-section along p.
// The two remaining axes keep their array order, the first one as rows.
func (s Shape) PlaneDims(p Plane) (rows, cols int) {
	switch p {
	case Axial:
		return s[0], s[1]
	case Coronal:
		return s[0], s[2]
	default:
		return s[1], s[2]
	}
}

// CheckIndex returns an IndexRangeError when index is outside the extent of p.
func (s Shape) CheckIndex(p Plane, index int) error {
	if extent := s.Extent(p); index < 0 || index >= extent {
		return &errs.IndexRangeError{Plane: p.String(), Index: index, Extent: extent}
	}
	return nil
}

// Index is the linear voxel index of (x, y, z) in the x-fastest layout.
func (s Shape) Index(x, y, z int) int {
	return x + s[0]*(y+s[1]*z)
}

// planeCoords maps a (row, col) position of the raw cross-section at index
// back to volume coordinates.
func (s Shape) planeCoords(p Plane, index, r, c int) (x, y, z int) {
	switch p {
	case Axial:
		return r, c, index
	case Coronal:
		return r, index, c
	default:
		return index, r, c
	}
}
