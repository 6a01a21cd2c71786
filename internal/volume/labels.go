package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"

	"github.com/klauspost/compress/gzip"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/fsutil"
)

// Labels is a fully loaded uint8 label volume. It keeps the geometry of the
// file it was created from so that saving never alters affine or header.
type Labels struct {
	geom   *geometry
	shape  Shape
	Voxels []uint8
}

// NewEmptyLabels returns an all-zero label volume with the shape and geometry
// of scan. Only the data type fields of the header change.
func NewEmptyLabels(scan *Volume) *Labels {
	return &Labels{
		geom:   scan.geom.asUint8(),
		shape:  scan.shape,
		Voxels: make([]uint8, scan.shape.Voxels()),
	}
}

// NewLabels returns an all-zero label volume of shape s with its own
// geometry. It builds standalone volumes such as fixtures; a mask for a scan
// comes from NewEmptyLabels so that it shares the scan's header.
func NewLabels(s Shape, spacing [3]float32) *Labels {
	return &Labels{
		geom:   newGeometry(s, spacing),
		shape:  s,
		Voxels: make([]uint8, s.Voxels()),
	}
}

// LoadLabels reads a whole label volume. Voxel values are clamped to
// [0,255]; the first 3-D frame is used for higher dimensional files.
func LoadLabels(path string) (*Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: errs.KindMask, Path: path}
		}
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	r, closer, err := dataReader(f, path)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: errs.KindMask, Path: path, Err: err}
	}
	defer closer()

	g, err := readGeometry(r)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: errs.KindMask, Path: path, Err: err}
	}
	l := &Labels{geom: g.asUint8(), shape: g.shape()}
	l.Voxels = make([]uint8, l.shape.Voxels())
	dec := newDecoder(g)

	if g.hdr.Datatype == dtUint8 && dec.slope == 1 && dec.inter == 0 {
		if _, err := io.ReadFull(r, l.Voxels); err != nil {
			return nil, fmt.Errorf("failed to read mask %s: %w", path, err)
		}
		return l, nil
	}

	br := bufio.NewReader(r)
	buf := make([]byte, dec.size)
	for i := range l.Voxels {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("failed to read mask %s: %w", path, err)
		}
		l.Voxels[i] = toLabel(dec.value(buf))
	}
	return l, nil
}

func toLabel(v float64) uint8 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= math.MaxUint8:
		return math.MaxUint8
	default:
		return uint8(v)
	}
}

func (l *Labels) Shape() Shape {
	return l.shape
}

// Plane returns the raw (unrotated) cross-section at index along p.
func (l *Labels) Plane(p Plane, index int) (*Grid[uint8], error) {
	if err := l.shape.CheckIndex(p, index); err != nil {
		return nil, err
	}
	rows, cols := l.shape.PlaneDims(p)
	out := NewGrid[uint8](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y, z := l.shape.planeCoords(p, index, r, c)
			out.Set(r, c, l.Voxels[l.shape.Index(x, y, z)])
		}
	}
	return out, nil
}

// SetPlane overwrites exactly the cross-section at index along p with 1 for
// true cells and 0 for false ones. The grid must be in raw volume
// orientation.
func (l *Labels) SetPlane(p Plane, index int, g *Grid[bool]) error {
	if err := l.shape.CheckIndex(p, index); err != nil {
		return err
	}
	rows, cols := l.shape.PlaneDims(p)
	if g.Rows != rows || g.Cols != cols {
		return &errs.InvalidInputError{
			Field:  "slice",
			Reason: fmt.Sprintf("%s cross-section is %dx%d, got %dx%d", p, rows, cols, g.Rows, g.Cols),
		}
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y, z := l.shape.planeCoords(p, index, r, c)
			var v uint8
			if g.At(r, c) {
				v = 1
			}
			l.Voxels[l.shape.Index(x, y, z)] = v
		}
	}
	return nil
}

// Save writes the label volume to path atomically, gzip-compressed when the
// path ends in .gz. It returns the number of voxel bytes written.
func (l *Labels) Save(path string) (int64, error) {
	err := fsutil.WriteAtomic(path, 0o644, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		var out io.Writer = bw
		var zw *gzip.Writer
		if IsCompressed(path) {
			zw = gzip.NewWriter(bw)
			out = zw
		}
		if err := l.geom.writeHeader(out); err != nil {
			return err
		}
		if _, err := out.Write(l.Voxels); err != nil {
			return fmt.Errorf("failed to write voxels: %w", err)
		}
		if zw != nil {
			if err := zw.Close(); err != nil {
				return fmt.Errorf("failed to finish gzip stream: %w", err)
			}
		}
		return bw.Flush()
	})
	if err != nil {
		return 0, &errs.PersistenceError{Op: "write mask", Path: path, Err: err}
	}
	return int64(len(l.Voxels)), nil
}
