// Package volume reads and writes NIfTI-1 volumes one cross-section at a
// time and defines the orientation used when cross-sections are served and
// edited.
package volume

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
)

// Volume is an open handle on a volume file. Only the header is held in
// memory; voxel data is read per request.
type Volume struct {
	path       string
	geom       *geometry
	shape      Shape
	compressed bool
}

// IsCompressed reports whether path names a gzip-compressed volume.
func IsCompressed(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), ".gz")
}

// Open reads the header of the volume at path. Missing files and files that
// are not NIfTI-1 volumes are reported as NotFoundError.
func Open(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: errs.KindVolume, Path: path}
		}
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	r, closer, err := dataReader(f, path)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: errs.KindVolume, Path: path, Err: err}
	}
	defer closer()

	g, err := readGeometry(r)
	if err != nil {
		return nil, &errs.NotFoundError{Kind: errs.KindVolume, Path: path, Err: err}
	}
	return &Volume{
		path:       path,
		geom:       g,
		shape:      g.shape(),
		compressed: IsCompressed(path),
	}, nil
}

// Verify checks that the file holds every voxel its header declares.
// Compressed files are decompressed up to the declared length.
func (v *Volume) Verify() error {
	want := v.geom.dataSize()

	f, err := os.Open(v.path)
	if err != nil {
		return fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	var have int64
	if v.compressed {
		r, closer, err := dataReader(f, v.path)
		if err != nil {
			return &errs.InvalidInputError{Field: "volume", Reason: err.Error()}
		}
		defer closer()
		have, err = io.Copy(io.Discard, io.LimitReader(r, want))
		if err != nil {
			return &errs.InvalidInputError{Field: "volume", Reason: fmt.Sprintf("corrupt gzip stream after %d bytes", have)}
		}
	} else {
		fi, err := f.Stat()
		if err != nil {
			return fmt.Errorf("failed to stat volume: %w", err)
		}
		have = fi.Size()
	}

	if have < want {
		return &errs.InvalidInputError{
			Field:  "volume",
			Reason: fmt.Sprintf("header declares shape %v (%d bytes) but the file holds %d", v.shape, want, have),
		}
	}
	return nil
}

func dataReader(f *os.File, path string) (io.Reader, func(), error) {
	if !IsCompressed(path) {
		return bufio.NewReader(f), func() {}, nil
	}
	zr, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid gzip stream: %w", err)
	}
	return zr, func() { zr.Close() }, nil
}

func (v *Volume) Path() string {
	return v.path
}

func (v *Volume) Shape() Shape {
	return v.shape
}

// ReadPlane returns the raw (unrotated) cross-section at index along p as
// scaled intensities. Uncompressed files are read with positioned reads of
// only the needed bytes; compressed files are streamed up to the last needed
// z-plane.
func (v *Volume) ReadPlane(p Plane, index int) (*Grid[float64], error) {
	if err := v.shape.CheckIndex(p, index); err != nil {
		return nil, err
	}

	f, err := os.Open(v.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &errs.NotFoundError{Kind: errs.KindVolume, Path: v.path}
		}
		return nil, fmt.Errorf("failed to open volume: %w", err)
	}
	defer f.Close()

	rows, cols := v.shape.PlaneDims(p)
	out := NewGrid[float64](rows, cols)
	dec := newDecoder(v.geom)

	if v.compressed {
		err = v.streamPlane(f, dec, p, index, out)
	} else {
		err = v.readPlaneAt(f, dec, p, index, out)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s slice %d of %s: %w", p, index, v.path, err)
	}
	return out, nil
}

func (v *Volume) readPlaneAt(r io.ReaderAt, dec decoder, p Plane, index int, out *Grid[float64]) error {
	s := v.shape
	base := v.geom.voxOffset()
	sz := int64(dec.size)
	nx, ny, nz := s[0], s[1], s[2]

	switch p {
	case Axial:
		buf := make([]byte, nx*ny*dec.size)
		if _, err := r.ReadAt(buf, base+int64(s.Index(0, 0, index))*sz); err != nil {
			return err
		}
		for x := 0; x < nx; x++ {
			for y := 0; y < ny; y++ {
				i := (x + nx*y) * dec.size
				out.Set(x, y, dec.value(buf[i:i+dec.size]))
			}
		}
	case Coronal:
		row := make([]byte, nx*dec.size)
		for z := 0; z < nz; z++ {
			if _, err := r.ReadAt(row, base+int64(s.Index(0, index, z))*sz); err != nil {
				return err
			}
			for x := 0; x < nx; x++ {
				out.Set(x, z, dec.value(row[x*dec.size:(x+1)*dec.size]))
			}
		}
	default:
		plane := make([]byte, nx*ny*dec.size)
		for z := 0; z < nz; z++ {
			if _, err := r.ReadAt(plane, base+int64(s.Index(0, 0, z))*sz); err != nil {
				return err
			}
			for y := 0; y < ny; y++ {
				i := (index + nx*y) * dec.size
				out.Set(y, z, dec.value(plane[i:i+dec.size]))
			}
		}
	}
	return nil
}

func (v *Volume) streamPlane(f *os.File, dec decoder, p Plane, index int, out *Grid[float64]) error {
	r, closer, err := dataReader(f, v.path)
	if err != nil {
		return err
	}
	defer closer()

	if _, err := io.CopyN(io.Discard, r, v.geom.voxOffset()); err != nil {
		return fmt.Errorf("failed to skip header: %w", err)
	}

	s := v.shape
	nx, ny, nz := s[0], s[1], s[2]
	planeBytes := int64(nx * ny * dec.size)
	buf := make([]byte, planeBytes)

	if p == Axial {
		if _, err := io.CopyN(io.Discard, r, planeBytes*int64(index)); err != nil {
			return err
		}
		nz = 1
	}
	for z := 0; z < nz; z++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		switch p {
		case Axial:
			for x := 0; x < nx; x++ {
				for y := 0; y < ny; y++ {
					i := (x + nx*y) * dec.size
					out.Set(x, y, dec.value(buf[i:i+dec.size]))
				}
			}
		case Coronal:
			for x := 0; x < nx; x++ {
				i := (x + nx*index) * dec.size
				out.Set(x, z, dec.value(buf[i:i+dec.size]))
			}
		default:
			for y := 0; y < ny; y++ {
				i := (index + nx*y) * dec.size
				out.Set(y, z, dec.value(buf[i:i+dec.size]))
			}
		}
	}
	return nil
}
