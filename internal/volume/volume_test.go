package volume

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
)

func patterned(s Shape) *Labels {
	l := NewLabels(s, [3]float32{1, 1, 2.5})
	for i := range l.Voxels {
		l.Voxels[i] = uint8(i % 251)
	}
	return l
}

func TestForwardInverseRoundTrip(t *testing.T) {
	shapes := [][2]int{{1, 1}, {2, 2}, {3, 5}, {5, 3}, {1, 7}, {8, 1}}
	for _, dims := range shapes {
		g := NewGrid[bool](dims[0], dims[1])
		for i := range g.Data {
			g.Data[i] = i%3 == 0 || i%7 == 1
		}
		got := Inverse(Forward(g))
		assert.Equal(t, g, got, "round trip of %dx%d", dims[0], dims[1])
	}
}

func TestForwardRotatesCounterClockwise(t *testing.T) {
	// [[1 2 3]
	//  [4 5 6]] -> [[3 6] [2 5] [1 4]]
	g := &Grid[int]{Rows: 2, Cols: 3, Data: []int{1, 2, 3, 4, 5, 6}}
	f := Forward(g)
	assert.Equal(t, 3, f.Rows)
	assert.Equal(t, 2, f.Cols)
	assert.Equal(t, []int{3, 6, 2, 5, 1, 4}, f.Data)

	inv := Inverse(f)
	assert.Equal(t, g.Data, inv.Data)
}

func TestParsePlane(t *testing.T) {
	tests := []struct {
		in   string
		want Plane
		axis int
	}{
		{"axial", Axial, 2},
		{"Coronal", Coronal, 1},
		{" sagittal ", Sagittal, 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := ParsePlane(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, p)
			assert.Equal(t, tt.axis, p.Axis())
		})
	}

	_, err := ParsePlane("oblique")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestReadPlaneMatchesLabels(t *testing.T) {
	shape := Shape{4, 5, 6}
	src := patterned(shape)

	for _, name := range []string{"scan.nii", "scan.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			_, err := src.Save(path)
			require.NoError(t, err)

			v, err := Open(path)
			require.NoError(t, err)
			assert.Equal(t, shape, v.Shape())

			for _, p := range []Plane{Axial, Coronal, Sagittal} {
				for idx := 0; idx < shape.Extent(p); idx++ {
					got, err := v.ReadPlane(p, idx)
					require.NoError(t, err)
					want, err := src.Plane(p, idx)
					require.NoError(t, err)
					require.Equal(t, want.Rows, got.Rows)
					require.Equal(t, want.Cols, got.Cols)
					for i := range want.Data {
						require.Equal(t, float64(want.Data[i]), got.Data[i], "%s %d cell %d", p, idx, i)
					}
				}
			}
		})
	}
}

func TestReadPlaneIndexOutOfRange(t *testing.T) {
	shape := Shape{3, 4, 5}
	path := filepath.Join(t.TempDir(), "scan.nii.gz")
	_, err := patterned(shape).Save(path)
	require.NoError(t, err)

	v, err := Open(path)
	require.NoError(t, err)

	for _, p := range []Plane{Axial, Coronal, Sagittal} {
		_, err := v.ReadPlane(p, shape.Extent(p))
		var rangeErr *errs.IndexRangeError
		require.True(t, errors.As(err, &rangeErr), "plane %s", p)
		assert.Equal(t, shape.Extent(p), rangeErr.Extent)
		assert.Equal(t, p.String(), rangeErr.Plane)

		_, err = v.ReadPlane(p, -1)
		assert.ErrorIs(t, err, errs.ErrIndexRange)
	}
}

func TestOpenNotFound(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.nii.gz"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	junk := filepath.Join(dir, "junk.nii")
	require.NoError(t, os.WriteFile(junk, []byte("definitely not a volume"), 0o644))
	_, err = Open(junk)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	notGzip := filepath.Join(dir, "plain.nii.gz")
	require.NoError(t, os.WriteFile(notGzip, make([]byte, 400), 0o644))
	_, err = Open(notGzip)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestScaledFloatVolume(t *testing.T) {
	shape := Shape{2, 3, 2}
	g := newGeometry(shape, [3]float32{1, 1, 1})
	g.hdr.Datatype = dtFloat32
	g.hdr.Bitpix = 32
	g.hdr.SclSlope = 2
	g.hdr.SclInter = -1

	path := filepath.Join(t.TempDir(), "float.nii.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	bw := bufio.NewWriter(f)
	zw := gzip.NewWriter(bw)
	require.NoError(t, g.writeHeader(zw))
	for i := 0; i < shape.Voxels(); i++ {
		require.NoError(t, binary.Write(zw, binary.LittleEndian, float32(i)*0.5))
	}
	require.NoError(t, zw.Close())
	require.NoError(t, bw.Flush())
	require.NoError(t, f.Close())

	v, err := Open(path)
	require.NoError(t, err)
	plane, err := v.ReadPlane(Axial, 1)
	require.NoError(t, err)
	for x := 0; x < shape[0]; x++ {
		for y := 0; y < shape[1]; y++ {
			raw := float64(shape.Index(x, y, 1)) * 0.5
			assert.InDelta(t, raw*2-1, plane.At(x, y), 1e-6)
		}
	}

	// A float mask loads as clamped labels.
	labels, err := LoadLabels(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), labels.Voxels[0])
	assert.Equal(t, uint8(math.Min(255, float64(shape.Voxels()-1)*0.5*2-1)), labels.Voxels[shape.Voxels()-1])
}

func hashExcept(l *Labels, p Plane, index int) [32]byte {
	h := sha256.New()
	s := l.Shape()
	for z := 0; z < s[2]; z++ {
		for y := 0; y < s[1]; y++ {
			for x := 0; x < s[0]; x++ {
				coord := [3]int{x, y, z}
				if coord[p.Axis()] == index {
					continue
				}
				h.Write([]byte{l.Voxels[s.Index(x, y, z)]})
			}
		}
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

func TestSetPlaneTouchesOnlyCrossSection(t *testing.T) {
	shape := Shape{5, 4, 3}
	for _, p := range []Plane{Axial, Coronal, Sagittal} {
		t.Run(p.String(), func(t *testing.T) {
			l := patterned(shape)
			const k = 1
			before := hashExcept(l, p, k)

			rows, cols := shape.PlaneDims(p)
			g := NewGrid[bool](rows, cols)
			for i := range g.Data {
				g.Data[i] = i%2 == 0
			}
			require.NoError(t, l.SetPlane(p, k, g))

			assert.Equal(t, before, hashExcept(l, p, k))
			got, err := l.Plane(p, k)
			require.NoError(t, err)
			for i, v := range g.Data {
				want := uint8(0)
				if v {
					want = 1
				}
				assert.Equal(t, want, got.Data[i])
			}
		})
	}
}

func TestSetPlaneErrors(t *testing.T) {
	l := NewLabels(Shape{4, 3, 2}, [3]float32{1, 1, 1})

	err := l.SetPlane(Axial, 2, NewGrid[bool](4, 3))
	assert.ErrorIs(t, err, errs.ErrIndexRange)

	err = l.SetPlane(Axial, 0, NewGrid[bool](3, 4))
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestEmptyLabelsKeepGeometry(t *testing.T) {
	dir := t.TempDir()
	scanPath := filepath.Join(dir, "scan.nii.gz")
	src := patterned(Shape{3, 3, 3})
	src.geom.hdr.SrowX = [4]float32{-0.8, 0, 0, 12}
	src.geom.hdr.QoffsetZ = 4.5
	_, err := src.Save(scanPath)
	require.NoError(t, err)

	scan, err := Open(scanPath)
	require.NoError(t, err)

	maskPath := filepath.Join(dir, "scan_mask.nii.gz")
	_, err = NewEmptyLabels(scan).Save(maskPath)
	require.NoError(t, err)

	mask, err := LoadLabels(maskPath)
	require.NoError(t, err)
	assert.Equal(t, scan.Shape(), mask.Shape())
	assert.Equal(t, scan.geom.hdr.SrowX, mask.geom.hdr.SrowX)
	assert.Equal(t, scan.geom.hdr.QoffsetZ, mask.geom.hdr.QoffsetZ)
	assert.Equal(t, scan.geom.hdr.Pixdim, mask.geom.hdr.Pixdim)
	for _, v := range mask.Voxels {
		require.Zero(t, v)
	}
}

// writeHeaderOnly writes g's header and extension with no voxel data.
func writeHeaderOnly(t *testing.T, path string, g *geometry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	if IsCompressed(path) {
		zw := gzip.NewWriter(f)
		require.NoError(t, g.writeHeader(zw))
		require.NoError(t, zw.Close())
	} else {
		require.NoError(t, g.writeHeader(f))
	}
	require.NoError(t, f.Close())
}

func TestOpenRejectsBadVoxOffset(t *testing.T) {
	tests := []struct {
		name   string
		offset float32
	}{
		{"far past the header", 4e11},
		{"just past the extension limit", headerSize + maxExtensionBytes + 4},
		{"inside the header", 100},
		{"zero", 0},
		{"NaN", float32(math.NaN())},
		{"infinite", float32(math.Inf(1))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGeometry(Shape{2, 2, 2}, [3]float32{1, 1, 1})
			g.hdr.VoxOffset = tt.offset
			path := filepath.Join(t.TempDir(), "bad.nii")
			writeHeaderOnly(t, path, g)

			_, err := Open(path)
			assert.ErrorIs(t, err, errs.ErrNotFound)
			_, err = LoadLabels(path)
			assert.ErrorIs(t, err, errs.ErrNotFound)
		})
	}
}

func TestOpenRejectsOversizedShape(t *testing.T) {
	g := newGeometry(Shape{32767, 32767, 32767}, [3]float32{1, 1, 1})
	path := filepath.Join(t.TempDir(), "huge.nii")
	writeHeaderOnly(t, path, g)

	_, err := Open(path)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestVerifyChecksDeclaredData(t *testing.T) {
	for _, name := range []string{"scan.nii", "scan.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()

			full := filepath.Join(dir, name)
			_, err := patterned(Shape{8, 8, 4}).Save(full)
			require.NoError(t, err)
			v, err := Open(full)
			require.NoError(t, err)
			assert.NoError(t, v.Verify())

			empty := filepath.Join(dir, "empty-"+name)
			writeHeaderOnly(t, empty, newGeometry(Shape{512, 512, 512}, [3]float32{1, 1, 1}))
			v, err = Open(empty)
			require.NoError(t, err)
			assert.ErrorIs(t, v.Verify(), errs.ErrInvalidInput)
		})
	}
}
