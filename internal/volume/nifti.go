package volume

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"
)

const (
	headerSize      = 348
	minVoxOffset    = 352
	magicSingleFile = "n+1\x00"

	// maxExtensionBytes bounds the extension block between header and data.
	maxExtensionBytes = 1 << 20
	// MaxVoxels bounds the first 3-D frame of any volume. Masks are held in
	// memory whole, one byte per voxel.
	MaxVoxels = 1 << 30
)

// NIfTI-1 data type codes.
const (
	dtUint8   int16 = 2
	dtInt16   int16 = 4
	dtInt32   int16 = 8
	dtFloat32 int16 = 16
	dtFloat64 int16 = 64
	dtInt8    int16 = 256
	dtUint16  int16 = 512
	dtUint32  int16 = 768
	dtInt64   int16 = 1024
	dtUint64  int16 = 1280
)

// header is the fixed 348-byte NIfTI-1 header. Field order and sizes match
// the on-disk layout; encoding/binary reads it without padding.
type header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	TOffset       float32
	GLMax         int32
	GLMin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// geometry is everything needed to write a volume that shares the physical
// layout of the file it came from.
type geometry struct {
	hdr   header
	order binary.ByteOrder
	// ext holds the bytes between the header and the voxel data (extension
	// flag and any extensions).
	ext []byte
}

func readGeometry(r io.Reader) (*geometry, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw) == headerSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw) == headerSize:
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("not a NIfTI-1 header")
	}

	g := &geometry{order: order}
	if err := binary.Read(bytes.NewReader(raw), order, &g.hdr); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if string(g.hdr.Magic[:]) != magicSingleFile {
		return nil, fmt.Errorf("unsupported NIfTI magic %q", strings.TrimRight(string(g.hdr.Magic[:]), "\x00"))
	}
	if _, err := bytesPerVoxel(g.hdr.Datatype); err != nil {
		return nil, err
	}
	if g.hdr.Dim[0] < 1 || g.hdr.Dim[0] > 7 {
		return nil, fmt.Errorf("invalid dimension count %d", g.hdr.Dim[0])
	}
	for i := 1; i <= int(g.hdr.Dim[0]) && i <= 3; i++ {
		if g.hdr.Dim[i] < 1 {
			return nil, fmt.Errorf("invalid extent %d on axis %d", g.hdr.Dim[i], i-1)
		}
	}

	if n := g.shape().voxels64(); n > MaxVoxels {
		return nil, fmt.Errorf("volume of %d voxels exceeds the limit of %d", n, MaxVoxels)
	}
	off := float64(g.hdr.VoxOffset)
	if math.IsNaN(off) || off < minVoxOffset || off > headerSize+maxExtensionBytes {
		return nil, fmt.Errorf("invalid vox_offset %v", g.hdr.VoxOffset)
	}

	g.ext = make([]byte, g.voxOffset()-headerSize)
	if _, err := io.ReadFull(r, g.ext); err != nil {
		return nil, fmt.Errorf("failed to read header extension: %w", err)
	}
	return g, nil
}

func (g *geometry) voxOffset() int64 {
	return int64(g.hdr.VoxOffset)
}

// dataSize is the file length, after decompression, that holds every voxel
// of the first 3-D frame.
func (g *geometry) dataSize() int64 {
	size, _ := bytesPerVoxel(g.hdr.Datatype)
	return g.voxOffset() + g.shape().voxels64()*int64(size)
}

func (g *geometry) shape() Shape {
	var s Shape
	for i := 0; i < 3; i++ {
		s[i] = 1
		if i < int(g.hdr.Dim[0]) {
			s[i] = int(g.hdr.Dim[i+1])
		}
	}
	return s
}

// asUint8 returns a copy of g describing unscaled uint8 voxels.
func (g *geometry) asUint8() *geometry {
	out := &geometry{hdr: g.hdr, order: g.order, ext: append([]byte(nil), g.ext...)}
	out.hdr.Datatype = dtUint8
	out.hdr.Bitpix = 8
	out.hdr.SclSlope = 1
	out.hdr.SclInter = 0
	out.hdr.CalMin = 0
	out.hdr.CalMax = 0
	out.hdr.GLMin = 0
	out.hdr.GLMax = 0
	out.hdr.VoxOffset = float32(headerSize + len(out.ext))
	if out.hdr.Dim[0] > 3 {
		out.hdr.Dim[0] = 3
		for i := 4; i < len(out.hdr.Dim); i++ {
			out.hdr.Dim[i] = 1
		}
	}
	return out
}

// newGeometry builds a little-endian header for a fresh uint8 volume with
// the given voxel spacing and a scaling affine in sform.
func newGeometry(s Shape, spacing [3]float32) *geometry {
	g := &geometry{order: binary.LittleEndian, ext: make([]byte, minVoxOffset-headerSize)}
	h := &g.hdr
	h.SizeofHdr = headerSize
	h.Regular = 'r'
	h.Dim = [8]int16{3, int16(s[0]), int16(s[1]), int16(s[2]), 1, 1, 1, 1}
	h.Datatype = dtUint8
	h.Bitpix = 8
	h.Pixdim = [8]float32{1, spacing[0], spacing[1], spacing[2], 1, 1, 1, 1}
	h.VoxOffset = minVoxOffset
	h.SclSlope = 1
	h.XYZTUnits = 2 // millimetres
	h.SformCode = 1
	h.SrowX = [4]float32{spacing[0], 0, 0, 0}
	h.SrowY = [4]float32{0, spacing[1], 0, 0}
	h.SrowZ = [4]float32{0, 0, spacing[2], 0}
	copy(h.Magic[:], magicSingleFile)
	return g
}

func (g *geometry) writeHeader(w io.Writer) error {
	if err := binary.Write(w, g.order, &g.hdr); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(g.ext); err != nil {
		return fmt.Errorf("failed to write header extension: %w", err)
	}
	return nil
}

func bytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case dtUint8, dtInt8:
		return 1, nil
	case dtInt16, dtUint16:
		return 2, nil
	case dtInt32, dtUint32, dtFloat32:
		return 4, nil
	case dtInt64, dtUint64, dtFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI data type %d", datatype)
	}
}

// decoder converts raw voxel bytes to scaled intensities.
type decoder struct {
	datatype int16
	size     int
	order    binary.ByteOrder
	slope    float64
	inter    float64
}

func newDecoder(g *geometry) decoder {
	size, _ := bytesPerVoxel(g.hdr.Datatype)
	d := decoder{datatype: g.hdr.Datatype, size: size, order: g.order, slope: 1}
	if s := float64(g.hdr.SclSlope); s != 0 && !math.IsNaN(s) && !math.IsInf(s, 0) {
		d.slope = s
		d.inter = float64(g.hdr.SclInter)
	}
	return d
}

// raw decodes one voxel without scaling.
func (d decoder) raw(b []byte) float64 {
	switch d.datatype {
	case dtUint8:
		return float64(b[0])
	case dtInt8:
		return float64(int8(b[0]))
	case dtInt16:
		return float64(int16(d.order.Uint16(b)))
	case dtUint16:
		return float64(d.order.Uint16(b))
	case dtInt32:
		return float64(int32(d.order.Uint32(b)))
	case dtUint32:
		return float64(d.order.Uint32(b))
	case dtFloat32:
		return float64(math.Float32frombits(d.order.Uint32(b)))
	case dtInt64:
		return float64(int64(d.order.Uint64(b)))
	case dtUint64:
		return float64(d.order.Uint64(b))
	case dtFloat64:
		return math.Float64frombits(d.order.Uint64(b))
	}
	return 0
}

func (d decoder) value(b []byte) float64 {
	return d.raw(b)*d.slope + d.inter
}
