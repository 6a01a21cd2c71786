// Package slicecodec turns 2-D cross-sections into PNG images and decodes
// edited images back into boolean masks.
package slicecodec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"github.com/lehigh-university-libraries/maskdraft/internal/errs"
	"github.com/lehigh-university-libraries/maskdraft/internal/volume"
)

// Color is an opaque RGB overlay color.
type Color struct {
	R, G, B uint8
}

// DefaultColor is the overlay color used when none is configured.
var DefaultColor = Color{R: 0xFF}

func (c Color) String() string {
	return strings.ToUpper(hex.EncodeToString([]byte{c.R, c.G, c.B}))
}

// ParseColor parses a six digit hex color such as "FF0000" or "#00ff00".
// Colors whose luma is zero are rejected: a mask drawn in such a color would
// decode as empty.
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 3 {
		return Color{}, &errs.InvalidInputError{Field: "color", Reason: fmt.Sprintf("%q is not a RRGGBB hex color", s)}
	}
	c := Color{R: b[0], G: b[1], B: b[2]}
	if luma(c.R, c.G, c.B) == 0 {
		return Color{}, &errs.InvalidInputError{Field: "color", Reason: fmt.Sprintf("%s is too dark to round-trip", c)}
	}
	return c, nil
}

// luma uses the ITU-R 601-2 weights in 16-bit fixed point, the same
// conversion common imaging libraries apply for RGB to grayscale.
func luma(r, g, b uint8) uint8 {
	return uint8((uint32(r)*19595 + uint32(g)*38470 + uint32(b)*7471 + 0x8000) >> 16)
}

// EncodeGrayscale min-max normalizes s into [0,255] and encodes it as an
// 8-bit single channel PNG. NaN cells are ignored for the range and render
// as 0; a constant slice renders as all zeros.
func EncodeGrayscale(s *volume.Grid[float64]) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, s.Cols, s.Rows))

	vals := s.Data
	if floats.HasNaN(vals) {
		vals = make([]float64, 0, len(s.Data))
		for _, v := range s.Data {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
	}

	if len(vals) > 0 {
		lo, hi := floats.Min(vals), floats.Max(vals)
		if hi > lo {
			span := hi - lo
			norm := make([]float64, len(s.Data))
			copy(norm, s.Data)
			floats.AddConst(-lo, norm)
			for i, v := range norm {
				if math.IsNaN(v) {
					continue
				}
				// v/span is exactly 1 for the maximum, so it lands on 255.
				img.Pix[i] = uint8(math.Min(255, math.Max(0, v/span*255)))
			}
		}
	}

	return encodePNG(img)
}

// EncodeOverlay renders a boolean slice as a non-premultiplied RGBA PNG.
// True cells get c with alpha round(clamp(alpha,0,1)*255); false cells are
// fully transparent black.
func EncodeOverlay(s *volume.Grid[bool], c Color, alpha float64) ([]byte, error) {
	if math.IsNaN(alpha) {
		alpha = 0
	}
	a := uint8(math.Round(math.Max(0, math.Min(1, alpha)) * 255))
	on := color.NRGBA{R: c.R, G: c.G, B: c.B, A: a}

	img := image.NewNRGBA(image.Rect(0, 0, s.Cols, s.Rows))
	for r := 0; r < s.Rows; r++ {
		for col := 0; col < s.Cols; col++ {
			if s.At(r, col) {
				img.SetNRGBA(col, r, on)
			}
		}
	}
	return encodePNG(img)
}

// DecodeToBool decodes a PNG, JPEG or GIF image, converts it to single
// channel luma ignoring alpha, and marks every cell brighter than 0.
func DecodeToBool(r io.Reader) (*volume.Grid[bool], error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, &errs.InvalidInputError{Field: "image", Reason: err.Error()}
	}

	b := img.Bounds()
	out := volume.NewGrid[bool](b.Dy(), b.Dx())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(y-b.Min.Y, x-b.Min.X, intensity(img.At(x, y)) > 0)
		}
	}
	return out, nil
}

func intensity(c color.Color) uint8 {
	switch v := c.(type) {
	case color.Gray:
		return v.Y
	case color.Gray16:
		return uint8(v.Y >> 8)
	case color.NRGBA:
		return luma(v.R, v.G, v.B)
	}
	n := color.NRGBAModel.Convert(c).(color.NRGBA)
	return luma(n.R, n.G, n.B)
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
