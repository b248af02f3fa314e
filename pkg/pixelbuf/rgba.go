// SPDX-License-Identifier: AGPL-3.0-only

package pixelbuf

import (
	"image"
	"image/color"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp" // Register BMP format decoder
	"golang.org/x/image/draw"

	"github.com/grafana/pixelmem/pkg/memory"
)

// RGBA is an image whose pixels live in pooled memory. It implements
// draw.Image, so it can be used as the destination of draw and scale operations.
// Release must be called once the image is no longer used.
type RGBA struct {
	pix *Buffer2D[color.RGBA]
}

var _ draw.Image = (*RGBA)(nil)

// NewRGBA allocates a zeroed width x height image from a.
func NewRGBA(a *memory.Allocator, width, height int) (*RGBA, error) {
	pix, err := New2D[color.RGBA](a, width, height, memory.Clean)
	if err != nil {
		return nil, err
	}
	return &RGBA{pix: pix}, nil
}

// ColorModel implements image.Image.
func (m *RGBA) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image. The origin is always (0, 0).
func (m *RGBA) Bounds() image.Rectangle {
	return image.Rect(0, 0, m.pix.Width(), m.pix.Height())
}

// At implements image.Image.
func (m *RGBA) At(x, y int) color.Color {
	return m.RGBAAt(x, y)
}

// RGBAAt returns the pixel at (x, y), or transparent black outside the bounds.
func (m *RGBA) RGBAAt(x, y int) color.RGBA {
	if !(image.Point{X: x, Y: y}.In(m.Bounds())) {
		return color.RGBA{}
	}
	return m.pix.At(x, y)
}

// Set implements draw.Image. Points outside the bounds are ignored.
func (m *RGBA) Set(x, y int, c color.Color) {
	m.SetRGBA(x, y, color.RGBAModel.Convert(c).(color.RGBA))
}

// SetRGBA sets the pixel at (x, y). Points outside the bounds are ignored.
func (m *RGBA) SetRGBA(x, y int, c color.RGBA) {
	if !(image.Point{X: x, Y: y}.In(m.Bounds())) {
		return
	}
	m.pix.Set(x, y, c)
}

// Row returns the pixels of row y.
func (m *RGBA) Row(y int) []color.RGBA { return m.pix.Row(y) }

// Pixels returns the underlying pixel buffer.
func (m *RGBA) Pixels() *Buffer2D[color.RGBA] { return m.pix }

// ToImage copies the pixels into a garbage collected image.RGBA.
func (m *RGBA) ToImage() *image.RGBA {
	out := image.NewRGBA(m.Bounds())
	for y := 0; y < m.pix.Height(); y++ {
		row := m.pix.Row(y)
		dst := out.Pix[y*out.Stride : y*out.Stride+len(row)*4]
		for x, c := range row {
			dst[x*4+0] = c.R
			dst[x*4+1] = c.G
			dst[x*4+2] = c.B
			dst[x*4+3] = c.A
		}
	}
	return out
}

// Release gives the pixel memory back to the allocator. It is idempotent.
func (m *RGBA) Release() { m.pix.Release() }

// Draw copies src into a new pooled image of the same size. An empty src gives
// an empty image.
func Draw(a *memory.Allocator, src image.Image) (*RGBA, error) {
	b := src.Bounds()
	dst, err := NewRGBA(a, b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}

	if rgba, ok := src.(*image.RGBA); ok {
		for y := 0; y < b.Dy(); y++ {
			row := dst.Row(y)
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			pix := rgba.Pix[off : off+len(row)*4]
			for x := range row {
				row[x] = color.RGBA{R: pix[x*4+0], G: pix[x*4+1], B: pix[x*4+2], A: pix[x*4+3]}
			}
		}
		return dst, nil
	}

	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

// Scale resamples src into a new pooled width x height image with bilinear interpolation.
func Scale(a *memory.Allocator, src image.Image, width, height int) (*RGBA, error) {
	dst, err := NewRGBA(a, width, height)
	if err != nil {
		return nil, err
	}
	if !dst.Bounds().Empty() && !src.Bounds().Empty() {
		draw.BiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	}
	return dst, nil
}

// Decode decodes an image in any registered format (BMP, GIF, JPEG or PNG) into
// pooled memory. It returns the format name.
func Decode(r io.Reader, a *memory.Allocator) (*RGBA, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(err, "decode image")
	}
	dst, err := Draw(a, img)
	if err != nil {
		return nil, format, errors.Wrapf(err, "allocate %s image", format)
	}
	return dst, format, nil
}
