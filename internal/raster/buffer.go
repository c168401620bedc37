// Package raster holds the page pixel buffer handed to the label pipeline.
package raster

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
)

// Buffer is an immutable RGBA page raster. Pix is row-major, 4 bytes per
// pixel, with no row padding.
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// New validates dimensions against the pixel slice. The slice is not copied;
// callers hand over ownership. Alpha is discarded: every pixel is made opaque
// so the rendered label matches what detection sees.
func New(width, height int, pix []uint8) (*Buffer, error) {
	b := &Buffer{Width: width, Height: height, Pix: pix}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	for i := 3; i < len(pix); i += 4 {
		pix[i] = 0xff
	}
	return b, nil
}

// Validate checks the dimensions against the pixel slice. Buffers built
// without New may fail it.
func (b *Buffer) Validate() error {
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("invalid raster size %dx%d", b.Width, b.Height)
	}
	if want := b.Width * b.Height * 4; len(b.Pix) != want {
		return fmt.Errorf("raster %dx%d needs %d bytes, got %d", b.Width, b.Height, want, len(b.Pix))
	}
	return nil
}

// FromImage flattens img onto an opaque white page, the way a renderer paints
// the page background before drawing content.
func FromImage(img image.Image) (*Buffer, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("empty image %v", b)
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Over)
	return &Buffer{Width: b.Dx(), Height: b.Dy(), Pix: dst.Pix}, nil
}

// RGBA returns a view sharing the buffer's pixels. Do not write to it.
func (b *Buffer) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    b.Pix,
		Stride: b.Width * 4,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// Bounds is the buffer rectangle anchored at the origin.
func (b *Buffer) Bounds() image.Rectangle {
	return image.Rect(0, 0, b.Width, b.Height)
}

// Luminance returns the perceptual luminance of pixel (x, y), alpha ignored.
func (b *Buffer) Luminance(x, y int) float64 {
	i := (y*b.Width + x) * 4
	return Luma(b.Pix[i], b.Pix[i+1], b.Pix[i+2])
}

// Luma is the 0.299/0.587/0.114 weighting in 0..255.
func Luma(r, g, b uint8) float64 {
	return float64(r)*0.299 + float64(g)*0.587 + float64(b)*0.114
}

// LumaPlane computes the luminance of every pixel, row-major.
func (b *Buffer) LumaPlane() []float64 {
	out := make([]float64, b.Width*b.Height)
	for i := range out {
		p := i * 4
		out[i] = Luma(b.Pix[p], b.Pix[p+1], b.Pix[p+2])
	}
	return out
}
