// Package canvas renders a cropped page region onto a fixed-size label canvas.
package canvas

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"

	"github.com/toricodesthings/label-crop-service/internal/bounds"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/raster"
)

const (
	DefaultPreviewWidth  = 900
	DefaultPreviewHeight = 1200
)

// Canvas is a label rendered at the target's exact pixel size.
type Canvas struct {
	Image     *image.RGBA
	Target    marketplace.Target
	Placement image.Rectangle // where the scaled content sits
	Scale     float64
	Cropped   bool // false when the full page was used
}

type Options struct {
	// MinAreaFraction drops boxes covering less of the page than this.
	// Zero means bounds.MinAreaFraction.
	MinAreaFraction float64
}

func (o Options) minArea() float64 {
	if o.MinAreaFraction <= 0 {
		return bounds.MinAreaFraction
	}
	return o.MinAreaFraction
}

// Normalize crops src to box and fits the crop, aspect preserved, centred
// on a white canvas of target size. A nil box, or one below the area floor,
// means the full page is used.
func Normalize(src *raster.Buffer, box *bounds.Box, target marketplace.Target, opts Options) (*Canvas, error) {
	if src == nil {
		return nil, labelerr.Encoding("normalize", fmt.Errorf("nil raster"))
	}
	if err := src.Validate(); err != nil {
		return nil, labelerr.Rasterization("normalize", err)
	}
	if err := target.Validate(); err != nil {
		return nil, labelerr.Encoding("normalize", err)
	}
	tw, th := target.PixelSize()

	crop, cropped := src.Bounds(), false
	if box != nil && box.Within(src.Width, src.Height) && box.AreaFraction(src.Width, src.Height) >= opts.minArea() {
		crop, cropped = box.Rect(), true
	}

	scale, place := fit(crop.Dx(), crop.Dy(), tw, th)

	dst := image.NewRGBA(image.Rect(0, 0, tw, th))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.BiLinear.Scale(dst, place, src.RGBA(), crop, draw.Src, nil)

	return &Canvas{
		Image:     dst,
		Target:    target,
		Placement: place,
		Scale:     scale,
		Cropped:   cropped,
	}, nil
}

// fit scales a cw x ch region uniformly into tw x th and centres it.
func fit(cw, ch, tw, th int) (float64, image.Rectangle) {
	scale := math.Min(float64(tw)/float64(cw), float64(th)/float64(ch))
	dw := clamp(int(math.Round(float64(cw)*scale)), 1, tw)
	dh := clamp(int(math.Round(float64(ch)*scale)), 1, th)
	x0 := (tw - dw) / 2
	y0 := (th - dh) / 2
	return scale, image.Rect(x0, y0, x0+dw, y0+dh)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Preview downscales the export canvas to fit maxW x maxH. The canvas is
// returned as is when it already fits.
func Preview(c *Canvas, maxW, maxH int) *image.RGBA {
	if maxW <= 0 {
		maxW = DefaultPreviewWidth
	}
	if maxH <= 0 {
		maxH = DefaultPreviewHeight
	}
	b := c.Image.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return c.Image
	}
	_, place := fit(b.Dx(), b.Dy(), maxW, maxH)
	out := image.NewRGBA(image.Rect(0, 0, place.Dx(), place.Dy()))
	draw.BiLinear.Scale(out, out.Bounds(), c.Image, b, draw.Src, nil)
	return out
}
