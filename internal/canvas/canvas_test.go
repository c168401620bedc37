package canvas

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toricodesthings/label-crop-service/internal/bounds"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/raster"
)

var (
	white = color.RGBA{255, 255, 255, 255}
	red   = color.RGBA{200, 20, 20, 255}
)

func solid(t *testing.T, w, h int, c color.RGBA) *raster.Buffer {
	t.Helper()
	pix := make([]uint8, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
	buf, err := raster.New(w, h, pix)
	require.NoError(t, err)
	return buf
}

func TestNormalizeFullPage(t *testing.T) {
	target := marketplace.MustLookup("flipkart").Target
	c, err := Normalize(solid(t, 400, 600, red), nil, target, Options{})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 1181, 1748), c.Image.Bounds())
	assert.False(t, c.Cropped)
	assert.Equal(t, image.Rect(8, 0, 1173, 1748), c.Placement)
	assert.Equal(t, c.Placement.Min.X, 1181-c.Placement.Max.X, "horizontal margins must match")

	assert.Equal(t, white, c.Image.RGBAAt(2, 800))
	assert.Equal(t, white, c.Image.RGBAAt(1178, 800))
	assert.Equal(t, red, c.Image.RGBAAt(590, 874))
}

func TestNormalizeUsesBox(t *testing.T) {
	target := marketplace.MustLookup("meesho").Target
	src := solid(t, 400, 600, white)
	box := &bounds.Box{X: 100, Y: 100, Width: 200, Height: 300}

	c, err := Normalize(src, box, target, Options{})
	require.NoError(t, err)
	assert.True(t, c.Cropped)

	tw, th := target.PixelSize()
	wantScale := min(float64(tw)/200, float64(th)/300)
	assert.InDelta(t, wantScale, c.Scale, 1e-12)
	assert.Equal(t, th, c.Placement.Dy())
	assert.InDelta(t, float64(200)*wantScale, float64(c.Placement.Dx()), 0.5)
}

func TestNormalizeSmallBoxFallsBack(t *testing.T) {
	target := marketplace.MustLookup("amazon").Target
	src := solid(t, 400, 600, red)
	box := &bounds.Box{X: 10, Y: 10, Width: 10, Height: 10}

	c, err := Normalize(src, box, target, Options{})
	require.NoError(t, err)
	assert.False(t, c.Cropped)

	full, err := Normalize(src, nil, target, Options{})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(full.Image.Pix, c.Image.Pix))

	c, err = Normalize(src, box, target, Options{MinAreaFraction: 0.0001})
	require.NoError(t, err)
	assert.True(t, c.Cropped)
}

func TestNormalizeDeterministic(t *testing.T) {
	src := solid(t, 300, 500, white)
	for y := 40; y < 460; y += 7 {
		for x := 30; x < 270; x++ {
			i := (y*300 + x) * 4
			src.Pix[i], src.Pix[i+1], src.Pix[i+2] = 0, 0, 0
		}
	}
	box := &bounds.Box{X: 20, Y: 30, Width: 260, Height: 440}
	target := marketplace.MustLookup("snapdeal").Target

	a, err := Normalize(src, box, target, Options{})
	require.NoError(t, err)
	b, err := Normalize(src, box, target, Options{})
	require.NoError(t, err)
	assert.True(t, bytes.Equal(a.Image.Pix, b.Image.Pix))
}

func TestNormalizeAspectPreserved(t *testing.T) {
	target := marketplace.MustLookup("myntra").Target
	for _, size := range [][2]int{{1000, 100}, {100, 1000}, {1181, 1795}, {3, 2}} {
		c, err := Normalize(solid(t, size[0], size[1], red), nil, target, Options{})
		require.NoError(t, err)
		tw, th := target.PixelSize()
		p := c.Placement
		assert.True(t, p.Dx() == tw || p.Dy() == th, "content touches one pair of edges: %v", p)
		assert.InDelta(t, float64(size[0])/float64(size[1]), float64(p.Dx())/float64(p.Dy()), 0.02*float64(size[0])/float64(size[1])+0.05)
		assert.InDelta(t, p.Min.X, tw-p.Max.X, 1)
		assert.InDelta(t, p.Min.Y, th-p.Max.Y, 1)
	}
}

func TestNormalizeInvalidTarget(t *testing.T) {
	_, err := Normalize(solid(t, 10, 10, white), nil, marketplace.Target{WidthMM: 100}, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, labelerr.ErrEncoding))
}

func TestNormalizeInvalidRaster(t *testing.T) {
	buf := &raster.Buffer{Width: 100, Height: 50, Pix: make([]uint8, 20000)}
	_, err := Normalize(buf, nil, marketplace.MustLookup("amazon").Target, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, labelerr.ErrRasterization))
}

func TestNormalizeRendersWhatDetectionSees(t *testing.T) {
	// Alpha is dropped by raster.New, so a zero-alpha pixel renders with its
	// RGB exactly as luminance reads it.
	ghost := color.RGBA{200, 20, 20, 0}
	c, err := Normalize(solid(t, 400, 600, ghost), nil, marketplace.MustLookup("flipkart").Target, Options{})
	require.NoError(t, err)
	assert.Equal(t, red, c.Image.RGBAAt(590, 874))
}

func TestPreview(t *testing.T) {
	c, err := Normalize(solid(t, 400, 600, red), nil, marketplace.MustLookup("flipkart").Target, Options{})
	require.NoError(t, err)

	p := Preview(c, 0, 0)
	assert.LessOrEqual(t, p.Bounds().Dx(), DefaultPreviewWidth)
	assert.Equal(t, DefaultPreviewHeight, p.Bounds().Dy())
	assert.Equal(t, red, p.RGBAAt(p.Bounds().Dx()/2, p.Bounds().Dy()/2))

	assert.Same(t, c.Image, Preview(c, 2000, 2000))
}
