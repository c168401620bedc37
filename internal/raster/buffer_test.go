package raster

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesLength(t *testing.T) {
	_, err := New(4, 3, make([]uint8, 4*3*4))
	require.NoError(t, err)

	_, err = New(4, 3, make([]uint8, 10))
	assert.Error(t, err)

	_, err = New(0, 3, nil)
	assert.Error(t, err)
}

func TestFromImageFlattensOntoWhite(t *testing.T) {
	img := image.NewNRGBA(image.Rect(10, 10, 12, 11))
	img.Set(10, 10, color.NRGBA{0, 0, 0, 255})
	img.Set(11, 10, color.NRGBA{0, 0, 0, 0})

	buf, err := FromImage(img)
	require.NoError(t, err)
	assert.Equal(t, 2, buf.Width)
	assert.Equal(t, 1, buf.Height)

	assert.InDelta(t, 0, buf.Luminance(0, 0), 0.001)
	assert.InDelta(t, 255, buf.Luminance(1, 0), 0.001, "transparent pixel should read as white paper")
}

func TestLumaWeights(t *testing.T) {
	assert.InDelta(t, 76.245, Luma(255, 0, 0), 0.001)
	assert.InDelta(t, 149.685, Luma(0, 255, 0), 0.001)
	assert.InDelta(t, 29.07, Luma(0, 0, 255), 0.001)

	buf, err := New(2, 1, []uint8{255, 0, 0, 255, 0, 0, 255, 0})
	require.NoError(t, err)
	plane := buf.LumaPlane()
	require.Len(t, plane, 2)
	assert.InDelta(t, buf.Luminance(1, 0), plane[1], 1e-9, "alpha must not affect luminance")
}

func TestNewDiscardsAlpha(t *testing.T) {
	buf, err := New(2, 1, []uint8{10, 20, 30, 0, 200, 200, 200, 128})
	require.NoError(t, err)
	assert.Equal(t, []uint8{10, 20, 30, 255, 200, 200, 200, 255}, buf.Pix)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Buffer{Width: 1, Height: 1, Pix: make([]uint8, 4)}).Validate())
	assert.Error(t, (&Buffer{Width: 100, Height: 50, Pix: make([]uint8, 20000)}).Validate())
	assert.Error(t, (&Buffer{Width: -1, Height: 1}).Validate())
}
