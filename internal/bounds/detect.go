// Package bounds turns density profiles and locator hints into the label's
// bounding box.
package bounds

import (
	"fmt"
	"image"
	"math"
	"slices"

	"github.com/toricodesthings/label-crop-service/internal/density"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/locator"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/raster"
)

const (
	QRWindowAbove = 150 // search window around a QR anchor
	QRWindowBelow = 400
	QREdgeAbove   = 120 // label edges derived from a QR anchor
	QREdgeBelow   = 350
	QRMaxHeight   = 500

	ThresholdPercentile = 0.05
	ThresholdFactor     = 2.0
	EdgeMargin          = 8
	BarcodeMargin       = 10
	RefineMargin        = 15
	RefineCutoff        = 240

	// MinAreaFraction is the caller-side floor below which a detected box is
	// ignored and the full page used. Empirical; tunable.
	MinAreaFraction = 0.005
)

// Box is a pixel rectangle within the source page.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect returns b as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// AreaFraction is the share of a srcW x srcH page that b covers.
func (b Box) AreaFraction(srcW, srcH int) float64 {
	if srcW <= 0 || srcH <= 0 {
		return 0
	}
	return float64(b.Width) * float64(b.Height) / (float64(srcW) * float64(srcH))
}

// Within reports whether b satisfies the containment invariant for a
// srcW x srcH source.
func (b Box) Within(srcW, srcH int) bool {
	return b.X >= 0 && b.Y >= 0 && b.Width > 0 && b.Height > 0 &&
		b.X+b.Width <= srcW && b.Y+b.Height <= srcH
}

// edges are inclusive pixel indices.
type edges struct {
	minX, minY, maxX, maxY int
}

// Detect returns the padded content box of buf. Anchors take precedence as
// follows: a QR centre alone decides the vertical extent, the left barcode
// run alone decides the left edge, density decides every other edge. An
// error means an unexpected internal failure; callers should fall back to
// the full page.
func Detect(buf *raster.Buffer, prof density.Profile, hints locator.Hints, pad marketplace.Padding) (box Box, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = labelerr.Detection("detect bounds", fmt.Errorf("%v", r))
		}
	}()
	if len(prof.Rows) != buf.Height || len(prof.Cols) != buf.Width {
		return Box{}, labelerr.Detection("detect bounds",
			fmt.Errorf("profile %dx%d does not match raster %dx%d", len(prof.Cols), len(prof.Rows), buf.Width, buf.Height))
	}

	lo, hi := searchWindow(buf.Height, hints)
	e := provisional(buf.Width, lo, hi, prof, hints)
	e = refine(buf, e, lo, hi)
	if hints.QRCenter != nil && e.maxY-e.minY > QRMaxHeight {
		e.maxY = e.minY + QRMaxHeight
	}
	return padded(buf.Width, buf.Height, e, pad), nil
}

// Threshold is the adaptive content threshold: twice the 5th percentile.
func Threshold(densities []float64) float64 {
	if len(densities) == 0 {
		return 0
	}
	sorted := slices.Clone(densities)
	slices.Sort(sorted)
	return sorted[int(float64(len(sorted))*ThresholdPercentile)] * ThresholdFactor
}

// searchWindow is the vertical range [lo, hi) that may hold label content.
// Labels sit at a fixed offset from their QR code, so an anchor narrows it.
func searchWindow(h int, hints locator.Hints) (lo, hi int) {
	if qr := hints.QRCenter; qr != nil {
		return max(0, int(qr.Y)-QRWindowAbove), min(h, int(qr.Y)+QRWindowBelow)
	}
	return 0, h
}

// provisional picks edges from anchors and density. An axis without evidence
// spans its whole window when the other axis has some; with no evidence on
// either axis the box collapses to the window centre.
func provisional(w, lo, hi int, prof density.Profile, hints locator.Hints) edges {
	rowThr := Threshold(prof.Rows)
	colThr := Threshold(prof.Cols)

	var e edges
	rowsOK := true
	if qr := hints.QRCenter; qr != nil {
		e.minY = max(0, int(qr.Y)-QREdgeAbove)
		e.maxY = min(hi-1, int(qr.Y)+QREdgeBelow)
	} else if first, last, ok := span(prof.Rows[lo:hi], rowThr); ok {
		e.minY = max(lo, lo+first-EdgeMargin)
		e.maxY = min(hi-1, lo+last+EdgeMargin)
	} else {
		rowsOK = false
	}

	colsOK := true
	if first, last, ok := span(prof.Cols, colThr); ok {
		e.minX = max(0, first-EdgeMargin)
		e.maxX = min(w-1, last+EdgeMargin)
	} else {
		colsOK = false
	}

	switch {
	case !rowsOK && !colsOK:
		e.minY = (lo + hi - 1) / 2
		e.maxY = e.minY
		e.minX = (w - 1) / 2
		e.maxX = e.minX
	case !rowsOK:
		e.minY, e.maxY = lo, hi-1
	case !colsOK:
		e.minX, e.maxX = 0, w-1
	}

	if hints.LeftEdge != nil {
		e.minX = max(0, *hints.LeftEdge-BarcodeMargin)
		if e.maxX < e.minX {
			e.maxX = e.minX
			if hints.RightEdge != nil {
				e.maxX = min(w-1, max(e.minX, *hints.RightEdge))
			}
		}
	}
	return e
}

// span walks in from both ends and returns the first and last index whose
// density exceeds thr.
func span(d []float64, thr float64) (first, last int, ok bool) {
	first = -1
	for i, v := range d {
		if v > thr {
			first = i
			break
		}
	}
	if first < 0 {
		return 0, 0, false
	}
	for i := len(d) - 1; i >= first; i-- {
		if d[i] > thr {
			last = i
			break
		}
	}
	return first, last, true
}

// refine grows the box to include every visibly inked pixel within
// RefineMargin of it, which catches thin marks averaged away by the profile.
// Rows outside the search window [lo, hi) are never scanned.
func refine(buf *raster.Buffer, e edges, lo, hi int) edges {
	x0, x1 := max(0, e.minX-RefineMargin), min(buf.Width, e.maxX+RefineMargin+1)
	y0, y1 := max(lo, e.minY-RefineMargin), min(hi, e.maxY+RefineMargin+1)
	out := e
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			if buf.Luminance(x, y) >= RefineCutoff {
				continue
			}
			out.minX = min(out.minX, x)
			out.maxX = max(out.maxX, x)
			out.minY = min(out.minY, y)
			out.maxY = max(out.maxY, y)
		}
	}
	return out
}

func padded(w, h int, e edges, pad marketplace.Padding) Box {
	e.maxX = min(e.maxX, w-1)
	e.maxY = min(e.maxY, h-1)
	padX := pad.For(float64(e.maxX - e.minX))
	padY := pad.For(float64(e.maxY - e.minY))

	x0 := max(0, int(math.Floor(float64(e.minX)-padX)))
	y0 := max(0, int(math.Floor(float64(e.minY)-padY)))
	x1 := min(w, int(math.Ceil(float64(e.maxX+1)+padX)))
	y1 := min(h, int(math.Ceil(float64(e.maxY+1)+padY)))
	return Box{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}
}
