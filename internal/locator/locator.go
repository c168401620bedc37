// Package locator looks for visual barcode and QR evidence on a label page.
// It never decodes symbols; it only reports where they appear to be.
package locator

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/toricodesthings/label-crop-service/internal/raster"
)

// Empirical thresholds. QRScoreThreshold is tunable through Options; the
// rest shape what counts as a barcode or QR block and should stay fixed.
const (
	TransitionDelta    = 50   // luminance step counted as a bar edge
	BarcodeColumnShare = 0.25 // left share of the width scanned for bars
	BarcodeMaxColumns  = 200
	BarcodeMinDensity  = 0.25 // transitions per pixel of height

	QRWindow         = 60
	QRMinShare       = 0.20 // both dark and light pixels must exceed this
	QRScanLeft       = 0.30
	QRScanRight      = 0.95
	QRScanDepth      = 0.50
	QRScanMaxRows    = 300
	QRScoreThreshold = 1000.0
	QRTopMargin      = 10
	DarkCutoff       = 128
)

// Point is a pixel position on the page.
type Point struct {
	X, Y float64
}

// Hints carries optional anchors. A nil field means no evidence was found.
type Hints struct {
	LeftEdge  *int    `json:"leftEdge,omitempty"`
	RightEdge *int    `json:"rightEdge,omitempty"`
	QRCenter  *Point  `json:"qrCenter,omitempty"`
	Top       *int    `json:"top,omitempty"`
	QRScore   float64 `json:"qrScore,omitempty"`
}

// Options tunes Locate. A zero threshold means QRScoreThreshold.
type Options struct {
	QRScoreThreshold float64
}

// DefaultOptions returns the production thresholds.
func DefaultOptions() Options {
	return Options{QRScoreThreshold: QRScoreThreshold}
}

// Locate runs both detectors over buf.
func Locate(buf *raster.Buffer, opts Options) Hints {
	if opts.QRScoreThreshold <= 0 {
		opts.QRScoreThreshold = QRScoreThreshold
	}
	luma := buf.LumaPlane()

	var h Hints
	if left, right, ok := barcodeColumns(luma, buf.Width, buf.Height); ok {
		h.LeftEdge, h.RightEdge = &left, &right
	}
	if x, y, score, ok := bestQRWindow(luma, buf.Width, buf.Height); ok {
		h.QRScore = score
		if score > opts.QRScoreThreshold {
			h.QRCenter = &Point{X: float64(x + QRWindow/2), Y: float64(y + QRWindow/2)}
			top := max(0, y-QRTopMargin)
			h.Top = &top
		}
	}
	return h
}

// barcodeColumns finds the leftmost and rightmost columns in the left margin
// whose vertical luminance profile alternates like a barcode printed sideways.
func barcodeColumns(luma []float64, w, h int) (left, right int, ok bool) {
	limit := math.Min(float64(w)*BarcodeColumnShare, BarcodeMaxColumns)
	need := float64(h) * BarcodeMinDensity
	for x := 0; float64(x) < limit; x++ {
		transitions := 0
		last := luma[x]
		for y := 1; y < h; y++ {
			lum := luma[y*w+x]
			if math.Abs(lum-last) > TransitionDelta {
				transitions++
			}
			last = lum
		}
		if float64(transitions) > need {
			if !ok {
				left, ok = x, true
			}
			right = x
		}
	}
	return left, right, ok
}

// bestQRWindow slides a QRWindow square over the upper right area and returns
// the top-left corner of the mixed dark/light window with the highest
// luminance variance. Ties keep the first window in row-major order.
func bestQRWindow(luma []float64, w, h int) (bx, by int, score float64, ok bool) {
	yLimit := math.Min(float64(h)*QRScanDepth, QRScanMaxRows)
	x0 := int(math.Ceil(math.Max(0, float64(w)*QRScanLeft)))
	xLimit := float64(w) * QRScanRight

	rows := min(h, int(math.Ceil(yLimit))+QRWindow)
	if rows <= QRWindow || x0+QRWindow >= w {
		return 0, 0, 0, false
	}
	sat := newSummedArea(luma, w, rows)

	area := float64(QRWindow * QRWindow)
	minCount := area * QRMinShare
	for y := 0; float64(y) < yLimit; y++ {
		if y+QRWindow >= h {
			break
		}
		for x := x0; float64(x) < xLimit; x++ {
			if x+QRWindow >= w {
				break
			}
			sum, sumSq, dark := sat.window(x, y, QRWindow)
			light := area - dark
			if dark <= minCount || light <= minCount {
				continue
			}
			mean := sum / area
			v := sumSq/area - mean*mean
			if v > score {
				score, bx, by, ok = v, x, y, true
			}
		}
	}
	if ok {
		score = windowVariance(luma, w, bx, by, QRWindow)
	}
	return bx, by, score, ok
}

// windowVariance is the exact population variance of one window, used to
// rescore the winner after the summed-area search.
func windowVariance(luma []float64, w, x0, y0, size int) float64 {
	vals := make([]float64, 0, size*size)
	for y := y0; y < y0+size; y++ {
		vals = append(vals, luma[y*w+x0:y*w+x0+size]...)
	}
	_, v := stat.PopMeanVariance(vals, nil)
	return v
}
