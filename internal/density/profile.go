// Package density computes per-row and per-column ink density of a page.
package density

import (
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/raster"
)

// DarkCutoff splits ink from paper; darker pixels weigh double.
const DarkCutoff = 128

// minBandRows keeps tiny rasters on a single goroutine.
const minBandRows = 64

// Profile is the weighted ink coverage of every row and column.
type Profile struct {
	Rows []float64 // len == height
	Cols []float64 // len == width
}

// Weight is the asymmetric ink weight of one luminance value.
func Weight(lum float64) float64 {
	w := (255 - lum) / 255
	if lum < DarkCutoff {
		return w * 2
	}
	return w
}

// Compute builds the density profile of buf. Row bands are processed in
// parallel; column partials are reduced in band order so results do not
// depend on scheduling. Failures are Detection errors.
func Compute(buf *raster.Buffer) (Profile, error) {
	if err := buf.Validate(); err != nil {
		return Profile{}, labelerr.Detection("density profile", err)
	}
	w, h := buf.Width, buf.Height
	rows := make([]float64, h)

	bands := runtime.GOMAXPROCS(0)
	if limit := h / minBandRows; bands > limit {
		bands = limit
	}
	if bands < 1 {
		bands = 1
	}
	bandRows := (h + bands - 1) / bands
	partial := make([][]float64, bands)

	var g errgroup.Group
	for band := 0; band < bands; band++ {
		y0 := band * bandRows
		y1 := min(h, y0+bandRows)
		cols := make([]float64, w)
		partial[band] = cols
		g.Go(func() (err error) {
			// errgroup does not carry panics back to Wait.
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("band %d..%d: %v", y0, y1, r)
				}
			}()
			for y := y0; y < y1; y++ {
				var sum float64
				off := y * w * 4
				for x := 0; x < w; x++ {
					p := off + x*4
					wt := Weight(raster.Luma(buf.Pix[p], buf.Pix[p+1], buf.Pix[p+2]))
					sum += wt
					cols[x] += wt
				}
				rows[y] = sum / float64(w)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Profile{}, labelerr.Detection("density profile", err)
	}

	cols := make([]float64, w)
	for _, part := range partial {
		for x, v := range part {
			cols[x] += v
		}
	}
	for x := range cols {
		cols[x] /= float64(h)
	}
	return Profile{Rows: rows, Cols: cols}, nil
}
