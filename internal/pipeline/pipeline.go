// Package pipeline runs one page raster through locate, profile, detect and
// normalize.
package pipeline

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/toricodesthings/label-crop-service/internal/bounds"
	"github.com/toricodesthings/label-crop-service/internal/canvas"
	"github.com/toricodesthings/label-crop-service/internal/density"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/locator"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/raster"
	"github.com/toricodesthings/label-crop-service/internal/types"
)

// Result is one page's normalized canvas plus what detection found.
type Result struct {
	Canvas *canvas.Canvas
	Hints  locator.Hints
	// Box is nil when detection failed internally.
	Box          *bounds.Box
	AreaFraction float64
	// DetectErr is the swallowed detection failure, if any.
	DetectErr error
}

// WithDefaults fills zero-valued options with the package defaults.
func WithDefaults(o types.CropOptions) types.CropOptions {
	if o.QRScoreThreshold == 0 {
		o.QRScoreThreshold = locator.QRScoreThreshold
	}
	if o.MinAreaFraction == 0 {
		o.MinAreaFraction = bounds.MinAreaFraction
	}
	if o.PreviewMaxWidth == 0 {
		o.PreviewMaxWidth = canvas.DefaultPreviewWidth
	}
	if o.PreviewMaxHeight == 0 {
		o.PreviewMaxHeight = canvas.DefaultPreviewHeight
	}
	return o
}

// Process crops buf to its label and renders it on the profile's canvas.
// Detection problems never fail the item: the full page is used instead.
// The returned error comes from normalization: Rasterization for a malformed
// buffer, Encoding otherwise.
func Process(buf *raster.Buffer, profile marketplace.Profile, opts types.CropOptions, log logrus.FieldLogger) (Result, error) {
	if buf == nil {
		return Result{}, labelerr.Rasterization("process", fmt.Errorf("nil raster"))
	}
	opts = WithDefaults(opts)
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{
		"marketplace": profile.Marketplace,
		"width":       buf.Width,
		"height":      buf.Height,
	})

	// 1) anchors, density, bounds
	hints, box, err := detect(buf, profile, opts)
	res := Result{Hints: hints}
	if err != nil {
		res.DetectErr = err
		log.WithError(err).Warn("bounds detection failed, using full page")
	} else {
		res.Box = &box
		res.AreaFraction = box.AreaFraction(buf.Width, buf.Height)
	}

	// 2) canvas
	c, err := canvas.Normalize(buf, res.Box, profile.Target, canvas.Options{MinAreaFraction: opts.MinAreaFraction})
	if err != nil {
		return res, err
	}
	res.Canvas = c

	if res.Box != nil && !c.Cropped {
		log.WithField("area", res.AreaFraction).Debug("box below area floor, using full page")
	}
	log.WithFields(logrus.Fields{
		"qr":      hints.QRCenter != nil,
		"barcode": hints.LeftEdge != nil,
		"cropped": c.Cropped,
	}).Debug("label normalized")
	return res, nil
}

// detect runs the locator, the profiler and the bounds detector. Any failure,
// panics included, comes back as a Detection error.
func detect(buf *raster.Buffer, profile marketplace.Profile, opts types.CropOptions) (hints locator.Hints, box bounds.Box, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = labelerr.Detection("locate", fmt.Errorf("%v", r))
		}
	}()
	if err := buf.Validate(); err != nil {
		return locator.Hints{}, bounds.Box{}, labelerr.Detection("locate", err)
	}

	hints = locator.Locate(buf, locator.Options{QRScoreThreshold: opts.QRScoreThreshold})
	prof, err := density.Compute(buf)
	if err != nil {
		return hints, bounds.Box{}, err
	}
	box, err = bounds.Detect(buf, prof, hints, profile.Padding)
	return hints, box, err
}
