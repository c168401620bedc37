// Package export writes normalized label canvases as PNG and PDF.
package export

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/toricodesthings/label-crop-service/internal/canvas"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
)

func init() {
	api.DisableConfigDir()
}

// EncodePNG writes img losslessly.
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(w, img); err != nil {
		return labelerr.Encoding("png", err)
	}
	return nil
}

// WritePDF writes one page per canvas, in order, each exactly the target's
// physical size with the canvas image filling the page.
func WritePDF(w io.Writer, target marketplace.Target, canvases []*canvas.Canvas) (err error) {
	if len(canvases) == 0 {
		return labelerr.Encoding("pdf", fmt.Errorf("no labels to export"))
	}
	if err := target.Validate(); err != nil {
		return labelerr.Encoding("pdf", err)
	}
	defer func() {
		if r := recover(); r != nil {
			err = labelerr.Encoding("pdf", fmt.Errorf("panic while writing PDF: %v", r))
		}
	}()

	imgs := make([]io.Reader, 0, len(canvases))
	for i, c := range canvases {
		if c == nil || c.Image == nil {
			return labelerr.Encoding("pdf", fmt.Errorf("label %d has no canvas", i+1))
		}
		var b bytes.Buffer
		if err := EncodePNG(&b, c.Image); err != nil {
			return err
		}
		imgs = append(imgs, &b)
	}

	wPt, hPt := target.PointSize()
	imp := pdfcpu.DefaultImportConfig()
	imp.PageDim = &types.Dim{Width: wPt, Height: hPt}
	imp.UserDim = true
	imp.InpUnit = types.POINTS
	// Full would size the mediabox from the image pixels and drop PageDim.
	// The canvas already has the target's aspect, so centering at scale 1
	// fills the page.
	imp.Pos = types.Center
	imp.Scale = 1.0
	imp.ScaleAbs = false

	conf := model.NewDefaultConfiguration()
	if err := api.ImportImages(nil, w, imgs, imp, conf); err != nil {
		return labelerr.Encoding("pdf", err)
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// FileName names an export the way users download them:
// <marketplace>-<name>-label.pdf for one label and
// <marketplace>-labels-merged.pdf for several.
func FileName(profile marketplace.Profile, sourceName string, count int) string {
	if count > 1 {
		return fmt.Sprintf("%s-labels-merged.pdf", profile.Marketplace)
	}
	base := strings.TrimSuffix(filepath.Base(sourceName), filepath.Ext(sourceName))
	base = strings.Trim(unsafeName.ReplaceAllString(base, "_"), "_.")
	if base == "" {
		base = "document"
	}
	return fmt.Sprintf("%s-%s-label.pdf", profile.Marketplace, base)
}
