// Package extractor turns uploaded documents into page rasters.
package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/sirupsen/logrus"
	"github.com/sunshineplan/imgconv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/raster"
)

func init() {
	api.DisableConfigDir()
}

type Format int

const (
	FormatUnknown Format = iota
	FormatPDF
	FormatImage
)

func (f Format) String() string {
	switch f {
	case FormatPDF:
		return "pdf"
	case FormatImage:
		return "image"
	default:
		return "unknown"
	}
}

var imageTypes = []string{
	"image/png",
	"image/jpeg",
	"image/gif",
	"image/bmp",
	"image/tiff",
	"image/webp",
}

// Classify sniffs data and rejects anything that is neither a PDF nor a
// supported raster image.
func Classify(data []byte) (Format, error) {
	mt := mimetype.Detect(data)
	if mt.Is("application/pdf") {
		return FormatPDF, nil
	}
	for _, t := range imageTypes {
		if mt.Is(t) {
			return FormatImage, nil
		}
	}
	return FormatUnknown, labelerr.UnsupportedInput("classify", fmt.Errorf("unsupported content type %s", mt.String()))
}

// FileSource renders documents on local disk. The first page of a PDF is
// rendered with poppler when available, otherwise decoded in-process.
type FileSource struct {
	RenderScale   float64       // PDF render DPI is 72*RenderScale
	RenderTimeout time.Duration // per document
	MaxBytes      int64         // 0 disables the check
	Log           logrus.FieldLogger
}

func (s *FileSource) dpi() int {
	scale := s.RenderScale
	if scale <= 0 {
		scale = 3
	}
	return int(math.Round(72 * scale))
}

func (s *FileSource) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}

// Acquire loads path and returns its first page as a raster.
func (s *FileSource) Acquire(ctx context.Context, path string) (*raster.Buffer, error) {
	name := filepath.Base(path)
	info, err := os.Stat(path)
	if err != nil {
		return nil, labelerr.Rasterization("open "+name, err)
	}
	if s.MaxBytes > 0 && info.Size() > s.MaxBytes {
		return nil, labelerr.UnsupportedInput("open "+name, fmt.Errorf("file exceeds %dMB limit", s.MaxBytes/(1<<20)))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, labelerr.Rasterization("read "+name, err)
	}

	format, err := Classify(data)
	if err != nil {
		return nil, err
	}

	var img image.Image
	switch format {
	case FormatPDF:
		img, err = s.renderPDF(ctx, path, data)
	default:
		img, err = imgconv.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, labelerr.Rasterization("render "+name, err)
	}

	buf, err := raster.FromImage(img)
	if err != nil {
		return nil, labelerr.Rasterization("render "+name, err)
	}
	return buf, nil
}

func (s *FileSource) renderPDF(ctx context.Context, path string, data []byte) (image.Image, error) {
	if s.RenderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RenderTimeout)
		defer cancel()
	}

	if PopplerAvailable() {
		pages, err := PageCount(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("page count: %w", err)
		}
		if pages <= 0 {
			return nil, labelerr.UnsupportedInput("page count", fmt.Errorf("document has no pages"))
		}
		return RenderPage(ctx, path, 1, s.dpi())
	}

	pages, err := pageCountInProcess(data)
	if err != nil {
		return nil, fmt.Errorf("page count: %w", err)
	}
	if pages <= 0 {
		return nil, labelerr.UnsupportedInput("page count", fmt.Errorf("document has no pages"))
	}
	s.logger().WithField("file", filepath.Base(path)).Debug("poppler not found, decoding PDF in-process")
	return imgconv.Decode(bytes.NewReader(data))
}
