package extractor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sunshineplan/imgconv"
)

var pagesRe = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// PopplerAvailable reports whether pdfinfo and pdftoppm are on PATH.
func PopplerAvailable() bool {
	for _, bin := range []string{"pdfinfo", "pdftoppm"} {
		if _, err := exec.LookPath(bin); err != nil {
			return false
		}
	}
	return true
}

func PageCount(ctx context.Context, pdfPath string) (int, error) {
	cmd := exec.CommandContext(ctx, "pdfinfo", pdfPath)
	out, err := cmd.Output()
	if err != nil {
		return 0, err
	}
	m := pagesRe.FindStringSubmatch(string(out))
	if len(m) != 2 {
		return 0, fmt.Errorf("pdfinfo: pages not found")
	}
	return strconv.Atoi(m[1])
}

// pageCountInProcess counts pages without poppler.
func pageCountInProcess(data []byte) (n int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while reading PDF: %v", r)
		}
	}()
	conf := model.NewDefaultConfiguration()
	return api.PageCount(bytes.NewReader(data), conf)
}

// RenderPage rasterizes one 1-indexed page at dpi with pdftoppm.
func RenderPage(ctx context.Context, pdfPath string, page, dpi int) (image.Image, error) {
	tmpDir, err := os.MkdirTemp("", "labelcrop-render-*")
	if err != nil {
		return nil, fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	prefix := filepath.Join(tmpDir, "page")
	cmd := exec.CommandContext(ctx,
		"pdftoppm",
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-singlefile",
		pdfPath,
		prefix,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm: %w: %s", err, sanitize(out))
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm output: %w", err)
	}
	defer f.Close()
	return imgconv.Decode(f)
}

func sanitize(out []byte) string {
	out = bytes.TrimSpace(out)
	if len(out) > 200 {
		out = out[:200]
	}
	return string(out)
}
