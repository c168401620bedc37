package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/toricodesthings/label-crop-service/internal/batch"
	"github.com/toricodesthings/label-crop-service/internal/canvas"
	"github.com/toricodesthings/label-crop-service/internal/export"
	"github.com/toricodesthings/label-crop-service/internal/extractor"
	"github.com/toricodesthings/label-crop-service/internal/labelerr"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
	"github.com/toricodesthings/label-crop-service/internal/pipeline"
	"github.com/toricodesthings/label-crop-service/internal/types"
)

const maxFieldBytes = 256

func handleHealth(w http.ResponseWriter, r *http.Request) {
	_, active := metrics.get()
	status := "healthy"
	code := http.StatusOK

	ratio := cfg.HealthDegradeRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 0.9
	}

	if active >= int64(float64(cfg.MaxConcurrentRequests)*ratio) {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":  status,
		"active":  active,
		"poppler": extractor.PopplerAvailable(),
		"version": "1.0.0",
	})
}

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	total, active := metrics.get()
	done, failed := metrics.labels()

	writeJSON(w, http.StatusOK, map[string]any{
		"activeRequests": active,
		"totalRequests":  total,
		"labelsDone":     done,
		"labelsFailed":   failed,
		"goroutines":     runtime.NumGoroutine(),
		"memAllocMB":     m.Alloc / (1 << 20),
		"memSysMB":       m.Sys / (1 << 20),
	})
}

func handleMarketplaces(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.MarketplacesResult{
		Success:      true,
		Default:      cfg.DefaultMarketplace,
		Marketplaces: marketplace.All(),
	})
}

func handleCrop(w http.ResponseWriter, r *http.Request) {
	up, ok := readUploadOrFail(w, r)
	if !ok {
		return
	}
	defer up.cleanup()

	ctx, cancel := context.WithTimeout(r.Context(), cfg.CropTimeout)
	defer cancel()

	batchID := uuid.NewString()
	items := runBatch(ctx, batchID, up.profile, up.paths, cropOptions())
	writePDFOrReport(w, batchID, up.profile, items, up.ignored)
}

func handleReport(w http.ResponseWriter, r *http.Request) {
	up, ok := readUploadOrFail(w, r)
	if !ok {
		return
	}
	defer up.cleanup()

	ctx, cancel := context.WithTimeout(r.Context(), cfg.CropTimeout)
	defer cancel()

	batchID := uuid.NewString()
	items := runBatch(ctx, batchID, up.profile, up.paths, cropOptions())
	writeJSON(w, http.StatusOK, batch.NewReport(batchID, up.profile, items, up.ignored))
}

func handlePreview(w http.ResponseWriter, r *http.Request) {
	up, ok := readUploadOrFail(w, r)
	if !ok {
		return
	}
	defer up.cleanup()

	switch {
	case len(up.paths) == 0 && len(up.ignored) > 0:
		writeErr(w, http.StatusUnsupportedMediaType, labelerr.KindUnsupportedInput.String(), up.ignored[0])
		return
	case len(up.paths) != 1:
		writeErr(w, http.StatusBadRequest, "validation_failed", "preview takes exactly one file")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.CropTimeout)
	defer cancel()

	buf, err := newSource().Acquire(ctx, up.paths[0])
	if err != nil {
		writeLabelErr(w, err)
		return
	}
	opts := cropOptions()
	res, err := pipeline.Process(buf, up.profile, opts, logger.WithField("preview", filepath.Base(up.paths[0])))
	if err != nil {
		writeLabelErr(w, err)
		return
	}

	var out bytes.Buffer
	if err := export.EncodePNG(&out, canvas.Preview(res.Canvas, opts.PreviewMaxWidth, opts.PreviewMaxHeight)); err != nil {
		writeLabelErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("X-Label-Cropped", strconv.FormatBool(res.Canvas.Cropped))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

func handleExtract(w http.ResponseWriter, r *http.Request) {
	req, err := parseJSON[types.ExtractRequest](r, cfg.MaxJSONBodyBytes)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
		return
	}

	if err := validateExtractRequest(req); err != nil {
		writeErr(w, http.StatusBadRequest, "validation_failed", sanitizeError(err))
		return
	}
	profile, err := resolveMarketplace(req.Marketplace)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_failed", sanitizeError(err))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cfg.CropTimeout)
	defer cancel()

	dir, err := os.MkdirTemp("", "labelcrop-*")
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}
	defer os.RemoveAll(dir)

	var paths, ignored []string
	for i, u := range req.DocumentURLs {
		p, err := downloadDocument(ctx, strings.TrimSpace(u), dir, i, cfg.MaxDocumentBytes, cfg.DownloadTimeout)
		if err != nil {
			ignored = append(ignored, fmt.Sprintf("documentUrls[%d]: %s", i, sanitizeError(err)))
			continue
		}
		paths = append(paths, p)
	}

	batchID := uuid.NewString()
	items := runBatch(ctx, batchID, profile, paths, requestOptions(req.Options))
	writePDFOrReport(w, batchID, profile, items, ignored)
}

// ---------- Batch helpers ----------

func newSource() *extractor.FileSource {
	return &extractor.FileSource{
		RenderScale:   cfg.RenderScale,
		RenderTimeout: cfg.RenderTimeout,
		MaxBytes:      cfg.MaxDocumentBytes,
		Log:           logger,
	}
}

func cropOptions() types.CropOptions {
	return pipeline.WithDefaults(types.CropOptions{
		QRScoreThreshold: cfg.QRScoreThreshold,
		MinAreaFraction:  cfg.MinAreaFraction,
		PreviewMaxWidth:  cfg.PreviewMaxWidth,
		PreviewMaxHeight: cfg.PreviewMaxHeight,
	})
}

// requestOptions lets a request override the configured detection knobs.
func requestOptions(o types.CropOptions) types.CropOptions {
	def := cropOptions()
	if o.QRScoreThreshold > 0 {
		def.QRScoreThreshold = o.QRScoreThreshold
	}
	if o.MinAreaFraction > 0 {
		def.MinAreaFraction = o.MinAreaFraction
	}
	return def
}

func runBatch(ctx context.Context, batchID string, profile marketplace.Profile, paths []string, opts types.CropOptions) []batch.Item {
	log := logger.WithFields(logrus.Fields{"batch": batchID, "marketplace": profile.Marketplace})
	o := &batch.Orchestrator{
		Source:  newSource(),
		Options: opts,
		Log:     log,
		Progress: func(done, total int) {
			log.WithField("progress", fmt.Sprintf("%d/%d", done, total)).Debug("batch progress")
		},
	}
	items := batch.Collect(o.Run(ctx, paths, profile))
	done, failed := batch.Summary(items)
	metrics.addLabels(done, failed)
	log.WithFields(logrus.Fields{"done": done, "failed": failed, "total": len(paths)}).Info("batch finished")
	return items
}

// writePDFOrReport sends the merged PDF, or a 422 report when nothing
// succeeded.
func writePDFOrReport(w http.ResponseWriter, batchID string, profile marketplace.Profile, items []batch.Item, ignored []string) {
	canvases := batch.Canvases(items)
	if len(canvases) == 0 {
		writeJSON(w, http.StatusUnprocessableEntity, batch.NewReport(batchID, profile, items, ignored))
		return
	}

	var out bytes.Buffer
	if err := export.WritePDF(&out, profile.Target, canvases); err != nil {
		logger.WithError(err).WithField("batch", batchID).Error("pdf export failed")
		writeLabelErr(w, err)
		return
	}

	firstName := ""
	for _, it := range items {
		if it.Status == batch.Done {
			firstName = it.Name
			break
		}
	}
	done, failed := batch.Summary(items)

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName(profile, firstName, len(canvases))))
	w.Header().Set("X-Batch-Id", batchID)
	w.Header().Set("X-Labels-Done", strconv.Itoa(done))
	w.Header().Set("X-Labels-Failed", strconv.Itoa(failed))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out.Bytes())
}

func writeLabelErr(w http.ResponseWriter, err error) {
	kind := labelerr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case labelerr.KindUnsupportedInput:
		status = http.StatusUnsupportedMediaType
	case labelerr.KindRasterization, labelerr.KindDetection:
		status = http.StatusUnprocessableEntity
	}
	writeErr(w, status, kind.String(), sanitizeError(err))
}

// ---------- Uploads ----------

type upload struct {
	profile marketplace.Profile
	paths   []string
	ignored []string
	cleanup func()
}

func readUploadOrFail(w http.ResponseWriter, r *http.Request) (upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxUploadBytes)
	up, err := readUpload(r)
	if err == nil {
		return up, true
	}
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeErr(w, http.StatusRequestEntityTooLarge, "too_large", sanitizeError(err))
	default:
		writeErr(w, http.StatusBadRequest, "bad_request", sanitizeError(err))
	}
	return upload{}, false
}

// readUpload stages every "file" part of a multipart body in a temp dir.
// Parts that are not PDFs or images are listed as ignored.
func readUpload(r *http.Request) (upload, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return upload{}, err
	}
	dir, err := os.MkdirTemp("", "labelcrop-*")
	if err != nil {
		return upload{}, fmt.Errorf("temp dir: %w", err)
	}
	up := upload{cleanup: func() { _ = os.RemoveAll(dir) }}

	name := r.URL.Query().Get("marketplace")
	files := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			up.cleanup()
			return upload{}, err
		}

		switch part.FormName() {
		case "marketplace":
			v, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				up.cleanup()
				return upload{}, err
			}
			name = strings.TrimSpace(string(v))
		case "file":
			files++
			if files > cfg.MaxBatchFiles {
				up.cleanup()
				return upload{}, fmt.Errorf("at most %d files per request", cfg.MaxBatchFiles)
			}
			if err := stagePart(&up, dir, files-1, part); err != nil {
				up.cleanup()
				return upload{}, err
			}
		}
		_ = part.Close()
	}

	if files == 0 {
		up.cleanup()
		return upload{}, fmt.Errorf("no file parts in request")
	}
	profile, err := resolveMarketplace(name)
	if err != nil {
		up.cleanup()
		return upload{}, err
	}
	up.profile = profile
	return up, nil
}

func stagePart(up *upload, dir string, index int, part *multipart.Part) error {
	name := safeFileName(part.FileName(), fmt.Sprintf("document-%d", index+1))
	data, err := io.ReadAll(io.LimitReader(part, cfg.MaxDocumentBytes+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > cfg.MaxDocumentBytes {
		up.ignored = append(up.ignored, fmt.Sprintf("%s: exceeds %dMB limit", name, cfg.MaxDocumentBytes/(1<<20)))
		return nil
	}
	if _, err := extractor.Classify(data); err != nil {
		up.ignored = append(up.ignored, fmt.Sprintf("%s: %s", name, sanitizeError(err)))
		return nil
	}
	p, err := stageDocument(dir, index, name, data)
	if err != nil {
		return err
	}
	up.paths = append(up.paths, p)
	return nil
}

func resolveMarketplace(name string) (marketplace.Profile, error) {
	if strings.TrimSpace(name) == "" {
		name = cfg.DefaultMarketplace
	}
	return marketplace.Lookup(name)
}

func validateExtractRequest(req types.ExtractRequest) error {
	if len(req.DocumentURLs) == 0 {
		return fmt.Errorf("documentUrls required")
	}
	if len(req.DocumentURLs) > cfg.MaxBatchFiles {
		return fmt.Errorf("at most %d documentUrls per request", cfg.MaxBatchFiles)
	}
	for i, u := range req.DocumentURLs {
		u = strings.TrimSpace(u)
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("documentUrls[%d] must be http/https", i)
		}
		if len(u) > 2048 {
			return fmt.Errorf("documentUrls[%d] too long", i)
		}
	}
	if req.Options.MinAreaFraction < 0 || req.Options.MinAreaFraction >= 1 {
		return fmt.Errorf("options.minAreaFraction must be in [0, 1)")
	}
	return nil
}
