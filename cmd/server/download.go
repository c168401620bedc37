package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/toricodesthings/label-crop-service/internal/extractor"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeFileName keeps a display name usable as a path element.
func safeFileName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Trim(unsafeFileChars.ReplaceAllString(name, "_"), "_.")
	if name == "" {
		return fallback
	}
	if len(name) > 120 {
		name = name[:120]
	}
	return name
}

// stageDocument writes data under dir/<index>/<name> so every document keeps
// its own display name.
func stageDocument(dir string, index int, name string, data []byte) (string, error) {
	sub := filepath.Join(dir, fmt.Sprintf("%03d", index))
	if err := os.MkdirAll(sub, 0o700); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	p := filepath.Join(sub, name)
	if err := os.WriteFile(p, data, 0o600); err != nil {
		return "", fmt.Errorf("stage: %w", err)
	}
	return p, nil
}

// downloadDocument fetches one document and stages it under dir. Only PDFs
// and raster images are accepted.
func downloadDocument(ctx context.Context, rawURL, dir string, index int, maxBytes int64, timeout time.Duration) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	req.Header.Set("User-Agent", "labelcrop/1.0")

	client := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			IdleConnTimeout:     30 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "pdf") && !strings.HasPrefix(ct, "image/") && !strings.Contains(ct, "octet-stream") {
		return "", fmt.Errorf("invalid content-type: %s", ct)
	}

	data, err := io.ReadAll(&io.LimitedReader{R: resp.Body, N: maxBytes + 1})
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return "", fmt.Errorf("document exceeds %dMB limit", maxBytes/(1<<20))
	}
	if len(data) < 32 {
		return "", fmt.Errorf("document too small (likely invalid)")
	}

	// Catches storage XML errors, HTML pages, etc.
	if _, err := extractor.Classify(data); err != nil {
		return "", err
	}

	name := fmt.Sprintf("document-%d", index+1)
	if u, err := url.Parse(rawURL); err == nil {
		name = safeFileName(path.Base(u.Path), name)
	}
	return stageDocument(dir, index, name, data)
}
