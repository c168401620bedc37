package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/label-crop-service/internal/bounds"
	"github.com/toricodesthings/label-crop-service/internal/canvas"
	"github.com/toricodesthings/label-crop-service/internal/locator"
	"github.com/toricodesthings/label-crop-service/internal/marketplace"
)

type Config struct {
	// Server
	Port string

	// Secrets
	InternalSharedSecret string

	// Limits
	MaxUploadBytes   int64 // whole multipart body
	MaxJSONBodyBytes int64
	MaxDocumentBytes int64 // per document, uploaded or downloaded
	MaxBatchFiles    int

	// Concurrency
	MaxConcurrentRequests int64

	// Server timeouts
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration

	// Request timeouts
	CropTimeout time.Duration

	// Download
	DownloadTimeout time.Duration

	// Rendering
	RenderTimeout time.Duration // per document
	RenderScale   float64       // PDF render DPI = 72*scale

	// rate limiting (per IP)
	RateLimitEvery time.Duration
	RateLimitBurst int

	// housekeeping
	CleanupInterval time.Duration

	// health
	HealthDegradeRatio float64

	// http
	MaxHeaderBytes int

	// Label defaults (used when requests omit values)
	DefaultMarketplace string
	PreviewMaxWidth    int
	PreviewMaxHeight   int
	QRScoreThreshold   float64
	MinAreaFraction    float64

	// Logging
	LogLevel  string
	LogFormat string // "text" | "json"
}

func Load() Config {
	return Config{
		Port: envStr("PORT", "8080"),

		InternalSharedSecret: envStr("INTERNAL_SHARED_SECRET", ""),

		MaxUploadBytes:   int64(envInt("MAX_UPLOAD_BYTES", int(100<<20))),
		MaxJSONBodyBytes: int64(envInt("MAX_JSON_BODY_BYTES", 2<<20)),
		MaxDocumentBytes: int64(envInt("MAX_DOCUMENT_BYTES", int(25<<20))),
		MaxBatchFiles:    envInt("MAX_BATCH_FILES", 50),

		MaxConcurrentRequests: int64(envInt("MAX_CONCURRENT_REQUESTS", 4)),

		ReadHeaderTimeout: envDur("READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:       envDur("READ_TIMEOUT", 60*time.Second),
		WriteTimeout:      envDur("WRITE_TIMEOUT", 300*time.Second),
		IdleTimeout:       envDur("IDLE_TIMEOUT", 60*time.Second),

		CropTimeout: envDur("CROP_TIMEOUT", 240*time.Second),

		DownloadTimeout: envDur("DOWNLOAD_TIMEOUT", 25*time.Second),

		RenderTimeout: envDur("RENDER_TIMEOUT", 30*time.Second),
		RenderScale:   envFloat("RENDER_SCALE", 3),

		RateLimitEvery: envDur("RATE_LIMIT_EVERY", 600*time.Millisecond),
		RateLimitBurst: envInt("RATE_LIMIT_BURST", 20),

		CleanupInterval: envDur("CLEANUP_INTERVAL", 5*time.Minute),

		HealthDegradeRatio: envFloat("HEALTH_DEGRADE_RATIO", 0.9),

		MaxHeaderBytes: envInt("MAX_HEADER_BYTES", 1<<20),

		DefaultMarketplace: envStr("DEFAULT_MARKETPLACE", string(marketplace.Flipkart)),
		PreviewMaxWidth:    envInt("PREVIEW_MAX_WIDTH", canvas.DefaultPreviewWidth),
		PreviewMaxHeight:   envInt("PREVIEW_MAX_HEIGHT", canvas.DefaultPreviewHeight),
		QRScoreThreshold:   envFloat("QR_SCORE_THRESHOLD", locator.QRScoreThreshold),
		MinAreaFraction:    envFloat("MIN_AREA_FRACTION", bounds.MinAreaFraction),

		LogLevel:  envStr("LOG_LEVEL", "info"),
		LogFormat: envStr("LOG_FORMAT", "text"),
	}
}

func (c Config) Validate() error {
	if len(strings.TrimSpace(c.InternalSharedSecret)) < 32 {
		return fmt.Errorf("INTERNAL_SHARED_SECRET must be at least 32 characters")
	}
	if _, err := marketplace.Lookup(c.DefaultMarketplace); err != nil {
		return fmt.Errorf("DEFAULT_MARKETPLACE: %w", err)
	}
	if c.MinAreaFraction >= 1 {
		return fmt.Errorf("MIN_AREA_FRACTION must be below 1")
	}
	if c.MaxDocumentBytes > c.MaxUploadBytes {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must not exceed MAX_UPLOAD_BYTES")
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be text or json")
	}
	return nil
}

func envStr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return fallback
	}
	return f
}

func envDur(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
