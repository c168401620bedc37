package main

import (
	"errors"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/label-crop-service/internal/config"
	"github.com/toricodesthings/label-crop-service/internal/extractor"
	"github.com/toricodesthings/label-crop-service/internal/logging"
)

var (
	cfg    config.Config
	logger logrus.FieldLogger = logrus.StandardLogger()

	requestSem *semaphore.Weighted

	// Per-IP rate limiters
	limiters = &sync.Map{}

	metrics = &serverMetrics{}
)

type serverMetrics struct {
	mu            sync.RWMutex
	totalRequests int64
	activeReqs    int64
	labelsDone    int64
	labelsFailed  int64
}

func (m *serverMetrics) incActive() {
	m.mu.Lock()
	m.activeReqs++
	m.totalRequests++
	m.mu.Unlock()
}
func (m *serverMetrics) decActive() {
	m.mu.Lock()
	m.activeReqs--
	m.mu.Unlock()
}
func (m *serverMetrics) addLabels(done, failed int) {
	m.mu.Lock()
	m.labelsDone += int64(done)
	m.labelsFailed += int64(failed)
	m.mu.Unlock()
}
func (m *serverMetrics) get() (total, active int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.totalRequests, m.activeReqs
}
func (m *serverMetrics) labels() (done, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelsDone, m.labelsFailed
}

func main() {
	cfg = config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger = log
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           withLogging(withRecovery(newMux())),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	if !extractor.PopplerAvailable() {
		log.Warn("pdfinfo/pdftoppm not found, PDFs will be decoded in-process at lower fidelity")
	}

	go cleanupRateLimiters()

	log.WithFields(logrus.Fields{
		"addr":           srv.Addr,
		"maxConcurrent":  cfg.MaxConcurrentRequests,
		"renderScale":    cfg.RenderScale,
		"defaultProfile": cfg.DefaultMarketplace,
	}).Info("labelcrop listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.WithError(err).Fatal("server stopped")
	}
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/metrics", withInternalAuth(handleMetrics))
	mux.HandleFunc("/marketplaces", withInternalAuth(withMethod("GET", handleMarketplaces)))

	post := func(h http.HandlerFunc) http.HandlerFunc {
		return withInternalAuth(
			withRateLimit(
				withMethod("POST",
					withConcurrencyLimit(h))))
	}
	mux.HandleFunc("/label/crop", post(handleCrop))
	mux.HandleFunc("/label/report", post(handleReport))
	mux.HandleFunc("/label/preview", post(handlePreview))
	mux.HandleFunc("/label/extract", post(handleExtract))
	return mux
}

func cleanupRateLimiters() {
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		var m runtime.MemStats
		runtime.ReadMemStats(&m)
		total, active := metrics.get()
		done, failed := metrics.labels()
		logger.WithFields(logrus.Fields{
			"active":       active,
			"total":        total,
			"labelsDone":   done,
			"labelsFailed": failed,
			"goroutines":   runtime.NumGoroutine(),
			"memMB":        m.Alloc / (1 << 20),
		}).Info("stats")

		// simple clear (if you want smarter: store last-seen timestamps)
		limiters = &sync.Map{}
	}
}
