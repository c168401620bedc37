package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/label-crop-service/internal/config"
	"github.com/toricodesthings/label-crop-service/internal/types"
)

const testSecret = "test-secret-test-secret-test-secret!"

func setup(t *testing.T) http.Handler {
	t.Helper()
	t.Setenv("INTERNAL_SHARED_SECRET", testSecret)
	cfg = config.Load()
	require.NoError(t, cfg.Validate())
	requestSem = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
	limiters = &sync.Map{}
	metrics = &serverMetrics{}
	log, _ := test.NewNullLogger()
	logger = log
	return withLogging(withRecovery(newMux()))
}

func labelPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 600))
	for y := 0; y < 600; y++ {
		for x := 0; x < 400; x++ {
			c := color.RGBA{255, 255, 255, 255}
			if x >= 60 && x < 340 && y >= 80 && y < 480 && (y/6)%2 == 0 {
				c = color.RGBA{0, 0, 0, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	var b bytes.Buffer
	require.NoError(t, png.Encode(&b, img))
	return b.Bytes()
}

type part struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, parts ...part) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		if p.name == "" {
			require.NoError(t, mw.WriteField(p.field, string(p.data)))
			continue
		}
		fw, err := mw.CreateFormFile(p.field, p.name)
		require.NoError(t, err)
		_, err = fw.Write(p.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func do(t *testing.T, h http.Handler, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("X-Internal-Auth", testSecret)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := setup(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
}

func TestAuthRequired(t *testing.T) {
	h := setup(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/marketplaces", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unauthorized"`)
}

func TestMarketplaces(t *testing.T) {
	h := setup(t)
	rec := do(t, h, "GET", "/marketplaces", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var res types.MarketplacesResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "flipkart", res.Default)
	require.Len(t, res.Marketplaces, 5)
	assert.Equal(t, "A", res.Marketplaces[0].Code)
	assert.Equal(t, 148.0, res.Marketplaces[0].Target.HeightMM)
}

func TestCropMethodNotAllowed(t *testing.T) {
	h := setup(t)
	rec := do(t, h, "GET", "/label/crop", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestCropMergesLabels(t *testing.T) {
	h := setup(t)
	label := labelPNG(t)
	body, ct := multipartBody(t,
		part{field: "marketplace", data: []byte("meesho")},
		part{field: "file", name: "order-1.png", data: label},
		part{field: "file", name: "notes.txt", data: []byte("not a label")},
		part{field: "file", name: "order-2.png", data: label},
	)

	rec := do(t, h, "POST", "/label/crop", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "2", rec.Header().Get("X-Labels-Done"))
	assert.Equal(t, "0", rec.Header().Get("X-Labels-Failed"))
	assert.NotEmpty(t, rec.Header().Get("X-Batch-Id"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "meesho-labels-merged.pdf")

	conf := model.NewDefaultConfiguration()
	n, err := api.PageCount(bytes.NewReader(rec.Body.Bytes()), conf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCropSingleLabelName(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t, part{field: "file", name: "AWB 991.png", data: labelPNG(t)})

	rec := do(t, h, "POST", "/label/crop?marketplace=E", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "snapdeal-AWB_991-label.pdf")
}

func TestCropNothingRenderable(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t, part{field: "file", name: "notes.txt", data: []byte("hello there")})

	rec := do(t, h, "POST", "/label/crop", body, ct)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var rep types.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.False(t, rep.Success)
	assert.Equal(t, 0, rep.Total)
	require.Len(t, rep.Ignored, 1)
	assert.True(t, strings.HasPrefix(rep.Ignored[0], "notes.txt:"))
}

func TestCropUnknownMarketplace(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t,
		part{field: "marketplace", data: []byte("ebay")},
		part{field: "file", name: "a.png", data: labelPNG(t)},
	)
	rec := do(t, h, "POST", "/label/crop", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReport(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t,
		part{field: "marketplace", data: []byte("amazon")},
		part{field: "file", name: "one.png", data: labelPNG(t)},
		part{field: "file", name: "broken.png", data: labelPNG(t)[:80]},
	)

	rec := do(t, h, "POST", "/label/report", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)

	var rep types.BatchReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.True(t, rep.Success)
	assert.Equal(t, "amazon", rep.Marketplace)
	assert.Equal(t, 2, rep.Total)
	assert.Equal(t, 1, rep.Done)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Labels, 2)

	assert.Equal(t, "done", rep.Labels[0].Status)
	assert.True(t, rep.Labels[0].Cropped)
	require.NotNil(t, rep.Labels[0].Box)

	assert.Equal(t, "failed", rep.Labels[1].Status)
	assert.Equal(t, "rasterization_failure", rep.Labels[1].ErrorKind)
}

func TestPreview(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t, part{field: "file", name: "label.png", data: labelPNG(t)})

	rec := do(t, h, "POST", "/label/preview", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "true", rec.Header().Get("X-Label-Cropped"))

	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.LessOrEqual(t, img.Bounds().Dx(), 900)
	assert.LessOrEqual(t, img.Bounds().Dy(), 1200)
}

func TestPreviewUnsupported(t *testing.T) {
	h := setup(t)
	body, ct := multipartBody(t, part{field: "file", name: "sheet.csv", data: []byte("a,b\n1,2\n")})
	rec := do(t, h, "POST", "/label/preview", body, ct)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestExtract(t *testing.T) {
	h := setup(t)
	label := labelPNG(t)
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.png" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(label)
	}))
	defer docs.Close()

	reqBody, err := json.Marshal(types.ExtractRequest{
		DocumentURLs: []string{docs.URL + "/label-7.png", docs.URL + "/missing.png"},
		Marketplace:  "flipkart",
	})
	require.NoError(t, err)

	rec := do(t, h, "POST", "/label/extract", bytes.NewBuffer(reqBody), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Labels-Done"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "flipkart-label-7-label.pdf")
}

func TestExtractValidation(t *testing.T) {
	h := setup(t)
	for _, body := range []string{
		`{"documentUrls":[]}`,
		`{"documentUrls":["ftp://host/a.pdf"]}`,
		`{"documentUrls":["https://host/a.pdf"],"unknown":1}`,
		`{"documentUrls":["https://host/a.pdf"],"marketplace":"ebay"}`,
	} {
		rec := do(t, h, "POST", "/label/extract", bytes.NewBufferString(body), "application/json")
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestSafeFileName(t *testing.T) {
	assert.Equal(t, "order_12.pdf", safeFileName("C:\\Users\\me\\order 12.pdf", "x"))
	assert.Equal(t, "x", safeFileName("../..", "x"))
	assert.Equal(t, "label.png", safeFileName("/tmp/label.png", "x"))
}
