package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/deepfake-detector/internal/aggregator"
	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/detector"
	"github.com/sells-group/deepfake-detector/internal/ensemble"
	"github.com/sells-group/deepfake-detector/internal/imageinfo"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/monitoring"
	"github.com/sells-group/deepfake-detector/internal/resilience"
	"github.com/sells-group/deepfake-detector/internal/scorer"
	"github.com/sells-group/deepfake-detector/internal/store"
	"github.com/sells-group/deepfake-detector/internal/video"
)

type stubExtractor struct{}

func (stubExtractor) Probe(context.Context, string) (*model.VideoInfo, error) {
	return &model.VideoInfo{Duration: 3, FPS: 25, Width: 640, Height: 480}, nil
}

func (stubExtractor) Extract(context.Context, string, float64, int) ([]model.Frame, error) {
	frames := make([]model.Frame, 3)
	for i := range frames {
		name := fmt.Sprintf("frame_%05d.jpg", i+1)
		frames[i] = model.Frame{Index: i, Timestamp: float64(i), Image: model.Image{Filename: name, Data: []byte(name)}}
	}
	return frames, nil
}

// fakeProbFor returns 0.9 for images named fake*, 0.1 otherwise.
func fakeProbFor(_ context.Context, img model.Image) (float64, error) {
	if strings.HasPrefix(img.Filename, "fake") {
		return 0.9, nil
	}
	return 0.1, nil
}

func newTestAPI(t *testing.T) *api {
	t.Helper()

	c := &config.Config{
		Detection: config.DefaultDetectionConfig(),
		Image:     config.ImageConfig{MaxBytes: 1 << 20, MinDimension: 8, AllowedFormats: []string{"png", "jpeg"}},
		Video: config.VideoConfig{
			FPS: 1, MaxFrames: 10, MaxDurationSecs: 30, MaxBytes: 1 << 20,
			AllowedFormats: []string{"mp4"}, FrameConcurrency: 2,
		},
		Cache: config.CacheConfig{Enabled: true},
	}

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))

	panel, err := scorer.NewPanel(
		scorer.FuncScorer{ModelName: "siglip", Fn: fakeProbFor},
		scorer.FuncScorer{ModelName: "vit_v2", Fn: fakeProbFor},
		scorer.FuncScorer{ModelName: "vit_base", Fn: fakeProbFor},
	)
	require.NoError(t, err)

	det, err := detector.New(c, panel, st, nil, stubExtractor{})
	require.NoError(t, err)

	return &api{
		det:        det,
		collector:  monitoring.NewCollector(det, resilience.NewModelBreakers(resilience.DefaultBreakerSettings())),
		imageLimit: c.Image.MaxBytes,
		videoLimit: c.Video.MaxBytes,
		tempDir:    t.TempDir(),
	}
}

func testPNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 9), G: uint8(y * 3), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path, field, filename string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeDetection(t *testing.T, rr *httptest.ResponseRecorder) model.Detection {
	t.Helper()
	var d model.Detection
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &d))
	return d
}

func TestHealthEndpoint(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	rr := serve(h, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body struct {
		Status  string             `json:"status"`
		Models  []string           `json:"models"`
		Weights map[string]float64 `json:"weights"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, []string{"siglip", "vit_v2", "vit_base"}, body.Models)
	assert.InDelta(t, 0.4, body.Weights["siglip"], 1e-9)
}

func TestDetectEndpoint(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	rr := serve(h, multipartRequest(t, "/api/detect", "file", "fake-face.png", testPNG(t, 32)))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	d := decodeDetection(t, rr)
	assert.Equal(t, model.VerdictFake, d.Verdict)
	assert.Equal(t, "fake-face.png", d.Filename)
	assert.False(t, d.Cached)
	require.NotNil(t, d.Details.Image)
	assert.Len(t, d.Details.Image.IndividualResults, 3)

	rr = serve(h, multipartRequest(t, "/api/detect", "file", "fake-face.png", testPNG(t, 32)))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decodeDetection(t, rr).Cached)
}

func TestDetectEndpoint_Errors(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	tests := []struct {
		name   string
		req    *http.Request
		status int
		msg    string
	}{
		{
			name:   "wrong field",
			req:    multipartRequest(t, "/api/detect", "image", "a.png", testPNG(t, 16)),
			status: http.StatusBadRequest,
			msg:    `missing form field \"file\"`,
		},
		{
			name:   "not an image",
			req:    multipartRequest(t, "/api/detect", "file", "a.png", []byte("hello")),
			status: http.StatusBadRequest,
			msg:    "invalid image",
		},
		{
			name:   "too small",
			req:    multipartRequest(t, "/api/detect", "file", "a.png", testPNG(t, 4)),
			status: http.StatusBadRequest,
		},
		{
			name:   "too large",
			req:    multipartRequest(t, "/api/detect", "file", "a.png", make([]byte, 3<<20)),
			status: http.StatusRequestEntityTooLarge,
		},
		{
			name:   "not multipart",
			req:    httptest.NewRequest(http.MethodPost, "/api/detect", strings.NewReader("{}")),
			status: http.StatusBadRequest,
			msg:    "invalid multipart form",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := serve(h, tt.req)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			if tt.msg != "" {
				assert.Contains(t, rr.Body.String(), tt.msg)
			}
		})
	}
}

func TestDetectVideoEndpoint(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	rr := serve(h, multipartRequest(t, "/api/detect_video", "video", "clip.mp4", []byte("not really mp4")))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	d := decodeDetection(t, rr)
	assert.Equal(t, model.ContentTypeVideo, d.ContentType)
	assert.Equal(t, "clip.mp4", d.Filename)
	assert.Equal(t, model.VerdictReal, d.Verdict)
	assert.Equal(t, 3, d.FramesAnalyzed)
	require.NotNil(t, d.Details.VideoInfo)
	assert.Equal(t, int64(len("not really mp4")), d.Details.VideoInfo.Size)

	rr = serve(h, multipartRequest(t, "/api/detect_video", "video", "clip.mkv", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "not allowed")

	rr = serve(h, multipartRequest(t, "/api/detect_video", "file", "clip.mp4", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	rr := serve(h, multipartRequest(t, "/api/detect", "file", "fake-1.png", testPNG(t, 16)))
	require.Equal(t, http.StatusOK, rr.Code)
	fake := decodeDetection(t, rr)
	rr = serve(h, multipartRequest(t, "/api/detect", "file", "real-1.png", testPNG(t, 20)))
	require.Equal(t, http.StatusOK, rr.Code)

	var list struct {
		Detections []model.Detection `json:"detections"`
		Count      int               `json:"count"`
	}

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 2, list.Count)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/history?verdict=FAKE&limit=5", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, fake.ID, list.Detections[0].ID)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/history?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/search?q=real", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/search?q=nomatch", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"detections":[]`)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/search", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/statistics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var stats struct {
		Total    int     `json:"total"`
		Images   int     `json:"images"`
		FakeRate float64 `json:"fake_rate"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Images)
	assert.InDelta(t, 0.5, stats.FakeRate, 1e-9)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/detections/"+fake.ID, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "fake-1.png", decodeDetection(t, rr).Filename)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/detections/"+fake.ID+"/similar?distance=64", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var similar struct {
		Matches []detector.SimilarDetection `json:"matches"`
		Count   int                         `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &similar))
	require.Equal(t, 1, similar.Count)
	assert.Equal(t, "real-1.png", similar.Matches[0].Detection.Filename)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/detections/"+fake.ID+"/similar?distance=x", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodDelete, "/api/detections/"+fake.FileHash, nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"deleted":1}`, rr.Body.String())

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/detections/"+fake.ID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodDelete, "/api/detections/"+fake.FileHash, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := buildRouter(newTestAPI(t), nil)

	rr := serve(h, multipartRequest(t, "/api/detect", "file", "fake-1.png", testPNG(t, 16)))
	require.Equal(t, http.StatusOK, rr.Code)

	rr = serve(h, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.Detections)
	assert.Equal(t, 1, snap.FakeDetections)
	assert.InDelta(t, 1.0, snap.FakeRate, 1e-9)
	assert.False(t, snap.CollectedAt.IsZero())
}

func TestCORSPreflight(t *testing.T) {
	h := buildRouter(newTestAPI(t), []string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/detect", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := serve(h, req)

	assert.Equal(t, "https://app.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid image", eris.Wrap(imageinfo.ErrInvalidImage, "too small"), http.StatusBadRequest},
		{"invalid video", eris.Wrap(video.ErrInvalidVideo, "too long"), http.StatusBadRequest},
		{"invalid input", eris.Wrap(ensemble.ErrInvalidInput, "weights"), http.StatusUnprocessableEntity},
		{"inconsistent models", eris.Wrap(aggregator.ErrInconsistentModelSet, "frame 2"), http.StatusUnprocessableEntity},
		{"no frames", eris.Wrap(video.ErrNoFrames, "detector: extract frames"), http.StatusInternalServerError},
		{"circuit open", eris.Wrap(resilience.ErrCircuitOpen, "detector: score image"), http.StatusServiceUnavailable},
		{"not found", store.ErrNotFound, http.StatusNotFound},
		{"no store", detector.ErrNoStore, http.StatusInternalServerError},
		{"no perceptual hash", eris.Wrap(detector.ErrNoPerceptualHash, "detection x"), http.StatusUnprocessableEntity},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, errorStatus(tt.err))
		})
	}
}
