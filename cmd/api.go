package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/deepfake-detector/internal/aggregator"
	"github.com/sells-group/deepfake-detector/internal/detector"
	"github.com/sells-group/deepfake-detector/internal/ensemble"
	"github.com/sells-group/deepfake-detector/internal/imageinfo"
	"github.com/sells-group/deepfake-detector/internal/model"
	"github.com/sells-group/deepfake-detector/internal/monitoring"
	"github.com/sells-group/deepfake-detector/internal/resilience"
	"github.com/sells-group/deepfake-detector/internal/store"
	"github.com/sells-group/deepfake-detector/internal/video"
)

// multipartOverhead is added to upload limits for form boundaries and headers.
const multipartOverhead = 1 << 20

// api serves the detection endpoints.
type api struct {
	det        *detector.Detector
	collector  *monitoring.Collector
	imageLimit int64
	videoLimit int64
	tempDir    string
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, imageinfo.ErrInvalidImage), errors.Is(err, video.ErrInvalidVideo):
		return http.StatusBadRequest
	case errors.Is(err, ensemble.ErrInvalidInput),
		errors.Is(err, aggregator.ErrInconsistentModelSet),
		errors.Is(err, aggregator.ErrEmptyInput),
		errors.Is(err, detector.ErrNoPerceptualHash):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		zap.L().Error("api: request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"models":  a.det.Models(),
		"weights": a.det.Weights(),
	})
}

// readUpload returns the named multipart file, bounded by limit.
func readUpload(w http.ResponseWriter, r *http.Request, field string, limit int64) (io.ReadCloser, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", err
	}
	f, hdr, err := r.FormFile(field)
	if err != nil {
		return nil, "", err
	}
	return f, hdr.Filename, nil
}

func (a *api) detectImage(w http.ResponseWriter, r *http.Request) {
	f, filename, err := readUpload(w, r, "file", a.imageLimit)
	if err != nil {
		a.uploadError(w, err, "file")
		return
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	d, err := a.det.DetectImage(r.Context(), filename, data)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) detectVideo(w http.ResponseWriter, r *http.Request) {
	f, filename, err := readUpload(w, r, "video", a.videoLimit)
	if err != nil {
		a.uploadError(w, err, "video")
		return
	}
	defer f.Close() //nolint:errcheck

	tmp, err := os.CreateTemp(a.tempDir, "upload-*"+filepath.Ext(filename))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	_, err = io.Copy(tmp, f)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		a.fail(w, r, err)
		return
	}

	d, err := a.det.DetectVideo(r.Context(), filename, tmp.Name())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) uploadError(w http.ResponseWriter, err error, field string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
	case errors.Is(err, http.ErrMissingFile):
		writeError(w, http.StatusBadRequest, "missing form field "+strconv.Quote(field))
	default:
		writeError(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
	}
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + name + " parameter")
	}
	return n, nil
}

func (a *api) history(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	q := r.URL.Query()
	list, err := a.det.History(r.Context(), store.DetectionFilter{
		ContentType: model.ContentType(q.Get("content_type")),
		Verdict:     model.Verdict(q.Get("verdict")),
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": nonNil(list), "count": len(list)})
}

func (a *api) statistics(w http.ResponseWriter, r *http.Request) {
	st, err := a.det.Stats(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":          st.Total,
		"images":         st.Images,
		"videos":         st.Videos,
		"by_verdict":     st.ByVerdict,
		"avg_confidence": st.AvgConfidence,
		"fake_rate":      st.FakeRate(),
	})
}

func (a *api) search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing q parameter")
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	list, err := a.det.Search(r.Context(), q, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": nonNil(list), "count": len(list)})
}

func (a *api) getDetection(w http.ResponseWriter, r *http.Request) {
	d, err := a.det.Get(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *api) similarDetections(w http.ResponseWriter, r *http.Request) {
	distance, err := queryInt(r, "distance", detector.DefaultSimilarDistance)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	matches, err := a.det.Similar(r.Context(), chi.URLParam(r, "ref"), distance)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if matches == nil {
		matches = []detector.SimilarDetection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (a *api) deleteDetection(w http.ResponseWriter, r *http.Request) {
	n, err := a.det.Delete(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (a *api) metrics(w http.ResponseWriter, r *http.Request) {
	snap, err := a.collector.Collect(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func nonNil(list []model.Detection) []model.Detection {
	if list == nil {
		return []model.Detection{}
	}
	return list
}
