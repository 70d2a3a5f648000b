// Package store persists detection history.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// ErrNotFound is returned when a detection lookup matches nothing.
var ErrNotFound = eris.New("store: detection not found")

// DetectionFilter specifies criteria for listing detections.
type DetectionFilter struct {
	ContentType model.ContentType `json:"content_type,omitempty"`
	Verdict     model.Verdict     `json:"verdict,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Offset      int               `json:"offset,omitempty"`
}

// Store defines the persistence interface for detection history.
type Store interface {
	// SaveDetection inserts d, or replaces the earlier detection of the same
	// file hash and content type, together with its per-frame rows. The row
	// and its frames commit in one transaction. d.ID and d.CreatedAt are set
	// on return.
	SaveDetection(ctx context.Context, d *model.Detection, frames []model.FrameResult) error
	GetDetection(ctx context.Context, id string) (*model.Detection, error)
	GetDetectionByHash(ctx context.Context, fileHash string, contentType model.ContentType) (*model.Detection, error)
	ListDetections(ctx context.Context, filter DetectionFilter) ([]model.Detection, error)
	// SearchDetections matches filename substrings and file hash prefixes.
	SearchDetections(ctx context.Context, query string, limit int) ([]model.Detection, error)
	// DeleteDetection removes every detection of fileHash and returns how many were removed.
	DeleteDetection(ctx context.Context, fileHash string) (int, error)
	Stats(ctx context.Context) (*model.DetectionStats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100

func listLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	return n
}

// frameColumns is the column order of detection_frames rows.
var frameColumns = []string{
	"detection_id", "frame_index", "verdict", "confidence",
	"fake_probability", "agreement_level", "is_uncertain",
}

func frameRows(detectionID string, frames []model.FrameResult) [][]any {
	rows := make([][]any, 0, len(frames))
	for _, f := range frames {
		rows = append(rows, []any{
			detectionID, f.FrameIndex, string(f.Verdict), f.Confidence,
			f.FakeProbability, string(f.AgreementLevel), f.IsUncertain,
		})
	}
	return rows
}

type statsRow struct {
	contentType   model.ContentType
	verdict       model.Verdict
	count         int
	sumConfidence float64
}

func buildStats(rows []statsRow) *model.DetectionStats {
	st := &model.DetectionStats{ByVerdict: make(map[model.Verdict]int)}
	var sum float64
	for _, r := range rows {
		st.Total += r.count
		st.ByVerdict[r.verdict] += r.count
		sum += r.sumConfidence
		switch r.contentType {
		case model.ContentTypeImage:
			st.Images += r.count
		case model.ContentTypeVideo:
			st.Videos += r.count
		}
	}
	if st.Total > 0 {
		st.AvgConfidence = sum / float64(st.Total)
	}
	return st
}
