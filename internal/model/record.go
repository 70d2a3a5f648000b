package model

import "time"

// ContentType distinguishes image detections from video detections.
type ContentType string

const (
	ContentTypeImage ContentType = "image"
	ContentTypeVideo ContentType = "video"
)

// Detection is a persisted detection outcome for one uploaded file.
type Detection struct {
	ID               string          `json:"id"`
	FileHash         string          `json:"file_hash"`
	Filename         string          `json:"filename"`
	ContentType      ContentType     `json:"content_type"`
	Verdict          Verdict         `json:"verdict"`
	Confidence       float64         `json:"confidence"`
	FakeProbability  float64         `json:"fake_probability"`
	RealProbability  float64         `json:"real_probability"`
	AgreementLevel   AgreementLevel  `json:"agreement_level"`
	FramesAnalyzed   int             `json:"frames_analyzed,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Details          DetectionDetail `json:"details"`
	Cached           bool            `json:"cached"`
	CreatedAt        time.Time       `json:"created_at"`
}

// DetectionDetail holds the full result payload stored with a detection.
type DetectionDetail struct {
	Image     *EnsembleResult `json:"image,omitempty"`
	Video     *VideoResult    `json:"video,omitempty"`
	ImageInfo *ImageInfo      `json:"image_info,omitempty"`
	VideoInfo *VideoInfo      `json:"video_info,omitempty"`
}

// DetectionStats aggregates the detection history.
type DetectionStats struct {
	Total         int             `json:"total"`
	Images        int             `json:"images"`
	Videos        int             `json:"videos"`
	ByVerdict     map[Verdict]int `json:"by_verdict"`
	AvgConfidence float64         `json:"avg_confidence"`
}

// FakeRate returns the share of detections with a FAKE verdict.
func (s DetectionStats) FakeRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.ByVerdict[VerdictFake]) / float64(s.Total)
}

// NewDetectionFromImage builds a Detection record for an image result.
func NewDetectionFromImage(filename string, info *ImageInfo, res *EnsembleResult) *Detection {
	d := &Detection{
		Filename:        filename,
		ContentType:     ContentTypeImage,
		Verdict:         res.Verdict,
		Confidence:      res.Confidence,
		FakeProbability: res.FakeProbability,
		RealProbability: res.RealProbability,
		AgreementLevel:  res.AgreementLevel,
		Details:         DetectionDetail{Image: res, ImageInfo: info},
	}
	if info != nil {
		d.FileHash = info.SHA256
	}
	return d
}

// NewDetectionFromVideo builds a Detection record for a video result.
func NewDetectionFromVideo(filename, fileHash string, info *VideoInfo, res *VideoResult) *Detection {
	return &Detection{
		FileHash:        fileHash,
		Filename:        filename,
		ContentType:     ContentTypeVideo,
		Verdict:         res.Verdict,
		Confidence:      res.Confidence,
		FakeProbability: res.FakeProbability,
		RealProbability: res.RealProbability,
		AgreementLevel:  res.AgreementLevel,
		FramesAnalyzed:  len(res.FrameResults),
		Details:         DetectionDetail{Video: res, VideoInfo: info},
	}
}
