package model

// Image is an encoded image submitted for classification.
type Image struct {
	Filename string `json:"filename"`
	MIMEType string `json:"mime_type"`
	Data     []byte `json:"-"`
}

// Frame is one image sampled from a video.
type Frame struct {
	Index     int     `json:"index"`
	Timestamp float64 `json:"timestamp"` // seconds from start of video
	Image     Image   `json:"image"`
}

// ImageInfo describes a validated image upload.
type ImageInfo struct {
	Format         string            `json:"format"`
	Width          int               `json:"width"`
	Height         int               `json:"height"`
	Size           int64             `json:"size"`
	SHA256         string            `json:"sha256"`
	PerceptualHash string            `json:"perceptual_hash,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	GeneratorHint  string            `json:"generator_hint,omitempty"`
}

// VideoInfo describes a probed video file.
type VideoInfo struct {
	Duration   float64 `json:"duration"`
	FPS        float64 `json:"fps"`
	FrameCount int     `json:"frame_count"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Codec      string  `json:"codec,omitempty"`
	Size       int64   `json:"size"`
}
