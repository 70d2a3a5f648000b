package model

// Prediction is a single classifier's binary call.
type Prediction string

const (
	PredictionReal Prediction = "REAL"
	PredictionFake Prediction = "FAKE"
)

// Verdict is the outcome of combining classifier outputs.
type Verdict string

const (
	VerdictReal      Verdict = "REAL"
	VerdictFake      Verdict = "FAKE"
	VerdictUncertain Verdict = "UNCERTAIN"
)

// AgreementLevel buckets how closely the inputs to a vote agree.
type AgreementLevel string

const (
	AgreementHigh   AgreementLevel = "HIGH"
	AgreementMedium AgreementLevel = "MEDIUM"
	AgreementLow    AgreementLevel = "LOW"
)

// ModelResult is the output of one classifier for one image.
type ModelResult struct {
	ModelName       string     `json:"model_name"`
	Prediction      Prediction `json:"prediction"`
	Confidence      float64    `json:"confidence"` // 0-100, confidence in Prediction
	FakeProbability float64    `json:"fake_probability"`
	RealProbability float64    `json:"real_probability"`
}

// EnsembleResult is the combined verdict for a single image.
type EnsembleResult struct {
	Verdict           Verdict            `json:"verdict"`
	Confidence        float64            `json:"confidence"`
	FakeProbability   float64            `json:"fake_probability"`
	RealProbability   float64            `json:"real_probability"`
	IndividualResults []ModelResult      `json:"individual_results"`
	AgreementLevel    AgreementLevel     `json:"agreement_level"`
	IsUncertain       bool               `json:"is_uncertain"`
	Recommendation    string             `json:"recommendation"`
	WeightsUsed       map[string]float64 `json:"weights_used"`
}

// FrameResult is an EnsembleResult for one sampled video frame.
type FrameResult struct {
	FrameIndex int `json:"frame_index"`
	EnsembleResult
}

// VideoAnalysis counts frames by verdict. It is reported alongside the
// probability-averaged verdict and may disagree with it.
type VideoAnalysis struct {
	TotalFrames     int     `json:"total_frames"`
	FakeFrames      int     `json:"fake_frames"`
	RealFrames      int     `json:"real_frames"`
	UncertainFrames int     `json:"uncertain_frames"`
	FakeFrameRatio  float64 `json:"fake_frame_ratio"`
}

// ModelBreakdown summarises one classifier across all frames of a video.
type ModelBreakdown struct {
	ModelName     string  `json:"model_name"`
	AvgConfidence float64 `json:"avg_confidence"`
	FakeFrames    int     `json:"fake_frames"`
	RealFrames    int     `json:"real_frames"`
	Prediction    Verdict `json:"prediction"`
}

// SeriesStats describes the distribution of one per-frame measurement.
type SeriesStats struct {
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// FrameStatistics holds descriptive statistics over a video's frames.
type FrameStatistics struct {
	Confidence      SeriesStats `json:"confidence"`
	FakeProbability SeriesStats `json:"fake_probability"`
}

// VideoResult is the combined verdict for a sequence of frames.
type VideoResult struct {
	Verdict            Verdict          `json:"verdict"`
	Confidence         float64          `json:"confidence"`
	FakeProbability    float64          `json:"fake_probability"`
	RealProbability    float64          `json:"real_probability"`
	Analysis           VideoAnalysis    `json:"analysis"`
	AgreementLevel     AgreementLevel   `json:"agreement_level"`
	ConfidenceTimeline []float64        `json:"confidence_timeline"`
	SuspiciousFrames   []int            `json:"suspicious_frames"`
	ModelBreakdown     []ModelBreakdown `json:"model_breakdown"`
	FrameResults       []FrameResult    `json:"frame_results"`
	Statistics         *FrameStatistics `json:"statistics,omitempty"`
}
