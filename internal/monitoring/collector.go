package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// MetricsSnapshot holds a point-in-time view of detection activity and model health.
type MetricsSnapshot struct {
	// Detection history.
	Detections          int     `json:"detections"`
	Images              int     `json:"images"`
	Videos              int     `json:"videos"`
	FakeDetections      int     `json:"fake_detections"`
	RealDetections      int     `json:"real_detections"`
	UncertainDetections int     `json:"uncertain_detections"`
	FakeRate            float64 `json:"fake_rate"`
	AvgConfidence       float64 `json:"avg_confidence"`

	// Inference service circuit breakers, keyed by model name.
	Breakers     map[string]string `json:"breakers"`
	OpenBreakers int               `json:"open_breakers"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatsSource provides the detection history summary.
type StatsSource interface {
	Stats(ctx context.Context) (*model.DetectionStats, error)
}

// BreakerStates reports circuit breaker states by model name.
type BreakerStates interface {
	States() map[string]string
}

// Collector gathers metrics from the detection history and the breakers.
type Collector struct {
	stats    StatsSource
	breakers BreakerStates
}

// NewCollector creates a new metrics collector. breakers may be nil.
func NewCollector(stats StatsSource, breakers BreakerStates) *Collector {
	return &Collector{stats: stats, breakers: breakers}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		Breakers:    map[string]string{},
		CollectedAt: time.Now().UTC(),
	}

	st, err := c.stats.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: detection stats")
	}
	snap.Detections = st.Total
	snap.Images = st.Images
	snap.Videos = st.Videos
	snap.FakeDetections = st.ByVerdict[model.VerdictFake]
	snap.RealDetections = st.ByVerdict[model.VerdictReal]
	snap.UncertainDetections = st.ByVerdict[model.VerdictUncertain]
	snap.FakeRate = st.FakeRate()
	snap.AvgConfidence = st.AvgConfidence

	if c.breakers != nil {
		for name, state := range c.breakers.States() {
			snap.Breakers[name] = state
			if state == "open" {
				snap.OpenBreakers++
			}
		}
	}

	return snap, nil
}
