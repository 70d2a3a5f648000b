// Package aggregator folds per-frame ensemble verdicts into a single video
// verdict with a confidence timeline, suspicious frames and a per-model
// breakdown.
package aggregator

import (
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

var (
	// ErrEmptyInput is returned when there are no frames to aggregate.
	ErrEmptyInput = eris.New("aggregator: no frame results")
	// ErrInconsistentModelSet is returned when frames were scored by different models.
	ErrInconsistentModelSet = eris.New("aggregator: inconsistent model set across frames")
	// ErrInvalidConfig is returned by New for misordered thresholds.
	ErrInvalidConfig = eris.New("aggregator: invalid thresholds")
)

// Aggregator combines frame results. It is stateless apart from its
// configuration and safe for concurrent use.
type Aggregator struct {
	cfg config.DetectionConfig
}

// New checks the thresholds in cfg and returns an Aggregator using them.
func New(cfg config.DetectionConfig) (*Aggregator, error) {
	if err := cfg.CheckThresholds(); err != nil {
		return nil, eris.Wrap(ErrInvalidConfig, err.Error())
	}
	return &Aggregator{cfg: cfg}, nil
}

// modelTally accumulates one model's results across frames.
type modelTally struct {
	confidenceSum float64
	fakeFrames    int
	realFrames    int
}

// Aggregate combines frames, given in ascending frame order, into a VideoResult.
func (a *Aggregator) Aggregate(frames []model.FrameResult) (*model.VideoResult, error) {
	n := len(frames)
	if n == 0 {
		return nil, ErrEmptyInput
	}

	order, tallies, err := a.tallyModels(frames)
	if err != nil {
		return nil, err
	}

	var fakeSum, realSum float64
	probs := make([]float64, n)
	timeline := make([]float64, n)
	suspicious := make([]int, 0)
	var analysis model.VideoAnalysis

	for i, f := range frames {
		fakeSum += f.FakeProbability
		realSum += f.RealProbability
		probs[i] = f.FakeProbability
		timeline[i] = f.Confidence

		if f.FakeProbability >= a.cfg.SuspiciousFrameThreshold {
			suspicious = append(suspicious, f.FrameIndex)
		}

		switch f.Verdict {
		case model.VerdictFake:
			analysis.FakeFrames++
		case model.VerdictReal:
			analysis.RealFrames++
		case model.VerdictUncertain:
			analysis.UncertainFrames++
		}
	}

	avgFake := fakeSum / float64(n)
	avgReal := realSum / float64(n)
	analysis.TotalFrames = n
	analysis.FakeFrameRatio = float64(analysis.FakeFrames) / float64(n)

	verdict, confidence := a.classify(avgFake, avgReal)

	breakdown := make([]model.ModelBreakdown, 0, len(order))
	for _, name := range order {
		t := tallies[name]
		breakdown = append(breakdown, model.ModelBreakdown{
			ModelName:     name,
			AvgConfidence: t.confidenceSum / float64(n),
			FakeFrames:    t.fakeFrames,
			RealFrames:    t.realFrames,
			Prediction:    a.ratioVerdict(float64(t.fakeFrames) / float64(n)),
		})
	}

	out := make([]model.FrameResult, n)
	copy(out, frames)

	return &model.VideoResult{
		Verdict:            verdict,
		Confidence:         confidence,
		FakeProbability:    avgFake,
		RealProbability:    avgReal,
		Analysis:           analysis,
		AgreementLevel:     a.frameAgreement(probs),
		ConfidenceTimeline: timeline,
		SuspiciousFrames:   suspicious,
		ModelBreakdown:     breakdown,
		FrameResults:       out,
		Statistics:         Statistics(frames),
	}, nil
}

// tallyModels fixes the model set from the first frame and accumulates each
// model's results in a map keyed by model name.
func (a *Aggregator) tallyModels(frames []model.FrameResult) ([]string, map[string]*modelTally, error) {
	first := frames[0].IndividualResults
	order := make([]string, 0, len(first))
	tallies := make(map[string]*modelTally, len(first))
	for _, r := range first {
		if _, dup := tallies[r.ModelName]; dup {
			return nil, nil, eris.Wrapf(ErrInconsistentModelSet, "frame %d lists model %q twice", frames[0].FrameIndex, r.ModelName)
		}
		order = append(order, r.ModelName)
		tallies[r.ModelName] = &modelTally{}
	}

	for _, f := range frames {
		if len(f.IndividualResults) != len(order) {
			return nil, nil, eris.Wrapf(ErrInconsistentModelSet, "frame %d has %d model results, want %d",
				f.FrameIndex, len(f.IndividualResults), len(order))
		}
		seen := make(map[string]bool, len(order))
		for _, r := range f.IndividualResults {
			t, ok := tallies[r.ModelName]
			if !ok || seen[r.ModelName] {
				return nil, nil, eris.Wrapf(ErrInconsistentModelSet, "frame %d has unexpected model %q",
					f.FrameIndex, r.ModelName)
			}
			seen[r.ModelName] = true

			t.confidenceSum += r.Confidence
			switch r.Prediction {
			case model.PredictionFake:
				t.fakeFrames++
			case model.PredictionReal:
				t.realFrames++
			}
		}
	}
	return order, tallies, nil
}

// classify mirrors the image thresholds but scales UNCERTAIN confidence by
// the distance of the average from 0.5.
func (a *Aggregator) classify(avgFake, avgReal float64) (model.Verdict, float64) {
	switch {
	case avgFake > a.cfg.FakeThreshold:
		return model.VerdictFake, avgFake * 100
	case avgFake < a.cfg.RealThreshold:
		return model.VerdictReal, avgReal * 100
	default:
		return model.VerdictUncertain, 50 + math.Abs(avgFake-0.5)*100
	}
}

func (a *Aggregator) ratioVerdict(fakeRatio float64) model.Verdict {
	switch {
	case fakeRatio > a.cfg.FakeThreshold:
		return model.VerdictFake
	case fakeRatio < a.cfg.RealThreshold:
		return model.VerdictReal
	default:
		return model.VerdictUncertain
	}
}

// frameAgreement bands the sample standard deviation of per-frame fake
// probabilities. A single frame is trivially HIGH; a non-finite spread
// falls back to MEDIUM.
func (a *Aggregator) frameAgreement(probs []float64) model.AgreementLevel {
	if len(probs) < 2 {
		return model.AgreementHigh
	}
	sd := sampleStdDev(probs)
	switch {
	case math.IsNaN(sd) || math.IsInf(sd, 0):
		return model.AgreementMedium
	case sd < a.cfg.HighAgreementStdDev:
		return model.AgreementHigh
	case sd < a.cfg.MediumAgreementStdDev:
		return model.AgreementMedium
	default:
		return model.AgreementLow
	}
}
