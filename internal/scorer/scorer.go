// Package scorer runs individual deepfake detection models against an image.
package scorer

import (
	"context"
	"math"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// Scorer classifies one image with one model.
type Scorer interface {
	// Name returns the model name used for weighting.
	Name() string
	// Score returns the model's classification of img.
	Score(ctx context.Context, img model.Image) (*model.ModelResult, error)
}

// NewModelResult builds a ModelResult from a fake probability. The
// probability is clamped to [0, 1] and the real probability is its complement.
func NewModelResult(name string, fakeProb float64) *model.ModelResult {
	if math.IsNaN(fakeProb) {
		fakeProb = 0.5
	}
	fakeProb = math.Max(0, math.Min(1, fakeProb))
	realProb := 1 - fakeProb

	r := &model.ModelResult{
		ModelName:       name,
		FakeProbability: fakeProb,
		RealProbability: realProb,
	}
	if fakeProb > realProb {
		r.Prediction = model.PredictionFake
		r.Confidence = fakeProb * 100
	} else {
		r.Prediction = model.PredictionReal
		r.Confidence = realProb * 100
	}
	return r
}

// FuncScorer adapts a function returning a fake probability to a Scorer.
type FuncScorer struct {
	ModelName string
	Fn        func(ctx context.Context, img model.Image) (float64, error)
}

// Name implements Scorer.
func (f FuncScorer) Name() string { return f.ModelName }

// Score implements Scorer.
func (f FuncScorer) Score(ctx context.Context, img model.Image) (*model.ModelResult, error) {
	p, err := f.Fn(ctx, img)
	if err != nil {
		return nil, err
	}
	return NewModelResult(f.ModelName, p), nil
}

// Static returns a FuncScorer that always reports fakeProb.
func Static(name string, fakeProb float64) FuncScorer {
	return FuncScorer{
		ModelName: name,
		Fn: func(context.Context, model.Image) (float64, error) {
			return fakeProb, nil
		},
	}
}
