// Package ensemble combines per-model classifier outputs into a single
// image-level verdict.
package ensemble

import (
	"fmt"
	"maps"
	"math"

	"github.com/rotisserie/eris"

	"github.com/sells-group/deepfake-detector/internal/config"
	"github.com/sells-group/deepfake-detector/internal/model"
)

// MinModels is the smallest ensemble the voter accepts.
const MinModels = 3

const weightSumTolerance = 1e-6

// ErrInvalidInput is returned for malformed weights, thresholds or model results.
var ErrInvalidInput = eris.New("ensemble: invalid input")

// Voter computes weighted ensemble verdicts. It holds no mutable state and is
// safe for concurrent use.
type Voter struct {
	cfg     config.DetectionConfig
	weights map[string]float64
}

// NewVoter validates the weights and thresholds in cfg and returns a Voter
// bound to them.
func NewVoter(cfg config.DetectionConfig) (*Voter, error) {
	if err := ValidateWeights(cfg.Weights); err != nil {
		return nil, err
	}
	if err := cfg.CheckThresholds(); err != nil {
		return nil, eris.Wrap(ErrInvalidInput, err.Error())
	}

	weights := maps.Clone(cfg.Weights)
	cfg.Weights = weights

	return &Voter{cfg: cfg, weights: weights}, nil
}

// ValidateWeights checks that there are at least MinModels non-negative
// weights summing to 1.
func ValidateWeights(weights map[string]float64) error {
	if len(weights) < MinModels {
		return eris.Wrapf(ErrInvalidInput, "need at least %d weights, got %d", MinModels, len(weights))
	}

	var sum float64
	for name, w := range weights {
		if w < 0 || math.IsNaN(w) {
			return eris.Wrapf(ErrInvalidInput, "weight for %s is %v", name, w)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return eris.Wrapf(ErrInvalidInput, "weights sum to %v, want 1.0", sum)
	}
	return nil
}

// Weights returns a copy of the weights the voter applies.
func (v *Voter) Weights() map[string]float64 {
	return maps.Clone(v.weights)
}

// Vote combines one result per weighted model into an EnsembleResult.
// Results keep their input order in IndividualResults.
func (v *Voter) Vote(results []model.ModelResult) (*model.EnsembleResult, error) {
	if len(results) < MinModels {
		return nil, eris.Wrapf(ErrInvalidInput, "need at least %d model results, got %d", MinModels, len(results))
	}
	if len(results) != len(v.weights) {
		return nil, eris.Wrapf(ErrInvalidInput, "got %d model results for %d weighted models", len(results), len(v.weights))
	}

	seen := make(map[string]bool, len(results))
	probs := make([]float64, len(results))
	var pFake float64
	for i, r := range results {
		w, ok := v.weights[r.ModelName]
		if !ok {
			return nil, eris.Wrapf(ErrInvalidInput, "no weight for model %q", r.ModelName)
		}
		if seen[r.ModelName] {
			return nil, eris.Wrapf(ErrInvalidInput, "duplicate result for model %q", r.ModelName)
		}
		seen[r.ModelName] = true

		probs[i] = r.FakeProbability
		pFake += w * r.FakeProbability
	}

	verdict, confidence := v.classify(pFake)
	sd := populationStdDev(probs)
	agreement := v.agreement(sd)
	uncertain := sd > v.cfg.DisagreementStdDev

	individual := make([]model.ModelResult, len(results))
	copy(individual, results)

	return &model.EnsembleResult{
		Verdict:           verdict,
		Confidence:        confidence,
		FakeProbability:   pFake,
		RealProbability:   1 - pFake,
		IndividualResults: individual,
		AgreementLevel:    agreement,
		IsUncertain:       uncertain,
		Recommendation:    v.recommend(verdict, confidence, agreement, uncertain),
		WeightsUsed:       maps.Clone(v.weights),
	}, nil
}

func (v *Voter) classify(pFake float64) (model.Verdict, float64) {
	switch {
	case pFake > v.cfg.FakeThreshold:
		return model.VerdictFake, pFake * 100
	case pFake < v.cfg.RealThreshold:
		return model.VerdictReal, (1 - pFake) * 100
	default:
		return model.VerdictUncertain, 50.0
	}
}

func (v *Voter) agreement(sd float64) model.AgreementLevel {
	switch {
	case sd < v.cfg.HighAgreementStdDev:
		return model.AgreementHigh
	case sd < v.cfg.MediumAgreementStdDev:
		return model.AgreementMedium
	default:
		return model.AgreementLow
	}
}

// recommend applies the first matching rule. A HIGH agreement result at or
// below the confidence cutoff skips to the disagreement rule and then to the
// default.
func (v *Voter) recommend(verdict model.Verdict, confidence float64, agreement model.AgreementLevel, uncertain bool) string {
	switch {
	case agreement == model.AgreementHigh && confidence > v.cfg.HighConfidence:
		return fmt.Sprintf("high confidence %s", verdict)
	case agreement == model.AgreementMedium:
		return fmt.Sprintf("moderate confidence, %s with uncertainty", verdict)
	case uncertain || agreement == model.AgreementLow:
		return "models disagree, manual review recommended"
	default:
		return fmt.Sprintf("%s detected", verdict)
	}
}

// populationStdDev divides by n, matching the spread of a fixed model set.
func populationStdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}
