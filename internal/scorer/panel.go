package scorer

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// Panel runs a fixed set of scorers concurrently over the same image.
type Panel struct {
	scorers []Scorer
}

// NewPanel returns a panel over scorers. Model names must be unique.
func NewPanel(scorers ...Scorer) (*Panel, error) {
	if len(scorers) == 0 {
		return nil, eris.New("scorer: panel needs at least one scorer")
	}
	seen := make(map[string]bool, len(scorers))
	for _, s := range scorers {
		if seen[s.Name()] {
			return nil, eris.Errorf("scorer: duplicate model %q", s.Name())
		}
		seen[s.Name()] = true
	}
	return &Panel{scorers: scorers}, nil
}

// Names returns the model names in panel order.
func (p *Panel) Names() []string {
	out := make([]string, len(p.scorers))
	for i, s := range p.scorers {
		out[i] = s.Name()
	}
	return out
}

// Score runs every scorer and returns results in panel order. Any model
// failure fails the whole call.
func (p *Panel) Score(ctx context.Context, img model.Image) ([]model.ModelResult, error) {
	results := make([]model.ModelResult, len(p.scorers))

	g, gctx := errgroup.WithContext(ctx)
	for i, s := range p.scorers {
		g.Go(func() error {
			start := time.Now()
			r, err := s.Score(gctx, img)
			if err != nil {
				return eris.Wrapf(err, "scorer: %s", s.Name())
			}
			if r == nil {
				return eris.Errorf("scorer: %s returned no result", s.Name())
			}
			r.ModelName = s.Name()
			results[i] = *r

			zap.L().Debug("scorer: model scored",
				zap.String("model", s.Name()),
				zap.String("prediction", string(r.Prediction)),
				zap.Float64("fake_probability", r.FakeProbability),
				zap.Duration("elapsed", time.Since(start)),
			)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
