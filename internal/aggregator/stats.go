package aggregator

import (
	"math"
	"slices"

	"github.com/sells-group/deepfake-detector/internal/model"
)

// Statistics summarises per-frame confidence and fake probability. It returns
// nil for an empty frame list.
func Statistics(frames []model.FrameResult) *model.FrameStatistics {
	if len(frames) == 0 {
		return nil
	}
	conf := make([]float64, len(frames))
	fake := make([]float64, len(frames))
	for i, f := range frames {
		conf[i] = f.Confidence
		fake[i] = f.FakeProbability
	}
	return &model.FrameStatistics{
		Confidence:      describe(conf),
		FakeProbability: describe(fake),
	}
}

func describe(xs []float64) model.SeriesStats {
	sorted := slices.Clone(xs)
	slices.Sort(sorted)

	sd := 0.0
	if len(xs) > 1 {
		sd = sampleStdDev(xs)
	}
	return model.SeriesStats{
		Mean:   mean(xs),
		Median: median(sorted),
		StdDev: sd,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
	}
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// median expects xs sorted ascending.
func median(xs []float64) float64 {
	n := len(xs)
	if n%2 == 1 {
		return xs[n/2]
	}
	return (xs[n/2-1] + xs[n/2]) / 2
}

// sampleStdDev uses the n-1 denominator. Callers guarantee len(xs) >= 2.
func sampleStdDev(xs []float64) float64 {
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}
