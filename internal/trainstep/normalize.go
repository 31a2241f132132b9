package trainstep

import (
	"gonum.org/v1/gonum/mat"

	"asklepios/internal/model"
)

// Normalizer maps raw feature values to zero-centered, range-scaled
// inputs using the per-feature statistics gathered during preflight.
type Normalizer struct {
	stats      []model.FeatureStats
	degenerate []int
}

func NewNormalizer(stats []model.FeatureStats) *Normalizer {
	n := &Normalizer{stats: append([]model.FeatureStats(nil), stats...)}
	for i, s := range stats {
		if s.Max == s.Min {
			n.degenerate = append(n.degenerate, i)
		}
	}
	return n
}

// Degenerate lists features whose observed range collapsed to a single
// value. Such features normalize to 0 for every sample; callers report
// them as diagnostics, never as failures.
func (n *Normalizer) Degenerate() []int {
	return append([]int(nil), n.degenerate...)
}

func (n *Normalizer) value(feature int, v float64) float64 {
	if feature >= len(n.stats) {
		return v
	}
	s := n.stats[feature]
	if s.Max == s.Min {
		return 0
	}
	return (v - s.Mean()) / (s.Max - s.Min)
}

// Matrix normalizes one patient's samples into a dense
// (sequenceLength x featureCount) input matrix.
func (n *Normalizer) Matrix(samples [][]float64) *mat.Dense {
	if len(samples) == 0 {
		return nil
	}
	cols := len(samples[0])
	out := mat.NewDense(len(samples), cols, nil)
	for t, row := range samples {
		for f, v := range row {
			out.Set(t, f, n.value(f, v))
		}
	}
	return out
}
