package bo

import (
	"math"
	"math/rand/v2"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Helper functions.
//////

// normalCDF is the cumulative distribution function of the standard normal
// distribution, used by PI and EI.
func normalCDF(x float64) float64 {
	return distuv.UnitNormal.CDF(x)
}

// normalPDF is the probability density function of the standard normal
// distribution, used by EI.
func normalPDF(x float64) float64 {
	return distuv.UnitNormal.Prob(x)
}

// clamp limits v to [lo, hi].
func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// logistic maps the real line onto (0, 1).
func logistic(u float64) float64 {
	if u >= 0 {
		return 1 / (1 + math.Exp(-u))
	}

	e := math.Exp(u)

	return e / (1 + e)
}

// logit is the inverse of logistic. s is clamped away from 0 and 1.
func logit(s float64) float64 {
	s = clamp(s, 1e-9, 1-1e-9)

	return math.Log(s / (1 - s))
}

// isFinite reports whether v is neither NaN nor ±Inf.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// cloneVector returns an independent copy of x.
func cloneVector(x []float64) []float64 {
	if x == nil {
		return nil
	}

	out := make([]float64, len(x))
	copy(out, x)

	return out
}

// minDistance returns the smallest Euclidean distance between x and any of
// the points, or +Inf when there are none.
func minDistance(x []float64, points [][]float64) float64 {
	best := math.Inf(1)

	for _, p := range points {
		if d := floats.Distance(x, p, 2); d < best {
			best = d
		}
	}

	return best
}

// newRand returns a PCG-backed generator. Each stream gets its own sequence
// number so restarts and searches derived from one seed stay independent.
func newRand(seed, stream uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, stream))
}
