package bo

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/samplemv"
)

// LatinHypercube returns n points over domain such that, along every
// dimension, each of the n equal-width strata holds exactly one point.
func LatinHypercube(domain Domain, n int, rng *rand.Rand) [][]float64 {
	dim := domain.Dim()
	if n <= 0 || dim == 0 {
		return nil
	}

	batch := mat.NewDense(n, dim, nil)

	samplemv.LatinHypercube{
		Q:   distmv.NewUnitUniform(dim, rng),
		Src: rng,
	}.Sample(batch)

	points := make([][]float64, n)
	for i := range points {
		points[i] = domain.fromUnit(batch.RawRowView(i))
	}

	return points
}

// UniformRandom returns n points drawn uniformly over domain.
func UniformRandom(domain Domain, n int, rng *rand.Rand) [][]float64 {
	if n <= 0 {
		return nil
	}

	points := make([][]float64, n)
	u := make([]float64, domain.Dim())

	for i := range points {
		for d := range u {
			u[d] = rng.Float64()
		}

		points[i] = domain.fromUnit(u)
	}

	return points
}

// InitialDesign generates the warmup points for kind.
func InitialDesign(domain Domain, n int, kind InitType, rng *rand.Rand) [][]float64 {
	if kind == InitRandom {
		return UniformRandom(domain, n, rng)
	}

	return LatinHypercube(domain, n, rng)
}
