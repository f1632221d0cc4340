package bo

import (
	"fmt"
	"math"
)

//////
// Acquisition functions.
//
// Every function maps the posterior mean and variance at a point to a score.
// The searcher minimizes the score, so improvement-based functions are
// negated.
//////

// LCB is the lower confidence bound, mean - Kappa*sigma.
//
// How it works:
// - Optimistic estimate of the objective at the point
// - Points with high posterior variance get a larger bonus
// - Kappa 0 reduces it to the posterior mean (pure exploitation)
//
// Parameters:
// - mean: Posterior mean at the point
// - variance: Posterior variance at the point
// - params.Kappa: Weight on the standard deviation
//
// When to use:
// - Default for most runs
// - Short runs where Kappa can be tuned by hand
//
// Example:
//
//	params := AcquisitionParams{
//	    Kappa: 2.0,
//	}
//	score := LCB(0.5, 0.2, params)
func LCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Kappa*math.Sqrt(variance)
}

// ELCB is LCB with an exploration weight that grows slowly with the number
// of observations t and the dimensionality D:
//
//	kappa_t = sqrt(2 log10(t^(D/2+2) pi^2 / (3 * 0.1)))
//
// params.Kappa is ignored.
//
// When to use:
// - Long runs, where a fixed Kappa ends up too greedy
func ELCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - explorationWeight(params.Iteration, params.Dim)*math.Sqrt(variance)
}

// explorationWeight returns the ELCB kappa for t observations in dim
// dimensions. It never goes below zero.
func explorationWeight(t, dim int) float64 {
	t = max(t, 1)
	dim = max(dim, 1)

	arg := math.Pow(float64(t), float64(dim)/2+2) * math.Pi * math.Pi / (3 * 0.1)

	return math.Sqrt(math.Max(2*math.Log10(arg), 0))
}

// ProbabilityOfImprovement (PI) is the negated probability that the value at
// the point is below BestSoFar - Xi.
//
// How it works:
// - Gaussian tail probability below the improvement threshold
// - Zero variance gives -1 or 0 depending on the mean alone
// - Xi keeps it from settling on marginal gains next to the incumbent
//
// Parameters:
// - mean: Posterior mean at the point
// - variance: Posterior variance at the point
// - params.BestSoFar: Lowest observed value
// - params.Xi: Required margin of improvement
//
// When to use:
// - Refining around a known basin
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,
//	    Xi:        0.01,
//	}
//	score := ProbabilityOfImprovement(0.9, 0.2, params)
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	sigma := math.Sqrt(variance)
	if sigma == 0 {
		if improvement > 0 {
			return -1
		}

		return 0
	}

	return -normalCDF(improvement / sigma)
}

// ExpectedImprovement (EI) is the negated expectation of
// max(BestSoFar - Xi - f(x), 0) under the posterior.
//
// How it works:
// - Weighs the chance of improving by its size
// - Reduces to the plain improvement when the variance is zero
//
// Parameters:
// - mean: Posterior mean at the point
// - variance: Posterior variance at the point
// - params.BestSoFar: Lowest observed value
// - params.Xi: Required margin of improvement
//
// When to use:
// - Noise-free objectives where the size of a gain matters
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,
//	    Xi:        0.01,
//	}
//	score := ExpectedImprovement(0.9, 0.2, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return -math.Max(improvement, 0)
	}

	z := improvement / sigma

	return -(improvement*normalCDF(z) + sigma*normalPDF(z))
}

// ThompsonSampling scores a point with one draw from its marginal
// posterior, N(mean, variance).
//
// Parameters:
// - mean: Posterior mean at the point
// - variance: Posterior variance at the point
// - params.RandomState: Source of the draws, required
//
// Warning:
// - The draw consumes RandomState, so runs are only reproducible with a
// dedicated source
// - Not safe for concurrent use; the searcher scores sequentially with it
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(variance)*params.RandomState.NormFloat64()
}

//////
// Resolution.
//////

// resolve returns the scoring function selected by params and whether it is
// stochastic (and therefore must not be called concurrently).
func (p AcquisitionParams) resolve() (AcquisitionFunc, bool, error) {
	if p.Custom != nil {
		return p.Custom, false, nil
	}

	switch p.Function {
	case AcquisitionLCB, "":
		return LCB, false, nil
	case AcquisitionELCB:
		return ELCB, false, nil
	case AcquisitionEI:
		return ExpectedImprovement, false, nil
	case AcquisitionPI:
		return ProbabilityOfImprovement, false, nil
	case AcquisitionTS:
		return ThompsonSampling, true, nil
	default:
		return nil, false, &ConfigurationError{
			Field:  "acquisition.function",
			Reason: fmt.Sprintf("unknown acquisition function %q", p.Function),
		}
	}
}

// Acquisition binds an acquisition function to a model.
type Acquisition struct {
	fn         AcquisitionFunc
	params     AcquisitionParams
	stochastic bool
}

// NewAcquisition resolves params into a scorer.
func NewAcquisition(params AcquisitionParams) (*Acquisition, error) {
	fn, stochastic, err := params.resolve()
	if err != nil {
		return nil, err
	}

	if stochastic && params.RandomState == nil {
		return nil, &ConfigurationError{Field: "acquisition.random_state", Reason: "thompson sampling needs a random source"}
	}

	return &Acquisition{fn: fn, params: params, stochastic: stochastic}, nil
}

// Params returns the current parameters.
func (a *Acquisition) Params() AcquisitionParams { return a.params }

// Update replaces the run-dependent parameters.
func (a *Acquisition) Update(bestSoFar float64, iteration, dim int) {
	a.params.BestSoFar = bestSoFar
	a.params.Iteration = iteration
	a.params.Dim = dim
}

// Score evaluates the acquisition function at x under model.
func (a *Acquisition) Score(model *Model, x []float64) (float64, error) {
	mean, variance, err := model.Predict(x)
	if err != nil {
		return 0, err
	}

	return a.fn(mean, variance, a.params), nil
}
