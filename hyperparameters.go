package bo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

//////
// Const, vars, types.
//////

// gammaShape is the shape of the gamma priors. With rate = (shape-1)/init the
// prior mode sits on the initial value.
const gammaShape = 2.0

// HyperOptimizer fits kernel hyperparameters by maximizing the log marginal
// likelihood (or the log posterior when priors are enabled).
//
// The optimization runs over an unconstrained vector u. Every hyperparameter
// is mapped into its bounds through
//
//	theta = exp(log(lo) + (log(hi) - log(lo)) * logistic(u))
//
// so L-BFGS never leaves the feasible region.
//
// Restarts are independent: each one owns its start vector and reports only
// its final (theta, objective) pair.
type HyperOptimizer struct {
	kernel   *Kernel
	config   HyperparameterConfig
	fitNoise bool
	jitter   JitterPolicy
	logger   *zap.Logger

	// logLo and logHi hold the log bounds of the free vector
	// [variance, lengthscales..., noise?].
	logLo []float64
	logHi []float64

	// rates holds the gamma prior rate per free entry (0 for none).
	rates []float64
}

// restartResult is what a single restart communicates back.
type restartResult struct {
	theta Hyperparameters
	value float64
	err   error
}

//////
// Factory.
//////

// NewHyperOptimizer prepares an optimizer for kernel over domain. initial
// sets the default bounds and the prior modes.
func NewHyperOptimizer(
	kernel *Kernel,
	domain Domain,
	initial Hyperparameters,
	config HyperparameterConfig,
	fitNoise bool,
	jitter JitterPolicy,
	logger *zap.Logger,
) (*HyperOptimizer, error) {
	if err := checkHyperparameters(kernel, initial); err != nil {
		return nil, err
	}

	if domain.Dim() != kernel.Dim() {
		return nil, &ConfigurationError{Field: "bounds", Reason: "domain and kernel dimensionality differ"}
	}

	if config.Restarts < 1 {
		config.Restarts = 1
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	dim := kernel.Dim()

	bounds := make([]Bound, 0, dim+2)

	if config.VarianceBounds != nil {
		bounds = append(bounds, *config.VarianceBounds)
	} else {
		bounds = append(bounds, Bound{Lower: 1e-3 * initial.Variance, Upper: 1e3 * initial.Variance})
	}

	for d := 0; d < dim; d++ {
		switch len(config.LengthscaleBounds) {
		case 0:
			w := kernel.lengthscaleScale(domain, d)
			bounds = append(bounds, Bound{Lower: 1e-3 * w, Upper: 10 * w})
		case 1:
			bounds = append(bounds, config.LengthscaleBounds[0])
		default:
			bounds = append(bounds, config.LengthscaleBounds[d])
		}
	}

	if fitNoise {
		if config.NoiseBounds != nil {
			bounds = append(bounds, *config.NoiseBounds)
		} else {
			bounds = append(bounds, Bound{Lower: 1e-10, Upper: math.Max(initial.Variance, 1e-8)})
		}
	}

	o := &HyperOptimizer{
		kernel:   kernel,
		config:   config,
		fitNoise: fitNoise,
		jitter:   jitter.withDefaults(),
		logger:   logger,
		logLo:    make([]float64, len(bounds)),
		logHi:    make([]float64, len(bounds)),
		rates:    make([]float64, len(bounds)),
	}

	for j, b := range bounds {
		if !(b.Lower > 0) || !(b.Lower < b.Upper) {
			return nil, &ConfigurationError{
				Field:  "hyperparameters.bounds",
				Reason: fmt.Sprintf("entry %d: expected 0 < lower < upper, got [%g, %g]", j, b.Lower, b.Upper),
			}
		}

		o.logLo[j] = math.Log(b.Lower)
		o.logHi[j] = math.Log(b.Upper)
	}

	if config.Priors {
		o.rates[0] = (gammaShape - 1) / initial.Variance
		for d := 0; d < dim; d++ {
			o.rates[d+1] = (gammaShape - 1) / initial.Lengthscales[d]
		}
	}

	return o, nil
}

//////
// Methods.
//////

// Bounds returns the effective bounds of the variance, each lengthscale and,
// when fitted, the noise.
func (o *HyperOptimizer) Bounds() []Bound {
	out := make([]Bound, len(o.logLo))
	for j := range out {
		out[j] = Bound{Lower: math.Exp(o.logLo[j]), Upper: math.Exp(o.logHi[j])}
	}

	return out
}

// Optimize maximizes the (penalized) log marginal likelihood over data. The
// first restart starts from current; the others start from random points
// drawn by rng. It returns the best hyperparameters and their objective
// value.
//
// When every restart fails it returns current together with an
// *OptimizerDivergenceError, so the caller can keep using current. When ctx
// is done before every restart ran it returns current and ctx.Err().
func (o *HyperOptimizer) Optimize(ctx context.Context, data *Dataset, current Hyperparameters, rng *rand.Rand) (Hyperparameters, float64, error) {
	if data.Len() < 2 {
		return current.Clone(), math.NaN(), fmt.Errorf("hyperparameter optimization needs at least 2 observations, got %d", data.Len())
	}

	if err := checkHyperparameters(o.kernel, current); err != nil {
		return current.Clone(), math.NaN(), err
	}

	// Start vectors are drawn up front so results do not depend on
	// goroutine scheduling.
	starts := make([][]float64, o.config.Restarts)
	starts[0] = o.toFree(current)

	for r := 1; r < len(starts); r++ {
		u := make([]float64, len(o.logLo))
		for j := range u {
			u[j] = logit(0.05 + 0.9*rng.Float64())
		}

		starts[r] = u
	}

	results := make([]restartResult, len(starts))

	g, gctx := errgroup.WithContext(ctx)
	if o.config.Workers > 0 {
		g.SetLimit(o.config.Workers)
	}

	for r, start := range starts {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			results[r] = o.restart(data.xs, data.ys, current, start)

			return nil
		})
	}

	// Restart failures are recorded in results, so Wait only reports
	// cancellation.
	if err := g.Wait(); err != nil {
		return current.Clone(), math.NaN(), err
	}

	best := -1
	errs := make([]error, 0, len(results))

	for r, res := range results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("restart %d: %w", r, res.err))

			continue
		}

		if best < 0 || res.value > results[best].value {
			best = r
		}
	}

	if best < 0 {
		return current.Clone(), math.NaN(), &OptimizerDivergenceError{Restarts: len(starts), Err: errors.Join(errs...)}
	}

	o.logger.Debug("Optimized hyperparameters",
		zap.Int("restart", best),
		zap.Int("failed", len(errs)),
		zap.Float64("objective", results[best].value),
		zap.Float64s("theta", results[best].theta.Vector()),
	)

	return results[best].theta, results[best].value, nil
}

// restart runs one L-BFGS minimization of the negative objective.
func (o *HyperOptimizer) restart(xs [][]float64, ys []float64, base Hyperparameters, start []float64) restartResult {
	var (
		lastU    []float64
		lastF    float64
		lastGrad []float64
	)

	eval := func(u []float64) (float64, []float64) {
		if lastU != nil && floats.Equal(lastU, u) {
			return lastF, lastGrad
		}

		f, grad := o.negativeObjective(xs, ys, base, u)
		lastU, lastF, lastGrad = cloneVector(u), f, grad

		return f, grad
	}

	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			f, _ := eval(u)

			return f
		},
		Grad: func(grad, u []float64) {
			_, g := eval(u)
			copy(grad, g)
		},
	}

	settings := &optimize.Settings{
		MajorIterations:   o.config.MaxIterations,
		GradientThreshold: 1e-6,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-9,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(problem, start, settings, &optimize.LBFGS{})
	if result == nil || !isFinite(result.F) {
		if err == nil {
			err = errors.New("objective is not finite")
		}

		return restartResult{err: err}
	}

	if err != nil {
		// Line search failures still leave a usable best location.
		o.logger.Debug("L-BFGS stopped early", zap.Error(err), zap.Float64("objective", -result.F))
	}

	return restartResult{theta: o.fromFree(result.X, base), value: -result.F}
}

// negativeObjective returns -(log marginal likelihood + log prior) and its
// gradient with respect to the free vector u.
func (o *HyperOptimizer) negativeObjective(xs [][]float64, ys []float64, base Hyperparameters, u []float64) (float64, []float64) {
	theta := o.fromFree(u, base)
	grad := make([]float64, len(u))

	lml, lmlGrad, err := marginalLikelihood(o.kernel, xs, ys, theta, o.jitter, true)
	if err != nil || !isFinite(lml) {
		return math.Inf(1), grad
	}

	values := theta.Vector()
	value := lml

	for j := range u {
		dTheta := lmlGrad[j]

		if rate := o.rates[j]; rate > 0 {
			value += (gammaShape-1)*math.Log(values[j]) - rate*values[j]
			dTheta += (gammaShape-1)/values[j] - rate
		}

		s := logistic(u[j])
		grad[j] = -dTheta * values[j] * (o.logHi[j] - o.logLo[j]) * s * (1 - s)
	}

	return -value, grad
}

// fromFree maps u to hyperparameters. The noise comes from base unless it is
// being fitted.
func (o *HyperOptimizer) fromFree(u []float64, base Hyperparameters) Hyperparameters {
	dim := o.kernel.Dim()
	value := func(j int) float64 {
		return math.Exp(o.logLo[j] + (o.logHi[j]-o.logLo[j])*logistic(u[j]))
	}

	theta := Hyperparameters{
		Variance:     value(0),
		Lengthscales: make([]float64, dim),
		Noise:        base.Noise,
	}

	for d := 0; d < dim; d++ {
		theta.Lengthscales[d] = value(d + 1)
	}

	if o.fitNoise {
		theta.Noise = value(dim + 1)
	}

	return theta
}

// toFree is the inverse of fromFree. Values outside the bounds are pulled to
// the nearest edge.
func (o *HyperOptimizer) toFree(theta Hyperparameters) []float64 {
	values := theta.Vector()
	u := make([]float64, len(o.logLo))

	for j := range u {
		v := values[j]
		if !(v > 0) {
			v = math.Exp(o.logLo[j])
		}

		u[j] = logit((math.Log(v) - o.logLo[j]) / (o.logHi[j] - o.logLo[j]))
	}

	return u
}
