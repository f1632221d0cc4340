package bo

import (
	"math"
	"math/rand/v2"

	"go.uber.org/zap"
)

// Bound is the inclusive (Lower, Upper) range of one search dimension.
//
// Usage:
//
//	// A dihedral angle in degrees.
//	angle := Bound{Lower: 0, Upper: 360}
//
// Validation:
// - Lower must be strictly less than Upper
type Bound struct {
	// Lower is the minimum allowed value (inclusive).
	Lower float64 `json:"lower" yaml:"lower" mapstructure:"lower"`

	// Upper is the maximum allowed value (inclusive).
	Upper float64 `json:"upper" yaml:"upper" mapstructure:"upper"`
}

// Width returns Upper - Lower.
func (b Bound) Width() float64 { return b.Upper - b.Lower }

// Contains reports whether v lies in [Lower, Upper].
func (b Bound) Contains(v float64) bool { return v >= b.Lower && v <= b.Upper }

// Domain is the ordered sequence of per-dimension bounds. Its length is the
// dimensionality of the search.
type Domain []Bound

// Dim returns the number of dimensions.
func (d Domain) Dim() int { return len(d) }

// Contains reports whether every coordinate of x is within its bound.
func (d Domain) Contains(x []float64) bool {
	if len(x) != len(d) {
		return false
	}

	for i, b := range d {
		if !b.Contains(x[i]) {
			return false
		}
	}

	return true
}

// Clamp returns a copy of x with every coordinate limited to its bound.
func (d Domain) Clamp(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, b := range d {
		out[i] = clamp(x[i], b.Lower, b.Upper)
	}

	return out
}

// fromUnit maps u in [0, 1]^D onto the domain, clamping u first.
func (d Domain) fromUnit(u []float64) []float64 {
	out := make([]float64, len(d))
	for i, b := range d {
		out[i] = b.Lower + clamp(u[i], 0, 1)*b.Width()
	}

	return out
}

// toUnit maps x onto [0, 1]^D.
func (d Domain) toUnit(x []float64) []float64 {
	out := make([]float64, len(d))
	for i, b := range d {
		out[i] = (x[i] - b.Lower) / b.Width()
	}

	return out
}

// Observation is one evaluated point. Observations are immutable once they
// are appended to a Dataset.
type Observation struct {
	// X is the input vector, within the run's Domain.
	X []float64 `json:"x" yaml:"x" mapstructure:"x"`

	// Y is the measured objective value.
	Y float64 `json:"y" yaml:"y" mapstructure:"y"`
}

// Hyperparameters are the kernel and noise parameters fitted to the data.
type Hyperparameters struct {
	// Variance is the signal variance (amplitude squared) of the kernel.
	Variance float64 `json:"variance" yaml:"variance"`

	// Lengthscales holds one characteristic length per dimension. Larger
	// values mean the function varies more slowly along that dimension.
	Lengthscales []float64 `json:"lengthscales" yaml:"lengthscales"`

	// Noise is the observation noise variance added to the kernel diagonal.
	Noise float64 `json:"noise" yaml:"noise"`
}

// Clone returns a deep copy.
func (h Hyperparameters) Clone() Hyperparameters {
	return Hyperparameters{
		Variance:     h.Variance,
		Lengthscales: cloneVector(h.Lengthscales),
		Noise:        h.Noise,
	}
}

// Vector flattens the hyperparameters as [variance, lengthscales..., noise].
func (h Hyperparameters) Vector() []float64 {
	v := make([]float64, 0, len(h.Lengthscales)+2)
	v = append(v, h.Variance)
	v = append(v, h.Lengthscales...)

	return append(v, h.Noise)
}

func (h Hyperparameters) valid() bool {
	if !(h.Variance > 0) || !isFinite(h.Variance) || h.Noise < 0 || !isFinite(h.Noise) {
		return false
	}

	for _, l := range h.Lengthscales {
		if !(l > 0) || !isFinite(l) {
			return false
		}
	}

	return true
}

// Prediction is the posterior at a point.
type Prediction struct {
	// X is the query point.
	X []float64 `json:"x" yaml:"x"`

	// Mean is the posterior mean at X.
	Mean float64 `json:"mean" yaml:"mean"`

	// Variance is the posterior variance at X (never negative).
	Variance float64 `json:"variance" yaml:"variance"`
}

// ProgressUpdate represents the current state of the optimization process.
type ProgressUpdate struct {
	// Phase is the driver state that produced the update ("warmup" or
	// "refining").
	Phase string

	// CurrentIteration is the 1-based index of the evaluation just recorded.
	CurrentIteration int

	// TotalIterations is initpts + iterpts.
	TotalIterations int

	// CurrentX holds the point that was just evaluated.
	CurrentX []float64

	// LastY holds the objective value at CurrentX.
	LastY float64

	// BestX holds the best point found so far.
	BestX []float64

	// BestY holds the best (lowest) objective value found so far.
	BestY float64

	// Hyperparameters are the model hyperparameters in use for this step.
	Hyperparameters Hyperparameters
}

// AcquisitionKind names a built-in acquisition function.
type AcquisitionKind string

const (
	// AcquisitionLCB is the lower confidence bound, mean - kappa*sigma.
	AcquisitionLCB AcquisitionKind = "lcb"

	// AcquisitionELCB is the lower confidence bound with an
	// iteration-dependent exploration weight.
	AcquisitionELCB AcquisitionKind = "elcb"

	// AcquisitionEI is (negated) expected improvement.
	AcquisitionEI AcquisitionKind = "ei"

	// AcquisitionPI is (negated) probability of improvement.
	AcquisitionPI AcquisitionKind = "pi"

	// AcquisitionTS is Thompson sampling from the marginal posterior.
	AcquisitionTS AcquisitionKind = "ts"
)

// AcquisitionFunc scores a point from its posterior mean and variance. The
// searcher minimizes the score, so lower values mark more promising points.
//
// Built-in acquisition functions:
// - LCB: lower confidence bound
// - ELCB: exploratory lower confidence bound
// - ExpectedImprovement: negated expected improvement
// - ProbabilityOfImprovement: negated probability of improvement
// - ThompsonSampling: random draw from the marginal posterior
//
// Usage example:
//
//	custom := func(mean, variance float64, params AcquisitionParams) float64 {
//	    return mean - params.Kappa*math.Sqrt(variance)
//	}
//	config.Acquisition.Custom = custom
//
// Implementation notes for custom acquisition functions:
// - Must handle zero variance
// - Must be safe for concurrent use unless it reads RandomState
// - Should return lower values for more promising points.
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by the acquisition functions to
// balance exploring uncertain areas against exploiting known good ones.
type AcquisitionParams struct {
	// Function selects a built-in acquisition function. Ignored when Custom
	// is set.
	Function AcquisitionKind `mapstructure:"function"`

	// Custom overrides Function with a caller-supplied scoring function.
	Custom AcquisitionFunc `mapstructure:"-"`

	// Kappa controls the exploration-exploitation trade-off of LCB.
	// - Higher values (e.g., 3.0 or 5.0) encourage exploring uncertain areas
	// - Lower values (e.g., 0.1 or 0.5) focus on exploiting known good areas
	// Typical values range from 0.1 to 5.0, with 2.0 being a good default.
	Kappa float64 `mapstructure:"kappa"`

	// Xi is the minimum improvement asked for by PI and EI.
	// Typical values range from 0.01 to 0.1.
	Xi float64 `mapstructure:"xi"`

	// BestSoFar is the best (lowest) observed value. The driver keeps it up
	// to date; PI and EI measure improvement against it.
	BestSoFar float64 `mapstructure:"-"`

	// Iteration is the number of observations collected so far. ELCB grows
	// its exploration weight with it.
	Iteration int `mapstructure:"-"`

	// Dim is the dimensionality of the domain, used by ELCB.
	Dim int `mapstructure:"-"`

	// RandomState is the generator used by Thompson sampling. The driver
	// seeds it from Config.Seed when nil.
	//
	// Warning:
	// - Do NOT share RandomState between different optimization runs
	RandomState *rand.Rand `mapstructure:"-"`
}

// InitType selects how the initial design is generated.
type InitType string

const (
	// InitLatinHypercube stratifies every dimension into initpts bins.
	InitLatinHypercube InitType = "lhs"

	// InitRandom draws uniformly over the domain.
	InitRandom InitType = "random"
)

// HyperparameterConfig controls how kernel hyperparameters are fitted.
type HyperparameterConfig struct {
	// Restarts is the number of L-BFGS runs per optimization. The first one
	// starts from the current hyperparameters, the rest from random points
	// within the bounds.
	// Recommended range: 3-5
	Restarts int `mapstructure:"restarts"`

	// Workers caps how many restarts run concurrently. 0 runs all of them at
	// once.
	Workers int `mapstructure:"workers"`

	// MaxIterations caps L-BFGS major iterations per restart.
	MaxIterations int `mapstructure:"max_iterations"`

	// UpdateFrequency re-optimizes the hyperparameters every N refining
	// iterations. 1 refits at every step.
	UpdateFrequency int `mapstructure:"update_frequency"`

	// InitialUpdate controls whether the first refining step optimizes the
	// hyperparameters or uses the yrange-derived initial values.
	InitialUpdate bool `mapstructure:"initial_update"`

	// Priors adds gamma priors on the variance and lengthscales, turning
	// likelihood maximization into MAP estimation.
	Priors bool `mapstructure:"priors"`

	// Initial overrides the yrange-derived starting hyperparameters.
	Initial *Hyperparameters `mapstructure:"-"`

	// VarianceBounds overrides the default signal variance bounds.
	VarianceBounds *Bound `mapstructure:"variance_bounds"`

	// LengthscaleBounds overrides the default lengthscale bounds (one entry
	// for all dimensions or one per dimension).
	LengthscaleBounds []Bound `mapstructure:"lengthscale_bounds"`

	// NoiseBounds overrides the default noise bounds (used with FitNoise).
	NoiseBounds *Bound `mapstructure:"noise_bounds"`
}

// SearchConfig controls the global search over the acquisition surface.
type SearchConfig struct {
	// Candidates is the size of the Latin hypercube scored before local
	// refinement.
	// Recommended range: 100-2000
	Candidates int `mapstructure:"candidates"`

	// Starts is how many of the best candidates are refined with
	// Nelder-Mead.
	Starts int `mapstructure:"starts"`

	// MaxEvaluations caps acquisition evaluations per local refinement.
	MaxEvaluations int `mapstructure:"max_evaluations"`

	// TieTolerance is the relative tolerance under which two scores count as
	// equal. Ties go to the point farthest from the existing data.
	TieTolerance float64 `mapstructure:"tie_tolerance"`

	// Workers caps concurrent candidate scoring. 0 uses GOMAXPROCS.
	Workers int `mapstructure:"workers"`
}

// ConvergenceConfig is the optional early-stopping criterion. The run is
// CONVERGED once the predicted global minimum moves less than Tolerance for
// Patience consecutive refining iterations. Disabled when Tolerance <= 0.
type ConvergenceConfig struct {
	Tolerance float64 `mapstructure:"tolerance"`
	Patience  int     `mapstructure:"patience"`
}

// Config holds all configuration parameters for a Bayesian optimization run.
//
// Usage example:
//
//	config := DefaultConfig()
//	config.Bounds = Domain{{Lower: 0, Upper: 7}}
//	config.Kernel = []KernelKind{RBF}
//	config.YRange = Bound{Lower: -1, Upper: 1}
//	config.InitPoints = 2
//	config.IterPoints = 5
//
// Note:
// - Create separate configs for parallel optimizations.
type Config struct {
	// Bounds is the search domain, one (lower, upper) pair per dimension.
	Bounds Domain

	// Kernel holds one kernel family for all dimensions or one per dimension.
	Kernel []KernelKind

	// Periods holds the stdp periods (one for all or one per dimension).
	// Zero entries default to the dimension's width.
	Periods []float64

	// YRange is the expected range of objective values. It sets the initial
	// signal variance to ((Upper-Lower)/2)^2.
	YRange Bound

	// InitPoints is the number of initial design points (>= 1).
	InitPoints int

	// IterPoints is the number of acquisition-driven evaluations (>= 0).
	IterPoints int

	// Noise is the observation noise variance (>= 0).
	Noise float64

	// FitNoise lets the hyperparameter optimizer fit the noise as well.
	FitNoise bool

	// InitType selects the initial design strategy.
	InitType InitType

	// InitialData seeds the run with already evaluated points. They count
	// towards InitPoints and are never re-evaluated.
	InitialData []Observation

	// Acquisition configures the acquisition function.
	Acquisition AcquisitionParams

	// Hyperparameters configures hyperparameter fitting.
	Hyperparameters HyperparameterConfig

	// Search configures the acquisition search.
	Search SearchConfig

	// Convergence configures optional early stopping.
	Convergence ConvergenceConfig

	// Jitter configures the Cholesky retry policy.
	Jitter JitterPolicy

	// Seed makes the run reproducible. 0 picks a time-based seed.
	Seed uint64

	// ProgressChan is used to send progress updates during optimization.
	// If nil, no updates will be sent. Sends never block.
	ProgressChan chan<- ProgressUpdate

	// Logger receives structured logs. nil disables logging.
	Logger *zap.Logger
}

// initialHyperparameters derives the starting hyperparameters from the
// configuration. Lengthscales start at a tenth of the period for stdp
// dimensions and a tenth of the width otherwise.
func (c Config) initialHyperparameters() Hyperparameters {
	if c.Hyperparameters.Initial != nil {
		h := c.Hyperparameters.Initial.Clone()
		if h.Noise == 0 {
			h.Noise = c.Noise
		}

		return h
	}

	half := c.YRange.Width() / 2

	h := Hyperparameters{
		Variance:     math.Max(half*half, 1e-12),
		Lengthscales: make([]float64, c.Bounds.Dim()),
		Noise:        c.Noise,
	}

	kernel, err := NewKernel(c.Bounds, c.Kernel, c.Periods)

	for d, b := range c.Bounds {
		scale := b.Width()
		if err == nil {
			scale = kernel.lengthscaleScale(c.Bounds, d)
		}

		h.Lengthscales[d] = scale / 10
	}

	return h
}
