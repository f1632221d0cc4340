package bo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

//////
// Const, vars, types.
//////

// State is a driver state.
type State string

const (
	// StateInitializing is the state of a driver that has not run yet.
	StateInitializing State = "initializing"

	// StateWarmup collects the initial design.
	StateWarmup State = "warmup"

	// StateRefining runs the fit, acquire, evaluate loop.
	StateRefining State = "refining"

	// StateConverged is entered when the convergence criterion is met.
	StateConverged State = "converged"

	// StateExhausted is entered once iterpts iterations were performed.
	StateExhausted State = "exhausted"

	// StateDone is terminal. The Result is final.
	StateDone State = "done"
)

// String implements the fmt.Stringer interface.
func (s State) String() string { return string(s) }

// Objective is the expensive black-box function being minimized. Evaluate
// must be callable repeatedly with the same input. It is never called
// concurrently by a Driver.
type Objective interface {
	Evaluate(ctx context.Context, x []float64) (float64, error)
}

// ObjectiveFunc adapts a function to the Objective interface.
//
// Usage example:
//
//	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
//	    return math.Sin(x[0]) + 1.5*math.Exp(-(x[0]-4.3)*(x[0]-4.3)), nil
//	})
type ObjectiveFunc func(ctx context.Context, x []float64) (float64, error)

// Evaluate implements Objective.
func (f ObjectiveFunc) Evaluate(ctx context.Context, x []float64) (float64, error) {
	return f(ctx, x)
}

// Driver runs one sequential Bayesian optimization. It exclusively owns the
// dataset and the model; nothing else holds a writable reference to them.
//
// State machine:
//
//	INITIALIZING -> WARMUP -> REFINING -> CONVERGED | EXHAUSTED -> DONE
//
// With iterpts = 0, WARMUP goes straight to EXHAUSTED.
//
// A Driver runs once. Create a new one for every run.
type Driver struct {
	config    Config
	objective Objective
	logger    *zap.Logger

	// rng drives the initial design and the hyperparameter restarts,
	// searchRng the acquisition candidates.
	rng       *rand.Rand
	searchRng *rand.Rand

	kernel      *Kernel
	data        *Dataset
	model       *Model
	hyper       *HyperOptimizer
	searcher    *Searcher
	acquisition *Acquisition
	result      *Result

	// predicted is the last predicted global minimum; stable counts the
	// consecutive iterations it moved less than the tolerance.
	predicted *Prediction
	stable    int

	// mu protects state.
	mu    sync.RWMutex
	state State
}

//////
// Factory.
//////

// New validates config and prepares a driver for objective. Configuration
// problems are reported here as a *ConfigurationError, never from Run.
func New(config Config, objective Objective) (*Driver, error) {
	if objective == nil {
		return nil, &ConfigurationError{Field: "objective", Reason: "must not be nil"}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	if config.Seed == 0 {
		config.Seed = uint64(time.Now().UnixNano())
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if config.Acquisition.RandomState == nil {
		config.Acquisition.RandomState = newRand(config.Seed, 1)
	}

	kernel, err := NewKernel(config.Bounds, config.Kernel, config.Periods)
	if err != nil {
		return nil, err
	}

	theta := config.initialHyperparameters()
	data := NewDataset(config.Bounds.Dim())

	model, err := NewModel(kernel, data, theta, config.Jitter, logger.Named("gaussian_process"))
	if err != nil {
		return nil, err
	}

	hyper, err := NewHyperOptimizer(
		kernel,
		config.Bounds,
		theta,
		config.Hyperparameters,
		config.FitNoise,
		config.Jitter,
		logger.Named("hyperparameters"),
	)
	if err != nil {
		return nil, err
	}

	acquisition, err := NewAcquisition(config.Acquisition)
	if err != nil {
		return nil, err
	}

	return &Driver{
		config:      config,
		objective:   objective,
		logger:      logger.Named("driver"),
		rng:         newRand(config.Seed, 0),
		searchRng:   newRand(config.Seed, 2),
		kernel:      kernel,
		data:        data,
		model:       model,
		hyper:       hyper,
		searcher:    NewSearcher(config.Bounds, config.Search, logger.Named("acquisition")),
		acquisition: acquisition,
		result:      newResult(uuid.NewString(), config.Bounds.Dim(), theta),
		state:       StateInitializing,
	}, nil
}

// Minimize is a convenience wrapper around New and Run.
//
// Usage example:
//
//	config := DefaultConfig()
//	config.Bounds = Domain{{Lower: 0, Upper: 7}}
//	config.InitPoints = 2
//	config.IterPoints = 5
//
//	result, err := Minimize(ctx, config, objective)
//	if err != nil {
//	    return err
//	}
//
//	best, _ := result.Best()
func Minimize(ctx context.Context, config Config, objective Objective) (*Result, error) {
	driver, err := New(config, objective)
	if err != nil {
		return nil, err
	}

	return driver.Run(ctx)
}

//////
// Methods.
//////

// State returns the current driver state. Safe to call from any goroutine.
func (d *Driver) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.state
}

// Run executes the optimization and returns its Result.
//
// How it works:
// 1. WARMUP: records the initial data, then evaluates initial design points
// until initpts observations exist
// 2. REFINING, for each of iterpts iterations:
//   - Re-optimizes the hyperparameters when due
//   - Fits the model and locates its predicted minimum
//   - Proposes the next point by minimizing the acquisition function
//   - Evaluates it, appends the observation and its record
//   - Checks the convergence criterion
//
// 3. Fits the final model and returns the Result
//
// Errors:
// - *ObjectiveEvaluationError and *NumericalInstabilityError abort the run;
// the partial Result is returned along with the error
// - ctx is only checked between evaluations; on cancellation the partial
// Result is returned with ctx.Err()
// - ErrDone when the driver already ran
func (d *Driver) Run(ctx context.Context) (*Result, error) {
	if d.State() != StateInitializing {
		return nil, ErrDone
	}

	d.logger.Info("Starting Bayesian optimization",
		zap.String("run_id", d.result.RunID()),
		zap.Int("dim", d.data.Dim()),
		zap.Int("initpts", d.config.InitPoints),
		zap.Int("iterpts", d.config.IterPoints),
		zap.Uint64("seed", d.config.Seed),
	)

	// Phase 1: Initial design.
	//
	// Build the initial model from caller data and space-filling samples.
	d.transition(StateWarmup)

	if err := d.warmup(ctx); err != nil {
		return d.abort(err)
	}

	if d.config.IterPoints == 0 {
		d.transition(StateExhausted)

		return d.finish(TerminationExhausted)
	}

	// Phase 2: Bayesian optimization loop.
	//
	// Iteratively refit the model and evaluate the most promising point.
	d.transition(StateRefining)

	for i := 0; i < d.config.IterPoints; i++ {
		if err := ctx.Err(); err != nil {
			return d.abort(err)
		}

		converged, err := d.step(ctx, i)
		if err != nil {
			return d.abort(err)
		}

		if converged {
			d.transition(StateConverged)

			return d.finish(TerminationConverged)
		}
	}

	d.transition(StateExhausted)

	return d.finish(TerminationExhausted)
}

// warmup records the initial data and evaluates the initial design.
func (d *Driver) warmup(ctx context.Context) error {
	theta := d.model.Hyperparameters()

	for _, obs := range d.config.InitialData {
		if err := d.data.Append(obs.X, obs.Y); err != nil {
			return err
		}

		d.record(IterationRecord{
			Phase:           StateWarmup,
			X:               cloneVector(obs.X),
			Y:               obs.Y,
			Hyperparameters: theta.Clone(),
		})
	}

	points := InitialDesign(d.config.Bounds, d.config.InitPoints-len(d.config.InitialData), d.config.InitType, d.rng)

	for _, x := range points {
		if err := ctx.Err(); err != nil {
			return err
		}

		start := time.Now()

		y, err := d.evaluate(ctx, x)
		if err != nil {
			return err
		}

		if err := d.data.Append(x, y); err != nil {
			return err
		}

		d.record(IterationRecord{
			Phase:           StateWarmup,
			X:               cloneVector(x),
			Y:               y,
			Hyperparameters: theta.Clone(),
			Evaluated:       true,
			Duration:        time.Since(start),
		})
	}

	return nil
}

// step performs refining iteration i and reports whether the run converged.
func (d *Driver) step(ctx context.Context, i int) (bool, error) {
	start := time.Now()

	if d.shouldOptimize(i) {
		d.optimizeHyperparameters(ctx)
	}

	if err := d.model.Fit(); err != nil {
		return false, d.annotate(err)
	}

	var seeds [][]float64
	if d.predicted != nil {
		seeds = append(seeds, d.predicted.X)
	}

	predicted, err := d.searcher.PredictedMinimum(d.model, seeds, d.searchRng)
	if err != nil {
		return false, d.annotate(err)
	}

	best, _ := d.data.Best()
	d.acquisition.Update(best.Y, d.data.Len(), d.data.Dim())

	x, score, err := d.searcher.Propose(d.model, d.acquisition, d.searchRng)
	if err != nil {
		return false, d.annotate(err)
	}

	y, err := d.evaluate(ctx, x)
	if err != nil {
		return false, err
	}

	if err := d.data.Append(x, y); err != nil {
		return false, err
	}

	rec := IterationRecord{
		Phase:           StateRefining,
		X:               cloneVector(x),
		Y:               y,
		Hyperparameters: d.model.Hyperparameters(),
		PredictedMin:    &predicted,
		Evaluated:       true,
		Duration:        time.Since(start),
	}

	// Scores are only recorded when finite so records stay encodable.
	if isFinite(score) {
		rec.Acquisition = &score
	}

	d.record(rec)

	return d.converged(predicted), nil
}

// shouldOptimize reports whether refining iteration i re-fits the
// hyperparameters.
func (d *Driver) shouldOptimize(i int) bool {
	if d.data.Len() < 2 {
		return false
	}

	if i == 0 {
		return d.config.Hyperparameters.InitialUpdate
	}

	freq := d.config.Hyperparameters.UpdateFrequency

	return freq > 0 && i%freq == 0
}

// optimizeHyperparameters replaces the model hyperparameters with the
// optimized ones. On divergence the previous ones are kept.
func (d *Driver) optimizeHyperparameters(ctx context.Context) {
	current := d.model.Hyperparameters()

	theta, value, err := d.hyper.Optimize(ctx, d.data, current, d.rng)
	if err != nil {
		// Cancellation is reported by the run loop.
		if ctx.Err() != nil {
			d.logger.Debug("Hyperparameter optimization interrupted", zap.Error(err))

			return
		}

		var divergence *OptimizerDivergenceError
		if errors.As(err, &divergence) {
			d.logger.Warn("Hyperparameter optimization diverged, keeping previous values",
				zap.Int("iteration", d.data.Len()),
				zap.Float64s("theta", current.Vector()),
				zap.Error(err),
			)
		} else {
			d.logger.Warn("Hyperparameter optimization failed", zap.Error(err))
		}

		return
	}

	if err := d.model.SetHyperparameters(theta); err != nil {
		d.logger.Warn("Rejected optimized hyperparameters", zap.Error(err))

		return
	}

	d.logger.Debug("Updated hyperparameters",
		zap.Int("iteration", d.data.Len()),
		zap.Float64("log_posterior", value),
		zap.Float64s("theta", theta.Vector()),
	)
}

// converged updates the convergence bookkeeping with the latest predicted
// minimum.
func (d *Driver) converged(predicted Prediction) bool {
	previous := d.predicted
	d.predicted = &predicted

	tol := d.config.Convergence.Tolerance
	if tol <= 0 || previous == nil {
		return false
	}

	if math.Abs(predicted.Mean-previous.Mean) < tol {
		d.stable++
	} else {
		d.stable = 0
	}

	return d.stable >= d.config.Convergence.Patience
}

// evaluate calls the objective and validates its output.
func (d *Driver) evaluate(ctx context.Context, x []float64) (float64, error) {
	iteration := d.data.Len()

	y, err := d.objective.Evaluate(ctx, cloneVector(x))
	if err != nil {
		return 0, &ObjectiveEvaluationError{X: cloneVector(x), Iteration: iteration, Err: err}
	}

	if !isFinite(y) {
		return 0, &ObjectiveEvaluationError{
			X:         cloneVector(x),
			Iteration: iteration,
			Err:       fmt.Errorf("objective returned non-finite value %v", y),
		}
	}

	return y, nil
}

// record completes rec with the running best, appends it and sends a
// progress update.
func (d *Driver) record(rec IterationRecord) {
	rec.Iteration = d.data.Len() - 1

	best, _ := d.data.Best()
	rec.BestX = best.X
	rec.BestY = best.Y

	d.result.append(rec)

	d.logger.Debug("Recorded iteration",
		zap.Int("iteration", rec.Iteration),
		zap.String("phase", rec.Phase.String()),
		zap.Float64s("x", rec.X),
		zap.Float64("y", rec.Y),
		zap.Float64("best_y", rec.BestY),
	)

	d.sendProgress(rec)
}

// sendProgress sends a progress update without blocking.
func (d *Driver) sendProgress(rec IterationRecord) {
	if d.config.ProgressChan == nil {
		return
	}

	update := ProgressUpdate{
		Phase:            rec.Phase.String(),
		CurrentIteration: rec.Iteration + 1,
		TotalIterations:  d.config.InitPoints + d.config.IterPoints,
		CurrentX:         cloneVector(rec.X),
		LastY:            rec.Y,
		BestX:            cloneVector(rec.BestX),
		BestY:            rec.BestY,
		Hyperparameters:  rec.Hyperparameters.Clone(),
	}

	select {
	case d.config.ProgressChan <- update:
	default:
		// Skip update if channel is full.
	}
}

// annotate stamps numerical errors with the iteration that triggered them.
func (d *Driver) annotate(err error) error {
	var numerical *NumericalInstabilityError
	if errors.As(err, &numerical) {
		numerical.Iteration = d.data.Len()
	}

	return err
}

func (d *Driver) transition(to State) {
	d.mu.Lock()
	from := d.state
	d.state = to
	d.mu.Unlock()

	d.result.transition(from, to)

	d.logger.Info("State transition",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Int("observations", d.data.Len()),
	)
}

// finish fits the final model and closes the run.
func (d *Driver) finish(termination Termination) (*Result, error) {
	if err := d.model.Fit(); err != nil {
		return d.abort(d.annotate(err))
	}

	d.result.finish(d.model, d.model.Hyperparameters(), termination)
	d.transition(StateDone)

	best, _ := d.result.Best()

	d.logger.Info("Bayesian optimization finished",
		zap.String("termination", string(termination)),
		zap.Int("records", d.result.Len()),
		zap.Float64s("best_x", best.X),
		zap.Float64("best_y", best.Y),
		zap.Duration("duration", d.result.Duration()),
	)

	return d.result, nil
}

// abort closes the run after a fatal error and returns the partial Result.
func (d *Driver) abort(err error) (*Result, error) {
	termination := TerminationCanceled

	var (
		objective *ObjectiveEvaluationError
		numerical *NumericalInstabilityError
	)

	switch {
	case errors.As(err, &objective):
		termination = TerminationObjectiveError
	case errors.As(err, &numerical):
		termination = TerminationNumericalError
	}

	var model *Model
	if termination != TerminationNumericalError && d.model.Fit() == nil {
		model = d.model
	}

	d.result.finish(model, d.model.Hyperparameters(), termination)
	d.transition(StateDone)

	d.logger.Error("Bayesian optimization aborted",
		zap.String("termination", string(termination)),
		zap.Int("records", d.result.Len()),
		zap.Error(err),
	)

	return d.result, err
}
