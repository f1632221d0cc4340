package bo

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// sinexp is the 1-D tutorial function.
func sinexp(x float64) float64 {
	return math.Sin(x) + 1.5*math.Exp(-(x-4.3)*(x-4.3))
}

// torsion is a smooth periodic energy surface over angles in degrees.
func torsion(x []float64) float64 {
	a := x[0] * math.Pi / 180
	b := x[1] * math.Pi / 180

	return 1 + math.Cos(a) + 0.5*math.Cos(2*b) + 0.3*math.Sin(a+b)
}

func sinexpObjective() ObjectiveFunc {
	return func(_ context.Context, x []float64) (float64, error) {
		return sinexp(x[0]), nil
	}
}

func sinexpConfig() Config {
	config := DefaultConfig()
	config.Bounds = Domain{{Lower: 0, Upper: 7}}
	config.Kernel = []KernelKind{RBF}
	config.YRange = Bound{Lower: -1, Upper: 1}
	config.Seed = 1234

	return config
}

func phases(result *Result) []State {
	out := make([]State, 0, result.Len())
	for _, rec := range result.Records() {
		out = append(out, rec.Phase)
	}

	return out
}

func transitionTargets(result *Result) []State {
	var out []State
	for _, tr := range result.Transitions() {
		out = append(out, tr.To)
	}

	return out
}

func TestRunWithoutRefining(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 4
	config.IterPoints = 0

	driver, err := New(config, sinexpObjective())
	require.NoError(t, err)
	assert.Equal(t, StateInitializing, driver.State())

	result, err := driver.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, result.Len())
	assert.Equal(t, []State{StateWarmup, StateExhausted, StateDone}, transitionTargets(result))
	assert.NotContains(t, phases(result), StateRefining)
	assert.Equal(t, TerminationExhausted, result.Termination())
	assert.Equal(t, StateDone, driver.State())
	assert.Empty(t, result.PredictedMinima())
	require.NotNil(t, result.Model())
	assert.True(t, result.Model().Fitted())
}

func TestRunOneDimensionalScenario(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 5

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)
	require.Equal(t, 7, result.Len())

	assert.Equal(t,
		[]State{StateWarmup, StateWarmup, StateRefining, StateRefining, StateRefining, StateRefining, StateRefining},
		phases(result),
	)
	assert.Equal(t, []State{StateWarmup, StateRefining, StateExhausted, StateDone}, transitionTargets(result))

	ys := make([]float64, 0, result.Len())

	for i, rec := range result.Records() {
		assert.Equal(t, i, rec.Iteration)
		assert.True(t, config.Bounds.Contains(rec.X), "record %d at %v", i, rec.X)
		assert.Equal(t, sinexp(rec.X[0]), rec.Y)
		assert.True(t, rec.Hyperparameters.valid())
		assert.LessOrEqual(t, rec.BestY, rec.Y)

		if rec.Phase == StateRefining {
			assert.NotNil(t, rec.PredictedMin)
			assert.NotNil(t, rec.Acquisition)
		} else {
			assert.Nil(t, rec.PredictedMin)
		}

		ys = append(ys, rec.Y)
	}

	best, ok := result.Best()
	require.True(t, ok)
	assert.Equal(t, slices.Min(ys), best.Y)
	assert.Equal(t, sinexp(best.X[0]), best.Y)
	assert.Len(t, result.PredictedMinima(), 5)
	assert.Equal(t, result.Hyperparameters().Lengthscales, result.Model().Hyperparameters().Lengthscales)
	assert.NotEmpty(t, result.RunID())
	assert.GreaterOrEqual(t, result.Duration().Nanoseconds(), int64(0))

	summary := result.Summary()
	assert.Equal(t, 7, summary.Evaluations)
	require.NotNil(t, summary.Best)
	assert.Equal(t, best.Y, summary.Best.Y)
	require.NotNil(t, summary.PredictedMin)
}

func TestRunFindsTheMinimum(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 20

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)

	best, _ := result.Best()

	// The global minimum is f(5.55) = -0.356.
	assert.Less(t, best.Y, -0.2)
	assert.InDelta(t, 5.6, best.X[0], 0.6)

	model := result.Model()
	mean, _, err := model.Predict(best.X)
	require.NoError(t, err)
	assert.InDelta(t, best.Y, mean, 0.05)
}

func TestRunPeriodicScenario(t *testing.T) {
	config := DefaultConfig()
	config.Bounds = Domain{{Lower: 0, Upper: 360}, {Lower: 0, Upper: 360}}
	config.Kernel = []KernelKind{StdPeriodic}
	config.YRange = Bound{Lower: -1, Upper: 3}
	config.InitPoints = 5
	config.IterPoints = 40
	config.Seed = 99
	config.Hyperparameters.MaxIterations = 50
	config.Hyperparameters.UpdateFrequency = 5
	config.Search.Candidates = 128

	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		return torsion(x), nil
	})

	result, err := Minimize(context.Background(), config, objective)
	require.NoError(t, err)
	require.Equal(t, 45, result.Len())

	for _, rec := range result.Records() {
		for d := range rec.X {
			assert.GreaterOrEqual(t, rec.X[d], 0.0)
			assert.LessOrEqual(t, rec.X[d], 360.0)
		}
	}
}

func TestRunAbortsOnObjectiveFailure(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 5

	boom := errors.New("simulation crashed")
	calls := 0

	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		calls++
		if calls == 3 {
			return 0, boom
		}

		return sinexp(x[0]), nil
	})

	driver, err := New(config, objective)
	require.NoError(t, err)

	result, err := driver.Run(context.Background())
	require.Error(t, err)

	var evalErr *ObjectiveEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, evalErr.Iteration)
	assert.Len(t, evalErr.X, 1)
	assert.True(t, config.Bounds.Contains(evalErr.X))

	require.NotNil(t, result)
	assert.Equal(t, 2, result.Len())
	assert.Equal(t, TerminationObjectiveError, result.Termination())
	assert.Equal(t, StateDone, driver.State())
	assert.Equal(t, 3, calls)
}

func TestRunRejectsNonFiniteValues(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 2

	calls := 0
	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		calls++
		if calls == 2 {
			return math.NaN(), nil
		}

		return sinexp(x[0]), nil
	})

	result, err := Minimize(context.Background(), config, objective)

	var evalErr *ObjectiveEvaluationError
	require.ErrorAs(t, err, &evalErr)
	assert.Equal(t, 1, evalErr.Iteration)
	assert.Equal(t, 1, result.Len())
}

func TestRunAbortsOnSingularCovariance(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 3
	config.Noise = 0
	config.Hyperparameters.InitialUpdate = false
	config.Jitter = JitterPolicy{MaxAttempts: 1}
	config.InitialData = []Observation{
		{X: []float64{2}, Y: sinexp(2)},
		{X: []float64{2}, Y: sinexp(2)},
	}

	calls := 0
	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		calls++

		return sinexp(x[0]), nil
	})

	driver, err := New(config, objective)
	require.NoError(t, err)

	result, err := driver.Run(context.Background())

	var numErr *NumericalInstabilityError
	require.ErrorAs(t, err, &numErr)
	assert.Equal(t, 2, numErr.Iteration)
	assert.Equal(t, 1, numErr.Attempts)
	assert.Contains(t, err.Error(), "iteration 2")

	require.NotNil(t, result)
	assert.Equal(t, 2, result.Len())
	assert.Equal(t, TerminationNumericalError, result.Termination())
	assert.Nil(t, result.Model())
	assert.Equal(t, StateDone, driver.State())
	assert.Zero(t, calls)

	targets := transitionTargets(result)
	assert.Equal(t, StateDone, targets[len(targets)-1])
}

func TestRunKeepsHyperparametersWhenEveryRestartDiverges(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)

	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 3
	config.Logger = zap.New(core)

	// Values this large overflow the likelihood for every hyperparameter
	// while the model itself still fits and predicts.
	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		return 1e200 * sinexp(x[0]), nil
	})

	result, err := Minimize(context.Background(), config, objective)
	require.NoError(t, err)

	initial := config.initialHyperparameters()

	assert.Equal(t, TerminationExhausted, result.Termination())
	assert.Equal(t, 6, result.Len())
	assert.Equal(t, initial, result.Hyperparameters())
	require.NotNil(t, result.Model())

	for _, rec := range result.Records() {
		assert.Equal(t, initial, rec.Hyperparameters)
	}

	diverged := logs.FilterMessage("Hyperparameter optimization diverged, keeping previous values")
	assert.Equal(t, config.IterPoints, diverged.Len())

	for _, entry := range diverged.All() {
		assert.Contains(t, entry.ContextMap()["error"], "restart")
	}
}

func TestResultModelIsACopy(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 2

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)

	theta := result.Hyperparameters()

	model := result.Model()
	require.NotNil(t, model)

	changed := theta.Clone()
	changed.Lengthscales[0] *= 7
	require.NoError(t, model.SetHyperparameters(changed))
	require.NoError(t, model.Fit())

	fresh := result.Model()
	require.NotSame(t, model, fresh)
	assert.Equal(t, theta, fresh.Hyperparameters())
	assert.True(t, fresh.Fitted())
	assert.Len(t, fresh.Observations(), result.Len())
}

func TestRunStopsOnCancellation(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 10

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		calls++
		if calls == 3 {
			cancel()
		}

		return sinexp(x[0]), nil
	})

	result, err := Minimize(ctx, config, objective)
	require.ErrorIs(t, err, context.Canceled)

	// The evaluation in flight completes; the loop stops at the boundary.
	assert.Equal(t, 3, result.Len())
	assert.Equal(t, TerminationCanceled, result.Termination())
}

func TestRunProgressUpdates(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 4

	total := config.InitPoints + config.IterPoints

	// Create a bidirectional channel for progress updates
	progressChan := make(chan ProgressUpdate, total)
	config.ProgressChan = progressChan

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)
	close(progressChan)

	var updates []ProgressUpdate
	for update := range progressChan {
		updates = append(updates, update)
	}

	require.Len(t, updates, total)

	for i, update := range updates {
		assert.Equal(t, i+1, update.CurrentIteration)
		assert.Equal(t, total, update.TotalIterations)
		assert.Equal(t, result.Record(i).X, update.CurrentX)
		assert.Equal(t, result.Record(i).BestY, update.BestY)
	}

	assert.Equal(t, "warmup", updates[0].Phase)
	assert.Equal(t, "refining", updates[total-1].Phase)
}

func TestRunProgressNeverBlocks(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 2

	// Unbuffered and never read.
	config.ProgressChan = make(chan ProgressUpdate)

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)
	assert.Equal(t, 4, result.Len())
}

func TestRunIsOneShot(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 2
	config.IterPoints = 0

	driver, err := New(config, sinexpObjective())
	require.NoError(t, err)

	_, err = driver.Run(context.Background())
	require.NoError(t, err)

	result, err := driver.Run(context.Background())
	assert.ErrorIs(t, err, ErrDone)
	assert.Nil(t, result)
}

func TestRunWithInitialData(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 1
	config.InitialData = []Observation{
		{X: []float64{1}, Y: sinexp(1)},
		{X: []float64{6}, Y: sinexp(6)},
	}

	calls := 0
	objective := ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		calls++

		return sinexp(x[0]), nil
	})

	result, err := Minimize(context.Background(), config, objective)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
	require.Equal(t, 4, result.Len())
	assert.False(t, result.Record(0).Evaluated)
	assert.False(t, result.Record(1).Evaluated)
	assert.True(t, result.Record(2).Evaluated)
	assert.Equal(t, []float64{6}, result.Record(1).X)
}

func TestRunConverges(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 10
	config.Convergence = ConvergenceConfig{Tolerance: 1e9, Patience: 2}

	result, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)

	assert.Equal(t, 6, result.Len())
	assert.Equal(t, TerminationConverged, result.Termination())
	assert.Equal(t, []State{StateWarmup, StateRefining, StateConverged, StateDone}, transitionTargets(result))
}

func TestRunIsReproducible(t *testing.T) {
	config := sinexpConfig()
	config.InitPoints = 3
	config.IterPoints = 3

	a, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)

	b, err := Minimize(context.Background(), config, sinexpObjective())
	require.NoError(t, err)

	for i := 0; i < a.Len(); i++ {
		assert.Equal(t, a.Record(i).X, b.Record(i).X)
	}

	assert.NotEqual(t, a.RunID(), b.RunID())
}

func TestRunWithEveryAcquisition(t *testing.T) {
	for _, kind := range []AcquisitionKind{AcquisitionELCB, AcquisitionEI, AcquisitionPI, AcquisitionTS} {
		t.Run(string(kind), func(t *testing.T) {
			config := sinexpConfig()
			config.InitPoints = 3
			config.IterPoints = 3
			config.Acquisition.Function = kind

			result, err := Minimize(context.Background(), config, sinexpObjective())
			require.NoError(t, err)
			assert.Equal(t, 6, result.Len())

			for _, rec := range result.Records() {
				assert.True(t, config.Bounds.Contains(rec.X))
			}
		})
	}
}

func TestNewRejectsBadConfiguration(t *testing.T) {
	var cfgErr *ConfigurationError

	_, err := New(DefaultConfig(), sinexpObjective())
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bounds", cfgErr.Field)

	_, err = New(sinexpConfig(), nil)
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "objective", cfgErr.Field)
}
