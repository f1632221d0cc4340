package bo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// newSinModel fits a 1-D model on sin(x) sampled at 0, 1, ..., n-1.
func newSinModel(t *testing.T, n int, noise float64) (*Model, *Dataset) {
	t.Helper()

	domain := Domain{{Lower: 0, Upper: float64(n)}}
	kernel, err := NewKernel(domain, []KernelKind{RBF}, nil)
	require.NoError(t, err)

	data := NewDataset(1)
	for i := 0; i < n; i++ {
		require.NoError(t, data.Append([]float64{float64(i)}, math.Sin(float64(i))))
	}

	theta := Hyperparameters{Variance: 1, Lengthscales: []float64{1}, Noise: noise}

	model, err := NewModel(kernel, data, theta, DefaultJitterPolicy(), nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit())

	return model, data
}

func TestModelInterpolatesInTheNoiselessLimit(t *testing.T) {
	model, data := newSinModel(t, 7, 1e-10)

	for _, obs := range data.Observations() {
		mean, variance, err := model.Predict(obs.X)
		require.NoError(t, err)

		assert.InDelta(t, obs.Y, mean, 1e-4)
		assert.GreaterOrEqual(t, variance, 0.0)
		assert.Less(t, variance, 1e-6)
	}
}

func TestModelVarianceIsNonNegative(t *testing.T) {
	model, _ := newSinModel(t, 7, 1e-3)

	for _, x := range UniformRandom(Domain{{Lower: -3, Upper: 10}}, 200, newRand(3, 0)) {
		_, variance, err := model.Predict(x)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, variance, 0.0)
		assert.LessOrEqual(t, variance, 1.0+1e-12)
	}

	// Far from the data the posterior reverts to the prior.
	mean, variance, err := model.Predict([]float64{100})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, variance, 1e-9)

	var avg float64
	for i := 0; i < 7; i++ {
		avg += math.Sin(float64(i))
	}

	assert.InDelta(t, avg/7, mean, 1e-9)
}

func TestModelRefitIsIdempotent(t *testing.T) {
	model, _ := newSinModel(t, 6, 1e-4)
	x := []float64{2.5}

	m1, v1, err := model.Predict(x)
	require.NoError(t, err)

	require.NoError(t, model.Fit())

	m2, v2, err := model.Predict(x)
	require.NoError(t, err)

	assert.Equal(t, m1, m2)
	assert.Equal(t, v1, v2)
}

func TestModelCacheInvalidation(t *testing.T) {
	model, data := newSinModel(t, 5, 1e-4)
	assert.True(t, model.Fitted())

	require.NoError(t, data.Append([]float64{4.5}, math.Sin(4.5)))
	assert.False(t, model.Fitted())

	_, _, err := model.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)

	require.NoError(t, model.Fit())
	_, _, err = model.Predict([]float64{1})
	require.NoError(t, err)

	theta := model.Hyperparameters()
	theta.Lengthscales[0] = 2
	require.NoError(t, model.SetHyperparameters(theta))

	_, _, err = model.Predict([]float64{1})
	assert.ErrorIs(t, err, ErrNotFitted)

	var cfgErr *ConfigurationError
	assert.ErrorAs(t, model.SetHyperparameters(Hyperparameters{Variance: -1, Lengthscales: []float64{1}}), &cfgErr)
	assert.ErrorAs(t, model.SetHyperparameters(Hyperparameters{Variance: 1, Lengthscales: []float64{1, 2}}), &cfgErr)
}

func TestModelWithoutData(t *testing.T) {
	kernel, err := NewKernel(Domain{{Lower: 0, Upper: 1}}, nil, nil)
	require.NoError(t, err)

	model, err := NewModel(kernel, NewDataset(1), Hyperparameters{Variance: 4, Lengthscales: []float64{0.1}}, JitterPolicy{}, nil)
	require.NoError(t, err)

	_, _, err = model.Predict([]float64{0.5})
	require.ErrorIs(t, err, ErrNotFitted)

	require.NoError(t, model.Fit())

	mean, variance, err := model.Predict([]float64{0.5})
	require.NoError(t, err)
	assert.Equal(t, 0.0, mean)
	assert.Equal(t, 4.0, variance)

	lml, err := model.LogMarginalLikelihood()
	require.NoError(t, err)
	assert.Equal(t, 0.0, lml)

	_, _, err = model.Predict([]float64{0.5, 1})
	assert.Error(t, err)
}

func TestModelJitterRecoversDuplicatePoints(t *testing.T) {
	kernel, err := NewKernel(Domain{{Lower: 0, Upper: 1}}, nil, nil)
	require.NoError(t, err)

	data := NewDataset(1)
	require.NoError(t, data.Append([]float64{0.5}, 1))
	require.NoError(t, data.Append([]float64{0.5}, 1))

	model, err := NewModel(kernel, data, Hyperparameters{Variance: 1, Lengthscales: []float64{0.2}}, DefaultJitterPolicy(), nil)
	require.NoError(t, err)
	require.NoError(t, model.Fit())
	assert.Greater(t, model.Jitter(), 0.0)

	mean, _, err := model.Predict([]float64{0.5})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mean, 1e-6)
}

func TestFactorizeReportsNumericalInstability(t *testing.T) {
	// Eigenvalues -1 and 3: no small jitter makes this positive definite.
	k := mat.NewSymDense(2, []float64{1, 2, 2, 1})

	_, _, err := factorize(k, DefaultJitterPolicy(), nil)

	var numErr *NumericalInstabilityError
	require.True(t, errors.As(err, &numErr))
	assert.Equal(t, 8, numErr.Attempts)
	assert.Equal(t, -1, numErr.Iteration)
	assert.Greater(t, numErr.Jitter, 0.0)
	assert.Contains(t, numErr.Error(), "not positive definite")
}

func TestLogMarginalLikelihood(t *testing.T) {
	kernel, err := NewKernel(Domain{{Lower: 0, Upper: 1}}, nil, nil)
	require.NoError(t, err)

	data := NewDataset(1)
	require.NoError(t, data.Append([]float64{0}, 1))
	require.NoError(t, data.Append([]float64{1}, -1))

	theta := Hyperparameters{Variance: 2, Lengthscales: []float64{1}, Noise: 0.1}

	model, err := NewModel(kernel, data, theta, DefaultJitterPolicy(), nil)
	require.NoError(t, err)

	got, err := model.LogMarginalLikelihood()
	require.NoError(t, err)

	// Closed form for the 2x2 case with the mean offset (0) removed.
	a := 2 + 0.1
	b := 2 * math.Exp(-0.5)
	det := a*a - b*b
	quad := (a*1 - 2*b*1*(-1) + a*1) / det
	want := -0.5*quad - 0.5*math.Log(det) - math.Log(2*math.Pi)

	assert.InDelta(t, want, got, 1e-10)
}

func TestModelSnapshotIsIndependent(t *testing.T) {
	model, data := newSinModel(t, 5, 1e-4)

	snap := model.snapshot()
	require.NoError(t, data.Append([]float64{4.5}, 0))

	assert.False(t, model.Fitted())
	assert.True(t, snap.Fitted())

	want, _, err := snap.Predict([]float64{2})
	require.NoError(t, err)

	got, err := snap.PredictAt([]float64{2})
	require.NoError(t, err)
	assert.Equal(t, want, got.Mean)
	assert.Len(t, snap.Observations(), 5)
}
