package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thalesfsp/bo"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadDefaultsNeedBounds(t *testing.T) {
	rf, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"rbf"}, rf.Kernel)
	assert.Equal(t, 5, rf.InitPoints)
	assert.Equal(t, "sinexp", rf.Objective.Name)
	assert.Equal(t, "json", rf.Output.Format)

	_, err = rf.Config()

	var cfgErr *bo.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "bounds", cfgErr.Field)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSampleRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSample(&buf, Sample()))

	assert.Contains(t, buf.String(), "# bo run file.")
	assert.Contains(t, buf.String(), "# One [lower, upper] pair per dimension.")

	rf, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)

	config, err := rf.Config()
	require.NoError(t, err)

	assert.Equal(t, bo.Domain{{Lower: 0, Upper: 7}}, config.Bounds)
	assert.Equal(t, bo.Bound{Lower: -1, Upper: 1}, config.YRange)
	assert.Equal(t, bo.AcquisitionLCB, config.Acquisition.Function)
	assert.Equal(t, bo.DefaultConfig().Search, config.Search)
	assert.Equal(t, bo.DefaultConfig().Jitter, config.Jitter)
	assert.Equal(t, 3, config.Hyperparameters.Restarts)

	timeout, err := rf.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, timeout)
}

func TestLoadFullFile(t *testing.T) {
	path := writeFile(t, `
bounds:
  - [0, 360]
  - [1.0, 2.5]
kernel: [stdp, RBF]
yrange: [-5, 5]
initpts: 4
iterpts: 12
noise: 0.001
fit_noise: true
inittype: random
seed: 42
initial_data:
  - x: [10, 1.5]
    y: -0.5
acquisition:
  function: ei
  xi: 0.1
hyperparameters:
  restarts: 2
  priors: true
  initial:
    variance: 4
    lengthscales: [30, 0.2]
  variance_bounds: [0.1, 100]
  lengthscale_bounds:
    - [1, 360]
    - [0.01, 2]
convergence:
  tolerance: 0.001
  patience: 3
objective:
  name: command
  command: [python3, energy.py]
`)

	rf, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "energy.py"}, rf.Objective.Command)

	config, err := rf.Config()
	require.NoError(t, err)

	assert.Equal(t, []bo.KernelKind{bo.StdPeriodic, bo.RBF}, config.Kernel)
	assert.Equal(t, 4, config.InitPoints)
	assert.Equal(t, 12, config.IterPoints)
	assert.True(t, config.FitNoise)
	assert.Equal(t, bo.InitRandom, config.InitType)
	assert.Equal(t, uint64(42), config.Seed)
	require.Len(t, config.InitialData, 1)
	assert.Equal(t, []float64{10, 1.5}, config.InitialData[0].X)
	assert.Equal(t, bo.AcquisitionEI, config.Acquisition.Function)
	assert.Equal(t, 0.1, config.Acquisition.Xi)
	assert.Equal(t, 2.0, config.Acquisition.Kappa)
	assert.True(t, config.Hyperparameters.Priors)
	require.NotNil(t, config.Hyperparameters.Initial)
	assert.Equal(t, []float64{30, 0.2}, config.Hyperparameters.Initial.Lengthscales)
	assert.Equal(t, &bo.Bound{Lower: 0.1, Upper: 100}, config.Hyperparameters.VarianceBounds)
	assert.Nil(t, config.Hyperparameters.NoiseBounds)
	assert.Len(t, config.Hyperparameters.LengthscaleBounds, 2)
	assert.Equal(t, bo.ConvergenceConfig{Tolerance: 0.001, Patience: 3}, config.Convergence)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("BO_ITERPTS", "7")
	t.Setenv("BO_ACQUISITION_FUNCTION", "pi")
	t.Setenv("BO_OUTPUT_FORMAT", "yaml")

	var buf bytes.Buffer
	require.NoError(t, WriteSample(&buf, Sample()))

	rf, err := Load(writeFile(t, buf.String()))
	require.NoError(t, err)
	assert.Equal(t, "yaml", rf.Output.Format)

	config, err := rf.Config()
	require.NoError(t, err)
	assert.Equal(t, 7, config.IterPoints)
	assert.Equal(t, bo.AcquisitionPI, config.Acquisition.Function)
}

func TestConfigErrors(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"short bound", "bounds: [[0]]\n", "bounds[0]"},
		{"short yrange", "bounds: [[0, 1]]\nyrange: [1]\n", "yrange"},
		{"inverted bound", "bounds: [[1, 0]]\n", "bounds[0]"},
		{"unknown acquisition", "bounds: [[0, 1]]\nacquisition:\n  function: ucb\n", "acquisition.function"},
		{"noise bounds", "bounds: [[0, 1]]\nhyperparameters:\n  noise_bounds: [1]\n", "hyperparameters.noise_bounds"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rf, err := Load(writeFile(t, tc.yaml))
			require.NoError(t, err)

			_, err = rf.Config()

			var cfgErr *bo.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}
}

func TestTimeoutDuration(t *testing.T) {
	rf := &RunFile{}

	d, err := rf.TimeoutDuration()
	require.NoError(t, err)
	assert.Zero(t, d)

	rf.Timeout = "90s"
	d, err = rf.TimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	rf.Timeout = "soon"
	_, err = rf.TimeoutDuration()

	var cfgErr *bo.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "timeout", cfgErr.Field)
}
