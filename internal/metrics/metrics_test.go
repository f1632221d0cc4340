package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thalesfsp/bo"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// value returns the first sample of the named family matching label, or
// false when absent.
func value(t *testing.T, m *Metrics, name, label, labelValue string) (float64, bool) {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}

		for _, metric := range mf.GetMetric() {
			match := label == ""
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == labelValue {
					match = true
				}
			}

			if !match {
				continue
			}

			if c := metric.GetCounter(); c != nil {
				return c.GetValue(), true
			}

			return metric.GetGauge().GetValue(), true
		}
	}

	return 0, false
}

func TestObserve(t *testing.T) {
	m := New()

	m.Observe(bo.ProgressUpdate{Phase: "warmup", CurrentIteration: 0, LastY: 0.5, BestY: 0.5})
	m.Observe(bo.ProgressUpdate{Phase: "warmup", CurrentIteration: 1, LastY: 0.9, BestY: 0.5})
	m.Observe(bo.ProgressUpdate{
		Phase:            "refining",
		CurrentIteration: 2,
		LastY:            -0.2,
		BestY:            -0.2,
		Hyperparameters:  bo.Hyperparameters{Variance: 2, Lengthscales: []float64{0.7, 3}, Noise: 1e-6},
	})

	warmup, ok := value(t, m, "bo_evaluations_total", "phase", "warmup")
	require.True(t, ok)
	assert.Equal(t, 2.0, warmup)

	refining, _ := value(t, m, "bo_evaluations_total", "phase", "refining")
	assert.Equal(t, 1.0, refining)

	best, _ := value(t, m, "bo_best_value", "", "")
	assert.Equal(t, -0.2, best)

	iteration, _ := value(t, m, "bo_iteration", "", "")
	assert.Equal(t, 2.0, iteration)

	ls, ok := value(t, m, "bo_hyperparameter", "name", "lengthscale_1")
	require.True(t, ok)
	assert.Equal(t, 3.0, ls)
}

func TestConsumeStopsOnClose(t *testing.T) {
	m := New()
	updates := make(chan bo.ProgressUpdate, 3)

	for i := range 3 {
		updates <- bo.ProgressUpdate{Phase: "warmup", CurrentIteration: i, LastY: float64(i), BestY: 0}
	}

	close(updates)
	m.Consume(context.Background(), updates)

	total, _ := value(t, m, "bo_evaluations_total", "phase", "warmup")
	assert.Equal(t, 3.0, total)
}

func TestConsumeStopsOnCancel(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Consume(ctx, make(chan bo.ProgressUpdate))
	}()

	<-done
}

func TestFinishAndWriteFile(t *testing.T) {
	config := bo.DefaultConfig()
	config.Bounds = bo.Domain{{Lower: 0, Upper: 1}}
	config.InitPoints = 2
	config.IterPoints = 0
	config.Seed = 3

	objective := bo.ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		return x[0] * x[0], nil
	})

	result, err := bo.Minimize(context.Background(), config, objective)
	require.NoError(t, err)

	m := New()
	m.Finish(result)
	m.Finish(nil)

	info, ok := value(t, m, "bo_run_info", "run_id", result.RunID())
	require.True(t, ok)
	assert.Equal(t, 1.0, info)

	path := filepath.Join(t.TempDir(), "run.prom")
	require.NoError(t, m.WriteFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bo_run_info{")
	assert.Contains(t, string(data), `termination="exhausted"`)
}

func TestFinishCountsDroppedUpdates(t *testing.T) {
	config := bo.DefaultConfig()
	config.Bounds = bo.Domain{{Lower: 0, Upper: 1}}
	config.InitPoints = 3
	config.IterPoints = 2
	config.Seed = 5

	// One slot: most updates are dropped since nothing reads during the run.
	progress := make(chan bo.ProgressUpdate, 1)
	config.ProgressChan = progress

	objective := bo.ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
		return (x[0] - 0.3) * (x[0] - 0.3), nil
	})

	result, err := bo.Minimize(context.Background(), config, objective)
	require.NoError(t, err)
	close(progress)

	m := New()
	m.Consume(context.Background(), progress)

	warmup, _ := value(t, m, "bo_evaluations_total", "phase", "warmup")
	require.Equal(t, 1.0, warmup)

	m.Finish(result)

	warmup, _ = value(t, m, "bo_evaluations_total", "phase", "warmup")
	assert.Equal(t, 3.0, warmup)

	refining, ok := value(t, m, "bo_evaluations_total", "phase", "refining")
	require.True(t, ok)
	assert.Equal(t, 2.0, refining)

	iteration, _ := value(t, m, "bo_iteration", "", "")
	assert.Equal(t, 5.0, iteration)

	// Finishing twice does not count twice.
	m.Finish(result)

	refining, _ = value(t, m, "bo_evaluations_total", "phase", "refining")
	assert.Equal(t, 2.0, refining)
}
