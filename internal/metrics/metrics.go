// Package metrics turns driver progress into Prometheus metrics. Runs are
// one-shot, so metrics are written to a text file in the node exporter
// textfile format rather than served.
package metrics

import (
	"context"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/thalesfsp/bo"
)

const namespace = "bo"

// Metrics holds the run metrics on a private registry.
type Metrics struct {
	registry        *prometheus.Registry
	evaluations     *prometheus.CounterVec
	iteration       prometheus.Gauge
	lastValue       prometheus.Gauge
	bestValue       prometheus.Gauge
	hyperparameters *prometheus.GaugeVec
	runDuration     prometheus.Gauge
	runInfo         *prometheus.GaugeVec

	// mu protects observed.
	mu       sync.Mutex
	observed map[string]int
}

// New creates and registers the run metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		observed: make(map[string]int),
		evaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of recorded observations by phase",
			},
			[]string{"phase"},
		),
		iteration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "iteration",
			Help:      "Index of the latest observation",
		}),
		lastValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_value",
			Help:      "Objective value of the latest observation",
		}),
		bestValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_value",
			Help:      "Lowest objective value observed so far",
		}),
		hyperparameters: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "hyperparameter",
				Help:      "Current GP hyperparameters",
			},
			[]string{"name"},
		),
		runDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of the run",
		}),
		runInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_info",
				Help:      "Run identifier and termination reason",
			},
			[]string{"run_id", "termination"},
		),
	}

	m.registry.MustRegister(
		m.evaluations,
		m.iteration,
		m.lastValue,
		m.bestValue,
		m.hyperparameters,
		m.runDuration,
		m.runInfo,
	)

	return m
}

// Registry exposes the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Observe records one progress update.
func (m *Metrics) Observe(update bo.ProgressUpdate) {
	m.mu.Lock()
	m.observed[update.Phase]++
	m.mu.Unlock()

	m.evaluations.WithLabelValues(update.Phase).Inc()
	m.iteration.Set(float64(update.CurrentIteration))
	m.lastValue.Set(update.LastY)
	m.bestValue.Set(update.BestY)

	m.setHyperparameters(update.Hyperparameters)
}

func (m *Metrics) setHyperparameters(theta bo.Hyperparameters) {
	m.hyperparameters.WithLabelValues("variance").Set(theta.Variance)
	m.hyperparameters.WithLabelValues("noise").Set(theta.Noise)

	for d, l := range theta.Lengthscales {
		m.hyperparameters.WithLabelValues("lengthscale_" + strconv.Itoa(d)).Set(l)
	}
}

// Consume observes updates until updates is closed or ctx is done.
func (m *Metrics) Consume(ctx context.Context, updates <-chan bo.ProgressUpdate) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}

			m.Observe(update)
		}
	}
}

// Finish records the outcome of a run. Updates dropped by a lagging
// consumer are made up for from the result records.
func (m *Metrics) Finish(result *bo.Result) {
	if result == nil {
		return
	}

	m.reconcile(result.Records())

	m.runDuration.Set(result.Duration().Seconds())
	m.runInfo.WithLabelValues(result.RunID(), string(result.Termination())).Set(1)

	if best, ok := result.Best(); ok {
		m.bestValue.Set(best.Y)
	}
}

// reconcile brings the evaluation counters and the latest-observation
// gauges in line with records.
func (m *Metrics) reconcile(records []bo.IterationRecord) {
	if len(records) == 0 {
		return
	}

	recorded := make(map[string]int)
	for _, rec := range records {
		recorded[rec.Phase.String()]++
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for phase, n := range recorded {
		if missing := n - m.observed[phase]; missing > 0 {
			m.evaluations.WithLabelValues(phase).Add(float64(missing))
			m.observed[phase] = n
		}
	}

	last := records[len(records)-1]
	m.iteration.Set(float64(last.Iteration + 1))
	m.lastValue.Set(last.Y)
	m.setHyperparameters(last.Hyperparameters)
}

// WriteFile writes the metrics to path atomically.
func (m *Metrics) WriteFile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
