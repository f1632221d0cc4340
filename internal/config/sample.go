package config

import (
	"fmt"
	"io"

	"github.com/thalesfsp/bo"
	"github.com/thalesfsp/bo/internal/logger"
	"gopkg.in/yaml.v3"
)

// comments documents the top-level keys of a written sample.
var comments = map[string]string{
	"bounds":          "One [lower, upper] pair per dimension.",
	"kernel":          "rbf or stdp, either one name or one per dimension.",
	"yrange":          "Expected objective range; sets the initial signal variance.",
	"initpts":         "Warmup evaluations, including initial_data.",
	"iterpts":         "Refining evaluations after warmup.",
	"noise":           "Observation noise variance.",
	"inittype":        "Initial design: lhs or random.",
	"seed":            "Zero seeds from the clock.",
	"acquisition":     "function: lcb, elcb, ei, pi or ts.",
	"hyperparameters": "Marginal likelihood optimization.",
	"search":          "Acquisition minimization.",
	"convergence":     "Stop early when the predicted minimum settles. Disabled at tolerance 0.",
	"jitter":          "Diagonal jitter retries for the Cholesky factorization.",
	"objective":       "sinexp, torsion, or command (arguments are appended per evaluation).",
	"output":          "format: json or yaml. An empty path writes to stdout.",
	"logger":          "level: debug, info, warn or error. format: console or json.",
	"timeout":         "Optional wall-clock limit, e.g. 10m.",
}

// Sample returns a run file for the built-in sinexp objective.
func Sample() RunFile {
	def := bo.DefaultConfig()

	return RunFile{
		Bounds:     [][]float64{{0, 7}},
		Kernel:     []string{string(bo.RBF)},
		YRange:     []float64{-1, 1},
		InitPoints: def.InitPoints,
		IterPoints: def.IterPoints,
		Noise:      def.Noise,
		InitType:   string(def.InitType),
		Acquisition: AcquisitionSection{
			Function: string(def.Acquisition.Function),
			Kappa:    def.Acquisition.Kappa,
			Xi:       def.Acquisition.Xi,
		},
		Hyperparameters: HyperparameterSection{
			Restarts:        def.Hyperparameters.Restarts,
			MaxIterations:   def.Hyperparameters.MaxIterations,
			UpdateFrequency: def.Hyperparameters.UpdateFrequency,
			InitialUpdate:   def.Hyperparameters.InitialUpdate,
		},
		Search:      SearchSection(def.Search),
		Convergence: ConvergenceSection(def.Convergence),
		Jitter:      JitterSection(def.Jitter),
		Objective:   ObjectiveSection{Name: "sinexp"},
		Output:      OutputSection{Format: "json"},
		Logger:      logger.DefaultConfig(),
		Timeout:     "10m",
	}
}

// WriteSample encodes rf as commented YAML.
func WriteSample(w io.Writer, rf RunFile) error {
	var doc yaml.Node
	if err := doc.Encode(rf); err != nil {
		return fmt.Errorf("encoding run file: %w", err)
	}

	// Mapping nodes alternate key and value.
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if c, ok := comments[doc.Content[i].Value]; ok {
			doc.Content[i].HeadComment = c
		}
	}

	if _, err := fmt.Fprintf(w, "# bo run file. Every key can be overridden with %s_<KEY>, e.g. %s_ITERPTS=40.\n\n", EnvPrefix, EnvPrefix); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("writing run file: %w", err)
	}

	return enc.Close()
}
