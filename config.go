package bo

import (
	"fmt"
	"math"
)

//////
// Factory.
//////

// DefaultConfig returns a default configuration. Bounds are left empty and
// must be set by the caller.
func DefaultConfig() Config {
	return Config{
		Kernel:     []KernelKind{RBF},
		YRange:     Bound{Lower: 0, Upper: 1},
		InitPoints: 5,
		IterPoints: 20,
		Noise:      1e-6,
		InitType:   InitLatinHypercube,
		Acquisition: AcquisitionParams{
			Function: AcquisitionLCB,
			Kappa:    2.0,
			Xi:       0.01,
		},
		Hyperparameters: HyperparameterConfig{
			Restarts:        3,
			MaxIterations:   200,
			UpdateFrequency: 1,
			InitialUpdate:   true,
		},
		Search: SearchConfig{
			Candidates:     256,
			Starts:         5,
			MaxEvaluations: 200,
			TieTolerance:   1e-9,
		},
		Jitter:       DefaultJitterPolicy(),
		ProgressChan: nil, // Default to no progress updates.
	}
}

//////
// Methods.
//////

// Validate checks the configuration and returns a *ConfigurationError
// describing the first problem found.
func (c Config) Validate() error {
	if len(c.Bounds) == 0 {
		return &ConfigurationError{Field: "bounds", Reason: "at least one dimension is required"}
	}

	for i, b := range c.Bounds {
		if !isFinite(b.Lower) || !isFinite(b.Upper) || !(b.Lower < b.Upper) {
			return &ConfigurationError{
				Field:  fmt.Sprintf("bounds[%d]", i),
				Reason: fmt.Sprintf("lower (%g) must be strictly less than upper (%g)", b.Lower, b.Upper),
			}
		}
	}

	if _, err := NewKernel(c.Bounds, c.Kernel, c.Periods); err != nil {
		return err
	}

	if !isFinite(c.YRange.Lower) || !isFinite(c.YRange.Upper) || !(c.YRange.Lower < c.YRange.Upper) {
		return &ConfigurationError{Field: "yrange", Reason: "lower must be strictly less than upper"}
	}

	if c.InitPoints < 1 {
		return &ConfigurationError{Field: "initpts", Reason: "must be at least 1"}
	}

	if c.IterPoints < 0 {
		return &ConfigurationError{Field: "iterpts", Reason: "must not be negative"}
	}

	if c.Noise < 0 || !isFinite(c.Noise) {
		return &ConfigurationError{Field: "noise", Reason: "must be a non-negative number"}
	}

	switch c.InitType {
	case InitLatinHypercube, InitRandom, "":
	default:
		return &ConfigurationError{Field: "inittype", Reason: fmt.Sprintf("unknown initial design %q", c.InitType)}
	}

	if len(c.InitialData) > c.InitPoints {
		return &ConfigurationError{
			Field:  "initial_data",
			Reason: fmt.Sprintf("%d observations exceed initpts (%d)", len(c.InitialData), c.InitPoints),
		}
	}

	for i, obs := range c.InitialData {
		if len(obs.X) != c.Bounds.Dim() {
			return &ConfigurationError{
				Field:  fmt.Sprintf("initial_data[%d]", i),
				Reason: fmt.Sprintf("expected %d coordinates, got %d", c.Bounds.Dim(), len(obs.X)),
			}
		}

		if !c.Bounds.Contains(obs.X) {
			return &ConfigurationError{Field: fmt.Sprintf("initial_data[%d]", i), Reason: "point lies outside bounds"}
		}

		if !isFinite(obs.Y) {
			return &ConfigurationError{Field: fmt.Sprintf("initial_data[%d]", i), Reason: "value must be finite"}
		}
	}

	if err := c.validateAcquisition(); err != nil {
		return err
	}

	if err := c.validateHyperparameters(); err != nil {
		return err
	}

	if c.Search.Candidates < 1 {
		return &ConfigurationError{Field: "search.candidates", Reason: "must be at least 1"}
	}

	if c.Search.Starts < 0 || c.Search.MaxEvaluations < 0 || c.Search.Workers < 0 {
		return &ConfigurationError{Field: "search", Reason: "starts, max_evaluations and workers must not be negative"}
	}

	if c.Search.TieTolerance < 0 {
		return &ConfigurationError{Field: "search.tie_tolerance", Reason: "must not be negative"}
	}

	if c.Convergence.Tolerance > 0 && c.Convergence.Patience < 1 {
		return &ConfigurationError{Field: "convergence.patience", Reason: "must be at least 1 when a tolerance is set"}
	}

	return nil
}

func (c Config) validateAcquisition() error {
	if _, _, err := c.Acquisition.resolve(); err != nil {
		return err
	}

	if c.Acquisition.Kappa < 0 || math.IsNaN(c.Acquisition.Kappa) {
		return &ConfigurationError{Field: "acquisition.kappa", Reason: "must not be negative"}
	}

	if c.Acquisition.Xi < 0 || math.IsNaN(c.Acquisition.Xi) {
		return &ConfigurationError{Field: "acquisition.xi", Reason: "must not be negative"}
	}

	return nil
}

func (c Config) validateHyperparameters() error {
	h := c.Hyperparameters

	if h.Restarts < 1 {
		return &ConfigurationError{Field: "hyperparameters.restarts", Reason: "must be at least 1"}
	}

	if h.Workers < 0 || h.MaxIterations < 0 {
		return &ConfigurationError{Field: "hyperparameters", Reason: "workers and max_iterations must not be negative"}
	}

	if h.UpdateFrequency < 0 {
		return &ConfigurationError{Field: "hyperparameters.update_frequency", Reason: "must not be negative"}
	}

	if h.Initial != nil {
		if len(h.Initial.Lengthscales) != c.Bounds.Dim() {
			return &ConfigurationError{
				Field:  "hyperparameters.initial.lengthscales",
				Reason: fmt.Sprintf("expected %d values, got %d", c.Bounds.Dim(), len(h.Initial.Lengthscales)),
			}
		}

		if !h.Initial.valid() {
			return &ConfigurationError{Field: "hyperparameters.initial", Reason: "variance and lengthscales must be positive"}
		}
	}

	checkBound := func(field string, b *Bound) error {
		if b == nil {
			return nil
		}

		if !(b.Lower > 0) || !(b.Lower < b.Upper) || !isFinite(b.Upper) {
			return &ConfigurationError{Field: field, Reason: "expected 0 < lower < upper"}
		}

		return nil
	}

	if err := checkBound("hyperparameters.variance_bounds", h.VarianceBounds); err != nil {
		return err
	}

	if err := checkBound("hyperparameters.noise_bounds", h.NoiseBounds); err != nil {
		return err
	}

	if n := len(h.LengthscaleBounds); n != 0 && n != 1 && n != c.Bounds.Dim() {
		return &ConfigurationError{
			Field:  "hyperparameters.lengthscale_bounds",
			Reason: fmt.Sprintf("expected 1 or %d bounds, got %d", c.Bounds.Dim(), n),
		}
	}

	for i := range h.LengthscaleBounds {
		if err := checkBound(fmt.Sprintf("hyperparameters.lengthscale_bounds[%d]", i), &h.LengthscaleBounds[i]); err != nil {
			return err
		}
	}

	return nil
}
