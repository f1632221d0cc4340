package bo

import (
	"errors"
	"fmt"
	"strings"
)

//////
// Sentinels.
//////

var (
	// ErrNotFitted is returned by Model.Predict when the cached factorization
	// is missing or stale (the dataset or the hyperparameters changed since the
	// last Fit).
	ErrNotFitted = errors.New("model is not fitted")

	// ErrDone is returned when Run is called on a driver that already ran.
	ErrDone = errors.New("driver already ran to completion")
)

//////
// Error taxonomy.
//////

// ConfigurationError reports malformed bounds, inconsistent dimensionality or
// out-of-range options. It is always returned before the loop starts.
type ConfigurationError struct {
	// Field is the offending option, e.g. "bounds[1]" or "initpts".
	Field string

	// Reason describes what is wrong with it.
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NumericalInstabilityError reports a covariance matrix that could not be
// factorized even after the jitter retries were exhausted.
type NumericalInstabilityError struct {
	// Condition is the 2-norm condition estimate of the failing matrix.
	Condition float64

	// Jitter is the last diagonal jitter tried.
	Jitter float64

	// Attempts is the number of factorizations tried.
	Attempts int

	// Iteration is the driver iteration that triggered the fit, or -1 when the
	// model was fitted outside a run.
	Iteration int
}

// Error implements the error interface.
func (e *NumericalInstabilityError) Error() string {
	return fmt.Sprintf(
		"covariance matrix is not positive definite after %d attempts (iteration %d, condition %.3e, jitter %.3e)",
		e.Attempts, e.Iteration, e.Condition, e.Jitter,
	)
}

// ObjectiveEvaluationError reports a failing objective call or a malformed
// (NaN/Inf) objective value. It aborts the run.
type ObjectiveEvaluationError struct {
	// X is the point the driver attempted to evaluate.
	X []float64

	// Iteration is the index the observation would have had.
	Iteration int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *ObjectiveEvaluationError) Error() string {
	return fmt.Sprintf("objective evaluation failed at iteration %d, x=%s: %v", e.Iteration, formatVector(e.X), e.Err)
}

// Unwrap returns the underlying cause.
func (e *ObjectiveEvaluationError) Unwrap() error {
	return e.Err
}

// OptimizerDivergenceError reports that every hyperparameter restart failed.
// The driver recovers from it by keeping the previous hyperparameters.
type OptimizerDivergenceError struct {
	// Restarts is the number of restarts attempted.
	Restarts int

	// Err joins the per-restart failures.
	Err error
}

// Error implements the error interface.
func (e *OptimizerDivergenceError) Error() string {
	return fmt.Sprintf("hyperparameter optimization diverged in all %d restarts: %v", e.Restarts, e.Err)
}

// Unwrap returns the joined per-restart failures.
func (e *OptimizerDivergenceError) Unwrap() error {
	return e.Err
}

func formatVector(x []float64) string {
	parts := make([]string, len(x))
	for i, v := range x {
		parts[i] = fmt.Sprintf("%.6g", v)
	}

	return "[" + strings.Join(parts, ", ") + "]"
}
