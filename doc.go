// Package bo provides sequential Bayesian optimization of expensive black-box
// functions using Gaussian Process regression. It locates the minimum of a
// function over a bounded domain with as few evaluations as possible, e.g. a
// 1-D test function or a conformer energy landscape over a few torsion angles.
//
// # Features
//
// The package includes the following key features:
//
//   - Gaussian Process Regression: Cholesky-based posterior with a cached
//     factorization and geometric jitter retries for ill-conditioned data
//   - Product Kernels: squared-exponential ("rbf") and standard periodic
//     ("stdp") factors, chosen per dimension
//   - Hyperparameter Fitting: L-BFGS maximization of the log marginal
//     likelihood (optionally with gamma priors) with parallel restarts
//   - Multiple Acquisition Functions: Lower Confidence Bound (LCB),
//     exploratory LCB (ELCB), Probability of Improvement (PI), Expected
//     Improvement (EI), and Thompson Sampling
//   - Global Acquisition Search: Latin hypercube candidates scored in
//     parallel, refined with Nelder-Mead, ties broken away from existing data
//   - Progress Monitoring: Real-time updates on optimization progress via channels
//   - Immutable Results: every evaluation, the hyperparameters used, the best
//     point so far and the predicted minimum trajectory
//
// # Usage
//
//	config := bo.DefaultConfig()
//	config.Bounds = bo.Domain{{Lower: 0, Upper: 7}}
//	config.YRange = bo.Bound{Lower: -1, Upper: 1}
//	config.InitPoints = 2
//	config.IterPoints = 5
//
//	objective := bo.ObjectiveFunc(func(_ context.Context, x []float64) (float64, error) {
//	    return math.Sin(x[0]) + 1.5*math.Exp(-(x[0]-4.3)*(x[0]-4.3)), nil
//	})
//
//	result, err := bo.Minimize(ctx, config, objective)
//	if err != nil {
//	    return err
//	}
//
//	best, _ := result.Best()
//
// # Driver States
//
// A Driver moves through
//
//	INITIALIZING -> WARMUP -> REFINING -> CONVERGED | EXHAUSTED -> DONE
//
// WARMUP evaluates initpts points of a Latin hypercube (or uniform random)
// design. Every REFINING iteration fits the model, proposes one point,
// evaluates it and records it. The run stops after iterpts iterations, or
// earlier when the optional convergence criterion holds.
//
// # Acquisition Functions
//
// All acquisition functions are minimized:
//
// 1. Lower Confidence Bound (LCB):
//
//   - mean - kappa*sigma
//
//   - Default choice, works well in most cases
//
//     config.Acquisition.Function = bo.AcquisitionLCB
//     config.Acquisition.Kappa = 2.0
//
// 2. Exploratory LCB (ELCB):
//
//   - kappa grows with the number of observations and the dimensionality
//
//     config.Acquisition.Function = bo.AcquisitionELCB
//
// 3. Probability of Improvement (PI) and Expected Improvement (EI):
//
//   - Negated, so that lower is better
//
//     config.Acquisition.Function = bo.AcquisitionEI
//     config.Acquisition.Xi = 0.01
//
// 4. Thompson Sampling:
//
//   - Random draw from the marginal posterior
//
//     config.Acquisition.Function = bo.AcquisitionTS
//
// # Errors
//
// Configuration problems are returned by New as *ConfigurationError. A failing
// objective aborts the run with *ObjectiveEvaluationError and a covariance that
// cannot be factorized aborts it with *NumericalInstabilityError; in both
// cases the partial Result is returned next to the error. When every
// hyperparameter restart diverges the previous hyperparameters are kept and a
// warning is logged.
//
// # Thread Safety
//
//   - A Driver runs once, on the calling goroutine, and never evaluates the
//     objective concurrently
//   - Hyperparameter restarts and candidate scoring run in parallel, read-only
//     with respect to the model
//   - Model uses RWMutex; Predict may be called concurrently
//   - Progress channel sends never block
package bo
