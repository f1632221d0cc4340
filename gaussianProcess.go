package bo

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// JitterPolicy controls the retries used when K + noise*I fails to factorize.
// Jitter starts at Initial times the mean diagonal and grows geometrically by
// Factor until MaxAttempts factorizations have been tried.
type JitterPolicy struct {
	Initial     float64 `mapstructure:"initial"`
	Factor      float64 `mapstructure:"factor"`
	MaxAttempts int     `mapstructure:"max_attempts"`
}

// DefaultJitterPolicy returns the policy used when none is configured.
func DefaultJitterPolicy() JitterPolicy {
	return JitterPolicy{Initial: 1e-10, Factor: 10, MaxAttempts: 8}
}

func (p JitterPolicy) withDefaults() JitterPolicy {
	def := DefaultJitterPolicy()

	if p.Initial <= 0 {
		p.Initial = def.Initial
	}

	if p.Factor <= 1 {
		p.Factor = def.Factor
	}

	if p.MaxAttempts < 1 {
		p.MaxAttempts = def.MaxAttempts
	}

	return p
}

// Model is a Gaussian Process regression model over a Dataset it references
// but does not own.
//
// Fit factorizes K + noise*I and caches the factorization. The cache is
// valid until the dataset grows (its version changes) or the hyperparameters
// are replaced; Predict refuses to use a stale cache and returns ErrNotFitted.
//
// The prior mean is the sample mean of the observed values.
//
// Thread safety:
// - Predict takes a read lock and may run concurrently
// - Fit and SetHyperparameters take the write lock
type Model struct {
	// mu protects access to all fields below.
	mu sync.RWMutex

	kernel *Kernel
	data   *Dataset
	theta  Hyperparameters
	jitter JitterPolicy
	logger *zap.Logger

	chol          *mat.Cholesky
	alpha         *mat.VecDense
	offset        float64
	appliedJitter float64
	fitted        bool
	fittedVersion uint64
}

//////
// Factory.
//////

// NewModel creates a model over data using kernel and the given starting
// hyperparameters. The model is not fitted.
func NewModel(kernel *Kernel, data *Dataset, theta Hyperparameters, jitter JitterPolicy, logger *zap.Logger) (*Model, error) {
	if kernel.Dim() != data.Dim() {
		return nil, &ConfigurationError{
			Field:  "kernel",
			Reason: fmt.Sprintf("kernel is %d-dimensional but data is %d-dimensional", kernel.Dim(), data.Dim()),
		}
	}

	if err := checkHyperparameters(kernel, theta); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Model{
		kernel: kernel,
		data:   data,
		theta:  theta.Clone(),
		jitter: jitter.withDefaults(),
		logger: logger,
	}, nil
}

func checkHyperparameters(kernel *Kernel, theta Hyperparameters) error {
	if len(theta.Lengthscales) != kernel.Dim() {
		return &ConfigurationError{
			Field:  "hyperparameters.lengthscales",
			Reason: fmt.Sprintf("expected %d lengthscales, got %d", kernel.Dim(), len(theta.Lengthscales)),
		}
	}

	if !theta.valid() {
		return &ConfigurationError{
			Field:  "hyperparameters",
			Reason: "variance and lengthscales must be positive, noise non-negative",
		}
	}

	return nil
}

//////
// Methods.
//////

// Fit computes the Cholesky factorization of K + noise*I over all dataset
// inputs and the weights used by Predict. When the matrix is not positive
// definite, growing jitter is added to the diagonal; once the retries are
// exhausted Fit returns a *NumericalInstabilityError and leaves the model
// unfitted.
func (m *Model) Fit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fitted = false

	n := m.data.Len()
	if n == 0 {
		m.chol, m.alpha, m.offset, m.appliedJitter = nil, nil, 0, 0
		m.fitted = true
		m.fittedVersion = m.data.Version()

		return nil
	}

	post, err := condition(m.kernel, m.data.xs, m.data.ys, m.theta, m.jitter, m.logger)
	if err != nil {
		return err
	}

	m.chol = post.chol
	m.alpha = post.alpha
	m.offset = post.offset
	m.appliedJitter = post.jitter
	m.fitted = true
	m.fittedVersion = m.data.Version()

	m.logger.Debug("Fitted GP model",
		zap.Int("samples", n),
		zap.Float64("noise", m.theta.Noise),
		zap.Float64("jitter", post.jitter),
	)

	return nil
}

// Fitted reports whether the cached factorization matches the current data
// and hyperparameters.
func (m *Model) Fitted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.fresh()
}

func (m *Model) fresh() bool {
	return m.fitted && m.fittedVersion == m.data.Version()
}

// Predict returns the posterior mean and variance of the latent function at
// x, using the cached factorization:
//
//	mean     = m0 + k(x,X) (K + noise*I)^-1 (y - m0)
//	variance = k(x,x) - k(x,X) (K + noise*I)^-1 k(X,x)
//
// The variance is clamped to be non-negative. With no observations the prior
// (m0 = 0, variance = signal variance) is returned.
func (m *Model) Predict(x []float64) (mean, variance float64, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.fresh() {
		return 0, 0, ErrNotFitted
	}

	if len(x) != m.kernel.Dim() {
		return 0, 0, fmt.Errorf("predict: expected %d-dimensional input, got %d", m.kernel.Dim(), len(x))
	}

	n := m.data.Len()
	if n == 0 {
		return 0, m.theta.Variance, nil
	}

	kx := mat.NewVecDense(n, m.kernel.Cross(x, m.data.xs, m.theta))
	mean = m.offset + mat.Dot(kx, m.alpha)

	v := mat.NewVecDense(n, nil)
	if err := solveVec(m.chol, v, kx); err != nil {
		return 0, 0, fmt.Errorf("predict: %w", err)
	}

	variance = m.theta.Variance - mat.Dot(kx, v)
	if variance < 0 {
		variance = 0
	}

	return mean, variance, nil
}

// PredictAt is Predict wrapped into a Prediction.
func (m *Model) PredictAt(x []float64) (Prediction, error) {
	mean, variance, err := m.Predict(x)
	if err != nil {
		return Prediction{}, err
	}

	return Prediction{X: cloneVector(x), Mean: mean, Variance: variance}, nil
}

// LogMarginalLikelihood returns
//
//	L = -1/2 y^T (K + noise*I)^-1 y - 1/2 log|K + noise*I| - n/2 log(2 pi)
//
// for the current data and hyperparameters.
func (m *Model) LogMarginalLikelihood() (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.data.Len() == 0 {
		return 0, nil
	}

	lml, _, err := marginalLikelihood(m.kernel, m.data.xs, m.data.ys, m.theta, m.jitter, false)

	return lml, err
}

// Hyperparameters returns a copy of the current hyperparameters.
func (m *Model) Hyperparameters() Hyperparameters {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.theta.Clone()
}

// SetHyperparameters replaces the hyperparameters and invalidates the cached
// factorization.
func (m *Model) SetHyperparameters(theta Hyperparameters) error {
	if err := checkHyperparameters(m.kernel, theta); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.theta = theta.Clone()
	m.fitted = false

	return nil
}

// Kernel returns the model's kernel.
func (m *Model) Kernel() *Kernel { return m.kernel }

// Jitter returns the diagonal jitter the last successful Fit needed.
func (m *Model) Jitter() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.appliedJitter
}

// Observations returns copies of the observations the model conditions on.
func (m *Model) Observations() []Observation {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.data.Observations()
}

// snapshot returns a deep copy that owns a copy of the dataset.
func (m *Model) snapshot() *Model {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &Model{
		kernel:        m.kernel,
		data:          m.data.clone(),
		theta:         m.theta.Clone(),
		jitter:        m.jitter,
		logger:        m.logger,
		offset:        m.offset,
		appliedJitter: m.appliedJitter,
		fitted:        m.fitted,
		fittedVersion: m.fittedVersion,
	}

	if m.chol != nil {
		out.chol = &mat.Cholesky{}
		out.chol.Clone(m.chol)
	}

	if m.alpha != nil {
		out.alpha = mat.VecDenseCopyOf(m.alpha)
	}

	return out
}

//////
// Linear algebra.
//////

// posterior is the cached state of a fitted model.
type posterior struct {
	chol   *mat.Cholesky
	alpha  *mat.VecDense
	offset float64
	jitter float64
}

// condition factorizes the covariance of xs and solves for the weights.
func condition(kernel *Kernel, xs [][]float64, ys []float64, theta Hyperparameters, policy JitterPolicy, logger *zap.Logger) (*posterior, error) {
	n := len(ys)

	var offset float64
	for _, y := range ys {
		offset += y
	}

	offset /= float64(n)

	k := kernel.Matrix(xs, theta)
	for i := 0; i < n; i++ {
		k.SetSym(i, i, k.At(i, i)+theta.Noise)
	}

	chol, jitter, err := factorize(k, policy, logger)
	if err != nil {
		return nil, err
	}

	yc := mat.NewVecDense(n, nil)
	for i, y := range ys {
		yc.SetVec(i, y-offset)
	}

	alpha := mat.NewVecDense(n, nil)
	if err := solveVec(chol, alpha, yc); err != nil {
		return nil, err
	}

	return &posterior{chol: chol, alpha: alpha, offset: offset, jitter: jitter}, nil
}

// factorize computes the Cholesky factorization of k, retrying with growing
// diagonal jitter when k is not numerically positive definite.
func factorize(k *mat.SymDense, policy JitterPolicy, logger *zap.Logger) (*mat.Cholesky, float64, error) {
	policy = policy.withDefaults()

	chol := &mat.Cholesky{}
	if chol.Factorize(k) {
		return chol, 0, nil
	}

	n, _ := k.Dims()

	scale := mat.Trace(k) / float64(n)
	if !(scale > 0) || !isFinite(scale) {
		scale = 1
	}

	jitter := policy.Initial * scale
	work := mat.NewSymDense(n, nil)

	for attempt := 2; attempt <= policy.MaxAttempts; attempt++ {
		work.CopySym(k)

		for i := 0; i < n; i++ {
			work.SetSym(i, i, k.At(i, i)+jitter)
		}

		if chol.Factorize(work) {
			if logger != nil {
				logger.Debug("Cholesky factorization needed jitter",
					zap.Int("attempt", attempt),
					zap.Float64("jitter", jitter),
				)
			}

			return chol, jitter, nil
		}

		if attempt < policy.MaxAttempts {
			jitter *= policy.Factor
		}
	}

	return nil, 0, &NumericalInstabilityError{
		Condition: mat.Cond(k, 2),
		Jitter:    jitter,
		Attempts:  policy.MaxAttempts,
		Iteration: -1,
	}
}

// solveVec solves chol * dst = b. Ill-conditioning warnings from gonum are
// not errors here: the factorization already succeeded.
func solveVec(chol *mat.Cholesky, dst *mat.VecDense, b mat.Vector) error {
	err := chol.SolveVecTo(dst, b)

	var cond mat.Condition
	if err != nil && !errors.As(err, &cond) {
		return err
	}

	return nil
}

// marginalLikelihood evaluates the log marginal likelihood and, when
// wantGrad is set, its gradient with respect to
// [variance, lengthscales..., noise]:
//
//	dL/dtheta_j = 1/2 tr((alpha alpha^T - K^-1) dK/dtheta_j)
func marginalLikelihood(
	kernel *Kernel,
	xs [][]float64,
	ys []float64,
	theta Hyperparameters,
	policy JitterPolicy,
	wantGrad bool,
) (float64, []float64, error) {
	n := len(ys)

	post, err := condition(kernel, xs, ys, theta, policy, nil)
	if err != nil {
		return math.Inf(-1), nil, err
	}

	var fit float64
	for i, y := range ys {
		fit += (y - post.offset) * post.alpha.AtVec(i)
	}

	lml := -0.5*fit - 0.5*post.chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	if !wantGrad {
		return lml, nil, nil
	}

	kinv := mat.NewSymDense(n, nil)
	if err := post.chol.InverseTo(kinv); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return lml, nil, err
		}
	}

	p := kernel.NumHyperparameters()
	grad := make([]float64, p+1)
	g := make([]float64, p)
	e := make([]float64, kernel.Dim())

	for a := 0; a < n; a++ {
		alphaA := post.alpha.AtVec(a)

		for b := 0; b <= a; b++ {
			w := alphaA*post.alpha.AtVec(b) - kinv.At(a, b)
			if a != b {
				w *= 2
			} else {
				grad[p] += 0.5 * w
			}

			kernel.gradientTo(g, xs[a], xs[b], theta, e)

			for j := 0; j < p; j++ {
				grad[j] += 0.5 * w * g[j]
			}
		}
	}

	return lml, grad, nil
}
