package bo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// KernelKind names a one-dimensional covariance family.
type KernelKind string

const (
	// RBF is the squared-exponential kernel:
	//
	//	k(r) = exp(-r^2 / (2 l^2))
	RBF KernelKind = "rbf"

	// StdPeriodic is the standard periodic kernel, scaled so that l is in
	// input units and the kernel matches rbf for r much smaller than p:
	//
	//	k(r) = exp(-0.5 * (p sin(pi r / p) / (pi l))^2)
	StdPeriodic KernelKind = "stdp"
)

// Valid reports whether k is a known kernel family.
func (k KernelKind) Valid() bool {
	return k == RBF || k == StdPeriodic
}

// Kernel is a product of one-dimensional factors scaled by a shared signal
// variance:
//
//	k(x, x') = variance * exp(-sum_d e_d(x_d - x'_d))
//
// where e_d is r^2/(2 l_d^2) for rbf dimensions and
// 0.5*(p_d sin(pi r/p_d)/(pi l_d))^2 for stdp dimensions.
//
// A Kernel holds only its structure (families and periods). Hyperparameters
// are passed on every call, so a Kernel is safe for concurrent use.
type Kernel struct {
	kinds   []KernelKind
	periods []float64
}

//////
// Factory.
//////

// NewKernel builds a kernel over domain. kinds holds either one family for
// every dimension or one family per dimension. periods is only consulted for
// stdp dimensions; a missing or zero period defaults to the width of that
// dimension (360 for a [0, 360] angle).
func NewKernel(domain Domain, kinds []KernelKind, periods []float64) (*Kernel, error) {
	dim := domain.Dim()
	if dim == 0 {
		return nil, &ConfigurationError{Field: "bounds", Reason: "at least one dimension is required"}
	}

	expanded, err := expandKinds(kinds, dim)
	if err != nil {
		return nil, err
	}

	if len(periods) != 0 && len(periods) != 1 && len(periods) != dim {
		return nil, &ConfigurationError{
			Field:  "periods",
			Reason: fmt.Sprintf("expected 1 or %d values, got %d", dim, len(periods)),
		}
	}

	p := make([]float64, dim)
	for d := 0; d < dim; d++ {
		var v float64

		switch len(periods) {
		case 1:
			v = periods[0]
		case dim:
			v = periods[d]
		}

		if v < 0 || math.IsNaN(v) {
			return nil, &ConfigurationError{Field: fmt.Sprintf("periods[%d]", d), Reason: "must be positive"}
		}

		if v == 0 {
			v = domain[d].Width()
		}

		p[d] = v
	}

	return &Kernel{kinds: expanded, periods: p}, nil
}

func expandKinds(kinds []KernelKind, dim int) ([]KernelKind, error) {
	switch len(kinds) {
	case 0:
		kinds = []KernelKind{RBF}
	case 1, dim:
	default:
		return nil, &ConfigurationError{
			Field:  "kernel",
			Reason: fmt.Sprintf("expected 1 or %d kernel names, got %d", dim, len(kinds)),
		}
	}

	out := make([]KernelKind, dim)
	for d := range out {
		k := kinds[0]
		if len(kinds) == dim {
			k = kinds[d]
		}

		if !k.Valid() {
			return nil, &ConfigurationError{Field: "kernel", Reason: fmt.Sprintf("unknown kernel %q", k)}
		}

		out[d] = k
	}

	return out, nil
}

//////
// Methods.
//////

// Dim returns the input dimensionality.
func (k *Kernel) Dim() int { return len(k.kinds) }

// Kinds returns the per-dimension families.
func (k *Kernel) Kinds() []KernelKind {
	out := make([]KernelKind, len(k.kinds))
	copy(out, k.kinds)

	return out
}

// Periods returns the per-dimension periods (meaningful for stdp dimensions).
func (k *Kernel) Periods() []float64 { return cloneVector(k.periods) }

// lengthscaleScale is the natural length of dimension d: the period for
// stdp dimensions, the width of the domain otherwise.
func (k *Kernel) lengthscaleScale(domain Domain, d int) float64 {
	if k.kinds[d] == StdPeriodic {
		return k.periods[d]
	}

	return domain[d].Width()
}

// NumHyperparameters is the length of the vector returned by Gradient:
// the signal variance followed by one lengthscale per dimension.
func (k *Kernel) NumHyperparameters() int { return 1 + len(k.kinds) }

// exponents fills e with the per-dimension exponent terms and returns their
// sum. Identical coordinates contribute exactly zero.
func (k *Kernel) exponents(x1, x2 []float64, theta Hyperparameters, e []float64) float64 {
	var sum float64

	for d, kind := range k.kinds {
		r := x1[d] - x2[d]
		if r == 0 {
			e[d] = 0
			continue
		}

		l := theta.Lengthscales[d]

		switch kind {
		case StdPeriodic:
			p := k.periods[d]
			s := p * math.Sin(math.Pi*r/p) / (math.Pi * l)
			e[d] = 0.5 * s * s
		default:
			e[d] = r * r / (2 * l * l)
		}

		sum += e[d]
	}

	return sum
}

// Covariance returns k(x1, x2). For x1 == x2 it equals theta.Variance
// exactly.
func (k *Kernel) Covariance(x1, x2 []float64, theta Hyperparameters) float64 {
	if len(x1) != len(k.kinds) || len(x2) != len(k.kinds) {
		panic(fmt.Sprintf("kernel: expected %d-dimensional inputs, got %d and %d", len(k.kinds), len(x1), len(x2)))
	}

	e := make([]float64, len(k.kinds))
	sum := k.exponents(x1, x2, theta, e)

	if sum == 0 {
		return theta.Variance
	}

	return theta.Variance * math.Exp(-sum)
}

// Gradient returns the partial derivatives of k(x1, x2) with respect to the
// signal variance and each lengthscale, in that order.
//
// Every exponent term scales as l^-2, so dk/dl_d = 2 k e_d / l_d for both
// families.
func (k *Kernel) Gradient(x1, x2 []float64, theta Hyperparameters) []float64 {
	grad := make([]float64, k.NumHyperparameters())
	k.gradientTo(grad, x1, x2, theta, make([]float64, len(k.kinds)))

	return grad
}

// gradientTo is Gradient with caller-provided buffers; it returns k(x1, x2).
func (k *Kernel) gradientTo(grad, x1, x2 []float64, theta Hyperparameters, e []float64) float64 {
	sum := k.exponents(x1, x2, theta, e)
	base := math.Exp(-sum)
	cov := theta.Variance * base

	grad[0] = base
	for d := range k.kinds {
		grad[d+1] = 2 * cov * e[d] / theta.Lengthscales[d]
	}

	return cov
}

// Matrix returns the symmetric covariance matrix over points.
func (k *Kernel) Matrix(points [][]float64, theta Hyperparameters) *mat.SymDense {
	n := len(points)
	m := mat.NewSymDense(n, nil)

	for i := 0; i < n; i++ {
		m.SetSym(i, i, theta.Variance)

		for j := i + 1; j < n; j++ {
			m.SetSym(i, j, k.Covariance(points[i], points[j], theta))
		}
	}

	return m
}

// Cross returns the covariance vector between x and each of points.
func (k *Kernel) Cross(x []float64, points [][]float64, theta Hyperparameters) []float64 {
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = k.Covariance(x, p, theta)
	}

	return out
}
