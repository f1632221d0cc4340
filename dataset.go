package bo

import (
	"fmt"
)

// Dataset is the append-only, ordered sequence of observations of a run. The
// index of an observation is its iteration number.
//
// Every Append bumps a version counter; models compare it with the version
// they were fitted on to detect a stale factorization.
type Dataset struct {
	dim     int
	xs      [][]float64
	ys      []float64
	version uint64
}

// NewDataset returns an empty dataset of dim-dimensional inputs.
func NewDataset(dim int) *Dataset {
	return &Dataset{dim: dim}
}

// Append records a new observation. x is copied.
func (d *Dataset) Append(x []float64, y float64) error {
	if len(x) != d.dim {
		return fmt.Errorf("dataset: expected %d-dimensional input, got %d", d.dim, len(x))
	}

	if !isFinite(y) {
		return fmt.Errorf("dataset: non-finite value %v", y)
	}

	d.xs = append(d.xs, cloneVector(x))
	d.ys = append(d.ys, y)
	d.version++

	return nil
}

// Dim returns the input dimensionality.
func (d *Dataset) Dim() int { return d.dim }

// Len returns the number of observations.
func (d *Dataset) Len() int { return len(d.ys) }

// Version changes on every Append.
func (d *Dataset) Version() uint64 { return d.version }

// At returns a copy of the i-th observation.
func (d *Dataset) At(i int) Observation {
	return Observation{X: cloneVector(d.xs[i]), Y: d.ys[i]}
}

// Observations returns copies of all observations in order.
func (d *Dataset) Observations() []Observation {
	out := make([]Observation, len(d.ys))
	for i := range out {
		out[i] = d.At(i)
	}

	return out
}

// Best returns the observation with the lowest value. Ties keep the earliest.
func (d *Dataset) Best() (Observation, bool) {
	if len(d.ys) == 0 {
		return Observation{}, false
	}

	best := 0
	for i, y := range d.ys {
		if y < d.ys[best] {
			best = i
		}
	}

	return d.At(best), true
}

// clone returns an independent copy with the same version.
func (d *Dataset) clone() *Dataset {
	out := &Dataset{
		dim:     d.dim,
		xs:      make([][]float64, len(d.xs)),
		ys:      cloneVector(d.ys),
		version: d.version,
	}

	for i, x := range d.xs {
		out.xs[i] = cloneVector(x)
	}

	return out
}
