package bo

import (
	"time"
)

//////
// Const, vars, types.
//////

// Termination describes why a run stopped.
type Termination string

const (
	// TerminationExhausted means iterpts refining iterations were performed.
	TerminationExhausted Termination = "exhausted"

	// TerminationConverged means the convergence criterion was met.
	TerminationConverged Termination = "converged"

	// TerminationObjectiveError means the objective failed.
	TerminationObjectiveError Termination = "objective_error"

	// TerminationNumericalError means the covariance could not be factorized.
	TerminationNumericalError Termination = "numerical_error"

	// TerminationCanceled means the context was canceled or timed out.
	TerminationCanceled Termination = "canceled"
)

// IterationRecord is the immutable snapshot of one evaluation.
type IterationRecord struct {
	// Iteration is the index of the observation in the dataset.
	Iteration int `json:"iteration" yaml:"iteration"`

	// Phase is WARMUP or REFINING.
	Phase State `json:"phase" yaml:"phase"`

	// X is the evaluated point.
	X []float64 `json:"x" yaml:"x"`

	// Y is the observed value at X.
	Y float64 `json:"y" yaml:"y"`

	// Hyperparameters are the ones the proposal was made with.
	Hyperparameters Hyperparameters `json:"hyperparameters" yaml:"hyperparameters"`

	// BestX and BestY are the best observation including this one.
	BestX []float64 `json:"best_x" yaml:"best_x"`
	BestY float64   `json:"best_y" yaml:"best_y"`

	// PredictedMin is the model's predicted global minimum before X was
	// evaluated. Nil for warmup records.
	PredictedMin *Prediction `json:"predicted_min,omitempty" yaml:"predicted_min,omitempty"`

	// Acquisition is the acquisition score of X. Nil for warmup records.
	Acquisition *float64 `json:"acquisition,omitempty" yaml:"acquisition,omitempty"`

	// Evaluated is false for caller-supplied initial data.
	Evaluated bool `json:"evaluated" yaml:"evaluated"`

	// Duration covers model fitting, proposal and evaluation.
	Duration time.Duration `json:"duration" yaml:"duration"`
}

func (r IterationRecord) clone() IterationRecord {
	out := r
	out.X = cloneVector(r.X)
	out.BestX = cloneVector(r.BestX)
	out.Hyperparameters = r.Hyperparameters.Clone()

	if r.PredictedMin != nil {
		p := *r.PredictedMin
		p.X = cloneVector(p.X)
		out.PredictedMin = &p
	}

	if r.Acquisition != nil {
		a := *r.Acquisition
		out.Acquisition = &a
	}

	return out
}

// Transition is one driver state change.
type Transition struct {
	From State     `json:"from" yaml:"from"`
	To   State     `json:"to" yaml:"to"`
	At   time.Time `json:"at" yaml:"at"`
}

// Result is the log of a run. It is built by the driver and read-only once
// Run returns.
type Result struct {
	runID       string
	dim         int
	records     []IterationRecord
	transitions []Transition
	model       *Model
	theta       Hyperparameters
	termination Termination
	started     time.Time
	finished    time.Time
}

// Summary is the exportable view of a Result.
type Summary struct {
	RunID           string            `json:"run_id" yaml:"run_id"`
	Dim             int               `json:"dim" yaml:"dim"`
	Termination     Termination       `json:"termination" yaml:"termination"`
	Started         time.Time         `json:"started" yaml:"started"`
	Finished        time.Time         `json:"finished" yaml:"finished"`
	Evaluations     int               `json:"evaluations" yaml:"evaluations"`
	Best            *Observation      `json:"best,omitempty" yaml:"best,omitempty"`
	PredictedMin    *Prediction       `json:"predicted_min,omitempty" yaml:"predicted_min,omitempty"`
	Hyperparameters Hyperparameters   `json:"hyperparameters" yaml:"hyperparameters"`
	Records         []IterationRecord `json:"records" yaml:"records"`
	Transitions     []Transition      `json:"transitions" yaml:"transitions"`
}

//////
// Factory.
//////

func newResult(runID string, dim int, theta Hyperparameters) *Result {
	return &Result{
		runID:   runID,
		dim:     dim,
		theta:   theta.Clone(),
		started: time.Now(),
	}
}

//////
// Methods.
//////

// RunID uniquely identifies the run.
func (r *Result) RunID() string { return r.runID }

// Len returns the number of iteration records.
func (r *Result) Len() int { return len(r.records) }

// Record returns a copy of the i-th record.
func (r *Result) Record(i int) IterationRecord { return r.records[i].clone() }

// Records returns copies of all records in iteration order.
func (r *Result) Records() []IterationRecord {
	out := make([]IterationRecord, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.clone()
	}

	return out
}

// Best returns the best (x*, y*) found. Ties keep the earliest.
func (r *Result) Best() (Observation, bool) {
	if len(r.records) == 0 {
		return Observation{}, false
	}

	last := r.records[len(r.records)-1]

	return Observation{X: cloneVector(last.BestX), Y: last.BestY}, true
}

// Hyperparameters returns the final model hyperparameters.
func (r *Result) Hyperparameters() Hyperparameters { return r.theta.Clone() }

// Model returns a copy of the final model, fitted on every observation of
// the run. Every call returns a fresh copy, so changes to one never reach
// the result. Nil when the run aborted before the model could be built.
func (r *Result) Model() *Model {
	if r.model == nil {
		return nil
	}

	return r.model.snapshot()
}

// Transitions returns the state changes of the run in order.
func (r *Result) Transitions() []Transition {
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)

	return out
}

// Termination reports why the run stopped.
func (r *Result) Termination() Termination { return r.termination }

// PredictedMinima returns the predicted global minimum of every refining
// iteration in order.
func (r *Result) PredictedMinima() []Prediction {
	var out []Prediction

	for _, rec := range r.records {
		if rec.PredictedMin != nil {
			p := *rec.PredictedMin
			p.X = cloneVector(p.X)
			out = append(out, p)
		}
	}

	return out
}

// Duration is the wall-clock time of the run.
func (r *Result) Duration() time.Duration { return r.finished.Sub(r.started) }

// Summary returns an exportable copy of the result.
func (r *Result) Summary() Summary {
	s := Summary{
		RunID:           r.runID,
		Dim:             r.dim,
		Termination:     r.termination,
		Started:         r.started,
		Finished:        r.finished,
		Evaluations:     len(r.records),
		Hyperparameters: r.theta.Clone(),
		Records:         r.Records(),
		Transitions:     r.Transitions(),
	}

	if best, ok := r.Best(); ok {
		s.Best = &best
	}

	if minima := r.PredictedMinima(); len(minima) > 0 {
		s.PredictedMin = &minima[len(minima)-1]
	}

	return s
}

func (r *Result) append(rec IterationRecord) {
	r.records = append(r.records, rec)
}

func (r *Result) transition(from, to State) {
	r.transitions = append(r.transitions, Transition{From: from, To: to, At: time.Now()})
}

func (r *Result) finish(model *Model, theta Hyperparameters, termination Termination) {
	r.termination = termination
	r.finished = time.Now()
	r.theta = theta.Clone()

	if model != nil {
		r.model = model.snapshot()
	}
}
