package bo

import (
	"cmp"
	"math"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/optimize"
)

//////
// Const, vars, types.
//////

// scoreFunc is a surface over the domain to be minimized.
type scoreFunc func(x []float64) (float64, error)

// scored is a point with its surface value.
type scored struct {
	x     []float64
	score float64
}

// Searcher minimizes surfaces derived from a model over a Domain: the
// acquisition surface (to propose the next point) and the posterior mean (to
// locate the predicted global minimum).
//
// The strategy is grid+refine: a Latin hypercube of candidates plus caller
// seeds is scored in parallel, then the best few are refined with
// Nelder-Mead in unit-cube coordinates. Results are always clamped into the
// domain. Scores within TieTolerance of the best are considered equal, and
// the point farthest from the existing observations wins.
type Searcher struct {
	domain Domain
	config SearchConfig
	logger *zap.Logger
}

//////
// Factory.
//////

// NewSearcher returns a searcher over domain.
func NewSearcher(domain Domain, config SearchConfig, logger *zap.Logger) *Searcher {
	if config.Candidates < 1 {
		config.Candidates = 1
	}

	if config.Workers <= 0 {
		config.Workers = runtime.GOMAXPROCS(0)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &Searcher{domain: domain, config: config, logger: logger}
}

//////
// Methods.
//////

// Propose returns the point of the domain that minimizes acq under model,
// together with its acquisition score. The best observation is always among
// the candidates.
func (s *Searcher) Propose(model *Model, acq *Acquisition, rng *rand.Rand) ([]float64, float64, error) {
	var seeds [][]float64
	if best, ok := model.data.Best(); ok {
		seeds = append(seeds, best.X)
	}

	score := func(x []float64) (float64, error) {
		return acq.Score(model, x)
	}

	return s.minimize(score, acq.stochastic, seeds, model.data.xs, rng)
}

// PredictedMinimum returns the location and posterior of the minimum of the
// model's mean. seeds are added to the candidate set, typically the previous
// predicted minimum.
func (s *Searcher) PredictedMinimum(model *Model, seeds [][]float64, rng *rand.Rand) (Prediction, error) {
	if best, ok := model.data.Best(); ok {
		seeds = append(slices.Clip(seeds), best.X)
	}

	mean := func(x []float64) (float64, error) {
		m, _, err := model.Predict(x)

		return m, err
	}

	x, _, err := s.minimize(mean, false, seeds, model.data.xs, rng)
	if err != nil {
		return Prediction{}, err
	}

	return model.PredictAt(x)
}

// minimize runs grid+refine over f. stochastic surfaces are scored
// sequentially and are not refined.
func (s *Searcher) minimize(f scoreFunc, stochastic bool, seeds, existing [][]float64, rng *rand.Rand) ([]float64, float64, error) {
	candidates := LatinHypercube(s.domain, s.config.Candidates, rng)
	for _, seed := range seeds {
		candidates = append(candidates, s.domain.Clamp(seed))
	}

	scores, err := s.scoreAll(f, candidates, stochastic)
	if err != nil {
		return nil, 0, err
	}

	pointsByScore := make([]scored, len(candidates))
	for i, x := range candidates {
		pointsByScore[i] = scored{x: x, score: scores[i]}
	}

	slices.SortStableFunc(pointsByScore, func(a, b scored) int {
		return cmp.Compare(a.score, b.score)
	})

	if !stochastic && s.config.Starts > 0 && s.config.MaxEvaluations > 0 {
		starts := pointsByScore[:min(s.config.Starts, len(pointsByScore))]
		pointsByScore = append(pointsByScore, s.refineAll(f, starts)...)
	}

	best := s.breakTies(pointsByScore, existing)

	return s.domain.Clamp(best.x), best.score, nil
}

// scoreAll evaluates f at every candidate. Deterministic surfaces are scored
// on a bounded worker pool; NaN scores are treated as +Inf.
func (s *Searcher) scoreAll(f scoreFunc, candidates [][]float64, sequential bool) ([]float64, error) {
	scores := make([]float64, len(candidates))

	if sequential {
		for i, x := range candidates {
			v, err := f(x)
			if err != nil {
				return nil, err
			}

			scores[i] = sanitizeScore(v)
		}

		return scores, nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(s.config.Workers)

	for i, x := range candidates {
		p.Go(func() error {
			v, err := f(x)
			if err != nil {
				return err
			}

			scores[i] = sanitizeScore(v)

			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return nil, err
	}

	return scores, nil
}

// refineAll runs a Nelder-Mead refinement from each start in parallel.
// Refinements that fail or do not improve are dropped.
func (s *Searcher) refineAll(f scoreFunc, starts []scored) []scored {
	refined := make([]*scored, len(starts))

	p := pool.New().WithMaxGoroutines(s.config.Workers)

	for i, start := range starts {
		p.Go(func() {
			refined[i] = s.refine(f, start)
		})
	}

	p.Wait()

	out := make([]scored, 0, len(refined))
	for _, r := range refined {
		if r != nil {
			out = append(out, *r)
		}
	}

	return out
}

// refine minimizes f from start over the unit cube.
func (s *Searcher) refine(f scoreFunc, start scored) *scored {
	problem := optimize.Problem{
		Func: func(u []float64) float64 {
			v, err := f(s.domain.fromUnit(u))
			if err != nil {
				return math.Inf(1)
			}

			return sanitizeScore(v)
		},
	}

	settings := &optimize.Settings{
		FuncEvaluations: s.config.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Iterations: 50,
		},
	}

	result, err := optimize.Minimize(problem, s.domain.toUnit(start.x), settings, &optimize.NelderMead{SimplexSize: 0.05})
	if result == nil || !isFinite(result.F) {
		if err != nil {
			s.logger.Debug("Local refinement failed", zap.Error(err))
		}

		return nil
	}

	if result.F >= start.score {
		return nil
	}

	return &scored{x: s.domain.fromUnit(result.X), score: result.F}
}

// breakTies returns the best point, preferring, among all points whose
// score is within tolerance of the best, the one farthest from existing.
func (s *Searcher) breakTies(points []scored, existing [][]float64) scored {
	best := points[0]
	for _, p := range points[1:] {
		if p.score < best.score {
			best = p
		}
	}

	if len(existing) == 0 || math.IsInf(best.score, 1) {
		return best
	}

	limit := best.score + s.config.TieTolerance*math.Max(1, math.Abs(best.score))
	bestDistance := minDistance(best.x, existing)

	for _, p := range points {
		if p.score > limit {
			continue
		}

		if d := minDistance(p.x, existing); d > bestDistance {
			best, bestDistance = p, d
		}
	}

	return best
}

func sanitizeScore(v float64) float64 {
	if math.IsNaN(v) {
		return math.Inf(1)
	}

	return v
}
