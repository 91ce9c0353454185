// Package optimization tunes the confidence threshold that gates execution.
package optimization

import (
	"context"
	"errors"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoCandidates is returned when a sweep has nothing to evaluate.
var ErrNoCandidates = errors.New("optimization: no candidates to evaluate")

// Range describes a one-dimensional grid.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Step float64 `json:"step"`
}

// Values expands the range into grid points, inclusive of Max.
func (r Range) Values() []float64 {
	if r.Step <= 0 || r.Max < r.Min {
		return nil
	}
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	values := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		// Rounded to avoid accumulating float drift across steps.
		values = append(values, math.Round((r.Min+float64(i)*r.Step)*1e6)/1e6)
	}
	return values
}

// ObjectiveFunc scores one candidate. ok=false means the candidate is not
// viable and is left out of the ranking.
type ObjectiveFunc func(candidate float64) (score float64, ok bool)

// Evaluation is one scored candidate.
type Evaluation struct {
	Candidate float64       `json:"candidate"`
	Score     float64       `json:"score"`
	Viable    bool          `json:"viable"`
	Duration  time.Duration `json:"duration"`
}

// SweepResult contains the outcome of a grid sweep.
type SweepResult struct {
	Best        float64       `json:"best"`
	BestScore   float64       `json:"bestScore"`
	Evaluations []Evaluation  `json:"evaluations"`
	Duration    time.Duration `json:"duration"`
}

// GridSearch evaluates every grid point in parallel, bounded by workers.
// Ties go to the higher candidate.
func GridSearch(ctx context.Context, grid Range, workers int, objective ObjectiveFunc) (*SweepResult, error) {
	start := time.Now()
	candidates := grid.Values()
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}
	if workers <= 0 {
		workers = 4
	}

	evals := make([]Evaluation, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, c := range candidates {
		if gctx.Err() != nil {
			break
		}
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			t := time.Now()
			score, ok := objective(c)
			evals[i] = Evaluation{Candidate: c, Score: score, Viable: ok, Duration: time.Since(t)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &SweepResult{Evaluations: evals, BestScore: math.Inf(-1)}
	found := false
	for _, e := range evals {
		if !e.Viable {
			continue
		}
		if e.Score > result.BestScore || (e.Score == result.BestScore && e.Candidate > result.Best) {
			result.Best = e.Candidate
			result.BestScore = e.Score
			found = true
		}
	}
	result.Duration = time.Since(start)
	if !found {
		return result, ErrNoCandidates
	}
	return result, nil
}
