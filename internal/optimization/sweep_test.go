package optimization_test

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"

	"github.com/atlas-desktop/decision-engine/internal/optimization"
)

func TestGridSearchBoundsWorkers(t *testing.T) {
	var running, peak atomic.Int32
	objective := func(c float64) (float64, bool) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		return -math.Abs(c - 0.7), c >= 0.5
	}

	result, err := optimization.GridSearch(context.Background(), optimization.Range{Min: 0.4, Max: 0.9, Step: 0.05}, 2, objective)
	if err != nil {
		t.Fatalf("Expected sweep result, got error: %v", err)
	}
	if len(result.Evaluations) != 11 {
		t.Errorf("Expected 11 evaluations, got %d", len(result.Evaluations))
	}
	if math.Abs(result.Best-0.7) > 1e-9 {
		t.Errorf("Expected best 0.7, got %f", result.Best)
	}
	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent evaluations, got %d", peak.Load())
	}
	for _, e := range result.Evaluations {
		if e.Candidate < 0.5 && e.Viable {
			t.Errorf("Expected candidate %f to be non-viable", e.Candidate)
		}
	}
}

func TestGridSearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := optimization.GridSearch(ctx, optimization.Range{Min: 0.4, Max: 0.9, Step: 0.05}, 2,
		func(float64) (float64, bool) { return 1, true })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestGridSearchNoViableCandidate(t *testing.T) {
	_, err := optimization.GridSearch(context.Background(), optimization.Range{Min: 0.4, Max: 0.5, Step: 0.05}, 0,
		func(float64) (float64, bool) { return 0, false })
	if !errors.Is(err, optimization.ErrNoCandidates) {
		t.Errorf("Expected ErrNoCandidates, got %v", err)
	}
}
