package optimization_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/optimization"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Wednesday midday, no time-of-day offset.
var midweek = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)

func newOptimizer(cfg optimization.ThresholdConfig, at time.Time) *optimization.ThresholdOptimizer {
	return optimization.NewThresholdOptimizer(zap.NewNop(), cfg,
		optimization.WithThresholdClock(func() time.Time { return at }))
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestGetThresholdOffsets(t *testing.T) {
	tests := []struct {
		name      string
		mctx      types.MarketContext
		perf      optimization.PerformanceMetrics
		tolerance optimization.RiskTolerance
		at        time.Time
		want      float64
	}{
		{name: "base", want: 0.6, at: midweek},
		{
			name: "rising volatility",
			mctx: types.MarketContext{Volatility: 60, AverageVolatility: 40},
			at:   midweek, want: 0.675,
		},
		{
			name: "volatility capped",
			mctx: types.MarketContext{Volatility: 200, AverageVolatility: 40},
			at:   midweek, want: 0.75,
		},
		{name: "aggressive", tolerance: optimization.Aggressive, at: midweek, want: 0.55},
		{
			name:      "conservative sideways with news",
			mctx:      types.MarketContext{Condition: types.ConditionSideways, NewsImpact: types.NewsImpactHigh},
			tolerance: optimization.Conservative,
			at:        midweek, want: 0.85,
		},
		{
			name: "declining accuracy",
			perf: optimization.PerformanceMetrics{SampleSize: 30, Accuracy: 0.6, RecentAccuracy: 0.4},
			at:   midweek, want: 0.7,
		},
		{
			name: "improving accuracy",
			perf: optimization.PerformanceMetrics{SampleSize: 30, Accuracy: 0.5, RecentAccuracy: 0.55},
			at:   midweek, want: 0.55,
		},
		{
			name: "thin market",
			mctx: types.MarketContext{VolumeRatio: 0.3, Liquidity: 0.1},
			at:   midweek, want: 0.7,
		},
		{name: "weekend", at: time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC), want: 0.65},
		{name: "off hours", at: time.Date(2026, 3, 4, 3, 0, 0, 0, time.UTC), want: 0.63},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOptimizer(optimization.DefaultThresholdConfig(), tt.at)
			adj := o.GetThreshold(tt.mctx, tt.perf, tt.tolerance)
			if !approx(adj.Threshold, tt.want) {
				t.Errorf("Expected threshold %.3f, got %.4f (%+v)", tt.want, adj.Threshold, adj.Adjustments)
			}
		})
	}
}

func TestGetThresholdClamped(t *testing.T) {
	o := newOptimizer(optimization.DefaultThresholdConfig(), time.Date(2026, 3, 7, 2, 0, 0, 0, time.UTC))
	adj := o.GetThreshold(types.MarketContext{
		Volatility: 100, AverageVolatility: 20,
		Condition: types.ConditionSideways, NewsImpact: types.NewsImpactHigh,
		VolumeRatio: 0.2, Liquidity: 0.1,
	}, optimization.PerformanceMetrics{}, optimization.Conservative)

	if adj.Threshold != 0.9 {
		t.Errorf("Expected clamp to 0.9, got %f", adj.Threshold)
	}
	if !adj.Clamped {
		t.Error("Expected Clamped to be set")
	}

	cfg := optimization.DefaultThresholdConfig()
	cfg.Base = 0.42
	low := newOptimizer(cfg, midweek).GetThreshold(types.MarketContext{}, optimization.PerformanceMetrics{}, optimization.Aggressive)
	if low.Threshold != 0.4 {
		t.Errorf("Expected clamp to 0.4, got %f", low.Threshold)
	}
}

// outcomeLog returns 40 resolved records with confidence 0.40..0.79 where
// only confidence >= 0.65 wins.
func outcomeLog() []types.ConfidenceRecord {
	recs := make([]types.ConfidenceRecord, 0, 40)
	for i := 0; i < 40; i++ {
		conf := math.Round((0.40+float64(i)*0.01)*100) / 100
		pnl := decimal.NewFromInt(-10)
		if conf >= 0.65 {
			pnl = decimal.NewFromInt(10)
		}
		recs = append(recs, types.ConfidenceRecord{
			Symbol:     "BTCUSDT",
			Confidence: conf,
			Executed:   true,
			PnL:        pnl,
			Outcome:    types.OutcomeFromPnL(pnl),
		})
	}
	return recs
}

func TestReoptimizeAdoptsBestThreshold(t *testing.T) {
	o := newOptimizer(optimization.DefaultThresholdConfig(), midweek)
	for _, r := range outcomeLog() {
		if _, err := o.Record(context.Background(), r); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	result, err := o.Reoptimize(context.Background())
	if err != nil {
		t.Fatalf("Reoptimize failed: %v", err)
	}
	if !approx(result.NewBase, 0.7) {
		t.Errorf("Expected new base 0.70, got %.4f", result.NewBase)
	}
	if !approx(o.Base(), 0.7) {
		t.Errorf("Expected Base() 0.70, got %.4f", o.Base())
	}
	if result.Samples != 40 {
		t.Errorf("Expected 40 samples, got %d", result.Samples)
	}
}

func TestRecordTriggersReoptimize(t *testing.T) {
	cfg := optimization.DefaultThresholdConfig()
	cfg.ReoptimizeEvery = 40
	o := newOptimizer(cfg, midweek)

	recs := outcomeLog()
	for i, r := range recs {
		triggered, err := o.Record(context.Background(), r)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		if want := i == len(recs)-1; triggered != want {
			t.Fatalf("Record %d: expected triggered=%v, got %v", i, want, triggered)
		}
	}
	if o.LastResult() == nil {
		t.Fatal("Expected a re-optimization result")
	}
}

func TestReoptimizeInsufficientSamples(t *testing.T) {
	o := newOptimizer(optimization.DefaultThresholdConfig(), midweek)
	for _, r := range outcomeLog()[:5] {
		_, _ = o.Record(context.Background(), r)
	}
	if _, err := o.Reoptimize(context.Background()); !errors.Is(err, optimization.ErrInsufficientSamples) {
		t.Errorf("Expected ErrInsufficientSamples, got %v", err)
	}
	if o.Base() != 0.6 {
		t.Errorf("Expected base unchanged at 0.6, got %f", o.Base())
	}
}

func TestPerformanceMetrics(t *testing.T) {
	o := newOptimizer(optimization.DefaultThresholdConfig(), midweek)
	for _, r := range outcomeLog() {
		_, _ = o.Record(context.Background(), r)
	}
	_, _ = o.Record(context.Background(), types.ConfidenceRecord{Confidence: 0.3, Outcome: types.OutcomeNeutral})

	perf := o.PerformanceMetrics()
	if perf.SampleSize != 40 {
		t.Errorf("Expected 40 resolved samples, got %d", perf.SampleSize)
	}
	if !approx(perf.Accuracy, 15.0/40.0) {
		t.Errorf("Expected accuracy 0.375, got %f", perf.Accuracy)
	}
	if !approx(perf.RecentAccuracy, 0.75) {
		t.Errorf("Expected recent accuracy 0.75, got %f", perf.RecentAccuracy)
	}
	if !approx(perf.ProfitFactor, 150.0/250.0) {
		t.Errorf("Expected profit factor 0.6, got %f", perf.ProfitFactor)
	}
	if !approx(perf.ExecutionRate, 40.0/41.0) {
		t.Errorf("Expected execution rate 40/41, got %f", perf.ExecutionRate)
	}
}

func TestRangeValues(t *testing.T) {
	values := optimization.Range{Min: 0.4, Max: 0.9, Step: 0.05}.Values()
	if len(values) != 11 {
		t.Fatalf("Expected 11 grid points, got %d", len(values))
	}
	if values[0] != 0.4 || values[10] != 0.9 {
		t.Errorf("Expected [0.4 .. 0.9], got [%v .. %v]", values[0], values[10])
	}
}
