package optimization

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrInsufficientSamples is returned when there are too few resolved
// records to re-optimize.
var ErrInsufficientSamples = errors.New("optimization: not enough resolved records")

// RiskTolerance shifts the threshold up or down.
type RiskTolerance string

const (
	Conservative RiskTolerance = "conservative"
	Moderate     RiskTolerance = "moderate"
	Aggressive   RiskTolerance = "aggressive"
)

// ParseRiskTolerance validates a configured tolerance.
func ParseRiskTolerance(s string) (RiskTolerance, error) {
	switch t := RiskTolerance(s); t {
	case Conservative, Moderate, Aggressive:
		return t, nil
	case "":
		return Moderate, nil
	}
	return "", fmt.Errorf("unknown risk tolerance %q", s)
}

// ThresholdConfig configures the ThresholdOptimizer.
type ThresholdConfig struct {
	Base            float64
	Min             float64
	Max             float64
	RiskTolerance   RiskTolerance
	ReoptimizeEvery int     // records between automatic re-optimizations
	MinSamples      int     // resolved records needed to re-optimize
	MinTaken        int     // trades a candidate must take to be viable
	TargetFrequency float64 // desired share of resolved opportunities taken
	SweepStep       float64
	RecentWindow    int // records used for the accuracy trend
	HistoryLimit    int
	Workers         int
	Location        *time.Location
}

// DefaultThresholdConfig returns default threshold optimizer configuration
func DefaultThresholdConfig() ThresholdConfig {
	return ThresholdConfig{
		Base:            0.6,
		Min:             0.4,
		Max:             0.9,
		RiskTolerance:   Moderate,
		ReoptimizeEvery: 50,
		MinSamples:      20,
		MinTaken:        5,
		TargetFrequency: 0.3,
		SweepStep:       0.05,
		RecentWindow:    20,
		HistoryLimit:    5000,
		Workers:         4,
		Location:        time.UTC,
	}
}

// PerformanceMetrics summarizes resolved decisions.
type PerformanceMetrics struct {
	SampleSize     int     `json:"sampleSize"`
	Accuracy       float64 `json:"accuracy"`
	RecentAccuracy float64 `json:"recentAccuracy"`
	ProfitFactor   float64 `json:"profitFactor"`
	MaxDrawdown    float64 `json:"maxDrawdown"` // fraction of gross P&L
	ExecutionRate  float64 `json:"executionRate"`
	AvgConfidence  float64 `json:"avgConfidence"`
}

// Adjustment is one named contribution to the threshold.
type Adjustment struct {
	Factor string  `json:"factor"`
	Delta  float64 `json:"delta"`
}

// ThresholdAdjustment is the threshold for one decision and how it was built.
type ThresholdAdjustment struct {
	Threshold   float64       `json:"threshold"`
	Base        float64       `json:"base"`
	Adjustments []Adjustment  `json:"adjustments"`
	Clamped     bool          `json:"clamped"`
	Tolerance   RiskTolerance `json:"riskTolerance"`
	Timestamp   time.Time     `json:"timestamp"`
}

// RecordStore persists the confidence log.
type RecordStore interface {
	AppendConfidenceRecord(ctx context.Context, rec types.ConfidenceRecord) error
	LoadConfidenceRecords(ctx context.Context, limit int) ([]types.ConfidenceRecord, error)
}

// ReoptimizeResult reports a re-optimization pass.
type ReoptimizeResult struct {
	PreviousBase float64       `json:"previousBase"`
	NewBase      float64       `json:"newBase"`
	Score        float64       `json:"score"`
	Samples      int           `json:"samples"`
	Evaluations  []Evaluation  `json:"evaluations"`
	Duration     time.Duration `json:"duration"`
}

// ThresholdOptimizer adapts the confidence threshold to market conditions
// and re-derives its base from resolved outcomes.
type ThresholdOptimizer struct {
	logger *zap.Logger
	config ThresholdConfig
	store  RecordStore
	now    func() time.Time

	mu         sync.RWMutex
	base       float64
	records    []types.ConfidenceRecord
	sinceOpt   int
	lastResult *ReoptimizeResult
}

// ThresholdOption customizes a ThresholdOptimizer.
type ThresholdOption func(*ThresholdOptimizer)

// WithRecordStore persists records as they arrive.
func WithRecordStore(s RecordStore) ThresholdOption {
	return func(o *ThresholdOptimizer) { o.store = s }
}

// WithThresholdClock overrides the clock used for time-of-day offsets.
func WithThresholdClock(now func() time.Time) ThresholdOption {
	return func(o *ThresholdOptimizer) { o.now = now }
}

// NewThresholdOptimizer creates an optimizer starting at config.Base.
func NewThresholdOptimizer(logger *zap.Logger, config ThresholdConfig, opts ...ThresholdOption) *ThresholdOptimizer {
	if config.Location == nil {
		config.Location = time.UTC
	}
	if config.RiskTolerance == "" {
		config.RiskTolerance = Moderate
	}
	o := &ThresholdOptimizer{
		logger: logger.Named("threshold-optimizer"),
		config: config,
		now:    time.Now,
		base:   clampFloat(config.Base, config.Min, config.Max),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Restore loads the persisted record log and re-optimizes once when enough
// samples exist.
func (o *ThresholdOptimizer) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	recs, err := o.store.LoadConfidenceRecords(ctx, o.config.HistoryLimit)
	if err != nil {
		return fmt.Errorf("failed to load confidence records: %w", err)
	}
	o.mu.Lock()
	o.records = append(o.records[:0], recs...)
	o.mu.Unlock()

	o.logger.Info("Restored confidence records", zap.Int("count", len(recs)))
	if _, err := o.Reoptimize(ctx); err != nil && !errors.Is(err, ErrInsufficientSamples) {
		return err
	}
	return nil
}

// Base returns the current base threshold.
func (o *ThresholdOptimizer) Base() float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.base
}

// LastResult returns the most recent re-optimization, if any.
func (o *ThresholdOptimizer) LastResult() *ReoptimizeResult {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastResult
}

// GetThreshold returns the threshold for a decision in mctx. An empty
// tolerance uses the configured one.
func (o *ThresholdOptimizer) GetThreshold(mctx types.MarketContext, perf PerformanceMetrics, tolerance RiskTolerance) ThresholdAdjustment {
	if tolerance == "" {
		tolerance = o.config.RiskTolerance
	}
	now := o.now()
	base := o.Base()

	adj := ThresholdAdjustment{Base: base, Tolerance: tolerance, Timestamp: now}
	add := func(factor string, delta float64) {
		if delta != 0 {
			adj.Adjustments = append(adj.Adjustments, Adjustment{Factor: factor, Delta: delta})
		}
	}

	// Rising volatility, up to +0.15 at double the average.
	if mctx.AverageVolatility > 0 && mctx.Volatility > mctx.AverageVolatility {
		add("volatility", math.Min(0.15, (mctx.Volatility/mctx.AverageVolatility-1)*0.15))
	}

	if perf.SampleSize >= o.config.MinSamples && o.config.MinSamples > 0 {
		add("accuracy_trend", clampFloat(perf.Accuracy-perf.RecentAccuracy, -0.1, 0.1))
	}

	switch tolerance {
	case Conservative:
		add("risk_tolerance", 0.1)
	case Aggressive:
		add("risk_tolerance", -0.05)
	}

	if mctx.Condition == types.ConditionSideways {
		add("sideways", 0.05)
	}
	if mctx.VolumeRatio > 0 && mctx.VolumeRatio < 0.5 {
		add("low_volume", 0.05)
	}
	if mctx.Liquidity > 0 && mctx.Liquidity < 0.3 {
		add("low_liquidity", 0.05)
	}

	local := now.In(o.config.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		add("weekend", 0.05)
	} else if h := local.Hour(); h < 6 || h >= 22 {
		add("off_hours", 0.03)
	}

	switch mctx.NewsImpact {
	case types.NewsImpactHigh:
		add("news", 0.1)
	case types.NewsImpactMedium:
		add("news", 0.05)
	}

	t := base
	for _, a := range adj.Adjustments {
		t += a.Delta
	}
	adj.Threshold = clampFloat(t, o.config.Min, o.config.Max)
	adj.Clamped = adj.Threshold != t
	return adj
}

// Record appends rec to the log. It reports whether the append triggered a
// re-optimization.
func (o *ThresholdOptimizer) Record(ctx context.Context, rec types.ConfidenceRecord) (bool, error) {
	if o.store != nil {
		if err := o.store.AppendConfidenceRecord(ctx, rec); err != nil {
			return false, fmt.Errorf("failed to persist confidence record: %w", err)
		}
	}

	o.mu.Lock()
	o.records = append(o.records, rec)
	if limit := o.config.HistoryLimit; limit > 0 && len(o.records) > limit {
		o.records = append(o.records[:0], o.records[len(o.records)-limit:]...)
	}
	o.sinceOpt++
	due := o.config.ReoptimizeEvery > 0 && o.sinceOpt >= o.config.ReoptimizeEvery
	o.mu.Unlock()

	if !due {
		return false, nil
	}
	if _, err := o.Reoptimize(ctx); err != nil {
		if errors.Is(err, ErrInsufficientSamples) {
			o.logger.Debug("Skipping re-optimization", zap.Error(err))
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Reoptimize replays resolved records over a sweep of thresholds and adopts
// the best-scoring one as the new base.
func (o *ThresholdOptimizer) Reoptimize(ctx context.Context) (*ReoptimizeResult, error) {
	o.mu.Lock()
	o.sinceOpt = 0
	resolved := resolvedRecords(o.records)
	previous := o.base
	o.mu.Unlock()

	if len(resolved) < o.config.MinSamples {
		return nil, fmt.Errorf("%w: %d of %d", ErrInsufficientSamples, len(resolved), o.config.MinSamples)
	}

	sweep, err := GridSearch(ctx, Range{Min: o.config.Min, Max: o.config.Max, Step: o.config.SweepStep}, o.config.Workers,
		func(threshold float64) (float64, bool) {
			return scoreThreshold(resolved, threshold, o.config.TargetFrequency, o.config.MinTaken)
		})
	if err != nil {
		if errors.Is(err, ErrNoCandidates) {
			return nil, fmt.Errorf("%w: no threshold takes %d trades", ErrInsufficientSamples, o.config.MinTaken)
		}
		return nil, err
	}

	result := &ReoptimizeResult{
		PreviousBase: previous,
		NewBase:      sweep.Best,
		Score:        sweep.BestScore,
		Samples:      len(resolved),
		Evaluations:  sweep.Evaluations,
		Duration:     sweep.Duration,
	}

	o.mu.Lock()
	o.base = sweep.Best
	o.lastResult = result
	o.mu.Unlock()

	o.logger.Info("Re-optimized confidence threshold",
		zap.Float64("previous", previous),
		zap.Float64("new", sweep.Best),
		zap.Float64("score", sweep.BestScore),
		zap.Int("samples", len(resolved)))

	return result, nil
}

// PerformanceMetrics summarizes the record log.
func (o *ThresholdOptimizer) PerformanceMetrics() PerformanceMetrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var perf PerformanceMetrics
	if len(o.records) == 0 {
		return perf
	}

	resolved := resolvedRecords(o.records)
	perf.SampleSize = len(resolved)
	perf.ExecutionRate = float64(len(resolved)) / float64(len(o.records))

	var confSum float64
	for _, r := range o.records {
		confSum += r.Confidence
	}
	perf.AvgConfidence = confSum / float64(len(o.records))

	if len(resolved) == 0 {
		return perf
	}
	stats := replay(resolved, 0)
	perf.Accuracy = stats.accuracy()
	perf.ProfitFactor = stats.profitFactor()
	perf.MaxDrawdown = stats.drawdownRatio()

	recent := resolved
	if w := o.config.RecentWindow; w > 0 && len(recent) > w {
		recent = recent[len(recent)-w:]
	}
	perf.RecentAccuracy = replay(recent, 0).accuracy()
	return perf
}

// resolvedRecords keeps executed records whose outcome is known.
func resolvedRecords(records []types.ConfidenceRecord) []types.ConfidenceRecord {
	out := make([]types.ConfidenceRecord, 0, len(records))
	for _, r := range records {
		if r.Executed && r.Outcome != "" {
			out = append(out, r)
		}
	}
	return out
}

type replayStats struct {
	taken, wins            int
	grossProfit, grossLoss decimal.Decimal
	maxDrawdown            decimal.Decimal
}

// replay simulates taking every record at or above threshold.
func replay(records []types.ConfidenceRecord, threshold float64) replayStats {
	var s replayStats
	var equity, peak decimal.Decimal
	for _, r := range records {
		if r.Confidence < threshold {
			continue
		}
		s.taken++
		if r.Outcome == types.OutcomeProfit {
			s.wins++
		}
		switch {
		case r.PnL.IsPositive():
			s.grossProfit = s.grossProfit.Add(r.PnL)
		case r.PnL.IsNegative():
			s.grossLoss = s.grossLoss.Add(r.PnL.Neg())
		}
		equity = equity.Add(r.PnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(s.maxDrawdown) {
			s.maxDrawdown = dd
		}
	}
	return s
}

func (s replayStats) accuracy() float64 {
	if s.taken == 0 {
		return 0
	}
	return float64(s.wins) / float64(s.taken)
}

// profitFactor is capped at 3 when there are no losses.
func (s replayStats) profitFactor() float64 {
	if s.grossLoss.IsZero() {
		if s.grossProfit.IsPositive() {
			return 3
		}
		return 0
	}
	pf, _ := s.grossProfit.Div(s.grossLoss).Float64()
	return pf
}

func (s replayStats) drawdownRatio() float64 {
	gross := s.grossProfit.Add(s.grossLoss)
	if gross.IsZero() {
		return 0
	}
	r, _ := s.maxDrawdown.Div(gross).Float64()
	return math.Min(1, r)
}

// scoreThreshold blends accuracy 40%, profit factor 30%, frequency
// proximity 20% and drawdown 10%.
func scoreThreshold(records []types.ConfidenceRecord, threshold, targetFreq float64, minTaken int) (float64, bool) {
	s := replay(records, threshold)
	if s.taken == 0 || s.taken < minTaken {
		return 0, false
	}

	freq := float64(s.taken) / float64(len(records))
	span := math.Max(targetFreq, 1-targetFreq)
	proximity := 1.0
	if span > 0 {
		proximity = 1 - math.Abs(freq-targetFreq)/span
	}

	return 0.4*s.accuracy() +
		0.3*math.Min(s.profitFactor()/3, 1) +
		0.2*proximity +
		0.1*(1-s.drawdownRatio()), true
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
