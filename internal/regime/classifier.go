// Package regime classifies per-symbol volatility into regimes and derives
// the adaptive risk parameters that follow from them.
package regime

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"go.uber.org/zap"
)

// ErrInsufficientData is returned when fewer than two closes are supplied.
var ErrInsufficientData = errors.New("insufficient price history")

// VolatilityMetrics is the classifier output for one symbol at one point in time.
type VolatilityMetrics struct {
	Symbol             string       `json:"symbol"`
	RealizedVolatility float64      `json:"realized_volatility"` // annualized, percent
	PercentileRank     float64      `json:"percentile_rank"`     // 0-100 against the symbol's own history
	Regime             types.Regime `json:"regime"`
	ATR                float64      `json:"atr"`
	ATRPercent         float64      `json:"atr_percent"` // ATR / last close
	VolumeRatio        float64      `json:"volume_ratio"`
	AverageVolatility  float64      `json:"average_volatility"`
	HistorySize        int          `json:"history_size"`
	Timestamp          time.Time    `json:"timestamp"`
}

// ClassifierConfig configures the volatility classifier
type ClassifierConfig struct {
	Lookback          int     // Returns used for realized volatility
	HistorySize       int     // Per-symbol ring buffer length for percentile ranking
	ATRPeriod         int     // Average true range window
	AnnualizationDays float64 // Periods per year used to annualize
	MinHistory        int     // History entries needed before ranking is trusted
	LowPercentile     float64
	NormalPercentile  float64
	HighPercentile    float64
}

// DefaultClassifierConfig returns sensible defaults
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		Lookback:          20,
		HistorySize:       100,
		ATRPeriod:         14,
		AnnualizationDays: 252,
		MinHistory:        5,
		LowPercentile:     20,
		NormalPercentile:  40,
		HighPercentile:    80,
	}
}

// Classifier keeps a bounded volatility history per symbol and ranks new
// readings against it.
type Classifier struct {
	logger *zap.Logger
	config ClassifierConfig

	mu      sync.Mutex
	history map[string][]float64
	now     func() time.Time
}

// NewClassifier creates a new volatility classifier
func NewClassifier(logger *zap.Logger, config ClassifierConfig) *Classifier {
	if config.Lookback < 2 {
		config.Lookback = 20
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 100
	}
	if config.ATRPeriod <= 0 {
		config.ATRPeriod = 14
	}
	if config.AnnualizationDays <= 0 {
		config.AnnualizationDays = 252
	}
	return &Classifier{
		logger:  logger.Named("volatility"),
		config:  config,
		history: make(map[string][]float64),
		now:     time.Now,
	}
}

// Classify computes volatility metrics for symbol from its recent candles and
// records the reading in the symbol's history.
func (c *Classifier) Classify(symbol string, candles []types.OHLCV) (*VolatilityMetrics, error) {
	closes := make([]float64, 0, len(candles))
	volumes := make([]float64, 0, len(candles))
	for _, k := range candles {
		cl, _ := k.Close.Float64()
		v, _ := k.Volume.Float64()
		closes = append(closes, cl)
		volumes = append(volumes, v)
	}
	if len(closes) < 2 {
		return nil, ErrInsufficientData
	}

	vol := c.realizedVolatility(closes)
	atr := AverageTrueRange(candles, c.config.ATRPeriod)

	m := &VolatilityMetrics{
		Symbol:             symbol,
		RealizedVolatility: vol,
		ATR:                atr,
		VolumeRatio:        volumeRatio(volumes, c.config.Lookback),
		Timestamp:          c.now(),
	}
	if last := closes[len(closes)-1]; last > 0 {
		m.ATRPercent = atr / last
	}

	c.mu.Lock()
	hist := c.history[symbol]
	m.HistorySize = len(hist)
	m.AverageVolatility = mean(hist)
	if len(hist) >= c.config.MinHistory {
		m.PercentileRank = percentileRank(hist, vol)
		m.Regime = c.regimeFor(m.PercentileRank)
	} else {
		m.Regime = types.RegimeNormal
		m.PercentileRank = (c.config.LowPercentile + c.config.NormalPercentile) / 2
	}
	hist = append(hist, vol)
	if len(hist) > c.config.HistorySize {
		hist = hist[len(hist)-c.config.HistorySize:]
	}
	c.history[symbol] = hist
	c.mu.Unlock()

	if m.AverageVolatility == 0 {
		m.AverageVolatility = vol
	}

	c.logger.Debug("Volatility classified",
		zap.String("symbol", symbol),
		zap.Float64("volatility", vol),
		zap.Float64("percentile", m.PercentileRank),
		zap.String("regime", string(m.Regime)),
		zap.Float64("atr", atr))

	return m, nil
}

// History returns a copy of the recorded volatility readings for symbol.
func (c *Classifier) History(symbol string) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]float64, len(c.history[symbol]))
	copy(out, c.history[symbol])
	return out
}

func (c *Classifier) regimeFor(pct float64) types.Regime {
	switch {
	case pct < c.config.LowPercentile:
		return types.RegimeLow
	case pct < c.config.NormalPercentile:
		return types.RegimeNormal
	case pct < c.config.HighPercentile:
		return types.RegimeHigh
	default:
		return types.RegimeExtreme
	}
}

// realizedVolatility is the annualized sample stddev of log returns over the
// lookback, expressed in percent.
func (c *Classifier) realizedVolatility(closes []float64) float64 {
	start := len(closes) - c.config.Lookback - 1
	if start < 0 {
		start = 0
	}
	window := closes[start:]

	returns := make([]float64, 0, len(window)-1)
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			continue
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	return stddev(returns) * math.Sqrt(c.config.AnnualizationDays) * 100
}

// AverageTrueRange is the simple average of true ranges over the last period candles.
func AverageTrueRange(candles []types.OHLCV, period int) float64 {
	if len(candles) < 2 || period <= 0 {
		return 0
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		high, _ := candles[i].High.Float64()
		low, _ := candles[i].Low.Float64()
		prevClose, _ := candles[i-1].Close.Float64()
		tr := math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
		trs = append(trs, tr)
	}
	if len(trs) > period {
		trs = trs[len(trs)-period:]
	}
	return mean(trs)
}

func volumeRatio(volumes []float64, lookback int) float64 {
	if len(volumes) < 2 {
		return 1
	}
	last := volumes[len(volumes)-1]
	prior := volumes[:len(volumes)-1]
	if len(prior) > lookback {
		prior = prior[len(prior)-lookback:]
	}
	avg := mean(prior)
	if avg == 0 {
		return 1
	}
	return last / avg
}

// percentileRank counts ties as half so a flat history ranks at the 50th.
func percentileRank(history []float64, v float64) float64 {
	if len(history) == 0 {
		return 50
	}
	sorted := make([]float64, len(history))
	copy(sorted, history)
	sort.Float64s(sorted)

	below := sort.SearchFloat64s(sorted, v)
	equal := 0
	for i := below; i < len(sorted) && sorted[i] == v; i++ {
		equal++
	}
	return (float64(below) + 0.5*float64(equal)) / float64(len(sorted)) * 100
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	variance := 0.0
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	return math.Sqrt(variance)
}
