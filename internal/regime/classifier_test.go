// Package regime_test provides tests for volatility classification.
package regime_test

import (
	"math"
	"testing"
	"time"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// makeCandles builds a zig-zag series whose per-step move is amplitude percent.
func makeCandles(n int, amplitude float64) []types.OHLCV {
	candles := make([]types.OHLCV, 0, n)
	price := 100.0
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			price *= 1 + amplitude/100
		} else {
			price /= 1 + amplitude/100
		}
		candles = append(candles, types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      decimal.NewFromFloat(price),
			High:      decimal.NewFromFloat(price * 1.01),
			Low:       decimal.NewFromFloat(price * 0.99),
			Close:     decimal.NewFromFloat(price),
			Volume:    decimal.NewFromInt(1000),
		})
	}
	return candles
}

func TestClassifyInsufficientData(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultClassifierConfig())

	if _, err := c.Classify("BTC/USDT", makeCandles(1, 1)); err != regime.ErrInsufficientData {
		t.Errorf("Expected ErrInsufficientData, got %v", err)
	}
}

func TestClassifyRealizedVolatilityAnnualized(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultClassifierConfig())

	m, err := c.Classify("BTC/USDT", makeCandles(30, 1))
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}

	// Alternating +/- log(1.01) returns have a sample stddev close to log(1.01).
	expected := math.Log(1.01) * math.Sqrt(252) * 100
	if math.Abs(m.RealizedVolatility-expected) > expected*0.05 {
		t.Errorf("Expected volatility near %.2f, got %.2f", expected, m.RealizedVolatility)
	}
	if m.Regime != types.RegimeNormal {
		t.Errorf("Expected NORMAL with no history, got %s", m.Regime)
	}
	if m.ATR <= 0 {
		t.Errorf("Expected positive ATR, got %f", m.ATR)
	}
	if math.Abs(m.VolumeRatio-1) > 1e-9 {
		t.Errorf("Expected volume ratio 1, got %f", m.VolumeRatio)
	}
}

func TestClassifyRegimeByOwnHistory(t *testing.T) {
	c := regime.NewClassifier(zap.NewNop(), regime.DefaultClassifierConfig())

	for i := 1; i <= 10; i++ {
		if _, err := c.Classify("ETH/USDT", makeCandles(30, float64(i))); err != nil {
			t.Fatalf("Classify failed: %v", err)
		}
	}

	low, _ := c.Classify("ETH/USDT", makeCandles(30, 0.1))
	if low.Regime != types.RegimeLow {
		t.Errorf("Expected LOW for calm series, got %s (pct %.1f)", low.Regime, low.PercentileRank)
	}

	extreme, _ := c.Classify("ETH/USDT", makeCandles(30, 20))
	if extreme.Regime != types.RegimeExtreme {
		t.Errorf("Expected EXTREME for wild series, got %s (pct %.1f)", extreme.Regime, extreme.PercentileRank)
	}

	// Another symbol has no history and must not inherit ETH's.
	other, _ := c.Classify("SOL/USDT", makeCandles(30, 20))
	if other.Regime != types.RegimeNormal {
		t.Errorf("Expected NORMAL for fresh symbol, got %s", other.Regime)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	cfg := regime.DefaultClassifierConfig()
	cfg.HistorySize = 5
	c := regime.NewClassifier(zap.NewNop(), cfg)

	for i := 0; i < 12; i++ {
		c.Classify("BTC/USDT", makeCandles(10, 1))
	}
	if got := len(c.History("BTC/USDT")); got != 5 {
		t.Errorf("Expected history of 5, got %d", got)
	}
}

func TestAverageTrueRange(t *testing.T) {
	candles := []types.OHLCV{
		{High: decimal.NewFromInt(10), Low: decimal.NewFromInt(8), Close: decimal.NewFromInt(9)},
		{High: decimal.NewFromInt(12), Low: decimal.NewFromInt(9), Close: decimal.NewFromInt(11)},
		{High: decimal.NewFromInt(11), Low: decimal.NewFromInt(10), Close: decimal.NewFromInt(10)},
	}
	// True ranges: max(3, 3, 0)=3 and max(1, 0, 1)=1.
	if atr := regime.AverageTrueRange(candles, 14); atr != 2 {
		t.Errorf("Expected ATR 2, got %f", atr)
	}
}
