package regime_test

import (
	"testing"

	"github.com/atlas-desktop/decision-engine/internal/regime"
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

func TestAdaptNilReturnsBase(t *testing.T) {
	base := regime.DefaultRiskBase()
	p := regime.Adapt(base, nil)

	if !p.RiskPerTradePercent.Equal(base.RiskPerTrade) {
		t.Errorf("Expected risk %s, got %s", base.RiskPerTrade, p.RiskPerTradePercent)
	}
	if !p.TakeProfitMultiplier.Equal(decimal.NewFromInt(1)) {
		t.Errorf("Expected TP multiplier 1, got %s", p.TakeProfitMultiplier)
	}
	if p.SizingMethod != regime.SizingFixedFractional {
		t.Errorf("Expected fixed fractional sizing, got %s", p.SizingMethod)
	}
}

func TestAdaptRiskMultipliers(t *testing.T) {
	base := regime.DefaultRiskBase()
	cases := []struct {
		regime types.Regime
		risk   float64
	}{
		{types.RegimeLow, 0.03},
		{types.RegimeNormal, 0.02},
		{types.RegimeHigh, 0.014},
		{types.RegimeExtreme, 0.008},
	}
	for _, tc := range cases {
		p := regime.Adapt(base, &regime.VolatilityMetrics{Regime: tc.regime})
		if !p.RiskPerTradePercent.Equal(decimal.NewFromFloat(tc.risk)) {
			t.Errorf("%s: expected risk %v, got %s", tc.regime, tc.risk, p.RiskPerTradePercent)
		}
	}
}

func TestAdaptRespectsBounds(t *testing.T) {
	base := regime.DefaultRiskBase()
	base.RiskPerTrade = decimal.NewFromFloat(0.09)

	low := regime.Adapt(base, &regime.VolatilityMetrics{Regime: types.RegimeLow})
	if !low.RiskPerTradePercent.Equal(decimal.NewFromFloat(0.10)) {
		t.Errorf("Expected risk clamped to 10%%, got %s", low.RiskPerTradePercent)
	}

	base.RiskPerTrade = decimal.NewFromFloat(0.01)
	extreme := regime.Adapt(base, &regime.VolatilityMetrics{Regime: types.RegimeExtreme, ATRPercent: 0.5})
	if !extreme.RiskPerTradePercent.Equal(decimal.NewFromFloat(0.005)) {
		t.Errorf("Expected risk clamped to 0.5%%, got %s", extreme.RiskPerTradePercent)
	}
	if !extreme.StopLossMultiplier.Equal(decimal.NewFromInt(3)) {
		t.Errorf("Expected stop multiplier clamped to 3, got %s", extreme.StopLossMultiplier)
	}
	if extreme.MaxConcurrentPositions < 1 {
		t.Errorf("Expected at least one position, got %d", extreme.MaxConcurrentPositions)
	}
}

func TestAdaptKeepsRewardRisk(t *testing.T) {
	base := regime.DefaultRiskBase()
	for _, r := range []types.Regime{types.RegimeLow, types.RegimeNormal, types.RegimeHigh, types.RegimeExtreme} {
		p := regime.Adapt(base, &regime.VolatilityMetrics{Regime: r, ATRPercent: 0.03})
		rr := base.TakeProfitRatio.Mul(p.TakeProfitMultiplier)
		if rr.LessThan(decimal.NewFromInt(2)) {
			t.Errorf("%s: reward:risk %s below 2", r, rr)
		}
	}
}

func TestAdaptStopWidensWithATR(t *testing.T) {
	base := regime.DefaultRiskBase()
	calm := regime.Adapt(base, &regime.VolatilityMetrics{Regime: types.RegimeNormal, ATRPercent: 0.005})
	wild := regime.Adapt(base, &regime.VolatilityMetrics{Regime: types.RegimeNormal, ATRPercent: 0.03})

	if !wild.StopLossMultiplier.GreaterThan(calm.StopLossMultiplier) {
		t.Errorf("Expected wider stop with higher ATR: calm %s, wild %s",
			calm.StopLossMultiplier, wild.StopLossMultiplier)
	}
	if !wild.TakeProfitMultiplier.GreaterThan(calm.TakeProfitMultiplier) {
		t.Errorf("Expected larger TP multiplier with wider stop")
	}
}
