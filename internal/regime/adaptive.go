package regime

import (
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SizingMethod names how a position size is derived.
type SizingMethod string

const (
	SizingFixedFractional    SizingMethod = "fixed_fractional"
	SizingVolatilityAdjusted SizingMethod = "volatility_adjusted"
)

// RiskBase is the configured, regime-independent risk policy.
type RiskBase struct {
	RiskPerTrade    decimal.Decimal // fraction of portfolio risked per trade
	MaxDailyLoss    decimal.Decimal // fraction of portfolio
	DefaultStopLoss decimal.Decimal // fraction of price
	TakeProfitRatio decimal.Decimal // reward multiple of the stop distance
	MaxPositions    int
	ATRStopMultiple decimal.Decimal // stop must clear this many ATRs
	Bounds          RiskBounds
}

// RiskBounds are the clamps every adapted parameter must respect.
type RiskBounds struct {
	MinRiskPerTrade       decimal.Decimal
	MaxRiskPerTrade       decimal.Decimal
	MinDailyLoss          decimal.Decimal
	MaxDailyLoss          decimal.Decimal
	MinStopLossMultiplier decimal.Decimal
	MaxStopLossMultiplier decimal.Decimal
	MinPositions          int
	MaxPositions          int
}

// DefaultRiskBase returns sensible defaults
func DefaultRiskBase() RiskBase {
	return RiskBase{
		RiskPerTrade:    decimal.NewFromFloat(0.02), // 2% per trade
		MaxDailyLoss:    decimal.NewFromFloat(0.05), // 5% per day
		DefaultStopLoss: decimal.NewFromFloat(0.02), // 2% stop
		TakeProfitRatio: decimal.NewFromInt(2),      // 2:1
		MaxPositions:    5,
		ATRStopMultiple: decimal.NewFromFloat(1.5),
		Bounds: RiskBounds{
			MinRiskPerTrade:       decimal.NewFromFloat(0.005),
			MaxRiskPerTrade:       decimal.NewFromFloat(0.10),
			MinDailyLoss:          decimal.NewFromFloat(0.01),
			MaxDailyLoss:          decimal.NewFromFloat(0.20),
			MinStopLossMultiplier: decimal.NewFromFloat(0.5),
			MaxStopLossMultiplier: decimal.NewFromFloat(3),
			MinPositions:          1,
			MaxPositions:          20,
		},
	}
}

// AdaptiveRiskParameters are the per-decision risk parameters after regime adaptation.
type AdaptiveRiskParameters struct {
	RiskPerTradePercent    decimal.Decimal `json:"risk_per_trade"`
	MaxDailyLossPercent    decimal.Decimal `json:"max_daily_loss"`
	StopLossMultiplier     decimal.Decimal `json:"stop_loss_multiplier"`
	TakeProfitMultiplier   decimal.Decimal `json:"take_profit_multiplier"`
	MaxConcurrentPositions int             `json:"max_concurrent_positions"`
	SizingMethod           SizingMethod    `json:"sizing_method"`
	Regime                 types.Regime    `json:"regime,omitempty"`
}

type regimeProfile struct {
	risk      float64
	dailyLoss float64
	stopLoss  float64
}

var regimeProfiles = map[types.Regime]regimeProfile{
	types.RegimeLow:     {risk: 1.5, dailyLoss: 1.0, stopLoss: 0.8},
	types.RegimeNormal:  {risk: 1.0, dailyLoss: 1.0, stopLoss: 1.0},
	types.RegimeHigh:    {risk: 0.7, dailyLoss: 0.8, stopLoss: 1.3},
	types.RegimeExtreme: {risk: 0.4, dailyLoss: 0.6, stopLoss: 1.6},
}

// BaseParameters returns the unadapted policy, clamped to its bounds.
func BaseParameters(base RiskBase) AdaptiveRiskParameters {
	return AdaptiveRiskParameters{
		RiskPerTradePercent:    clamp(base.RiskPerTrade, base.Bounds.MinRiskPerTrade, base.Bounds.MaxRiskPerTrade),
		MaxDailyLossPercent:    clamp(base.MaxDailyLoss, base.Bounds.MinDailyLoss, base.Bounds.MaxDailyLoss),
		StopLossMultiplier:     decimal.NewFromInt(1),
		TakeProfitMultiplier:   decimal.NewFromInt(1),
		MaxConcurrentPositions: clampInt(base.MaxPositions, base.Bounds.MinPositions, base.Bounds.MaxPositions),
		SizingMethod:           SizingFixedFractional,
	}
}

// Adapt derives per-decision parameters from the base policy and the
// current volatility reading. A nil reading returns the base policy.
//
// The take-profit multiplier scales the base reward multiple and never
// drops below 1, so reward:risk stays at or above TakeProfitRatio.
func Adapt(base RiskBase, m *VolatilityMetrics) AdaptiveRiskParameters {
	params := BaseParameters(base)
	if m == nil {
		return params
	}
	profile, ok := regimeProfiles[m.Regime]
	if !ok {
		profile = regimeProfiles[types.RegimeNormal]
	}
	b := base.Bounds

	params.Regime = m.Regime
	params.RiskPerTradePercent = clamp(
		base.RiskPerTrade.Mul(decimal.NewFromFloat(profile.risk)), b.MinRiskPerTrade, b.MaxRiskPerTrade)
	params.MaxDailyLossPercent = clamp(
		base.MaxDailyLoss.Mul(decimal.NewFromFloat(profile.dailyLoss)), b.MinDailyLoss, b.MaxDailyLoss)

	slMult := decimal.NewFromFloat(profile.stopLoss)
	if base.DefaultStopLoss.IsPositive() && m.ATRPercent > 0 {
		atrStop := decimal.NewFromFloat(m.ATRPercent).Mul(base.ATRStopMultiple)
		if atrMult := atrStop.Div(base.DefaultStopLoss); atrMult.GreaterThan(slMult) {
			slMult = atrMult
		}
	}
	params.StopLossMultiplier = clamp(slMult, b.MinStopLossMultiplier, b.MaxStopLossMultiplier)

	one := decimal.NewFromInt(1)
	tpMult := one.Add(params.StopLossMultiplier.Sub(one).Div(decimal.NewFromInt(2)))
	if tpMult.LessThan(one) {
		tpMult = one
	}
	params.TakeProfitMultiplier = tpMult

	positions := int(float64(base.MaxPositions)*profile.risk + 0.5)
	params.MaxConcurrentPositions = clampInt(positions, b.MinPositions, b.MaxPositions)

	if m.Regime == types.RegimeHigh || m.Regime == types.RegimeExtreme {
		params.SizingMethod = SizingVolatilityAdjusted
	}
	return params
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if !lo.IsZero() && v.LessThan(lo) {
		return lo
	}
	if !hi.IsZero() && v.GreaterThan(hi) {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if lo > 0 && v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}
