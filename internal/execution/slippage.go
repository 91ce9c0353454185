package execution

import (
	"math"

	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// SlippageConfig configures the top-of-book impact model.
type SlippageConfig struct {
	ImpactFactor decimal.Decimal // impact at 1x top-of-book size
	MaxSlippage  decimal.Decimal
}

// DefaultSlippageConfig returns default slippage configuration
func DefaultSlippageConfig() SlippageConfig {
	return SlippageConfig{
		ImpactFactor: decimal.NewFromFloat(0.001), // 0.1%
		MaxSlippage:  decimal.NewFromFloat(0.02),  // 2%
	}
}

// touch returns the price and size an order of side would hit first.
func touch(q *types.Quote, side types.OrderSide) (price, size decimal.Decimal) {
	if side == types.OrderSideBuy {
		return q.Ask, q.AskSize
	}
	return q.Bid, q.BidSize
}

// EstimateSlippage returns the expected price impact as a fraction of the
// touch price. Orders within top-of-book size only pay the spread, which is
// already in the touch price; larger orders follow a square-root impact.
func (c SlippageConfig) EstimateSlippage(q *types.Quote, side types.OrderSide, amount decimal.Decimal) decimal.Decimal {
	_, size := touch(q, side)
	if !size.IsPositive() || !amount.IsPositive() || amount.LessThanOrEqual(size) {
		return decimal.Zero
	}
	ratio := amount.Div(size).InexactFloat64()
	impact := c.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(ratio - 1)))
	if impact.GreaterThan(c.MaxSlippage) {
		return c.MaxSlippage
	}
	return impact
}

// executionProbability falls with spread and with size beyond the touch,
// clamped to [0.1, 0.95].
func executionProbability(q *types.Quote, side types.OrderSide, amount decimal.Decimal) float64 {
	p := 0.95
	p -= q.SpreadPct().InexactFloat64() * 10 // 1% spread costs 0.1

	_, size := touch(q, side)
	switch {
	case !size.IsPositive():
		p -= 0.3
	case amount.GreaterThan(size):
		shortfall := amount.Sub(size).Div(amount).InexactFloat64()
		p -= 0.3 * shortfall
	}

	return math.Max(0.1, math.Min(0.95, p))
}
