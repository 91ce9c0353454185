package risk

import (
	"github.com/atlas-desktop/decision-engine/pkg/types"
	"github.com/shopspring/decimal"
)

// applyFill books f at weighted-average cost and returns the realized PnL,
// net of fees. Same-side fills re-average the cost basis, opposite-side fills
// realize against it, and any excess flips the position at the fill price.
func applyFill(book map[string]*types.Position, f types.Fill) decimal.Decimal {
	fillSide := types.SideForOrder(f.Side)
	realized := f.Fees.Neg()

	pos, ok := book[f.Symbol]
	if !ok || !pos.Quantity.IsPositive() {
		book[f.Symbol] = &types.Position{
			Symbol:      f.Symbol,
			Side:        fillSide,
			Quantity:    f.Quantity,
			AvgCost:     f.Price,
			RealizedPnL: realized,
			OpenedAt:    f.Timestamp,
			UpdatedAt:   f.Timestamp,
		}
		return realized
	}

	pos.UpdatedAt = f.Timestamp

	if pos.Side == fillSide {
		newQty := pos.Quantity.Add(f.Quantity)
		pos.AvgCost = pos.Quantity.Mul(pos.AvgCost).Add(f.Quantity.Mul(f.Price)).Div(newQty)
		pos.Quantity = newQty
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
		return realized
	}

	closeQty := decimal.Min(pos.Quantity, f.Quantity)
	perUnit := f.Price.Sub(pos.AvgCost)
	if pos.Side == types.PositionSideShort {
		perUnit = perUnit.Neg()
	}
	realized = realized.Add(perUnit.Mul(closeQty))
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Quantity = pos.Quantity.Sub(closeQty)

	remaining := f.Quantity.Sub(closeQty)
	if !pos.Quantity.IsPositive() {
		delete(book, f.Symbol)
	}
	if remaining.IsPositive() {
		book[f.Symbol] = &types.Position{
			Symbol:    f.Symbol,
			Side:      fillSide,
			Quantity:  remaining,
			AvgCost:   f.Price,
			OpenedAt:  f.Timestamp,
			UpdatedAt: f.Timestamp,
		}
	}
	return realized
}
