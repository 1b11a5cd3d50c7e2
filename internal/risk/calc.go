// Package risk implements margin, liquidation, PnL, and fee arithmetic.
//
// Every function is pure and decimal-exact. The ledger calls into this
// package for all money math; nothing here holds state.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/internal/numeric"
	"github.com/sorooshx/tradecore/internal/schema"
)

var (
	oneHundred = decimal.NewFromInt(100)
	one        = decimal.NewFromInt(1)
)

// MarginRequired returns (qty * price) / leverage.
func MarginRequired(qty, price decimal.Decimal, leverage int) decimal.Decimal {
	return qty.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
}

// LiquidationPrice estimates the liquidation level for a position.
//
// The entry heuristic entry * (1 -/+ (1/leverage)*bufferRatio) is applied
// uniformly for both the order-opening path and position updates; long
// positions liquidate below entry, shorts above.
func LiquidationPrice(side schema.PositionSide, entry decimal.Decimal, leverage int, bufferRatio decimal.Decimal) decimal.Decimal {
	offset := one.Div(decimal.NewFromInt(int64(leverage))).Mul(bufferRatio)
	if side == schema.PositionLong {
		return entry.Mul(one.Sub(offset))
	}
	return entry.Mul(one.Add(offset))
}

// UnrealizedPnL returns the mark-to-market PnL of an open position.
func UnrealizedPnL(side schema.PositionSide, qty, entry, mark decimal.Decimal) decimal.Decimal {
	if side == schema.PositionLong {
		return mark.Sub(entry).Mul(qty)
	}
	return entry.Sub(mark).Mul(qty)
}

// ROE expresses pnl as a percentage of committed margin. Zero margin yields
// zero rather than a division error.
func ROE(pnl, margin decimal.Decimal) decimal.Decimal {
	if margin.IsZero() {
		return decimal.Zero
	}
	return pnl.Div(margin).Mul(oneHundred)
}

// Commission returns qty * price * feeRate truncated at scale. Truncation
// rounds toward zero so fee dust never compounds against the wallet.
func Commission(qty, price, feeRate decimal.Decimal, scale int32) decimal.Decimal {
	return numeric.RoundDown(qty.Mul(price).Mul(feeRate), scale)
}

// WeightedEntry recomputes the notional-weighted average entry price when
// fillQty at fillPrice is added to an existing (qty, entry) exposure.
func WeightedEntry(qty, entry, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	total := qty.Add(fillQty)
	if total.IsZero() {
		return decimal.Zero
	}
	return qty.Mul(entry).Add(fillQty.Mul(fillPrice)).Div(total)
}
