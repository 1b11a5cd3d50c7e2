// Package numeric provides decimal helpers used across money and quantity paths.
//
// All monetary math in tradecore flows through shopspring/decimal; binary
// floating point is never used for prices, quantities, margin, or fees.
package numeric

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse converts a decimal string into an exact decimal value.
// On failure, it returns (zero, false).
func Parse(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// RoundDown truncates d toward zero at the given fractional scale.
// Fees are always rounded down so accumulated dust never drifts against
// the wallet silently.
func RoundDown(d decimal.Decimal, scale int32) decimal.Decimal {
	return d.Truncate(scale)
}

// FormatFixed renders d with exactly scale fractional digits, truncating
// toward zero.
func FormatFixed(d decimal.Decimal, scale int32) string {
	return d.Truncate(scale).StringFixed(scale)
}

// ScaleFromStep derives the effective fractional precision from a decimal
// "step" string such as "0.001".
func ScaleFromStep(step string) int32 {
	step = strings.TrimSpace(step)
	if step == "" {
		return 0
	}
	idx := strings.IndexByte(step, '.')
	if idx < 0 {
		return 0
	}
	frac := strings.TrimRight(step[idx+1:], "0")
	return int32(len(frac))
}

// WithinScale reports whether d carries no more fractional digits than scale.
func WithinScale(d decimal.Decimal, scale int32) bool {
	return d.Equal(d.Truncate(scale))
}
