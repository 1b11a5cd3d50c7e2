package numeric_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sorooshx/tradecore/internal/numeric"
)

func TestParseAndFormat(t *testing.T) {
	d, ok := numeric.Parse("  123.4500 ")
	require.True(t, ok)
	require.Equal(t, "123.45", d.String())

	_, ok = numeric.Parse("")
	require.False(t, ok)
	_, ok = numeric.Parse("12,5")
	require.False(t, ok)

	require.Equal(t, "123.45", numeric.FormatFixed(d, 2))
	require.Equal(t, "123.4500", numeric.FormatFixed(d, 4))
}

func TestRoundDownNeverRoundsUp(t *testing.T) {
	d := decimal.RequireFromString("1.23999999")
	require.Equal(t, "1.23", numeric.RoundDown(d, 2).String())

	neg := decimal.RequireFromString("-1.23999999")
	require.Equal(t, "-1.23", numeric.RoundDown(neg, 2).String())
}

func TestScaleFromStep(t *testing.T) {
	require.Equal(t, int32(3), numeric.ScaleFromStep("0.0010"))
	require.Equal(t, int32(0), numeric.ScaleFromStep("1"))
	require.Equal(t, int32(0), numeric.ScaleFromStep(""))
}

func TestWithinScale(t *testing.T) {
	require.True(t, numeric.WithinScale(decimal.RequireFromString("0.125"), 3))
	require.False(t, numeric.WithinScale(decimal.RequireFromString("0.1255"), 3))
}
