package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/schema"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestService(t *testing.T) *Service {
	t.Helper()
	// Advancing fake clock so execution timestamps order deterministically.
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(context.Background(), NewMemoryStore(), DefaultConfig(),
		WithClock(func() time.Time {
			current = current.Add(time.Second)
			return current
		}))
	require.NoError(t, err)
	return svc
}

// requireWalletInvariant checks availableBalance = balance - reserved order
// margin - open position margin, and that available never goes negative.
func requireWalletInvariant(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)

	reserved := decimal.Zero
	orders, err := svc.Orders(ctx, OrderFilter{})
	require.NoError(t, err)
	for _, order := range orders {
		reserved = reserved.Add(order.MarginReserved)
	}
	positionMargin := decimal.Zero
	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	for _, position := range positions {
		positionMargin = positionMargin.Add(position.Margin)
	}

	want := wallet.Balance.Sub(reserved).Sub(positionMargin)
	require.True(t, wallet.AvailableBalance.Equal(want),
		"available %s != balance %s - reserved %s - position margin %s",
		wallet.AvailableBalance, wallet.Balance, reserved, positionMargin)
	require.False(t, wallet.AvailableBalance.IsNegative())
}

func TestNewServiceSeedsWallet(t *testing.T) {
	svc := newTestService(t)
	wallet, err := svc.Wallet(context.Background())
	require.NoError(t, err)
	require.True(t, wallet.Balance.Equal(d("10000")))
	require.True(t, wallet.AvailableBalance.Equal(d("10000")))
}

func TestCreateLimitOrderReservesMargin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Price:      d("97500"),
		Quantity:   d("0.5"),
		Leverage:   10,
		MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusOpen, order.Status)
	// 0.5 * 97500 / 10
	require.True(t, order.MarginReserved.Equal(d("4875")), "got %s", order.MarginReserved)

	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.AvailableBalance.Equal(d("5125")))
	requireWalletInvariant(t, svc)
}

func TestCreateOrderInsufficientMarginReservesNothing(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Price:      d("97500"),
		Quantity:   d("1.5"),
		Leverage:   1,
		MarginMode: schema.MarginModeCross,
	})
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeInsufficientMargin))
	require.Equal(t, schema.OrderStatusRejected, order.Status)
	require.True(t, order.MarginReserved.IsZero())

	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.AvailableBalance.Equal(d("10000")))
	requireWalletInvariant(t, svc)
}

func TestCancelOrderReleasesMargin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeLimit,
		Price:      d("95000"),
		Quantity:   d("0.5"),
		Leverage:   20,
		MarginMode: schema.MarginModeIsolated,
	})
	require.NoError(t, err)
	require.True(t, order.MarginReserved.Equal(d("2375")))

	cancelled, err := svc.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCancelled, cancelled.Status)
	require.True(t, cancelled.MarginReserved.IsZero())

	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.AvailableBalance.Equal(d("10000")))
	requireWalletInvariant(t, svc)

	_, err = svc.CancelOrder(ctx, order.ID)
	require.True(t, errs.HasCode(err, errs.CodeInvalidState))
}

func TestMarketOrderFillsImmediately(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeMarket,
		Quantity:   d("0.5"),
		Leverage:   20,
		MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, order.Status)
	require.True(t, order.AveragePrice.Equal(d("95000")))
	// 0.5 * 95000 * 0.0004
	require.True(t, order.Commission.Equal(d("19")), "got %s", order.Commission)

	position, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, position, 1)
	require.Equal(t, schema.PositionLong, position[0].Side)
	require.True(t, position[0].EntryPrice.Equal(d("95000")))
	require.True(t, position[0].Margin.Equal(d("2375")))
	require.True(t, position[0].LiquidationPrice.Equal(d("90725")), "got %s", position[0].LiquidationPrice)

	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.Balance.Equal(d("9981")))
	requireWalletInvariant(t, svc)

	trades, err := svc.Trades(ctx, "BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, order.ID, trades[0].OrderID)
}

func TestMarketOrderWithoutMarkPriceFails(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.CreateOrder(context.Background(), schema.OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       schema.SideBuy,
		Type:       schema.OrderTypeMarket,
		Quantity:   d("0.5"),
		Leverage:   20,
		MarginMode: schema.MarginModeCross,
	})
	require.True(t, errs.HasCode(err, errs.CodeUnavailable))
}

func TestWeightedAverageEntryOnSecondFill(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), Leverage: 50, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("96000")))
	_, err = svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), Leverage: 50, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Quantity.Equal(d("2")))
	require.True(t, positions[0].EntryPrice.Equal(d("95500")), "got %s", positions[0].EntryPrice)
	requireWalletInvariant(t, svc)
}

func TestClosePositionRealizesPnL(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("0.5"), Leverage: 20, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("96000")))
	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	pnl, roe, err := svc.PositionPnL(ctx, positions[0].ID)
	require.NoError(t, err)
	require.True(t, pnl.Equal(d("500")), "got %s", pnl)
	// ROE is a percentage: 500 / 2375 * 100
	require.True(t, roe.Round(6).Equal(d("500").Div(d("2375")).Mul(d("100")).Round(6)), "got %s", roe)

	closed, err := svc.ClosePosition(ctx, positions[0].ID, decimal.Zero)
	require.NoError(t, err)
	require.False(t, closed.IsOpen)
	require.True(t, closed.Quantity.IsZero())

	// open fee 19 at 95000, close fee 0.5*96000*0.0004 = 19.2
	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.Balance.Equal(d("10461.8")), "got %s", wallet.Balance)
	require.True(t, wallet.AvailableBalance.Equal(wallet.Balance))
	requireWalletInvariant(t, svc)

	trades, err := svc.Trades(ctx, "BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	require.True(t, trades[0].RealizedPnL.Equal(d("480.8")), "got %s", trades[0].RealizedPnL)

	_, err = svc.ClosePosition(ctx, positions[0].ID, decimal.Zero)
	require.True(t, errs.HasCode(err, errs.CodeInvalidState))
}

func TestPartialCloseReleasesMarginProportionally(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	margin := positions[0].Margin
	require.True(t, margin.Equal(d("9500")))

	reduced, err := svc.ClosePosition(ctx, positions[0].ID, d("0.25"))
	require.NoError(t, err)
	require.True(t, reduced.IsOpen)
	require.True(t, reduced.Quantity.Equal(d("0.75")))
	require.True(t, reduced.Margin.Equal(d("7125")), "got %s", reduced.Margin)
	requireWalletInvariant(t, svc)
}

func TestReducingOrderReservesNoMargin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Price: d("97000"), Quantity: d("0.4"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.True(t, order.MarginReserved.IsZero())
	requireWalletInvariant(t, svc)

	// A second reduce order may not oversell the position.
	_, err = svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Price: d("97000"), Quantity: d("0.7"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.True(t, errs.HasCode(err, errs.CodeInvalid))

	// Crossing tick fills the reduce order and realizes PnL.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("97100")))
	filled, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	require.True(t, positions[0].Quantity.Equal(d("0.6")))
	requireWalletInvariant(t, svc)
}

func TestLimitOrderFillsWhenCrossed(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeLimit,
		Price: d("94000"), Quantity: d("0.5"), Leverage: 20, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("94500")))
	resting, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusOpen, resting.Status)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("93900")))
	filled, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	// Fills at the limit price, not the mark.
	require.True(t, filled.AveragePrice.Equal(d("94000")))
	requireWalletInvariant(t, svc)
}

func TestStopMarketTriggersAtMark(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeStopMarket,
		StopPrice: d("96000"), Quantity: d("0.5"), Leverage: 20, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPending, order.Status)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95500")))
	pending, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPending, pending.Status)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("96100")))
	filled, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.True(t, filled.AveragePrice.Equal(d("96100")))
	requireWalletInvariant(t, svc)
}

func TestStopLimitBecomesRestingOrder(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeStopLimit,
		StopPrice: d("94000"), Price: d("94100"), Quantity: d("0.5"),
		Leverage: 20, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPending, order.Status)

	// Trigger fires below the stop; the limit rests above the mark.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("93950")))
	open, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusOpen, open.Status)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("94150")))
	filled, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.True(t, filled.AveragePrice.Equal(d("94100")))
}

func TestLiquidationClosesPositionOnBreach(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("0.5"), Leverage: 20, MarginMode: schema.MarginModeIsolated,
	})
	require.NoError(t, err)

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.True(t, positions[0].LiquidationPrice.Equal(d("90725")))

	// Above the liquidation price the position survives.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("90726")))
	alive, err := svc.Position(ctx, positions[0].ID)
	require.NoError(t, err)
	require.True(t, alive.IsOpen)

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("90700")))
	dead, err := svc.Position(ctx, positions[0].ID)
	require.NoError(t, err)
	require.False(t, dead.IsOpen)
	// Loss at the liquidation price is 90% of margin: 0.9 * 2375.
	require.True(t, dead.RealizedPnL.Equal(d("-2137.5")), "got %s", dead.RealizedPnL)
	requireWalletInvariant(t, svc)
}

func TestTakeProfitAndStopLoss(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("0.5"), Leverage: 20, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	positionID := positions[0].ID

	_, err = svc.UpdatePosition(ctx, positionID, d("90000"), decimal.Zero)
	require.True(t, errs.HasCode(err, errs.CodeInvalid), "take profit below entry for a long must fail")

	updated, err := svc.UpdatePosition(ctx, positionID, d("97000"), d("93000"))
	require.NoError(t, err)
	require.True(t, updated.TakeProfit.Equal(d("97000")))
	require.True(t, updated.StopLoss.Equal(d("93000")))

	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("97050")))
	closed, err := svc.Position(ctx, positionID)
	require.NoError(t, err)
	require.False(t, closed.IsOpen)

	trades, err := svc.Trades(ctx, "BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	// Exit fills at the trigger price.
	require.True(t, trades[0].Price.Equal(d("97000")))
	requireWalletInvariant(t, svc)
}

func TestCancelAllOrders(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, symbol := range []string{"BTCUSDT", "BTCUSDT", "ETHUSDT"} {
		_, err := svc.CreateOrder(ctx, schema.OrderRequest{
			Symbol: symbol, Side: schema.SideBuy, Type: schema.OrderTypeLimit,
			Price: d("100"), Quantity: d("1"), Leverage: 10, MarginMode: schema.MarginModeCross,
		})
		require.NoError(t, err)
	}

	cancelled, err := svc.CancelAllOrders(ctx, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, 2, cancelled)

	active, err := svc.Orders(ctx, OrderFilter{ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "ETHUSDT", active[0].Symbol)

	cancelled, err = svc.CancelAllOrders(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 1, cancelled)
	requireWalletInvariant(t, svc)
}

func TestExecuteOrderPartialFills(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeLimit,
		Price: d("95000"), Quantity: d("1"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	partial, err := svc.ExecuteOrder(ctx, order.ID, d("95000"), d("0.4"))
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusPartiallyFilled, partial.Status)
	require.True(t, partial.FilledQuantity.Equal(d("0.4")))
	require.True(t, partial.MarginReserved.Equal(d("5700")), "got %s", partial.MarginReserved)
	requireWalletInvariant(t, svc)

	filled, err := svc.ExecuteOrder(ctx, order.ID, d("95000"), decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusFilled, filled.Status)
	require.True(t, filled.MarginReserved.IsZero())
	requireWalletInvariant(t, svc)

	_, err = svc.ExecuteOrder(ctx, order.ID, d("95000"), d("1"))
	require.True(t, errs.HasCode(err, errs.CodeInvalidState))
}

func TestShortPositionLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "ETHUSDT", d("3000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "ETHUSDT", Side: schema.SideSell, Type: schema.OrderTypeMarket,
		Quantity: d("2"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Equal(t, schema.PositionShort, positions[0].Side)
	// 3000 * (1 + 0.09) = 3270
	require.True(t, positions[0].LiquidationPrice.Equal(d("3270")), "got %s", positions[0].LiquidationPrice)

	require.NoError(t, svc.SetMarkPrice(ctx, "ETHUSDT", d("2900")))
	pnl, _, err := svc.PositionPnL(ctx, positions[0].ID)
	require.NoError(t, err)
	require.True(t, pnl.Equal(d("200")), "got %s", pnl)

	closed, err := svc.ClosePosition(ctx, positions[0].ID, decimal.Zero)
	require.NoError(t, err)
	require.False(t, closed.IsOpen)
	requireWalletInvariant(t, svc)
}

func TestMarketOrderCommissionOverdrawRejects(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("100")))

	// The margin check passes exactly (100 * 100 / 1 = 10000) but the taker
	// fee of 4 would overdraw the wallet at fill time. The order must not be
	// left resting with its reservation held.
	order, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("100"), Leverage: 1, MarginMode: schema.MarginModeCross,
	})
	require.Error(t, err)
	require.True(t, errs.HasCode(err, errs.CodeInsufficientMargin))
	require.Equal(t, schema.OrderStatusRejected, order.Status)
	require.True(t, order.MarginReserved.IsZero())

	stored, err := svc.Order(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusRejected, stored.Status)
	require.True(t, stored.MarginReserved.IsZero())

	wallet, err := svc.Wallet(ctx)
	require.NoError(t, err)
	require.True(t, wallet.Balance.Equal(d("10000")))
	require.True(t, wallet.AvailableBalance.Equal(d("10000")))

	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, positions)
	requireWalletInvariant(t, svc)
}

func TestReduceOrdersCancelledWhenPositionCloses(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("0.5"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	_, err = svc.UpdatePosition(ctx, positions[0].ID, d("97000"), decimal.Zero)
	require.NoError(t, err)

	// Resting reduce order above the take profit.
	reduce, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Price: d("99000"), Quantity: d("0.5"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.True(t, reduce.MarginReserved.IsZero())

	// The take profit closes the position; the reduce order dies with it.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("97000")))
	open, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, open)

	stored, err := svc.Order(ctx, reduce.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCancelled, stored.Status)

	// A later tick through the old limit price must not open a short.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("99100")))
	open, err = svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, open)
	requireWalletInvariant(t, svc)
}

func TestReduceOrderRemainderCancelledOnFullClose(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("95000")))

	_, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideBuy, Type: schema.OrderTypeMarket,
		Quantity: d("1"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	positions, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Len(t, positions, 1)

	reduce, err := svc.CreateOrder(ctx, schema.OrderRequest{
		Symbol: "BTCUSDT", Side: schema.SideSell, Type: schema.OrderTypeLimit,
		Price: d("96000"), Quantity: d("0.8"), Leverage: 10, MarginMode: schema.MarginModeCross,
	})
	require.NoError(t, err)
	require.True(t, reduce.MarginReserved.IsZero())

	// Shrink the position below the resting reduce quantity.
	_, err = svc.ClosePosition(ctx, positions[0].ID, d("0.5"))
	require.NoError(t, err)

	// The crossing tick fills only what the position can absorb; the
	// unfillable remainder is cancelled, not left to open the opposite side.
	require.NoError(t, svc.SetMarkPrice(ctx, "BTCUSDT", d("96000")))

	stored, err := svc.Order(ctx, reduce.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStatusCancelled, stored.Status)
	require.True(t, stored.FilledQuantity.Equal(d("0.5")), "got %s", stored.FilledQuantity)

	open, err := svc.Positions(ctx, true)
	require.NoError(t, err)
	require.Empty(t, open)
	requireWalletInvariant(t, svc)
}
