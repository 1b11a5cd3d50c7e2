package schema

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/numeric"
)

// Side identifies the taker direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType identifies how an order is priced and triggered.
type OrderType string

const (
	OrderTypeLimit      OrderType = "limit"
	OrderTypeMarket     OrderType = "market"
	OrderTypeStopLimit  OrderType = "stop_limit"
	OrderTypeStopMarket OrderType = "stop_market"
)

// OrderStatus tracks the order lifecycle. Filled, Cancelled, and Rejected are
// terminal.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// MarginMode selects cross-account or per-position margin.
type MarginMode string

const (
	MarginModeCross    MarginMode = "cross"
	MarginModeIsolated MarginMode = "isolated"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
)

// Leverage bounds accepted by the ledger.
const (
	LeverageMin = 1
	LeverageMax = 125
)

// Order is a ledger order. Terminal orders are retained for history, never
// deleted.
type Order struct {
	ID             string
	Symbol         string
	Side           Side
	Type           OrderType
	Status         OrderStatus
	Price          decimal.Decimal
	StopPrice      decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	Leverage       int
	MarginMode     MarginMode
	MarginReserved decimal.Decimal
	AveragePrice   decimal.Decimal
	Commission     decimal.Decimal
	CreatedAt      time.Time
	UpdatedAt      time.Time
	FilledAt       time.Time
	CancelledAt    time.Time
}

// IsActive reports whether the order may still change state.
func (o *Order) IsActive() bool {
	switch o.Status {
	case OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// RemainingQuantity is the unfilled portion of the order.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// Position is an open or historical position. Closed positions keep their
// realized PnL and are retained with IsOpen=false.
type Position struct {
	ID               string
	Symbol           string
	Side             PositionSide
	Quantity         decimal.Decimal
	EntryPrice       decimal.Decimal
	Leverage         int
	MarginMode       MarginMode
	Margin           decimal.Decimal
	LiquidationPrice decimal.Decimal
	TakeProfit       decimal.Decimal
	StopLoss         decimal.Decimal
	RealizedPnL      decimal.Decimal
	IsOpen           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
	ClosedAt         time.Time
}

// Wallet is the simulated USDT wallet. The ledger maintains the invariant
// availableBalance = balance - reserved order margin - open position margin.
type Wallet struct {
	Balance          decimal.Decimal
	AvailableBalance decimal.Decimal
	UpdatedAt        time.Time
}

// Trade records a single execution for history.
type Trade struct {
	ID          string
	OrderID     string
	PositionID  string
	Symbol      string
	Side        Side
	Price       decimal.Decimal
	Quantity    decimal.Decimal
	Commission  decimal.Decimal
	RealizedPnL decimal.Decimal
	ExecutedAt  time.Time
}

// OrderRequest carries caller-supplied order parameters into the ledger.
type OrderRequest struct {
	Symbol     string
	Side       Side
	Type       OrderType
	Price      decimal.Decimal
	StopPrice  decimal.Decimal
	Quantity   decimal.Decimal
	Leverage   int
	MarginMode MarginMode
}

// Validate checks the request against the ledger's admission rules. The
// quantity scale bound keeps weighted-average entry math exact at the
// configured precision.
func (r OrderRequest) Validate(quantityScale int32) error {
	if r.Symbol == "" {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("symbol required"))
	}
	switch r.Side {
	case SideBuy, SideSell:
	default:
		return errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("side must be buy or sell"),
			errs.WithField("side", string(r.Side)))
	}
	switch r.Type {
	case OrderTypeLimit, OrderTypeMarket, OrderTypeStopLimit, OrderTypeStopMarket:
	default:
		return errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("unsupported order type"),
			errs.WithField("type", string(r.Type)))
	}
	switch r.MarginMode {
	case MarginModeCross, MarginModeIsolated:
	default:
		return errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("margin mode must be cross or isolated"),
			errs.WithField("margin_mode", string(r.MarginMode)))
	}
	if r.Leverage < LeverageMin || r.Leverage > LeverageMax {
		return errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("leverage out of range"),
			errs.WithField("leverage", decimal.NewFromInt(int64(r.Leverage)).String()))
	}
	if !r.Quantity.IsPositive() {
		return errs.New("schema", errs.CodeInvalid, errs.WithMessage("quantity must be positive"))
	}
	if !numeric.WithinScale(r.Quantity, quantityScale) {
		return errs.New("schema", errs.CodeInvalid,
			errs.WithMessage("quantity exceeds supported precision"),
			errs.WithField("quantity", r.Quantity.String()))
	}
	if r.Type == OrderTypeLimit || r.Type == OrderTypeStopLimit {
		if !r.Price.IsPositive() {
			return errs.New("schema", errs.CodeInvalid, errs.WithMessage("limit orders require a positive price"))
		}
	}
	if r.Type == OrderTypeStopLimit || r.Type == OrderTypeStopMarket {
		if !r.StopPrice.IsPositive() {
			return errs.New("schema", errs.CodeInvalid, errs.WithMessage("stop orders require a positive stop price"))
		}
	}
	return nil
}

// PositionSideFor maps a taker side to the position direction it opens.
func PositionSideFor(side Side) PositionSide {
	if side == SideBuy {
		return PositionLong
	}
	return PositionShort
}

// OpposesPosition reports whether an order side reduces the given position
// direction.
func OpposesPosition(side Side, pos PositionSide) bool {
	return PositionSideFor(side) != pos
}
