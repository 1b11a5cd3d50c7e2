package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/observability"
	"github.com/sorooshx/tradecore/internal/risk"
	"github.com/sorooshx/tradecore/internal/schema"
)

// Config carries the ledger's economic parameters.
type Config struct {
	InitialBalance    decimal.Decimal
	TakerFeeRate      decimal.Decimal
	MakerFeeRate      decimal.Decimal
	QuantityScale     int32
	CommissionScale   int32
	LiquidationBuffer decimal.Decimal
}

// DefaultConfig mirrors the exchange defaults the simulator models.
func DefaultConfig() Config {
	return Config{
		InitialBalance:    decimal.NewFromInt(10000),
		TakerFeeRate:      decimal.RequireFromString("0.0004"),
		MakerFeeRate:      decimal.RequireFromString("0.0002"),
		QuantityScale:     8,
		CommissionScale:   8,
		LiquidationBuffer: decimal.RequireFromString("0.9"),
	}
}

// Option customises Service construction.
type Option func(*Service)

// WithRiskManager attaches pre-trade limit checks to order admission.
func WithRiskManager(manager *risk.Manager) Option {
	return func(s *Service) { s.limits = manager }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service is the trading ledger. All mutations are serialized through its
// mutex; callers hold explicit references to the instance they constructed.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	store  Store
	limits *risk.Manager
	marks  map[string]decimal.Decimal
	now    func() time.Time
}

// NewService constructs a ledger over the given store, seeding the wallet
// with the configured initial balance when the store has none.
func NewService(ctx context.Context, store Store, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:   cfg,
		store: store,
		marks: make(map[string]decimal.Decimal),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := store.Wallet(ctx); err != nil {
		if !errs.HasCode(err, errs.CodeNotFound) {
			return nil, fmt.Errorf("load wallet: %w", err)
		}
		wallet := schema.Wallet{
			Balance:          cfg.InitialBalance,
			AvailableBalance: cfg.InitialBalance,
			UpdatedAt:        s.now().UTC(),
		}
		if err := store.SaveWallet(ctx, wallet); err != nil {
			return nil, fmt.Errorf("seed wallet: %w", err)
		}
	}
	return s, nil
}

// MarkPrice returns the last observed mark price for the symbol.
func (s *Service) MarkPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	price, ok := s.marks[symbol]
	return price, ok
}

// SetMarkPrice records a new mark price and runs all price-driven
// transitions for the symbol: liquidation, take-profit/stop-loss exits,
// stop-order triggers, and resting limit fills, in that order.
func (s *Service) SetMarkPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	if !price.IsPositive() {
		return errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("mark price must be positive"),
			errs.WithField("symbol", symbol))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[symbol] = price
	return s.processMarkLocked(ctx, symbol, price)
}

// CreateOrder validates, admits, and (for market orders) immediately
// executes a new order. Insufficient margin records the order as rejected
// and reserves nothing.
func (s *Service) CreateOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error) {
	if err := req.Validate(s.cfg.QuantityScale); err != nil {
		return schema.Order{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	refPrice, err := s.referencePriceLocked(req)
	if err != nil {
		return schema.Order{}, err
	}

	if s.limits != nil {
		if err := s.limits.CheckOrder(ctx, req, refPrice); err != nil {
			return schema.Order{}, err
		}
	}

	now := s.now().UTC()
	order := schema.Order{
		ID:         uuid.NewString(),
		Symbol:     req.Symbol,
		Side:       req.Side,
		Type:       req.Type,
		Status:     schema.OrderStatusPending,
		Price:      req.Price,
		StopPrice:  req.StopPrice,
		Quantity:   req.Quantity,
		Leverage:   req.Leverage,
		MarginMode: req.MarginMode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	required, err := s.marginToReserveLocked(ctx, req, refPrice)
	if err != nil {
		return schema.Order{}, err
	}

	wallet, err := s.store.Wallet(ctx)
	if err != nil {
		return schema.Order{}, fmt.Errorf("load wallet: %w", err)
	}
	if wallet.AvailableBalance.LessThan(required) {
		order.Status = schema.OrderStatusRejected
		if err := s.store.SaveOrder(ctx, order); err != nil {
			return schema.Order{}, fmt.Errorf("save rejected order: %w", err)
		}
		observability.Telemetry().IncCounter(observability.MetricLedgerRejections, 1,
			map[string]string{"symbol": req.Symbol})
		return order, errs.New("ledger", errs.CodeInsufficientMargin,
			errs.WithMessage("available balance below required margin"),
			errs.WithField("required", required.String()),
			errs.WithField("available", wallet.AvailableBalance.String()))
	}

	order.MarginReserved = required
	if !required.IsZero() {
		wallet.AvailableBalance = wallet.AvailableBalance.Sub(required)
		wallet.UpdatedAt = now
		if err := s.store.SaveWallet(ctx, wallet); err != nil {
			return schema.Order{}, fmt.Errorf("reserve margin: %w", err)
		}
	}

	switch req.Type {
	case schema.OrderTypeLimit:
		order.Status = schema.OrderStatusOpen
	case schema.OrderTypeStopLimit, schema.OrderTypeStopMarket:
		order.Status = schema.OrderStatusPending
	case schema.OrderTypeMarket:
		order.Status = schema.OrderStatusOpen
	}

	if err := s.store.SaveOrder(ctx, order); err != nil {
		return schema.Order{}, fmt.Errorf("save order: %w", err)
	}
	observability.Telemetry().IncCounter(observability.MetricLedgerOrders, 1,
		map[string]string{"symbol": req.Symbol, "type": string(req.Type)})
	observability.Log().Info("order created",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol),
		observability.F("type", string(order.Type)),
		observability.F("side", string(order.Side)),
		observability.F("quantity", order.Quantity.String()))

	if req.Type == schema.OrderTypeMarket {
		mark := s.marks[req.Symbol]
		filled, execErr := s.executeLocked(ctx, order, mark, order.Quantity, false)
		if execErr != nil {
			// A market order never rests: back out the admission instead of
			// leaving it open with margin still held.
			rejected, err := s.rejectUnfilledLocked(ctx, order)
			if err != nil {
				return order, err
			}
			observability.Telemetry().IncCounter(observability.MetricLedgerRejections, 1,
				map[string]string{"symbol": req.Symbol})
			return rejected, execErr
		}
		order = filled
	}
	return order, nil
}

// rejectUnfilledLocked backs out an admitted order that could not take its
// immediate fill, releasing whatever margin it still holds.
func (s *Service) rejectUnfilledLocked(ctx context.Context, order schema.Order) (schema.Order, error) {
	now := s.now().UTC()
	if !order.MarginReserved.IsZero() {
		wallet, err := s.store.Wallet(ctx)
		if err != nil {
			return schema.Order{}, fmt.Errorf("load wallet: %w", err)
		}
		wallet.AvailableBalance = wallet.AvailableBalance.Add(order.MarginReserved)
		wallet.UpdatedAt = now
		if err := s.store.SaveWallet(ctx, wallet); err != nil {
			return schema.Order{}, fmt.Errorf("release margin: %w", err)
		}
		order.MarginReserved = decimal.Zero
	}
	order.Status = schema.OrderStatusRejected
	order.UpdatedAt = now
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return schema.Order{}, fmt.Errorf("save order: %w", err)
	}
	return order, nil
}

// ExecuteOrder fills qty of the order at the given price. A zero qty fills
// the remaining quantity. Exposed for simulated matching and tests; mark
// updates call the same path internally.
func (s *Service) ExecuteOrder(ctx context.Context, orderID string, price, qty decimal.Decimal) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.store.Order(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if !order.IsActive() {
		return order, errs.New("ledger", errs.CodeInvalidState,
			errs.WithMessage("order is not executable"),
			errs.WithField("order_id", orderID),
			errs.WithField("status", string(order.Status)))
	}
	if qty.IsZero() {
		qty = order.RemainingQuantity()
	}
	return s.executeLocked(ctx, order, price, qty, false)
}

// CancelOrder cancels an active order and releases its remaining reserved
// margin.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (schema.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelLocked(ctx, orderID)
}

// CancelAllOrders cancels every active order, optionally scoped to a symbol,
// and returns how many were cancelled.
func (s *Service) CancelAllOrders(ctx context.Context, symbol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orders, err := s.store.Orders(ctx, OrderFilter{Symbol: symbol, ActiveOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list active orders: %w", err)
	}
	cancelled := 0
	for _, order := range orders {
		if _, err := s.cancelLocked(ctx, order.ID); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// ClosePosition reduces the position at the current mark price. A zero qty
// closes it entirely.
func (s *Service) ClosePosition(ctx context.Context, positionID string, qty decimal.Decimal) (schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, err := s.store.Position(ctx, positionID)
	if err != nil {
		return schema.Position{}, err
	}
	if !position.IsOpen {
		return position, errs.New("ledger", errs.CodeInvalidState,
			errs.WithMessage("position already closed"),
			errs.WithField("position_id", positionID))
	}
	mark, ok := s.marks[position.Symbol]
	if !ok {
		return position, errs.New("ledger", errs.CodeUnavailable,
			errs.WithMessage("no mark price for symbol"),
			errs.WithField("symbol", position.Symbol))
	}
	if qty.IsZero() {
		qty = position.Quantity
	}
	if qty.IsNegative() || qty.GreaterThan(position.Quantity) {
		return position, errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("close quantity exceeds position size"),
			errs.WithField("quantity", qty.String()),
			errs.WithField("position_quantity", position.Quantity.String()))
	}
	return s.reducePositionLocked(ctx, position, mark, qty, s.cfg.TakerFeeRate, "", "close")
}

// UpdatePosition sets or clears take-profit and stop-loss prices. A zero
// value clears the corresponding trigger.
func (s *Service) UpdatePosition(ctx context.Context, positionID string, takeProfit, stopLoss decimal.Decimal) (schema.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	position, err := s.store.Position(ctx, positionID)
	if err != nil {
		return schema.Position{}, err
	}
	if !position.IsOpen {
		return position, errs.New("ledger", errs.CodeInvalidState,
			errs.WithMessage("cannot update a closed position"),
			errs.WithField("position_id", positionID))
	}
	if takeProfit.IsNegative() || stopLoss.IsNegative() {
		return position, errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("trigger prices must not be negative"))
	}
	if !takeProfit.IsZero() {
		if position.Side == schema.PositionLong && takeProfit.LessThanOrEqual(position.EntryPrice) {
			return position, errs.New("ledger", errs.CodeInvalid,
				errs.WithMessage("take profit must exceed entry for long positions"))
		}
		if position.Side == schema.PositionShort && takeProfit.GreaterThanOrEqual(position.EntryPrice) {
			return position, errs.New("ledger", errs.CodeInvalid,
				errs.WithMessage("take profit must be below entry for short positions"))
		}
	}
	if !stopLoss.IsZero() {
		if position.Side == schema.PositionLong && stopLoss.GreaterThanOrEqual(position.EntryPrice) {
			return position, errs.New("ledger", errs.CodeInvalid,
				errs.WithMessage("stop loss must be below entry for long positions"))
		}
		if position.Side == schema.PositionShort && stopLoss.LessThanOrEqual(position.EntryPrice) {
			return position, errs.New("ledger", errs.CodeInvalid,
				errs.WithMessage("stop loss must exceed entry for short positions"))
		}
	}

	position.TakeProfit = takeProfit
	position.StopLoss = stopLoss
	position.UpdatedAt = s.now().UTC()
	if err := s.store.SavePosition(ctx, position); err != nil {
		return schema.Position{}, fmt.Errorf("save position: %w", err)
	}
	return position, nil
}

// Order returns a single order by id.
func (s *Service) Order(ctx context.Context, id string) (schema.Order, error) {
	return s.store.Order(ctx, id)
}

// Orders lists orders matching the filter in creation order.
func (s *Service) Orders(ctx context.Context, filter OrderFilter) ([]schema.Order, error) {
	return s.store.Orders(ctx, filter)
}

// Position returns a single position by id.
func (s *Service) Position(ctx context.Context, id string) (schema.Position, error) {
	return s.store.Position(ctx, id)
}

// Positions lists positions, optionally only open ones.
func (s *Service) Positions(ctx context.Context, openOnly bool) ([]schema.Position, error) {
	return s.store.Positions(ctx, openOnly)
}

// Wallet returns the current wallet snapshot.
func (s *Service) Wallet(ctx context.Context) (schema.Wallet, error) {
	return s.store.Wallet(ctx)
}

// Trades lists executions newest first, optionally scoped to a symbol.
func (s *Service) Trades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	return s.store.Trades(ctx, symbol, limit)
}

// PositionPnL returns the unrealized PnL and ROE of a position at the
// current mark price.
func (s *Service) PositionPnL(ctx context.Context, positionID string) (pnl, roe decimal.Decimal, err error) {
	position, err := s.store.Position(ctx, positionID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	if !position.IsOpen {
		return decimal.Zero, decimal.Zero, nil
	}
	s.mu.Lock()
	mark, ok := s.marks[position.Symbol]
	s.mu.Unlock()
	if !ok {
		return decimal.Zero, decimal.Zero, errs.New("ledger", errs.CodeUnavailable,
			errs.WithMessage("no mark price for symbol"),
			errs.WithField("symbol", position.Symbol))
	}
	pnl = risk.UnrealizedPnL(position.Side, position.Quantity, position.EntryPrice, mark)
	roe = risk.ROE(pnl, position.Margin)
	return pnl, roe, nil
}

// referencePriceLocked resolves the price used for margin sizing and limit
// checks: the stated price for limit-family orders, the stop price for stop
// markets, and the mark price for plain market orders.
func (s *Service) referencePriceLocked(req schema.OrderRequest) (decimal.Decimal, error) {
	switch req.Type {
	case schema.OrderTypeLimit, schema.OrderTypeStopLimit:
		return req.Price, nil
	case schema.OrderTypeStopMarket:
		return req.StopPrice, nil
	default:
		mark, ok := s.marks[req.Symbol]
		if !ok {
			return decimal.Zero, errs.New("ledger", errs.CodeUnavailable,
				errs.WithMessage("no mark price for symbol"),
				errs.WithField("symbol", req.Symbol))
		}
		return mark, nil
	}
}

// marginToReserveLocked computes the margin an order must reserve. Orders
// opposing an open position reduce it and reserve nothing; flips are not
// modelled, so an opposing quantity above the position size is rejected.
func (s *Service) marginToReserveLocked(ctx context.Context, req schema.OrderRequest, refPrice decimal.Decimal) (decimal.Decimal, error) {
	position, err := s.store.OpenPositionBySymbol(ctx, req.Symbol)
	if err != nil {
		if errs.HasCode(err, errs.CodeNotFound) {
			return risk.MarginRequired(req.Quantity, refPrice, req.Leverage), nil
		}
		return decimal.Zero, fmt.Errorf("load position: %w", err)
	}
	if !schema.OpposesPosition(req.Side, position.Side) {
		return risk.MarginRequired(req.Quantity, refPrice, req.Leverage), nil
	}
	committed, err := s.opposingActiveQuantityLocked(ctx, req.Symbol, req.Side)
	if err != nil {
		return decimal.Zero, err
	}
	if req.Quantity.Add(committed).GreaterThan(position.Quantity) {
		return decimal.Zero, errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("reducing quantity exceeds open position size"),
			errs.WithField("quantity", req.Quantity.String()),
			errs.WithField("position_quantity", position.Quantity.String()))
	}
	return decimal.Zero, nil
}

// opposingActiveQuantityLocked sums the unfilled quantity of active orders
// on the given side, so stacked reduce orders cannot oversell the position.
func (s *Service) opposingActiveQuantityLocked(ctx context.Context, symbol string, side schema.Side) (decimal.Decimal, error) {
	orders, err := s.store.Orders(ctx, OrderFilter{Symbol: symbol, ActiveOnly: true})
	if err != nil {
		return decimal.Zero, fmt.Errorf("list active orders: %w", err)
	}
	total := decimal.Zero
	for _, order := range orders {
		if order.Side == side && order.MarginReserved.IsZero() {
			total = total.Add(order.RemainingQuantity())
		}
	}
	return total, nil
}

func (s *Service) cancelLocked(ctx context.Context, orderID string) (schema.Order, error) {
	order, err := s.store.Order(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	if !order.IsActive() {
		return order, errs.New("ledger", errs.CodeInvalidState,
			errs.WithMessage("order is not cancellable"),
			errs.WithField("order_id", orderID),
			errs.WithField("status", string(order.Status)))
	}

	now := s.now().UTC()
	if !order.MarginReserved.IsZero() {
		wallet, err := s.store.Wallet(ctx)
		if err != nil {
			return schema.Order{}, fmt.Errorf("load wallet: %w", err)
		}
		wallet.AvailableBalance = wallet.AvailableBalance.Add(order.MarginReserved)
		wallet.UpdatedAt = now
		if err := s.store.SaveWallet(ctx, wallet); err != nil {
			return schema.Order{}, fmt.Errorf("release margin: %w", err)
		}
		order.MarginReserved = decimal.Zero
	}

	order.Status = schema.OrderStatusCancelled
	order.CancelledAt = now
	order.UpdatedAt = now
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return schema.Order{}, fmt.Errorf("save order: %w", err)
	}
	observability.Log().Info("order cancelled",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol))
	return order, nil
}

// executeLocked fills qty of the order at price. forced marks exchange
// initiated executions (liquidation), which waive commission.
func (s *Service) executeLocked(ctx context.Context, order schema.Order, price, qty decimal.Decimal, forced bool) (schema.Order, error) {
	if !price.IsPositive() {
		return order, errs.New("ledger", errs.CodeUnavailable,
			errs.WithMessage("no execution price available"),
			errs.WithField("order_id", order.ID))
	}
	remaining := order.RemainingQuantity()
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	if !qty.IsPositive() {
		return order, errs.New("ledger", errs.CodeInvalid,
			errs.WithMessage("nothing left to fill"),
			errs.WithField("order_id", order.ID))
	}

	feeRate := s.cfg.TakerFeeRate
	if forced {
		feeRate = decimal.Zero
	}

	// An order that reserved margin increases exposure; a zero-reservation
	// order exists only to reduce the position it was created against.
	closedPosition := false
	var err error
	if order.MarginReserved.IsPositive() {
		err = s.fillIncreaseLocked(ctx, &order, price, qty, feeRate)
	} else {
		if !s.hasOpposingPositionLocked(ctx, order) {
			return order, errs.New("ledger", errs.CodeInvalidState,
				errs.WithMessage("no open position left to reduce"),
				errs.WithField("order_id", order.ID))
		}
		qty, closedPosition, err = s.fillReduceLocked(ctx, &order, price, qty, feeRate)
	}
	if err != nil {
		return order, err
	}

	now := s.now().UTC()
	filledBefore := order.FilledQuantity
	order.AveragePrice = weightedFillPrice(filledBefore, order.AveragePrice, qty, price)
	order.FilledQuantity = order.FilledQuantity.Add(qty)
	order.UpdatedAt = now
	switch {
	case order.FilledQuantity.Equal(order.Quantity):
		order.Status = schema.OrderStatusFilled
		order.FilledAt = now
	case closedPosition:
		// The position is gone, so the remainder can never execute.
		order.Status = schema.OrderStatusCancelled
		order.CancelledAt = now
	default:
		order.Status = schema.OrderStatusPartiallyFilled
	}
	if err := s.store.SaveOrder(ctx, order); err != nil {
		return order, fmt.Errorf("save order: %w", err)
	}

	observability.Telemetry().IncCounter(observability.MetricLedgerFills, 1,
		map[string]string{"symbol": order.Symbol})
	observability.Log().Info("order executed",
		observability.F("order_id", order.ID),
		observability.F("symbol", order.Symbol),
		observability.F("price", price.String()),
		observability.F("quantity", qty.String()))
	return order, nil
}

func (s *Service) hasOpposingPositionLocked(ctx context.Context, order schema.Order) bool {
	position, err := s.store.OpenPositionBySymbol(ctx, order.Symbol)
	if err != nil {
		return false
	}
	return schema.OpposesPosition(order.Side, position.Side)
}

// fillIncreaseLocked moves reserved margin into the position and grows it at
// the exact weighted-average entry price.
func (s *Service) fillIncreaseLocked(ctx context.Context, order *schema.Order, price, qty, feeRate decimal.Decimal) error {
	now := s.now().UTC()
	remaining := order.RemainingQuantity()
	released := order.MarginReserved
	if !qty.Equal(remaining) {
		released = order.MarginReserved.Mul(qty).Div(remaining)
	}
	required := risk.MarginRequired(qty, price, order.Leverage)
	commission := risk.Commission(qty, price, feeRate, s.cfg.CommissionScale)

	wallet, err := s.store.Wallet(ctx)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	available := wallet.AvailableBalance.Add(released).Sub(required).Sub(commission)
	if available.IsNegative() {
		return errs.New("ledger", errs.CodeInsufficientMargin,
			errs.WithMessage("fill would overdraw available balance"),
			errs.WithField("order_id", order.ID),
			errs.WithField("shortfall", available.Neg().String()))
	}

	position, err := s.store.OpenPositionBySymbol(ctx, order.Symbol)
	if err != nil {
		if !errs.HasCode(err, errs.CodeNotFound) {
			return fmt.Errorf("load position: %w", err)
		}
		position = schema.Position{
			ID:         uuid.NewString(),
			Symbol:     order.Symbol,
			Side:       schema.PositionSideFor(order.Side),
			Leverage:   order.Leverage,
			MarginMode: order.MarginMode,
			IsOpen:     true,
			CreatedAt:  now,
		}
	}

	position.EntryPrice = risk.WeightedEntry(position.Quantity, position.EntryPrice, qty, price)
	position.Quantity = position.Quantity.Add(qty)
	position.Margin = position.Margin.Add(required)
	position.LiquidationPrice = risk.LiquidationPrice(position.Side, position.EntryPrice, position.Leverage, s.cfg.LiquidationBuffer)
	position.UpdatedAt = now
	if err := s.store.SavePosition(ctx, position); err != nil {
		return fmt.Errorf("save position: %w", err)
	}

	order.MarginReserved = order.MarginReserved.Sub(released)
	order.Commission = order.Commission.Add(commission)

	wallet.Balance = wallet.Balance.Sub(commission)
	wallet.AvailableBalance = available
	wallet.UpdatedAt = now
	if err := s.store.SaveWallet(ctx, wallet); err != nil {
		return fmt.Errorf("save wallet: %w", err)
	}

	trade := schema.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		PositionID: position.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Price:      price,
		Quantity:   qty,
		Commission: commission,
		ExecutedAt: now,
	}
	if err := s.store.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// fillReduceLocked realizes PnL against the opposing position. It returns
// the quantity actually reduced (capped at the position size) and whether the
// position fully closed.
func (s *Service) fillReduceLocked(ctx context.Context, order *schema.Order, price, qty, feeRate decimal.Decimal) (decimal.Decimal, bool, error) {
	position, err := s.store.OpenPositionBySymbol(ctx, order.Symbol)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("load position: %w", err)
	}
	if qty.GreaterThan(position.Quantity) {
		qty = position.Quantity
	}
	reduced, err := s.reducePositionLocked(ctx, position, price, qty, feeRate, order.ID, "reduce")
	if err != nil {
		return decimal.Zero, false, err
	}
	order.Commission = order.Commission.Add(risk.Commission(qty, price, feeRate, s.cfg.CommissionScale))
	return qty, !reduced.IsOpen, nil
}

// reducePositionLocked shrinks the position by qty at price, releasing
// margin proportionally and settling realized PnL minus commission into the
// wallet. At zero quantity the position is marked closed, never deleted.
func (s *Service) reducePositionLocked(ctx context.Context, position schema.Position, price, qty, feeRate decimal.Decimal, orderID, reason string) (schema.Position, error) {
	now := s.now().UTC()

	released := position.Margin
	if !qty.Equal(position.Quantity) {
		released = position.Margin.Mul(qty).Div(position.Quantity)
	}
	realized := risk.UnrealizedPnL(position.Side, qty, position.EntryPrice, price)
	commission := risk.Commission(qty, price, feeRate, s.cfg.CommissionScale)

	position.Quantity = position.Quantity.Sub(qty)
	position.Margin = position.Margin.Sub(released)
	position.RealizedPnL = position.RealizedPnL.Add(realized).Sub(commission)
	position.UpdatedAt = now
	if position.Quantity.IsZero() {
		position.IsOpen = false
		position.ClosedAt = now
		position.Margin = decimal.Zero
	}
	if err := s.store.SavePosition(ctx, position); err != nil {
		return schema.Position{}, fmt.Errorf("save position: %w", err)
	}

	wallet, err := s.store.Wallet(ctx)
	if err != nil {
		return schema.Position{}, fmt.Errorf("load wallet: %w", err)
	}
	wallet.Balance = wallet.Balance.Add(realized).Sub(commission)
	wallet.AvailableBalance = wallet.AvailableBalance.Add(released).Add(realized).Sub(commission)
	wallet.UpdatedAt = now
	if err := s.store.SaveWallet(ctx, wallet); err != nil {
		return schema.Position{}, fmt.Errorf("save wallet: %w", err)
	}

	side := schema.SideSell
	if position.Side == schema.PositionShort {
		side = schema.SideBuy
	}
	trade := schema.Trade{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		PositionID:  position.ID,
		Symbol:      position.Symbol,
		Side:        side,
		Price:       price,
		Quantity:    qty,
		Commission:  commission,
		RealizedPnL: realized.Sub(commission),
		ExecutedAt:  now,
	}
	if err := s.store.SaveTrade(ctx, trade); err != nil {
		return schema.Position{}, fmt.Errorf("save trade: %w", err)
	}

	if !position.IsOpen {
		if err := s.cancelReduceOrdersLocked(ctx, position, orderID); err != nil {
			return schema.Position{}, err
		}
	}

	observability.Log().Info("position reduced",
		observability.F("position_id", position.ID),
		observability.F("symbol", position.Symbol),
		observability.F("reason", reason),
		observability.F("quantity", qty.String()),
		observability.F("realized_pnl", realized.String()))
	return position, nil
}

// cancelReduceOrdersLocked cancels the zero-reservation orders that were
// reducing a position once it fully closes. Left active they would later
// execute with nothing to reduce and open a fresh opposite position.
func (s *Service) cancelReduceOrdersLocked(ctx context.Context, position schema.Position, executingOrderID string) error {
	orders, err := s.store.Orders(ctx, OrderFilter{Symbol: position.Symbol, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	for _, order := range orders {
		if order.ID == executingOrderID || !order.MarginReserved.IsZero() {
			continue
		}
		if !schema.OpposesPosition(order.Side, position.Side) {
			continue
		}
		if _, err := s.cancelLocked(ctx, order.ID); err != nil {
			return err
		}
	}
	return nil
}

// processMarkLocked runs price-driven transitions in a fixed order so every
// tick is deterministic: liquidation first, protective exits second, stop
// triggers third, resting limit fills last.
func (s *Service) processMarkLocked(ctx context.Context, symbol string, mark decimal.Decimal) error {
	if err := s.checkLiquidationLocked(ctx, symbol, mark); err != nil {
		return err
	}
	if err := s.checkProtectiveExitsLocked(ctx, symbol, mark); err != nil {
		return err
	}
	if err := s.triggerStopOrdersLocked(ctx, symbol, mark); err != nil {
		return err
	}
	return s.fillCrossedLimitsLocked(ctx, symbol, mark)
}

func (s *Service) checkLiquidationLocked(ctx context.Context, symbol string, mark decimal.Decimal) error {
	position, err := s.store.OpenPositionBySymbol(ctx, symbol)
	if err != nil {
		if errs.HasCode(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}
	breached := (position.Side == schema.PositionLong && mark.LessThanOrEqual(position.LiquidationPrice)) ||
		(position.Side == schema.PositionShort && mark.GreaterThanOrEqual(position.LiquidationPrice))
	if !breached {
		return nil
	}

	observability.Log().Warn("position liquidated",
		observability.F("position_id", position.ID),
		observability.F("symbol", symbol),
		observability.F("mark", mark.String()),
		observability.F("liquidation_price", position.LiquidationPrice.String()))
	_, err = s.reducePositionLocked(ctx, position, position.LiquidationPrice, position.Quantity, decimal.Zero, "", "liquidation")
	return err
}

func (s *Service) checkProtectiveExitsLocked(ctx context.Context, symbol string, mark decimal.Decimal) error {
	position, err := s.store.OpenPositionBySymbol(ctx, symbol)
	if err != nil {
		if errs.HasCode(err, errs.CodeNotFound) {
			return nil
		}
		return err
	}

	var trigger decimal.Decimal
	reason := ""
	switch position.Side {
	case schema.PositionLong:
		if !position.TakeProfit.IsZero() && mark.GreaterThanOrEqual(position.TakeProfit) {
			trigger, reason = position.TakeProfit, "take_profit"
		} else if !position.StopLoss.IsZero() && mark.LessThanOrEqual(position.StopLoss) {
			trigger, reason = position.StopLoss, "stop_loss"
		}
	case schema.PositionShort:
		if !position.TakeProfit.IsZero() && mark.LessThanOrEqual(position.TakeProfit) {
			trigger, reason = position.TakeProfit, "take_profit"
		} else if !position.StopLoss.IsZero() && mark.GreaterThanOrEqual(position.StopLoss) {
			trigger, reason = position.StopLoss, "stop_loss"
		}
	}
	if reason == "" {
		return nil
	}
	_, err = s.reducePositionLocked(ctx, position, trigger, position.Quantity, s.cfg.TakerFeeRate, "", reason)
	return err
}

// triggerStopOrdersLocked promotes triggered stop orders: stop-limits become
// resting limit orders, stop-markets execute at the mark immediately.
func (s *Service) triggerStopOrdersLocked(ctx context.Context, symbol string, mark decimal.Decimal) error {
	orders, err := s.store.Orders(ctx, OrderFilter{Symbol: symbol, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	for _, listed := range orders {
		// Earlier fills in this pass may have cancelled siblings; act on
		// current state, not the listing snapshot.
		order, err := s.store.Order(ctx, listed.ID)
		if err != nil {
			return err
		}
		if order.Status != schema.OrderStatusPending {
			continue
		}
		if order.Type != schema.OrderTypeStopLimit && order.Type != schema.OrderTypeStopMarket {
			continue
		}
		triggered := (order.Side == schema.SideBuy && mark.GreaterThanOrEqual(order.StopPrice)) ||
			(order.Side == schema.SideSell && mark.LessThanOrEqual(order.StopPrice))
		if !triggered {
			continue
		}

		if order.Type == schema.OrderTypeStopMarket {
			if _, err := s.executeLocked(ctx, order, mark, order.RemainingQuantity(), false); err != nil {
				return err
			}
			continue
		}
		order.Status = schema.OrderStatusOpen
		order.UpdatedAt = s.now().UTC()
		if err := s.store.SaveOrder(ctx, order); err != nil {
			return fmt.Errorf("save order: %w", err)
		}
	}
	return nil
}

// fillCrossedLimitsLocked fills resting limit orders the mark has crossed,
// at their limit price.
func (s *Service) fillCrossedLimitsLocked(ctx context.Context, symbol string, mark decimal.Decimal) error {
	orders, err := s.store.Orders(ctx, OrderFilter{Symbol: symbol, ActiveOnly: true})
	if err != nil {
		return fmt.Errorf("list active orders: %w", err)
	}
	for _, listed := range orders {
		order, err := s.store.Order(ctx, listed.ID)
		if err != nil {
			return err
		}
		if !order.IsActive() || order.Status == schema.OrderStatusPending {
			continue
		}
		if order.Type != schema.OrderTypeLimit && order.Type != schema.OrderTypeStopLimit {
			continue
		}
		crossed := (order.Side == schema.SideBuy && mark.LessThanOrEqual(order.Price)) ||
			(order.Side == schema.SideSell && mark.GreaterThanOrEqual(order.Price))
		if !crossed {
			continue
		}
		if _, err := s.executeLocked(ctx, order, order.Price, order.RemainingQuantity(), false); err != nil {
			return err
		}
	}
	return nil
}

func weightedFillPrice(filledQty, avgPrice, fillQty, fillPrice decimal.Decimal) decimal.Decimal {
	if filledQty.IsZero() {
		return fillPrice
	}
	total := filledQty.Add(fillQty)
	return filledQty.Mul(avgPrice).Add(fillQty.Mul(fillPrice)).Div(total)
}
