// Package postgres provides a PostgreSQL-backed ledger store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/ledger"
	"github.com/sorooshx/tradecore/internal/schema"
)

// Store persists ledger state in PostgreSQL. It satisfies ledger.Store; the
// owning Service serializes writes, so no statement-level locking is needed
// beyond the single-row wallet upsert.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store backed by the provided pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    id, symbol, side, order_type, state,
    price, stop_price, quantity, filled_quantity,
    leverage, margin_mode, margin_reserved, average_price, commission,
    created_at, updated_at, filled_at, cancelled_at
)
VALUES (
    @id, @symbol, @side, @order_type, @state,
    @price, @stop_price, @quantity, @filled_quantity,
    @leverage, @margin_mode, @margin_reserved, @average_price, @commission,
    @created_at, @updated_at, @filled_at, @cancelled_at
)
ON CONFLICT (id) DO UPDATE SET
    state = EXCLUDED.state,
    filled_quantity = EXCLUDED.filled_quantity,
    margin_reserved = EXCLUDED.margin_reserved,
    average_price = EXCLUDED.average_price,
    commission = EXCLUDED.commission,
    updated_at = EXCLUDED.updated_at,
    filled_at = EXCLUDED.filled_at,
    cancelled_at = EXCLUDED.cancelled_at;
`

	orderSelectBase = `
SELECT
    id::text, symbol, side, order_type, state,
    COALESCE(price::text, '0'), COALESCE(stop_price::text, '0'),
    quantity::text, filled_quantity::text,
    leverage, margin_mode, margin_reserved::text,
    COALESCE(average_price::text, '0'), commission::text,
    created_at, updated_at, filled_at, cancelled_at
FROM orders
`

	positionUpsertSQL = `
INSERT INTO positions (
    id, symbol, side, quantity, entry_price,
    leverage, margin_mode, margin, liquidation_price,
    take_profit, stop_loss, realized_pnl, is_open,
    created_at, updated_at, closed_at
)
VALUES (
    @id, @symbol, @side, @quantity, @entry_price,
    @leverage, @margin_mode, @margin, @liquidation_price,
    @take_profit, @stop_loss, @realized_pnl, @is_open,
    @created_at, @updated_at, @closed_at
)
ON CONFLICT (id) DO UPDATE SET
    quantity = EXCLUDED.quantity,
    entry_price = EXCLUDED.entry_price,
    margin = EXCLUDED.margin,
    liquidation_price = EXCLUDED.liquidation_price,
    take_profit = EXCLUDED.take_profit,
    stop_loss = EXCLUDED.stop_loss,
    realized_pnl = EXCLUDED.realized_pnl,
    is_open = EXCLUDED.is_open,
    updated_at = EXCLUDED.updated_at,
    closed_at = EXCLUDED.closed_at;
`

	positionSelectBase = `
SELECT
    id::text, symbol, side, quantity::text, entry_price::text,
    leverage, margin_mode, margin::text, liquidation_price::text,
    COALESCE(take_profit::text, '0'), COALESCE(stop_loss::text, '0'),
    realized_pnl::text, is_open, created_at, updated_at, closed_at
FROM positions
`

	walletUpsertSQL = `
INSERT INTO wallet (singleton, balance, available_balance, updated_at)
VALUES (TRUE, @balance, @available_balance, @updated_at)
ON CONFLICT (singleton) DO UPDATE SET
    balance = EXCLUDED.balance,
    available_balance = EXCLUDED.available_balance,
    updated_at = EXCLUDED.updated_at;
`

	walletSelectSQL = `
SELECT balance::text, available_balance::text, updated_at FROM wallet WHERE singleton;
`

	tradeInsertSQL = `
INSERT INTO trades (
    id, order_id, position_id, symbol, side,
    price, quantity, commission, realized_pnl, executed_at
)
VALUES (
    @id, @order_id, @position_id, @symbol, @side,
    @price, @quantity, @commission, @realized_pnl, @executed_at
)
ON CONFLICT (id) DO NOTHING;
`

	tradeSelectBase = `
SELECT
    id::text, COALESCE(order_id::text, ''), COALESCE(position_id::text, ''),
    symbol, side, price::text, quantity::text,
    commission::text, realized_pnl::text, executed_at
FROM trades
`

	defaultTradeLimit = 100
	maxTradeLimit     = 1000
)

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("ledger store: nil pool")
	}
	return s.pool, nil
}

func (s *Store) SaveOrder(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":              order.ID,
		"symbol":          order.Symbol,
		"side":            string(order.Side),
		"order_type":      string(order.Type),
		"state":           string(order.Status),
		"price":           nullableDecimal(order.Price),
		"stop_price":      nullableDecimal(order.StopPrice),
		"quantity":        order.Quantity.String(),
		"filled_quantity": order.FilledQuantity.String(),
		"leverage":        order.Leverage,
		"margin_mode":     string(order.MarginMode),
		"margin_reserved": order.MarginReserved.String(),
		"average_price":   nullableDecimal(order.AveragePrice),
		"commission":      order.Commission.String(),
		"created_at":      order.CreatedAt,
		"updated_at":      order.UpdatedAt,
		"filled_at":       nullableTime(order.FilledAt),
		"cancelled_at":    nullableTime(order.CancelledAt),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: upsert order: %w", err)
	}
	return nil
}

func (s *Store) Order(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+" WHERE id = $1", id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Order{}, errs.New("ledger", errs.CodeNotFound,
				errs.WithMessage("order not found"),
				errs.WithField("order_id", id))
		}
		return schema.Order{}, fmt.Errorf("ledger store: select order: %w", err)
	}
	return order, nil
}

func (s *Store) Orders(ctx context.Context, filter ledger.OrderFilter) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0, 2)
	argPos := 1

	if filter.Symbol != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, filter.Symbol)
		argPos++
	}
	if filter.ActiveOnly {
		builder.WriteString(" AND state IN ('pending', 'open', 'partially_filled')")
	}
	builder.WriteString(" ORDER BY created_at ASC")

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list orders: %w", err)
	}
	defer rows.Close()

	var out []schema.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger store: scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate orders: %w", err)
	}
	return out, nil
}

func (s *Store) SavePosition(ctx context.Context, position schema.Position) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":                position.ID,
		"symbol":            position.Symbol,
		"side":              string(position.Side),
		"quantity":          position.Quantity.String(),
		"entry_price":       position.EntryPrice.String(),
		"leverage":          position.Leverage,
		"margin_mode":       string(position.MarginMode),
		"margin":            position.Margin.String(),
		"liquidation_price": position.LiquidationPrice.String(),
		"take_profit":       nullableDecimal(position.TakeProfit),
		"stop_loss":         nullableDecimal(position.StopLoss),
		"realized_pnl":      position.RealizedPnL.String(),
		"is_open":           position.IsOpen,
		"created_at":        position.CreatedAt,
		"updated_at":        position.UpdatedAt,
		"closed_at":         nullableTime(position.ClosedAt),
	}
	if _, err := pool.Exec(ctx, positionUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: upsert position: %w", err)
	}
	return nil
}

func (s *Store) Position(ctx context.Context, id string) (schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Position{}, err
	}
	row := pool.QueryRow(ctx, positionSelectBase+" WHERE id = $1", id)
	position, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Position{}, errs.New("ledger", errs.CodeNotFound,
				errs.WithMessage("position not found"),
				errs.WithField("position_id", id))
		}
		return schema.Position{}, fmt.Errorf("ledger store: select position: %w", err)
	}
	return position, nil
}

func (s *Store) OpenPositionBySymbol(ctx context.Context, symbol string) (schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Position{}, err
	}
	row := pool.QueryRow(ctx, positionSelectBase+" WHERE symbol = $1 AND is_open", symbol)
	position, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Position{}, errs.New("ledger", errs.CodeNotFound,
				errs.WithMessage("no open position for symbol"),
				errs.WithField("symbol", symbol))
		}
		return schema.Position{}, fmt.Errorf("ledger store: select open position: %w", err)
	}
	return position, nil
}

func (s *Store) Positions(ctx context.Context, openOnly bool) ([]schema.Position, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	query := positionSelectBase + " WHERE 1=1"
	if openOnly {
		query += " AND is_open"
	}
	query += " ORDER BY created_at ASC"

	rows, err := pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list positions: %w", err)
	}
	defer rows.Close()

	var out []schema.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger store: scan position: %w", err)
		}
		out = append(out, position)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate positions: %w", err)
	}
	return out, nil
}

func (s *Store) SaveWallet(ctx context.Context, wallet schema.Wallet) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"balance":           wallet.Balance.String(),
		"available_balance": wallet.AvailableBalance.String(),
		"updated_at":        wallet.UpdatedAt,
	}
	if _, err := pool.Exec(ctx, walletUpsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: upsert wallet: %w", err)
	}
	return nil
}

func (s *Store) Wallet(ctx context.Context) (schema.Wallet, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Wallet{}, err
	}
	var (
		balance   string
		available string
		updatedAt time.Time
	)
	err = pool.QueryRow(ctx, walletSelectSQL).Scan(&balance, &available, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Wallet{}, errs.New("ledger", errs.CodeNotFound,
				errs.WithMessage("wallet not initialised"))
		}
		return schema.Wallet{}, fmt.Errorf("ledger store: select wallet: %w", err)
	}
	wallet := schema.Wallet{UpdatedAt: updatedAt}
	var perr error
	wallet.Balance = parseStored(balance, "balance", &perr)
	wallet.AvailableBalance = parseStored(available, "available_balance", &perr)
	if perr != nil {
		return schema.Wallet{}, perr
	}
	return wallet, nil
}

func (s *Store) SaveTrade(ctx context.Context, trade schema.Trade) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args := pgx.NamedArgs{
		"id":           trade.ID,
		"order_id":     nullableString(trade.OrderID),
		"position_id":  nullableString(trade.PositionID),
		"symbol":       trade.Symbol,
		"side":         string(trade.Side),
		"price":        trade.Price.String(),
		"quantity":     trade.Quantity.String(),
		"commission":   trade.Commission.String(),
		"realized_pnl": trade.RealizedPnL.String(),
		"executed_at":  trade.ExecutedAt,
	}
	if _, err := pool.Exec(ctx, tradeInsertSQL, args); err != nil {
		return fmt.Errorf("ledger store: insert trade: %w", err)
	}
	return nil
}

func (s *Store) Trades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}

	builder := strings.Builder{}
	builder.WriteString(tradeSelectBase)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0, 2)
	argPos := 1

	if symbol != "" {
		fmt.Fprintf(&builder, " AND symbol = $%d", argPos)
		args = append(args, symbol)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY executed_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger store: list trades: %w", err)
	}
	defer rows.Close()

	var out []schema.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger store: scan trade: %w", err)
		}
		out = append(out, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger store: iterate trades: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (schema.Order, error) {
	var (
		order       schema.Order
		price       string
		stopPrice   string
		quantity    string
		filledQty   string
		reserved    string
		avgPrice    string
		commission  string
		filledAt    *time.Time
		cancelledAt *time.Time
	)
	err := row.Scan(
		&order.ID, &order.Symbol, &order.Side, &order.Type, &order.Status,
		&price, &stopPrice, &quantity, &filledQty,
		&order.Leverage, &order.MarginMode, &reserved,
		&avgPrice, &commission,
		&order.CreatedAt, &order.UpdatedAt, &filledAt, &cancelledAt,
	)
	if err != nil {
		return schema.Order{}, err
	}
	var perr error
	order.Price = parseStored(price, "price", &perr)
	order.StopPrice = parseStored(stopPrice, "stop_price", &perr)
	order.Quantity = parseStored(quantity, "quantity", &perr)
	order.FilledQuantity = parseStored(filledQty, "filled_quantity", &perr)
	order.MarginReserved = parseStored(reserved, "margin_reserved", &perr)
	order.AveragePrice = parseStored(avgPrice, "average_price", &perr)
	order.Commission = parseStored(commission, "commission", &perr)
	if perr != nil {
		return schema.Order{}, perr
	}
	if filledAt != nil {
		order.FilledAt = *filledAt
	}
	if cancelledAt != nil {
		order.CancelledAt = *cancelledAt
	}
	return order, nil
}

func scanPosition(row pgx.Row) (schema.Position, error) {
	var (
		position   schema.Position
		quantity   string
		entryPrice string
		margin     string
		liqPrice   string
		takeProfit string
		stopLoss   string
		realized   string
		closedAt   *time.Time
	)
	err := row.Scan(
		&position.ID, &position.Symbol, &position.Side, &quantity, &entryPrice,
		&position.Leverage, &position.MarginMode, &margin, &liqPrice,
		&takeProfit, &stopLoss, &realized, &position.IsOpen,
		&position.CreatedAt, &position.UpdatedAt, &closedAt,
	)
	if err != nil {
		return schema.Position{}, err
	}
	var perr error
	position.Quantity = parseStored(quantity, "quantity", &perr)
	position.EntryPrice = parseStored(entryPrice, "entry_price", &perr)
	position.Margin = parseStored(margin, "margin", &perr)
	position.LiquidationPrice = parseStored(liqPrice, "liquidation_price", &perr)
	position.TakeProfit = parseStored(takeProfit, "take_profit", &perr)
	position.StopLoss = parseStored(stopLoss, "stop_loss", &perr)
	position.RealizedPnL = parseStored(realized, "realized_pnl", &perr)
	if perr != nil {
		return schema.Position{}, perr
	}
	if closedAt != nil {
		position.ClosedAt = *closedAt
	}
	return position, nil
}

func scanTrade(row pgx.Row) (schema.Trade, error) {
	var (
		trade      schema.Trade
		price      string
		quantity   string
		commission string
		realized   string
	)
	err := row.Scan(
		&trade.ID, &trade.OrderID, &trade.PositionID,
		&trade.Symbol, &trade.Side, &price, &quantity,
		&commission, &realized, &trade.ExecutedAt,
	)
	if err != nil {
		return schema.Trade{}, err
	}
	var perr error
	trade.Price = parseStored(price, "price", &perr)
	trade.Quantity = parseStored(quantity, "quantity", &perr)
	trade.Commission = parseStored(commission, "commission", &perr)
	trade.RealizedPnL = parseStored(realized, "realized_pnl", &perr)
	if perr != nil {
		return schema.Trade{}, perr
	}
	return trade, nil
}

func parseStored(value, column string, perr *error) decimal.Decimal {
	if *perr != nil {
		return decimal.Zero
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		*perr = fmt.Errorf("ledger store: parse %s %q: %w", column, value, err)
		return decimal.Zero
	}
	return parsed
}

func nullableDecimal(value decimal.Decimal) any {
	if value.IsZero() {
		return nil
	}
	return value.String()
}

func nullableTime(value time.Time) any {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullableString(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
