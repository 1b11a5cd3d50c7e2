// Package ledger implements the simulated futures trading ledger: orders,
// positions, wallet accounting, and trade history.
package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/schema"
)

// OrderFilter narrows order listings. Zero values match everything.
type OrderFilter struct {
	Symbol     string
	ActiveOnly bool
}

// Store persists ledger state. Implementations must tolerate concurrent
// reads; all writes arrive serialized from the owning Service.
type Store interface {
	SaveOrder(ctx context.Context, order schema.Order) error
	Order(ctx context.Context, id string) (schema.Order, error)
	Orders(ctx context.Context, filter OrderFilter) ([]schema.Order, error)

	SavePosition(ctx context.Context, position schema.Position) error
	Position(ctx context.Context, id string) (schema.Position, error)
	OpenPositionBySymbol(ctx context.Context, symbol string) (schema.Position, error)
	Positions(ctx context.Context, openOnly bool) ([]schema.Position, error)

	SaveWallet(ctx context.Context, wallet schema.Wallet) error
	Wallet(ctx context.Context) (schema.Wallet, error)

	SaveTrade(ctx context.Context, trade schema.Trade) error
	Trades(ctx context.Context, symbol string, limit int) ([]schema.Trade, error)
}

// MemoryStore is the default Store: plain in-process maps, no durability.
type MemoryStore struct {
	mu        sync.RWMutex
	orders    map[string]schema.Order
	orderSeq  []string
	positions map[string]schema.Position
	posSeq    []string
	trades    []schema.Trade
	wallet    schema.Wallet
	hasWallet bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:    make(map[string]schema.Order),
		positions: make(map[string]schema.Position),
	}
}

func (s *MemoryStore) SaveOrder(_ context.Context, order schema.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; !exists {
		s.orderSeq = append(s.orderSeq, order.ID)
	}
	s.orders[order.ID] = order
	return nil
}

func (s *MemoryStore) Order(_ context.Context, id string) (schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return schema.Order{}, errs.New("ledger", errs.CodeNotFound,
			errs.WithMessage("order not found"),
			errs.WithField("order_id", id))
	}
	return order, nil
}

func (s *MemoryStore) Orders(_ context.Context, filter OrderFilter) ([]schema.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Order, 0, len(s.orderSeq))
	for _, id := range s.orderSeq {
		order := s.orders[id]
		if filter.Symbol != "" && order.Symbol != filter.Symbol {
			continue
		}
		if filter.ActiveOnly && !order.IsActive() {
			continue
		}
		out = append(out, order)
	}
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, position schema.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.positions[position.ID]; !exists {
		s.posSeq = append(s.posSeq, position.ID)
	}
	s.positions[position.ID] = position
	return nil
}

func (s *MemoryStore) Position(_ context.Context, id string) (schema.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	position, ok := s.positions[id]
	if !ok {
		return schema.Position{}, errs.New("ledger", errs.CodeNotFound,
			errs.WithMessage("position not found"),
			errs.WithField("position_id", id))
	}
	return position, nil
}

func (s *MemoryStore) OpenPositionBySymbol(_ context.Context, symbol string) (schema.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.posSeq {
		position := s.positions[id]
		if position.IsOpen && position.Symbol == symbol {
			return position, nil
		}
	}
	return schema.Position{}, errs.New("ledger", errs.CodeNotFound,
		errs.WithMessage("no open position for symbol"),
		errs.WithField("symbol", symbol))
}

func (s *MemoryStore) Positions(_ context.Context, openOnly bool) ([]schema.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Position, 0, len(s.posSeq))
	for _, id := range s.posSeq {
		position := s.positions[id]
		if openOnly && !position.IsOpen {
			continue
		}
		out = append(out, position)
	}
	return out, nil
}

func (s *MemoryStore) SaveWallet(_ context.Context, wallet schema.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallet = wallet
	s.hasWallet = true
	return nil
}

func (s *MemoryStore) Wallet(_ context.Context) (schema.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.hasWallet {
		return schema.Wallet{}, errs.New("ledger", errs.CodeNotFound, errs.WithMessage("wallet not initialised"))
	}
	return s.wallet, nil
}

func (s *MemoryStore) SaveTrade(_ context.Context, trade schema.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, trade)
	return nil
}

// Trades returns executions newest first, optionally filtered by symbol.
// A non-positive limit returns all matches.
func (s *MemoryStore) Trades(_ context.Context, symbol string, limit int) ([]schema.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.Trade, 0, len(s.trades))
	for _, trade := range s.trades {
		if symbol != "" && trade.Symbol != symbol {
			continue
		}
		out = append(out, trade)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.After(out[j].ExecutedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
