// Package book maintains consistent per-symbol order books from REST
// snapshots and sequenced depth diffs.
package book

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/internal/schema"
)

// Outcome reports how a diff was handled.
type Outcome int

const (
	// OutcomeApplied means the diff mutated the book and advanced the sequence.
	OutcomeApplied Outcome = iota
	// OutcomeDiscarded means the diff predates the current book state.
	OutcomeDiscarded
	// OutcomeGap means a sequence gap was detected; the book kept its prior
	// committed state and requires a fresh snapshot.
	OutcomeGap
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDiscarded:
		return "discarded"
	case OutcomeGap:
		return "gap"
	default:
		return "unknown"
	}
}

// Book holds one symbol's depth. Bids stay sorted descending and asks
// ascending; a level with zero quantity is absent, never stored.
type Book struct {
	mu           sync.RWMutex
	symbol       string
	lastUpdateID uint64
	ready        bool
	synced       bool
	bids         []schema.PriceLevel
	asks         []schema.PriceLevel
}

// New constructs an empty, unsynced book for the symbol.
func New(symbol string) *Book {
	return &Book{symbol: symbol}
}

// Symbol returns the symbol this book tracks.
func (b *Book) Symbol() string { return b.symbol }

// Ready reports whether a snapshot has been applied.
func (b *Book) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// LastUpdateID returns the sequence of the most recently applied snapshot or
// diff.
func (b *Book) LastUpdateID() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastUpdateID
}

// ApplySnapshot replaces the book's state with the snapshot contents.
func (b *Book) ApplySnapshot(snap schema.BookSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
	for _, level := range snap.Bids {
		if level.Quantity.IsPositive() {
			b.bids = upsert(b.bids, level, descending)
		}
	}
	for _, level := range snap.Asks {
		if level.Quantity.IsPositive() {
			b.asks = upsert(b.asks, level, ascending)
		}
	}
	b.lastUpdateID = snap.LastUpdateID
	b.ready = true
	b.synced = false
}

// ApplyDiff validates the diff against the current sequence and, when
// contiguous, applies every change atomically. Validation happens before any
// mutation: a gap leaves the committed state untouched.
func (b *Book) ApplyDiff(diff schema.BookDiff) Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return OutcomeGap
	}
	if diff.FinalUpdateID <= b.lastUpdateID {
		return OutcomeDiscarded
	}
	if diff.FirstUpdateID > b.lastUpdateID+1 {
		return OutcomeGap
	}
	// The first diff after a snapshot only needs to straddle the snapshot
	// sequence: the snapshot rarely lands on an event boundary, so its pu
	// points at an event we never saw. Continuity via pu starts with the
	// second diff.
	if b.synced && diff.PrevFinalUpdateID != 0 && diff.PrevFinalUpdateID != b.lastUpdateID {
		return OutcomeGap
	}

	for _, level := range diff.Bids {
		b.bids = applyChange(b.bids, level, descending)
	}
	for _, level := range diff.Asks {
		b.asks = applyChange(b.asks, level, ascending)
	}
	b.lastUpdateID = diff.FinalUpdateID
	b.synced = true
	return OutcomeApplied
}

// Invalidate drops the book's contents so the next diff reports a gap until a
// fresh snapshot arrives.
func (b *Book) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = false
	b.synced = false
	b.lastUpdateID = 0
	b.bids = b.bids[:0]
	b.asks = b.asks[:0]
}

// BestBid returns the highest resting bid.
func (b *Book) BestBid() (schema.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 {
		return schema.PriceLevel{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest resting ask.
func (b *Book) BestAsk() (schema.PriceLevel, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.asks) == 0 {
		return schema.PriceLevel{}, false
	}
	return b.asks[0], true
}

// MidPrice returns the midpoint between best bid and best ask.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Decimal{}, false
	}
	two := decimal.NewFromInt(2)
	return b.bids[0].Price.Add(b.asks[0].Price).Div(two), true
}

// Depth copies up to limit levels from each side. limit <= 0 copies the full
// book.
func (b *Book) Depth(limit int) (bids, asks []schema.PriceLevel) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bids = copyLevels(b.bids, limit)
	asks = copyLevels(b.asks, limit)
	return bids, asks
}

type ordering func(a, b decimal.Decimal) bool

func descending(a, b decimal.Decimal) bool { return a.GreaterThan(b) }
func ascending(a, b decimal.Decimal) bool  { return a.LessThan(b) }

// applyChange upserts a level for positive quantities and deletes the level
// on zero quantity.
func applyChange(levels []schema.PriceLevel, change schema.PriceLevel, before ordering) []schema.PriceLevel {
	idx, found := search(levels, change.Price, before)
	if change.Quantity.IsPositive() {
		if found {
			levels[idx].Quantity = change.Quantity
			return levels
		}
		levels = append(levels, schema.PriceLevel{})
		copy(levels[idx+1:], levels[idx:])
		levels[idx] = change
		return levels
	}
	if found {
		levels = append(levels[:idx], levels[idx+1:]...)
	}
	return levels
}

func upsert(levels []schema.PriceLevel, level schema.PriceLevel, before ordering) []schema.PriceLevel {
	return applyChange(levels, level, before)
}

// search locates the insertion index for price and reports whether an exact
// level already exists there.
func search(levels []schema.PriceLevel, price decimal.Decimal, before ordering) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		return !before(levels[i].Price, price)
	})
	if idx < len(levels) && levels[idx].Price.Equal(price) {
		return idx, true
	}
	return idx, false
}

func copyLevels(levels []schema.PriceLevel, limit int) []schema.PriceLevel {
	n := len(levels)
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]schema.PriceLevel, n)
	copy(out, levels[:n])
	return out
}
