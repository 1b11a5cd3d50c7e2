package book

import (
	"context"
	"fmt"
	"sync"

	"github.com/sorooshx/tradecore/internal/observability"
	"github.com/sorooshx/tradecore/internal/schema"
)

// Synchronizer combines REST snapshots with sequenced diffs per symbol.
//
// Diffs arriving before the first snapshot, or after a detected gap, are
// buffered and replayed once a fresh snapshot lands; replay discards the
// already-applied prefix by sequence, so the resulting book state is a pure
// function of the ordered valid-diff sequence.
type Synchronizer struct {
	fetcher SnapshotFetcher

	mu      sync.Mutex
	books   map[string]*Book
	pending map[string][]schema.BookDiff
}

// NewSynchronizer constructs a synchronizer backed by the given fetcher.
func NewSynchronizer(fetcher SnapshotFetcher) *Synchronizer {
	return &Synchronizer{
		fetcher: fetcher,
		books:   make(map[string]*Book),
		pending: make(map[string][]schema.BookDiff),
	}
}

// Book returns the live book for symbol, creating an unsynced one on first
// use.
func (s *Synchronizer) Book(symbol string) *Book {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bookLocked(symbol)
}

func (s *Synchronizer) bookLocked(symbol string) *Book {
	b, ok := s.books[symbol]
	if !ok {
		b = New(symbol)
		s.books[symbol] = b
	}
	return b
}

// ApplyDiff routes a depth diff into the symbol's book. A Gap outcome leaves
// the committed book untouched and buffers the diff for replay after the next
// Resync.
func (s *Synchronizer) ApplyDiff(diff schema.BookDiff) Outcome {
	s.mu.Lock()
	b := s.bookLocked(diff.Symbol)
	outcome := b.ApplyDiff(diff)
	if outcome == OutcomeGap {
		s.pending[diff.Symbol] = append(s.pending[diff.Symbol], diff)
	}
	s.mu.Unlock()

	switch outcome {
	case OutcomeApplied:
		observability.Telemetry().IncCounter(observability.MetricBookDiffsApplied, 1,
			map[string]string{"symbol": diff.Symbol})
	case OutcomeGap:
		observability.Telemetry().IncCounter(observability.MetricBookGaps, 1,
			map[string]string{"symbol": diff.Symbol})
		observability.Log().Warn("order book sequence gap",
			observability.F("symbol", diff.Symbol),
			observability.F("first_update_id", diff.FirstUpdateID),
			observability.F("final_update_id", diff.FinalUpdateID))
	case OutcomeDiscarded:
	}
	return outcome
}

// Resync fetches a fresh snapshot for symbol, replaces the book state, and
// replays any diffs buffered since the gap was detected.
func (s *Synchronizer) Resync(ctx context.Context, symbol string) error {
	snap, err := s.fetcher.Fetch(ctx, symbol)
	if err != nil {
		return fmt.Errorf("resync %s: %w", symbol, err)
	}

	s.mu.Lock()
	b := s.bookLocked(symbol)
	b.ApplySnapshot(snap)
	buffered := s.pending[symbol]
	delete(s.pending, symbol)
	for i, diff := range buffered {
		if b.ApplyDiff(diff) == OutcomeGap {
			// Snapshot predates the buffered tail; keep it for the next
			// resync attempt.
			s.pending[symbol] = append(s.pending[symbol], buffered[i:]...)
			break
		}
	}
	s.mu.Unlock()

	observability.Telemetry().IncCounter(observability.MetricBookResyncs, 1,
		map[string]string{"symbol": symbol})
	observability.Log().Info("order book resynced",
		observability.F("symbol", symbol),
		observability.F("last_update_id", snap.LastUpdateID),
		observability.F("replayed", len(buffered)))
	return nil
}

// Invalidate drops the committed state for symbol so callers resync before
// trusting the book again.
func (s *Synchronizer) Invalidate(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookLocked(symbol).Invalidate()
	delete(s.pending, symbol)
}
