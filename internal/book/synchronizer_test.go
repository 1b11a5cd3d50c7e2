package book_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sorooshx/tradecore/internal/book"
	"github.com/sorooshx/tradecore/internal/schema"
)

type stubFetcher struct {
	snapshots []schema.BookSnapshot
	calls     atomic.Int32
}

func (f *stubFetcher) Fetch(_ context.Context, _ string) (schema.BookSnapshot, error) {
	idx := int(f.calls.Add(1)) - 1
	if idx >= len(f.snapshots) {
		idx = len(f.snapshots) - 1
	}
	return f.snapshots[idx], nil
}

func TestSynchronizerGapTriggersBufferedResync(t *testing.T) {
	fetcher := &stubFetcher{snapshots: []schema.BookSnapshot{
		{Symbol: "BTCUSDT", LastUpdateID: 1027024, Bids: []schema.PriceLevel{level("95000", "1")}},
	}}
	sync := book.NewSynchronizer(fetcher)

	// Diff before any snapshot: gap, buffered.
	gap := sync.ApplyDiff(schema.BookDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 1027025,
		FinalUpdateID: 1027029,
		Bids:          []schema.PriceLevel{level("95001", "2")},
	})
	require.Equal(t, book.OutcomeGap, gap)

	require.NoError(t, sync.Resync(context.Background(), "BTCUSDT"))

	// Buffered diff replayed on top of the snapshot.
	b := sync.Book("BTCUSDT")
	require.Equal(t, uint64(1027029), b.LastUpdateID())
	bid, ok := b.BestBid()
	require.True(t, ok)
	require.Equal(t, "95001", bid.Price.String())
}

func TestSynchronizerDiscardsAlreadyApplied(t *testing.T) {
	fetcher := &stubFetcher{snapshots: []schema.BookSnapshot{
		{Symbol: "BTCUSDT", LastUpdateID: 100},
	}}
	sync := book.NewSynchronizer(fetcher)
	require.NoError(t, sync.Resync(context.Background(), "BTCUSDT"))

	require.Equal(t, book.OutcomeDiscarded, sync.ApplyDiff(schema.BookDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 90,
		FinalUpdateID: 100,
	}))
	require.Equal(t, book.OutcomeApplied, sync.ApplyDiff(schema.BookDiff{
		Symbol:        "BTCUSDT",
		FirstUpdateID: 99,
		FinalUpdateID: 105,
	}))
}

func TestHTTPSnapshotFetcher(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/depth", r.URL.Path)
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		if calls.Add(1) == 1 {
			// First attempt fails; the fetcher must retry.
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, `{"lastUpdateId":1027024,"bids":[["95000.00","1.20"],["94999.00","0.50"]],"asks":[["95001.00","0.40"]]}`)
	}))
	defer server.Close()

	fetcher := book.NewHTTPSnapshotFetcher(server.URL, 0, 100, 3, 0)
	snap, err := fetcher.Fetch(context.Background(), "btcusdt")
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", snap.Symbol)
	require.Equal(t, uint64(1027024), snap.LastUpdateID)
	require.Len(t, snap.Bids, 2)
	require.Equal(t, "95000", snap.Bids[0].Price.String())
	require.Equal(t, int32(2), calls.Load())
}

func TestHTTPSnapshotFetcherDepthPathOverride(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/depth", r.URL.Path)
		fmt.Fprint(w, `{"lastUpdateId":7,"bids":[],"asks":[]}`)
	}))
	defer server.Close()

	fetcher := book.NewHTTPSnapshotFetcher(server.URL, 0, 100, 1, 0, book.WithDepthPath("api/v3/depth"))
	snap, err := fetcher.Fetch(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, uint64(7), snap.LastUpdateID)
}

func TestHTTPSnapshotFetcherExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	fetcher := book.NewHTTPSnapshotFetcher(server.URL, 0, 100, 2, 0)
	_, err := fetcher.Fetch(context.Background(), "BTCUSDT")
	require.Error(t, err)
}
