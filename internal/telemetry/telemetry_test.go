package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsInert(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "tradecore"})
	require.NoError(t, err)
	require.NoError(t, provider.Shutdown(context.Background()))
	require.NotNil(t, provider.Meter("tradecore"))
}

func TestCollectorRecordsWithoutExporter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "tradecore"})
	require.NoError(t, err)

	collector := NewCollector(provider)
	// Global-fallback instruments are no-ops; the calls must still be safe.
	collector.IncCounter("tradecore.stream.messages", 1, map[string]string{"stream": "btcusdt@depth"})
	collector.ObserveHistogram("tradecore.book.resync.duration", 12.5, nil)
	collector.SetGauge("tradecore.stream.subscriptions", 3, nil)
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
