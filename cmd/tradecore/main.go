// Command tradecore launches the simulated futures exchange runtime: the
// market-data feed, order book synchronisation, and the trading ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/sorooshx/tradecore/config"
	"github.com/sorooshx/tradecore/internal/book"
	"github.com/sorooshx/tradecore/internal/ledger"
	ledgerpg "github.com/sorooshx/tradecore/internal/ledger/postgres"
	"github.com/sorooshx/tradecore/internal/observability"
	"github.com/sorooshx/tradecore/internal/risk"
	"github.com/sorooshx/tradecore/internal/stream"
	"github.com/sorooshx/tradecore/internal/telemetry"
	"github.com/sorooshx/tradecore/lib/async"
)

const (
	resyncWorkers     = 4
	resyncQueue       = 16
	shutdownTimeout   = 30 * time.Second
	telemetryShutdown = 5 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Path to YAML configuration (defaults to env-driven config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	observability.SetLogger(observability.NewSlogLogger(logger))

	provider, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:      cfg.Telemetry.EnableMetrics,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
		ServiceName:  cfg.Telemetry.ServiceName,
		Environment:  string(cfg.Environment),
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if cfg.Telemetry.EnableMetrics {
		observability.SetMetrics(telemetry.NewCollector(provider))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdown)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			observability.Log().Warn("telemetry shutdown", observability.F("error", err.Error()))
		}
	}()

	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	limits := risk.NewManager(cfg.Risk.Limits())
	svc, err := ledger.NewService(ctx, store, ledger.Config{
		InitialBalance:    cfg.Ledger.InitialBalance,
		TakerFeeRate:      cfg.Ledger.TakerFeeRate,
		MakerFeeRate:      cfg.Ledger.MakerFeeRate,
		QuantityScale:     cfg.Ledger.QuantityScale,
		CommissionScale:   cfg.Ledger.CommissionScale,
		LiquidationBuffer: cfg.Ledger.LiquidationBuffer,
	}, ledger.WithRiskManager(limits))
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}

	fetcher := book.NewHTTPSnapshotFetcher(
		cfg.Market.RESTBaseURL,
		cfg.Market.SnapshotTimeout,
		cfg.Market.SnapshotDepth,
		cfg.Market.SnapshotAttempts,
		cfg.Market.SnapshotRateLimit,
		book.WithDepthPath(cfg.Market.SnapshotPath),
	)
	books := book.NewSynchronizer(fetcher)

	resyncPool, err := async.NewPool(resyncWorkers, resyncQueue)
	if err != nil {
		return fmt.Errorf("init resync pool: %w", err)
	}
	defer resyncPool.Close()

	manager := stream.NewManager(stream.Config{
		URL:              cfg.Market.WebsocketURL,
		HandshakeTimeout: cfg.Market.HandshakeTimeout,
	})
	defer manager.Close()

	manager.OnStatus(func(status stream.Status) {
		observability.Log().Info("stream status", observability.F("status", status.String()))
		if status == stream.StatusReconnecting {
			// Sequence continuity is lost with the connection; every book
			// needs a fresh snapshot before diffs may apply again.
			for _, symbol := range cfg.Market.Symbols {
				books.Invalidate(symbol)
			}
		}
	})

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("connect stream: %w", err)
	}

	for _, symbol := range cfg.Market.Symbols {
		if err := subscribeSymbol(ctx, manager, books, svc, resyncPool, symbol); err != nil {
			return err
		}
	}

	observability.Log().Info("tradecore running",
		observability.F("symbols", strings.Join(cfg.Market.Symbols, ",")),
		observability.F("environment", string(cfg.Environment)))

	<-ctx.Done()
	observability.Log().Info("shutting down")

	var shutdown conc.WaitGroup
	shutdown.Go(func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := resyncPool.Shutdown(drainCtx); err != nil {
			observability.Log().Warn("resync pool shutdown", observability.F("error", err.Error()))
		}
	})
	shutdown.Go(manager.Close)
	shutdown.Wait()
	return nil
}

func loadConfig(path string) (config.Settings, error) {
	if strings.TrimSpace(path) != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return config.Settings{}, fmt.Errorf("load config %s: %w", path, err)
		}
		return cfg, nil
	}
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func buildStore(ctx context.Context, cfg config.Settings) (ledger.Store, func(), error) {
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return ledger.NewMemoryStore(), func() {}, nil
	}
	if cfg.Postgres.Migrate {
		if err := ledgerpg.Migrate(ctx, cfg.Postgres.DSN); err != nil {
			return nil, nil, fmt.Errorf("migrate database: %w", err)
		}
	}
	pool, err := ledgerpg.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return ledgerpg.New(pool), pool.Close, nil
}

// subscribeSymbol wires the depth, ticker, and kline feeds for one symbol.
// Handlers run on the stream read goroutine, so diff ordering is preserved;
// snapshot resyncs are pushed onto the worker pool to keep the loop live.
func subscribeSymbol(ctx context.Context, manager *stream.Manager, books *book.Synchronizer, svc *ledger.Service, resyncPool *async.Pool, symbol string) error {
	depthKey := stream.StreamKey(symbol, "depth")
	if _, err := manager.Subscribe(depthKey, func(_ string, data []byte) {
		diff, err := stream.DecodeDiff(data)
		if err != nil {
			observability.Log().Warn("decode depth diff",
				observability.F("symbol", symbol),
				observability.F("error", err.Error()))
			return
		}
		if outcome := books.ApplyDiff(diff); outcome == book.OutcomeGap {
			scheduleResync(ctx, books, resyncPool, symbol)
		}
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", depthKey, err)
	}
	// Prime the book; diffs buffer until the first snapshot lands.
	scheduleResync(ctx, books, resyncPool, symbol)

	tickerKey := stream.StreamKey(symbol, "ticker")
	if _, err := manager.Subscribe(tickerKey, func(_ string, data []byte) {
		ticker, err := stream.DecodeTicker(data)
		if err != nil {
			observability.Log().Warn("decode ticker",
				observability.F("symbol", symbol),
				observability.F("error", err.Error()))
			return
		}
		if err := svc.SetMarkPrice(ctx, ticker.Symbol, ticker.LastPrice); err != nil {
			observability.Log().Error("apply mark price",
				observability.F("symbol", ticker.Symbol),
				observability.F("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", tickerKey, err)
	}

	klineKey := stream.StreamKey(symbol, "kline_1m")
	if _, err := manager.Subscribe(klineKey, func(_ string, data []byte) {
		kline, err := stream.DecodeKline(data)
		if err != nil {
			observability.Log().Warn("decode kline",
				observability.F("symbol", symbol),
				observability.F("error", err.Error()))
			return
		}
		if kline.Final {
			observability.Log().Debug("kline closed",
				observability.F("symbol", kline.Symbol),
				observability.F("interval", kline.Interval),
				observability.F("close", kline.Close.String()))
		}
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", klineKey, err)
	}
	return nil
}

func scheduleResync(ctx context.Context, books *book.Synchronizer, pool *async.Pool, symbol string) {
	err := pool.Submit(ctx, func(taskCtx context.Context) error {
		return books.Resync(taskCtx, symbol)
	})
	if err != nil {
		observability.Log().Warn("schedule resync",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()))
	}
}
