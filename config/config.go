// Package config centralises runtime configuration for tradecore services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sorooshx/tradecore/internal/risk"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// MarketSettings configures the market-data feed and snapshot endpoints.
type MarketSettings struct {
	WebsocketURL      string
	RESTBaseURL       string
	SnapshotPath      string
	Symbols           []string
	HandshakeTimeout  time.Duration
	SnapshotTimeout   time.Duration
	SnapshotDepth     int
	SnapshotRateLimit float64
	SnapshotAttempts  int
}

// LedgerSettings carries the simulated exchange's economic parameters.
type LedgerSettings struct {
	InitialBalance    decimal.Decimal
	TakerFeeRate      decimal.Decimal
	MakerFeeRate      decimal.Decimal
	LiquidationBuffer decimal.Decimal
	QuantityScale     int32
	CommissionScale   int32
}

// RiskSettings bounds order admission.
type RiskSettings struct {
	MaxPositionSize  decimal.Decimal
	MaxNotionalValue decimal.Decimal
	OrderThrottle    float64
}

// Limits converts the settings into the risk package's limit set.
func (r RiskSettings) Limits() risk.Limits {
	return risk.Limits{
		MaxPositionSize:  r.MaxPositionSize,
		MaxNotionalValue: r.MaxNotionalValue,
		OrderThrottle:    r.OrderThrottle,
	}
}

// PostgresSettings selects optional durable persistence. An empty DSN keeps
// the in-memory store.
type PostgresSettings struct {
	DSN     string
	Migrate bool
}

// TelemetrySettings configures OTLP metric export.
type TelemetrySettings struct {
	OTLPEndpoint  string
	ServiceName   string
	OTLPInsecure  bool
	EnableMetrics bool
}

// Settings is the tradecore configuration tree loaded from defaults, an
// optional YAML file, and environment overrides.
type Settings struct {
	Environment Environment
	Market      MarketSettings
	Ledger      LedgerSettings
	Risk        RiskSettings
	Postgres    PostgresSettings
	Telemetry   TelemetrySettings
}

// Default returns the default tradecore configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Market: MarketSettings{
			WebsocketURL:      "wss://fstream.binance.com/stream",
			RESTBaseURL:       "https://fapi.binance.com",
			SnapshotPath:      "/fapi/v1/depth",
			Symbols:           []string{"BTCUSDT"},
			HandshakeTimeout:  10 * time.Second,
			SnapshotTimeout:   10 * time.Second,
			SnapshotDepth:     1000,
			SnapshotRateLimit: 5,
			SnapshotAttempts:  3,
		},
		Ledger: LedgerSettings{
			InitialBalance:    decimal.NewFromInt(10000),
			TakerFeeRate:      decimal.RequireFromString("0.0004"),
			MakerFeeRate:      decimal.RequireFromString("0.0002"),
			LiquidationBuffer: decimal.RequireFromString("0.9"),
			QuantityScale:     8,
			CommissionScale:   8,
		},
		Risk: RiskSettings{
			MaxPositionSize:  decimal.Zero,
			MaxNotionalValue: decimal.Zero,
			OrderThrottle:    0,
		},
		Postgres: PostgresSettings{DSN: "", Migrate: true},
		Telemetry: TelemetrySettings{
			OTLPEndpoint:  "",
			ServiceName:   "tradecore",
			OTLPInsecure:  false,
			EnableMetrics: false,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()

	if v := strings.TrimSpace(os.Getenv("TRADECORE_ENV")); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_WS_URL")); v != "" {
		cfg.Market.WebsocketURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_REST_URL")); v != "" {
		cfg.Market.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SNAPSHOT_PATH")); v != "" {
		cfg.Market.SnapshotPath = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SYMBOLS")); v != "" {
		cfg.Market.Symbols = splitSymbols(v)
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Market.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SNAPSHOT_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Market.SnapshotTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SNAPSHOT_DEPTH")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Market.SnapshotDepth = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_INITIAL_BALANCE")); v != "" {
		if parsed, err := decimal.NewFromString(v); err == nil && parsed.IsPositive() {
			cfg.Ledger.InitialBalance = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_TAKER_FEE_RATE")); v != "" {
		if parsed, err := decimal.NewFromString(v); err == nil && !parsed.IsNegative() {
			cfg.Ledger.TakerFeeRate = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_MAKER_FEE_RATE")); v != "" {
		if parsed, err := decimal.NewFromString(v); err == nil && !parsed.IsNegative() {
			cfg.Ledger.MakerFeeRate = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_POSTGRES_DSN")); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
		cfg.Telemetry.EnableMetrics = true
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_OTLP_INSECURE")); v != "" {
		cfg.Telemetry.OTLPInsecure = strings.EqualFold(v, "true") || v == "1"
	}
	if v := strings.TrimSpace(os.Getenv("TRADECORE_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}

	return cfg
}

// Validate performs semantic validation on the configuration.
func (s Settings) Validate() error {
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if strings.TrimSpace(s.Market.WebsocketURL) == "" {
		return fmt.Errorf("market websocketURL required")
	}
	if strings.TrimSpace(s.Market.RESTBaseURL) == "" {
		return fmt.Errorf("market restBaseURL required")
	}
	if strings.TrimSpace(s.Market.SnapshotPath) == "" {
		return fmt.Errorf("market snapshotPath required")
	}
	if len(s.Market.Symbols) == 0 {
		return fmt.Errorf("market symbols required")
	}
	if s.Market.SnapshotDepth <= 0 {
		return fmt.Errorf("market snapshotDepth must be > 0")
	}
	if s.Market.SnapshotAttempts <= 0 {
		return fmt.Errorf("market snapshotAttempts must be > 0")
	}
	if !s.Ledger.InitialBalance.IsPositive() {
		return fmt.Errorf("ledger initialBalance must be > 0")
	}
	if s.Ledger.TakerFeeRate.IsNegative() || s.Ledger.MakerFeeRate.IsNegative() {
		return fmt.Errorf("ledger fee rates must be >= 0")
	}
	if !s.Ledger.LiquidationBuffer.IsPositive() || s.Ledger.LiquidationBuffer.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("ledger liquidationBuffer must be in (0, 1]")
	}
	if s.Ledger.QuantityScale < 0 || s.Ledger.CommissionScale < 0 {
		return fmt.Errorf("ledger scales must be >= 0")
	}
	if s.Risk.MaxPositionSize.IsNegative() || s.Risk.MaxNotionalValue.IsNegative() {
		return fmt.Errorf("risk limits must be >= 0")
	}
	if s.Risk.OrderThrottle < 0 {
		return fmt.Errorf("risk orderThrottle must be >= 0")
	}
	if s.Telemetry.EnableMetrics && strings.TrimSpace(s.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics enabled")
	}
	return nil
}

func splitSymbols(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.ToUpper(strings.TrimSpace(part))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
