package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Settings with YAML-friendly field types. Decimal and
// duration values travel as strings so precision survives parsing.
type fileConfig struct {
	Environment string `yaml:"environment"`
	Market      struct {
		WebsocketURL      string   `yaml:"websocketURL"`
		RESTBaseURL       string   `yaml:"restBaseURL"`
		SnapshotPath      string   `yaml:"snapshotPath"`
		Symbols           []string `yaml:"symbols"`
		HandshakeTimeout  string   `yaml:"handshakeTimeout"`
		SnapshotTimeout   string   `yaml:"snapshotTimeout"`
		SnapshotDepth     int      `yaml:"snapshotDepth"`
		SnapshotRateLimit float64  `yaml:"snapshotRateLimit"`
		SnapshotAttempts  int      `yaml:"snapshotAttempts"`
	} `yaml:"market"`
	Ledger struct {
		InitialBalance    string `yaml:"initialBalance"`
		TakerFeeRate      string `yaml:"takerFeeRate"`
		MakerFeeRate      string `yaml:"makerFeeRate"`
		LiquidationBuffer string `yaml:"liquidationBuffer"`
		QuantityScale     *int32 `yaml:"quantityScale"`
		CommissionScale   *int32 `yaml:"commissionScale"`
	} `yaml:"ledger"`
	Risk struct {
		MaxPositionSize  string  `yaml:"maxPositionSize"`
		MaxNotionalValue string  `yaml:"maxNotionalValue"`
		OrderThrottle    float64 `yaml:"orderThrottle"`
	} `yaml:"risk"`
	Postgres struct {
		DSN     string `yaml:"dsn"`
		Migrate *bool  `yaml:"migrate"`
	} `yaml:"postgres"`
	Telemetry struct {
		OTLPEndpoint  string `yaml:"otlpEndpoint"`
		ServiceName   string `yaml:"serviceName"`
		OTLPInsecure  bool   `yaml:"otlpInsecure"`
		EnableMetrics bool   `yaml:"enableMetrics"`
	} `yaml:"telemetry"`
}

// Load reads a YAML configuration file and applies it over the defaults. The
// result is validated before being returned.
func Load(path string) (Settings, error) {
	clean := filepath.Clean(strings.TrimSpace(path))
	data, err := os.ReadFile(clean) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return Settings{}, fmt.Errorf("read config: %w", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Settings{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg := Default()
	if err := file.apply(&cfg); err != nil {
		return Settings{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func (f fileConfig) apply(cfg *Settings) error {
	if v := strings.TrimSpace(f.Environment); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}

	if v := strings.TrimSpace(f.Market.WebsocketURL); v != "" {
		cfg.Market.WebsocketURL = v
	}
	if v := strings.TrimSpace(f.Market.RESTBaseURL); v != "" {
		cfg.Market.RESTBaseURL = v
	}
	if v := strings.TrimSpace(f.Market.SnapshotPath); v != "" {
		cfg.Market.SnapshotPath = v
	}
	if len(f.Market.Symbols) > 0 {
		cfg.Market.Symbols = splitSymbols(strings.Join(f.Market.Symbols, ","))
	}
	if err := applyDuration(f.Market.HandshakeTimeout, "market handshakeTimeout", &cfg.Market.HandshakeTimeout); err != nil {
		return err
	}
	if err := applyDuration(f.Market.SnapshotTimeout, "market snapshotTimeout", &cfg.Market.SnapshotTimeout); err != nil {
		return err
	}
	if f.Market.SnapshotDepth > 0 {
		cfg.Market.SnapshotDepth = f.Market.SnapshotDepth
	}
	if f.Market.SnapshotRateLimit > 0 {
		cfg.Market.SnapshotRateLimit = f.Market.SnapshotRateLimit
	}
	if f.Market.SnapshotAttempts > 0 {
		cfg.Market.SnapshotAttempts = f.Market.SnapshotAttempts
	}

	if err := applyDecimal(f.Ledger.InitialBalance, "ledger initialBalance", &cfg.Ledger.InitialBalance); err != nil {
		return err
	}
	if err := applyDecimal(f.Ledger.TakerFeeRate, "ledger takerFeeRate", &cfg.Ledger.TakerFeeRate); err != nil {
		return err
	}
	if err := applyDecimal(f.Ledger.MakerFeeRate, "ledger makerFeeRate", &cfg.Ledger.MakerFeeRate); err != nil {
		return err
	}
	if err := applyDecimal(f.Ledger.LiquidationBuffer, "ledger liquidationBuffer", &cfg.Ledger.LiquidationBuffer); err != nil {
		return err
	}
	if f.Ledger.QuantityScale != nil {
		cfg.Ledger.QuantityScale = *f.Ledger.QuantityScale
	}
	if f.Ledger.CommissionScale != nil {
		cfg.Ledger.CommissionScale = *f.Ledger.CommissionScale
	}

	if err := applyDecimal(f.Risk.MaxPositionSize, "risk maxPositionSize", &cfg.Risk.MaxPositionSize); err != nil {
		return err
	}
	if err := applyDecimal(f.Risk.MaxNotionalValue, "risk maxNotionalValue", &cfg.Risk.MaxNotionalValue); err != nil {
		return err
	}
	if f.Risk.OrderThrottle > 0 {
		cfg.Risk.OrderThrottle = f.Risk.OrderThrottle
	}

	if v := strings.TrimSpace(f.Postgres.DSN); v != "" {
		cfg.Postgres.DSN = v
	}
	if f.Postgres.Migrate != nil {
		cfg.Postgres.Migrate = *f.Postgres.Migrate
	}

	if v := strings.TrimSpace(f.Telemetry.OTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(f.Telemetry.ServiceName); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	if f.Telemetry.OTLPInsecure {
		cfg.Telemetry.OTLPInsecure = true
	}
	if f.Telemetry.EnableMetrics {
		cfg.Telemetry.EnableMetrics = true
	}
	return nil
}

func applyDuration(value, field string, target *time.Duration) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q", field, value)
	}
	if parsed <= 0 {
		return fmt.Errorf("%s: duration must be > 0", field)
	}
	*target = parsed
	return nil
}

func applyDecimal(value, field string, target *decimal.Decimal) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	parsed, err := decimal.NewFromString(trimmed)
	if err != nil {
		return fmt.Errorf("%s: invalid decimal %q", field, value)
	}
	*target = parsed
	return nil
}
