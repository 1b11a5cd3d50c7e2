// Package telemetry provides OpenTelemetry metric export for tradecore.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const serviceVersion = "1.0.0"

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled         bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	MetricInterval  time.Duration
	ShutdownTimeout time.Duration
	ServiceName     string
	Environment     string
}

// Provider manages the OpenTelemetry meter provider (metrics only).
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider initialises a telemetry provider. A disabled config yields a
// provider whose meters fall back to the otel global.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if !cfg.Enabled {
		return &Provider{meterProvider: nil, config: cfg}, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	mp, err := newMeterProvider(ctx, res, cfg)
	if err != nil {
		return nil, fmt.Errorf("create meter provider: %w", err)
	}
	otel.SetMeterProvider(mp)
	return &Provider{meterProvider: mp, config: cfg}, nil
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, p.config.ShutdownTimeout)
	defer cancel()
	if err := p.meterProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a meter with the given name.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	opts := []resource.Option{
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	}
	if cfg.Environment != "" {
		opts = append(opts, resource.WithAttributes(
			attribute.String("environment", strings.ToLower(cfg.Environment)),
		))
	}
	opts = append(opts, resource.WithProcessRuntimeName(), resource.WithProcessRuntimeVersion(), resource.WithHost())
	res, err := resource.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(ctx context.Context, res *resource.Resource, cfg Config) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint)),
	}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.MetricInterval),
		)),
	)
	return mp, nil
}

// stripScheme removes http:// or https:// from the endpoint. OTLP HTTP
// exporters expect host:port, not a full URL.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return endpoint
}
