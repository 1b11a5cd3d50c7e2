package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sorooshx/tradecore/internal/observability"
)

const meterName = "tradecore"

// Collector implements observability.Metrics on top of an OTel meter.
// Instruments are created lazily and cached by name.
type Collector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewCollector builds a metrics collector over the provider's meter.
func NewCollector(provider *Provider) *Collector {
	return &Collector{
		meter:      provider.Meter(meterName),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

func (c *Collector) IncCounter(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	counter, ok := c.counters[name]
	if !ok {
		created, err := c.meter.Float64Counter(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		counter = created
		c.counters[name] = counter
	}
	c.mu.Unlock()
	counter.Add(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	histogram, ok := c.histograms[name]
	if !ok {
		created, err := c.meter.Float64Histogram(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		histogram = created
		c.histograms[name] = histogram
	}
	c.mu.Unlock()
	histogram.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func (c *Collector) SetGauge(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	gauge, ok := c.gauges[name]
	if !ok {
		created, err := c.meter.Float64Gauge(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		gauge = created
		c.gauges[name] = gauge
	}
	c.mu.Unlock()
	gauge.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

func toAttributes(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}
	return attrs
}

var _ observability.Metrics = (*Collector)(nil)
