package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

// Collector bridges the process-wide observability.Metrics interface onto
// OpenTelemetry instruments. Instruments are created lazily per metric name
// and cached for the process lifetime.
type Collector struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

// NewCollector builds a collector over the provider's meter.
func NewCollector(provider *Provider) *Collector {
	return &Collector{
		meter:      provider.Meter("bridge"),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// IncCounter implements observability.Metrics.
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
	counter.Add(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// ObserveHistogram implements observability.Metrics.
func (c *Collector) ObserveHistogram(name string, value float64, labels map[string]string) {
	c.mu.Lock()
	hist, ok := c.histograms[name]
	if !ok {
		created, err := c.meter.Float64Histogram(name)
		if err != nil {
			c.mu.Unlock()
			return
		}
		hist = created
		c.histograms[name] = hist
	}
	c.mu.Unlock()
	hist.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

// SetGauge implements observability.Metrics.
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
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs(labels)...))
}

func attrs(labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels)+1)
	out = append(out, attribute.String("environment", Environment()))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

var _ observability.Metrics = (*Collector)(nil)
