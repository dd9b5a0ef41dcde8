package observability

import "sync"

// Metric names emitted by the pipeline.
const (
	MetricRecordsScanned   = "bridge.poller.records_scanned"
	MetricPollSkipped      = "bridge.poller.ticks_skipped"
	MetricPollErrors       = "bridge.poller.scan_errors"
	MetricRecordAnomalies  = "bridge.poller.record_anomalies"
	MetricEventsAdmitted   = "bridge.events.admitted"
	MetricEventsDuplicate  = "bridge.events.duplicate"
	MetricDeliveryAttempts = "bridge.delivery.attempts"
	MetricDeliverySuccess  = "bridge.delivery.success"
	MetricDeliveryRetries  = "bridge.delivery.retries"
	MetricDeliveryFailed   = "bridge.delivery.failed"
	MetricDeliveryLatency  = "bridge.delivery.latency_ms"
	MetricBrokerReconnects = "bridge.broker.reconnects"
)

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// PipelineSnapshot captures pipeline-focused runtime counters.
type PipelineSnapshot struct {
	RecordsScanned      int64 `json:"records_scanned"`
	EventsAdmitted      int64 `json:"events_admitted"`
	EventsDuplicate     int64 `json:"events_duplicate"`
	DeliveriesSucceeded int64 `json:"deliveries_succeeded"`
	DeliveriesFailed    int64 `json:"deliveries_failed"`
	RetriesPublished    int64 `json:"retries_published"`
	TicksSkipped        int64 `json:"ticks_skipped"`
}

// RuntimeMetrics accumulates pipeline counters in-memory for periodic export
// and for the process summary logged at shutdown.
type RuntimeMetrics struct {
	mu       sync.Mutex
	pipeline PipelineSnapshot
}

// NewRuntimeMetrics constructs an empty accumulator.
func NewRuntimeMetrics() *RuntimeMetrics {
	return new(RuntimeMetrics)
}

// IncCounter implements Metrics, folding known names into the snapshot.
func (m *RuntimeMetrics) IncCounter(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delta := int64(value)
	switch name {
	case MetricRecordsScanned:
		m.pipeline.RecordsScanned += delta
	case MetricEventsAdmitted:
		m.pipeline.EventsAdmitted += delta
	case MetricEventsDuplicate:
		m.pipeline.EventsDuplicate += delta
	case MetricDeliverySuccess:
		m.pipeline.DeliveriesSucceeded += delta
	case MetricDeliveryFailed:
		m.pipeline.DeliveriesFailed += delta
	case MetricDeliveryRetries:
		m.pipeline.RetriesPublished += delta
	case MetricPollSkipped:
		m.pipeline.TicksSkipped += delta
	}
}

// ObserveHistogram implements Metrics; the accumulator keeps counters only.
func (m *RuntimeMetrics) ObserveHistogram(string, float64, map[string]string) {}

// SetGauge implements Metrics; the accumulator keeps counters only.
func (m *RuntimeMetrics) SetGauge(string, float64, map[string]string) {}

// Snapshot copies the current pipeline counters for reporting.
func (m *RuntimeMetrics) Snapshot() PipelineSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pipeline
}

// FanoutMetrics forwards every recording to each backend in order.
type FanoutMetrics []Metrics

func (f FanoutMetrics) IncCounter(name string, value float64, labels map[string]string) {
	for _, backend := range f {
		backend.IncCounter(name, value, labels)
	}
}

func (f FanoutMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	for _, backend := range f {
		backend.ObserveHistogram(name, value, labels)
	}
}

func (f FanoutMetrics) SetGauge(name string, value float64, labels map[string]string) {
	for _, backend := range f {
		backend.SetGauge(name, value, labels)
	}
}
