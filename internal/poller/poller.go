package poller

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

// DefaultInterval is the scan cadence.
const DefaultInterval = 2 * time.Second

// Sink receives each detected change in store order.
type Sink interface {
	Handle(ctx context.Context, change Change) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, change Change) error

func (f SinkFunc) Handle(ctx context.Context, change Change) error {
	return f(ctx, change)
}

// Poller drives the detector on a fixed interval. Ticks that arrive while a
// scan is still running are skipped, never queued.
type Poller struct {
	detector *Detector
	sink     Sink
	interval time.Duration
	logger   *log.Logger
	bus      observability.TelemetryBus
	inFlight atomic.Bool
}

// New builds a poller. A zero interval falls back to the default; a nil bus
// suppresses ops telemetry.
func New(detector *Detector, sink Sink, interval time.Duration, logger *log.Logger, bus observability.TelemetryBus) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = log.New(log.Writer(), "poller ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Poller{
		detector: detector,
		sink:     sink,
		interval: interval,
		logger:   logger,
		bus:      bus,
	}
}

// Run scans until ctx is done. Scan failures are logged and retried on the
// next tick with the watermark untouched.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// One immediate scan so a fresh process does not idle a full interval.
	p.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// Trigger runs one scan outside the ticker cadence, subject to the same
// in-flight guard. It reports whether a scan actually ran.
func (p *Poller) Trigger(ctx context.Context) bool {
	return p.tick(ctx)
}

func (p *Poller) tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		observability.Telemetry().IncCounter(observability.MetricPollSkipped, 1, nil)
		return false
	}
	defer p.inFlight.Store(false)

	changes, err := p.detector.Scan(ctx)
	if err != nil {
		observability.Telemetry().IncCounter(observability.MetricPollErrors, 1, nil)
		p.publishEvent(ctx, observability.TelemetryEventSourceUnavailable,
			observability.TelemetrySeverityError, map[string]any{"error": err.Error()})
		p.logger.Printf("scan failed, retrying next tick: %v", err)
		return true
	}
	if len(changes) > 0 {
		observability.Telemetry().IncCounter(observability.MetricRecordsScanned, float64(len(changes)), nil)
	}

	for _, change := range changes {
		if err := p.sink.Handle(ctx, change); err != nil {
			// One bad record must not poison the rest of the batch.
			observability.Telemetry().IncCounter(observability.MetricRecordAnomalies, 1, nil)
			p.publishEvent(ctx, observability.TelemetryEventRecordAnomaly,
				observability.TelemetrySeverityWarn,
				map[string]any{"record": change.Message.GUID, "error": err.Error()})
			p.logger.Printf("record %s dropped: %v", change.Message.GUID, err)
		}
	}
	return true
}

func (p *Poller) publishEvent(ctx context.Context, kind observability.TelemetryEventType, severity observability.TelemetrySeverity, metadata map[string]any) {
	if p.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      kind,
		Severity:  severity,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		p.logger.Printf("telemetry publish failed: %v", err)
	}
}
