// Lightweight in-memory ops telemetry. Events describe pipeline incidents
// that operators care about beyond plain counters.
package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
)

// TelemetrySeverity represents the severity level of a telemetry event.
type TelemetrySeverity string

const (
	TelemetrySeverityInfo  TelemetrySeverity = "INFO"
	TelemetrySeverityWarn  TelemetrySeverity = "WARN"
	TelemetrySeverityError TelemetrySeverity = "ERROR"
)

// TelemetryEventType enumerates ops-only telemetry event categories.
type TelemetryEventType string

const (
	// TelemetryEventSourceUnavailable signals a message store read failure.
	TelemetryEventSourceUnavailable TelemetryEventType = "source.unavailable"
	// TelemetryEventDeliveryAbandoned signals a job that exhausted retries.
	TelemetryEventDeliveryAbandoned TelemetryEventType = "delivery.abandoned"
	// TelemetryEventBrokerReconnected signals a broker connection recovery.
	TelemetryEventBrokerReconnected TelemetryEventType = "broker.reconnected"
	// TelemetryEventRegistrationRefreshed signals a device re-registration.
	TelemetryEventRegistrationRefreshed TelemetryEventType = "registration.refreshed"
	// TelemetryEventRecordAnomaly signals a record dropped during a scan.
	TelemetryEventRecordAnomaly TelemetryEventType = "record.anomaly"
)

// TelemetryEvent carries structured observability information for operations.
type TelemetryEvent struct {
	EventID   string             `json:"event_id"`
	Type      TelemetryEventType `json:"type"`
	Severity  TelemetrySeverity  `json:"severity"`
	Timestamp time.Time          `json:"timestamp"`
	JobID     string             `json:"job_id,omitempty"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
}

// TelemetryBus defines pub/sub semantics for telemetry events.
type TelemetryBus interface {
	Publish(ctx context.Context, event TelemetryEvent) error
	Subscribe(ctx context.Context) (<-chan TelemetryEvent, error)
	Close()
}

// InMemoryTelemetryBus is an in-memory implementation of the telemetry bus.
type InMemoryTelemetryBus struct {
	ctx    context.Context
	cancel context.CancelFunc
	buffer int

	mu       sync.RWMutex
	subs     []*telemetrySubscriber
	shutdown sync.Once
}

type telemetrySubscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan TelemetryEvent
	once   sync.Once
}

// NewInMemoryTelemetryBus constructs a memory-backed telemetry bus.
func NewInMemoryTelemetryBus(buffer int) *InMemoryTelemetryBus {
	if buffer <= 0 {
		buffer = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InMemoryTelemetryBus{ctx: ctx, cancel: cancel, buffer: buffer}
}

// Publish broadcasts the telemetry event to all subscribers.
func (b *InMemoryTelemetryBus) Publish(ctx context.Context, event TelemetryEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.RLock()
	subs := append([]*telemetrySubscriber(nil), b.subs...)
	b.mu.RUnlock()
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := b.deliver(ctx, sub, event); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers a telemetry subscriber.
func (b *InMemoryTelemetryBus) Subscribe(ctx context.Context) (<-chan TelemetryEvent, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := &telemetrySubscriber{ctx: ctx, cancel: cancel, ch: make(chan TelemetryEvent, b.buffer)}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes subscriber channels.
func (b *InMemoryTelemetryBus) Close() {
	b.shutdown.Do(func() {
		b.cancel()
		b.mu.Lock()
		for i, sub := range b.subs {
			if sub != nil {
				sub.close()
			}
			b.subs[i] = nil
		}
		b.subs = nil
		b.mu.Unlock()
	})
}

func (b *InMemoryTelemetryBus) deliver(ctx context.Context, sub *telemetrySubscriber, event TelemetryEvent) error {
	if err := sub.ctx.Err(); err != nil {
		return fmt.Errorf("telemetry subscriber context: %w", err)
	}
	select {
	case <-b.ctx.Done():
		return errs.New("telemetry", errs.CodeUnavailable, errs.WithMessage("telemetry bus closed"))
	case <-ctx.Done():
		return fmt.Errorf("telemetry publish context: %w", ctx.Err())
	case <-sub.ctx.Done():
		return nil
	case sub.ch <- cloneTelemetryEvent(event):
		return nil
	default:
		return errs.New("telemetry", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *InMemoryTelemetryBus) observe(sub *telemetrySubscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.subs {
		if candidate == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *telemetrySubscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func cloneTelemetryEvent(evt TelemetryEvent) TelemetryEvent {
	clone := evt
	if len(evt.Metadata) > 0 {
		metadataCopy := make(map[string]any, len(evt.Metadata))
		for k, v := range evt.Metadata {
			metadataCopy[k] = v
		}
		clone.Metadata = metadataCopy
	}
	return clone
}
