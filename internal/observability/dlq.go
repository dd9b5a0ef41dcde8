package observability

import "sync"

// AbandonedLog retains the most recent abandoned-delivery telemetry events
// so operators can inspect them without a log search. Oldest entries are
// evicted once the capacity is reached.
type AbandonedLog struct {
	mu       sync.Mutex
	capacity int
	events   []TelemetryEvent
}

// NewAbandonedLog creates a log with the provided capacity. Capacity <= 0
// implies unbounded.
func NewAbandonedLog(capacity int) *AbandonedLog {
	return &AbandonedLog{capacity: capacity, events: make([]TelemetryEvent, 0)}
}

// Offer records one event, evicting the oldest if the log is full.
func (q *AbandonedLog) Offer(event TelemetryEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = cloneTelemetryEvent(event)
		return
	}
	q.events = append(q.events, cloneTelemetryEvent(event))
}

// Drain retrieves and clears all retained events.
func (q *AbandonedLog) Drain() []TelemetryEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]TelemetryEvent, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of retained events.
func (q *AbandonedLog) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
