package poller

import (
	"sync"
	"time"
)

// Cursor is the monotonic scan watermark. Scans read from watermark minus
// the lookback window; the watermark itself only ever moves forward.
type Cursor struct {
	mu        sync.Mutex
	watermark time.Time
}

// NewCursor seeds the watermark. A zero start is allowed and means scan from
// the beginning of the store.
func NewCursor(start time.Time) *Cursor {
	return &Cursor{watermark: start}
}

// Watermark returns the current watermark.
func (c *Cursor) Watermark() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watermark
}

// Advance moves the watermark forward to next and reports whether it moved.
// Calls with a value at or before the current watermark are ignored so the
// cursor can never regress.
func (c *Cursor) Advance(next time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !next.After(c.watermark) {
		return false
	}
	c.watermark = next
	return true
}
