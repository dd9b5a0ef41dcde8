// Package poller scans the message store on a fixed cadence and turns raw
// records into ordered change batches.
package poller

import (
	"context"
	"time"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/record"
)

const (
	// DefaultLookback re-reads a trailing window every scan so that late
	// edits and retractions inside it are never missed.
	DefaultLookback = 15 * time.Minute

	// DefaultPageSize bounds one scan's result set.
	DefaultPageSize = 200

	// watermarkStep keeps a record from matching its own timestamp on the
	// next scan once the watermark has passed it.
	watermarkStep = time.Millisecond
)

// Change is one record the detector decided is worth handing downstream.
type Change struct {
	Message              record.Message
	FirstForConversation bool
}

// Detector owns the cursor and the known-conversation set. It is not safe
// for concurrent Scan calls; the poller serializes them.
type Detector struct {
	source   record.Source
	cursor   *Cursor
	lookback time.Duration
	pageSize int
	known    map[string]struct{}
}

// NewDetector builds a detector over src. Zero lookback or page size fall
// back to the defaults.
func NewDetector(src record.Source, cursor *Cursor, lookback time.Duration, pageSize int) *Detector {
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Detector{
		source:   src,
		cursor:   cursor,
		lookback: lookback,
		pageSize: pageSize,
		known:    make(map[string]struct{}),
	}
}

// SeedConversations marks every conversation that already exists in the
// store as known, so that pre-existing threads never classify as newly
// created after a restart.
func (d *Detector) SeedConversations(ctx context.Context) error {
	guids, err := d.source.ListConversationGUIDs(ctx)
	if err != nil {
		return err
	}
	for _, guid := range guids {
		d.known[guid] = struct{}{}
	}
	return nil
}

// Scan reads one window from the store and returns the changes at or past
// the watermark. On a read failure the watermark is untouched and the same
// window is retried next tick. The watermark advances past the newest kept
// record only when at least one record was kept.
func (d *Detector) Scan(ctx context.Context) ([]Change, error) {
	watermark := d.cursor.Watermark()
	floor := watermark.Add(-d.lookback)

	records, err := d.source.FindChanged(ctx, floor, d.pageSize)
	if err != nil {
		return nil, err
	}

	var (
		changes []Change
		newest  time.Time
	)
	for _, msg := range records {
		if !d.keep(msg, watermark, floor) {
			continue
		}
		if last := msg.LastUpdate(); last.After(newest) {
			newest = last
		}
		change := Change{Message: msg}
		if conv := msg.Conversation; conv != nil {
			if _, ok := d.known[conv.GUID]; !ok {
				change.FirstForConversation = true
				d.known[conv.GUID] = struct{}{}
			}
		}
		changes = append(changes, change)
	}

	if len(changes) > 0 {
		d.cursor.Advance(newest.Add(watermarkStep))
	}
	return changes, nil
}

// keep decides whether a record inside the query window is new work. Records
// already consumed on a prior scan fall below the watermark on every clock
// and are dropped, except retraction stubs which surface through the unsent
// flag for as long as they sit inside the lookback window.
func (d *Detector) keep(msg record.Message, watermark, floor time.Time) bool {
	if !msg.CreatedAt.Before(watermark) {
		return true
	}
	if msg.EditedAt != nil && !msg.EditedAt.Before(watermark) {
		return true
	}
	if msg.RetractedAt != nil && !msg.RetractedAt.Before(watermark) {
		return true
	}
	if msg.HasUnsentParts && !msg.CreatedAt.Before(floor) {
		return true
	}
	return false
}
