// Package record defines the read-only message store contracts consumed by the
// change-detection pipeline.
package record

import (
	"context"
	"time"
)

// Conversation styles used by the Messages store.
const (
	StyleGroup  = 43
	StyleDirect = 45
)

// Sender identifies the remote handle a message belongs to.
type Sender struct {
	Address string
	Service string
	Country string
}

// Conversation is the chat a message was observed in, including participants
// when the source was asked to load them.
type Conversation struct {
	GUID         string
	Style        int
	DisplayName  string
	Participants []string
}

// IsGroup reports whether the conversation is a group chat.
func (c Conversation) IsGroup() bool { return c.Style == StyleGroup }

// Attachment describes one attachment row joined onto a message. The pipeline
// only ever carries metadata; raw bytes stay in the store.
type Attachment struct {
	GUID        string
	Name        string
	MIMEType    string
	TotalBytes  int64
	IsSticker   bool
	UTI         string
	TransferRow string
}

// Message is one row from the message store with its related rows pre-joined.
// Rows are append-mostly: after creation only the edit/retract timestamps and
// the unsent-parts flag may change.
type Message struct {
	RowID                int64
	GUID                 string
	Text                 string
	Subject              string
	CreatedAt            time.Time
	EditedAt             *time.Time
	RetractedAt          *time.Time
	IsFromMe             bool
	HasUnsentParts       bool
	Service              string
	AssociatedType       string
	AssociatedGUID       string
	ThreadOriginatorGUID string
	BalloonBundleID      string
	IsAudioMessage       bool

	Sender       *Sender
	Conversation *Conversation
	Attachments  []Attachment
}

// LastUpdate returns the most recent of the creation, edit, and retraction
// timestamps; it drives cursor advancement.
func (m Message) LastUpdate() time.Time {
	latest := m.CreatedAt
	if m.EditedAt != nil && m.EditedAt.After(latest) {
		latest = *m.EditedAt
	}
	if m.RetractedAt != nil && m.RetractedAt.After(latest) {
		latest = *m.RetractedAt
	}
	return latest
}

// Source exposes the narrow query capability the change detector needs. The
// returned slice is ordered by creation time ascending and bounded by limit.
type Source interface {
	// FindChanged returns messages whose creation or edit time is at or after
	// windowStart, with sender, conversation (and participants), and
	// attachment rows resolved.
	FindChanged(ctx context.Context, windowStart time.Time, limit int) ([]Message, error)
	// ListConversationGUIDs returns the GUIDs of every conversation currently
	// present in the store; used to seed first-seen conversation tracking.
	ListConversationGUIDs(ctx context.Context) ([]string, error)
	// Close releases the underlying store handle.
	Close() error
}
