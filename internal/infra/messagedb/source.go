// Package messagedb implements the read-only record source against the local
// Messages SQLite store.
package messagedb

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 database/sql driver

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/record"
)

const (
	defaultFindLimit = 500
	maxFindLimit     = 500
)

// Config controls which related rows the source resolves. Attachment
// metadata is always joined because payload references depend on it; the
// toggles here cover the optional enrichments only.
type Config struct {
	Path             string
	LoadParticipants bool
	ParseRichText    bool
}

// Source is a record.Source backed by the Messages chat database.
type Source struct {
	db      *sql.DB
	cfg     Config
	decoder record.BodyDecoder
}

const (
	findChangedSQL = `
SELECT
    message.ROWID,
    message.guid,
    COALESCE(message.text, ''),
    COALESCE(message.subject, ''),
    message.attributedBody,
    message.date,
    COALESCE(message.date_edited, 0),
    COALESCE(message.date_retracted, 0),
    message.is_from_me,
    COALESCE(message.service, ''),
    COALESCE(message.associated_message_type, 0),
    COALESCE(message.associated_message_guid, ''),
    COALESCE(message.thread_originator_guid, ''),
    COALESCE(message.balloon_bundle_id, ''),
    COALESCE(message.is_audio_message, 0),
    COALESCE(handle.id, ''),
    COALESCE(handle.service, ''),
    COALESCE(handle.country, ''),
    chat.ROWID,
    chat.guid,
    COALESCE(chat.style, 0),
    COALESCE(chat.display_name, '')
FROM message
LEFT JOIN handle ON handle.ROWID = message.handle_id
INNER JOIN chat_message_join ON chat_message_join.message_id = message.ROWID
INNER JOIN chat ON chat.ROWID = chat_message_join.chat_id
WHERE message.date >= ?1
   OR COALESCE(message.date_edited, 0) >= ?1
   OR COALESCE(message.date_retracted, 0) >= ?1
ORDER BY message.date ASC
LIMIT ?2;
`

	participantsSQL = `
SELECT handle.id
FROM chat_handle_join
INNER JOIN handle ON handle.ROWID = chat_handle_join.handle_id
WHERE chat_handle_join.chat_id = ?1
ORDER BY handle.ROWID ASC;
`

	attachmentsSQL = `
SELECT
    attachment.guid,
    COALESCE(attachment.transfer_name, ''),
    COALESCE(attachment.mime_type, ''),
    COALESCE(attachment.total_bytes, 0),
    COALESCE(attachment.is_sticker, 0),
    COALESCE(attachment.uti, '')
FROM message_attachment_join
INNER JOIN attachment ON attachment.ROWID = message_attachment_join.attachment_id
WHERE message_attachment_join.message_id = ?1
ORDER BY attachment.ROWID ASC;
`

	listConversationsSQL = `
SELECT chat.guid FROM chat ORDER BY chat.ROWID ASC;
`
)

// Open connects to the message store read-only. The store belongs to the
// Messages app, so the bridge must never take write locks on it.
func Open(cfg Config, decoder record.BodyDecoder) (*Source, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errs.New("messagedb", errs.CodeInvalid, errs.WithMessage("store path required"))
	}
	if decoder == nil {
		decoder = record.NoopDecoder{}
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_query_only=1&_busy_timeout=3000", url.PathEscape(path))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("open message store"), errs.WithCause(err))
	}
	// A single connection keeps the read snapshot coherent across the joined
	// follow-up queries of one scan.
	db.SetMaxOpenConns(1)

	return &Source{db: db, cfg: cfg, decoder: decoder}, nil
}

// NewWithDB wraps an existing handle; used by tests that build a fixture store.
func NewWithDB(db *sql.DB, cfg Config, decoder record.BodyDecoder) *Source {
	if decoder == nil {
		decoder = record.NoopDecoder{}
	}
	return &Source{db: db, cfg: cfg, decoder: decoder}
}

// FindChanged returns messages created or mutated at or after windowStart,
// ordered by creation time, with related rows resolved per the source config.
func (s *Source) FindChanged(ctx context.Context, windowStart time.Time, limit int) ([]record.Message, error) {
	if s == nil || s.db == nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable, errs.WithMessage("source not open"))
	}
	if limit <= 0 || limit > maxFindLimit {
		limit = defaultFindLimit
	}

	floor := record.ToAppleTime(windowStart)
	rows, err := s.db.QueryContext(ctx, findChangedSQL, floor, limit)
	if err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("query changed messages"), errs.WithCause(err))
	}
	defer func() { _ = rows.Close() }()

	var messages []record.Message
	for rows.Next() {
		msg, chatRowID, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if s.cfg.LoadParticipants && msg.Conversation != nil && msg.Conversation.IsGroup() {
			participants, err := s.loadParticipants(ctx, chatRowID)
			if err != nil {
				return nil, err
			}
			msg.Conversation.Participants = participants
		}
		attachments, err := s.loadAttachments(ctx, msg.RowID)
		if err != nil {
			return nil, err
		}
		msg.Attachments = attachments
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("iterate changed messages"), errs.WithCause(err))
	}
	return messages, nil
}

// ListConversationGUIDs returns every chat GUID in the store.
func (s *Source) ListConversationGUIDs(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable, errs.WithMessage("source not open"))
	}
	rows, err := s.db.QueryContext(ctx, listConversationsSQL)
	if err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("list conversations"), errs.WithCause(err))
	}
	defer func() { _ = rows.Close() }()

	var guids []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("messagedb: scan conversation guid: %w", err)
		}
		guids = append(guids, guid)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("iterate conversations"), errs.WithCause(err))
	}
	return guids, nil
}

// Close releases the store handle.
func (s *Source) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Source) scanMessage(rows *sql.Rows) (record.Message, int64, error) {
	var (
		msg            record.Message
		body           []byte
		rawCreated     int64
		rawEdited      int64
		rawRetracted   int64
		isFromMe       int
		associatedCode int64
		isAudio        int
		sender         record.Sender
		chatRowID      int64
		conversation   record.Conversation
	)
	if err := rows.Scan(
		&msg.RowID,
		&msg.GUID,
		&msg.Text,
		&msg.Subject,
		&body,
		&rawCreated,
		&rawEdited,
		&rawRetracted,
		&isFromMe,
		&msg.Service,
		&associatedCode,
		&msg.AssociatedGUID,
		&msg.ThreadOriginatorGUID,
		&msg.BalloonBundleID,
		&isAudio,
		&sender.Address,
		&sender.Service,
		&sender.Country,
		&chatRowID,
		&conversation.GUID,
		&conversation.Style,
		&conversation.DisplayName,
	); err != nil {
		return record.Message{}, 0, fmt.Errorf("messagedb: scan message: %w", err)
	}

	msg.CreatedAt = record.FromAppleTime(rawCreated)
	if rawEdited != 0 {
		edited := record.FromAppleTime(rawEdited)
		msg.EditedAt = &edited
	}
	if rawRetracted != 0 {
		retracted := record.FromAppleTime(rawRetracted)
		msg.RetractedAt = &retracted
		msg.HasUnsentParts = true
	}
	msg.IsFromMe = isFromMe != 0
	msg.IsAudioMessage = isAudio != 0
	msg.AssociatedType = associatedTypeLabel(associatedCode)
	if sender.Address != "" {
		msg.Sender = &sender
	}
	msg.Conversation = &conversation

	msg.Text = record.SanitizeText(msg.Text)
	if msg.Text == "" && s.cfg.ParseRichText && len(body) > 0 {
		if text, ok := s.decoder.Decode(body); ok {
			msg.Text = record.SanitizeText(text)
		}
	}
	return msg, chatRowID, nil
}

func (s *Source) loadParticipants(ctx context.Context, chatRowID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, participantsSQL, chatRowID)
	if err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("load participants"), errs.WithCause(err))
	}
	defer func() { _ = rows.Close() }()

	var participants []string
	for rows.Next() {
		var address string
		if err := rows.Scan(&address); err != nil {
			return nil, fmt.Errorf("messagedb: scan participant: %w", err)
		}
		participants = append(participants, address)
	}
	return participants, rows.Err()
}

func (s *Source) loadAttachments(ctx context.Context, messageRowID int64) ([]record.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, attachmentsSQL, messageRowID)
	if err != nil {
		return nil, errs.New("messagedb", errs.CodeSourceUnavailable,
			errs.WithMessage("load attachments"), errs.WithCause(err))
	}
	defer func() { _ = rows.Close() }()

	var attachments []record.Attachment
	for rows.Next() {
		var (
			att       record.Attachment
			isSticker int
		)
		if err := rows.Scan(&att.GUID, &att.Name, &att.MIMEType, &att.TotalBytes, &isSticker, &att.UTI); err != nil {
			return nil, fmt.Errorf("messagedb: scan attachment: %w", err)
		}
		att.IsSticker = isSticker != 0
		attachments = append(attachments, att)
	}
	return attachments, rows.Err()
}

// Tapback codes as stored by the Messages app: 200x places a reaction, 300x
// removes it. The label set matches the upstream wire contract.
func associatedTypeLabel(code int64) string {
	labels := map[int64]string{
		2000: "love",
		2001: "like",
		2002: "dislike",
		2003: "laugh",
		2004: "emphasize",
		2005: "question",
	}
	if label, ok := labels[code]; ok {
		return label
	}
	if label, ok := labels[code-1000]; ok && code >= 3000 {
		return "-" + label
	}
	return ""
}

var _ record.Source = (*Source)(nil)
