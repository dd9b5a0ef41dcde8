// Package normalizer converts raw store records into canonical webhook events.
package normalizer

import (
	"regexp"
	"strings"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/record"
)

// Kind classifies the detected change.
type Kind string

const (
	KindNew                 Kind = "new"
	KindEdited              Kind = "edited"
	KindRetracted           Kind = "retracted"
	KindReaction            Kind = "reaction"
	KindConversationCreated Kind = "conversation-created"
)

// AlertType is the wire-level event classification carried in payloads.
type AlertType string

const (
	AlertInbound             AlertType = "message_inbound"
	AlertSent                AlertType = "message_sent"
	AlertReaction            AlertType = "message_reaction"
	AlertEdited              AlertType = "message_edited"
	AlertRetracted           AlertType = "message_retracted"
	AlertConversationCreated AlertType = "conversation_created"
)

// Reaction lifecycle events.
const (
	ReactionPlaced  = "placed"
	ReactionRemoved = "removed"
)

// Config enumerates the recognized normalization options. Every toggle is
// explicit; there are no ambient defaults mutated in place.
type Config struct {
	IncludeConversation bool
	ParseRichText       bool
	AttachmentBaseURL   string
}

// DefaultConfig matches the production serializer settings: conversations
// included, rich text parsed, attachments referenced by download URL.
func DefaultConfig() Config {
	return Config{
		IncludeConversation: true,
		ParseRichText:       true,
		AttachmentBaseURL:   "file:///Attachments",
	}
}

// Related carries context the normalizer cannot derive from the record alone.
type Related struct {
	// FirstForConversation is true when this record is the first ever
	// observed for its conversation.
	FirstForConversation bool
}

// Event is the canonical, store-agnostic representation of one change.
type Event struct {
	Identity       string
	Kind           Kind
	ConversationID string
	SenderAddress  string
	Text           string
	Attachments    []string
	RelatedEventID string
	Payload        Payload
}

// Tapback labels map onto the wire contract's reaction vocabulary.
var reactionLabels = map[string]string{
	"love":      "love",
	"like":      "like",
	"dislike":   "dislike",
	"laugh":     "laugh",
	"emphasize": "exclaim",
	"question":  "question",
}

// Reactions reference their target as "p:<part>/<guid>".
var associatedPartPrefix = regexp.MustCompile(`^p:\d+/`)

// Normalize maps one record plus its related context into an Event. It is a
// pure function of its inputs: missing optional fields degrade to absent
// payload fields, and only a structurally broken record yields an error.
func Normalize(msg record.Message, rel Related, cfg Config) (Event, error) {
	if strings.TrimSpace(msg.GUID) == "" {
		return Event{}, errs.New("normalizer", errs.CodeInvalid, errs.WithMessage("record has no guid"))
	}
	if msg.Conversation == nil {
		return Event{}, errs.New("normalizer", errs.CodeInvalid, errs.WithMessage("record has no conversation"))
	}

	kind := classify(msg, rel)
	alert := alertFor(kind, msg.IsFromMe)

	event := Event{
		Identity:       Identity(msg.GUID, alert),
		Kind:           kind,
		ConversationID: msg.Conversation.GUID,
		SenderAddress:  senderAddress(msg),
		Text:           msg.Text,
	}

	payload := Payload{
		WebhookID:      event.Identity,
		APIVersion:     apiVersion,
		MessageID:      msg.GUID,
		AlertType:      alert,
		MessageType:    detectMessageType(msg),
		Recipient:      event.SenderAddress,
		DeliveryType:   deliveryType(msg),
		Text:           msg.Text,
		Subject:        msg.Subject,
		ThreadID:       msg.ThreadOriginatorGUID,
		ConversationID: msg.Conversation.GUID,
	}

	if kind == KindReaction {
		label, removed := reactionLabel(msg.AssociatedType)
		payload.Reaction = label
		if removed {
			payload.ReactionEvent = ReactionRemoved
		} else {
			payload.ReactionEvent = ReactionPlaced
		}
		event.RelatedEventID = associatedPartPrefix.ReplaceAllString(msg.AssociatedGUID, "")
		payload.AssociatedMessageID = event.RelatedEventID
	}

	// Attachments travel as download references; bytes never ride along.
	for _, att := range msg.Attachments {
		event.Attachments = append(event.Attachments, downloadReference(cfg, att))
	}
	payload.Attachments = event.Attachments

	if cfg.IncludeConversation {
		payload.Group = groupBlock(*msg.Conversation)
	}

	if msg.IsFromMe && (kind == KindNew || kind == KindConversationCreated) {
		success := true
		payload.Success = &success
	}

	event.Payload = payload
	return event, nil
}

// classify applies the fixed first-match-wins classification order.
func classify(msg record.Message, rel Related) Kind {
	switch {
	case msg.AssociatedType != "":
		return KindReaction
	case rel.FirstForConversation:
		return KindConversationCreated
	case msg.RetractedAt != nil:
		return KindRetracted
	case msg.EditedAt != nil:
		return KindEdited
	default:
		return KindNew
	}
}

func alertFor(kind Kind, fromMe bool) AlertType {
	switch kind {
	case KindReaction:
		return AlertReaction
	case KindConversationCreated:
		return AlertConversationCreated
	case KindRetracted:
		return AlertRetracted
	case KindEdited:
		return AlertEdited
	default:
		if fromMe {
			return AlertSent
		}
		return AlertInbound
	}
}

// reactionLabel resolves a tapback code to its wire label; a leading negation
// marker flips the lifecycle to removed.
func reactionLabel(code string) (label string, removed bool) {
	trimmed := strings.TrimSpace(code)
	removed = strings.HasPrefix(trimmed, "-")
	trimmed = strings.TrimPrefix(trimmed, "-")
	if mapped, ok := reactionLabels[trimmed]; ok {
		return mapped, removed
	}
	return "unknown", removed
}

func detectMessageType(msg record.Message) string {
	switch {
	case msg.AssociatedType != "":
		return "reaction"
	case msg.IsAudioMessage:
		return "audio"
	case len(msg.Attachments) > 0:
		return "attachments"
	case strings.Contains(msg.BalloonBundleID, "Sticker"):
		return "sticker"
	default:
		return "text"
	}
}

func deliveryType(msg record.Message) string {
	service := msg.Service
	if msg.Sender != nil && msg.Sender.Service != "" {
		service = msg.Sender.Service
	}
	if strings.EqualFold(service, "sms") {
		return "sms"
	}
	return "imessage"
}

func senderAddress(msg record.Message) string {
	if msg.Sender != nil && msg.Sender.Address != "" {
		return msg.Sender.Address
	}
	return "unknown"
}

func downloadReference(cfg Config, att record.Attachment) string {
	base := strings.TrimRight(cfg.AttachmentBaseURL, "/")
	if base == "" {
		base = "file:///Attachments"
	}
	return base + "/" + att.GUID
}

func groupBlock(conv record.Conversation) *Group {
	if !conv.IsGroup() {
		return nil
	}
	return &Group{
		GroupID:      conv.GUID,
		Name:         conv.DisplayName,
		Participants: conv.Participants,
	}
}
