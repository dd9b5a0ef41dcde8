package normalizer

import (
	json "github.com/goccy/go-json"
)

const apiVersion = "1.0"

// Group is the conversation block attached to group-style payloads only.
type Group struct {
	GroupID      string   `json:"group_id"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Payload is the wire body delivered to every registered webhook URL. Field
// names are part of the external contract and must not change.
type Payload struct {
	WebhookID           string    `json:"webhook_id"`
	APIVersion          string    `json:"api_version"`
	MessageID           string    `json:"message_id"`
	AlertType           AlertType `json:"alert_type"`
	MessageType         string    `json:"message_type"`
	Recipient           string    `json:"recipient"`
	DeliveryType        string    `json:"delivery_type"`
	ConversationID      string    `json:"conversation_id"`
	Text                string    `json:"text,omitempty"`
	Subject             string    `json:"subject,omitempty"`
	ThreadID            string    `json:"thread_id,omitempty"`
	Reaction            string    `json:"reaction,omitempty"`
	ReactionEvent       string    `json:"reaction_event,omitempty"`
	AssociatedMessageID string    `json:"associated_message_id,omitempty"`
	Attachments         []string  `json:"attachments,omitempty"`
	Group               *Group    `json:"group,omitempty"`
	Success             *bool     `json:"success,omitempty"`
}

// Encode renders the payload for publication. Encoding a well-formed payload
// never fails; the error return exists for the broker boundary.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePayload is the inverse of Encode, used by delivery workers.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
