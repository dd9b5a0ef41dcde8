package broker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
)

// attemptsHeader carries the cumulative delivery attempt count across
// requeues. The broker preserves it; workers increment it.
const attemptsHeader = "x-attempts"

// Envelope is one dispatch job as it crosses the broker.
type Envelope struct {
	JobID    string
	Attempts int32
	Body     []byte
}

// publishing renders the envelope as a persistent AMQP message.
func (e Envelope) publishing() amqp.Publishing {
	return amqp.Publishing{
		MessageId:    e.JobID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{attemptsHeader: e.Attempts},
		Body:         e.Body,
	}
}

// DecodeEnvelope reconstructs an envelope from a raw delivery. A missing or
// malformed attempts header counts as the first attempt rather than failing
// the message.
func DecodeEnvelope(delivery amqp.Delivery) (Envelope, error) {
	if delivery.MessageId == "" {
		return Envelope{}, errs.New("broker", errs.CodeInvalid, errs.WithMessage("delivery has no message id"))
	}
	env := Envelope{
		JobID:    delivery.MessageId,
		Attempts: 1,
		Body:     delivery.Body,
	}
	if raw, ok := delivery.Headers[attemptsHeader]; ok {
		switch v := raw.(type) {
		case int32:
			env.Attempts = v
		case int64:
			env.Attempts = int32(v)
		case int:
			env.Attempts = int32(v)
		}
		if env.Attempts < 1 {
			env.Attempts = 1
		}
	}
	return env, nil
}
