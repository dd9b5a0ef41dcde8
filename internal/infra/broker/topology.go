// Package broker owns the AMQP topology and the publish/consume paths for
// dispatch jobs.
package broker

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// Exchange fans every dispatch job out to the main queue.
	Exchange = "webhook.dispatch"

	// MainQueue is the work queue delivery workers consume from.
	MainQueue = "webhook.dispatch.q"

	retryQueuePrefix = "webhook.dispatch.retry."
)

// DefaultRetryDelays is the escalating parking schedule for failed jobs.
var DefaultRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Tier is one retry parking queue. Messages sit in it for TTL, then dead
// letter back into the exchange and re-enter the main queue.
type Tier struct {
	Queue string
	TTL   time.Duration
}

// RetryTiers derives the tier list from the configured delays. Tier numbers
// start at 1 and appear in the queue name.
func RetryTiers(delays []time.Duration) []Tier {
	if len(delays) == 0 {
		delays = DefaultRetryDelays
	}
	tiers := make([]Tier, 0, len(delays))
	for i, ttl := range delays {
		tiers = append(tiers, Tier{Queue: retryQueuePrefix + strconv.Itoa(i+1), TTL: ttl})
	}
	return tiers
}

// DeclareTopology declares the exchange, the main queue, and every retry
// tier. All declarations are durable and idempotent, so the call is safe on
// every (re)connect.
func DeclareTopology(ch *amqp.Channel, tiers []Tier) error {
	if err := ch.ExchangeDeclare(Exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", Exchange, err)
	}
	if _, err := ch.QueueDeclare(MainQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", MainQueue, err)
	}
	if err := ch.QueueBind(MainQueue, "", Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", MainQueue, err)
	}
	for _, tier := range tiers {
		// Retry queues are fed directly through the default exchange and
		// drain back into the fanout exchange when the TTL expires.
		args := amqp.Table{
			"x-message-ttl":          tier.TTL.Milliseconds(),
			"x-dead-letter-exchange": Exchange,
		}
		if _, err := ch.QueueDeclare(tier.Queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declare queue %s: %w", tier.Queue, err)
		}
	}
	return nil
}
