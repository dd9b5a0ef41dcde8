package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
)

// Publisher writes envelopes to the exchange or to a retry tier. It caches
// one channel and replaces it after a publish failure.
type Publisher struct {
	conn  *Connection
	tiers []Tier

	mu sync.Mutex
	ch *amqp.Channel
}

// NewPublisher builds a publisher over an established connection.
func NewPublisher(conn *Connection) *Publisher {
	return &Publisher{conn: conn, tiers: conn.tiers}
}

// Publish fans the envelope out to the main queue.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	return p.publish(ctx, Exchange, "", env)
}

// PublishRetry parks the envelope in the retry tier for the given attempt
// number (1-based: attempt 1 parks in tier 1). Attempts beyond the last tier
// are an error; callers abandon the job instead.
func (p *Publisher) PublishRetry(ctx context.Context, env Envelope, attempt int) error {
	if attempt < 1 || attempt > len(p.tiers) {
		return errs.New("broker", errs.CodeBroker, errs.WithMessagef("no retry tier for attempt %d", attempt))
	}
	return p.publish(ctx, "", p.tiers[attempt-1].Queue, env)
}

// Tiers exposes the retry schedule the publisher was built with.
func (p *Publisher) Tiers() []Tier {
	return p.tiers
}

func (p *Publisher) publish(ctx context.Context, exchange, key string, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		ch, err := p.conn.Channel()
		if err != nil {
			return err
		}
		p.ch = ch
	}
	if err := p.ch.PublishWithContext(ctx, exchange, key, false, false, env.publishing()); err != nil {
		// Drop the channel; the next publish reopens against the current
		// connection, which may itself have been replaced by the watcher.
		p.ch.Close()
		p.ch = nil
		return errs.New("broker", errs.CodeBroker,
			errs.WithMessagef("publish job %s", env.JobID), errs.WithCause(err))
	}
	return nil
}

// Close releases the cached channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
