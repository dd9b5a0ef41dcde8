package broker

import (
	"context"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one decoded envelope. A nil return acknowledges the
// message; an error requeues it for another consumer.
type Handler func(ctx context.Context, env Envelope) error

// Consumer pulls jobs off the main queue one at a time. Each consumer owns
// its channel, so running several consumers gives parallel workers with a
// per-worker prefetch of one.
type Consumer struct {
	conn   *Connection
	tag    string
	logger *log.Logger
}

// NewConsumer builds a consumer with the given tag for broker-side
// identification.
func NewConsumer(conn *Connection, tag string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.New(log.Writer(), "consumer ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Consumer{conn: conn, tag: tag, logger: logger}
}

// Run consumes until ctx is done. When the channel drops it re-subscribes
// against the connection, which the watcher may have replaced in the
// meantime.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.consumeOnce(ctx, handler); err != nil {
			c.logger.Printf("consume channel lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context, handler Handler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// One unacked message per worker keeps redelivery windows small.
	if err := ch.Qos(1, 0, false); err != nil {
		return err
	}
	deliveries, err := ch.Consume(MainQueue, c.tag, false, false, false, false, nil)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery, handler Handler) {
	env, err := DecodeEnvelope(delivery)
	if err != nil {
		// Nothing downstream can use a message without an id. Drop it.
		c.logger.Printf("discarding undecodable delivery: %v", err)
		_ = delivery.Nack(false, false)
		return
	}
	if err := handler(ctx, env); err != nil {
		c.logger.Printf("job %s requeued: %v", env.JobID, err)
		_ = delivery.Nack(false, true)
		return
	}
	_ = delivery.Ack(false)
}
