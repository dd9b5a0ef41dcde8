package broker

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

const maxReconnectInterval = 30 * time.Second

// Connection maintains a single AMQP connection, redeclaring the topology
// after every (re)dial. Channel handout is serialized; channels themselves
// are owned by their callers.
type Connection struct {
	url    string
	tiers  []Tier
	logger *log.Logger
	bus    observability.TelemetryBus

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// Dial connects to the broker and declares the full topology before
// returning. It blocks until the first connection succeeds or ctx is done,
// backing off between attempts. A nil bus suppresses ops telemetry.
func Dial(ctx context.Context, url string, tiers []Tier, logger *log.Logger, bus observability.TelemetryBus) (*Connection, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "broker ", log.LstdFlags|log.Lmsgprefix)
	}
	if len(tiers) == 0 {
		tiers = RetryTiers(nil)
	}
	c := &Connection{url: url, tiers: tiers, logger: logger, bus: bus}

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval
	for {
		if err := c.connect(); err != nil {
			c.logger.Printf("dial failed: %v", err)
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			select {
			case <-ctx.Done():
				return nil, errs.New("broker", errs.CodeBroker,
					errs.WithMessage("broker unreachable"), errs.WithCause(ctx.Err()))
			case <-time.After(sleep):
				continue
			}
		}
		return c, nil
	}
}

// connect dials, declares topology, and installs a close watcher.
func (c *Connection) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := DeclareTopology(ch, c.tiers); err != nil {
		ch.Close()
		conn.Close()
		return err
	}
	ch.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.watch(conn)
	return nil
}

// watch redials with backoff once the underlying connection drops.
func (c *Connection) watch(conn *amqp.Connection) {
	reason, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if !ok {
		// Clean shutdown.
		return
	}
	c.logger.Printf("connection lost: %v", reason)

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval
	for {
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.connect(); err != nil {
			sleep := backoffCfg.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectInterval
			}
			c.logger.Printf("reconnect failed, retrying in %s: %v", sleep, err)
			time.Sleep(sleep)
			continue
		}
		observability.Telemetry().IncCounter(observability.MetricBrokerReconnects, 1, nil)
		c.publishReconnected(reason)
		c.logger.Printf("reconnected")
		return
	}
}

// Channel opens a fresh channel on the live connection.
func (c *Connection) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil || conn.IsClosed() {
		return nil, errs.New("broker", errs.CodeBroker, errs.WithMessage("connection not available"))
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errs.New("broker", errs.CodeBroker,
			errs.WithMessage("open channel"), errs.WithCause(err))
	}
	return ch, nil
}

// Close tears the connection down and stops reconnecting.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

func (c *Connection) publishReconnected(reason *amqp.Error) {
	if c.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventBrokerReconnected,
		Severity:  observability.TelemetrySeverityWarn,
		Timestamp: time.Now().UTC(),
		Metadata:  map[string]any{"cause": reason.Error()},
	}
	if err := c.bus.Publish(context.Background(), event); err != nil {
		c.logger.Printf("telemetry publish failed: %v", err)
	}
}
