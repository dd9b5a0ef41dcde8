package delivery

import (
	"context"
	"fmt"
	"log"

	"github.com/sourcegraph/conc"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
)

// DefaultWorkers is the consumer count when the config leaves it unset.
const DefaultWorkers = 4

// Pool runs a fixed set of queue consumers, each feeding the shared worker.
type Pool struct {
	conn   *broker.Connection
	worker *Worker
	size   int
	logger *log.Logger
}

// NewPool builds a pool of size consumers.
func NewPool(conn *broker.Connection, worker *Worker, size int, logger *log.Logger) *Pool {
	if size <= 0 {
		size = DefaultWorkers
	}
	if logger == nil {
		logger = log.New(log.Writer(), "delivery ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Pool{conn: conn, worker: worker, size: size, logger: logger}
}

// Run blocks until ctx is done and every consumer has drained out.
func (p *Pool) Run(ctx context.Context) error {
	var wg conc.WaitGroup
	for i := 0; i < p.size; i++ {
		tag := fmt.Sprintf("delivery-worker-%d", i+1)
		wg.Go(func() {
			if err := broker.NewConsumer(p.conn, tag, p.logger).Run(ctx, p.worker.Process); err != nil && ctx.Err() == nil {
				p.logger.Printf("%s stopped: %v", tag, err)
			}
		})
	}
	wg.Wait()
	return ctx.Err()
}
