// Package ingest admits normalized events into the dispatch log and hands
// them to the queue as durable jobs.
package ingest

import (
	"context"
	"log"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/normalizer"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/poller"
)

// TargetResolver supplies the webhook URLs for the device at admission time.
// The URL set is snapshotted into the dispatch log entry, so registration
// changes never affect jobs already admitted.
type TargetResolver interface {
	TargetURLs(ctx context.Context) (deviceID string, urls []string, err error)
}

// Publisher is the queue-side surface the ingestor needs.
type Publisher interface {
	Publish(ctx context.Context, env broker.Envelope) error
}

// Ingestor is the poller sink. Each change flows normalize, admit, publish.
// A rejected admission usually ends the flow silently; the exception is an
// entry stranded before publish, which gets requeued under the same job id.
type Ingestor struct {
	store     dispatchlog.Store
	publisher Publisher
	targets   TargetResolver
	cfg       normalizer.Config
	logger    *log.Logger
}

// New builds an ingestor.
func New(store dispatchlog.Store, publisher Publisher, targets TargetResolver, cfg normalizer.Config, logger *log.Logger) *Ingestor {
	if logger == nil {
		logger = log.New(log.Writer(), "ingest ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Ingestor{store: store, publisher: publisher, targets: targets, cfg: cfg, logger: logger}
}

// Handle implements poller.Sink.
func (i *Ingestor) Handle(ctx context.Context, change poller.Change) error {
	event, err := normalizer.Normalize(change.Message, normalizer.Related{
		FirstForConversation: change.FirstForConversation,
	}, i.cfg)
	if err != nil {
		return err
	}

	deviceID, urls, err := i.targets.TargetURLs(ctx)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		i.logger.Printf("job %s skipped: no webhook targets registered", event.Identity)
		return nil
	}

	body, err := event.Payload.Encode()
	if err != nil {
		return errs.New("ingest", errs.CodeInvalid,
			errs.WithMessagef("encode payload for %s", event.Identity), errs.WithCause(err))
	}

	admitted, err := i.store.Admit(ctx, dispatchlog.Entry{
		JobID:     event.Identity,
		MessageID: change.Message.GUID,
		DeviceID:  deviceID,
		URLs:      urls,
		Status:    dispatchlog.StatusPending,
		Payload:   body,
	})
	if err != nil {
		return err
	}
	if !admitted {
		observability.Telemetry().IncCounter(observability.MetricEventsDuplicate, 1, nil)
		return i.recoverRejected(ctx, event.Identity, body)
	}
	observability.Telemetry().IncCounter(observability.MetricEventsAdmitted, 1, nil)

	env := broker.Envelope{JobID: event.Identity, Attempts: 1, Body: body}
	if err := i.publisher.Publish(ctx, env); err != nil {
		// The entry stays pending and unpublished; the next detection of the
		// record inside the lookback window requeues it.
		return err
	}
	if err := i.store.MarkPublished(ctx, event.Identity); err != nil {
		i.logger.Printf("job %s publish flag failed: %v", event.Identity, err)
	}
	i.logger.Printf("job %s admitted kind=%s conversation=%s", event.Identity, event.Kind, event.ConversationID)
	return nil
}

// recoverRejected handles a rejected admission. The common case is an entry
// already queued or finished, which needs nothing. An entry whose envelope
// never reached the queue is flagged and requeued so it still gets delivered.
func (i *Ingestor) recoverRejected(ctx context.Context, jobID string, body []byte) error {
	entry, err := i.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if entry.Published {
		return nil
	}
	switch entry.Status {
	case dispatchlog.StatusPending, dispatchlog.StatusDuplicate:
	default:
		return nil
	}
	if err := i.store.MarkDuplicate(ctx, jobID); err != nil {
		i.logger.Printf("job %s duplicate flag failed: %v", jobID, err)
	}
	if err := i.publisher.Publish(ctx, broker.Envelope{JobID: jobID, Attempts: 1, Body: body}); err != nil {
		return err
	}
	if err := i.store.MarkPublished(ctx, jobID); err != nil {
		i.logger.Printf("job %s publish flag failed: %v", jobID, err)
	}
	i.logger.Printf("job %s requeued: earlier admission never reached the queue", jobID)
	return nil
}

var _ poller.Sink = (*Ingestor)(nil)
