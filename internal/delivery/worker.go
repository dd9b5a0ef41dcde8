// Package delivery drains the dispatch queue and posts payloads to the
// registered webhook endpoints.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/infra/broker"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/observability"
)

const (
	// DefaultTimeout bounds one POST including connect and body read.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxRetries is the number of requeues after the first failed
	// attempt, so a job is attempted at most DefaultMaxRetries+1 times.
	DefaultMaxRetries = 3

	defaultRatePerSecond = 5
	defaultRateBurst     = 10
)

// RetryPublisher parks a failed job in the delay tier for its attempt.
type RetryPublisher interface {
	PublishRetry(ctx context.Context, env broker.Envelope, attempt int) error
}

// Config tunes the delivery path.
type Config struct {
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	RateBurst     int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = defaultRatePerSecond
	}
	if c.RateBurst <= 0 {
		c.RateBurst = defaultRateBurst
	}
	return c
}

// Worker executes dispatch jobs. Safe for concurrent use; the limiter map
// is shared so every worker honors the same per-host budget.
type Worker struct {
	store  dispatchlog.Store
	retry  RetryPublisher
	client *http.Client
	cfg    Config
	logger *log.Logger
	bus    observability.TelemetryBus

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewWorker builds a worker. A nil client gets a fresh one with the
// configured timeout; a nil bus suppresses ops telemetry.
func NewWorker(store dispatchlog.Store, retry RetryPublisher, client *http.Client, cfg Config, logger *log.Logger, bus observability.TelemetryBus) *Worker {
	cfg = cfg.withDefaults()
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = log.New(log.Writer(), "delivery ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Worker{
		store:    store,
		retry:    retry,
		client:   client,
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Process implements broker.Handler. A non-nil return requeues the message,
// so only infrastructure failures (store unreachable, retry publish failed)
// propagate; endpoint failures are routed through the delay tiers instead.
func (w *Worker) Process(ctx context.Context, env broker.Envelope) error {
	entry, err := w.store.Get(ctx, env.JobID)
	if err != nil {
		if errs.IsCode(err, errs.CodeNotFound) {
			// A job without a log entry cannot be tracked. Drop it.
			w.logger.Printf("job %s has no dispatch log entry, dropping", env.JobID)
			return nil
		}
		return err
	}

	ok, err := w.store.MarkDelivering(ctx, env.JobID)
	if err != nil {
		return err
	}
	if !ok {
		// Finished already. A second queue copy after a requeue lands here
		// once the first copy completed.
		w.logger.Printf("job %s no longer deliverable (status %s), dropping", env.JobID, entry.Status)
		return nil
	}

	observability.Telemetry().IncCounter(observability.MetricDeliveryAttempts, 1, nil)
	started := time.Now()
	delivered, postErr := w.postAll(ctx, entry.URLs, env.Body)
	elapsed := time.Since(started)

	if postErr == nil {
		if err := w.store.RecordAttempt(ctx, env.JobID, delivered, ""); err != nil {
			return err
		}
		if err := w.store.MarkSuccess(ctx, env.JobID); err != nil {
			return err
		}
		observability.Telemetry().IncCounter(observability.MetricDeliverySuccess, 1, nil)
		observability.Telemetry().ObserveHistogram(observability.MetricDeliveryLatency,
			float64(elapsed.Milliseconds()), map[string]string{"outcome": "success"})
		w.logger.Printf("job %s delivered to %d url(s) attempt=%d", env.JobID, delivered, env.Attempts)
		return nil
	}

	observability.Telemetry().ObserveHistogram(observability.MetricDeliveryLatency,
		float64(elapsed.Milliseconds()), map[string]string{"outcome": "failure"})
	if err := w.store.RecordAttempt(ctx, env.JobID, delivered, postErr.Error()); err != nil {
		return err
	}

	attempt := int(env.Attempts)
	if attempt <= w.cfg.MaxRetries {
		next := broker.Envelope{JobID: env.JobID, Attempts: env.Attempts + 1, Body: env.Body}
		if err := w.retry.PublishRetry(ctx, next, attempt); err != nil {
			return err
		}
		observability.Telemetry().IncCounter(observability.MetricDeliveryRetries, 1, nil)
		w.logger.Printf("job %s attempt %d failed, parked in tier %d: %v", env.JobID, attempt, attempt, postErr)
		return nil
	}

	if err := w.store.MarkFailed(ctx, env.JobID, postErr.Error()); err != nil {
		return err
	}
	observability.Telemetry().IncCounter(observability.MetricDeliveryFailed, 1, nil)
	w.logger.Printf("job %s abandoned after %d attempts: %v", env.JobID, attempt, postErr)
	w.publishAbandoned(ctx, env.JobID, attempt, postErr)
	return nil
}

// postAll posts the body to every URL in order. The first failure aborts the
// attempt; URLs already posted in this attempt are counted as delivered and
// will receive the payload again on retry, which endpoints tolerate thanks
// to the stable webhook id.
func (w *Worker) postAll(ctx context.Context, urls []string, body []byte) (int, error) {
	delivered := 0
	for _, target := range urls {
		if err := w.post(ctx, target, body); err != nil {
			return delivered, err
		}
		delivered++
	}
	return delivered, nil
}

func (w *Worker) post(ctx context.Context, target string, body []byte) error {
	if err := w.limiter(target).Wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return errs.New("delivery", errs.CodeInvalid,
			errs.WithMessagef("build request for %s", target), errs.WithCause(err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errs.New("delivery", errs.CodeDelivery,
			errs.WithMessagef("post %s", target), errs.WithCause(err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errs.New("delivery", errs.CodeDelivery,
			errs.WithMessagef("post %s: status %d", target, resp.StatusCode))
	}
	return nil
}

// limiter returns the shared per-host limiter for a target URL. Unparseable
// URLs share one bucket keyed by the raw string.
func (w *Worker) limiter(target string) *rate.Limiter {
	key := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		key = u.Host
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	limiter, ok := w.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(w.cfg.RatePerSecond), w.cfg.RateBurst)
		w.limiters[key] = limiter
	}
	return limiter
}

func (w *Worker) publishAbandoned(ctx context.Context, jobID string, attempts int, cause error) {
	if w.bus == nil {
		return
	}
	event := observability.TelemetryEvent{
		EventID:   uuid.NewString(),
		Type:      observability.TelemetryEventDeliveryAbandoned,
		Severity:  observability.TelemetrySeverityError,
		Timestamp: time.Now().UTC(),
		JobID:     jobID,
		Metadata: map[string]any{
			"attempts": attempts,
			"error":    fmt.Sprint(cause),
		},
	}
	if err := w.bus.Publish(ctx, event); err != nil {
		w.logger.Printf("telemetry publish failed: %v", err)
	}
}
