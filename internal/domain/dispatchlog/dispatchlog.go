// Package dispatchlog defines persistence contracts for the idempotency guard
// and per-job delivery lifecycle records.
package dispatchlog

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Status tracks the lifecycle of one dispatch job.
type Status string

const (
	// StatusPending marks a job that has been admitted but not yet consumed.
	StatusPending Status = "pending"
	// StatusDelivering marks a job a worker has picked up.
	StatusDelivering Status = "delivering"
	// StatusSuccess marks a job delivered to every target URL.
	StatusSuccess Status = "success"
	// StatusFailed marks a job abandoned after the retry budget was spent.
	StatusFailed Status = "failed"
	// StatusDuplicate marks a job whose identity was admitted again while the
	// first admission never reached the queue. Such jobs are requeued on
	// detection and stay deliverable.
	StatusDuplicate Status = "duplicate"
)

// Entry captures the persisted state of one dispatch job. JobID doubles as the
// event identity, so the unique constraint on it is the dedupe linchpin.
type Entry struct {
	JobID     string
	MessageID string
	DeviceID  string
	URLs      []string
	Delivered int
	Attempts  int
	Status    Status
	// Published records that the job was handed to the queue. An entry that
	// is pending and unpublished was stranded between admission and publish.
	Published bool
	Payload   json.RawMessage
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store abstracts the dispatch log. Admit must be atomic: of any number of
// concurrent calls for the same job id exactly one observes admitted=true.
type Store interface {
	// Admit inserts a pending entry for the job. A uniqueness violation on
	// the job id reports admitted=false and no error.
	Admit(ctx context.Context, entry Entry) (admitted bool, err error)
	// MarkPublished records that the job's envelope reached the queue.
	MarkPublished(ctx context.Context, jobID string) error
	// MarkDelivering flags that a worker has taken the job. It reports false
	// when the entry already finished, which tells the worker to drop the
	// job without attempting delivery.
	MarkDelivering(ctx context.Context, jobID string) (bool, error)
	// RecordAttempt increments the attempt counter, records how many target
	// URLs the attempt reached, and stores the most recent error if any.
	RecordAttempt(ctx context.Context, jobID string, delivered int, lastError string) error
	// MarkSuccess transitions the job to its successful terminal state.
	MarkSuccess(ctx context.Context, jobID string) error
	// MarkFailed abandons the job after the retry budget is exhausted.
	MarkFailed(ctx context.Context, jobID string, lastError string) error
	// MarkDuplicate records that a second admission for the job was rejected.
	// It only flips entries that were never handed to the queue, so a job
	// with an envelope in flight can never be stranded by the flag.
	MarkDuplicate(ctx context.Context, jobID string) error
	// Get returns the entry for a job id.
	Get(ctx context.Context, jobID string) (Entry, error)
	// ListRecent returns the newest entries for observability surfaces.
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
}
