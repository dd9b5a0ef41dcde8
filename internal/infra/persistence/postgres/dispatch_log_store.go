package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whatisgenie/bluebubbles-standalone-webhook/errs"
	"github.com/whatisgenie/bluebubbles-standalone-webhook/internal/domain/dispatchlog"
)

// DispatchLogStore persists the per-job delivery lifecycle and backs the
// idempotency guard via the unique constraint on job_id.
type DispatchLogStore struct {
	pool *pgxpool.Pool
}

// NewDispatchLogStore constructs a DispatchLogStore backed by the provided pool.
func NewDispatchLogStore(pool *pgxpool.Pool) *DispatchLogStore {
	return &DispatchLogStore{pool: pool}
}

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

const (
	dispatchAdmitSQL = `
INSERT INTO dispatch_log (
    job_id,
    message_id,
    device_id,
    urls,
    status,
    payload
)
VALUES ($1, $2, $3, COALESCE($4, '{}'::text[]), 'pending', COALESCE($5::jsonb, '{}'::jsonb));
`

	dispatchMarkPublishedSQL = `
UPDATE dispatch_log
SET published = TRUE,
    updated_at = NOW()
WHERE job_id = $1;
`

	dispatchMarkDeliveringSQL = `
UPDATE dispatch_log
SET status = 'delivering',
    updated_at = NOW()
WHERE job_id = $1
  AND status IN ('pending', 'delivering', 'duplicate');
`

	dispatchRecordAttemptSQL = `
UPDATE dispatch_log
SET attempts = attempts + 1,
    delivered = GREATEST(delivered, $2),
    last_error = $3,
    updated_at = NOW()
WHERE job_id = $1;
`

	dispatchMarkSuccessSQL = `
UPDATE dispatch_log
SET status = 'success',
    last_error = '',
    updated_at = NOW()
WHERE job_id = $1
  AND status = 'delivering';
`

	dispatchMarkFailedSQL = `
UPDATE dispatch_log
SET status = 'failed',
    last_error = $2,
    updated_at = NOW()
WHERE job_id = $1;
`

	dispatchMarkDuplicateSQL = `
UPDATE dispatch_log
SET status = 'duplicate',
    updated_at = NOW()
WHERE job_id = $1
  AND status = 'pending'
  AND published = FALSE;
`

	dispatchGetSQL = `
SELECT
    job_id,
    message_id,
    device_id,
    urls,
    delivered,
    attempts,
    status,
    published,
    payload,
    last_error,
    created_at,
    updated_at
FROM dispatch_log
WHERE job_id = $1;
`

	dispatchListRecentSQL = `
SELECT
    job_id,
    message_id,
    device_id,
    urls,
    delivered,
    attempts,
    status,
    published,
    payload,
    last_error,
    created_at,
    updated_at
FROM dispatch_log
ORDER BY created_at DESC
LIMIT $1;
`
)

// Admit inserts a pending entry. A unique violation on job_id reports
// admitted=false without error; every other failure is surfaced.
func (s *DispatchLogStore) Admit(ctx context.Context, entry dispatchlog.Entry) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("dispatch log store: nil pool")
	}
	jobID := strings.TrimSpace(entry.JobID)
	if jobID == "" {
		return false, fmt.Errorf("dispatch log store: job id required")
	}
	_, err := s.pool.Exec(ctx, dispatchAdmitSQL,
		jobID, entry.MessageID, entry.DeviceID, entry.URLs, []byte(entry.Payload))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return false, nil
		}
		return false, fmt.Errorf("dispatch log store: admit %s: %w", jobID, err)
	}
	return true, nil
}

// MarkPublished records that the job's envelope reached the queue.
func (s *DispatchLogStore) MarkPublished(ctx context.Context, jobID string) error {
	if s.pool == nil {
		return fmt.Errorf("dispatch log store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, dispatchMarkPublishedSQL, jobID)
	if err != nil {
		return fmt.Errorf("dispatch log store: mark published %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatch log store: mark published %s: no rows updated", jobID)
	}
	return nil
}

// MarkDelivering flags that a worker took the job. False without error means
// the entry already finished and the job must be dropped.
func (s *DispatchLogStore) MarkDelivering(ctx context.Context, jobID string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("dispatch log store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, dispatchMarkDeliveringSQL, jobID)
	if err != nil {
		return false, fmt.Errorf("dispatch log store: mark delivering %s: %w", jobID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordAttempt increments the attempt counter and keeps the high-water
// delivered count across attempts.
func (s *DispatchLogStore) RecordAttempt(ctx context.Context, jobID string, delivered int, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("dispatch log store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, dispatchRecordAttemptSQL, jobID, delivered, strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("dispatch log store: record attempt %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatch log store: record attempt %s: no rows updated", jobID)
	}
	return nil
}

// MarkSuccess transitions a delivering job to its successful terminal state.
func (s *DispatchLogStore) MarkSuccess(ctx context.Context, jobID string) error {
	if s.pool == nil {
		return fmt.Errorf("dispatch log store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, dispatchMarkSuccessSQL, jobID)
	if err != nil {
		return fmt.Errorf("dispatch log store: mark success %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatch log store: mark success %s: no rows updated", jobID)
	}
	return nil
}

// MarkFailed abandons the job after the retry budget is exhausted.
func (s *DispatchLogStore) MarkFailed(ctx context.Context, jobID string, lastError string) error {
	if s.pool == nil {
		return fmt.Errorf("dispatch log store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, dispatchMarkFailedSQL, jobID, strings.TrimSpace(lastError))
	if err != nil {
		return fmt.Errorf("dispatch log store: mark failed %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispatch log store: mark failed %s: no rows updated", jobID)
	}
	return nil
}

// MarkDuplicate flags an entry whose identity was admitted a second time.
// The published guard keeps entries with an envelope in flight untouched, so
// affecting zero rows is the common case and not an error.
func (s *DispatchLogStore) MarkDuplicate(ctx context.Context, jobID string) error {
	if s.pool == nil {
		return fmt.Errorf("dispatch log store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, dispatchMarkDuplicateSQL, jobID); err != nil {
		return fmt.Errorf("dispatch log store: mark duplicate %s: %w", jobID, err)
	}
	return nil
}

// Get returns the entry for a job id.
func (s *DispatchLogStore) Get(ctx context.Context, jobID string) (dispatchlog.Entry, error) {
	if s.pool == nil {
		return dispatchlog.Entry{}, fmt.Errorf("dispatch log store: nil pool")
	}
	row := s.pool.QueryRow(ctx, dispatchGetSQL, jobID)
	entry, err := scanDispatchEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatchlog.Entry{}, errs.New("dispatchlog", errs.CodeNotFound,
				errs.WithMessagef("job %s not found", jobID))
		}
		return dispatchlog.Entry{}, err
	}
	return entry, nil
}

// ListRecent returns the newest entries for observability surfaces.
func (s *DispatchLogStore) ListRecent(ctx context.Context, limit int) ([]dispatchlog.Entry, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("dispatch log store: nil pool")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	} else if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	rows, err := s.pool.Query(ctx, dispatchListRecentSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("dispatch log store: list recent: %w", err)
	}
	defer rows.Close()

	var entries []dispatchlog.Entry
	for rows.Next() {
		entry, err := scanDispatchEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch log store: iterate recent: %w", err)
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDispatchEntry(row rowScanner) (dispatchlog.Entry, error) {
	var (
		entry     dispatchlog.Entry
		status    string
		payload   []byte
		lastError pgtype.Text
	)
	if err := row.Scan(
		&entry.JobID,
		&entry.MessageID,
		&entry.DeviceID,
		&entry.URLs,
		&entry.Delivered,
		&entry.Attempts,
		&status,
		&entry.Published,
		&payload,
		&lastError,
		&entry.CreatedAt,
		&entry.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispatchlog.Entry{}, err
		}
		return dispatchlog.Entry{}, fmt.Errorf("dispatch log store: scan entry: %w", err)
	}
	entry.Status = dispatchlog.Status(status)
	entry.Payload = payload
	if lastError.Valid {
		entry.LastError = lastError.String
	}
	return entry, nil
}

var _ dispatchlog.Store = (*DispatchLogStore)(nil)
