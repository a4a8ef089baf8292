// Package store persists job records and owns the serialization discipline
// for claim, ack, and nack. The store is the single source of truth for job
// state; no in-process locking guards it.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storyqueue/internal/models"
)

var (
	// ErrNotFound is returned for unknown job IDs.
	ErrNotFound = errors.New("store: job not found")
	// ErrNotActive is returned when ack/nack targets a job this worker no
	// longer holds (typically reclaimed by the reaper).
	ErrNotActive = errors.New("store: job is not active")
	// ErrAlreadyFinished is returned when an operation targets a job in a
	// terminal state it cannot apply to.
	ErrAlreadyFinished = errors.New("store: job already finished")
)

// Store is the durable job store contract implemented by the SQLite,
// Postgres, and in-memory backends.
type Store interface {
	// CreateJob persists a new job. The job must carry an ID and status
	// queued; CreatedAt is honored when set so callers control ordering.
	CreateJob(ctx context.Context, job *models.Job) error

	// GetJob returns the job with the given ID or ErrNotFound.
	GetJob(ctx context.Context, id string) (*models.Job, error)

	// ListJobs returns up to limit jobs with the given status, oldest first.
	ListJobs(ctx context.Context, status models.Status, limit int) ([]*models.Job, error)

	// ClaimJob atomically claims the next eligible job for workerID: status
	// queued or retrying, delay elapsed, ordered by priority descending then
	// eligibility time ascending then creation time ascending. The claim
	// increments the attempt counter and sets a visibility deadline. Returns
	// (nil, nil) when no job is eligible.
	ClaimJob(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error)

	// AckJob marks an active job completed and stores its result. Acking an
	// already-completed job is a no-op; acking a failed job returns
	// ErrAlreadyFinished; acking a requeued job returns ErrNotActive.
	AckJob(ctx context.Context, id, result string) error

	// NackJob records a failed attempt on an active job. When terminal is
	// set, or the attempt budget is exhausted, the job fails permanently;
	// otherwise it moves to retrying with the given retry time. Nacking a
	// job already in a terminal state is a no-op. Returns the resulting
	// status.
	NackJob(ctx context.Context, id, reason string, terminal bool, retryAt time.Time) (models.Status, error)

	// CancelQueued fails a queued or retrying job with the given reason.
	// Returns false when the job was not in a cancellable state.
	CancelQueued(ctx context.Context, id, reason string) (bool, error)

	// RequestCancel sets the cooperative-cancellation flag on a job.
	RequestCancel(ctx context.Context, id string) error

	// CancelRequested reports whether cancellation has been requested.
	CancelRequested(ctx context.Context, id string) (bool, error)

	// ExpiredActive returns up to limit active jobs whose visibility
	// deadline passed before now, oldest deadline first.
	ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)

	// EvictTerminal deletes terminal jobs finished before olderThan and, when
	// keep is non-negative, terminal jobs beyond the newest keep. Returns the
	// number of jobs removed. Non-terminal jobs are never touched.
	EvictTerminal(ctx context.Context, olderThan time.Time, keep int) (int64, error)

	// CountByStatus returns job counts per lifecycle state.
	CountByStatus(ctx context.Context) (map[models.Status]int, error)

	Ping(ctx context.Context) error
	Close() error
}

// jobColumns is the shared column order for the SQL backends; scanJob must
// match it.
const jobColumns = `id, queue, payload, status, priority, attempts, max_attempts,
	result, error, delay_until, cancel_requested, worker_id, visibility_deadline,
	created_at, started_at, finished_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job                  models.Job
		payload              []byte
		result, errMsg       sql.NullString
		workerID             sql.NullString
		delayUntil, deadline sql.NullInt64
		startedAt, finished  sql.NullInt64
		createdAt, updatedAt int64
	)

	err := row.Scan(
		&job.ID,
		&job.Queue,
		&payload,
		&job.Status,
		&job.Priority,
		&job.Attempts,
		&job.MaxAttempts,
		&result,
		&errMsg,
		&delayUntil,
		&job.CancelRequested,
		&workerID,
		&deadline,
		&createdAt,
		&startedAt,
		&finished,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("decode payload for job %s: %w", job.ID, err)
	}
	job.Result = result.String
	job.Error = errMsg.String
	job.WorkerID = workerID.String
	job.DelayUntil = msPtr(delayUntil)
	job.VisibilityDeadline = msPtr(deadline)
	job.StartedAt = msPtr(startedAt)
	job.FinishedAt = msPtr(finished)
	job.CreatedAt = time.UnixMilli(createdAt).UTC()
	job.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	return &job, nil
}

func msPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodePayload(p models.Payload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
