package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"storyqueue/internal/models"
)

// SQLite is the default durable store backend.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) a SQLite-backed store at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping verifies the connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		result TEXT,
		error TEXT,
		delay_until INTEGER,
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		worker_id TEXT,
		visibility_deadline INTEGER,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, priority, delay_until, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_visibility ON jobs(visibility_deadline);
	CREATE INDEX IF NOT EXISTS idx_jobs_finished ON jobs(finished_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateJob persists a new job.
func (s *SQLite) CreateJob(ctx context.Context, job *models.Job) error {
	payload, err := encodePayload(job.Payload)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, queue, payload, status, priority, attempts, max_attempts,
			delay_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Queue,
		payload,
		job.Status,
		job.Priority,
		job.Attempts,
		job.MaxAttempts,
		nullMs(job.DelayUntil),
		job.CreatedAt.UnixMilli(),
		job.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *SQLite) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns up to limit jobs with the given status, oldest first.
func (s *SQLite) ListJobs(ctx context.Context, status models.Status, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ClaimJob atomically claims the next eligible job inside a transaction.
func (s *SQLite) ClaimJob(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status IN (?, ?) AND (delay_until IS NULL OR delay_until <= ?)
		ORDER BY priority DESC, COALESCE(delay_until, created_at) ASC, created_at ASC
		LIMIT 1`,
		models.StatusQueued, models.StatusRetrying, now.UnixMilli(),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find eligible job: %w", err)
	}

	deadline := now.Add(visibility)
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, worker_id = ?, visibility_deadline = ?, delay_until = NULL,
			attempts = attempts + 1, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ?`,
		models.StatusActive, workerID, deadline.UnixMilli(),
		now.UnixMilli(), now.UnixMilli(), job.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.Status = models.StatusActive
	job.WorkerID = workerID
	job.VisibilityDeadline = &deadline
	job.DelayUntil = nil
	job.Attempts++
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	return job, nil
}

// AckJob marks an active job completed.
func (s *SQLite) AckJob(ctx context.Context, id, result string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ack: %w", err)
	}
	defer tx.Rollback()

	var status models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ack job %s: %w", id, err)
	}

	switch status {
	case models.StatusCompleted:
		// Duplicate ack is a no-op.
		return nil
	case models.StatusFailed:
		return ErrAlreadyFinished
	case models.StatusActive:
	default:
		return ErrNotActive
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, result = ?, worker_id = NULL, visibility_deadline = NULL,
			finished_at = ?, updated_at = ?
		WHERE id = ?`,
		models.StatusCompleted, result, now.UnixMilli(), now.UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return tx.Commit()
}

// NackJob records a failed attempt on an active job.
func (s *SQLite) NackJob(ctx context.Context, id, reason string, terminal bool, retryAt time.Time) (models.Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin nack: %w", err)
	}
	defer tx.Rollback()

	var (
		status                models.Status
		attempts, maxAttempts int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts, max_attempts FROM jobs WHERE id = ?`, id,
	).Scan(&status, &attempts, &maxAttempts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("nack job %s: %w", id, err)
	}

	if status.Terminal() {
		// Duplicate nack is a no-op.
		return status, nil
	}
	if status != models.StatusActive {
		return status, ErrNotActive
	}

	now := time.Now().UTC()
	next := models.StatusRetrying
	if terminal || attempts >= maxAttempts {
		next = models.StatusFailed
	}

	if next == models.StatusFailed {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, error = ?, worker_id = NULL, visibility_deadline = NULL,
				finished_at = ?, updated_at = ?
			WHERE id = ?`,
			next, reason, now.UnixMilli(), now.UnixMilli(), id,
		)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, error = ?, worker_id = NULL, visibility_deadline = NULL,
				delay_until = ?, updated_at = ?
			WHERE id = ?`,
			next, reason, retryAt.UnixMilli(), now.UnixMilli(), id,
		)
	}
	if err != nil {
		return "", fmt.Errorf("nack job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit nack: %w", err)
	}
	return next, nil
}

// CancelQueued fails a queued or retrying job with the given reason.
func (s *SQLite) CancelQueued(ctx context.Context, id, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error = ?, delay_until = NULL, finished_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		models.StatusFailed, reason, now.UnixMilli(), now.UnixMilli(),
		id, models.StatusQueued, models.StatusRetrying,
	)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return n > 0, nil
}

// RequestCancel sets the cooperative-cancellation flag.
func (s *SQLite) RequestCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("request cancel for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request cancel for job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelRequested reports whether cancellation was requested.
func (s *SQLite) CancelRequested(ctx context.Context, id string) (bool, error) {
	var requested bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = ?`, id,
	).Scan(&requested)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("read cancel flag for job %s: %w", id, err)
	}
	return requested, nil
}

// ExpiredActive returns active jobs whose visibility deadline has passed.
func (s *SQLite) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = ? AND visibility_deadline IS NOT NULL AND visibility_deadline < ?
		ORDER BY visibility_deadline ASC
		LIMIT ?`,
		models.StatusActive, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// EvictTerminal removes old or excess terminal jobs.
func (s *SQLite) EvictTerminal(ctx context.Context, olderThan time.Time, keep int) (int64, error) {
	var total int64

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?) AND finished_at IS NOT NULL AND finished_at < ?`,
		models.StatusCompleted, models.StatusFailed, olderThan.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("evict terminal jobs by age: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict terminal jobs by age: %w", err)
	}
	total += n

	if keep >= 0 {
		res, err = s.db.ExecContext(ctx, `
			DELETE FROM jobs
			WHERE status IN (?, ?) AND id NOT IN (
				SELECT id FROM jobs
				WHERE status IN (?, ?)
				ORDER BY finished_at DESC
				LIMIT ?
			)`,
			models.StatusCompleted, models.StatusFailed,
			models.StatusCompleted, models.StatusFailed, keep,
		)
		if err != nil {
			return total, fmt.Errorf("evict terminal jobs by count: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("evict terminal jobs by count: %w", err)
		}
		total += n
	}

	return total, nil
}

// CountByStatus returns job counts per lifecycle state.
func (s *SQLite) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var (
			status models.Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}
