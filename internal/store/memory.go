package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"storyqueue/internal/models"
)

// Memory is an in-memory Store for tests and local development. It applies
// the same claim ordering and transition rules as the durable backends.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job)}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Ping is a no-op.
func (m *Memory) Ping(ctx context.Context) error { return nil }

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

// CreateJob persists a new job.
func (m *Memory) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Memory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

// ListJobs returns up to limit jobs with the given status, oldest first.
func (m *Memory) ListJobs(ctx context.Context, status models.Status, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var jobs []*models.Job
	for _, job := range m.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// ClaimJob atomically claims the next eligible job.
func (m *Memory) ClaimJob(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var best *models.Job
	for _, job := range m.jobs {
		if job.Status != models.StatusQueued && job.Status != models.StatusRetrying {
			continue
		}
		if job.DelayUntil != nil && job.DelayUntil.After(now) {
			continue
		}
		if best == nil || claimBefore(job, best) {
			best = job
		}
	}
	if best == nil {
		return nil, nil
	}

	deadline := now.Add(visibility)
	best.Status = models.StatusActive
	best.WorkerID = workerID
	best.VisibilityDeadline = &deadline
	best.DelayUntil = nil
	best.Attempts++
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}
	best.UpdatedAt = now
	return cloneJob(best), nil
}

// claimBefore reports whether a should be claimed before b: priority
// descending, eligibility time ascending, creation time ascending.
func claimBefore(a, b *models.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	ae, be := eligibleAt(a), eligibleAt(b)
	if !ae.Equal(be) {
		return ae.Before(be)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func eligibleAt(j *models.Job) time.Time {
	if j.DelayUntil != nil {
		return *j.DelayUntil
	}
	return j.CreatedAt
}

// AckJob marks an active job completed.
func (m *Memory) AckJob(ctx context.Context, id, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	switch job.Status {
	case models.StatusCompleted:
		return nil
	case models.StatusFailed:
		return ErrAlreadyFinished
	case models.StatusActive:
	default:
		return ErrNotActive
	}

	now := time.Now().UTC()
	job.Status = models.StatusCompleted
	job.Result = result
	job.WorkerID = ""
	job.VisibilityDeadline = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	return nil
}

// NackJob records a failed attempt on an active job.
func (m *Memory) NackJob(ctx context.Context, id, reason string, terminal bool, retryAt time.Time) (models.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return "", ErrNotFound
	}
	if job.Status.Terminal() {
		return job.Status, nil
	}
	if job.Status != models.StatusActive {
		return job.Status, ErrNotActive
	}

	now := time.Now().UTC()
	job.Error = reason
	job.WorkerID = ""
	job.VisibilityDeadline = nil
	job.UpdatedAt = now

	if terminal || job.Attempts >= job.MaxAttempts {
		job.Status = models.StatusFailed
		job.FinishedAt = &now
	} else {
		job.Status = models.StatusRetrying
		retry := retryAt
		job.DelayUntil = &retry
	}
	return job.Status, nil
}

// CancelQueued fails a queued or retrying job with the given reason.
func (m *Memory) CancelQueued(ctx context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if job.Status != models.StatusQueued && job.Status != models.StatusRetrying {
		return false, nil
	}

	now := time.Now().UTC()
	job.Status = models.StatusFailed
	job.Error = reason
	job.DelayUntil = nil
	job.FinishedAt = &now
	job.UpdatedAt = now
	return true, nil
}

// RequestCancel sets the cooperative-cancellation flag.
func (m *Memory) RequestCancel(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	job.CancelRequested = true
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// CancelRequested reports whether cancellation was requested.
func (m *Memory) CancelRequested(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	return job.CancelRequested, nil
}

// ExpiredActive returns active jobs whose visibility deadline has passed.
func (m *Memory) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var jobs []*models.Job
	for _, job := range m.jobs {
		if job.Status == models.StatusActive &&
			job.VisibilityDeadline != nil && job.VisibilityDeadline.Before(now) {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].VisibilityDeadline.Before(*jobs[k].VisibilityDeadline)
	})
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

// EvictTerminal removes old or excess terminal jobs.
func (m *Memory) EvictTerminal(ctx context.Context, olderThan time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	var terminal []*models.Job
	for id, job := range m.jobs {
		if !job.Status.Terminal() {
			continue
		}
		if job.FinishedAt != nil && job.FinishedAt.Before(olderThan) {
			delete(m.jobs, id)
			removed++
			continue
		}
		terminal = append(terminal, job)
	}

	if keep >= 0 && len(terminal) > keep {
		sort.Slice(terminal, func(i, k int) bool {
			return finishedAt(terminal[i]).After(finishedAt(terminal[k]))
		})
		for _, job := range terminal[keep:] {
			delete(m.jobs, job.ID)
			removed++
		}
	}
	return removed, nil
}

func finishedAt(j *models.Job) time.Time {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	return j.UpdatedAt
}

// CountByStatus returns job counts per lifecycle state.
func (m *Memory) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[models.Status]int)
	for _, job := range m.jobs {
		counts[job.Status]++
	}
	return counts, nil
}
