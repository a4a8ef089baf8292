// Package queue implements the job lifecycle on top of the durable store:
// submission, claiming, completion, retry scheduling, cancellation, and
// reclaiming jobs whose workers went silent.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storyqueue/internal/backoff"
	"storyqueue/internal/events"
	"storyqueue/internal/generator"
	"storyqueue/internal/metrics"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

// cancelReason is the error recorded on jobs failed by cancellation.
const cancelReason = "cancelled"

// ServiceOptions configures a Service. Zero values get sensible defaults.
type ServiceOptions struct {
	QueueName   string
	MaxAttempts int
	Backoff     backoff.Policy
	// SubmissionsPerMinute caps per-client submissions; zero disables.
	SubmissionsPerMinute int
	Journal              *events.Journal
	Metrics              *metrics.Metrics
	Logger               *zap.Logger
}

// Service coordinates all job state transitions. Every transition goes
// through the store first; the journal and counters record it after the
// store accepts it.
type Service struct {
	store   store.Store
	journal *events.Journal
	metrics *metrics.Metrics
	log     *zap.Logger

	queue       string
	maxAttempts int
	policy      backoff.Policy
	limiter     *rateLimiter
}

// NewService builds a Service over st.
func NewService(st store.Store, opts ServiceOptions) *Service {
	if opts.QueueName == "" {
		opts.QueueName = "stories"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff == (backoff.Policy{}) {
		opts.Backoff = backoff.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Service{
		store:       st,
		journal:     opts.Journal,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		queue:       opts.QueueName,
		maxAttempts: opts.MaxAttempts,
		policy:      opts.Backoff,
		limiter:     newRateLimiter(opts.SubmissionsPerMinute, time.Minute),
	}
}

// Metrics exposes the counter set shared with the HTTP layer.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

func (s *Service) record(job *models.Job, status models.Status, errMsg string) {
	if s.journal == nil {
		return
	}
	if _, err := s.journal.Append(job.ID, status, errMsg, job.Attempts); err != nil {
		s.log.Warn("journal append failed",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Enqueue validates and persists a new submission.
func (s *Service) Enqueue(ctx context.Context, clientID string, payload models.Payload, opts ...EnqueueOption) (*models.Job, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}
	if !s.limiter.allow(clientID) {
		return nil, ErrRateLimited
	}

	o := enqueueOptions{maxAttempts: s.maxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	job := &models.Job{
		ID:          uuid.NewString(),
		Queue:       s.queue,
		Payload:     payload,
		Status:      models.StatusQueued,
		Priority:    o.priority,
		MaxAttempts: o.maxAttempts,
	}
	if o.delay > 0 {
		until := time.Now().UTC().Add(o.delay)
		job.DelayUntil = &until
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.metrics.IncSubmitted()
	s.record(job, models.StatusQueued, "")
	s.log.Info("job enqueued",
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority),
		zap.Int("max_attempts", job.MaxAttempts))
	return job, nil
}

// Dequeue claims the next eligible job for workerID, or returns (nil, nil)
// when the queue is empty.
func (s *Service) Dequeue(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	job, err := s.store.ClaimJob(ctx, workerID, visibility)
	if err != nil || job == nil {
		return nil, err
	}
	s.record(job, models.StatusActive, "")
	return job, nil
}

// Ack marks the job completed with its result.
func (s *Service) Ack(ctx context.Context, job *models.Job, result string) error {
	if err := s.store.AckJob(ctx, job.ID, result); err != nil {
		return err
	}
	s.metrics.IncCompleted()
	s.record(job, models.StatusCompleted, "")
	s.log.Info("job completed",
		zap.String("job_id", job.ID), zap.Int("attempts", job.Attempts))
	return nil
}

// Nack records a failed attempt. The cause's retry classification and the
// job's remaining attempts decide between scheduling a retry and failing
// terminally.
func (s *Service) Nack(ctx context.Context, job *models.Job, cause error) (models.Status, error) {
	terminal := !generator.Retryable(cause)
	retryAt := time.Now().UTC().Add(s.policy.Delay(job.Attempts))

	status, err := s.store.NackJob(ctx, job.ID, cause.Error(), terminal, retryAt)
	if err != nil {
		return status, err
	}

	switch status {
	case models.StatusRetrying:
		s.metrics.IncRetried()
		s.record(job, status, cause.Error())
		s.log.Warn("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(cause))
	case models.StatusFailed:
		s.metrics.IncFailed()
		s.record(job, status, cause.Error())
		s.log.Error("job failed",
			zap.String("job_id", job.ID),
			zap.Int("attempts", job.Attempts),
			zap.Bool("terminal_error", terminal),
			zap.Error(cause))
	}
	return status, nil
}

// Cancel stops a job. Queued and retrying jobs fail immediately; an active
// job gets its cooperative-cancellation flag set and fails once its worker
// notices. Returns true when the job was stopped immediately.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	stopped, err := s.store.CancelQueued(ctx, id, cancelReason)
	if err != nil {
		return false, err
	}
	if stopped {
		job, err := s.store.GetJob(ctx, id)
		if err != nil {
			return true, err
		}
		s.metrics.IncCancelled()
		s.record(job, models.StatusFailed, cancelReason)
		s.log.Info("job cancelled", zap.String("job_id", id))
		return true, nil
	}

	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return false, err
	}
	if job.Status.Terminal() {
		return false, store.ErrAlreadyFinished
	}
	if err := s.store.RequestCancel(ctx, id); err != nil {
		return false, err
	}
	s.log.Info("job cancellation requested", zap.String("job_id", id))
	return false, nil
}

// FinishCancelled fails an active job whose worker observed the
// cooperative-cancellation flag.
func (s *Service) FinishCancelled(ctx context.Context, job *models.Job) error {
	status, err := s.store.NackJob(ctx, job.ID, cancelReason, true, time.Time{})
	if err != nil {
		return err
	}
	if status == models.StatusFailed {
		s.metrics.IncCancelled()
		s.record(job, status, cancelReason)
		s.log.Info("job cancelled by worker", zap.String("job_id", job.ID))
	}
	return nil
}

// CancelRequested reports whether a cancel was requested for an active job.
func (s *Service) CancelRequested(ctx context.Context, id string) (bool, error) {
	return s.store.CancelRequested(ctx, id)
}

// ReapExpired reclaims active jobs whose visibility deadline passed. Each is
// nacked on the missing worker's behalf with a transient failure, so the
// usual retry accounting applies.
func (s *Service) ReapExpired(ctx context.Context, limit int) (int, error) {
	expired, err := s.store.ExpiredActive(ctx, time.Now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range expired {
		retryAt := time.Now().UTC().Add(s.policy.Delay(job.Attempts))
		status, err := s.store.NackJob(ctx, job.ID, "visibility timeout expired", false, retryAt)
		if err != nil {
			s.log.Warn("reap failed",
				zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		reaped++
		s.metrics.IncReaped()
		switch status {
		case models.StatusRetrying:
			s.metrics.IncRetried()
		case models.StatusFailed:
			s.metrics.IncFailed()
		}
		s.record(job, status, "visibility timeout expired")
		s.log.Warn("reclaimed expired job",
			zap.String("job_id", job.ID),
			zap.String("worker_id", job.WorkerID),
			zap.String("status", string(status)))
	}
	return reaped, nil
}
