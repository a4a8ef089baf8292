package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"storyqueue/internal/backoff"
	"storyqueue/internal/generator"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

func newService(t *testing.T, opts ServiceOptions) (*Service, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	if opts.Backoff == (backoff.Policy{}) {
		// Immediate retries keep tests fast.
		opts.Backoff = backoff.Policy{Base: time.Nanosecond, Max: time.Nanosecond}
	}
	return NewService(mem, opts), mem
}

var payload = models.Payload{Prompt: "a dragon who hates gold", Genre: "fantasy", Length: "short"}

func TestEnqueueDefaults(t *testing.T) {
	s, _ := newService(t, ServiceOptions{MaxAttempts: 3})

	job, err := s.Enqueue(context.Background(), "c1", payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.ID == "" {
		t.Error("job has no ID")
	}
	if job.Status != models.StatusQueued {
		t.Errorf("status = %s, want queued", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", job.MaxAttempts)
	}
	if job.DelayUntil != nil {
		t.Errorf("unexpected delay: %v", job.DelayUntil)
	}
}

func TestEnqueueOptions(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})

	job, err := s.Enqueue(context.Background(), "c1", payload,
		WithPriority(5), WithDelay(time.Hour), WithMaxAttempts(7))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Priority != 5 || job.MaxAttempts != 7 {
		t.Errorf("priority = %d, max attempts = %d", job.Priority, job.MaxAttempts)
	}
	if job.DelayUntil == nil || time.Until(*job.DelayUntil) < 50*time.Minute {
		t.Errorf("delay until = %v, want ~1h out", job.DelayUntil)
	}
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})

	for _, p := range []models.Payload{
		{},
		{Prompt: "   "},
	} {
		if _, err := s.Enqueue(context.Background(), "c1", p); !errors.Is(err, ErrInvalidPayload) {
			t.Errorf("payload %+v: err = %v, want ErrInvalidPayload", p, err)
		}
	}
}

func TestEnqueueRateLimitPerClient(t *testing.T) {
	s, _ := newService(t, ServiceOptions{SubmissionsPerMinute: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := s.Enqueue(ctx, "c1", payload); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if _, err := s.Enqueue(ctx, "c1", payload); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("err = %v, want ErrRateLimited", err)
	}

	// A different client has its own window.
	if _, err := s.Enqueue(ctx, "c2", payload); err != nil {
		t.Errorf("other client limited: %v", err)
	}
}

func TestDequeueEmptyQueue(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})

	job, err := s.Dequeue(context.Background(), "w1", time.Minute)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job != nil {
		t.Fatalf("got job %+v from empty queue", job)
	}
}

func TestAckCompletesJob(t *testing.T) {
	s, mem := newService(t, ServiceOptions{})
	ctx := context.Background()

	queued, err := s.Enqueue(ctx, "c1", payload)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := s.Dequeue(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}
	if job.ID != queued.ID {
		t.Fatalf("claimed %s, want %s", job.ID, queued.ID)
	}

	if err := s.Ack(ctx, job, "the story"); err != nil {
		t.Fatalf("ack: %v", err)
	}

	got, err := mem.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusCompleted || got.Result != "the story" {
		t.Errorf("job = %+v", got)
	}
	if n := s.Metrics().Snapshot()["completed_jobs"]; n != 1 {
		t.Errorf("completed counter = %d, want 1", n)
	}
}

func TestNackTransientSchedulesRetry(t *testing.T) {
	s, mem := newService(t, ServiceOptions{MaxAttempts: 3})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	job, _ := s.Dequeue(ctx, "w1", time.Minute)

	cause := &generator.Error{Status: 503, Message: "overloaded", Transient: true}
	status, err := s.Nack(ctx, job, cause)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if status != models.StatusRetrying {
		t.Fatalf("status = %s, want retrying", status)
	}

	got, _ := mem.GetJob(ctx, job.ID)
	if got.Error == "" {
		t.Error("failure reason not recorded")
	}
	if n := s.Metrics().Snapshot()["retried_jobs"]; n != 1 {
		t.Errorf("retried counter = %d, want 1", n)
	}
}

func TestNackTerminalErrorFailsImmediately(t *testing.T) {
	s, mem := newService(t, ServiceOptions{MaxAttempts: 5})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	job, _ := s.Dequeue(ctx, "w1", time.Minute)

	cause := &generator.Error{Status: 400, Message: "prompt rejected", Transient: false}
	status, err := s.Nack(ctx, job, cause)
	if err != nil {
		t.Fatalf("nack: %v", err)
	}
	if status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", status)
	}

	got, _ := mem.GetJob(ctx, job.ID)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if n := s.Metrics().Snapshot()["failed_jobs"]; n != 1 {
		t.Errorf("failed counter = %d, want 1", n)
	}
}

func TestNackExhaustsAttempts(t *testing.T) {
	s, _ := newService(t, ServiceOptions{MaxAttempts: 2})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	cause := &generator.Error{Status: 500, Message: "boom", Transient: true}

	job, _ := s.Dequeue(ctx, "w1", time.Minute)
	if status, _ := s.Nack(ctx, job, cause); status != models.StatusRetrying {
		t.Fatalf("first nack status = %s, want retrying", status)
	}

	job, err := s.Dequeue(ctx, "w1", time.Minute)
	if err != nil || job == nil {
		t.Fatalf("second dequeue: job=%v err=%v", job, err)
	}
	if status, _ := s.Nack(ctx, job, cause); status != models.StatusFailed {
		t.Fatalf("second nack status = %s, want failed", status)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	s, mem := newService(t, ServiceOptions{})
	ctx := context.Background()

	job, _ := s.Enqueue(ctx, "c1", payload)

	stopped, err := s.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !stopped {
		t.Fatal("queued job not stopped immediately")
	}

	got, _ := mem.GetJob(ctx, job.ID)
	if got.Status != models.StatusFailed || got.Error != "cancelled" {
		t.Errorf("job = %+v", got)
	}
	if n := s.Metrics().Snapshot()["cancelled_jobs"]; n != 1 {
		t.Errorf("cancelled counter = %d, want 1", n)
	}
}

func TestCancelActiveJobSetsFlag(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	job, _ := s.Dequeue(ctx, "w1", time.Minute)

	stopped, err := s.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if stopped {
		t.Fatal("active job reported as stopped immediately")
	}

	requested, err := s.CancelRequested(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel requested: %v", err)
	}
	if !requested {
		t.Error("cancel flag not set")
	}
}

func TestCancelFinishedJobFails(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	job, _ := s.Dequeue(ctx, "w1", time.Minute)
	s.Ack(ctx, job, "done")

	if _, err := s.Cancel(ctx, job.ID); !errors.Is(err, store.ErrAlreadyFinished) {
		t.Fatalf("err = %v, want ErrAlreadyFinished", err)
	}
}

func TestCancelUnknownJob(t *testing.T) {
	s, _ := newService(t, ServiceOptions{})

	if _, err := s.Cancel(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReapExpiredReschedules(t *testing.T) {
	s, mem := newService(t, ServiceOptions{MaxAttempts: 3})
	ctx := context.Background()

	s.Enqueue(ctx, "c1", payload)
	// Claim with an already-expired visibility window.
	job, err := s.Dequeue(ctx, "w1", -time.Second)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	reaped, err := s.ReapExpired(ctx, 10)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}

	got, _ := mem.GetJob(ctx, job.ID)
	if got.Status != models.StatusRetrying {
		t.Errorf("status = %s, want retrying", got.Status)
	}
	snap := s.Metrics().Snapshot()
	if snap["reaped_jobs"] != 1 || snap["retried_jobs"] != 1 {
		t.Errorf("counters = %v", snap)
	}
}
