package retention

import (
	"context"
	"testing"
	"time"

	"storyqueue/internal/metrics"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

func terminalJob(id string, finished time.Time) *models.Job {
	f := finished
	return &models.Job{
		ID:          id,
		Queue:       "stories",
		Status:      models.StatusCompleted,
		MaxAttempts: 1,
		CreatedAt:   finished.Add(-time.Minute),
		FinishedAt:  &f,
	}
}

func TestSweepEvictsOldTerminalJobs(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	old := terminalJob("old", time.Now().UTC().Add(-48*time.Hour))
	fresh := terminalJob("fresh", time.Now().UTC())
	mem.CreateJob(ctx, old)
	mem.CreateJob(ctx, fresh)

	m := metrics.New()
	j := New(mem, Options{MaxAge: 24 * time.Hour, MaxCount: -1, Metrics: m})
	j.Sweep(ctx)

	if _, err := mem.GetJob(ctx, "old"); err != store.ErrNotFound {
		t.Errorf("old job still present, err = %v", err)
	}
	if _, err := mem.GetJob(ctx, "fresh"); err != nil {
		t.Errorf("fresh job evicted: %v", err)
	}
	if n := m.Snapshot()["evicted_jobs"]; n != 1 {
		t.Errorf("evicted counter = %d, want 1", n)
	}
}

func TestSweepEnforcesCountCap(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	now := time.Now().UTC()
	for i, id := range []string{"a", "b", "c"} {
		mem.CreateJob(ctx, terminalJob(id, now.Add(time.Duration(i)*time.Minute)))
	}

	j := New(mem, Options{MaxAge: 24 * time.Hour, MaxCount: 1})
	j.Sweep(ctx)

	// Only the newest finisher survives.
	if _, err := mem.GetJob(ctx, "c"); err != nil {
		t.Errorf("newest job evicted: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if _, err := mem.GetJob(ctx, id); err != store.ErrNotFound {
			t.Errorf("job %s still present, err = %v", id, err)
		}
	}
}
