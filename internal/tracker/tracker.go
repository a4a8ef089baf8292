// Package tracker serves the read side of the queue: job status lookups,
// listings, and bounded waits for completion.
package tracker

import (
	"context"
	"time"

	"storyqueue/internal/events"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

// pollInterval is the fallback wait granularity when no journal is wired.
const pollInterval = 250 * time.Millisecond

// Tracker answers status queries against the store, using the event journal
// to wait for completion without polling.
type Tracker struct {
	store   store.Store
	journal *events.Journal
}

// New builds a Tracker. journal may be nil, in which case Await polls.
func New(st store.Store, journal *events.Journal) *Tracker {
	return &Tracker{store: st, journal: journal}
}

// Get returns the job's current view.
func (t *Tracker) Get(ctx context.Context, id string) (*models.JobView, error) {
	job, err := t.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// List returns views of jobs in the given status, oldest first.
func (t *Tracker) List(ctx context.Context, status models.Status, limit int) ([]*models.JobView, error) {
	jobs, err := t.store.ListJobs(ctx, status, limit)
	if err != nil {
		return nil, err
	}
	views := make([]*models.JobView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View()
	}
	return views, nil
}

// Counts returns the number of jobs per lifecycle state.
func (t *Tracker) Counts(ctx context.Context) (map[models.Status]int, error) {
	return t.store.CountByStatus(ctx)
}

// Await blocks until the job reaches a terminal state or timeout elapses.
// The returned bool reports whether the job finished; on timeout the current
// view comes back so the caller can fall back to polling.
func (t *Tracker) Await(ctx context.Context, id string, timeout time.Duration) (*models.JobView, bool, error) {
	if t.journal == nil {
		return t.awaitPolling(ctx, id, timeout)
	}

	// Subscribe before the initial read so a transition between the two is
	// never missed.
	ch, cancel := t.journal.Subscribe(id)
	defer cancel()

	view, err := t.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if view.Status.Terminal() {
		return view, true, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-timer.C:
			view, err := t.Get(ctx, id)
			if err != nil {
				return nil, false, err
			}
			return view, view.Status.Terminal(), nil
		case ev, ok := <-ch:
			if !ok || ev.Status.Terminal() {
				view, err := t.Get(ctx, id)
				if err != nil {
					return nil, false, err
				}
				return view, true, nil
			}
		}
	}
}

func (t *Tracker) awaitPolling(ctx context.Context, id string, timeout time.Duration) (*models.JobView, bool, error) {
	deadline := time.Now().Add(timeout)
	for {
		view, err := t.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if view.Status.Terminal() {
			return view, true, nil
		}
		if time.Now().After(deadline) {
			return view, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}
