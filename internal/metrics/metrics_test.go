package metrics

import (
	"sync"
	"testing"
)

func TestCountersIncrement(t *testing.T) {
	m := New()

	m.IncSubmitted()
	m.IncSubmitted()
	m.IncCompleted()
	m.IncFailed()
	m.IncRetried()
	m.IncReaped()
	m.AddEvicted(3)
	m.IncCancelled()

	snap := m.Snapshot()
	want := map[string]int64{
		"submitted_jobs": 2,
		"completed_jobs": 1,
		"failed_jobs":    1,
		"retried_jobs":   1,
		"reaped_jobs":    1,
		"evicted_jobs":   3,
		"cancelled_jobs": 1,
	}
	for k, v := range want {
		if snap[k] != v {
			t.Errorf("%s = %d, want %d", k, snap[k], v)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.IncSubmitted()

	snap := m.Snapshot()
	snap["submitted_jobs"] = 100

	if got := m.Snapshot()["submitted_jobs"]; got != 1 {
		t.Errorf("mutating snapshot leaked into metrics: got %d, want 1", got)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	m := New()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.IncSubmitted()
				m.IncCompleted()
			}
		}()
	}
	wg.Wait()

	snap := m.Snapshot()
	if snap["submitted_jobs"] != 5000 {
		t.Errorf("submitted_jobs = %d, want 5000", snap["submitted_jobs"])
	}
	if snap["completed_jobs"] != 5000 {
		t.Errorf("completed_jobs = %d, want 5000", snap["completed_jobs"])
	}
}
