package metrics

import (
	"sync"
)

// Metrics tracks queue counters for the /metrics endpoint.
type Metrics struct {
	mu sync.RWMutex

	submitted int64
	completed int64
	failed    int64
	retried   int64
	reaped    int64
	evicted   int64
	cancelled int64
}

// New creates a zeroed metrics instance.
func New() *Metrics {
	return &Metrics{}
}

// IncSubmitted records an accepted submission.
func (m *Metrics) IncSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted++
}

// IncCompleted records a successfully completed job.
func (m *Metrics) IncCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

// IncFailed records a terminally failed job.
func (m *Metrics) IncFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed++
}

// IncRetried records a job scheduled for another attempt.
func (m *Metrics) IncRetried() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retried++
}

// IncReaped records an expired active job reclaimed by the reaper.
func (m *Metrics) IncReaped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reaped++
}

// AddEvicted records terminal jobs removed by the retention janitor.
func (m *Metrics) AddEvicted(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted += n
}

// IncCancelled records a caller-cancelled job.
func (m *Metrics) IncCancelled() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled++
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"submitted_jobs": m.submitted,
		"completed_jobs": m.completed,
		"failed_jobs":    m.failed,
		"retried_jobs":   m.retried,
		"reaped_jobs":    m.reaped,
		"evicted_jobs":   m.evicted,
		"cancelled_jobs": m.cancelled,
	}
}
