package queue

import "time"

type enqueueOptions struct {
	priority    int
	delay       time.Duration
	maxAttempts int
}

// EnqueueOption adjusts a single submission.
type EnqueueOption func(*enqueueOptions)

// WithPriority sets the scheduling priority. Higher runs first.
func WithPriority(p int) EnqueueOption {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithDelay holds the job back for d before it becomes claimable.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		if d > 0 {
			o.delay = d
		}
	}
}

// WithMaxAttempts overrides the service-wide attempt cap for this job.
func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}
