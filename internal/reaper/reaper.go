// Package reaper periodically reclaims active jobs whose visibility deadline
// passed, which happens when a worker crashes or loses its lease.
package reaper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storyqueue/internal/queue"
)

const batchSize = 100

// Reaper drives queue.ReapExpired on an interval.
type Reaper struct {
	queue    *queue.Service
	interval time.Duration
	log      *zap.Logger
}

// New builds a Reaper ticking every interval.
func New(q *queue.Service, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{queue: q, interval: interval, log: log}
}

// Run blocks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.queue.ReapExpired(ctx, batchSize)
			if err != nil {
				r.log.Warn("reap pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.log.Info("reaped expired jobs", zap.Int("count", n))
			}
		}
	}
}
