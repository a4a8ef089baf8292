// Package retention evicts old terminal jobs and trims the event journal so
// the store stays bounded.
package retention

import (
	"context"
	"time"

	"go.uber.org/zap"

	"storyqueue/internal/events"
	"storyqueue/internal/metrics"
	"storyqueue/internal/store"
)

// Options configures the janitor.
type Options struct {
	// MaxAge evicts terminal jobs finished longer ago than this.
	MaxAge time.Duration
	// MaxCount caps retained terminal jobs; newest finishers survive.
	// Negative disables the cap.
	MaxCount int
	// Interval is how often a pass runs.
	Interval time.Duration
	Journal  *events.Journal
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Janitor runs periodic retention passes.
type Janitor struct {
	store store.Store
	opts  Options
	log   *zap.Logger
}

// New builds a Janitor over st.
func New(st store.Store, opts Options) *Janitor {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 24 * time.Hour
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Janitor{store: st, opts: opts, log: opts.Logger}
}

// Run blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweep(ctx)
		}
	}
}

// Sweep runs a single retention pass.
func (j *Janitor) Sweep(ctx context.Context) { j.sweep(ctx) }

func (j *Janitor) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.opts.MaxAge)

	evicted, err := j.store.EvictTerminal(ctx, cutoff, j.opts.MaxCount)
	if err != nil {
		j.log.Warn("retention sweep failed", zap.Error(err))
		return
	}
	if evicted > 0 {
		if j.opts.Metrics != nil {
			j.opts.Metrics.AddEvicted(evicted)
		}
		j.log.Info("evicted terminal jobs", zap.Int64("count", evicted))
	}

	if j.opts.Journal == nil {
		return
	}
	trimmed, err := j.opts.Journal.TrimBefore(cutoff)
	if err != nil {
		j.log.Warn("journal trim failed", zap.Error(err))
		return
	}
	if trimmed > 0 {
		j.log.Info("trimmed journal events", zap.Int("count", trimmed))
	}
}
