// Package worker runs the fixed pool of goroutines that execute story jobs.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyqueue/internal/generator"
	"storyqueue/internal/models"
	"storyqueue/internal/queue"
)

// PoolOptions configures the worker pool.
type PoolOptions struct {
	// Count is the number of concurrent workers.
	Count int
	// Visibility is the lease duration a claim takes on a job. It must
	// exceed JobTimeout or healthy jobs get reaped mid-run.
	Visibility time.Duration
	// JobTimeout bounds a single generation call.
	JobTimeout time.Duration
	// PollInterval is the idle wait between claim attempts.
	PollInterval time.Duration
	// Name prefixes worker IDs, default "worker".
	Name   string
	Logger *zap.Logger
}

// Pool claims jobs from the queue and runs them through the generator.
type Pool struct {
	queue *queue.Service
	gen   generator.Generator
	log   *zap.Logger
	opts  PoolOptions
}

// NewPool builds a pool; Run starts it.
func NewPool(q *queue.Service, gen generator.Generator, opts PoolOptions) *Pool {
	if opts.Count <= 0 {
		opts.Count = 4
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 5 * time.Minute
	}
	if opts.JobTimeout <= 0 || opts.JobTimeout >= opts.Visibility {
		opts.JobTimeout = opts.Visibility / 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.Name == "" {
		opts.Name = "worker"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Pool{queue: q, gen: gen, log: opts.Logger, opts: opts}
}

// Run starts the workers and blocks until ctx is cancelled and all workers
// have drained their current job.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 1; i <= p.opts.Count; i++ {
		id := fmt.Sprintf("%s-%d", p.opts.Name, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, id)
		}()
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id string) {
	log := p.log.With(zap.String("worker_id", id))
	log.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx, id, p.opts.Visibility)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Warn("dequeue failed", zap.Error(err))
			p.idle(ctx)
			continue
		}
		if job == nil {
			p.idle(ctx)
			continue
		}

		p.process(ctx, log, job)
	}
}

func (p *Pool) idle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.opts.PollInterval):
	}
}

// process runs one claimed job to a terminal transition. Store updates use a
// detached context so a shutdown mid-job never strands it as active until the
// reaper finds it.
func (p *Pool) process(ctx context.Context, log *zap.Logger, job *models.Job) {
	log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempts))

	defer func() {
		if r := recover(); r != nil {
			log.Error("worker panic", zap.Any("panic", r))
			cause := fmt.Errorf("worker panic: %v", r)
			storeCtx, cancel := p.storeContext()
			defer cancel()
			if _, err := p.queue.Nack(storeCtx, job, cause); err != nil {
				log.Error("nack after panic failed", zap.Error(err))
			}
		}
	}()

	if requested, err := p.queue.CancelRequested(ctx, job.ID); err == nil && requested {
		storeCtx, cancel := p.storeContext()
		defer cancel()
		if err := p.queue.FinishCancelled(storeCtx, job); err != nil {
			log.Error("cancel finish failed", zap.Error(err))
		}
		return
	}

	genCtx, cancelGen := context.WithTimeout(ctx, p.opts.JobTimeout)
	result, err := p.gen.Generate(genCtx, job.Payload)
	cancelGen()

	storeCtx, cancel := p.storeContext()
	defer cancel()

	if err != nil {
		if _, nackErr := p.queue.Nack(storeCtx, job, err); nackErr != nil {
			log.Error("nack failed", zap.Error(nackErr))
		}
		return
	}
	if err := p.queue.Ack(storeCtx, job, result); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func (p *Pool) storeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
