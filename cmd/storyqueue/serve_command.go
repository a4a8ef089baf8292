package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"storyqueue/internal/backoff"
	"storyqueue/internal/broker"
	"storyqueue/internal/config"
	"storyqueue/internal/events"
	"storyqueue/internal/generator"
	"storyqueue/internal/logging"
	"storyqueue/internal/metrics"
	"storyqueue/internal/queue"
	"storyqueue/internal/reaper"
	"storyqueue/internal/retention"
	"storyqueue/internal/server"
	"storyqueue/internal/tracker"
	"storyqueue/internal/worker"
)

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the queue server, workers, and background maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func runServe(cfg config.Config) error {
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("another storyqueue instance is already running")
	}
	defer lock.Unlock()

	policy := backoff.Policy{Base: cfg.BackoffBase.Std(), Max: cfg.BackoffMax.Std()}

	client, err := broker.Connect(cfg.BrokerURL, broker.Options{
		Reconnect: policy,
		Logger:    log.Named("broker"),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	journal, err := events.Open(cfg.EventsDir())
	if err != nil {
		return err
	}
	defer journal.Close()

	m := metrics.New()
	q := queue.NewService(client, queue.ServiceOptions{
		QueueName:            cfg.QueueName,
		MaxAttempts:          cfg.MaxAttempts,
		Backoff:              policy,
		SubmissionsPerMinute: cfg.SubmissionsPerMinute,
		Journal:              journal,
		Metrics:              m,
		Logger:               log.Named("queue"),
	})
	tr := tracker.New(client, journal)

	gen := generator.NewClient(generator.ClientConfig{
		Endpoint:  cfg.Generator.Endpoint,
		Model:     cfg.Generator.Model,
		APIKey:    cfg.Generator.APIKey,
		MaxTokens: cfg.Generator.MaxTokens,
		Timeout:   cfg.JobTimeout.Std() + 10*time.Second,
	})

	pool := worker.NewPool(q, gen, worker.PoolOptions{
		Count:        cfg.WorkerCount,
		Visibility:   cfg.VisibilityTimeout.Std(),
		JobTimeout:   cfg.JobTimeout.Std(),
		PollInterval: cfg.PollInterval.Std(),
		Logger:       log.Named("worker"),
	})

	rp := reaper.New(q, cfg.ReapInterval.Std(), log.Named("reaper"))

	janitor := retention.New(client, retention.Options{
		MaxAge:   cfg.RetentionAge.Std(),
		MaxCount: cfg.RetentionCount,
		Interval: cfg.RetentionInterval.Std(),
		Journal:  journal,
		Metrics:  m,
		Logger:   log.Named("retention"),
	})

	srv := server.New(q, tr, client, server.Options{
		Addr:    cfg.ListenAddr,
		Journal: journal,
		Metrics: m,
		Logger:  log.Named("http"),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		pool.Run,
		rp.Run,
		janitor.Run,
	} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	log.Info("storyqueue started",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("queue", cfg.QueueName),
		zap.Int("workers", cfg.WorkerCount))

	err = srv.Run(ctx)
	stop()
	wg.Wait()
	log.Info("storyqueue stopped")
	return err
}
