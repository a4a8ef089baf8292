// Package broker wraps the durable store behind a single shared connection
// handle. All queue and worker operations go through it; on transport loss it
// reconnects with exponential backoff while callers queue up in a bounded
// client-side gate.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"storyqueue/internal/backoff"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

var (
	// ErrUnavailable is returned when the store is down and the client-side
	// buffer of waiting operations is full.
	ErrUnavailable = errors.New("broker: store unavailable")
	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("broker: client closed")
)

// Options configures the broker client.
type Options struct {
	// Reconnect is the backoff curve between reconnection attempts.
	Reconnect backoff.Policy
	// PingInterval is how often the connection is probed.
	PingInterval time.Duration
	// Buffer bounds how many operations may wait for a reconnect before
	// further operations fail fast with ErrUnavailable.
	Buffer int
	Logger *zap.Logger
	// Dial overrides how the store is opened; tests use it to inject
	// failures. Defaults to store.Open(url).
	Dial func() (store.Store, error)
}

// Client is the shared connection handle. It implements store.Store so the
// queue service and workers stay oblivious to connection state.
type Client struct {
	log          *zap.Logger
	policy       backoff.Policy
	pingInterval time.Duration
	buffer       int
	dial         func() (store.Store, error)

	mu        sync.Mutex
	st        store.Store
	connected bool
	waiting   int
	ready     chan struct{}
	closed    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Connect opens the store at url and starts the connection monitor. The
// initial connection is not retried: a broker that is down at startup is a
// configuration problem the operator should see immediately.
func Connect(url string, opts Options) (*Client, error) {
	if opts.Dial == nil {
		opts.Dial = func() (store.Store, error) { return store.Open(url) }
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 5 * time.Second
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Reconnect == (backoff.Policy{}) {
		opts.Reconnect = backoff.Default()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	st, err := opts.Dial()
	if err != nil {
		return nil, fmt.Errorf("broker: connect %s: %w", url, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		log:          opts.Logger,
		policy:       opts.Reconnect,
		pingInterval: opts.PingInterval,
		buffer:       opts.Buffer,
		dial:         opts.Dial,
		st:           st,
		connected:    true,
		ready:        make(chan struct{}),
		cancel:       cancel,
	}
	close(c.ready)

	c.wg.Add(1)
	go c.monitor(ctx)
	return c, nil
}

// Close stops the monitor and closes the underlying store.
func (c *Client) Close() error {
	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.st != nil {
		return c.st.Close()
	}
	return nil
}

func (c *Client) monitor(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			st, connected := c.st, c.connected
			c.mu.Unlock()
			if !connected {
				continue
			}
			if err := st.Ping(ctx); err != nil {
				c.log.Warn("broker connection lost", zap.Error(err))
				c.markDisconnected()
				c.reconnect(ctx)
			}
		}
	}
}

func (c *Client) markDisconnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return
	}
	c.connected = false
	c.ready = make(chan struct{})
	if c.st != nil {
		c.st.Close()
		c.st = nil
	}
}

func (c *Client) reconnect(ctx context.Context) {
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.policy.Delay(attempt)):
		}

		st, err := c.dial()
		if err != nil {
			c.log.Warn("broker reconnect failed",
				zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.st = st
		c.connected = true
		close(c.ready)
		c.mu.Unlock()

		c.log.Info("broker reconnected", zap.Int("attempts", attempt))
		return
	}
}

// acquire returns the live store, waiting in the bounded gate while
// disconnected.
func (c *Client) acquire(ctx context.Context) (store.Store, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.connected {
		st := c.st
		c.mu.Unlock()
		return st, nil
	}
	if c.waiting >= c.buffer {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	c.waiting++
	ready := c.ready
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting--
		c.mu.Unlock()
	}()

	select {
	case <-ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.st == nil {
		return nil, ErrClosed
	}
	return c.st, nil
}

// Waiting reports how many operations are queued for a reconnect.
func (c *Client) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

// store.Store delegation.

func (c *Client) CreateJob(ctx context.Context, job *models.Job) error {
	st, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return st.CreateJob(ctx, job)
}

func (c *Client) GetJob(ctx context.Context, id string) (*models.Job, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return st.GetJob(ctx, id)
}

func (c *Client) ListJobs(ctx context.Context, status models.Status, limit int) ([]*models.Job, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return st.ListJobs(ctx, status, limit)
}

func (c *Client) ClaimJob(ctx context.Context, workerID string, visibility time.Duration) (*models.Job, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return st.ClaimJob(ctx, workerID, visibility)
}

func (c *Client) AckJob(ctx context.Context, id, result string) error {
	st, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return st.AckJob(ctx, id, result)
}

func (c *Client) NackJob(ctx context.Context, id, reason string, terminal bool, retryAt time.Time) (models.Status, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	return st.NackJob(ctx, id, reason, terminal, retryAt)
}

func (c *Client) CancelQueued(ctx context.Context, id, reason string) (bool, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	return st.CancelQueued(ctx, id, reason)
}

func (c *Client) RequestCancel(ctx context.Context, id string) error {
	st, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return st.RequestCancel(ctx, id)
}

func (c *Client) CancelRequested(ctx context.Context, id string) (bool, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return false, err
	}
	return st.CancelRequested(ctx, id)
}

func (c *Client) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return st.ExpiredActive(ctx, now, limit)
}

func (c *Client) EvictTerminal(ctx context.Context, olderThan time.Time, keep int) (int64, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return 0, err
	}
	return st.EvictTerminal(ctx, olderThan, keep)
}

func (c *Client) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	st, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return st.CountByStatus(ctx)
}

func (c *Client) Ping(ctx context.Context) error {
	st, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return st.Ping(ctx)
}
