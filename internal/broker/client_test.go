package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"storyqueue/internal/backoff"
	"storyqueue/internal/models"
	"storyqueue/internal/store"
)

// flakyStore wraps the in-memory store with a switchable ping failure so tests
// can knock the connection over on demand.
type flakyStore struct {
	*store.Memory

	mu      sync.Mutex
	pingErr error
}

func (f *flakyStore) setPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *flakyStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func testOptions(dial func() (store.Store, error)) Options {
	return Options{
		Reconnect:    backoff.Policy{Base: time.Millisecond, Max: 5 * time.Millisecond},
		PingInterval: 10 * time.Millisecond,
		Buffer:       4,
		Dial:         dial,
	}
}

func TestConnectDialFailure(t *testing.T) {
	dialErr := errors.New("connection refused")
	_, err := Connect("sqlite:/nowhere", testOptions(func() (store.Store, error) {
		return nil, dialErr
	}))
	if !errors.Is(err, dialErr) {
		t.Fatalf("Connect error = %v, want wrapped %v", err, dialErr)
	}
}

func TestDelegatesWhenConnected(t *testing.T) {
	mem := store.NewMemory()
	c, err := Connect(":memory:", testOptions(func() (store.Store, error) {
		return &flakyStore{Memory: mem}, nil
	}))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	job := &models.Job{ID: "j1", Queue: "stories", Status: models.StatusQueued, MaxAttempts: 3}
	if err := c.CreateJob(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := c.GetJob(ctx, "j1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "j1" {
		t.Errorf("got job %q, want j1", got.ID)
	}
}

func TestReconnectAfterPingFailure(t *testing.T) {
	mem := store.NewMemory()
	first := &flakyStore{Memory: mem}

	var mu sync.Mutex
	dials := 0
	dial := func() (store.Store, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return first, nil
		}
		return &flakyStore{Memory: mem}, nil
	}

	c, err := Connect(":memory:", testOptions(dial))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if err := c.CreateJob(ctx, &models.Job{ID: "j1", Queue: "stories", Status: models.StatusQueued, MaxAttempts: 1}); err != nil {
		t.Fatalf("create: %v", err)
	}

	first.setPingErr(errors.New("broken pipe"))

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := dials
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor never redialed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The replacement connection serves the same data.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := c.GetJob(waitCtx, "j1")
	if err != nil {
		t.Fatalf("get after reconnect: %v", err)
	}
	if got.ID != "j1" {
		t.Errorf("got job %q, want j1", got.ID)
	}
}

func TestWaiterBufferFailsFast(t *testing.T) {
	mem := store.NewMemory()
	c, err := Connect(":memory:", Options{
		Reconnect:    backoff.Policy{Base: time.Hour, Max: time.Hour},
		PingInterval: time.Hour,
		Buffer:       1,
		Dial: func() (store.Store, error) {
			return &flakyStore{Memory: mem}, nil
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	c.markDisconnected()

	waitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	go func() {
		close(started)
		c.GetJob(waitCtx, "j1")
	}()
	<-started

	deadline := time.Now().Add(time.Second)
	for c.Waiting() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("first caller never entered the gate")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := c.GetJob(context.Background(), "j2"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("second call err = %v, want ErrUnavailable", err)
	}
}

func TestWaiterReleasedOnReconnect(t *testing.T) {
	mem := store.NewMemory()
	mem.CreateJob(context.Background(), &models.Job{ID: "j1", Queue: "stories", Status: models.StatusQueued, MaxAttempts: 1})

	c, err := Connect(":memory:", Options{
		Reconnect:    backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
		PingInterval: time.Hour,
		Buffer:       4,
		Dial: func() (store.Store, error) {
			return &flakyStore{Memory: mem}, nil
		},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	c.markDisconnected()

	type result struct {
		job *models.Job
		err error
	}
	done := make(chan result, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		job, err := c.GetJob(ctx, "j1")
		done <- result{job, err}
	}()

	deadline := time.Now().Add(time.Second)
	for c.Waiting() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("caller never entered the gate")
		}
		time.Sleep(time.Millisecond)
	}

	c.reconnect(context.Background())

	res := <-done
	if res.err != nil {
		t.Fatalf("waiting call failed: %v", res.err)
	}
	if res.job.ID != "j1" {
		t.Errorf("got job %q, want j1", res.job.ID)
	}
}

func TestClosedClientRejectsOperations(t *testing.T) {
	mem := store.NewMemory()
	c, err := Connect(":memory:", testOptions(func() (store.Store, error) {
		return &flakyStore{Memory: mem}, nil
	}))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	c.Close()

	if err := c.CreateJob(context.Background(), &models.Job{ID: "late"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
