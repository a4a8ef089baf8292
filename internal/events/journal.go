// Package events keeps an append-only journal of job status transitions in a
// Pebble database. The journal backs the /events feed and lets the tracker
// wait for a job to finish without polling the store.
package events

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"storyqueue/internal/models"
)

// Event is one recorded status transition.
type Event struct {
	Seq      uint64        `json:"seq"`
	JobID    string        `json:"job_id"`
	Status   models.Status `json:"status"`
	Error    string        `json:"error,omitempty"`
	Attempts int           `json:"attempts"`
	At       time.Time     `json:"at"`
}

// Keyspace (lexicographically sortable):
// - e/{seq_be8} -> JSON event
// - m           -> last assigned sequence (8 bytes big-endian)
var (
	entryPrefix = []byte("e/")
	metaKey     = []byte("m")
)

func entryKey(seq uint64) []byte {
	k := make([]byte, 0, len(entryPrefix)+8)
	k = append(k, entryPrefix...)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

// Journal is the durable event log. Subscriptions are in-process only and are
// completed (channel closed) when the subscribed job reaches a terminal
// status.
type Journal struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
	subs    map[string][]*subscription
	closed  bool
}

type subscription struct {
	jobID string
	ch    chan Event
}

// Open opens or creates the journal at dir and restores the last sequence.
func Open(dir string) (*Journal, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("events: open %s: %w", dir, err)
	}

	j := &Journal{db: db, subs: make(map[string][]*subscription)}
	meta, closer, err := db.Get(metaKey)
	if err == nil {
		if len(meta) >= 8 {
			j.lastSeq = binary.BigEndian.Uint64(meta[:8])
		}
		closer.Close()
	} else if err != pebble.ErrNotFound {
		db.Close()
		return nil, fmt.Errorf("events: read meta: %w", err)
	}
	return j, nil
}

// Close cancels all subscriptions and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	for _, subs := range j.subs {
		for _, s := range subs {
			close(s.ch)
		}
	}
	j.subs = nil
	j.mu.Unlock()

	return j.db.Close()
}

// Append records a transition for the job, assigns it the next sequence, and
// notifies subscribers. A terminal status completes the job's subscriptions.
func (j *Journal) Append(jobID string, status models.Status, errMsg string, attempts int) (Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Event{}, fmt.Errorf("events: journal closed")
	}

	ev := Event{
		Seq:      j.lastSeq + 1,
		JobID:    jobID,
		Status:   status,
		Error:    errMsg,
		Attempts: attempts,
		At:       time.Now().UTC(),
	}
	val, err := json.Marshal(ev)
	if err != nil {
		return Event{}, fmt.Errorf("events: encode: %w", err)
	}

	b := j.db.NewBatch()
	defer b.Close()
	if err := b.Set(entryKey(ev.Seq), val, nil); err != nil {
		return Event{}, err
	}
	var meta [8]byte
	binary.BigEndian.PutUint64(meta[:], ev.Seq)
	if err := b.Set(metaKey, meta[:], nil); err != nil {
		return Event{}, err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return Event{}, fmt.Errorf("events: commit: %w", err)
	}
	j.lastSeq = ev.Seq

	j.notify(ev)
	return ev, nil
}

// notify delivers ev to the job's subscribers. Slow subscribers miss
// intermediate events; the terminal close still reaches them. Caller holds
// the mutex.
func (j *Journal) notify(ev Event) {
	subs := j.subs[ev.JobID]
	if len(subs) == 0 {
		return
	}
	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
		}
	}
	if ev.Status.Terminal() {
		for _, s := range subs {
			close(s.ch)
		}
		delete(j.subs, ev.JobID)
	}
}

// Subscribe registers for the job's future transitions. The channel is closed
// after a terminal event or when the returned cancel function runs.
func (j *Journal) Subscribe(jobID string) (<-chan Event, func()) {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := &subscription{jobID: jobID, ch: make(chan Event, 8)}
	if j.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	j.subs[jobID] = append(j.subs[jobID], s)

	cancel := func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		subs := j.subs[s.jobID]
		for i, other := range subs {
			if other == s {
				j.subs[s.jobID] = append(subs[:i], subs[i+1:]...)
				close(s.ch)
				break
			}
		}
		if len(j.subs[s.jobID]) == 0 {
			delete(j.subs, s.jobID)
		}
	}
	return s.ch, cancel
}

// ReadSince returns up to limit events with a sequence greater than since, in
// order.
func (j *Journal) ReadSince(since uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(since + 1),
		UpperBound: entryKey(^uint64(0)),
	})
	if err != nil {
		return nil, fmt.Errorf("events: iterator: %w", err)
	}
	defer iter.Close()

	var out []Event
	for iter.First(); iter.Valid() && len(out) < limit; iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			return nil, fmt.Errorf("events: decode seq key %x: %w", iter.Key(), err)
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// TrimBefore drops events recorded before cutoff. Events are appended in time
// order, so the scan stops at the first retained entry.
func (j *Journal) TrimBefore(cutoff time.Time) (int, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: entryKey(0),
		UpperBound: entryKey(^uint64(0)),
	})
	if err != nil {
		return 0, fmt.Errorf("events: iterator: %w", err)
	}

	var (
		dropped  int
		trimUpTo uint64
	)
	for iter.First(); iter.Valid(); iter.Next() {
		var ev Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			iter.Close()
			return 0, fmt.Errorf("events: decode seq key %x: %w", iter.Key(), err)
		}
		if !ev.At.Before(cutoff) {
			break
		}
		trimUpTo = ev.Seq
		dropped++
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	if dropped == 0 {
		return 0, nil
	}

	if err := j.db.DeleteRange(entryKey(0), entryKey(trimUpTo+1), pebble.Sync); err != nil {
		return 0, fmt.Errorf("events: delete range: %w", err)
	}
	return dropped, nil
}

// LastSeq returns the most recently assigned sequence number.
func (j *Journal) LastSeq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}
