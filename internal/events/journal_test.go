package events

import (
	"testing"
	"time"

	"storyqueue/internal/models"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func mustAppend(t *testing.T, j *Journal, jobID string, status models.Status) Event {
	t.Helper()
	ev, err := j.Append(jobID, status, "", 1)
	if err != nil {
		t.Fatalf("append %s/%s: %v", jobID, status, err)
	}
	return ev
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	j := openJournal(t)

	first := mustAppend(t, j, "j1", models.StatusQueued)
	second := mustAppend(t, j, "j1", models.StatusActive)
	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("seqs = %d, %d, want 1, 2", first.Seq, second.Seq)
	}
	if j.LastSeq() != 2 {
		t.Errorf("LastSeq = %d, want 2", j.LastSeq())
	}
}

func TestReadSince(t *testing.T) {
	j := openJournal(t)

	mustAppend(t, j, "j1", models.StatusQueued)
	mustAppend(t, j, "j2", models.StatusQueued)
	mustAppend(t, j, "j1", models.StatusActive)

	evs, err := j.ReadSince(1, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].Seq != 2 || evs[1].Seq != 3 {
		t.Errorf("seqs = %d, %d, want 2, 3", evs[0].Seq, evs[1].Seq)
	}

	evs, err = j.ReadSince(0, 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 2 || evs[0].Seq != 1 {
		t.Errorf("limited read = %+v, want seqs 1,2", evs)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustAppend(t, j, "j1", models.StatusQueued)
	mustAppend(t, j, "j1", models.StatusActive)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	j, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()

	ev := mustAppend(t, j, "j1", models.StatusCompleted)
	if ev.Seq != 3 {
		t.Errorf("seq after reopen = %d, want 3", ev.Seq)
	}
}

func TestSubscribeReceivesAndCompletesOnTerminal(t *testing.T) {
	j := openJournal(t)

	ch, cancel := j.Subscribe("j1")
	defer cancel()

	mustAppend(t, j, "j1", models.StatusActive)
	mustAppend(t, j, "j2", models.StatusQueued) // other job, not delivered
	mustAppend(t, j, "j1", models.StatusCompleted)

	var got []Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2: %+v", len(got), got)
	}
	if got[0].Status != models.StatusActive || got[1].Status != models.StatusCompleted {
		t.Errorf("statuses = %s, %s", got[0].Status, got[1].Status)
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	j := openJournal(t)

	ch, cancel := j.Subscribe("j1")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}

	// Appending after cancel must not panic or deliver.
	mustAppend(t, j, "j1", models.StatusCompleted)
}

func TestTrimBefore(t *testing.T) {
	j := openJournal(t)

	mustAppend(t, j, "j1", models.StatusQueued)
	mustAppend(t, j, "j1", models.StatusCompleted)
	cutoff := time.Now().UTC().Add(time.Second)

	dropped, err := j.TrimBefore(cutoff)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}

	evs, err := j.ReadSince(0, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(evs) != 0 {
		t.Errorf("events remain after trim: %+v", evs)
	}

	// New appends continue the sequence.
	ev := mustAppend(t, j, "j2", models.StatusQueued)
	if ev.Seq != 3 {
		t.Errorf("seq after trim = %d, want 3", ev.Seq)
	}
}
