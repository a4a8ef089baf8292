package models

import "time"

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var allStatuses = []Status{
	StatusQueued,
	StatusActive,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s Status) bool {
	for _, known := range allStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Payload carries the story-generation request parameters. The queue never
// interprets these; only the generator does.
type Payload struct {
	Prompt string `json:"prompt"`
	Genre  string `json:"genre,omitempty"`
	Length string `json:"length,omitempty"`
}

// Job is one unit of story-generation work.
type Job struct {
	ID       string  `json:"id"`
	Queue    string  `json:"queue"`
	Payload  Payload `json:"payload"`
	Status   Status  `json:"status"`
	Priority int     `json:"priority"`

	// Attempts counts execution attempts started so far. It is incremented
	// when a worker claims the job, never by ack or nack.
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`

	DelayUntil         *time.Time `json:"delay_until,omitempty"`
	CancelRequested    bool       `json:"cancel_requested,omitempty"`
	WorkerID           string     `json:"worker_id,omitempty"`
	VisibilityDeadline *time.Time `json:"visibility_deadline,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SubmitRequest is the HTTP body accepted by POST /jobs.
type SubmitRequest struct {
	ClientID    string `json:"client_id,omitempty"`
	Prompt      string `json:"prompt"`
	Genre       string `json:"genre,omitempty"`
	Length      string `json:"length,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	DelayMs     int64  `json:"delay_ms,omitempty"`
	MaxAttempts *int   `json:"max_attempts,omitempty"`
}

// JobView is the read-side projection returned by status queries. Callers
// only need the observable lifecycle state and, on a terminal state, the
// result or last failure reason.
type JobView struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Attempts   int        `json:"attempts"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// View projects a job into its read-side form.
func (j *Job) View() *JobView {
	return &JobView{
		ID:         j.ID,
		Status:     j.Status,
		Attempts:   j.Attempts,
		Result:     j.Result,
		Error:      j.Error,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.FinishedAt,
	}
}
