// Package generator calls the external story-generation API.
package generator

import (
	"context"
	"errors"
	"fmt"

	"storyqueue/internal/models"
)

// Generator produces a story for a job payload.
type Generator interface {
	Generate(ctx context.Context, payload models.Payload) (string, error)
}

// Error is a generation failure with a retry classification. Status is the
// upstream HTTP status, or 0 for transport-level failures.
type Error struct {
	Status    int
	Message   string
	Transient bool
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("generator: %s", e.Message)
	}
	return fmt.Sprintf("generator: upstream status %d: %s", e.Status, e.Message)
}

// Retryable reports whether the job should be retried after err. Anything
// without an explicit classification (network errors, timeouts) counts as
// transient, so misclassified failures exhaust attempts instead of failing a
// job on the first hiccup.
func Retryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Transient
	}
	return true
}

// transientStatus classifies an upstream HTTP status. Client errors mean the
// request itself is bad and will never succeed; timeouts, throttling, and
// server errors are worth another attempt.
func transientStatus(status int) bool {
	switch {
	case status == 408 || status == 429:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
