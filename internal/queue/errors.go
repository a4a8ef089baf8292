package queue

import "errors"

var (
	// ErrInvalidPayload indicates a submission that failed validation.
	ErrInvalidPayload = errors.New("queue: invalid payload")
	// ErrRateLimited indicates the client exceeded its submission window.
	ErrRateLimited = errors.New("queue: submission rate limit exceeded")
)
