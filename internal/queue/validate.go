package queue

import (
	"fmt"
	"strings"

	"storyqueue/internal/models"
)

const maxPromptLength = 8192

// validatePayload rejects submissions the generator could never serve.
func validatePayload(p models.Payload) error {
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidPayload)
	}
	if len(p.Prompt) > maxPromptLength {
		return fmt.Errorf("%w: prompt exceeds %d bytes", ErrInvalidPayload, maxPromptLength)
	}
	return nil
}
