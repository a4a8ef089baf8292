package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storyqueue/internal/models"
)

// Client calls an OpenAI-compatible chat-completions endpoint.
type Client struct {
	endpoint  string
	model     string
	apiKey    string
	maxTokens int
	http      *http.Client
}

// ClientConfig holds the upstream connection settings.
type ClientConfig struct {
	Endpoint  string
	Model     string
	APIKey    string
	MaxTokens int
	// Timeout bounds a single request; per-job deadlines come from the
	// caller's context. Zero means no client-side timeout.
	Timeout time.Duration
}

// NewClient builds a Client from config.
func NewClient(cfg ClientConfig) *Client {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Client{
		endpoint:  cfg.Endpoint,
		model:     cfg.Model,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Generate renders the payload into a prompt and returns the generated story
// text. Failures carry a retry classification via *Error.
func (c *Client) Generate(ctx context.Context, payload models.Payload) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt(payload)},
			{Role: "user", Content: payload.Prompt},
		},
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("generator: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("generator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", &Error{Message: fmt.Sprintf("read response: %v", err), Transient: true}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Status:    resp.StatusCode,
			Message:   upstreamMessage(raw),
			Transient: transientStatus(resp.StatusCode),
		}
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Error{Status: resp.StatusCode, Message: "malformed response body", Transient: true}
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", &Error{Status: resp.StatusCode, Message: "empty completion", Transient: true}
	}
	return out.Choices[0].Message.Content, nil
}

func systemPrompt(p models.Payload) string {
	return fmt.Sprintf(
		"You are a storyteller. Write a %s %s story based on the user's prompt.",
		p.Length, p.Genre)
}

// upstreamMessage pulls the error message out of an API error body, falling
// back to the raw body when it is not the expected shape.
func upstreamMessage(raw []byte) string {
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err == nil && out.Error != nil && out.Error.Message != "" {
		return out.Error.Message
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
