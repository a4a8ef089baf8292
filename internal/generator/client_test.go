package generator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storyqueue/internal/models"
)

var testPayload = models.Payload{Prompt: "a lighthouse keeper", Genre: "mystery", Length: "short"}

func testClient(url string) *Client {
	return NewClient(ClientConfig{
		Endpoint: url,
		Model:    "story-1",
		APIKey:   "test-key",
		Timeout:  time.Second,
	})
}

func TestGenerateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "story-1" || len(req.Messages) != 2 {
			t.Errorf("request = %+v", req)
		}
		if req.Messages[1].Content != testPayload.Prompt {
			t.Errorf("user message = %q", req.Messages[1].Content)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "Once upon a time."}},
			},
		})
	}))
	defer srv.Close()

	story, err := testClient(srv.URL).Generate(context.Background(), testPayload)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if story != "Once upon a time." {
		t.Errorf("story = %q", story)
	}
}

func TestGenerateClassifiesStatuses(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusUnprocessableEntity, false},
		{http.StatusRequestTimeout, true},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"message": "upstream says no"},
			})
		}))

		_, err := testClient(srv.URL).Generate(context.Background(), testPayload)
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}

		var ge *Error
		if !errors.As(err, &ge) {
			t.Fatalf("status %d: error type %T", tt.status, err)
		}
		if ge.Status != tt.status || ge.Transient != tt.transient {
			t.Errorf("status %d: got Status=%d Transient=%v, want Transient=%v",
				tt.status, ge.Status, ge.Transient, tt.transient)
		}
		if ge.Message != "upstream says no" {
			t.Errorf("status %d: message = %q", tt.status, ge.Message)
		}
		if Retryable(err) != tt.transient {
			t.Errorf("status %d: Retryable = %v, want %v", tt.status, Retryable(err), tt.transient)
		}
	}
}

func TestGenerateNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := testClient(srv.URL).Generate(context.Background(), testPayload)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("network error not retryable: %v", err)
	}
}

func TestGenerateContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := testClient(srv.URL).Generate(ctx, testPayload)
	if err == nil {
		t.Fatal("expected error")
	}
	if !Retryable(err) {
		t.Errorf("deadline error not retryable: %v", err)
	}
}

func TestGenerateEmptyCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Generate(context.Background(), testPayload)
	var ge *Error
	if !errors.As(err, &ge) || !ge.Transient {
		t.Fatalf("err = %v, want transient generator error", err)
	}
}
