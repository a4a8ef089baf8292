package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"storyqueue/internal/broker"
	"storyqueue/internal/models"
	"storyqueue/internal/queue"
	"storyqueue/internal/store"
)

// maxWait caps GET /jobs/{id}/wait so clients cannot pin connections forever.
const (
	defaultWait = 30 * time.Second
	maxWait     = 2 * time.Minute
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrAlreadyFinished):
		s.writeError(w, http.StatusConflict, "job already finished")
	case errors.Is(err, broker.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "queue temporarily unavailable")
	default:
		s.log.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	opts := []queue.EnqueueOption{queue.WithPriority(req.Priority)}
	if req.DelayMs > 0 {
		opts = append(opts, queue.WithDelay(time.Duration(req.DelayMs)*time.Millisecond))
	}
	if req.MaxAttempts != nil {
		opts = append(opts, queue.WithMaxAttempts(*req.MaxAttempts))
	}

	payload := models.Payload{Prompt: req.Prompt, Genre: req.Genre, Length: req.Length}
	job, err := s.queue.Enqueue(r.Context(), req.ClientID, payload, opts...)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job.View())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	view, err := s.tracker.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	timeout := defaultWait
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = min(d, maxWait)
	}

	view, finished, err := s.tracker.Await(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		s.fail(w, err)
		return
	}
	// 200 with the terminal view, 202 when the client should poll again.
	status := http.StatusOK
	if !finished {
		status = http.StatusAccepted
	}
	s.writeJSON(w, status, view)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	status := models.Status(r.URL.Query().Get("status"))
	if status == "" {
		s.writeError(w, http.StatusBadRequest, "status query parameter is required")
		return
	}
	if !models.ValidStatus(status) {
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	views, err := s.tracker.List(r.Context(), status, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if views == nil {
		views = []*models.JobView{}
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	stopped, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}

	view, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": stopped,
		"job":       view,
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		s.writeError(w, http.StatusNotFound, "event journal disabled")
		return
	}

	var since uint64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	evs, err := s.journal.ReadSince(since, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"events":   evs,
		"last_seq": s.journal.LastSeq(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := s.metrics.Snapshot()

	counts, err := s.tracker.Counts(r.Context())
	if err == nil {
		for status, n := range counts {
			snapshot[string(status)+"_now"] = int64(n)
		}
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
