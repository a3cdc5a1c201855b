package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/quartz"
	"github.com/go-chi/chi/v5"
	"github.com/nhalm/tally"
	"github.com/nhalm/tally/ratelimit"
	"github.com/nhalm/tally/store"
)

type server struct {
	tracker *tally.Tracker
	clock   quartz.Clock
}

type trackRequest struct {
	Kind      string `json:"kind" validate:"required,oneof=slash_command button modal autocomplete"`
	ActionID  string `json:"action_id" validate:"required,max=100"`
	SubjectID *int64 `json:"subject_id" validate:"required,gte=0"`
	ScopeID   *int64 `json:"scope_id" validate:"required,gte=0"`
}

type trackResponse struct {
	Admitted      bool   `json:"admitted"`
	InteractionID string `json:"interaction_id"`
	Degraded      bool   `json:"degraded,omitempty"`
}

type completeRequest struct {
	DurationMS *int64 `json:"duration_ms" validate:"required,gte=0"`
	Success    *bool  `json:"success" validate:"required"`
	ErrorKind  string `json:"error_kind"`
}

type topQuery struct {
	N int `query:"n" validate:"min=1,max=100"`
}

type statsQuery struct {
	ActionClass string `query:"action_class" validate:"omitempty,oneof=slash_command button modal autocomplete"`
	ScopeID     *int64 `query:"scope_id" validate:"omitnil,gte=0"`
}

type logsQuery struct {
	ActionClass string `query:"action_class" validate:"omitempty,oneof=slash_command button modal autocomplete"`
	ScopeID     *int64 `query:"scope_id" validate:"omitnil,gte=0"`
	Limit       int    `query:"limit" validate:"min=1,max=1000"`
}

type usageResponse struct {
	ActionClass     string    `json:"action_class"`
	ActionID        string    `json:"action_id"`
	ScopeID         int64     `json:"scope_id"`
	Count           int64     `json:"count"`
	TotalDurationMS int64     `json:"total_duration_ms"`
	FailureCount    int64     `json:"failure_count"`
	LastUsed        time.Time `json:"last_used"`
}

type logResponse struct {
	ID          string    `json:"id"`
	ActionClass string    `json:"action_class"`
	ActionID    string    `json:"action_id"`
	SubjectID   int64     `json:"subject_id"`
	ScopeID     int64     `json:"scope_id"`
	Timestamp   time.Time `json:"timestamp"`
	DurationMS  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Status      string    `json:"status"`
}

type listResponse[T any] struct {
	Data []T `json:"data"`
}

func (s *server) health(_ http.ResponseWriter, r *http.Request) {
	SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) track(_ http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if !JSON(r, &req) {
		return
	}

	res, err := s.tracker.Track(r.Context(), tally.Kind(req.Kind), req.ActionID, *req.SubjectID, *req.ScopeID)
	if err != nil {
		SetError(r, fromError(err))
		return
	}

	s.setRateLimitHeaders(r, res.Decision)
	if !res.Admitted {
		SetHeader(r, "Retry-After", strconv.Itoa(int(math.Ceil(res.Decision.RetryAfter(s.clock.Now()).Seconds()))))
		SetError(r, ErrRateLimited.With("Too many interactions, try again later"))
		return
	}

	SetResponse(r, http.StatusCreated, trackResponse{
		Admitted:      true,
		InteractionID: res.Interaction.ID,
		Degraded:      res.StoreErr != nil,
	})
}

func (s *server) setRateLimitHeaders(r *http.Request, d ratelimit.Decision) {
	SetHeader(r, "RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	SetHeader(r, "RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	SetHeader(r, "RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

func (s *server) complete(_ http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h, ok := s.tracker.Lookup(id)
	if !ok {
		SetError(r, ErrNotFound.WithParam("Interaction not found or already completed", "id"))
		return
	}

	var req completeRequest
	if !JSON(r, &req) {
		return
	}

	duration := time.Duration(*req.DurationMS) * time.Millisecond
	err := s.tracker.ReportCompletion(r.Context(), h, duration, *req.Success, req.ErrorKind)
	switch {
	case errors.Is(err, tally.ErrAlreadyCompleted):
		SetError(r, ErrConflict.With("Interaction already completed"))
		return
	case errors.Is(err, tally.ErrInvalidInput):
		SetError(r, fromError(err))
		return
	}
	// Any other error is a store failure already queued for replay.
	SetResponse(r, http.StatusNoContent, nil)
}

func (s *server) topStats(_ http.ResponseWriter, r *http.Request) {
	q := topQuery{N: 10}
	if !Query(r, &q) {
		return
	}

	rows, err := s.tracker.TopStats(r.Context(), q.N)
	if err != nil {
		SetError(r, fromError(err))
		return
	}
	SetResponse(r, http.StatusOK, listResponse[usageResponse]{Data: usageResponses(rows)})
}

func (s *server) stats(_ http.ResponseWriter, r *http.Request) {
	var q statsQuery
	if !Query(r, &q) {
		return
	}

	rows, err := s.tracker.Stats(r.Context(), store.UsageFilter{ActionClass: q.ActionClass, ScopeID: q.ScopeID})
	if err != nil {
		SetError(r, fromError(err))
		return
	}
	SetResponse(r, http.StatusOK, listResponse[usageResponse]{Data: usageResponses(rows)})
}

func (s *server) logs(_ http.ResponseWriter, r *http.Request) {
	q := logsQuery{Limit: 50}
	if !Query(r, &q) {
		return
	}

	recs, err := s.tracker.Logs(r.Context(), store.LogFilter{ActionClass: q.ActionClass, ScopeID: q.ScopeID, Limit: q.Limit})
	if err != nil {
		SetError(r, fromError(err))
		return
	}

	out := make([]logResponse, len(recs))
	for i, rec := range recs {
		out[i] = logResponse{
			ID:          rec.ID,
			ActionClass: rec.ActionClass,
			ActionID:    rec.ActionID,
			SubjectID:   rec.SubjectID,
			ScopeID:     rec.ScopeID,
			Timestamp:   rec.Timestamp,
			DurationMS:  rec.Duration.Milliseconds(),
			Success:     rec.Success,
			ErrorKind:   rec.ErrorKind,
			Status:      string(rec.Status),
		}
	}
	SetResponse(r, http.StatusOK, listResponse[logResponse]{Data: out})
}

func usageResponses(rows []store.UsageRecord) []usageResponse {
	out := make([]usageResponse, len(rows))
	for i, row := range rows {
		out[i] = usageResponse{
			ActionClass:     row.ActionClass,
			ActionID:        row.ActionID,
			ScopeID:         row.ScopeID,
			Count:           row.Count,
			TotalDurationMS: row.TotalDuration.Milliseconds(),
			FailureCount:    row.FailureCount,
			LastUsed:        row.LastUsed,
		}
	}
	return out
}
