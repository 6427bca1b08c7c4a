package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hookline/dispatch/id"
	"github.com/hookline/dispatch/job"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// JobView is the API representation of a job. The payload is inlined as
// JSON rather than base64.
type JobView struct {
	ID            string            `json:"id"`
	Kind          string            `json:"kind"`
	Payload       json.RawMessage   `json:"payload"`
	Queue         string            `json:"queue"`
	Priority      int               `json:"priority"`
	Attempt       int               `json:"attempt"`
	MaxAttempts   int               `json:"max_attempts"`
	State         job.State         `json:"state"`
	RunAt         time.Time         `json:"run_at"`
	LockedBy      string            `json:"locked_by,omitempty"`
	LockedUntil   *time.Time        `json:"locked_until,omitempty"`
	DedupeKey     string            `json:"dedupe_key,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	FailureReason job.FailureReason `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewJobView converts j to its API representation.
func NewJobView(j *job.Job) JobView {
	payload := json.RawMessage(j.Payload)
	if !json.Valid(payload) {
		payload, _ = json.Marshal(string(j.Payload))
	}
	v := JobView{
		ID:            j.ID.String(),
		Kind:          j.Kind,
		Payload:       payload,
		Queue:         j.Queue,
		Priority:      j.Priority,
		Attempt:       j.Attempt,
		MaxAttempts:   j.MaxAttempts,
		State:         j.State,
		RunAt:         j.RunAt,
		LockedUntil:   j.LockedUntil,
		DedupeKey:     j.DedupeKey,
		LastError:     j.LastError,
		FailureReason: j.FailureReason,
		CompletedAt:   j.CompletedAt,
		CreatedAt:     j.CreatedAt,
		UpdatedAt:     j.UpdatedAt,
	}
	if !j.LockedBy.IsNil() {
		v.LockedBy = j.LockedBy.String()
	}
	return v
}

// ListJobsResponse is one page of jobs, newest first.
type ListJobsResponse struct {
	Jobs   []JobView `json:"jobs"`
	Total  int64     `json:"total"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}

// EnqueueRequest is the body of POST /v1/jobs. Unset fields keep the
// task's defaults.
type EnqueueRequest struct {
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Queue       string          `json:"queue,omitempty"`
	Priority    *int            `json:"priority,omitempty"`
	MaxAttempts *int            `json:"max_attempts,omitempty"`
	RunAt       *time.Time      `json:"run_at,omitempty"`
	Delay       string          `json:"delay,omitempty"`
	DedupeKey   string          `json:"dedupe_key,omitempty"`
}

func (req EnqueueRequest) options() ([]job.Option, error) {
	var opts []job.Option
	if req.Queue != "" {
		opts = append(opts, job.WithQueue(req.Queue))
	}
	if req.Priority != nil {
		opts = append(opts, job.WithPriority(*req.Priority))
	}
	if req.MaxAttempts != nil {
		if *req.MaxAttempts < 1 {
			return nil, badRequest{msg: "max_attempts must be at least 1"}
		}
		opts = append(opts, job.WithMaxAttempts(*req.MaxAttempts))
	}
	if req.RunAt != nil {
		opts = append(opts, job.WithRunAt(*req.RunAt))
	}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			return nil, badRequest{msg: fmt.Sprintf("invalid delay %q", req.Delay)}
		}
		opts = append(opts, job.WithDelay(d))
	}
	if req.DedupeKey != "" {
		opts = append(opts, job.WithDedupeKey(req.DedupeKey))
	}
	return opts, nil
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"), defaultPageSize)
	if err != nil || limit < 1 {
		a.writeError(w, r, badRequest{msg: "invalid limit"})
		return
	}
	limit = min(limit, maxPageSize)
	offset, err := intParam(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		a.writeError(w, r, badRequest{msg: "invalid offset"})
		return
	}
	state := job.State(q.Get("state"))
	switch state {
	case "", job.StatePending, job.StateLocked, job.StateSucceeded, job.StateFailed:
	default:
		a.writeError(w, r, badRequest{msg: fmt.Sprintf("invalid state %q", state)})
		return
	}

	ctx := r.Context()
	store := a.eng.Store()
	jobs, err := store.ListJobs(ctx, job.ListOpts{
		Limit:  limit,
		Offset: offset,
		Queue:  q.Get("queue"),
		Kind:   q.Get("kind"),
		State:  state,
	})
	if err != nil {
		a.writeError(w, r, fmt.Errorf("list jobs: %w", err))
		return
	}
	total, err := store.CountJobs(ctx, job.CountOpts{Queue: q.Get("queue"), Kind: q.Get("kind"), State: state})
	if err != nil {
		a.writeError(w, r, fmt.Errorf("count jobs: %w", err))
		return
	}

	resp := ListJobsResponse{Jobs: make([]JobView, 0, len(jobs)), Total: total, Limit: limit, Offset: offset}
	for _, j := range jobs {
		resp.Jobs = append(resp.Jobs, NewJobView(j))
	}
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Job(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, NewJobView(j))
}

func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	if err := a.eng.Store().DeleteJob(r.Context(), jobID); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) replayJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	j, err := a.eng.Replay(r.Context(), jobID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, NewJobView(j))
}

func (a *API) enqueueJob(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, r, badRequest{msg: "invalid request body: " + err.Error()})
		return
	}
	if req.Kind == "" {
		a.writeError(w, r, badRequest{msg: "kind is required"})
		return
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage("{}")
	}
	opts, err := req.options()
	if err != nil {
		a.writeError(w, r, err)
		return
	}

	j, err := a.eng.EnqueueRaw(r.Context(), req.Kind, req.Payload, opts...)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, NewJobView(j))
}

func (a *API) jobIDParam(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, r, badRequest{msg: fmt.Sprintf("invalid job ID: %v", err)})
		return id.Nil, false
	}
	return jobID, true
}

func intParam(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}
