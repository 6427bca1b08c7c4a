package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hookline/dispatch/job"
)

// StatsResponse holds job counts per state.
type StatsResponse struct {
	Queue     string `json:"queue,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Pending   int64  `json:"pending"`
	Locked    int64  `json:"locked"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

// KindResponse describes one registered kind and its effective policy.
type KindResponse struct {
	Name             string          `json:"name"`
	Queue            string          `json:"queue"`
	Priority         int             `json:"priority"`
	MaxAttempts      int             `json:"max_attempts"`
	QueueConcurrency int             `json:"queue_concurrency,omitempty"`
	Timeout          string          `json:"timeout,omitempty"`
	Schema           json.RawMessage `json:"schema,omitempty"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	queue, kind := r.URL.Query().Get("queue"), r.URL.Query().Get("kind")
	counts, err := a.eng.Stats(r.Context(), queue, kind)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, StatsResponse{
		Queue:     queue,
		Kind:      kind,
		Pending:   counts[job.StatePending],
		Locked:    counts[job.StateLocked],
		Succeeded: counts[job.StateSucceeded],
		Failed:    counts[job.StateFailed],
	})
}

func (a *API) listKinds(w http.ResponseWriter, r *http.Request) {
	cat := a.eng.Catalog()
	tasks := a.eng.Registry().Tasks()
	out := make([]KindResponse, 0, len(tasks))
	for _, t := range tasks {
		k := KindResponse{
			Name:             t.Name,
			Queue:            t.QueuePattern,
			Priority:         t.Opts.Priority,
			MaxAttempts:      t.Opts.MaxAttempts,
			QueueConcurrency: t.Opts.QueueConcurrency,
		}
		if t.Opts.Timeout > 0 {
			k.Timeout = t.Opts.Timeout.String()
		}
		if cat != nil {
			if ck, ok := cat.Lookup(t.Name); ok {
				k.Schema = ck.Schema()
			}
		}
		out = append(out, k)
	}
	a.writeJSON(w, http.StatusOK, out)
}

type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store,omitempty"`
}

// healthz returns 200 when the store answers a ping and 503 otherwise.
func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.eng.Dispatcher().Store().Ping(ctx); err != nil {
		a.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}
