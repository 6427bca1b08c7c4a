// Package api serves the admin HTTP API of a dispatch engine: job
// inspection, replay, raw enqueue, per-state counts, cron entries, a
// health check and Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hookline/dispatch"
	"github.com/hookline/dispatch/catalog"
	"github.com/hookline/dispatch/cron"
	"github.com/hookline/dispatch/engine"
)

// maxBodyBytes bounds request bodies, enqueue payloads included.
const maxBodyBytes = 1 << 20

// API wires the HTTP handlers of the dispatch admin API.
type API struct {
	eng      *engine.Engine
	logger   *slog.Logger
	gatherer prometheus.Gatherer
}

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger for request errors.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. The
// default is prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) { a.gatherer = g }
}

// New creates an API from a dispatch Engine.
func New(eng *engine.Engine, opts ...Option) *API {
	a := &API{
		eng:      eng,
		logger:   eng.Dispatcher().Logger(),
		gatherer: prometheus.DefaultGatherer,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(maxBodyBytes))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", a.RegisterRoutes)
	return r
}

// RegisterRoutes registers the API routes on r.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/kinds", a.listKinds)
	r.Get("/stats", a.stats)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", a.listJobs)
		r.Post("/", a.enqueueJob)
		r.Route("/{jobID}", func(r chi.Router) {
			r.Get("/", a.getJob)
			r.Delete("/", a.deleteJob)
			r.Post("/replay", a.replayJob)
		})
	})

	r.Route("/cron", func(r chi.Router) {
		r.Get("/", a.listCron)
		r.Post("/{name}/trigger", a.triggerCron)
	})
}

// errorResponse is the JSON body of every error.
type errorResponse struct {
	Error    string            `json:"error"`
	Problems []catalog.Problem `json:"problems,omitempty"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("api: encode response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	body := errorResponse{Error: err.Error()}
	var verr *catalog.ValidationError
	if errors.As(err, &verr) {
		body.Problems = verr.Problems
	}
	if status >= http.StatusInternalServerError {
		a.logger.Error("api: request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("error", err.Error()),
		)
	}
	a.writeJSON(w, status, body)
}

func statusOf(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, dispatch.ErrJobNotFound), errors.Is(err, cron.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatch.ErrPayloadInvalid), errors.Is(err, dispatch.ErrUnknownKind):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrStorageUnavailable), errors.Is(err, dispatch.ErrStoreClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// badRequest is a client error that maps to 400.
type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }
