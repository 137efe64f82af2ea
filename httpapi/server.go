// Package httpapi is the HTTP ingress of the service. Events posted here
// are published on the named bus and routed like any other event.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/poller"
	"github.com/goliatone/go-datacopy/workflow"
)

const maxBodyBytes = 1 << 20

// JobReader reads job records.
type JobReader interface {
	Get(ctx context.Context, id string, typ jobstore.RecordType) (jobstore.JobRecord, error)
}

// ExecutionReader reads workflow executions.
type ExecutionReader interface {
	DescribeExecution(ctx context.Context, id string) (workflow.Execution, error)
}

// Ticker runs one heartbeat poll on demand.
type Ticker interface {
	Tick(ctx context.Context) (poller.Report, error)
}

// Deps are the components the API reads from and publishes to.
type Deps struct {
	Publisher  bus.Publisher
	Jobs       JobReader
	Executions ExecutionReader
	Poller     Ticker
	Logger     datacopy.Logger
	// Health reports dependency failures; nil means always healthy.
	Health func(ctx context.Context) error
}

// Envelope is the response wrapper.
type Envelope struct {
	Data  any       `json:"data,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

// EventRequest is the body of POST /events/{bus}.
type EventRequest struct {
	Source     string          `json:"source"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// JobView is the body of GET /jobs/{id}.
type JobView struct {
	Job       jobstore.JobRecord  `json:"job"`
	Execution *workflow.Execution `json:"execution,omitempty"`
}

type api struct {
	deps   Deps
	logger datacopy.Logger
}

// NewHandler builds the chi router serving the API.
func NewHandler(deps Deps) http.Handler {
	a := &api{deps: deps, logger: datacopy.NormalizeLogger(deps.Logger)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.health)
	r.Post("/events/{bus}", a.publishEvent)
	r.Get("/jobs/{id}", a.getJob)
	r.Get("/executions/{id}", a.getExecution)
	r.Post("/heartbeat", a.heartbeat)
	return r
}

// NewServer wraps NewHandler in an http.Server with conservative timeouts.
func NewServer(addr string, deps Deps) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(deps),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (a *api) health(w http.ResponseWriter, r *http.Request) {
	if a.deps.Health != nil {
		if err := a.deps.Health(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Envelope{Error: &APIError{Code: "UNHEALTHY", Message: err.Error()}})
			return
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Data: map[string]string{"status": "ok"}})
}

func (a *api) publishEvent(w http.ResponseWriter, r *http.Request) {
	busName := chi.URLParam(r, "bus")
	if busName != bus.Internal && busName != bus.External {
		writeJSON(w, http.StatusNotFound, Envelope{Error: &APIError{Code: "UNKNOWN_BUS", Message: "unknown bus " + busName}})
		return
	}
	if a.deps.Publisher == nil {
		a.fail(w, r, errors.New("no event publisher configured"))
		return
	}

	var req EventRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		a.fail(w, r, datacopy.NewError(datacopy.ErrValidation, "request body is not a json event", err, nil))
		return
	}
	if strings.TrimSpace(req.DetailType) == "" {
		a.fail(w, r, datacopy.NewError(datacopy.ErrValidation, "detail-type required", nil, nil))
		return
	}

	evt := bus.Event{
		ID:         middleware.GetReqID(r.Context()),
		Bus:        busName,
		Source:     req.Source,
		DetailType: req.DetailType,
		Detail:     req.Detail,
	}
	if err := a.deps.Publisher.Publish(r.Context(), evt); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, Envelope{Data: map[string]string{"id": evt.ID, "bus": busName}})
}

func (a *api) getJob(w http.ResponseWriter, r *http.Request) {
	if a.deps.Jobs == nil {
		a.fail(w, r, errors.New("no job store configured"))
		return
	}
	rec, err := a.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"), jobstore.RecordTypeJob)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	view := JobView{Job: rec}
	if rec.ExecutionID != "" && a.deps.Executions != nil {
		exec, err := a.deps.Executions.DescribeExecution(r.Context(), rec.ExecutionID)
		switch {
		case err == nil:
			view.Execution = &exec
		case datacopy.HasCode(err, workflow.ErrCodeExecutionNotFound):
		default:
			a.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, Envelope{Data: view})
}

func (a *api) getExecution(w http.ResponseWriter, r *http.Request) {
	if a.deps.Executions == nil {
		a.fail(w, r, errors.New("no workflow engine configured"))
		return
	}
	exec, err := a.deps.Executions.DescribeExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: exec})
}

func (a *api) heartbeat(w http.ResponseWriter, r *http.Request) {
	if a.deps.Poller == nil {
		a.fail(w, r, errors.New("no poller configured"))
		return
	}
	report, err := a.deps.Poller.Tick(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Envelope{Data: report})
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, body := apiError(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("%s %s: %v", r.Method, r.URL.Path, err)
	}
	writeJSON(w, status, Envelope{Error: &body})
}

func (a *api) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		datacopy.WithLoggerFields(a.logger, map[string]any{
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("%s %s %d %s", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
