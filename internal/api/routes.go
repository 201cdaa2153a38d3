package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"jobmesh/internal/recurrence"
	"jobmesh/internal/storage"
	"jobmesh/internal/task"
	"jobmesh/internal/task/action"
	"jobmesh/internal/task/balancer"
	"jobmesh/internal/task/executor"
	"jobmesh/internal/task/orchestrator"
	logx "jobmesh/pkg/logx"
)

const actorHeader = "X-Jobmesh-Actor"

// Scheduler is the orchestrator surface the API drives.
type Scheduler interface {
	Health() orchestrator.HealthStatus
	Activity(ctx context.Context) (map[string]task.Activity, error)
	ListTasks(ctx context.Context, org string) ([]task.Task, error)
	GetTask(ctx context.Context, org, id string) (task.Task, error)
	PutTask(ctx context.Context, t task.Task) error
	RemoveTask(ctx context.Context, org, id string) error
	NextRun(ctx context.Context, taskID string) (time.Time, error)
	RunTask(ctx context.Context, taskID string, inv executor.Invoker) error
	CancelTask(taskID string) error
}

type Rebalancer interface {
	Rebalance(ctx context.Context, name string) (balancer.Result, error)
}

// Store holds time ranges and the audit trail.
type Store interface {
	storage.RangeStore
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

// Handlers binds the API routes to their collaborators.
type Handlers struct {
	Sched   Scheduler
	Balance Rebalancer
	Store   Store
	Metrics http.Handler
	Log     logx.Logger
	Token   string
	Debug   bool
	// Background runs detached work such as async task runs. Nil uses a
	// plain goroutine.
	Background func(name string, fn func(ctx context.Context))
	now        func() time.Time
}

// Router builds the chi router.
func (h *Handlers) Router() http.Handler {
	if h.Log.IsZero() {
		h.Log = logx.Nop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.requestLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	if h.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.Metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.auth)
		r.Get("/activity", h.activity)
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.listTasks)
			r.Put("/{id}", h.putTask)
			r.Get("/{id}", h.getTask)
			r.Delete("/{id}", h.deleteTask)
			r.Get("/{id}/next", h.nextRun)
			r.Post("/{id}/run", h.runTask)
			r.Post("/{id}/cancel", h.cancelTask)
		})
		r.Route("/ranges", func(r chi.Router) {
			r.Get("/", h.listRanges)
			r.Put("/{name}", h.putRange)
			r.Post("/{name}/rebalance", h.rebalance)
		})
		if h.Debug {
			r.HandleFunc("/debug/pprof/", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
			r.Handle("/debug/pprof/{name}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				pprof.Handler(chi.URLParam(r, "name")).ServeHTTP(w, r)
			}))
		}
	})
	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	st := h.Sched.Health()
	code := http.StatusOK
	if !st.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, st)
}

func (h *Handlers) activity(w http.ResponseWriter, r *http.Request) {
	act, err := h.Sched.Activity(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, act)
}

func (h *Handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := h.Sched.ListTasks(r.Context(), r.URL.Query().Get("org"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

func (h *Handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Sched.GetTask(r.Context(), r.URL.Query().Get("org"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) putTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var t task.Task
	if err := decodeBody(w, r, &t); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if t.ID != "" && t.ID != id {
		writeError(w, http.StatusBadRequest, "task id does not match path")
		return
	}
	t.ID = id
	if org := r.URL.Query().Get("org"); org != "" && t.Org == "" {
		t.Org = org
	}
	for i := range t.Conditions {
		if t.Conditions[i].ID == "" {
			t.Conditions[i].ID = uuid.NewString()
		}
	}
	for i := range t.Actions {
		if t.Actions[i].ID == "" {
			t.Actions[i].ID = uuid.NewString()
		}
	}
	err := h.audited(r, "task.put", id, func(ctx context.Context) error {
		return h.Sched.PutTask(ctx, t)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *Handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	org := r.URL.Query().Get("org")
	err := h.audited(r, "task.delete", id, func(ctx context.Context) error {
		return h.Sched.RemoveTask(ctx, org, id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) nextRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	next, err := h.Sched.NextRun(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "next": next})
}

func (h *Handlers) runTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv := executor.Invoker{By: "api:" + actor(r), Manual: true}
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	if _, err := h.Sched.GetTask(r.Context(), r.URL.Query().Get("org"), id); err != nil {
		h.fail(w, r, err)
		return
	}
	if wait {
		err := h.audited(r, "task.run", id, func(ctx context.Context) error {
			return h.Sched.RunTask(ctx, id, inv)
		})
		if err != nil {
			h.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"task_id": id, "state": "done"})
		return
	}

	h.audit(r, "task.run", id, nil, 0)
	h.background("api.run."+id, func(ctx context.Context) {
		if err := h.Sched.RunTask(ctx, id, inv); err != nil {
			h.Log.Warn("api run failed", logx.String("task", id), logx.Err(err))
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "state": "accepted"})
}

func (h *Handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.audited(r, "task.cancel", id, func(context.Context) error {
		return h.Sched.CancelTask(id)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_id": id, "state": "cancelling"})
}

func (h *Handlers) listRanges(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Store.ListTimeRanges(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handlers) putRange(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var tr task.TimeRange
	if err := decodeBody(w, r, &tr); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	tr.Name = name
	err := h.audited(r, "range.put", name, func(ctx context.Context) error {
		return h.Store.PutTimeRange(ctx, tr)
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (h *Handlers) rebalance(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var res balancer.Result
	err := h.audited(r, "range.rebalance", name, func(ctx context.Context) error {
		var err error
		res, err = h.Balance.Rebalance(ctx, name)
		return err
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handlers) background(name string, fn func(ctx context.Context)) {
	if h.Background != nil {
		h.Background(name, fn)
		return
	}
	go fn(context.Background())
}

func (h *Handlers) audited(r *http.Request, action, target string, fn func(ctx context.Context) error) error {
	start := h.now()
	err := fn(r.Context())
	h.audit(r, action, target, err, h.now().Sub(start))
	return err
}

func (h *Handlers) audit(r *http.Request, action, target string, err error, took time.Duration) {
	if h.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:     h.now(),
		Actor:  actor(r),
		Action: action,
		Target: target,
		OK:     err == nil,
		TookMS: took.Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if aerr := h.Store.AppendAudit(ctx, e); aerr != nil {
		h.Log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.Log.Error("api request failed", logx.String("path", r.URL.Path), logx.Err(err))
	}
	writeError(w, code, err.Error())
}

func (h *Handlers) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.Log.Debug("api request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, orchestrator.ErrNoNextRun):
		return http.StatusNotFound
	case errors.Is(err, task.ErrInvalidTask), errors.Is(err, task.ErrSelfDependency),
		errors.Is(err, recurrence.ErrInvalid), errors.Is(err, recurrence.ErrUnknownKind),
		errors.Is(err, action.ErrUnknownKind), errors.Is(err, action.ErrParam):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrNotRemovable), errors.Is(err, executor.ErrBusy),
		errors.Is(err, orchestrator.ErrClaimed), errors.Is(err, executor.ErrNotRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func actor(r *http.Request) string {
	if a := strings.TrimSpace(r.Header.Get(actorHeader)); a != "" {
		return a
	}
	return "anonymous"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
