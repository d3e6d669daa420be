package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eden/internal/storage"
	"eden/internal/task"
	logx "eden/pkg/logx"
)

// TaskStore is the read/delete side of the task store.
type TaskStore interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, f storage.ListFilter) ([]task.Task, error)
	Counts(ctx context.Context) (map[task.Status]int64, error)
	Delete(ctx context.Context, id string) (bool, error)
}

type Submitter interface {
	Submit(ctx context.Context, n task.NewTask) (task.Task, error)
}

type Deps struct {
	Store TaskStore
	// Queue enables POST /tasks when set.
	Queue Submitter
	// Metrics is served on /metrics when set.
	Metrics prometheus.Gatherer
	// Health adds per-component detail to /healthz.
	Health func() map[string]any
}

const maxBody = 1 << 20

// NewRouter builds the ops routes. Everything except /healthz requires the
// bearer token when one is configured.
func NewRouter(cfg Config, deps Deps, log logx.Logger) http.Handler {
	h := &handlers{deps: deps, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.Recoverer, requestLogger(log))

	r.Get("/healthz", h.health)
	r.Group(func(r chi.Router) {
		r.Use(bearer(cfg.Token))
		if deps.Metrics != nil {
			r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError}))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", h.listTasks)
			r.Get("/counts", h.counts)
			r.Get("/{id}", h.getTask)
			r.Delete("/{id}", h.deleteTask)
			if deps.Queue != nil {
				r.Post("/", h.createTask)
			}
		})
		if cfg.Pprof {
			r.HandleFunc("/debug/pprof/*", pprof.Index)
			r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
			r.HandleFunc("/debug/pprof/profile", pprof.Profile)
			r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
			r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		}
	})
	return r
}

type handlers struct {
	deps Deps
	log  logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	body := map[string]any{"status": "ok"}
	code := http.StatusOK
	if err := h.deps.Store.Ping(ctx); err != nil {
		body["status"] = "degraded"
		body["store"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if h.deps.Health != nil {
		for k, v := range h.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, code, body)
}

func (h *handlers) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f storage.ListFilter
	if s := q.Get("status"); s != "" {
		st, err := task.ParseStatus(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		f.Status = st
	}
	f.Kind = q.Get("kind")
	var err error
	if f.AfterSequence, err = intParam(q.Get("after")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f.Limit = int(min(limit, 1000))

	tasks, err := h.deps.Store.List(r.Context(), f)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	resp := map[string]any{"tasks": tasks}
	if n := len(tasks); n > 0 {
		resp["next_after"] = tasks[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) counts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.deps.Store.Counts(r.Context())
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.deps.Store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *handlers) deleteTask(w http.ResponseWriter, r *http.Request) {
	ok, err := h.deps.Store.Delete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, task.ErrTaskNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createRequest struct {
	Payload  json.RawMessage `json:"payload"`
	Deadline time.Time       `json:"deadline"`
	Priority string          `json:"priority,omitempty"`
	Periodic bool            `json:"periodic,omitempty"`
}

func (h *handlers) createTask(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, err := task.ParsePayload(req.Payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	prio, err := task.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	t, err := h.deps.Queue.Submit(r.Context(), task.NewTask{Payload: payload, Deadline: req.Deadline, Priority: prio, Periodic: req.Periodic})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, task.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, task.ErrInvalidPayload), errors.Is(err, task.ErrInvalidPriority):
		writeError(w, http.StatusUnprocessableEntity, err)
	default:
		h.log.Warn("ops request failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func intParam(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("query parameters after/limit must be non-negative integers")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// bearer accepts "Authorization: Bearer <token>" or "?token=<token>". An
// empty token disables the check.
func bearer(token string) func(http.Handler) http.Handler {
	tok := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(tok) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), tok) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, errors.New("unauthorized"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("ops request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
