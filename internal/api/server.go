// Package api exposes process models and instances over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cordum/procflow/internal/infra/logging"
	"github.com/cordum/procflow/internal/infra/metrics"
	"github.com/cordum/procflow/internal/process"
	"github.com/google/uuid"
	"github.com/julienschmidt/httprouter"
)

const (
	component    = "api"
	maxBodyBytes = 1 << 20
)

// InstanceLocker guards instance writes against other procflow processes.
type InstanceLocker interface {
	Acquire(ctx context.Context, instanceID, owner string) (bool, error)
	Release(ctx context.Context, instanceID, owner string) error
}

// Server serves the process API.
type Server struct {
	engine  *process.Engine
	store   *process.RedisStore
	locks   InstanceLocker
	owner   string
	metrics metrics.API
}

// New builds an API server over engine. Instance writes hold the lock from
// locks; a nil locker leaves them unguarded. m may be nil.
func New(engine *process.Engine, locks InstanceLocker, m metrics.API) *Server {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Server{
		engine:  engine,
		store:   engine.Store(),
		locks:   locks,
		owner:   "procflow-api-" + uuid.NewString(),
		metrics: m,
	}
}

// withInstanceLock runs fn under the instance lock. A lock held elsewhere
// surfaces as ErrConflict so the client can retry.
func (s *Server) withInstanceLock(ctx context.Context, id string, fn func() (*process.ProcessInstance, error)) (*process.ProcessInstance, error) {
	if s.locks == nil {
		return fn()
	}
	// locks are reentrant per owner, so each request takes its own
	owner := s.owner + "/" + uuid.NewString()
	ok, err := s.locks.Acquire(ctx, id, owner)
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: instance %s is locked by another worker", process.ErrConflict, id)
	}
	defer func() {
		if err := s.locks.Release(context.Background(), id, owner); err != nil {
			logging.Error(component, "release instance lock", "instance_id", id, "error", err)
		}
	}()
	return fn()
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	s.handle(r, http.MethodGet, "/v1/process-models", s.listModels)
	s.handle(r, http.MethodGet, "/v1/process-models/:id", s.getModel)
	s.handle(r, http.MethodPut, "/v1/process-models/:id", s.putModel)
	s.handle(r, http.MethodDelete, "/v1/process-models/:id", s.deleteModel)
	s.handle(r, http.MethodGet, "/v1/process-models/:id/instances", s.listInstances)
	s.handle(r, http.MethodPost, "/v1/process-models/:id/instances", s.createInstance)

	s.handle(r, http.MethodGet, "/v1/process-instances/:id", s.getInstance)
	s.handle(r, http.MethodPost, "/v1/process-instances/:id/run", s.instanceAction(s.engine.RunInstance))
	s.handle(r, http.MethodPost, "/v1/process-instances/:id/suspend", s.instanceAction(s.engine.Suspend))
	s.handle(r, http.MethodPost, "/v1/process-instances/:id/resume", s.instanceAction(s.engine.Resume))
	s.handle(r, http.MethodPost, "/v1/process-instances/:id/terminate", s.instanceAction(s.engine.Terminate))
	s.handle(r, http.MethodPost, "/v1/process-instances/:id/tasks/:task/complete", s.completeTask)
	s.handle(r, http.MethodGet, "/v1/process-instances/:id/timeline", s.timeline)

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.PanicHandler = func(w http.ResponseWriter, req *http.Request, v interface{}) {
		logging.Error(component, "handler panic", "path", req.URL.Path, "panic", v)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
	return r
}

func (s *Server) handle(r *httprouter.Router, method, route string, h httprouter.Handle) {
	r.Handle(method, route, func(w http.ResponseWriter, req *http.Request, ps httprouter.Params) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, req, ps)
		s.metrics.ObserveRequest(method, route, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error(component, "encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps engine and store errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, process.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, process.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, process.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Error(component, "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

func limitParam(r *http.Request) int64 {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 50
}
