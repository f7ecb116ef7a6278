package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/cordum/procflow/internal/process"
	"github.com/julienschmidt/httprouter"
)

func (s *Server) listModels(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	models, err := s.store.ListModels(r.Context(), limitParam(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": models})
}

func (s *Server) getModel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	model, err := s.store.GetModel(r.Context(), ps.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model)
}

func (s *Server) putModel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var model process.ProcessModel
	if err := decodeBody(w, r, &model); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	id := ps.ByName("id")
	if model.ID != "" && model.ID != id {
		writeError(w, http.StatusBadRequest, "body id does not match path")
		return
	}
	model.ID = id
	status := http.StatusCreated
	if existing, err := s.store.GetModel(r.Context(), id); err == nil {
		model.CreatedAt = existing.CreatedAt
		status = http.StatusOK
	}
	if err := s.store.SaveModel(r.Context(), &model); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, status, &model)
}

func (s *Server) deleteModel(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.store.DeleteModel(r.Context(), ps.ByName("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	items, err := s.store.ListInstancesByModel(r.Context(), ps.ByName("id"), limitParam(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createInstanceRequest struct {
	Data      map[string]any `json:"data"`
	StartedBy string         `json:"started_by"`
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var req createInstanceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	inst, err := s.engine.CreateInstance(r.Context(), ps.ByName("id"), req.Data, req.StartedBy)
	if err != nil {
		writeErr(w, err)
		return
	}
	if run, _ := strconv.ParseBool(r.URL.Query().Get("run")); run {
		id := inst.ID
		inst, err = s.withInstanceLock(r.Context(), id, func() (*process.ProcessInstance, error) {
			return s.engine.RunInstance(r.Context(), id)
		})
		if err != nil {
			writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	inst, err := s.store.GetInstance(r.Context(), ps.ByName("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) instanceAction(fn func(context.Context, string) (*process.ProcessInstance, error)) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		id := ps.ByName("id")
		inst, err := s.withInstanceLock(r.Context(), id, func() (*process.ProcessInstance, error) {
			return fn(r.Context(), id)
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, inst)
	}
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var data map[string]any
	if err := decodeBody(w, r, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}
	id := ps.ByName("id")
	inst, err := s.withInstanceLock(r.Context(), id, func() (*process.ProcessInstance, error) {
		return s.engine.CompleteUserTask(r.Context(), id, ps.ByName("task"), data)
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) timeline(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	if _, err := s.store.GetInstance(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	events, err := s.store.ListTimelineEvents(r.Context(), id, limitParam(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
