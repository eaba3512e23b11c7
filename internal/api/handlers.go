package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/orchestrator/internal/engine"
	"github.com/sells-group/orchestrator/internal/model"
	"github.com/sells-group/orchestrator/internal/scheduler"
	"github.com/sells-group/orchestrator/internal/store"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.hub != nil {
		body["watchers"] = s.hub.Subscribers()
	}
	writeJSON(w, http.StatusOK, body)
}

// WorkflowView is a workflow with its next scheduled run.
type WorkflowView struct {
	model.Workflow
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	Active    int        `json:"active_runs"`
}

func (s *Server) workflowView(wf model.Workflow) WorkflowView {
	v := WorkflowView{Workflow: wf, Active: s.engine.ActiveRuns(wf.ID)}
	if wf.Schedule.Enabled {
		if next, err := scheduler.NextRun(&wf, s.now()); err == nil {
			v.NextRunAt = next
		}
	}
	return v
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.repo.ListWorkflows(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]WorkflowView, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, s.workflowView(wf))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := s.repo.LoadWorkflow(r.Context(), chi.URLParam(r, "workflowID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.workflowView(*wf))
}

func (s *Server) workflowHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	id := chi.URLParam(r, "workflowID")
	if _, err := s.repo.LoadWorkflow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	runs, err := s.repo.History(r.Context(), id, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// TriggerBody is the request body of POST /v1/workflows/{id}/runs.
type TriggerBody struct {
	Parameters map[string]any         `json:"parameters,omitempty"`
	Inputs     map[string]model.Batch `json:"inputs,omitempty"`
}

func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	var body TriggerBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid request body")
		return
	}

	runID, err := s.engine.TriggerRun(r.Context(), chi.URLParam(r, "workflowID"), engine.TriggerRequest{
		Trigger:    model.TriggerAPI,
		Parameters: body.Parameters,
		Inputs:     body.Inputs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": string(model.RunScheduled),
	})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	offset, ok := intParam(r, "offset")
	if !ok {
		badRequest(w, "offset must be a non-negative integer")
		return
	}
	q := r.URL.Query()
	runs, err := s.repo.ListRuns(r.Context(), store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     model.RunStatus(q.Get("status")),
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.GetRun(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) controlRun(w http.ResponseWriter, r *http.Request) {
	action := engine.Action(chi.URLParam(r, "action"))
	switch action {
	case engine.ActionPause, engine.ActionResume, engine.ActionCancel:
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown action " + string(action)})
		return
	}
	runID := chi.URLParam(r, "runID")
	if err := s.engine.ControlRun(r.Context(), runID, action); err != nil {
		writeError(w, err)
		return
	}
	v, err := s.engine.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(r, "limit")
	if !ok {
		badRequest(w, "limit must be a non-negative integer")
		return
	}
	q := r.URL.Query()
	alerts, err := s.alerts.List(r.Context(), store.AlertFilter{
		Status:     model.AlertStatus(q.Get("status")),
		WorkflowID: q.Get("workflow_id"),
		RunID:      q.Get("run_id"),
		Limit:      limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if alerts == nil {
		alerts = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) acknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Acknowledge(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) resolveAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Resolve(r.Context(), chi.URLParam(r, "alertID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.repo.ListProviders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if providers == nil {
		providers = []model.Provider{}
	}
	writeJSON(w, http.StatusOK, providers)
}
