package api

import (
	"encoding/json"
	"net/http"
	"time"

	"taskorch/internal/core"

	"github.com/go-chi/chi/v5"
)

const defaultRecentExecutions = 5

type toggleTaskRequest struct {
	Enabled *bool `json:"enabled"`
}

type taskStatusResponse struct {
	IsRunning       bool    `json:"is_running"`
	LastRunAt       *string `json:"last_run_at,omitempty"`
	NextRunAt       *string `json:"next_run_at,omitempty"`
	LastExecutionID *string `json:"last_execution_id,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

type taskResponse struct {
	ID                 string              `json:"id"`
	Name               string              `json:"name"`
	Description        *string             `json:"description,omitempty"`
	CronExpression     *string             `json:"cron_expression,omitempty"`
	IsEnabled          bool                `json:"is_enabled"`
	IsDaily            bool                `json:"is_daily"`
	IsWeekly           bool                `json:"is_weekly"`
	IsMonthly          bool                `json:"is_monthly"`
	TaskType           string              `json:"task_type"`
	CreatedAt          string              `json:"created_at"`
	UpdatedAt          *string             `json:"updated_at,omitempty"`
	Status             *taskStatusResponse `json:"status,omitempty"`
	IsCurrentlyRunning bool                `json:"is_currently_running"`
	NextFireAt         *string             `json:"next_fire_at,omitempty"`
	RecentExecutions   []executionResponse `json:"recent_executions"`
}

type executeTaskResponse struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
	Status      string `json:"status"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	recent := parseIntDefault(r.URL.Query().Get("recent"), defaultRecentExecutions)
	items, err := s.ctl.ListDefinitionsWithStatus(r.Context(), recent)
	if err != nil {
		s.writeCoreError(w, err, "list tasks")
		return
	}
	resp := make([]taskResponse, 0, len(items))
	for _, item := range items {
		resp = append(resp, s.taskToResponse(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	def, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	recent := parseIntDefault(r.URL.Query().Get("recent"), defaultRecentExecutions)
	item, err := s.ctl.GetDefinition(r.Context(), def.ID, recent)
	if err != nil {
		s.writeCoreError(w, err, "load task", "task_id", def.ID)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(item))
}

func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	def, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	run, err := s.ctl.Execute(r.Context(), def.ID)
	if err != nil {
		s.writeCoreError(w, err, "execute task", "task_id", def.ID)
		return
	}
	writeJSON(w, http.StatusAccepted, executeTaskResponse{
		ExecutionID: run.ID,
		TaskID:      run.TaskID,
		Status:      string(core.ExecutionPending),
	})
}

func (s *Server) handleStopTask(w http.ResponseWriter, r *http.Request) {
	def, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	if err := s.ctl.Cancel(r.Context(), def.ID); err != nil {
		s.writeCoreError(w, err, "stop task", "task_id", def.ID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": def.ID, "cancelled": true})
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	var req toggleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "enabled is required")
		return
	}
	def, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	if _, err := s.ctl.Toggle(r.Context(), def.ID, *req.Enabled); err != nil {
		s.writeCoreError(w, err, "toggle task", "task_id", def.ID)
		return
	}
	item, err := s.ctl.GetDefinition(r.Context(), def.ID, defaultRecentExecutions)
	if err != nil {
		s.writeCoreError(w, err, "load task", "task_id", def.ID)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(item))
}

// resolveTask looks up the {taskID} path segment, which may be an id or a
// task name, and writes the error response when it fails.
func (s *Server) resolveTask(w http.ResponseWriter, r *http.Request) (*core.TaskDefinition, bool) {
	ref := chi.URLParam(r, "taskID")
	def, err := s.ctl.Resolve(r.Context(), ref)
	if err != nil {
		s.writeCoreError(w, err, "load task", "task_ref", ref)
		return nil, false
	}
	return def, true
}

func (s *Server) taskToResponse(item *core.DefinitionWithStatus) taskResponse {
	def := item.Definition
	resp := taskResponse{
		ID:                 def.ID,
		Name:               def.Name,
		Description:        def.Description,
		CronExpression:     def.CronExpression,
		IsEnabled:          def.IsEnabled,
		IsDaily:            def.IsDaily,
		IsWeekly:           def.IsWeekly,
		IsMonthly:          def.IsMonthly,
		TaskType:           def.TaskType,
		CreatedAt:          formatTime(def.CreatedAt),
		UpdatedAt:          formatTimePtr(def.UpdatedAt),
		IsCurrentlyRunning: item.IsCurrentlyRunning,
		RecentExecutions:   make([]executionResponse, 0, len(item.RecentExecutions)),
	}
	if st := item.Status; st != nil {
		resp.Status = &taskStatusResponse{
			IsRunning:       st.IsRunning,
			LastRunAt:       formatTimePtr(st.LastRunAt),
			NextRunAt:       formatTimePtr(st.NextRunAt),
			LastExecutionID: st.LastExecutionID,
			UpdatedAt:       formatTime(st.UpdatedAt),
		}
	}
	if next, ok := s.ctl.NextFire(def.ID); ok {
		resp.NextFireAt = formatTimePtr(&next)
	}
	for _, exec := range item.RecentExecutions {
		resp.RecentExecutions = append(resp.RecentExecutions, executionToResponse(exec))
	}
	return resp
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
