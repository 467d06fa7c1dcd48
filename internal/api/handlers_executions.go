package api

import (
	"encoding/json"
	"net/http"

	"taskorch/internal/core"

	"github.com/go-chi/chi/v5"
)

const (
	defaultExecutionLimit = 20
	maxExecutionLimit     = 200
)

type executionResponse struct {
	ID               string          `json:"id"`
	TaskDefinitionID string          `json:"task_definition_id"`
	Status           string          `json:"status"`
	StartedAt        *string         `json:"started_at,omitempty"`
	CompletedAt      *string         `json:"completed_at,omitempty"`
	DurationMS       *int64          `json:"duration_ms,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            *string         `json:"error,omitempty"`
	Logs             *string         `json:"logs,omitempty"`
	TriggeredBy      string          `json:"triggered_by"`
	CreatedAt        string          `json:"created_at"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	def, ok := s.resolveTask(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultExecutionLimit)
	if limit <= 0 {
		limit = defaultExecutionLimit
	}
	limit = min(limit, maxExecutionLimit)

	execs, err := s.ctl.ListRecentExecutions(r.Context(), def.ID, limit)
	if err != nil {
		s.writeCoreError(w, err, "list executions", "task_id", def.ID)
		return
	}
	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.ctl.GetExecution(r.Context(), id)
	if err != nil {
		s.writeCoreError(w, err, "load execution", "execution_id", id)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func executionToResponse(exec *core.TaskExecution) executionResponse {
	return executionResponse{
		ID:               exec.ID,
		TaskDefinitionID: exec.TaskDefinitionID,
		Status:           string(exec.Status),
		StartedAt:        formatTimePtr(exec.StartedAt),
		CompletedAt:      formatTimePtr(exec.CompletedAt),
		DurationMS:       exec.Duration,
		Result:           exec.Result,
		Error:            exec.Error,
		Logs:             exec.Logs,
		TriggeredBy:      string(exec.TriggeredBy),
		CreatedAt:        formatTime(exec.CreatedAt),
	}
}
