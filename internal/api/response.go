package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"taskorch/internal/core"
)

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

// statusForKind maps an error kind to its HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindDisabled:
		return http.StatusForbidden
	case core.KindAlreadyRunning, core.KindNotRunning:
		return http.StatusConflict
	case core.KindInvalidCron:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeCoreError renders err with its taxonomy kind. Internal errors are
// logged and their detail is withheld.
func (s *Server) writeCoreError(w http.ResponseWriter, err error, action string, attrs ...any) {
	kind := core.ErrorKind(err)
	status := statusForKind(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error(action, append(attrs, "err", err)...)
		writeError(w, status, kind, "failed to "+action)
		return
	}
	writeError(w, status, kind, err.Error())
}
