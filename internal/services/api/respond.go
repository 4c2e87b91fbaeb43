package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/NordCoder/Herald/internal/domain/notification"
	"github.com/NordCoder/Herald/internal/services/inapp"

	"go.uber.org/zap"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, notification.ErrNotFound), errors.Is(err, inapp.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, notification.ErrInvalidRequest), errors.Is(err, notification.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, notification.ErrInvalidTransition),
		errors.Is(err, notification.ErrNotDue),
		errors.Is(err, notification.ErrRetriesExhausted),
		errors.Is(err, notification.ErrDuplicate):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}
