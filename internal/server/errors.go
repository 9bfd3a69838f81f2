package server

import (
	"errors"
	"net/http"

	"github.com/bytedance/sonic"

	"console_agent/internal/core"
	"console_agent/internal/storage"
	"console_agent/pkg"
)

// statusFor maps domain errors to an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation), errors.Is(err, core.ErrInvalidArgument):
		return http.StatusBadRequest, pkg.CodeValidation
	case errors.Is(err, storage.ErrSessionNotFound):
		return http.StatusNotFound, pkg.CodeNotFound
	case errors.Is(err, storage.ErrSessionConflict):
		return http.StatusConflict, pkg.CodeConflict
	case errors.Is(err, core.ErrTurnInProgress):
		return http.StatusConflict, pkg.CodeTurnInProgress
	case errors.Is(err, core.ErrNothingToResume):
		return http.StatusConflict, pkg.CodeNothingPending
	}
	var cpErr *core.CheckpointError
	if errors.As(err, &cpErr) {
		return http.StatusServiceUnavailable, pkg.CodeUnavailable
	}
	return http.StatusInternalServerError, pkg.CodeInternal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"code":"internal_error","message":"encoding response"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, pkg.ErrorResponse{Error: pkg.ErrorBody{Code: code, Message: message}})
}

// publicError maps err to its status, code and the message a client may
// see. Server-side failures only expose their status text.
func publicError(err error) (int, string, string) {
	status, code := statusFor(err)
	if err == nil || status >= http.StatusInternalServerError {
		return status, code, http.StatusText(status)
	}
	return status, code, err.Error()
}

// writeDomainError renders err with its mapped status. Internal errors do not
// leak their text.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := publicError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeError(w, status, code, message)
}
