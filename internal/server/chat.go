package server

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"console_agent/internal/core"
	"console_agent/pkg"
)

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty request body")
	}
	return sonic.Unmarshal(body, v)
}

func (s *Server) turnContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.config.TurnTimeout > 0 {
		return context.WithTimeout(r.Context(), s.config.TurnTimeout)
	}
	return context.WithCancel(r.Context())
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req pkg.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "request body must be a JSON object with message, sessionId and userId")
		return
	}

	ctx, cancel := s.turnContext(r)
	defer cancel()

	stream, err := s.graph.Run(ctx, core.TurnInput{
		Message:   req.Message,
		SessionID: req.SessionID,
		UserID:    req.UserID,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.streamTurn(w, stream)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req pkg.ResumeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "request body must be a JSON object with sessionId and userId")
		return
	}

	ctx, cancel := s.turnContext(r)
	defer cancel()

	stream, err := s.graph.Resume(ctx, req.SessionID, req.UserID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	s.streamTurn(w, stream)
}

// streamTurn relays answer tokens as SSE data frames until the turn ends.
// A failed turn ends with an error event.
func (s *Server) streamTurn(w http.ResponseWriter, stream *core.Stream) {
	defer stream.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, pkg.CodeInternal, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range stream.Events() {
		var err error
		switch ev.Type {
		case core.EventToken:
			err = writeData(w, ev.Content)
		case core.EventError:
			// the processor has already logged the failure
			_, code, message := publicError(ev.Err)
			err = writeEventError(w, code, message)
		default:
			continue
		}
		if err != nil {
			s.logger.Debug().Err(err).Str("session_id", stream.SessionID).Msg("Client went away")
			return
		}
		flusher.Flush()
	}
}
