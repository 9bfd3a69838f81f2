package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/go-chi/chi/v5"

	"console_agent/internal/core"
	"console_agent/internal/storage"
	"console_agent/pkg"
)

func toSessionResponse(s *storage.Session) pkg.SessionResponse {
	return pkg.SessionResponse{
		ID:        s.ID,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Title:     s.Title,
		IsDeleted: s.IsDeleted,
		DeletedAt: s.DeletedAt,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

func includeDeleted(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("includeDeleted"))
	return v
}

// ownedSession loads the session named in the path. When the request names a
// user, sessions of other users are reported as not found.
func (s *Server) ownedSession(ctx context.Context, r *http.Request, withDeleted bool) (*storage.Session, error) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := s.store.GetSession(ctx, sessionID, withDeleted)
	if err != nil {
		return nil, err
	}
	if userID := r.URL.Query().Get("userId"); userID != "" && session.UserID != userID {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
	}
	return session, nil
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("userId"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "userId is required")
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), userID, includeDeleted(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := pkg.SessionListResponse{Sessions: make([]pkg.SessionResponse, 0, len(sessions))}
	for _, session := range sessions {
		resp.Sessions = append(resp.Sessions, toSessionResponse(session))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req pkg.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "request body must be a JSON object")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "sessionId and userId are required")
		return
	}

	session, err := s.store.CreateSession(r.Context(), req.SessionID, req.UserID, req.Title)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(session))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.ownedSession(r.Context(), r, includeDeleted(r))
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	var req pkg.UpdateTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "request body must be a JSON object with title")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "title is required")
		return
	}
	if _, err := s.ownedSession(r.Context(), r, false); err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	session, err := s.store.UpdateTitle(r.Context(), chi.URLParam(r, "sessionID"), req.Title)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(session))
}

func (s *Server) lifecycle(op func(ctx context.Context, sessionID string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := s.ownedSession(r.Context(), r, true); err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		changed, err := op(r.Context(), chi.URLParam(r, "sessionID"))
		if err != nil {
			s.writeDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pkg.LifecycleResponse{Changed: changed})
	}
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(s.store.SoftDelete)(w, r)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(s.store.Restore)(w, r)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(s.store.Purge)(w, r)
}

// handleMessages serves a transcript to its owner only.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(r.URL.Query().Get("userId")) == "" {
		writeError(w, http.StatusBadRequest, pkg.CodeValidation, "userId is required")
		return
	}
	session, err := s.ownedSession(r.Context(), r, false)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	history, err := s.graph.History(r.Context(), session.SessionID)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	resp := pkg.MessagesResponse{SessionID: session.SessionID, Messages: make([]pkg.MessageResponse, 0, len(history))}
	for _, msg := range history {
		if msg.Role == schema.System && msg.Name == string(core.NodeSupervisor) && !includeNotes(r) {
			continue
		}
		resp.Messages = append(resp.Messages, pkg.MessageResponse{
			Role:    string(msg.Role),
			Content: msg.Content,
			Agent:   msg.Name,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// includeNotes keeps the supervisor's routing annotations in the transcript.
func includeNotes(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("includeNotes"))
	return v
}
