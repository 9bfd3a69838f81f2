package pkg

import (
	"time"
)

// Wire types of the chat and session HTTP surface

// ChatRequest submits one chat turn.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

// ResumeRequest continues an interrupted turn.
type ResumeRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
}

type CreateSessionRequest struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Title     string `json:"title,omitempty"`
}

type UpdateTitleRequest struct {
	Title string `json:"title"`
}

// SessionResponse is a session record as exposed to the console UI.
type SessionResponse struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Title     string     `json:"title"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

type SessionListResponse struct {
	Sessions []SessionResponse `json:"sessions"`
}

// LifecycleResponse reports whether a soft delete, restore or purge changed anything.
type LifecycleResponse struct {
	Changed bool `json:"changed"`
}

// MessageResponse is one transcript entry. Role is user, assistant or system;
// Agent names the worker or supervisor that wrote it.
type MessageResponse struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Agent   string `json:"agent,omitempty"`
}

type MessagesResponse struct {
	SessionID string            `json:"sessionId"`
	Messages  []MessageResponse `json:"messages"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Error codes
const (
	CodeValidation     = "validation_error"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeTurnInProgress = "turn_in_progress"
	CodeNothingPending = "nothing_to_resume"
	CodeInternal       = "internal_error"
	CodeUnavailable    = "unavailable"
)
