package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	// ErrSessionNotFound is returned when no (visible) session matches the id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionConflict is returned when creating a session whose id already exists.
	ErrSessionConflict = errors.New("session already exists")
	// ErrStaleCheckpoint is returned when a checkpoint step does not advance the stored one.
	ErrStaleCheckpoint = errors.New("stale checkpoint")
)

// MaxTitleLength bounds auto-generated and user supplied titles (in runes).
const MaxTitleLength = 50

// Session is the durable record of one conversation.
type Session struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	IsDeleted bool       `json:"is_deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Checkpoint is an opaque snapshot of conversation state after a graph step.
type Checkpoint struct {
	SessionID string    `json:"session_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Step      int64     `json:"step"`
	Pending   string    `json:"pending"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionStore manages the session lifecycle.
type SessionStore interface {
	CreateSession(ctx context.Context, sessionID, userID, title string) (*Session, error)
	GetSession(ctx context.Context, sessionID string, includeDeleted bool) (*Session, error)
	ListSessions(ctx context.Context, userID string, includeDeleted bool) ([]*Session, error)
	UpdateTitle(ctx context.Context, sessionID, title string) (*Session, error)
	TouchSession(ctx context.Context, sessionID string) error
	SoftDelete(ctx context.Context, sessionID string) (bool, error)
	Restore(ctx context.Context, sessionID string) (bool, error)
	Purge(ctx context.Context, sessionID string) (bool, error)
	Cleanup(ctx context.Context, maxAgeDays int) (int, error)
}

// CheckpointStore persists conversation state per session.
// Writes for one session must not be issued concurrently.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, sessionID string, cp *Checkpoint) error
	LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)
}

// Store is a full backend: sessions, checkpoints and connection lifecycle.
type Store interface {
	SessionStore
	CheckpointStore
	Ping(ctx context.Context) error
	Close() error
}

// Options holds settings shared by every backend.
type Options struct {
	// Now overrides the clock, mainly for retention tests.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// TitleFromMessage derives a session title from the first user message.
func TitleFromMessage(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(title) <= MaxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:MaxTitleLength-3])) + "..."
}

// ValidateSession checks that a session record is well formed.
func ValidateSession(session *Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if session.SessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if session.UserID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if session.IsDeleted && session.DeletedAt == nil {
		return fmt.Errorf("deleted session %s has no deletion time", session.SessionID)
	}
	return nil
}

func cutoff(now time.Time, maxAgeDays int) time.Time {
	return now.Add(-time.Duration(maxAgeDays) * 24 * time.Hour)
}

func validateIDs(sessionID, userID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	return nil
}
