package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	checkpoints map[string]*Checkpoint
	opts        Options
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*Session),
		checkpoints: make(map[string]*Checkpoint),
		opts:        opts,
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sessionID, userID, title string) (*Session, error) {
	if err := validateIDs(sessionID, userID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionConflict, sessionID)
	}

	now := m.opts.now()
	session := &Session{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    userID,
		Title:     TitleFromMessage(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[sessionID] = session

	copied := *session
	return &copied, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, sessionID string, includeDeleted bool) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[sessionID]
	if !exists || (session.IsDeleted && !includeDeleted) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	copied := *session
	return &copied, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, userID string, includeDeleted bool) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, session := range m.sessions {
		if session.UserID != userID || (session.IsDeleted && !includeDeleted) {
			continue
		}
		copied := *session
		result = append(result, &copied)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (m *MemoryStore) UpdateTitle(ctx context.Context, sessionID, title string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists || session.IsDeleted {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	session.Title = TitleFromMessage(title)
	session.UpdatedAt = m.opts.now()

	copied := *session
	return &copied, nil
}

func (m *MemoryStore) TouchSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	session.UpdatedAt = m.opts.now()
	return nil
}

func (m *MemoryStore) SoftDelete(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists || session.IsDeleted {
		return false, nil
	}
	now := m.opts.now()
	session.IsDeleted = true
	session.DeletedAt = &now
	session.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) Restore(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[sessionID]
	if !exists || !session.IsDeleted {
		return false, nil
	}
	session.IsDeleted = false
	session.DeletedAt = nil
	session.UpdatedAt = m.opts.now()
	return true, nil
}

func (m *MemoryStore) Purge(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.checkpoints, sessionID)
	return exists, nil
}

func (m *MemoryStore) Cleanup(ctx context.Context, maxAgeDays int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	limit := cutoff(m.opts.now(), maxAgeDays)
	removed := 0
	for id, session := range m.sessions {
		if session.IsDeleted && session.DeletedAt != nil && session.DeletedAt.Before(limit) {
			delete(m.sessions, id)
			delete(m.checkpoints, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) SaveCheckpoint(ctx context.Context, sessionID string, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sessionID]; !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if latest, exists := m.checkpoints[sessionID]; exists && cp.Step <= latest.Step {
		return fmt.Errorf("%w: step %d <= %d", ErrStaleCheckpoint, cp.Step, latest.Step)
	}

	copied := *cp
	copied.SessionID = sessionID
	copied.State = append([]byte(nil), cp.State...)
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = m.opts.now()
	}
	m.checkpoints[sessionID] = &copied
	return nil
}

func (m *MemoryStore) LoadCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cp, exists := m.checkpoints[sessionID]
	if !exists {
		return nil, nil
	}
	copied := *cp
	copied.State = append([]byte(nil), cp.State...)
	return &copied, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
