package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	v1 "github.com/agentdock/agentdock/pkg/api/v1"
)

// MemoryStore provides in-memory session storage for tests and development.
type MemoryStore struct {
	sessions map[string]*v1.Session
	messages map[string][]*v1.Message // sessionID -> ordered log
	mu       sync.RWMutex
	seq      int64 // breaks created_at ties for messages appended in the same tick
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*v1.Session),
		messages: make(map[string][]*v1.Message),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// CreateSession creates a new session record.
func (s *MemoryStore) CreateSession(ctx context.Context, session *v1.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.UpdatedAt = now

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

// ListSessions returns all sessions ordered by creation time.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*v1.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		cp := *session
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// UpdateSession updates an existing session.
func (s *MemoryStore) UpdateSession(ctx context.Context, session *v1.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; !ok {
		return ErrNotFound
	}
	session.UpdatedAt = time.Now().UTC()
	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

// UpdateSessionStatus updates the status of a session.
func (s *MemoryStore) UpdateSessionStatus(ctx context.Context, id string, status v1.SessionStatus, errorMessage *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	session.Status = status
	session.ErrorMessage = errorMessage
	session.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteSession deletes a session and its message log.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(s.sessions, id)
	delete(s.messages, id)
	return nil
}

// AppendMessage appends a message to a session's log.
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *v1.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[msg.SessionID]; !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		s.seq++
		msg.CreatedAt = time.Now().UTC().Add(time.Duration(s.seq) * time.Nanosecond)
	}

	cp := *msg
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], &cp)
	return nil
}

// ListMessages returns a session's messages ordered by creation time.
func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]*v1.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	log := s.messages[sessionID]
	result := make([]*v1.Message, 0, len(log))
	for _, msg := range log {
		cp := *msg
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
