// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/openctrol/openctrol-agent/internal/domain/session"
)

// SessionStore implements session.Store with an in-memory map.
// Thread-safe for concurrent access. Nothing survives a restart.
//
// Expiry is not enforced here; the broker filters and sweeps expired rows
// so that a session with a live connection is never dropped underneath it.
type SessionStore struct {
	sessions map[string]*session.DesktopSession
	mu       sync.RWMutex
}

// NewSessionStore creates an empty in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*session.DesktopSession),
	}
}

// Create stores a new session. Ids are never reused.
func (s *SessionStore) Create(ctx context.Context, sess *session.DesktopSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	// Store a copy to prevent external mutation
	s.sessions[sess.ID] = copySession(sess)
	return nil
}

// Get retrieves a session by ID, whether or not it has expired.
// Returns session.ErrSessionNotFound if session doesn't exist.
func (s *SessionStore) Get(ctx context.Context, id string) (*session.DesktopSession, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return nil, session.ErrSessionNotFound
	}
	return copySession(sess), nil
}

// Delete removes a session and returns the removed row.
func (s *SessionStore) Delete(ctx context.Context, id string) (*session.DesktopSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrSessionNotFound
	}
	delete(s.sessions, id)
	sess.Active = false
	return sess, nil
}

// List returns copies of all stored sessions.
func (s *SessionStore) List(ctx context.Context) ([]*session.DesktopSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*session.DesktopSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, copySession(sess))
	}
	return out, nil
}

// Size returns the number of sessions currently stored.
func (s *SessionStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func copySession(sess *session.DesktopSession) *session.DesktopSession {
	c := *sess
	return &c
}

// Compile-time interface verification.
var _ session.Store = (*SessionStore)(nil)
