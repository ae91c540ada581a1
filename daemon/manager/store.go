package manager

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionAlreadyExists   = errors.New("session already exists")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrTooManySessions        = errors.New("too many sessions for peer")
)

// SessionStore manages in-memory session storage
type SessionStore struct {
	sessions map[string]*Session
	// perPeer caps concurrent non-terminal sessions per peer; 0 is unlimited.
	perPeer int
	mu      sync.RWMutex
}

// NewSessionStore creates a new session store
func NewSessionStore(perPeer int) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		perPeer:  perPeer,
	}
}

// Add adds a new session to the store
func (s *SessionStore) Add(session *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return ErrSessionAlreadyExists
	}
	if s.perPeer > 0 && session.Peer != "" {
		active := 0
		for _, other := range s.sessions {
			if other.Peer == session.Peer && !other.GetState().Terminal() {
				active++
			}
		}
		if active >= s.perPeer {
			return ErrTooManySessions
		}
	}

	s.sessions[session.ID] = session
	return nil
}

// Get retrieves a session by ID
func (s *SessionStore) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Delete removes a session from the store
func (s *SessionStore) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sessionID]; !exists {
		return ErrSessionNotFound
	}
	delete(s.sessions, sessionID)
	return nil
}

// List returns summaries of sessions matching the optional filter, newest
// first, and the total before pagination.
func (s *SessionStore) List(filterState *TransferState, limit, offset int) ([]Summary, int) {
	s.mu.RLock()
	var filtered []Summary
	for _, session := range s.sessions {
		sum := session.Summary()
		if filterState != nil && sum.State != *filterState {
			continue
		}
		filtered = append(filtered, sum)
	}
	s.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].StartTime.After(filtered[j].StartTime)
	})
	total := len(filtered)

	// Apply pagination
	if offset >= len(filtered) {
		return []Summary{}, total
	}
	end := offset + limit
	if end > len(filtered) || limit == 0 {
		end = len(filtered)
	}
	return filtered[offset:end], total
}

// CleanupOldSessions removes terminal sessions not updated within maxAge.
func (s *SessionStore) CleanupOldSessions(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, session := range s.sessions {
		sum := session.Summary()
		if sum.State.Terminal() && sum.UpdateTime.Before(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

// Count returns the total number of sessions
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
