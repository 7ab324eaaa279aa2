package user

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// AnonymousSession is a persistent anonymous identity. It outlives any single
// WebSocket: the same token yields the same user ID across page reloads and
// diagram changes, which is what lets the relay deduplicate a guest's tabs.
type AnonymousSession struct {
	Token     string    `json:"token"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`

	// lastSeen is refreshed on every lookup; sessions idle past the TTL
	// are reaped.
	lastSeen time.Time
}

// SessionStore manages anonymous sessions keyed by token, expiring sessions
// that have not been seen within the TTL.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*AnonymousSession
	ttl      time.Duration
}

// NewSessionStore creates a store that reaps sessions idle longer than ttl.
func NewSessionStore(ttl time.Duration) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*AnonymousSession),
		ttl:      ttl,
	}
	go s.reapLoop()
	return s
}

// Create generates a new anonymous session with a random token and user ID.
func (s *SessionStore) Create() *AnonymousSession {
	now := time.Now()
	sess := &AnonymousSession{
		Token:     uuid.NewString(),
		UserID:    uuid.NewString(),
		CreatedAt: now,
		lastSeen:  now,
	}
	s.mu.Lock()
	s.sessions[sess.Token] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session for the given token, or nil if unknown or expired.
// A successful lookup refreshes the session's idle timer.
func (s *SessionStore) Get(token string) *AnonymousSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return nil
	}
	sess.lastSeen = time.Now()
	return sess
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// reapLoop periodically removes sessions idle past the TTL.
func (s *SessionStore) reapLoop() {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()
	for range ticker.C {
		s.reap()
	}
}

func (s *SessionStore) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for token, sess := range s.sessions {
		if sess.lastSeen.Before(cutoff) {
			delete(s.sessions, token)
		}
	}
}
