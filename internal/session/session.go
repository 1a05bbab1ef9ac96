package session

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrStoreFull is returned by Create when the session limit is reached.
var ErrStoreFull = errors.New("session store full")

const (
	joinCodeLength   = 8
	joinCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// Session represents a share session brokered by the signaling server.
type Session struct {
	ID        string    `json:"session_id"`
	JoinCode  string    `json:"join_code"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session has passed its expiry at now.
func (s Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Store is a thread-safe in-memory store for sessions.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]Session // keyed by session ID
	byCode   map[string]string  // join code -> session ID
	ttl      time.Duration
	max      int
	now      func() time.Time
}

// NewStore creates a new session store with the specified TTL.
// max <= 0 means no limit on live sessions.
func NewStore(ttl time.Duration, max int) *Store {
	return &Store{
		sessions: make(map[string]Session),
		byCode:   make(map[string]string),
		ttl:      ttl,
		max:      max,
		now:      time.Now,
	}
}

// Create creates a new session with a unique ID and join code.
func (s *Store) Create() (Session, error) {
	now := s.now()
	session := Session{
		ID:        uuid.NewString(),
		JoinCode:  generateJoinCode(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.max > 0 && len(s.sessions) >= s.max {
		return Session{}, ErrStoreFull
	}

	// Ensure join code is unique (retry if collision)
	for _, exists := s.byCode[session.JoinCode]; exists; {
		session.JoinCode = generateJoinCode()
		_, exists = s.byCode[session.JoinCode]
	}

	s.sessions[session.ID] = session
	s.byCode[session.JoinCode] = session.ID

	return session, nil
}

// GetByJoinCode retrieves a live session by its join code.
func (s *Store) GetByJoinCode(code string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessionID, exists := s.byCode[code]
	if !exists {
		return Session{}, false
	}

	session, exists := s.sessions[sessionID]
	if !exists || session.Expired(s.now()) {
		return Session{}, false
	}
	return session, true
}

// Get retrieves a session by ID.
func (s *Store) Get(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Delete removes a session. It reports whether the session existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if !ok {
		return false
	}
	delete(s.sessions, id)
	delete(s.byCode, session.JoinCode)
	return true
}

// Count returns the number of stored sessions, expired or not.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CleanupExpired removes all expired sessions from the store and returns
// their IDs.
func (s *Store) CleanupExpired(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, session := range s.sessions {
		if session.Expired(now) {
			removed = append(removed, id)
			delete(s.sessions, id)
			delete(s.byCode, session.JoinCode)
		}
	}
	return removed
}

// generateJoinCode generates a random 8-character join code.
// Uses uppercase A-Z and 2-9, excluding ambiguous characters: O, 0, I, 1.
func generateJoinCode() string {
	b := make([]byte, joinCodeLength)
	if _, err := rand.Read(b); err != nil {
		u := uuid.New()
		copy(b, u[:])
	}
	return encodeJoinCode(b)
}

func encodeJoinCode(b []byte) string {
	code := make([]byte, len(b))
	for i := range b {
		code[i] = joinCodeAlphabet[int(b[i])%len(joinCodeAlphabet)]
	}
	return string(code)
}
