package server

import (
	"sync"
	"time"
)

// sessionExpiryManager runs one timer per live session.
type sessionExpiryManager struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newSessionExpiryManager() *sessionExpiryManager {
	return &sessionExpiryManager{
		timers: make(map[string]*time.Timer),
	}
}

func (m *sessionExpiryManager) schedule(sessionID string, ttl time.Duration, fn func()) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.timers[sessionID]; existing != nil {
		existing.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(ttl, func() {
		m.mu.Lock()
		if m.timers[sessionID] != timer {
			// Rescheduled or cancelled while this callback was starting.
			m.mu.Unlock()
			return
		}
		delete(m.timers, sessionID)
		m.mu.Unlock()
		fn()
	})
	m.timers[sessionID] = timer
}

func (m *sessionExpiryManager) cancel(sessionID string) {
	m.mu.Lock()
	if timer := m.timers[sessionID]; timer != nil {
		timer.Stop()
		delete(m.timers, sessionID)
	}
	m.mu.Unlock()
}

func (m *sessionExpiryManager) stopAll() {
	m.mu.Lock()
	for id, timer := range m.timers {
		timer.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()
}

func (m *sessionExpiryManager) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
