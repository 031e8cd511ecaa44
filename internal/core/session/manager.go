// Package session tracks live call sessions from the moment a call is
// placed until its media bridge is torn down.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/internal/callstate"
	"github.com/ClareAI/astra-dialer/pkg/logger"
)

// Session is one outbound call in flight. The call SID arrives only after
// the provider accepts the call, and the shutdown hook only once the media
// bridge is running; both are attached after creation.
type Session struct {
	ID        string
	To        string
	StartTime time.Time

	mu       sync.Mutex
	callSid  string
	tracker  *callstate.Tracker
	shutdown func()
	released bool
}

// SetCallSid records the provider identity once the call is accepted.
func (s *Session) SetCallSid(callSid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callSid = callSid
}

// CallSid returns the provider call identity, or "" before acceptance.
func (s *Session) CallSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callSid
}

// SetTracker attaches the call state tracker.
func (s *Session) SetTracker(t *callstate.Tracker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker = t
}

// Tracker returns the call state tracker, or nil before the call started.
func (s *Session) Tracker() *callstate.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

// SetShutdown attaches the bridge teardown hook. A terminal status callback
// can release the session before the bridge finishes starting; in that case
// the hook runs immediately so the bridge does not outlive the session.
func (s *Session) SetShutdown(fn func()) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		if fn != nil {
			fn()
		}
		return
	}
	s.shutdown = fn
	s.mu.Unlock()
}

// Release runs the teardown hook at most once.
func (s *Session) Release() {
	s.mu.Lock()
	fn := s.shutdown
	released := s.released
	s.released = true
	s.mu.Unlock()
	if !released && fn != nil {
		fn()
	}
}

// Manager is the in-process registry of live sessions, addressable both by
// session ID (ours) and call SID (the provider's).
type Manager struct {
	mu        sync.RWMutex
	byID      map[string]*Session
	byCallSid map[string]*Session
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		byID:      make(map[string]*Session),
		byCallSid: make(map[string]*Session),
	}
}

// Create registers a new session for a call about to be placed.
func (m *Manager) Create(to string) *Session {
	s := &Session{
		ID:        uuid.NewString(),
		To:        to,
		StartTime: time.Now(),
	}
	m.mu.Lock()
	m.byID[s.ID] = s
	m.mu.Unlock()

	logger.Base().Info("session created",
		zap.String("session_id", s.ID), zap.String("to", to))
	return s
}

// BindCallSid indexes a session under its provider call SID.
func (m *Manager) BindCallSid(sessionID, callSid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	if !ok {
		return fmt.Errorf("session: unknown session %s", sessionID)
	}
	s.SetCallSid(callSid)
	m.byCallSid[callSid] = s
	return nil
}

// Get returns a session by our session ID.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// GetByCallSid returns a session by provider call SID.
func (m *Manager) GetByCallSid(callSid string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.byCallSid[callSid]
	return s, ok
}

// Remove releases a session and drops it from both indexes. Removing an
// already-removed session is a no-op.
func (m *Manager) Remove(sessionID string) {
	m.mu.Lock()
	s, ok := m.byID[sessionID]
	if ok {
		delete(m.byID, sessionID)
		if sid := s.CallSid(); sid != "" {
			delete(m.byCallSid, sid)
		}
	}
	m.mu.Unlock()

	if ok {
		s.Release()
		logger.Base().Info("session removed", zap.String("session_id", sessionID))
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// ReleaseAll tears down every live session, used on process shutdown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.byID))
	for _, s := range m.byID {
		sessions = append(sessions, s)
	}
	m.byID = make(map[string]*Session)
	m.byCallSid = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Release()
	}
}
