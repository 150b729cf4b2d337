package trust

import "sync"

// Sessions owns one Context per agent session. A session's context is only
// replaced by Reset, which the session collaborator calls on explicit
// termination or restart. Nothing else ever discards a session, not even
// an idle trusted one: a request still holding it could taint it after a
// replacement was handed out. Memory therefore grows with the number of
// distinct session ids until they are reset; Len feeds the sessions gauge.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Context
}

// NewSessions creates an empty registry.
func NewSessions() *Sessions {
	return &Sessions{sessions: make(map[string]*Context)}
}

// Get returns the context for sessionID, creating a trusted one on first use.
func (s *Sessions) Get(sessionID string) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.sessions[sessionID]
	if !ok {
		c = NewContext(sessionID)
		s.sessions[sessionID] = c
	}
	return c
}

// Lookup returns the context for sessionID without creating one.
func (s *Sessions) Lookup(sessionID string) (*Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sessions[sessionID]
	return c, ok
}

// Reset discards the session's state. The next Get starts a fresh trusted
// context; requests still holding the old context keep writing to it and
// never affect the new one. Reports whether the session existed.
func (s *Sessions) Reset(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	return ok
}

// Len returns the number of tracked sessions.
func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
