package mcp

import "sync"

// SessionRegistry maps batch IDs to MCP session IDs. Populated when a
// session starts a batch, so completion can be pushed back to the caller.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // batchID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register associates a batch ID with a session ID.
func (r *SessionRegistry) Register(batchID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[batchID] = sessionID
}

// SessionFor returns the session ID that started the given batch.
func (r *SessionRegistry) SessionFor(batchID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[batchID]
	return sid, ok
}

// Forget drops the mapping for a batch, after its terminal notification.
func (r *SessionRegistry) Forget(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, batchID)
}

// Remove deletes all batch mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for bid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, bid)
		}
	}
}
