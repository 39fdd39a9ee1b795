package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	_, ok := r.SessionFor("batch-1")
	assert.False(t, ok)

	r.Register("batch-1", "session-a")
	r.Register("batch-2", "session-a")
	r.Register("batch-3", "session-b")

	sid, ok := r.SessionFor("batch-1")
	assert.True(t, ok)
	assert.Equal(t, "session-a", sid)

	// Re-registering overwrites (reconnect).
	r.Register("batch-1", "session-c")
	sid, _ = r.SessionFor("batch-1")
	assert.Equal(t, "session-c", sid)

	// Forget drops a single batch.
	r.Forget("batch-2")
	_, ok = r.SessionFor("batch-2")
	assert.False(t, ok)

	// Remove drops everything for a session.
	r.Remove("session-b")
	_, ok = r.SessionFor("batch-3")
	assert.False(t, ok)

	sid, ok = r.SessionFor("batch-1")
	assert.True(t, ok)
	assert.Equal(t, "session-c", sid)
}
