package services

import (
	"testing"

	"chatsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestPresenceRegistry_EdgesOnly(t *testing.T) {
	p := NewPresenceRegistry()

	assert.True(t, p.Connect("u1", "tab-1"), "first connection goes online")
	assert.False(t, p.Connect("u1", "tab-2"), "second device must not re-announce")
	assert.Equal(t, 2, p.Connections("u1"))

	assert.False(t, p.Disconnect("u1", "tab-1"), "one tab left open")
	assert.True(t, p.IsOnline("u1"))
	assert.True(t, p.Disconnect("u1", "tab-2"), "last tab closes")
	assert.False(t, p.IsOnline("u1"))
	assert.Empty(t, p.Online())
}

func TestPresenceRegistry_UnknownDisconnectIsNoop(t *testing.T) {
	p := NewPresenceRegistry()
	assert.False(t, p.Disconnect("ghost", "c"))

	p.Connect("u1", "c1")
	assert.False(t, p.Disconnect("u1", "other"))
	assert.True(t, p.IsOnline("u1"))
	assert.False(t, p.Disconnect("u1", "c1") && p.Disconnect("u1", "c1"), "second disconnect of the same pair is a no-op")
}

func TestPresenceRegistry_OnlineIffConnections(t *testing.T) {
	p := NewPresenceRegistry()
	ops := []struct {
		connect bool
		id      domain.Identity
		conn    domain.ConnID
	}{
		{true, "a", "1"}, {true, "b", "2"}, {true, "a", "3"}, {false, "a", "1"},
		{false, "b", "2"}, {true, "c", "4"}, {false, "a", "3"}, {false, "c", "9"},
	}
	live := map[domain.Identity]map[domain.ConnID]bool{}
	for _, op := range ops {
		if op.connect {
			p.Connect(op.id, op.conn)
			if live[op.id] == nil {
				live[op.id] = map[domain.ConnID]bool{}
			}
			live[op.id][op.conn] = true
		} else {
			p.Disconnect(op.id, op.conn)
			delete(live[op.id], op.conn)
		}
		for _, id := range []domain.Identity{"a", "b", "c"} {
			assert.Equal(t, len(live[id]) > 0, p.IsOnline(id), "identity %s", id)
		}
	}
	assert.Equal(t, []domain.Identity{"c"}, p.Online())
}
