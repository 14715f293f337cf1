package services

import (
	"sort"

	"chatsync/internal/core/domain"
)

// PresenceRegistry tracks live connections per identity. An identity is
// present iff it has at least one connection. Not safe for concurrent use;
// the registry actor is its only caller.
type PresenceRegistry struct {
	conns map[domain.Identity]map[domain.ConnID]struct{}
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{conns: make(map[domain.Identity]map[domain.ConnID]struct{})}
}

// Connect reports true on the identity's 0→1 edge.
func (p *PresenceRegistry) Connect(identity domain.Identity, conn domain.ConnID) bool {
	set, ok := p.conns[identity]
	if !ok {
		set = make(map[domain.ConnID]struct{})
		p.conns[identity] = set
	}
	set[conn] = struct{}{}
	return !ok
}

// Disconnect reports true on the identity's 1→0 edge. Unknown pairs are a no-op.
func (p *PresenceRegistry) Disconnect(identity domain.Identity, conn domain.ConnID) bool {
	set, ok := p.conns[identity]
	if !ok {
		return false
	}
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)
	if len(set) > 0 {
		return false
	}
	delete(p.conns, identity)
	return true
}

func (p *PresenceRegistry) IsOnline(identity domain.Identity) bool {
	_, ok := p.conns[identity]
	return ok
}

func (p *PresenceRegistry) Connections(identity domain.Identity) int {
	return len(p.conns[identity])
}

// Online returns the online identities in a stable order.
func (p *PresenceRegistry) Online() []domain.Identity {
	out := make([]domain.Identity, 0, len(p.conns))
	for id := range p.conns {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
