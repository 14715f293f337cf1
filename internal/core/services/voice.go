package services

import (
	"fmt"
	"sort"

	"chatsync/internal/core/domain"
)

const DefaultVoiceCapacity = 10

// VoiceDeparture reports one connection leaving one voice room and who is
// left behind to be told about it.
type VoiceDeparture struct {
	Room      domain.RoomKey
	Conn      domain.ConnID
	Remaining []domain.ConnID
}

type voiceMember struct {
	identity domain.Identity
	rooms    map[domain.RoomKey]struct{}
}

// VoiceRelay owns voice room membership used to broker the WebRTC mesh.
// Payloads are never inspected here. Not safe for concurrent use.
type VoiceRelay struct {
	capacity   int
	singleRoom bool
	rooms      map[domain.RoomKey][]domain.ConnID
	members    map[domain.ConnID]*voiceMember
}

// NewVoiceRelay builds a relay. With singleRoom set, joining a voice room
// evicts every connection of the same identity from its other voice rooms.
func NewVoiceRelay(capacity int, singleRoom bool) *VoiceRelay {
	if capacity <= 0 {
		capacity = DefaultVoiceCapacity
	}
	return &VoiceRelay{
		capacity:   capacity,
		singleRoom: singleRoom,
		rooms:      make(map[domain.RoomKey][]domain.ConnID),
		members:    make(map[domain.ConnID]*voiceMember),
	}
}

func (v *VoiceRelay) Capacity() int { return v.capacity }

// Join adds conn to room and returns the peers already present. A full room
// is rejected with domain.ErrCapacityExceeded and left untouched. Joining a
// room twice returns the current peers again.
func (v *VoiceRelay) Join(conn domain.ConnID, identity domain.Identity, room domain.RoomKey) ([]domain.ConnID, []VoiceDeparture, error) {
	if m, ok := v.members[conn]; ok {
		if _, in := m.rooms[room]; in {
			return v.peers(room, conn), nil, nil
		}
	}
	if len(v.rooms[room]) >= v.capacity {
		return nil, nil, fmt.Errorf("voice room %s at %d: %w", room.TargetID(), v.capacity, domain.ErrCapacityExceeded)
	}
	var evicted []VoiceDeparture
	if v.singleRoom {
		evicted = v.evictIdentity(identity, room)
	}
	peers := v.peers(room, conn)
	v.rooms[room] = append(v.rooms[room], conn)
	m, ok := v.members[conn]
	if !ok {
		m = &voiceMember{identity: identity, rooms: make(map[domain.RoomKey]struct{})}
		v.members[conn] = m
	}
	m.rooms[room] = struct{}{}
	return peers, evicted, nil
}

// Leave removes conn from room. The boolean is false when conn was not in it.
func (v *VoiceRelay) Leave(conn domain.ConnID, room domain.RoomKey) (VoiceDeparture, bool) {
	m, ok := v.members[conn]
	if !ok {
		return VoiceDeparture{}, false
	}
	if _, in := m.rooms[room]; !in {
		return VoiceDeparture{}, false
	}
	delete(m.rooms, room)
	if len(m.rooms) == 0 {
		delete(v.members, conn)
	}
	remaining := removeConn(v.rooms[room], conn)
	if len(remaining) == 0 {
		delete(v.rooms, room)
	} else {
		v.rooms[room] = remaining
	}
	return VoiceDeparture{Room: room, Conn: conn, Remaining: append([]domain.ConnID(nil), remaining...)}, true
}

// LeaveAll removes conn from every voice room it is in.
func (v *VoiceRelay) LeaveAll(conn domain.ConnID) []VoiceDeparture {
	m, ok := v.members[conn]
	if !ok {
		return nil
	}
	rooms := make([]domain.RoomKey, 0, len(m.rooms))
	for room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	out := make([]VoiceDeparture, 0, len(rooms))
	for _, room := range rooms {
		if dep, ok := v.Leave(conn, room); ok {
			out = append(out, dep)
		}
	}
	return out
}

// CanRelay reports whether both connections share a voice room.
func (v *VoiceRelay) CanRelay(from, to domain.ConnID) bool {
	a, ok := v.members[from]
	if !ok || from == to {
		return false
	}
	b, ok := v.members[to]
	if !ok {
		return false
	}
	for room := range a.rooms {
		if _, shared := b.rooms[room]; shared {
			return true
		}
	}
	return false
}

func (v *VoiceRelay) Occupancy(room domain.RoomKey) int {
	return len(v.rooms[room])
}

// Rooms returns the voice rooms conn is in.
func (v *VoiceRelay) Rooms(conn domain.ConnID) []domain.RoomKey {
	m, ok := v.members[conn]
	if !ok {
		return nil
	}
	out := make([]domain.RoomKey, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (v *VoiceRelay) peers(room domain.RoomKey, exclude domain.ConnID) []domain.ConnID {
	out := make([]domain.ConnID, 0, len(v.rooms[room]))
	for _, c := range v.rooms[room] {
		if c != exclude {
			out = append(out, c)
		}
	}
	return out
}

func (v *VoiceRelay) evictIdentity(identity domain.Identity, keep domain.RoomKey) []VoiceDeparture {
	var targets []domain.ConnID
	for conn, m := range v.members {
		if m.identity == identity {
			targets = append(targets, conn)
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	var out []VoiceDeparture
	for _, conn := range targets {
		for _, room := range v.Rooms(conn) {
			if room == keep {
				continue
			}
			if dep, ok := v.Leave(conn, room); ok {
				out = append(out, dep)
			}
		}
	}
	return out
}

func removeConn(list []domain.ConnID, conn domain.ConnID) []domain.ConnID {
	out := list[:0]
	for _, c := range list {
		if c != conn {
			out = append(out, c)
		}
	}
	return out
}
