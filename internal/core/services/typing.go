package services

import (
	"container/heap"
	"sort"
	"time"

	"chatsync/internal/core/domain"
)

const DefaultTypingWindow = 10 * time.Second

type typingKey struct {
	room     domain.RoomKey
	identity domain.Identity
}

type typingEntry struct {
	displayName string
	deadline    time.Time
	gen         uint64
}

// TypingExpiry is one entry removed by Expire.
type TypingExpiry struct {
	Room domain.RoomKey
	User domain.TypingUser
}

// TypingEngine keeps per-room typing state. Expirations live in a min-heap
// keyed by (room, identity); refreshed or stopped entries leave stale heap
// items behind which are discarded when popped. Not safe for concurrent use.
type TypingEngine struct {
	window  time.Duration
	rooms   map[domain.RoomKey]map[domain.Identity]*typingEntry
	pending deadlineHeap
	gen     uint64
}

func NewTypingEngine(window time.Duration) *TypingEngine {
	if window <= 0 {
		window = DefaultTypingWindow
	}
	return &TypingEngine{
		window: window,
		rooms:  make(map[domain.RoomKey]map[domain.Identity]*typingEntry),
	}
}

// Start records or refreshes a typing entry and reports true on Idle→Typing.
func (e *TypingEngine) Start(room domain.RoomKey, identity domain.Identity, displayName string, now time.Time) bool {
	typers, ok := e.rooms[room]
	if !ok {
		typers = make(map[domain.Identity]*typingEntry)
		e.rooms[room] = typers
	}
	entry, existed := typers[identity]
	if !existed {
		entry = &typingEntry{}
		typers[identity] = entry
	}
	e.gen++
	entry.gen = e.gen
	entry.deadline = now.Add(e.window)
	if displayName != "" || !existed {
		entry.displayName = displayName
	}
	heap.Push(&e.pending, deadlineItem{key: typingKey{room, identity}, deadline: entry.deadline, gen: entry.gen})
	e.compact()
	return !existed
}

// Stop removes the entry and reports whether it existed.
func (e *TypingEngine) Stop(room domain.RoomKey, identity domain.Identity) (domain.TypingUser, bool) {
	typers := e.rooms[room]
	entry, ok := typers[identity]
	if !ok {
		return domain.TypingUser{}, false
	}
	e.remove(room, identity)
	return domain.TypingUser{Identity: identity, DisplayName: entry.displayName}, true
}

// Expire removes every entry whose deadline is not after now.
func (e *TypingEngine) Expire(now time.Time) []TypingExpiry {
	var out []TypingExpiry
	for e.pending.Len() > 0 && !e.pending[0].deadline.After(now) {
		item := heap.Pop(&e.pending).(deadlineItem)
		entry, ok := e.rooms[item.key.room][item.key.identity]
		if !ok || entry.gen != item.gen {
			continue
		}
		e.remove(item.key.room, item.key.identity)
		out = append(out, TypingExpiry{
			Room: item.key.room,
			User: domain.TypingUser{Identity: item.key.identity, DisplayName: entry.displayName},
		})
	}
	return out
}

// RemoveIdentity drops the identity from every room and returns those rooms.
func (e *TypingEngine) RemoveIdentity(identity domain.Identity) []TypingExpiry {
	var out []TypingExpiry
	for room, typers := range e.rooms {
		if entry, ok := typers[identity]; ok {
			out = append(out, TypingExpiry{Room: room, User: domain.TypingUser{Identity: identity, DisplayName: entry.displayName}})
		}
	}
	for _, ex := range out {
		e.remove(ex.Room, identity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// Snapshot lists the room's current typers except the given identity.
func (e *TypingEngine) Snapshot(room domain.RoomKey, exclude domain.Identity) []domain.TypingUser {
	users := make([]domain.TypingUser, 0, len(e.rooms[room]))
	for id, entry := range e.rooms[room] {
		if id == exclude {
			continue
		}
		users = append(users, domain.TypingUser{Identity: id, DisplayName: entry.displayName})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Identity < users[j].Identity })
	return users
}

func (e *TypingEngine) IsTyping(room domain.RoomKey, identity domain.Identity) bool {
	_, ok := e.rooms[room][identity]
	return ok
}

func (e *TypingEngine) remove(room domain.RoomKey, identity domain.Identity) {
	typers := e.rooms[room]
	delete(typers, identity)
	if len(typers) == 0 {
		delete(e.rooms, room)
	}
}

// compact rebuilds the heap when stale items dominate it.
func (e *TypingEngine) compact() {
	live := 0
	for _, typers := range e.rooms {
		live += len(typers)
	}
	if e.pending.Len() <= 4*live+64 {
		return
	}
	fresh := make(deadlineHeap, 0, live)
	for room, typers := range e.rooms {
		for id, entry := range typers {
			fresh = append(fresh, deadlineItem{key: typingKey{room, id}, deadline: entry.deadline, gen: entry.gen})
		}
	}
	heap.Init(&fresh)
	e.pending = fresh
}

type deadlineItem struct {
	key      typingKey
	deadline time.Time
	gen      uint64
}

type deadlineHeap []deadlineItem

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)        { *h = append(*h, x.(deadlineItem)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
