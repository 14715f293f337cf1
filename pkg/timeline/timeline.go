// Package timeline keeps a client's view of one text room consistent while
// history pages and live frames arrive in any order. Messages are keyed by id:
// a message seen twice is kept once, updates or deletes for ids that are
// not present are ignored, and a deleted id never comes back.
package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"chatsync/internal/core/domain"
)

// Fetcher loads one history page strictly older than cursor.
type Fetcher func(ctx context.Context, cursor string) (domain.Page, error)

type Timeline struct {
	room    domain.RoomKey
	items   []domain.Message // oldest first
	ids     map[string]struct{}
	removed map[string]struct{}
	cursor  string
	hasMore bool
}

func New(room domain.RoomKey) *Timeline {
	return &Timeline{
		room:    room,
		ids:     make(map[string]struct{}),
		removed: make(map[string]struct{}),
		hasMore: true,
	}
}

// Messages returns the timeline oldest first.
func (t *Timeline) Messages() []domain.Message {
	return append([]domain.Message(nil), t.items...)
}

func (t *Timeline) Len() int { return len(t.items) }

// HasMore reports whether older history remains on the server.
func (t *Timeline) HasMore() bool { return t.hasMore }

// AddPage merges a history page (newest first) in front of what is held.
// It returns the number of messages that were new.
func (t *Timeline) AddPage(p domain.Page) int {
	older := make([]domain.Message, 0, len(p.Items))
	for i := len(p.Items) - 1; i >= 0; i-- {
		m := p.Items[i]
		if !t.owns(&m) {
			continue
		}
		if !t.fresh(m.ID) {
			continue
		}
		t.ids[m.ID] = struct{}{}
		older = append(older, m)
	}
	t.items = append(older, t.items...)
	if p.NextCursor == nil || len(p.Items) == 0 {
		t.hasMore = false
	} else {
		t.cursor = *p.NextCursor
	}
	return len(older)
}

// LoadOlder fetches the next page using the cursor of the last page merged.
func (t *Timeline) LoadOlder(ctx context.Context, fetch Fetcher) (int, error) {
	if !t.hasMore {
		return 0, nil
	}
	p, err := fetch(ctx, t.cursor)
	if err != nil {
		return 0, err
	}
	return t.AddPage(p), nil
}

// Add appends a live message unless its id is already present.
func (t *Timeline) Add(m domain.Message) bool {
	if !t.owns(&m) {
		return false
	}
	if !t.fresh(m.ID) {
		return false
	}
	t.ids[m.ID] = struct{}{}
	t.items = append(t.items, m)
	return true
}

// Update replaces a held message in place.
func (t *Timeline) Update(m domain.Message) bool {
	if _, ok := t.ids[m.ID]; !ok {
		return false
	}
	for i := range t.items {
		if t.items[i].ID == m.ID {
			t.items[i] = m
			return true
		}
	}
	return false
}

// Remove drops a message and remembers the id, so a replayed new_message or
// an older page cannot bring it back. It reports whether a held message went.
func (t *Timeline) Remove(id string) bool {
	t.removed[id] = struct{}{}
	if _, ok := t.ids[id]; !ok {
		return false
	}
	delete(t.ids, id)
	for i := range t.items {
		if t.items[i].ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			break
		}
	}
	return true
}

// Apply decodes one server frame and applies it. Frames for other events or
// other rooms are ignored and reported as unchanged.
func (t *Timeline) Apply(frame []byte) (bool, error) {
	var env domain.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return false, fmt.Errorf("frame: %w", domain.ErrMalformedEvent)
	}
	switch env.Event {
	case domain.EventNewMessage, domain.EventMessageUpdated:
		var m domain.Message
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return false, fmt.Errorf("%s: %w", env.Event, domain.ErrMalformedEvent)
		}
		if env.Event == domain.EventNewMessage {
			return t.Add(m), nil
		}
		return t.Update(m), nil
	case domain.EventMessageDeleted:
		var rm domain.MessageRemoved
		if err := json.Unmarshal(env.Data, &rm); err != nil {
			return false, fmt.Errorf("%s: %w", env.Event, domain.ErrMalformedEvent)
		}
		if !t.matches(rm.ChannelID, rm.ConversationID) {
			return false, nil
		}
		return t.Remove(rm.ID), nil
	}
	return false, nil
}

func (t *Timeline) fresh(id string) bool {
	if _, dup := t.ids[id]; dup {
		return false
	}
	_, gone := t.removed[id]
	return !gone
}

func (t *Timeline) owns(m *domain.Message) bool {
	return t.matches(m.ChannelID, m.ConversationID)
}

func (t *Timeline) matches(channelID, conversationID *string) bool {
	target := t.room.TargetID()
	switch t.room.Kind() {
	case domain.RoomChannel:
		return channelID != nil && *channelID == target
	case domain.RoomConversation:
		return conversationID != nil && *conversationID == target
	}
	return false
}
