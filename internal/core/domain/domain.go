package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Identity is the authenticated user id carried by a connection.
type Identity string

// ConnID identifies one live transport session for the lifetime of the process.
type ConnID string

func NewConnID() ConnID {
	return ConnID(uuid.NewString())
}

// RoomKind tags the logical broadcast domain a room belongs to.
type RoomKind string

const (
	RoomChannel      RoomKind = "channel"
	RoomConversation RoomKind = "conversation"
	RoomServer       RoomKind = "server"
	RoomVoice        RoomKind = "voice"
	// RoomUser addresses every connection of one identity. Clients never
	// join it; the registry resolves it from presence.
	RoomUser RoomKind = "user"
)

func (k RoomKind) Valid() bool {
	switch k {
	case RoomChannel, RoomConversation, RoomServer, RoomVoice, RoomUser:
		return true
	}
	return false
}

// RoomKey is the namespaced room identifier "<kind>:<target id>".
type RoomKey string

func NewRoomKey(kind RoomKind, targetID string) (RoomKey, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("room kind %q: %w", kind, ErrInvalidRoom)
	}
	if targetID == "" || strings.ContainsAny(targetID, ": \t\n") {
		return "", fmt.Errorf("room target %q: %w", targetID, ErrInvalidRoom)
	}
	return RoomKey(string(kind) + ":" + targetID), nil
}

func ParseRoomKey(s string) (RoomKind, string, error) {
	kind, target, ok := strings.Cut(s, ":")
	if !ok {
		return "", "", fmt.Errorf("room key %q: %w", s, ErrInvalidRoom)
	}
	if _, err := NewRoomKey(RoomKind(kind), target); err != nil {
		return "", "", err
	}
	return RoomKind(kind), target, nil
}

func (k RoomKey) Kind() RoomKind {
	kind, _, _ := strings.Cut(string(k), ":")
	return RoomKind(kind)
}

func (k RoomKey) TargetID() string {
	_, target, _ := strings.Cut(string(k), ":")
	return target
}

// AuthzDecision is the outcome of a room access check.
type AuthzDecision int

const (
	Deny AuthzDecision = iota
	Allow
	// Indeterminate means the membership oracle could not answer.
	Indeterminate
)

func (d AuthzDecision) String() string {
	switch d {
	case Allow:
		return "allow"
	case Indeterminate:
		return "indeterminate"
	default:
		return "deny"
	}
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusOffline PresenceStatus = "offline"
)

// TypingUser is one entry of a room's typing state.
type TypingUser struct {
	Identity    Identity `json:"identity"`
	DisplayName string   `json:"displayName"`
}

// Author is the public projection of a message's author.
type Author struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator,omitempty"`
	AvatarURL     string `json:"avatarUrl,omitempty"`
}

// Message is the message object owned by the message store.
type Message struct {
	ID             string     `json:"id"`
	Content        string     `json:"content"`
	UserID         string     `json:"userId"`
	User           Author     `json:"user"`
	ChannelID      *string    `json:"channelId"`
	ConversationID *string    `json:"conversationId"`
	ReplyToID      *string    `json:"replyToId,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      *time.Time `json:"updatedAt,omitempty"`
}

// Room returns the text room the message belongs to.
func (m *Message) Room() (RoomKey, error) {
	switch {
	case m.ChannelID != nil:
		return NewRoomKey(RoomChannel, *m.ChannelID)
	case m.ConversationID != nil:
		return NewRoomKey(RoomConversation, *m.ConversationID)
	}
	return "", fmt.Errorf("message %s has no room: %w", m.ID, ErrInvalidRoom)
}

// NewMessage holds the fields a client supplies when posting.
type NewMessage struct {
	Room      RoomKey
	UserID    string
	Content   string
	ReplyToID *string
}

// Page is one page of history, newest first. NextCursor is nil once the
// oldest message of the room has been returned.
type Page struct {
	Items      []Message `json:"items"`
	NextCursor *string   `json:"nextCursor"`
}

type MessageEventKind string

const (
	MessageCreated MessageEventKind = "created"
	MessageUpdated MessageEventKind = "updated"
	MessageDeleted MessageEventKind = "deleted"
	// RoomNotice carries a named event with an opaque payload, for changes
	// owned by services outside the message store.
	RoomNotice MessageEventKind = "notice"
)

// MessageEvent is what the store side publishes after a committed mutation.
// Event and Payload are only set on notices.
type MessageEvent struct {
	Kind      MessageEventKind `json:"kind"`
	Room      RoomKey          `json:"room"`
	MessageID string           `json:"message_id,omitempty"`
	Message   *Message         `json:"message,omitempty"`
	Event     string           `json:"event,omitempty"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	At        time.Time        `json:"at"`
}
