package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

// Client → server events.
const (
	EventJoinChannel       = "join_channel"
	EventJoinConversation  = "join_conversation"
	EventJoinServer        = "join_server"
	EventJoinVoiceChannel  = "join_voice_channel"
	EventLeaveChannel      = "leave_channel"
	EventLeaveConversation = "leave_conversation"
	EventLeaveServer       = "leave_server"
	EventLeaveVoiceChannel = "leave_voice_channel"
	EventTypingStart       = "typing_start"
	EventTypingStop        = "typing_stop"
	EventSendingSignal     = "sending_signal"
	EventReturningSignal   = "returning_signal"
)

// Server → client events.
const (
	EventConnected        = "connected"
	EventOnlineUsers      = "online_users"
	EventUserStatusChange = "user_status_change"
	EventRoomJoined       = "room_joined"
	EventUserTyping       = "user_typing"
	EventTypingSnapshot   = "typing_state_snapshot"
	EventAllUsersInRoom   = "all_users_in_room"
	EventUserJoinedVoice  = "user_joined_voice"
	EventReturnedSignal   = "receiving_returned_signal"
	EventUserLeftVoice    = "user_left_voice"
	EventRoomFull         = "room_full"
	EventNewMessage       = "new_message"
	EventMessageUpdated   = "message_updated"
	EventMessageDeleted   = "message_deleted"
	EventError            = "error"
)

// Notices relayed verbatim from the stream to a server, conversation or
// user room.
const (
	EventRefreshServerUI       = "refresh_server_ui"
	EventRefreshMembers        = "refresh_members"
	EventMemberKicked          = "member_kicked"
	EventNewFriendRequest      = "new_friend_request"
	EventFriendRequestAccepted = "friend_request_accepted"
	EventFriendRemoved         = "friend_removed"
	EventNewConversation       = "new_conversation"
	EventConversationUpdated   = "conversation_updated"
)

var noticeEvents = map[string]struct{}{
	EventRefreshServerUI:       {},
	EventRefreshMembers:        {},
	EventMemberKicked:          {},
	EventNewFriendRequest:      {},
	EventFriendRequestAccepted: {},
	EventFriendRemoved:         {},
	EventNewConversation:       {},
	EventConversationUpdated:   {},
}

// IsNotice reports whether event may be published as a room notice.
func IsNotice(event string) bool {
	_, ok := noticeEvents[event]
	return ok
}

// ConversationUpdated is the notice sent to a conversation after each new
// message so clients can reorder their conversation list.
type ConversationUpdated struct {
	ID            string    `json:"id"`
	LastMessageAt time.Time `json:"lastMessageAt"`
}

// TypingThrottle is the minimum interval between two typing_start signals a
// client should send for the same room.
const TypingThrottle = 8 * time.Second

const maxDisplayName = 64

// Envelope is the wire frame in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound is a decoded and validated client event.
type Inbound interface {
	EventName() string
}

type JoinRoom struct {
	Event string
	Room  RoomKey
}

func (e JoinRoom) EventName() string { return e.Event }

// LeaveRoom with an empty Room is only produced by leave_voice_channel and
// means every voice room of the connection.
type LeaveRoom struct {
	Event string
	Kind  RoomKind
	Room  RoomKey
}

func (e LeaveRoom) EventName() string { return e.Event }

type TypingSignal struct {
	Room        RoomKey
	DisplayName string
	Typing      bool
}

func (e TypingSignal) EventName() string {
	if e.Typing {
		return EventTypingStart
	}
	return EventTypingStop
}

type SignalPhase string

const (
	PhaseOffer  SignalPhase = "offer"
	PhaseAnswer SignalPhase = "answer"
)

// VoiceSignal carries an opaque WebRTC payload to another connection.
type VoiceSignal struct {
	Phase  SignalPhase
	Target ConnID
	Signal json.RawMessage
}

func (e VoiceSignal) EventName() string {
	if e.Phase == PhaseAnswer {
		return EventReturningSignal
	}
	return EventSendingSignal
}

var joinKinds = map[string]RoomKind{
	EventJoinChannel:      RoomChannel,
	EventJoinConversation: RoomConversation,
	EventJoinServer:       RoomServer,
	EventJoinVoiceChannel: RoomVoice,
}

var leaveKinds = map[string]RoomKind{
	EventLeaveChannel:      RoomChannel,
	EventLeaveConversation: RoomConversation,
	EventLeaveServer:       RoomServer,
	EventLeaveVoiceChannel: RoomVoice,
}

// Decode parses one client frame into its typed event.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("envelope: %w", ErrMalformedEvent)
	}
	if kind, ok := joinKinds[env.Event]; ok {
		target, err := decodeTarget(env.Data)
		if err != nil {
			return nil, err
		}
		room, err := NewRoomKey(kind, target)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", env.Event, ErrMalformedEvent)
		}
		return JoinRoom{Event: env.Event, Room: room}, nil
	}
	if kind, ok := leaveKinds[env.Event]; ok {
		target, err := decodeTarget(env.Data)
		if err != nil && !(kind == RoomVoice && isEmpty(env.Data)) {
			return nil, err
		}
		leave := LeaveRoom{Event: env.Event, Kind: kind}
		if target != "" {
			if leave.Room, err = NewRoomKey(kind, target); err != nil {
				return nil, fmt.Errorf("%s: %w", env.Event, ErrMalformedEvent)
			}
		}
		return leave, nil
	}
	switch env.Event {
	case EventTypingStart, EventTypingStop:
		return decodeTyping(env)
	case EventSendingSignal, EventReturningSignal:
		return decodeSignal(env)
	case "":
		return nil, fmt.Errorf("missing event name: %w", ErrMalformedEvent)
	}
	return nil, fmt.Errorf("%q: %w", env.Event, ErrUnknownEvent)
}

// decodeTarget accepts either a bare JSON string or {"roomTargetId": "..."}.
func decodeTarget(data json.RawMessage) (string, error) {
	var target string
	if err := json.Unmarshal(data, &target); err == nil && target != "" {
		return target, nil
	}
	var obj struct {
		RoomTargetID string `json:"roomTargetId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil && obj.RoomTargetID != "" {
		return obj.RoomTargetID, nil
	}
	return "", fmt.Errorf("room target id: %w", ErrMalformedEvent)
}

func isEmpty(data json.RawMessage) bool {
	trimmed := bytes.TrimSpace(data)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodeTyping(env Envelope) (Inbound, error) {
	var in struct {
		RoomKind     RoomKind `json:"roomKind"`
		RoomTargetID string   `json:"roomTargetId"`
		DisplayName  string   `json:"displayName"`
	}
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, ErrMalformedEvent)
	}
	if in.RoomKind != RoomChannel && in.RoomKind != RoomConversation {
		return nil, fmt.Errorf("%s room kind %q: %w", env.Event, in.RoomKind, ErrMalformedEvent)
	}
	room, err := NewRoomKey(in.RoomKind, in.RoomTargetID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, ErrMalformedEvent)
	}
	return TypingSignal{Room: room, DisplayName: truncateName(in.DisplayName, maxDisplayName), Typing: env.Event == EventTypingStart}, nil
}

// truncateName cuts s to at most n bytes without splitting a character.
func truncateName(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func decodeSignal(env Envelope) (Inbound, error) {
	var in struct {
		TargetConnectionID ConnID          `json:"targetConnectionId"`
		Signal             json.RawMessage `json:"signal"`
	}
	if err := json.Unmarshal(env.Data, &in); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Event, ErrMalformedEvent)
	}
	if in.TargetConnectionID == "" || isEmpty(in.Signal) {
		return nil, fmt.Errorf("%s requires targetConnectionId and signal: %w", env.Event, ErrMalformedEvent)
	}
	phase := PhaseOffer
	if env.Event == EventReturningSignal {
		phase = PhaseAnswer
	}
	return VoiceSignal{Phase: phase, Target: in.TargetConnectionID, Signal: in.Signal}, nil
}

// Encode builds an outbound frame.
func Encode(event string, data any) ([]byte, error) {
	return json.Marshal(struct {
		Event string `json:"event"`
		Data  any    `json:"data,omitempty"`
	}{Event: event, Data: data})
}

type Connected struct {
	ConnectionID ConnID   `json:"connectionId"`
	Identity     Identity `json:"identity"`
}

type OnlineUsers struct {
	Identities []Identity `json:"identities"`
}

type StatusChange struct {
	Identity Identity       `json:"identity"`
	Status   PresenceStatus `json:"status"`
}

type RoomJoined struct {
	RoomKind     RoomKind `json:"roomKind"`
	RoomTargetID string   `json:"roomTargetId"`
}

type UserTyping struct {
	RoomKind     RoomKind `json:"roomKind"`
	RoomTargetID string   `json:"roomTargetId"`
	Identity     Identity `json:"identity"`
	DisplayName  string   `json:"displayName,omitempty"`
	IsTyping     bool     `json:"isTyping"`
}

type TypingSnapshot struct {
	RoomKind     RoomKind     `json:"roomKind"`
	RoomTargetID string       `json:"roomTargetId"`
	Users        []TypingUser `json:"users"`
}

type VoicePeers struct {
	RoomTargetID string   `json:"roomTargetId"`
	Peers        []ConnID `json:"peers"`
}

type VoiceOffer struct {
	Signal   json.RawMessage `json:"signal"`
	CallerID ConnID          `json:"callerId"`
}

type VoiceAnswer struct {
	Signal json.RawMessage `json:"signal"`
	ID     ConnID          `json:"id"`
}

type VoiceLeft struct {
	RoomTargetID string `json:"roomTargetId"`
	ConnectionID ConnID `json:"connectionId"`
}

type RoomFull struct {
	RoomTargetID string `json:"roomTargetId"`
	Capacity     int    `json:"capacity"`
}

type MessageRemoved struct {
	ID             string  `json:"id"`
	ChannelID      *string `json:"channelId"`
	ConversationID *string `json:"conversationId"`
}

// ErrorFrame is the websocket-safe error. Code is stable for clients.
type ErrorFrame struct {
	Code         string   `json:"code"`
	Message      string   `json:"message"`
	Event        string   `json:"event,omitempty"`
	RoomKind     RoomKind `json:"roomKind,omitempty"`
	RoomTargetID string   `json:"roomTargetId,omitempty"`
}

const (
	CodeAccessDenied   = "access_denied"
	CodeRoomFull       = "room_full"
	CodeMalformed      = "malformed_event"
	CodeUnknownEvent   = "unknown_event"
	CodeNotInRoom      = "not_in_room"
	CodeNotInVoiceRoom = "not_in_voice_room"
)
