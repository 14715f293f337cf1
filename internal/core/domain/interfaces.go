package domain

import "context"

// MembershipOracle answers room ownership and membership questions from the
// relational store. Lookups that find nothing return ErrNotFound.
type MembershipOracle interface {
	// ChannelServer returns the server that owns the channel.
	ChannelServer(ctx context.Context, channelID string) (string, error)
	IsServerMember(ctx context.Context, identity Identity, serverID string) (bool, error)
	IsConversationParty(ctx context.Context, identity Identity, conversationID string) (bool, error)
}

// MessageRepository is the message store boundary.
type MessageRepository interface {
	// ListBefore returns up to limit messages of the text room, newest first,
	// strictly older than the cursor message when cursor is not empty.
	// An unknown cursor yields ErrInvalidCursor.
	ListBefore(ctx context.Context, room RoomKey, cursor string, limit int) ([]Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	CreateMessage(ctx context.Context, msg NewMessage) (*Message, error)
	UpdateMessage(ctx context.Context, id, content string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
}
