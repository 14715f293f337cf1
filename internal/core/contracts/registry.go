package contracts

import (
	"context"

	"chatsync/internal/core/domain"
)

// Client is the minimal surface the registry needs from one websocket
// connection. Send must never block; it reports false when the outbound
// queue is full or the client is closed.
type Client interface {
	ConnID() domain.ConnID
	Identity() domain.Identity
	Send(data []byte) bool
	Close()
}

// Registry is the single-writer coordinator for realtime state.
type Registry interface {
	// Connect admits an authenticated client.
	Connect(c Client) error
	// Disconnect reconciles presence, typing and voice state for the client.
	Disconnect(c Client)
	// Dispatch hands a decoded client event to the coordinator.
	Dispatch(c Client, in domain.Inbound)
	// PublishMessageEvent broadcasts a committed message mutation to its room.
	PublishMessageEvent(ctx context.Context, ev domain.MessageEvent) error
}
