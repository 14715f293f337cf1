package contracts

import (
	"context"
)

type MessageQueue interface {
	// Producer side (message mutations)
	PublishToStream(ctx context.Context, topic string, payload []byte) error
	// Consumer side (delivery worker)
	// SubscribeToStream replays the consumer's pending entries, then reads new ones until ctx ends.
	SubscribeToStream(ctx context.Context, topic, conGroup, consumer string, handler func(ctx context.Context, messageID string, data []byte) error) error
	// AcknowledgeMessage removes the entry from the group's pending list
	AcknowledgeMessage(ctx context.Context, topic, conGroup, mesgID string) error
	// DeleteMessage removes the entry from the stream
	DeleteMessage(ctx context.Context, topic, mesgID string) error
}
