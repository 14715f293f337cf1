package contracts

import (
	"context"

	"chatsync/internal/core/domain"
)

// PresenceMirror publishes the in-process online set for readers outside
// this process. It is written after the fact and never consulted by the
// registry.
type PresenceMirror interface {
	MarkOnline(ctx context.Context, identity domain.Identity) error
	MarkOffline(ctx context.Context, identity domain.Identity) error
	Online(ctx context.Context) ([]domain.Identity, error)
	// Reset drops entries left behind by a previous run of this process.
	Reset(ctx context.Context) error
}
