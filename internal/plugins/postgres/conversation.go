package postgres

import (
	"context"
	"database/sql"
	"errors"

	"chatsync/internal/core/domain"

	"github.com/google/uuid"
)

type ConversationRepo struct {
	db *sql.DB
}

func NewConversationRepo(db *sql.DB) *ConversationRepo {
	return &ConversationRepo{db: db}
}

/*
	CREATE TABLE conversations (
		id          UUID PRIMARY KEY,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE TABLE conversation_users (
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id         UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		PRIMARY KEY (conversation_id, user_id)
	);
*/

// IsConversationParty reports whether identity takes part in the direct
// conversation. An unknown conversation is domain.ErrNotFound.
func (r *ConversationRepo) IsConversationParty(ctx context.Context, identity domain.Identity, convID string) (bool, error) {
	if _, err := uuid.Parse(convID); err != nil {
		return false, domain.ErrNotFound
	}
	exec := GetExecutor(ctx, r.db)
	var party bool
	err := exec.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM conversation_users
			WHERE conversation_id = c.id AND user_id::text = $2
		)
		FROM conversations c
		WHERE c.id = $1
	`, convID, string(identity)).Scan(&party)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return party, nil
}
