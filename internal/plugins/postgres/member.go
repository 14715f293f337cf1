package postgres

import (
	"context"
	"database/sql"
	"errors"

	"chatsync/internal/core/domain"

	"github.com/google/uuid"
)

type MemberRepo struct {
	db *sql.DB
}

func NewMemberRepo(db *sql.DB) *MemberRepo {
	return &MemberRepo{db: db}
}

/*
	CREATE TABLE channels (
		id         UUID PRIMARY KEY,
		server_id  UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		name       TEXT NOT NULL,
		type       TEXT NOT NULL DEFAULT 'TEXT'
	);
	CREATE TABLE members (
		user_id    UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		server_id  UUID NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, server_id)
	);
*/

func (r *MemberRepo) ChannelServer(ctx context.Context, channelID string) (string, error) {
	if _, err := uuid.Parse(channelID); err != nil {
		return "", domain.ErrNotFound
	}
	exec := GetExecutor(ctx, r.db)
	var serverID string
	err := exec.QueryRowContext(ctx, `SELECT server_id FROM channels WHERE id = $1`, channelID).Scan(&serverID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return serverID, err
}

func (r *MemberRepo) IsServerMember(ctx context.Context, identity domain.Identity, serverID string) (bool, error) {
	if _, err := uuid.Parse(serverID); err != nil {
		return false, domain.ErrNotFound
	}
	exec := GetExecutor(ctx, r.db)
	var member bool
	err := exec.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM members WHERE server_id = $1 AND user_id::text = $2
		)
	`, serverID, string(identity)).Scan(&member)
	return member, err
}

// MembershipOracle answers room access questions from the relational store.
type MembershipOracle struct {
	*MemberRepo
	*ConversationRepo
}

func NewMembershipOracle(db *sql.DB) *MembershipOracle {
	return &MembershipOracle{
		MemberRepo:       NewMemberRepo(db),
		ConversationRepo: NewConversationRepo(db),
	}
}

var _ domain.MembershipOracle = (*MembershipOracle)(nil)
var _ domain.MessageRepository = (*MessageRepo)(nil)
