package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"chatsync/internal/core/domain"

	"github.com/google/uuid"
)

type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{
		db: db,
	}
}

/*
	CREATE TABLE messages (
		id              UUID PRIMARY KEY,
		content         TEXT NOT NULL,
		user_id         UUID NOT NULL REFERENCES users(id),
		channel_id      UUID REFERENCES channels(id) ON DELETE CASCADE,
		conversation_id UUID REFERENCES conversations(id) ON DELETE CASCADE,
		reply_to_id     UUID REFERENCES messages(id) ON DELETE SET NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ,
		CHECK ((channel_id IS NULL) <> (conversation_id IS NULL))
	);
	CREATE INDEX messages_channel_keyset ON messages (channel_id, created_at DESC, id DESC);
	CREATE INDEX messages_conversation_keyset ON messages (conversation_id, created_at DESC, id DESC);
*/

const selectMessage = `
	SELECT m.id, m.content, m.user_id, m.channel_id, m.conversation_id, m.reply_to_id,
	       m.created_at, m.updated_at, u.username, u.discriminator, u.avatar_url
	FROM messages m
	JOIN users u ON u.id = m.user_id`

// roomColumn maps a text room kind to its foreign key column.
func roomColumn(room domain.RoomKey) (string, error) {
	switch room.Kind() {
	case domain.RoomChannel:
		return "channel_id", nil
	case domain.RoomConversation:
		return "conversation_id", nil
	}
	return "", fmt.Errorf("room %q has no history: %w", room, domain.ErrInvalidRoom)
}

// ListBefore pages on (created_at, id) so rows inserted concurrently never
// shift an open cursor.
func (r *MessageRepo) ListBefore(
	ctx context.Context,
	room domain.RoomKey,
	cursor string,
	limit int,
) ([]domain.Message, error) {
	col, err := roomColumn(room)
	if err != nil {
		return nil, err
	}
	exec := GetExecutor(ctx, r.db)
	var rows *sql.Rows
	if cursor == "" {
		rows, err = exec.QueryContext(ctx, selectMessage+`
		WHERE m.`+col+` = $1
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $2
	`, room.TargetID(), limit)
	} else {
		if _, parseErr := uuid.Parse(cursor); parseErr != nil {
			return nil, domain.ErrInvalidCursor
		}
		var anchor sql.NullTime
		err = exec.QueryRowContext(ctx, `
			SELECT created_at FROM messages WHERE id = $1 AND `+col+` = $2
		`, cursor, room.TargetID()).Scan(&anchor)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrInvalidCursor
		}
		if err != nil {
			return nil, err
		}
		rows, err = exec.QueryContext(ctx, selectMessage+`
		WHERE m.`+col+` = $1
		  AND (m.created_at, m.id) < ($2, $3::uuid)
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT $4
	`, room.TargetID(), anchor.Time, cursor, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	msgs := make([]domain.Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (r *MessageRepo) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	exec := GetExecutor(ctx, r.db)
	row := exec.QueryRowContext(ctx, selectMessage+`
		WHERE m.id = $1
	`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return m, err
}

func (r *MessageRepo) CreateMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	var channelID, conversationID *string
	target := in.Room.TargetID()
	switch in.Room.Kind() {
	case domain.RoomChannel:
		channelID = &target
	case domain.RoomConversation:
		conversationID = &target
	default:
		return nil, fmt.Errorf("post to %q: %w", in.Room, domain.ErrInvalidRoom)
	}
	id := uuid.NewString()
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO messages (
			id, content, user_id, channel_id, conversation_id, reply_to_id
		) VALUES ($1, $2, $3, $4, $5, $6)
	`,
		id,
		in.Content,
		in.UserID,
		channelID,
		conversationID,
		in.ReplyToID,
	)
	if err != nil {
		return nil, err
	}
	return r.GetMessage(ctx, id)
}

func (r *MessageRepo) UpdateMessage(ctx context.Context, id, content string) (*domain.Message, error) {
	exec := GetExecutor(ctx, r.db)
	result, err := exec.ExecContext(ctx, `
		UPDATE messages
		SET content = $2, updated_at = now()
		WHERE id = $1
	`, id, content)
	if err != nil {
		return nil, err
	}
	if n, err := result.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, domain.ErrNotFound
	}
	return r.GetMessage(ctx, id)
}

func (r *MessageRepo) DeleteMessage(ctx context.Context, id string) error {
	exec := GetExecutor(ctx, r.db)
	result, err := exec.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*domain.Message, error) {
	var (
		m             domain.Message
		discriminator sql.NullString
		avatar        sql.NullString
	)
	err := row.Scan(
		&m.ID,
		&m.Content,
		&m.UserID,
		&m.ChannelID,
		&m.ConversationID,
		&m.ReplyToID,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.User.Username,
		&discriminator,
		&avatar,
	)
	if err != nil {
		return nil, err
	}
	m.User.ID = m.UserID
	m.User.Discriminator = discriminator.String
	m.User.AvatarURL = avatar.String
	return &m, nil
}
