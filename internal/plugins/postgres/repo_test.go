package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"chatsync/internal/core/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	channelID = "6c4bd7a8-1f0e-4a44-9d53-1f3c1c0a0001"
	convID    = "6c4bd7a8-1f0e-4a44-9d53-1f3c1c0a0002"
	serverID  = "6c4bd7a8-1f0e-4a44-9d53-1f3c1c0a0003"
	cursorID  = "6c4bd7a8-1f0e-4a44-9d53-1f3c1c0a00ff"
)

var messageColumns = []string{
	"id", "content", "user_id", "channel_id", "conversation_id", "reply_to_id",
	"created_at", "updated_at", "username", "discriminator", "avatar_url",
}

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return db, mock
}

func q(query string) string { return regexp.QuoteMeta(query) }

func TestMessageRepo_ListBeforeFirstPage(t *testing.T) {
	db, mock := newMock(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q(`WHERE m.channel_id = $1`)+`\s+`+q(`ORDER BY m.created_at DESC, m.id DESC`)+`\s+`+q(`LIMIT $2`)).
		WithArgs(channelID, 3).
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow("m2", "second", "u1", channelID, nil, nil, at, nil, "una", nil, nil).
			AddRow("m1", "first", "u1", channelID, nil, "m0", at, at, "una", "0001", "https://cdn/a.png"))

	msgs, err := NewMessageRepo(db).ListBefore(context.Background(), domain.RoomKey("channel:"+channelID), "", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m2", msgs[0].ID)
	require.NotNil(t, msgs[0].ChannelID)
	assert.Equal(t, channelID, *msgs[0].ChannelID)
	assert.Nil(t, msgs[0].ConversationID)
	assert.Nil(t, msgs[0].UpdatedAt)
	assert.Equal(t, domain.Author{ID: "u1", Username: "una"}, msgs[0].User)

	require.NotNil(t, msgs[1].ReplyToID)
	assert.Equal(t, "m0", *msgs[1].ReplyToID)
	assert.Equal(t, "0001", msgs[1].User.Discriminator)
	assert.Equal(t, "https://cdn/a.png", msgs[1].User.AvatarURL)
}

func TestMessageRepo_ListBeforeUsesKeysetFromCursor(t *testing.T) {
	db, mock := newMock(t)
	anchor := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(q(`SELECT created_at FROM messages WHERE id = $1 AND conversation_id = $2`)).
		WithArgs(cursorID, convID).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(anchor))
	mock.ExpectQuery(q(`WHERE m.conversation_id = $1`)+`\s+`+q(`AND (m.created_at, m.id) < ($2, $3::uuid)`)).
		WithArgs(convID, anchor, cursorID, 51).
		WillReturnRows(sqlmock.NewRows(messageColumns).
			AddRow("m0", "older", "u2", nil, convID, nil, anchor, nil, "bo", nil, nil))

	msgs, err := NewMessageRepo(db).ListBefore(context.Background(), domain.RoomKey("conversation:"+convID), cursorID, 51)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].ConversationID)
	assert.Equal(t, convID, *msgs[0].ConversationID)
}

func TestMessageRepo_ListBeforeRejectsForeignCursor(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	// the cursor exists, but in another room
	mock.ExpectQuery(q(`SELECT created_at FROM messages WHERE id = $1 AND channel_id = $2`)).
		WithArgs(cursorID, channelID).
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}))
	_, err := repo.ListBefore(ctx, domain.RoomKey("channel:"+channelID), cursorID, 10)
	assert.ErrorIs(t, err, domain.ErrInvalidCursor)

	_, err = repo.ListBefore(ctx, domain.RoomKey("channel:"+channelID), "not-a-uuid", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidCursor)

	_, err = repo.ListBefore(ctx, domain.RoomKey("server:"+serverID), "", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidRoom)
}

func TestMessageRepo_ListBeforePropagatesDriverErrors(t *testing.T) {
	db, mock := newMock(t)
	boom := errors.New("conn reset")
	mock.ExpectQuery(q(`SELECT created_at FROM messages`)).WillReturnError(boom)

	_, err := NewMessageRepo(db).ListBefore(context.Background(), domain.RoomKey("channel:"+channelID), cursorID, 10)
	assert.ErrorIs(t, err, boom)
}

func TestMessageRepo_MutationsReportMissingRows(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	mock.ExpectExec(q(`DELETE FROM messages WHERE id = $1`)).WithArgs(cursorID).WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, repo.DeleteMessage(ctx, cursorID), domain.ErrNotFound)

	mock.ExpectExec(q(`UPDATE messages`)).WithArgs(cursorID, "edited").WillReturnResult(sqlmock.NewResult(0, 0))
	_, err := repo.UpdateMessage(ctx, cursorID, "edited")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = repo.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "non-uuid ids never reach the database")
}

func TestMembershipOracle_Queries(t *testing.T) {
	db, mock := newMock(t)
	oracle := NewMembershipOracle(db)
	ctx := context.Background()

	mock.ExpectQuery(q(`SELECT server_id FROM channels WHERE id = $1`)).WithArgs(channelID).
		WillReturnRows(sqlmock.NewRows([]string{"server_id"}).AddRow(serverID))
	got, err := oracle.ChannelServer(ctx, channelID)
	require.NoError(t, err)
	assert.Equal(t, serverID, got)

	mock.ExpectQuery(q(`SELECT server_id FROM channels WHERE id = $1`)).WithArgs(channelID).
		WillReturnRows(sqlmock.NewRows([]string{"server_id"}))
	_, err = oracle.ChannelServer(ctx, channelID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	mock.ExpectQuery(q(`SELECT 1 FROM members WHERE server_id = $1 AND user_id::text = $2`)).WithArgs(serverID, "alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	member, err := oracle.IsServerMember(ctx, "alice", serverID)
	require.NoError(t, err)
	assert.True(t, member)

	mock.ExpectQuery(q(`FROM conversation_users`)).WithArgs(convID, "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	party, err := oracle.IsConversationParty(ctx, "mallory", convID)
	require.NoError(t, err)
	assert.False(t, party)

	mock.ExpectQuery(q(`FROM conversation_users`)).WithArgs(convID, "alice").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}))
	_, err = oracle.IsConversationParty(ctx, "alice", convID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "unknown conversation")

	mock.ExpectQuery(q(`FROM members`)).WithArgs(serverID, "alice").WillReturnError(sql.ErrConnDone)
	_, err = oracle.IsServerMember(ctx, "alice", serverID)
	assert.ErrorIs(t, err, sql.ErrConnDone)
}

func TestTxManager_CommitAndRollback(t *testing.T) {
	db, mock := newMock(t)
	tm := NewTxManager(db)
	repo := NewMessageRepo(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM messages`)).WithArgs(cursorID).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, tm.WithTx(ctx, func(txCtx context.Context) error {
		return tm.WithTx(txCtx, func(inner context.Context) error {
			return repo.DeleteMessage(inner, cursorID)
		})
	}))

	mock.ExpectBegin()
	mock.ExpectExec(q(`DELETE FROM messages`)).WithArgs(cursorID).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	err := tm.WithTx(ctx, func(txCtx context.Context) error {
		return repo.DeleteMessage(txCtx, cursorID)
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
