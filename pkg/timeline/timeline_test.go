package timeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"chatsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const room = domain.RoomKey("channel:c1")

func msg(id string) domain.Message {
	ch := "c1"
	return domain.Message{ID: id, Content: "body " + id, ChannelID: &ch}
}

func ids(t *Timeline) []string {
	out := []string{}
	for _, m := range t.Messages() {
		out = append(out, m.ID)
	}
	return out
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := domain.Encode(event, data)
	require.NoError(t, err)
	return raw
}

// history holds ids oldest first and serves newest-first pages.
func history(n, size int) Fetcher {
	return func(_ context.Context, cursor string) (domain.Page, error) {
		end := n
		if cursor != "" {
			if _, err := fmt.Sscanf(cursor, "m%03d", &end); err != nil {
				return domain.Page{}, domain.ErrInvalidCursor
			}
		}
		var p domain.Page
		for i := end - 1; i >= 0 && len(p.Items) < size; i-- {
			p.Items = append(p.Items, msg(fmt.Sprintf("m%03d", i)))
		}
		if last := end - len(p.Items); last > 0 {
			next := fmt.Sprintf("m%03d", last)
			p.NextCursor = &next
		}
		return p, nil
	}
}

func TestTimeline_LiveEchoOfHistoryIsNotDuplicated(t *testing.T) {
	tl := New(room)
	next := "m001"
	tl.AddPage(domain.Page{Items: []domain.Message{msg("m003"), msg("m002"), msg("m001")}, NextCursor: &next})

	changed, err := tl.Apply(frame(t, domain.EventNewMessage, msg("m003")))
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = tl.Apply(frame(t, domain.EventNewMessage, msg("m004")))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"m001", "m002", "m003", "m004"}, ids(tl))

	// a live message that also shows up in a later history page stays single
	assert.Equal(t, 0, tl.AddPage(domain.Page{Items: []domain.Message{msg("m004"), msg("m003")}, NextCursor: &next}))
	assert.Len(t, tl.Messages(), 4)
}

func TestTimeline_UpdateAndDeleteAreIdempotent(t *testing.T) {
	tl := New(room)
	tl.Add(msg("a"))
	tl.Add(msg("b"))

	edited := msg("a")
	edited.Content = "edited"
	for range 2 {
		_, err := tl.Apply(frame(t, domain.EventMessageUpdated, edited))
		require.NoError(t, err)
	}
	assert.Equal(t, "edited", tl.Messages()[0].Content)

	ch := "c1"
	del := domain.MessageRemoved{ID: "a", ChannelID: &ch}
	changed, err := tl.Apply(frame(t, domain.EventMessageDeleted, del))
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = tl.Apply(frame(t, domain.EventMessageDeleted, del))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"b"}, ids(tl))

	// updating an absent id does not resurrect it
	assert.False(t, tl.Update(edited))
	assert.Equal(t, []string{"b"}, ids(tl))
}

func TestTimeline_DeletedMessageStaysDeleted(t *testing.T) {
	tl := New(room)
	tl.Add(msg("a"))
	tl.Add(msg("b"))

	ch := "c1"
	changed, err := tl.Apply(frame(t, domain.EventMessageDeleted, domain.MessageRemoved{ID: "a", ChannelID: &ch}))
	require.NoError(t, err)
	require.True(t, changed)

	// at-least-once delivery may replay the create after the delete
	changed, err = tl.Apply(frame(t, domain.EventNewMessage, msg("a")))
	require.NoError(t, err)
	assert.False(t, changed)
	next := "b"
	assert.Zero(t, tl.AddPage(domain.Page{Items: []domain.Message{msg("a")}, NextCursor: &next}))
	assert.Equal(t, []string{"b"}, ids(tl))

	// a delete that overtakes its create still wins
	assert.False(t, tl.Remove("c"))
	assert.False(t, tl.Add(msg("c")))
	assert.Equal(t, []string{"b"}, ids(tl))
}

func TestTimeline_IgnoresOtherRooms(t *testing.T) {
	tl := New(room)
	other := "c2"
	foreign := domain.Message{ID: "x", ChannelID: &other}
	changed, err := tl.Apply(frame(t, domain.EventNewMessage, foreign))
	require.NoError(t, err)
	assert.False(t, changed)

	dm := New("conversation:d1")
	assert.False(t, dm.Add(msg("m1")), "channel message in a conversation timeline")

	changed, err = tl.Apply(frame(t, domain.EventUserTyping, domain.UserTyping{}))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = tl.Apply([]byte("nope"))
	assert.ErrorIs(t, err, domain.ErrMalformedEvent)
}

func TestTimeline_LoadOlderWalksToTheStart(t *testing.T) {
	for _, size := range []int{1, 7, 25, 100} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			tl := New(room)
			fetch := history(25, size)
			calls := 0
			for tl.HasMore() {
				_, err := tl.LoadOlder(context.Background(), fetch)
				require.NoError(t, err)
				calls++
				require.LessOrEqual(t, calls, 26)
			}
			got := ids(tl)
			require.Len(t, got, 25)
			for i, id := range got {
				assert.Equal(t, fmt.Sprintf("m%03d", i), id)
			}
			n, err := tl.LoadOlder(context.Background(), fetch)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestTimeline_LoadOlderError(t *testing.T) {
	tl := New(room)
	boom := errors.New("offline")
	_, err := tl.LoadOlder(context.Background(), func(context.Context, string) (domain.Page, error) {
		return domain.Page{}, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.True(t, tl.HasMore())
}
