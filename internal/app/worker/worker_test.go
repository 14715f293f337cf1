package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"chatsync/internal/core/contracts"
	"chatsync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	mu         sync.Mutex
	subscribed []string
	acked      []string
	deleted    []string
	ackErr     error
	subErr     error
}

func (q *fakeQueue) PublishToStream(context.Context, string, []byte) error { return nil }

func (q *fakeQueue) SubscribeToStream(_ context.Context, topic, group, consumer string, _ func(context.Context, string, []byte) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subErr != nil {
		return q.subErr
	}
	q.subscribed = append(q.subscribed, topic+"/"+group+"/"+consumer)
	return nil
}

func (q *fakeQueue) AcknowledgeMessage(_ context.Context, _, _, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, id)
	return nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, _, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return nil
}

type fakeHub struct {
	events []domain.MessageEvent
	err    error
}

func (h *fakeHub) Connect(contracts.Client) error            { return nil }
func (h *fakeHub) Disconnect(contracts.Client)               {}
func (h *fakeHub) Dispatch(contracts.Client, domain.Inbound) {}
func (h *fakeHub) PublishMessageEvent(_ context.Context, ev domain.MessageEvent) error {
	if h.err != nil {
		return h.err
	}
	h.events = append(h.events, ev)
	return nil
}

func newWorker(q *fakeQueue, h *fakeHub) *MessageEventWorker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewMessageEventWorker(log, q, h, "message-events", "delivery", "node-1")
}

func TestRun_Subscribes(t *testing.T) {
	q := &fakeQueue{}
	require.NoError(t, newWorker(q, &fakeHub{}).Run(context.Background()))
	assert.Equal(t, []string{"message-events/delivery/node-1"}, q.subscribed)

	q = &fakeQueue{subErr: errors.New("redis down")}
	assert.Error(t, newWorker(q, &fakeHub{}).Run(context.Background()))
}

func TestProcessMessage_DeliversThenAcks(t *testing.T) {
	q, h := &fakeQueue{}, &fakeHub{}
	ch := "c1"
	raw, err := json.Marshal(domain.MessageEvent{
		Kind:      domain.MessageCreated,
		Room:      "channel:c1",
		MessageID: "m1",
		Message:   &domain.Message{ID: "m1", Content: "hi", ChannelID: &ch},
	})
	require.NoError(t, err)

	require.NoError(t, newWorker(q, h).ProcessMessage(context.Background(), "1-0", raw))
	require.Len(t, h.events, 1)
	assert.Equal(t, "m1", h.events[0].MessageID)
	assert.Equal(t, domain.RoomKey("channel:c1"), h.events[0].Room)
	assert.Equal(t, []string{"1-0"}, q.acked)
	assert.Equal(t, []string{"1-0"}, q.deleted)
}

func TestProcessMessage_BadPayloadIsDropped(t *testing.T) {
	q, h := &fakeQueue{}, &fakeHub{}
	require.NoError(t, newWorker(q, h).ProcessMessage(context.Background(), "2-0", []byte("{nope")))
	assert.Empty(t, h.events)
	assert.Equal(t, []string{"2-0"}, q.acked)
}

func TestProcessMessage_RegistryFailureLeavesPending(t *testing.T) {
	q, h := &fakeQueue{}, &fakeHub{err: errors.New("registry stopped")}
	raw, _ := json.Marshal(domain.MessageEvent{Kind: domain.MessageDeleted, Room: "channel:c1", MessageID: "m1"})
	assert.Error(t, newWorker(q, h).ProcessMessage(context.Background(), "3-0", raw))
	assert.Empty(t, q.acked)
	assert.Empty(t, q.deleted)
}

func TestProcessMessage_AckFailureSkipsDelete(t *testing.T) {
	q, h := &fakeQueue{ackErr: errors.New("timeout")}, &fakeHub{}
	raw, _ := json.Marshal(domain.MessageEvent{Kind: domain.MessageDeleted, Room: "channel:c1", MessageID: "m1"})
	assert.Error(t, newWorker(q, h).ProcessMessage(context.Background(), "4-0", raw))
	assert.Len(t, h.events, 1)
	assert.Empty(t, q.deleted)
}

func TestProcessMessage_NoticeIsDelivered(t *testing.T) {
	q, h := &fakeQueue{}, &fakeHub{}
	raw, err := json.Marshal(domain.MessageEvent{
		Kind:    domain.RoomNotice,
		Room:    "server:s1",
		Event:   domain.EventRefreshServerUI,
		Payload: json.RawMessage(`"s1"`),
	})
	require.NoError(t, err)

	require.NoError(t, newWorker(q, h).ProcessMessage(context.Background(), "5-0", raw))
	require.Len(t, h.events, 1)
	assert.Equal(t, domain.EventRefreshServerUI, h.events[0].Event)
	assert.JSONEq(t, `"s1"`, string(h.events[0].Payload))
	assert.Equal(t, []string{"5-0"}, q.acked)
}

func TestProcessMessage_RejectedEventIsDropped(t *testing.T) {
	q := &fakeQueue{}
	h := &fakeHub{err: fmt.Errorf("notice %q: %w", "bogus", domain.ErrUnknownEvent)}
	raw, _ := json.Marshal(domain.MessageEvent{Kind: domain.RoomNotice, Room: "server:s1", Event: "bogus"})
	require.NoError(t, newWorker(q, h).ProcessMessage(context.Background(), "6-0", raw))
	assert.Equal(t, []string{"6-0"}, q.acked)
	assert.Equal(t, []string{"6-0"}, q.deleted)
}
