package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/internal/core/contracts"
	"chatsync/internal/core/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("message-service")

const (
	DefaultPageSize = 50
	MaxPageSize     = 100
	maxContentLen   = 4000
)

type IMessageService interface {
	// GetPage returns messages newest first, strictly older than cursor.
	// NextCursor is nil once the oldest message has been returned.
	GetPage(ctx context.Context, room domain.RoomKey, cursor string, limit int) (domain.Page, error)
	// Create persists a message and publishes it for live delivery.
	Create(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)
	// Update and Delete are restricted to the author.
	Update(ctx context.Context, identity domain.Identity, id, content string) (*domain.Message, error)
	Delete(ctx context.Context, identity domain.Identity, id string) error
}

type MessageService struct {
	queue       contracts.MessageQueue
	topic       string
	Repo        domain.MessageRepository
	txManager   contracts.Transactor
	defaultPage int
	maxPage     int
	log         *slog.Logger
}

func NewMessageService(
	log *slog.Logger,
	queue contracts.MessageQueue,
	topic string,
	repo domain.MessageRepository,
	txManager contracts.Transactor,
	defaultPage, maxPage int,
) *MessageService {
	if maxPage <= 0 {
		maxPage = MaxPageSize
	}
	if defaultPage <= 0 || defaultPage > maxPage {
		defaultPage = min(DefaultPageSize, maxPage)
	}
	return &MessageService{
		log:         log,
		queue:       queue,
		topic:       topic,
		Repo:        repo,
		txManager:   txManager,
		defaultPage: defaultPage,
		maxPage:     maxPage,
	}
}

func (m *MessageService) GetPage(ctx context.Context, room domain.RoomKey, cursor string, limit int) (domain.Page, error) {
	ctx, span := tracer.Start(ctx, "MessageService.GetPage", trace.WithAttributes(
		attribute.String("room", string(room)),
		attribute.String("cursor", cursor),
	))
	defer span.End()
	if k := room.Kind(); k != domain.RoomChannel && k != domain.RoomConversation {
		return domain.Page{}, fmt.Errorf("history of %q: %w", room, domain.ErrInvalidRoom)
	}
	if limit <= 0 {
		limit = m.defaultPage
	}
	limit = min(limit, m.maxPage)
	var rows []domain.Message
	if err := m.txManager.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		rows, err = m.Repo.ListBefore(txCtx, room, cursor, limit+1)
		return err
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "db read failed")
		m.log.ErrorContext(ctx, "messages - get page - list before failed", "room", room, "cursor", cursor, "err", err)
		return domain.Page{}, err
	}
	page := domain.Page{Items: rows}
	if len(rows) > limit {
		page.Items = rows[:limit]
		next := page.Items[limit-1].ID
		page.NextCursor = &next
	}
	if page.Items == nil {
		page.Items = []domain.Message{}
	}
	span.SetAttributes(attribute.Int("message_count", len(page.Items)))
	m.log.DebugContext(ctx, "messages - get page - success", "room", room, "len_messages", len(page.Items), "has_more", page.NextCursor != nil)
	return page, nil
}

func (m *MessageService) Create(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Create", trace.WithAttributes(
		attribute.String("room", string(in.Room)),
		attribute.String("user_id", in.UserID),
	))
	defer span.End()
	content, err := normalizeContent(in.Content)
	if err != nil {
		return nil, err
	}
	in.Content = content
	if k := in.Room.Kind(); k != domain.RoomChannel && k != domain.RoomConversation {
		return nil, fmt.Errorf("post to %q: %w", in.Room, domain.ErrInvalidRoom)
	}
	var msg *domain.Message
	if err := m.txManager.WithTx(ctx, func(txCtx context.Context) error {
		var txErr error
		msg, txErr = m.Repo.CreateMessage(txCtx, in)
		return txErr
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction failed")
		m.log.ErrorContext(ctx, "messages - create - save failed", "room", in.Room, "user_id", in.UserID, "err", err)
		return nil, err
	}
	m.log.InfoContext(ctx, "messages - create - save success", "room", in.Room, "message_id", msg.ID)
	_ = m.publish(ctx, domain.MessageEvent{Kind: domain.MessageCreated, Room: in.Room, MessageID: msg.ID, Message: msg})
	if in.Room.Kind() == domain.RoomConversation {
		_ = m.Notify(ctx, in.Room, domain.EventConversationUpdated, domain.ConversationUpdated{
			ID:            in.Room.TargetID(),
			LastMessageAt: msg.CreatedAt,
		})
	}
	return msg, nil
}

// Notify publishes a named notice for room on the delivery stream. Server,
// conversation and user rooms are the usual targets.
func (m *MessageService) Notify(ctx context.Context, room domain.RoomKey, event string, payload any) error {
	if !domain.IsNotice(event) {
		return fmt.Errorf("notice %q: %w", event, domain.ErrUnknownEvent)
	}
	if _, _, err := domain.ParseRoomKey(string(room)); err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return m.publish(ctx, domain.MessageEvent{Kind: domain.RoomNotice, Room: room, Event: event, Payload: raw})
}

func (m *MessageService) Update(ctx context.Context, identity domain.Identity, id, content string) (*domain.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Update", trace.WithAttributes(
		attribute.String("message_id", id),
		attribute.String("user_id", string(identity)),
	))
	defer span.End()
	content, err := normalizeContent(content)
	if err != nil {
		return nil, err
	}
	var msg *domain.Message
	if err := m.txManager.WithTx(ctx, func(txCtx context.Context) error {
		current, txErr := m.ownedMessage(txCtx, identity, id)
		if txErr != nil {
			return txErr
		}
		if msg, txErr = m.Repo.UpdateMessage(txCtx, current.ID, content); txErr != nil {
			return txErr
		}
		return nil
	}); err != nil {
		span.RecordError(err)
		m.log.WarnContext(ctx, "messages - update - failed", "message_id", id, "user_id", identity, "err", err)
		return nil, err
	}
	room, err := msg.Room()
	if err != nil {
		return msg, nil
	}
	_ = m.publish(ctx, domain.MessageEvent{Kind: domain.MessageUpdated, Room: room, MessageID: msg.ID, Message: msg})
	return msg, nil
}

func (m *MessageService) Delete(ctx context.Context, identity domain.Identity, id string) error {
	ctx, span := tracer.Start(ctx, "MessageService.Delete", trace.WithAttributes(
		attribute.String("message_id", id),
		attribute.String("user_id", string(identity)),
	))
	defer span.End()
	var removed *domain.Message
	if err := m.txManager.WithTx(ctx, func(txCtx context.Context) error {
		current, txErr := m.ownedMessage(txCtx, identity, id)
		if txErr != nil {
			return txErr
		}
		removed = current
		return m.Repo.DeleteMessage(txCtx, id)
	}); err != nil {
		span.RecordError(err)
		m.log.WarnContext(ctx, "messages - delete - failed", "message_id", id, "user_id", identity, "err", err)
		return err
	}
	room, err := removed.Room()
	if err != nil {
		return nil
	}
	_ = m.publish(ctx, domain.MessageEvent{Kind: domain.MessageDeleted, Room: room, MessageID: id, Message: removed})
	return nil
}

func (m *MessageService) ownedMessage(ctx context.Context, identity domain.Identity, id string) (*domain.Message, error) {
	msg, err := m.Repo.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.UserID != string(identity) {
		return nil, domain.ErrNotMessageAuthor
	}
	return msg, nil
}

// publish hands a committed mutation to the delivery stream. A failure here
// leaves the store correct; clients converge on the next history fetch.
func (m *MessageService) publish(ctx context.Context, ev domain.MessageEvent) error {
	ev.At = time.Now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		m.log.ErrorContext(ctx, "messages - publish - encode failed", "message_id", ev.MessageID, "event", ev.Event, "err", err)
		return err
	}
	if err := m.queue.PublishToStream(ctx, m.topic, raw); err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
		m.log.ErrorContext(ctx, "messages - publish - publish to stream failed", "stream", m.topic, "message_id", ev.MessageID, "kind", ev.Kind, "event", ev.Event, "err", err)
		return err
	}
	m.log.InfoContext(ctx, "messages - publish - publish to stream success", "stream", m.topic, "message_id", ev.MessageID, "kind", ev.Kind, "event", ev.Event)
	return nil
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.ErrEmptyMessage
	}
	if len(content) > maxContentLen {
		return "", fmt.Errorf("content longer than %d bytes: %w", maxContentLen, domain.ErrMessageTooLong)
	}
	return content, nil
}
