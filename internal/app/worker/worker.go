package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"chatsync/internal/core/contracts"
	"chatsync/internal/core/domain"
	"chatsync/pkg/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("message-worker")

// MessageEventWorker consumes committed message mutations from the stream and
// fans them out to live connections through the registry.
type MessageEventWorker struct {
	log      *slog.Logger
	queue    contracts.MessageQueue
	hub      contracts.Registry
	stream   string
	conGroup string
	consumer string
}

func NewMessageEventWorker(
	log *slog.Logger,
	queue contracts.MessageQueue,
	hub contracts.Registry,
	stream, conGroup, consumer string,
) *MessageEventWorker {
	return &MessageEventWorker{
		log:      log,
		queue:    queue,
		hub:      hub,
		stream:   stream,
		conGroup: conGroup,
		consumer: consumer,
	}
}

var _ contracts.AsyncWorker = (*MessageEventWorker)(nil)

func (w *MessageEventWorker) Run(ctx context.Context) error {
	if err := w.queue.SubscribeToStream(ctx, w.stream, w.conGroup, w.consumer, w.ProcessMessage); err != nil {
		w.log.ErrorContext(ctx, "worker - run - subscribe to stream failed", "stream", w.stream, "group", w.conGroup, "err", err)
		return err
	}
	w.log.InfoContext(ctx, "worker - run - subscribe to stream success", "stream", w.stream, "group", w.conGroup, "consumer", w.consumer)
	return nil
}

// ProcessMessage delivers one entry. Undecodable or rejected entries are
// acknowledged and dropped; they would never succeed on replay. A registry that has stopped
// leaves the entry pending for the next run.
func (w *MessageEventWorker) ProcessMessage(ctx context.Context, entryID string, raw []byte) error {
	ctx, span := tracer.Start(ctx, "MessageEventWorker.ProcessMessage", trace.WithAttributes(
		attribute.String("stream", w.stream),
		attribute.String("entry_id", entryID),
	))
	defer span.End()
	log := w.log.With(logging.StreamEntry(entryID))

	var ev domain.MessageEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		span.RecordError(err)
		log.ErrorContext(ctx, "worker - process message - wrong payload", "err", err)
		return w.finish(ctx, log, entryID)
	}
	span.SetAttributes(
		attribute.String("message_id", ev.MessageID),
		attribute.String("kind", string(ev.Kind)),
		attribute.String("event", ev.Event),
	)
	if err := w.hub.PublishMessageEvent(ctx, ev); err != nil {
		span.RecordError(err)
		if rejected(err) {
			log.ErrorContext(ctx, "worker - process message - event rejected", logging.Room(string(ev.Room)), "kind", ev.Kind, "event", ev.Event, "err", err)
			return w.finish(ctx, log, entryID)
		}
		span.SetStatus(codes.Error, "publish failed")
		log.ErrorContext(ctx, "worker - process message - publish to registry failed", logging.Message(ev.MessageID), "err", err)
		return fmt.Errorf("publish %s: %w", ev.MessageID, err)
	}
	log.DebugContext(ctx, "worker - process message - publish to registry success", logging.Message(ev.MessageID), logging.Room(string(ev.Room)))
	return w.finish(ctx, log, entryID)
}

func rejected(err error) bool {
	return errors.Is(err, domain.ErrMalformedEvent) ||
		errors.Is(err, domain.ErrUnknownEvent) ||
		errors.Is(err, domain.ErrInvalidRoom)
}

func (w *MessageEventWorker) finish(ctx context.Context, log *slog.Logger, entryID string) error {
	// XACK removes the entry from the pending entries list
	if err := w.queue.AcknowledgeMessage(ctx, w.stream, w.conGroup, entryID); err != nil {
		log.ErrorContext(ctx, "worker - process message - acknowledge message failed", "err", err)
		return err
	}
	// XDEL keeps the stream small; the entry is already acknowledged
	if err := w.queue.DeleteMessage(ctx, w.stream, entryID); err != nil {
		log.WarnContext(ctx, "worker - process message - delete message failed", "err", err)
	}
	return nil
}
