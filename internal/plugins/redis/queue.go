package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chatsync/pkg/logging"

	"github.com/redis/go-redis/v9"
)

const (
	defaultBlock  = 2 * time.Second
	defaultMaxLen = 10000
	readBatch     = 16
)

type RedisMessageQueue struct {
	rdb    *redis.Client
	log    *slog.Logger
	block  time.Duration
	maxLen int64
}

func NewRedisMessageQueue(log *slog.Logger, rdb *redis.Client) *RedisMessageQueue {
	return &RedisMessageQueue{rdb: rdb, log: log, block: defaultBlock, maxLen: defaultMaxLen}
}

func (q *RedisMessageQueue) streamKey(topic string) string {
	return "stream:" + topic
}

func (q *RedisMessageQueue) PublishToStream(ctx context.Context, topic string, payload []byte) error {
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.streamKey(topic),
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{"data": payload},
	}).Err()
}

// SubscribeToStream creates the group if needed and starts consuming in the
// background. Entries this consumer read but never acknowledged, typically
// because the process died mid-delivery, are handled before new ones.
func (q *RedisMessageQueue) SubscribeToStream(
	ctx context.Context,
	topic, conGroup, consumer string,
	handler func(ctx context.Context, messageID string, data []byte) error,
) error {
	if consumer == "" {
		return errors.New("consumer name is required")
	}
	stream := q.streamKey(topic)
	err := q.rdb.XGroupCreateMkStream(ctx, stream, conGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	go q.consume(ctx, stream, conGroup, consumer, handler)
	return nil
}

func (q *RedisMessageQueue) consume(
	ctx context.Context,
	stream, conGroup, consumer string,
	handler func(ctx context.Context, messageID string, data []byte) error,
) {
	log := q.log.With(slog.String("stream", stream), slog.String("group", conGroup), slog.String("consumer", consumer))
	// "0" walks this consumer's pending list; ">" asks for never-delivered entries.
	cursor := "0"
	for {
		if ctx.Err() != nil {
			return
		}
		args := &redis.XReadGroupArgs{
			Group:    conGroup,
			Consumer: consumer,
			Streams:  []string{stream, cursor},
			Count:    readBatch,
		}
		if cursor == ">" {
			args.Block = q.block
		}
		res, err := q.rdb.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.ErrorContext(ctx, "queue - consume - read failed", logging.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		delivered := 0
		for _, s := range res {
			for _, msg := range s.Messages {
				delivered++
				if cursor != ">" {
					cursor = msg.ID
				}
				raw, ok := msg.Values["data"].(string)
				if !ok {
					log.WarnContext(ctx, "queue - consume - entry without data, dropping", logging.StreamEntry(msg.ID))
					_ = q.rdb.XAck(ctx, stream, conGroup, msg.ID).Err()
					continue
				}
				if err := handler(ctx, msg.ID, []byte(raw)); err != nil {
					log.ErrorContext(ctx, "queue - consume - handler failed", logging.StreamEntry(msg.ID), logging.Err(err))
				}
			}
		}
		if cursor != ">" && delivered == 0 {
			log.InfoContext(ctx, "queue - consume - pending replay done")
			cursor = ">"
		}
	}
}

func (q *RedisMessageQueue) AcknowledgeMessage(ctx context.Context, topic, conGroup, mesgID string) error {
	return q.rdb.XAck(ctx, q.streamKey(topic), conGroup, mesgID).Err()
}

func (q *RedisMessageQueue) DeleteMessage(ctx context.Context, topic, mesgID string) error {
	return q.rdb.XDel(ctx, q.streamKey(topic), mesgID).Err()
}

// Pending reports how many entries the group has delivered but not acknowledged.
func (q *RedisMessageQueue) Pending(ctx context.Context, topic, conGroup string) (int64, error) {
	res, err := q.rdb.XPending(ctx, q.streamKey(topic), conGroup).Result()
	if err != nil {
		return 0, err
	}
	return res.Count, nil
}
