package redis

import (
	"context"
	"sort"
	"time"

	"chatsync/internal/core/domain"

	"github.com/redis/go-redis/v9"
)

// RedisPresenceMirror copies the registry's online set into Redis so that
// other processes (admin tooling, the REST tier) can read it. The set holds
// who is online now; the sorted set remembers when each identity was last
// seen, scored by unix seconds.
type RedisPresenceMirror struct {
	rdb         *redis.Client
	onlineKey   string
	lastSeenKey string
	now         func() time.Time
}

func NewRedisPresenceMirror(rdb *redis.Client, key string) *RedisPresenceMirror {
	if key == "" {
		key = "presence:online"
	}
	return &RedisPresenceMirror{
		rdb:         rdb,
		onlineKey:   key,
		lastSeenKey: key + ":last_seen",
		now:         time.Now,
	}
}

func (p *RedisPresenceMirror) MarkOnline(ctx context.Context, identity domain.Identity) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.onlineKey, string(identity))
		pipe.ZAdd(ctx, p.lastSeenKey, redis.Z{Score: float64(p.now().Unix()), Member: string(identity)})
		return nil
	})
	return err
}

func (p *RedisPresenceMirror) MarkOffline(ctx context.Context, identity domain.Identity) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, p.onlineKey, string(identity))
		pipe.ZAdd(ctx, p.lastSeenKey, redis.Z{Score: float64(p.now().Unix()), Member: string(identity)})
		return nil
	})
	return err
}

func (p *RedisPresenceMirror) Online(ctx context.Context) ([]domain.Identity, error) {
	members, err := p.rdb.SMembers(ctx, p.onlineKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := make([]domain.Identity, len(members))
	for i, m := range members {
		out[i] = domain.Identity(m)
	}
	return out, nil
}

// Reset clears the online set. Last-seen history is kept.
func (p *RedisPresenceMirror) Reset(ctx context.Context) error {
	return p.rdb.Del(ctx, p.onlineKey).Err()
}
