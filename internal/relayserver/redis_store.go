package relayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/umbra-im/realtime/internal/protocol"
)

const (
	redisOfflineKeyPrefix = "umbra:offline:"
	redisOfflineTTL       = 7 * 24 * time.Hour
)

// redisStore keeps offline messages in a Redis list per recipient, so queued
// messages survive relay restarts and can be shared across relay instances.
type redisStore struct {
	rdb    *redis.Client
	maxPer int64
}

// NewRedisStore returns an OfflineStore backed by the given Redis client.
func NewRedisStore(rdb *redis.Client, maxPerDID int) OfflineStore {
	if maxPerDID <= 0 {
		maxPerDID = DefaultMaxOfflinePerDID
	}
	return &redisStore{rdb: rdb, maxPer: int64(maxPerDID)}
}

func (s *redisStore) Queue(ctx context.Context, toDID string, msg protocol.OfflineMessage) error {
	key := redisOfflineKeyPrefix + toDID
	held, err := s.rdb.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("offline llen: %w", err)
	}
	if held >= s.maxPer {
		return ErrOfflineQuotaExceeded
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("offline marshal: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.Expire(ctx, key, redisOfflineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("offline rpush: %w", err)
	}
	return nil
}

func (s *redisStore) Drain(ctx context.Context, did string) ([]protocol.OfflineMessage, error) {
	key := redisOfflineKeyPrefix + did
	pipe := s.rdb.TxPipeline()
	entries := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("offline drain: %w", err)
	}
	raw, err := entries.Result()
	if err != nil {
		return nil, fmt.Errorf("offline lrange: %w", err)
	}
	msgs := make([]protocol.OfflineMessage, 0, len(raw))
	for _, r := range raw {
		var msg protocol.OfflineMessage
		if err := json.Unmarshal([]byte(r), &msg); err != nil {
			// A corrupt entry is skipped rather than wedging the drain.
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}
