package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the sorted set holding the log.
const DefaultRedisKey = "noticeboard:notifications"

// RedisStore keeps the log in a sorted set scored by SentAt in milliseconds.
type RedisStore struct {
	client  redis.Cmdable
	key     string
	maxSize int64
}

// NewRedisStore creates a RedisStore retaining up to maxSize records
// (0 keeps everything).
func NewRedisStore(client redis.Cmdable, key string, maxSize int) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{
		client:  client,
		key:     key,
		maxSize: int64(maxSize),
	}
}

// Append adds rec to the set, trimming the oldest entries past maxSize.
func (s *RedisStore) Append(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal notification: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key, redis.Z{Score: float64(rec.SentAt.UnixMilli()), Member: data})
	if s.maxSize > 0 {
		pipe.ZRemRangeByRank(ctx, s.key, 0, -s.maxSize-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: append notification: %w", err)
	}
	return nil
}

// Before returns the page of records preceding cursor.
func (s *RedisStore) Before(ctx context.Context, cursor *time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	max := "+inf"
	if cursor != nil {
		max = "(" + strconv.FormatInt(cursor.UnixMilli(), 10)
	}

	vals, err := s.client.ZRevRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read notifications: %w", err)
	}

	page := make([]Record, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		var rec Record
		if err := json.Unmarshal([]byte(vals[i]), &rec); err != nil {
			continue
		}
		page = append(page, rec)
	}
	return page, nil
}

// Count returns the number of stored records.
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: count notifications: %w", err)
	}
	return int(n), nil
}
