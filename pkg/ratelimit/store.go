package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// StateStore mirrors the observed quota state outside the process.
type StateStore interface {
	Save(ctx context.Context, state QuotaState) error
	Load(ctx context.Context) (QuotaState, bool, error)
}

// Redis key suffixes for quota state storage.
const (
	redisKeyLimit      = "limit"
	redisKeyRemaining  = "remaining"
	redisKeyResetAt    = "reset_at"
	redisKeyLastUpdate = "last_update"
)

// RedisStateStore keeps the quota state under alertfeed:quota:<namespace>:*.
// The namespace is typically the credential key, since quota is per
// credential.
type RedisStateStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStateStore creates a Redis-backed quota mirror.
func NewRedisStateStore(redisClient *redis.Client, namespace string) *RedisStateStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStateStore{
		redis:  redisClient,
		prefix: "alertfeed:quota:" + namespace + ":",
	}
}

// Save stores the state atomically.
func (s *RedisStateStore) Save(ctx context.Context, state QuotaState) error {
	var resetMs int64
	if !state.ResetAt.IsZero() {
		resetMs = state.ResetAt.UnixMilli()
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.prefix+redisKeyLimit, state.Limit, 0)
	pipe.Set(ctx, s.prefix+redisKeyRemaining, state.Remaining, 0)
	pipe.Set(ctx, s.prefix+redisKeyResetAt, resetMs, 0)
	pipe.Set(ctx, s.prefix+redisKeyLastUpdate, state.LastUpdate.UnixMilli(), 0)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store quota state in redis: %w", err)
	}
	return nil
}

// Load returns the stored state, or false if none has been saved.
func (s *RedisStateStore) Load(ctx context.Context) (QuotaState, bool, error) {
	vals, err := s.redis.MGet(ctx,
		s.prefix+redisKeyLimit,
		s.prefix+redisKeyRemaining,
		s.prefix+redisKeyResetAt,
		s.prefix+redisKeyLastUpdate,
	).Result()
	if err != nil {
		return QuotaState{}, false, fmt.Errorf("redis mget: %w", err)
	}
	if vals[0] == nil {
		return QuotaState{}, false, nil
	}

	nums := make([]int64, len(vals))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return QuotaState{}, false, fmt.Errorf("unexpected redis value %T", v)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return QuotaState{}, false, fmt.Errorf("parse quota field: %w", err)
		}
		nums[i] = n
	}

	state := QuotaState{
		Limit:     int(nums[0]),
		Remaining: int(nums[1]),
	}
	if nums[2] > 0 {
		state.ResetAt = time.UnixMilli(nums[2])
	}
	if nums[3] > 0 {
		state.LastUpdate = time.UnixMilli(nums[3])
	}
	return state, true, nil
}
