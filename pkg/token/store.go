package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store caches tokens keyed by Credential.Key.
type Store interface {
	// Get returns the cached token and whether one was found.
	Get(ctx context.Context, key string) (Token, bool, error)

	// Set stores tok for ttl.
	Set(ctx context.Context, key string, tok Token, ttl time.Duration) error

	// Delete removes the cached token, if any.
	Delete(ctx context.Context, key string) error
}

// MemoryStore is an in-process Store. Expiry is left to Token.ValidAt.
type MemoryStore struct {
	mu     sync.RWMutex
	tokens map[string]Token
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]Token)}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key string) (Token, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[key]
	return tok, ok, nil
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, key string, tok Token, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = tok
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// RedisKeyPrefix namespaces cached tokens in Redis.
const RedisKeyPrefix = "alertfeed:token:"

// RedisStore shares the token between restarts of the same instance. Redis
// expires the key at the token's expiry.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed token store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (Token, bool, error) {
	data, err := s.redis.Get(ctx, RedisKeyPrefix+key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return Token{}, false, nil
		}
		return Token{}, false, fmt.Errorf("redis get: %w", err)
	}

	var tok Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return tok, true, nil
}

// Set implements Store. Tokens with a non-positive ttl are not stored.
func (s *RedisStore) Set(ctx context.Context, key string, tok Token, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := s.redis.Set(ctx, RedisKeyPrefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, RedisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
