package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store persists quota entries by rule key.
type Store interface {
	// Load returns the entry for key. ok is false when nothing is stored.
	Load(ctx context.Context, key string) (entry Entry, ok bool, err error)

	// Save replaces the entry for key.
	Save(ctx context.Context, key string, entry Entry) error
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok, nil
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, key string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry
	return nil
}

// RedisKeyPrefix namespaces quota hashes in Redis.
const RedisKeyPrefix = "mangadex:ratelimit:"

// Hash fields of a stored entry.
const (
	fieldRemaining  = "remaining"
	fieldLimit      = "limit"
	fieldResetAt    = "reset_at"
	fieldLastUpdate = "last_update"
)

// RedisStore shares quota entries between processes. Each rule is one hash that
// expires together with its window, so a stale window never outlives its reset.
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore creates a store backed by redisClient.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient, prefix: RedisKeyPrefix}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	fields, err := s.redis.HGetAll(ctx, s.redisKey(key)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, false, nil
	}

	remaining, err := strconv.Atoi(fields[fieldRemaining])
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse %s: %w", fieldRemaining, err)
	}
	limit, err := strconv.Atoi(fields[fieldLimit])
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse %s: %w", fieldLimit, err)
	}
	resetAt, err := strconv.ParseInt(fields[fieldResetAt], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse %s: %w", fieldResetAt, err)
	}
	lastUpdate, err := strconv.ParseInt(fields[fieldLastUpdate], 10, 64)
	if err != nil {
		return Entry{}, false, fmt.Errorf("parse %s: %w", fieldLastUpdate, err)
	}

	return Entry{
		Remaining:  remaining,
		Limit:      limit,
		ResetAt:    time.UnixMilli(resetAt),
		LastUpdate: time.UnixMilli(lastUpdate),
	}, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, key string, entry Entry) error {
	redisKey := s.redisKey(key)

	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, redisKey,
		fieldRemaining, entry.Remaining,
		fieldLimit, entry.Limit,
		fieldResetAt, entry.ResetAt.UnixMilli(),
		fieldLastUpdate, entry.LastUpdate.UnixMilli(),
	)
	pipe.PExpireAt(ctx, redisKey, entry.ResetAt)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store ratelimit entry in redis: %w", err)
	}
	return nil
}
