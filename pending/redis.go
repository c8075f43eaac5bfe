package pending

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStoreConfig configures the Redis-backed pending-request store.
type RedisStoreConfig struct {
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

// RedisStore is a Store backed by Redis. Expiry is delegated to Redis via
// per-key TTLs, so expired records vanish without application-side pruning.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed pending-request store on an existing
// client.
func NewRedisStore(client *redis.Client, cfg RedisStoreConfig) *RedisStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentrun:pending:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return s.prefix + token
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, rec *Record) error {
	r := *rec
	if r.CreatedAt == 0 {
		r.CreatedAt = time.Now().UnixMilli()
	}
	ttl := s.ttl
	if r.TTLMillis > 0 {
		ttl = time.Duration(r.TTLMillis) * time.Millisecond
	} else {
		r.TTLMillis = ttl.Milliseconds()
	}

	data, err := json.Marshal(&r)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}
	if err := s.client.Set(ctx, s.key(r.Token), data, ttl).Err(); err != nil {
		return fmt.Errorf("store pending request: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, token string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending request: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal pending request: %w", err)
	}
	return &rec, nil
}

// Update implements Store. The record is rewritten with its remaining TTL so
// updating does not extend the resume window.
func (s *RedisStore) Update(ctx context.Context, token string, patch Patch) error {
	rec, err := s.Get(ctx, token)
	if err != nil {
		return err
	}
	if patch.State != nil {
		rec.State = *patch.State
	}

	remaining, err := s.client.PTTL(ctx, s.key(token)).Result()
	if err != nil {
		return fmt.Errorf("get pending request ttl: %w", err)
	}
	if remaining <= 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal pending request: %w", err)
	}
	if err := s.client.Set(ctx, s.key(token), data, remaining).Err(); err != nil {
		return fmt.Errorf("update pending request: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, token string) error {
	return s.client.Del(ctx, s.key(token)).Err()
}

var _ Store = (*RedisStore)(nil)
