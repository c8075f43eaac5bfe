package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long paused-run state survives without a resume.
const DefaultTTL = 15 * time.Minute

// RedisSaverConfig configures the Redis-backed saver.
type RedisSaverConfig struct {
	// KeyPrefix namespaces every key written by the saver.
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`

	// TTL applies to every key so abandoned pauses expire on their own.
	TTL time.Duration `json:"ttl" yaml:"ttl"`
}

// RedisSaver is a Saver backed by Redis. Durable across process restarts;
// suitable for distributed deployments. One checkpoint per lineage is kept
// via a latest-pointer key, with the previous checkpoint and its writes
// deleted on every put.
type RedisSaver struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

type storedCheckpoint struct {
	Checkpoint Checkpoint `json:"checkpoint"`
	Metadata   Metadata   `json:"metadata,omitempty"`
}

// NewRedisSaver creates a Redis-backed saver on an existing client.
func NewRedisSaver(client *redis.Client, cfg RedisSaverConfig) *RedisSaver {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentrun:cp:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisSaver{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisSaver) latestKey(threadID, ns string) string {
	return s.prefix + "latest:" + threadID + ":" + ns
}

func (s *RedisSaver) checkpointKey(threadID, ns, id string) string {
	return s.prefix + "chk:" + threadID + ":" + ns + ":" + id
}

func (s *RedisSaver) writesKey(threadID, ns, id string) string {
	return s.prefix + "wr:" + threadID + ":" + ns + ":" + id
}

// Get implements Saver.
func (s *RedisSaver) Get(ctx context.Context, threadID, namespace string) (*Tuple, error) {
	id, err := s.client.Get(ctx, s.latestKey(threadID, namespace)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest checkpoint id: %w", err)
	}

	raw, err := s.client.Get(ctx, s.checkpointKey(threadID, namespace, id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	var stored storedCheckpoint
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}

	fields, err := s.client.HGetAll(ctx, s.writesKey(threadID, namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get pending writes: %w", err)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writes := make([]PendingWrite, 0, len(fields))
	for _, k := range keys {
		var w PendingWrite
		if err := json.Unmarshal([]byte(fields[k]), &w); err != nil {
			return nil, fmt.Errorf("unmarshal pending write: %w", err)
		}
		writes = append(writes, w)
	}

	return &Tuple{
		ThreadID:   threadID,
		Namespace:  namespace,
		Checkpoint: &stored.Checkpoint,
		Metadata:   stored.Metadata,
		Writes:     writes,
	}, nil
}

// Put implements Saver. The previous checkpoint and its writes are deleted
// in the same pipeline that stores the new one.
func (s *RedisSaver) Put(ctx context.Context, threadID, namespace string, cp *Checkpoint, md Metadata) error {
	prevID, err := s.client.Get(ctx, s.latestKey(threadID, namespace)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("get previous checkpoint id: %w", err)
	}

	data, err := json.Marshal(storedCheckpoint{Checkpoint: *cp, Metadata: md})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.checkpointKey(threadID, namespace, cp.ID), data, s.ttl)
	pipe.Set(ctx, s.latestKey(threadID, namespace), cp.ID, s.ttl)
	if prevID != "" && prevID != cp.ID {
		pipe.Del(ctx, s.checkpointKey(threadID, namespace, prevID))
		pipe.Del(ctx, s.writesKey(threadID, namespace, prevID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store checkpoint: %w", err)
	}
	return nil
}

// PutWrites implements Saver. Regular channels use HSETNX (first write
// wins); "__"-prefixed channels always overwrite.
func (s *RedisSaver) PutWrites(ctx context.Context, threadID, namespace, checkpointID string, writes []PendingWrite) error {
	if len(writes) == 0 {
		return nil
	}

	key := s.writesKey(threadID, namespace, checkpointID)
	pipe := s.client.Pipeline()
	for _, w := range writes {
		data, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("marshal pending write: %w", err)
		}
		field := writeKey(w.TaskID, w.Channel)
		if overwriteChannel(w.Channel) {
			pipe.HSet(ctx, key, field, data)
		} else {
			pipe.HSetNX(ctx, key, field, data)
		}
	}
	pipe.PExpire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store pending writes: %w", err)
	}
	return nil
}

// DeleteThread implements Saver. It scans by prefix, so it is meant for
// completion cleanup, not hot paths; Adapter.CleanupRun deletes
// deterministically via the latest pointers instead.
func (s *RedisSaver) DeleteThread(ctx context.Context, threadID string) error {
	patterns := []string{
		s.prefix + "latest:" + threadID + ":*",
		s.prefix + "chk:" + threadID + ":*",
		s.prefix + "wr:" + threadID + ":*",
	}

	for _, pattern := range patterns {
		iter := s.client.Scan(ctx, 0, pattern, 200).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete thread keys: %w", err)
			}
		}
	}
	return nil
}

// CleanupNamespace deletes the lineage for one (threadID, namespace) pair
// without scanning, by following the latest pointer.
func (s *RedisSaver) CleanupNamespace(ctx context.Context, threadID, namespace string) error {
	id, err := s.client.Get(ctx, s.latestKey(threadID, namespace)).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("get latest checkpoint id: %w", err)
	}
	return s.client.Del(ctx,
		s.checkpointKey(threadID, namespace, id),
		s.writesKey(threadID, namespace, id),
		s.latestKey(threadID, namespace),
	).Err()
}

var _ Saver = (*RedisSaver)(nil)
