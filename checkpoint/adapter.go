package checkpoint

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/agentrun/pending"
)

// Adapter bundles the two persistence surfaces a deployment provides: the
// pending-request store and the checkpoint saver, plus run-scoped cleanup.
// Memory and Redis variants are interchangeable behind it.
type Adapter struct {
	// Pending stores interrupt records keyed by resume token.
	Pending pending.Store

	// Saver stores checkpoint lineages keyed by (threadID, namespace).
	Saver Saver

	// TTL is the resume window applied to both surfaces.
	TTL time.Duration

	cleanup func(ctx context.Context, threadID string, namespaces []string) error
}

// CleanupRun removes all persisted state of a finished run. The namespaces
// are the workflow ids the run executed; stores that can delete per
// namespace do so without scanning.
func (a *Adapter) CleanupRun(ctx context.Context, threadID string, namespaces []string) error {
	if a.cleanup != nil {
		return a.cleanup(ctx, threadID, namespaces)
	}
	return a.Saver.DeleteThread(ctx, threadID)
}

// NewMemoryAdapter wires in-memory stores. State does not survive a process
// restart; suitable for development and tests.
func NewMemoryAdapter() *Adapter {
	return &Adapter{
		Pending: pending.NewMemoryStore(),
		Saver:   NewMemorySaver(DefaultMemorySaverConfig()),
		TTL:     DefaultTTL,
	}
}

// RedisAdapterConfig configures the Redis-backed adapter.
type RedisAdapterConfig struct {
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `json:"ttl" yaml:"ttl"`
}

// NewRedisAdapter wires Redis-backed stores on a shared client. Cleanup
// deletes each executed namespace's lineage concurrently via the latest
// pointers instead of scanning the keyspace.
func NewRedisAdapter(client *redis.Client, cfg RedisAdapterConfig) *Adapter {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "agentrun:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	saver := NewRedisSaver(client, RedisSaverConfig{KeyPrefix: prefix + "cp:", TTL: ttl})
	return &Adapter{
		Pending: pending.NewRedisStore(client, pending.RedisStoreConfig{KeyPrefix: prefix + "pending:", TTL: ttl}),
		Saver:   saver,
		TTL:     ttl,
		cleanup: func(ctx context.Context, threadID string, namespaces []string) error {
			if len(namespaces) == 0 {
				return saver.DeleteThread(ctx, threadID)
			}
			g, gctx := errgroup.WithContext(ctx)
			for _, ns := range namespaces {
				g.Go(func() error {
					return saver.CleanupNamespace(gctx, threadID, ns)
				})
			}
			return g.Wait()
		},
	}
}
