package checkpoint

import (
	"container/list"
	"context"
	"sync"
)

const (
	// DefaultMaxKeys bounds the number of (threadID, namespace) lineages
	// kept in memory; the least recently used lineage is evicted beyond it.
	DefaultMaxKeys = 256

	// DefaultMaxWritesPerCheckpoint bounds pending writes for one
	// checkpoint so dev servers cannot grow without bound.
	DefaultMaxWritesPerCheckpoint = 2000
)

// MemorySaverConfig configures the in-memory saver.
type MemorySaverConfig struct {
	MaxKeys                int `json:"max_keys" yaml:"max_keys"`
	MaxWritesPerCheckpoint int `json:"max_writes_per_checkpoint" yaml:"max_writes_per_checkpoint"`
}

// DefaultMemorySaverConfig returns sensible defaults.
func DefaultMemorySaverConfig() MemorySaverConfig {
	return MemorySaverConfig{
		MaxKeys:                DefaultMaxKeys,
		MaxWritesPerCheckpoint: DefaultMaxWritesPerCheckpoint,
	}
}

type memEntry struct {
	key        string
	threadID   string
	checkpoint Checkpoint
	metadata   Metadata
	writes     map[string]PendingWrite
	order      []string
	elem       *list.Element
}

// MemorySaver is a process-local Saver. It keeps exactly one checkpoint per
// (threadID, namespace) and evicts whole lineages LRU once MaxKeys is
// exceeded. Suitable for development and tests; resume does not survive a
// process restart.
type MemorySaver struct {
	cfg MemorySaverConfig

	mu      sync.Mutex
	entries map[string]*memEntry
	lru     *list.List
}

// NewMemorySaver creates an in-memory saver.
func NewMemorySaver(cfg MemorySaverConfig) *MemorySaver {
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	if cfg.MaxWritesPerCheckpoint <= 0 {
		cfg.MaxWritesPerCheckpoint = DefaultMaxWritesPerCheckpoint
	}
	return &MemorySaver{
		cfg:     cfg,
		entries: make(map[string]*memEntry),
		lru:     list.New(),
	}
}

func nsKey(threadID, namespace string) string {
	return threadID + "\x01" + namespace
}

// Get implements Saver.
func (s *MemorySaver) Get(_ context.Context, threadID, namespace string) (*Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[nsKey(threadID, namespace)]
	if !ok {
		return nil, nil
	}
	s.lru.MoveToFront(e.elem)

	cp := e.checkpoint
	writes := make([]PendingWrite, 0, len(e.writes))
	for _, k := range e.order {
		writes = append(writes, e.writes[k])
	}
	return &Tuple{
		ThreadID:   threadID,
		Namespace:  namespace,
		Checkpoint: &cp,
		Metadata:   e.metadata,
		Writes:     writes,
	}, nil
}

// Put implements Saver. The previous checkpoint and its writes for the key
// are dropped wholesale.
func (s *MemorySaver) Put(_ context.Context, threadID, namespace string, cp *Checkpoint, md Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nsKey(threadID, namespace)
	e, ok := s.entries[key]
	if !ok {
		e = &memEntry{key: key, threadID: threadID}
		e.elem = s.lru.PushFront(e)
		s.entries[key] = e
		s.evictLocked()
	} else {
		s.lru.MoveToFront(e.elem)
	}

	e.checkpoint = *cp
	e.metadata = md
	e.writes = make(map[string]PendingWrite)
	e.order = nil
	return nil
}

// PutWrites implements Saver. Writes for unknown or superseded checkpoints
// are ignored.
func (s *MemorySaver) PutWrites(_ context.Context, threadID, namespace, checkpointID string, writes []PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[nsKey(threadID, namespace)]
	if !ok || e.checkpoint.ID != checkpointID {
		return nil
	}

	for _, w := range writes {
		key := writeKey(w.TaskID, w.Channel)
		if _, exists := e.writes[key]; exists {
			if !overwriteChannel(w.Channel) {
				continue
			}
			e.writes[key] = w
			continue
		}
		if len(e.writes) >= s.cfg.MaxWritesPerCheckpoint {
			break
		}
		e.writes[key] = w
		e.order = append(e.order, key)
	}
	return nil
}

// DeleteThread implements Saver.
func (s *MemorySaver) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.entries {
		if e.threadID == threadID {
			s.lru.Remove(e.elem)
			delete(s.entries, key)
		}
	}
	return nil
}

// Len returns the number of lineages currently stored.
func (s *MemorySaver) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemorySaver) evictLocked() {
	for len(s.entries) > s.cfg.MaxKeys {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		e := oldest.Value.(*memEntry)
		s.lru.Remove(oldest)
		delete(s.entries, e.key)
	}
}

var _ Saver = (*MemorySaver)(nil)
