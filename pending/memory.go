package pending

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. Expired records are pruned lazily on
// access; there is no background sweeper. Suitable for development and
// single-process deployments.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an in-memory pending-request store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *rec
	if r.CreatedAt == 0 {
		r.CreatedAt = s.now().UnixMilli()
	}
	if r.TTLMillis <= 0 {
		r.TTLMillis = DefaultTTL.Milliseconds()
	}
	s.records[r.Token] = &r
	s.pruneLocked()
	return nil
}

// Get implements Store. Expired records are deleted and reported as absent.
func (s *MemoryStore) Get(_ context.Context, token string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Expired(s.now()) {
		delete(s.records, token)
		return nil, ErrNotFound
	}
	r := *rec
	return &r, nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, token string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok || rec.Expired(s.now()) {
		delete(s.records, token)
		return ErrNotFound
	}
	if patch.State != nil {
		rec.State = append(rec.State[:0:0], *patch.State...)
	}
	return nil
}

// Delete implements Store. Deleting an absent token is not an error.
func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, token)
	return nil
}

// Len returns the number of live records, pruning expired ones first.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return len(s.records)
}

func (s *MemoryStore) pruneLocked() {
	now := s.now()
	for token, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, token)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
