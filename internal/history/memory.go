package history

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps records in a bounded in-memory ring. Used by the
// one-shot CLI mode and as the fallback when nothing else is
// configured.
type MemoryStore struct {
	mu   sync.RWMutex
	ring *ring
}

func NewMemoryStore(capacity int) *MemoryStore {
	return &MemoryStore{ring: newRing(capacity)}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring.add(rec)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.list(limit), nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.ring.get(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ring.count
}

func (s *MemoryStore) Close() error { return nil }
