package firstseen

import (
	"context"
	"sync"
)

// MemoryStore implements Store in memory.
// The compare-and-set runs under a single lock.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]float64)}
}

func (s *MemoryStore) SetFirstSeen(_ context.Context, id string, ts float64) (bool, error) {
	if err := validate(id, ts); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[id]; ok {
		return Same(existing, ts), nil
	}
	s.records[id] = ts
	return true, nil
}

func (s *MemoryStore) GetFirstSeen(_ context.Context, id string) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.records[id]
	return ts, ok, nil
}

// Len returns the number of records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
