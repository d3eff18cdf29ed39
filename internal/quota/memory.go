package quota

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store for tests and single-instance setups.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]int64)}
}

func memoryKey(keyIndex int, field Field) string {
	return fmt.Sprintf("%d:%s", keyIndex, field)
}

func (s *MemoryStore) Get(_ context.Context, keyIndex int, field Field) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[memoryKey(keyIndex, field)]
	return v, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, keyIndex int, field Field, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[memoryKey(keyIndex, field)] = value
	return nil
}

func (s *MemoryStore) Decrement(_ context.Context, keyIndex int, field Field) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(keyIndex, field)
	s.values[k]--
	return s.values[k], nil
}

func (s *MemoryStore) SetIfAbsent(_ context.Context, keyIndex int, field Field, value int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memoryKey(keyIndex, field)
	if _, ok := s.values[k]; ok {
		return false, nil
	}
	s.values[k] = value
	return true, nil
}
