package persistence

import (
	"context"
	"sync"

	"github.com/BaSui01/orchestra/types"
)

// MemoryStateStore keeps encoded snapshots in memory.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string][]byte
	closed bool
}

// NewMemoryStateStore creates an empty in-memory store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string][]byte)}
}

// Save implements StateStore.
func (s *MemoryStateStore) Save(_ context.Context, dest string, state *types.OrchestrationState) error {
	if dest == "" {
		return storeError("save", dest, ErrInvalidInput)
	}
	data, err := Encode(state)
	if err != nil {
		return storeError("save", dest, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storeError("save", dest, ErrStoreClosed)
	}
	s.states[dest] = data
	return nil
}

// Load implements StateStore.
func (s *MemoryStateStore) Load(_ context.Context, src string) (*types.OrchestrationState, error) {
	s.mu.RLock()
	data, ok := s.states[src]
	closed := s.closed
	s.mu.RUnlock()

	if closed {
		return nil, storeError("load", src, ErrStoreClosed)
	}
	if !ok {
		return nil, notFound(src)
	}
	return Decode(data)
}

// Raw returns the stored JSON document, mainly so tests can edit it the way
// an operator edits a file.
func (s *MemoryStateStore) Raw(dest string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.states[dest]
	return append([]byte(nil), data...), ok
}

// PutRaw replaces the stored document without validation.
func (s *MemoryStateStore) PutRaw(dest string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[dest] = append([]byte(nil), data...)
}

// Close implements StateStore.
func (s *MemoryStateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
