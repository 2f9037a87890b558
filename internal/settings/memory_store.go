package settings

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory settings store for demo/development mode.
type MemoryStore struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Load(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) Save(_ context.Context, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
