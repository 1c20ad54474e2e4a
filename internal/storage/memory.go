package storage

import (
	"context"
	"sync"
)

// MemAdapter is an in-memory Adapter for tests. FailNextSet lets tests
// exercise the commit-failure path.
type MemAdapter struct {
	mu          sync.RWMutex
	data        map[string][]byte
	FailNextSet error
}

// NewMemAdapter creates an empty in-memory adapter.
func NewMemAdapter() *MemAdapter {
	return &MemAdapter{data: make(map[string][]byte)}
}

// Get implements Adapter.
func (m *MemAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// Set implements Adapter.
func (m *MemAdapter) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNextSet != nil {
		err := m.FailNextSet
		m.FailNextSet = nil
		return err
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

// Remove implements Adapter.
func (m *MemAdapter) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
