package state

import (
	"sort"
	"sync"
)

// MockStore provides an in-memory implementation for testing and for the
// memory storage driver.
type MockStore struct {
	mu     sync.RWMutex
	values map[string][]byte
	setErr error
	sets   int
}

// NewMockStore creates an in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		values: make(map[string][]byte),
	}
}

// Get returns a copy of the stored value.
func (m *MockStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.values[key]; ok {
		return append([]byte(nil), v...), nil
	}
	return nil, ErrNotFound
}

// Set stores a copy of value, or returns the injected failure.
func (m *MockStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sets++
	if m.setErr != nil {
		return m.setErr
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Remove deletes key.
func (m *MockStore) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	return nil
}

// Keys returns stored keys with prefix.
func (m *MockStore) Keys(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.values {
		if hasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Helper methods for testing

// FailWrites makes every subsequent Set return err. Pass nil to recover.
func (m *MockStore) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setErr = err
}

// SetCalls returns how many times Set was called.
func (m *MockStore) SetCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sets
}

// Clear removes all values.
func (m *MockStore) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = make(map[string][]byte)
}
