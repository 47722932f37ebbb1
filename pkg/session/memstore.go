package session

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store used by unit tests and as a fallback when no
// DSN is configured. Quota semantics match the SQL-backed store.
type MemStore struct {
	mu    sync.Mutex
	data  map[string][]byte
	quota int

	// FailPuts forces Put to return ErrQuotaExceeded, for exercising the
	// eviction-and-retry path.
	FailPuts bool
}

// NewMemStore returns a MemStore with the given byte quota. A quota of 0
// means unbounded.
func NewMemStore(quota int) *MemStore {
	return &MemStore{data: map[string][]byte{}, quota: quota}
}

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (m *MemStore) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return ErrQuotaExceeded
	}
	if m.quota > 0 {
		total := len(value)
		for k, v := range m.data {
			if k == key {
				continue
			}
			total += len(v)
		}
		if total > m.quota {
			return ErrQuotaExceeded
		}
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	return nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Close() error { return nil }

// Len reports the number of stored keys.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
