package lookup

import (
	"context"
	"sync"
)

// KV is the small hash surface the auth token store borrows from the
// cache backend, kept separate so Cache itself stays lookup-only.
// RedisCache and MemoryKV both satisfy it.
type KV interface {
	HSetAll(ctx context.Context, key string, fields map[string]string) error
	HGetAllMap(ctx context.Context, key string) (map[string]string, error)
	Delete(ctx context.Context, key string) error
}

// MemoryKV pairs with MemoryCache for memory:// deployments and tests.
type MemoryKV struct {
	mu     sync.RWMutex
	hashes map[string]map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{hashes: map[string]map[string]string{}}
}

func (m *MemoryKV) HSetAll(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	m.hashes[key] = clone
	return nil
}

func (m *MemoryKV) HGetAllMap(_ context.Context, key string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.hashes[key]
	if !ok {
		return nil, nil
	}
	clone := make(map[string]string, len(fields))
	for k, v := range fields {
		clone[k] = v
	}
	return clone, nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hashes, key)
	return nil
}
