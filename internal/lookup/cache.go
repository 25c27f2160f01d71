package lookup

import (
	"context"
	"sync"
)

// Cache is the point-lookup store kept current by the reconciler and the
// change-event monitor. Implementations must treat it as append/update
// only: nothing in this service ever deletes a cached record.
type Cache interface {
	Get(ctx context.Context, userID int64) (*UserRecord, error)
	Exists(ctx context.Context, userID int64) (bool, error)
	Put(ctx context.Context, rec UserRecord) error
	Count(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// MemoryCache backs the memory:// DSN and the test suites.
type MemoryCache struct {
	mu      sync.RWMutex
	records map[int64]UserRecord
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{records: map[int64]UserRecord{}}
}

func (c *MemoryCache) Get(_ context.Context, userID int64) (*UserRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[userID]
	if !ok {
		return nil, nil
	}
	rec.Source = ""
	return &rec, nil
}

func (c *MemoryCache) Exists(_ context.Context, userID int64) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.records[userID]
	return ok, nil
}

func (c *MemoryCache) Put(_ context.Context, rec UserRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec.Source = ""
	c.records[rec.UserID] = rec
	return nil
}

func (c *MemoryCache) Count(_ context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.records)), nil
}

func (c *MemoryCache) Ping(_ context.Context) error {
	return nil
}

func (c *MemoryCache) Close() error {
	return nil
}
