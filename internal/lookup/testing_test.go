package lookup

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

// fakeCache wraps the record map with configurable latency and failure
// injection for the race-fetch tests.
type fakeCache struct {
	mu      sync.Mutex
	records map[int64]UserRecord
	delay   time.Duration
	getErr  error
	putErr  error
}

func newFakeCache(records ...UserRecord) *fakeCache {
	c := &fakeCache{records: map[int64]UserRecord{}}
	for _, rec := range records {
		c.records[rec.UserID] = rec
	}
	return c
}

func (c *fakeCache) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(c.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeCache) Get(ctx context.Context, userID int64) (*UserRecord, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return nil, c.getErr
	}
	rec, ok := c.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (c *fakeCache) Exists(ctx context.Context, userID int64) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.getErr != nil {
		return false, c.getErr
	}
	_, ok := c.records[userID]
	return ok, nil
}

func (c *fakeCache) Put(ctx context.Context, rec UserRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.putErr != nil {
		return c.putErr
	}
	rec.Source = ""
	c.records[rec.UserID] = rec
	return nil
}

func (c *fakeCache) Count(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.records)), nil
}

func (c *fakeCache) Ping(context.Context) error { return nil }
func (c *fakeCache) Close() error               { return nil }

type fakeFailover struct {
	mu           sync.Mutex
	records      map[int64]UserRecord
	delay        time.Duration
	getErr       error
	pingErr      error
	connectErr   error
	connectCalls int
}

func newFakeFailover(records ...UserRecord) *fakeFailover {
	f := &fakeFailover{records: map[int64]UserRecord{}}
	for _, rec := range records {
		f.records[rec.UserID] = rec
	}
	return f
}

func (f *fakeFailover) GetByID(ctx context.Context, userID int64) (*UserRecord, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	rec, ok := f.records[userID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeFailover) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeFailover) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.pingErr = nil
	return nil
}

func (f *fakeFailover) Close() error { return nil }

type fakeBulk struct {
	mu           sync.Mutex
	records      []UserRecord
	scanErr      error
	pingErr      error
	connectErr   error
	connectCalls int
}

func (b *fakeBulk) ScanAll(context.Context) ([]UserRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scanErr != nil {
		return nil, b.scanErr
	}
	return append([]UserRecord(nil), b.records...), nil
}

func (b *fakeBulk) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pingErr
}

func (b *fakeBulk) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectCalls++
	if b.connectErr != nil {
		return b.connectErr
	}
	b.pingErr = nil
	return nil
}

func (b *fakeBulk) Close() error { return nil }

type fakeConsumer struct {
	mu           sync.Mutex
	healthy      bool
	connectErr   error
	connectCalls int
	startCalls   int
	stopCalls    int
	stopBlock    chan struct{}
}

func (c *fakeConsumer) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCalls++
	if c.connectErr != nil {
		return c.connectErr
	}
	c.healthy = true
	return nil
}

func (c *fakeConsumer) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
}

func (c *fakeConsumer) Stop() {
	c.mu.Lock()
	c.stopCalls++
	block := c.stopBlock
	c.mu.Unlock()
	if block != nil {
		<-block
	}
}

func (c *fakeConsumer) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}
