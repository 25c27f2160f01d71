package lookup

import "context"

// BulkSource produces the full entity snapshot the reconciler loads into
// the cache when the router (re)enters lake mode. ScanAll either returns
// the whole sequence or fails; callers must tolerate a partial cache if
// earlier upserts already landed.
type BulkSource interface {
	ScanAll(ctx context.Context) ([]UserRecord, error)
	Ping(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
}
