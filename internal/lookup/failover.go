package lookup

import "context"

// FailoverStore is the relational backend raced against the cache while
// the router is in failover mode. Connect is on-demand: the router probes
// and connects during a switch, never at process start.
type FailoverStore interface {
	GetByID(ctx context.Context, userID int64) (*UserRecord, error)
	Ping(ctx context.Context) error
	Connect(ctx context.Context) error
	Close() error
}
