package lookup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Source string

const (
	SourceLake     Source = "lake"
	SourceFailover Source = "failover"
)

const (
	StatusSwitched      = "switched"
	StatusAlreadyActive = "already_active"
)

// StreamConsumer is the router's handle on the background ingestion
// monitor. Implemented by stream.Monitor.
type StreamConsumer interface {
	Connect(ctx context.Context) error
	Start()
	Stop()
	Healthy() bool
}

type SwitchResult struct {
	Status     string     `json:"status"`
	Previous   Source     `json:"previous_source,omitempty"`
	Current    Source     `json:"current_source"`
	SwitchedAt *time.Time `json:"switched_at,omitempty"`
}

type RouterStatus struct {
	Current        Source     `json:"current_source"`
	LastSwitchedAt *time.Time `json:"last_switched_at"`
}

// SourceRouter is the two-state machine deciding which resolution strategy
// is live. Switches are operator actions: exactly one may be in flight
// system-wide, and a failed sub-step aborts the switch with the prior
// state still active.
type SourceRouter struct {
	consumer   StreamConsumer
	reconciler *Reconciler
	failover   FailoverStore
	bulk       BulkSource
	log        zerolog.Logger
	now        func() time.Time

	switchMu sync.Mutex

	stateMu        sync.RWMutex
	current        Source
	lastSwitchedAt *time.Time
}

func NewSourceRouter(consumer StreamConsumer, reconciler *Reconciler, failover FailoverStore, bulk BulkSource, log zerolog.Logger) *SourceRouter {
	return &SourceRouter{
		consumer:   consumer,
		reconciler: reconciler,
		failover:   failover,
		bulk:       bulk,
		log:        log,
		now:        time.Now,
		current:    SourceLake,
	}
}

func (r *SourceRouter) Current() Source {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.current
}

func (r *SourceRouter) Status() RouterStatus {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return RouterStatus{Current: r.current, LastSwitchedAt: r.lastSwitchedAt}
}

// SwitchToFailover stops the ingestion monitor, makes sure the relational
// store answers, and flips the active source. Idempotent when failover is
// already active.
func (r *SourceRouter) SwitchToFailover(ctx context.Context) (SwitchResult, error) {
	if !r.switchMu.TryLock() {
		return SwitchResult{}, ErrSwitchInFlight
	}
	defer r.switchMu.Unlock()

	if r.Current() == SourceFailover {
		r.log.Warn().Msg("failover already the active data source")
		return SwitchResult{Status: StatusAlreadyActive, Current: SourceFailover}, nil
	}

	r.log.Info().Msg("switching data source to failover")
	r.consumer.Stop()

	if err := r.failover.Ping(ctx); err != nil {
		r.log.Info().Err(err).Msg("failover store not healthy, connecting")
		if err := r.failover.Connect(ctx); err != nil {
			return SwitchResult{}, fmt.Errorf("connect failover store: %w", err)
		}
	}

	return r.commit(SourceFailover), nil
}

// SwitchToLake rebuilds the lake path: probe the bulk source, run a full
// sync into the cache, then bring the ingestion monitor back up. Any
// failure leaves failover active.
func (r *SourceRouter) SwitchToLake(ctx context.Context) (SwitchResult, error) {
	if !r.switchMu.TryLock() {
		return SwitchResult{}, ErrSwitchInFlight
	}
	defer r.switchMu.Unlock()

	if r.Current() == SourceLake {
		r.log.Warn().Msg("lake already the active data source")
		return SwitchResult{Status: StatusAlreadyActive, Current: SourceLake}, nil
	}

	r.log.Info().Msg("switching data source to lake")
	if err := r.bulk.Ping(ctx); err != nil {
		r.log.Info().Err(err).Msg("bulk source not healthy, connecting")
		if err := r.bulk.Connect(ctx); err != nil {
			return SwitchResult{}, fmt.Errorf("connect bulk source: %w", err)
		}
	}

	if _, err := r.reconciler.FullSync(ctx); err != nil {
		return SwitchResult{}, fmt.Errorf("full sync: %w", err)
	}

	if !r.consumer.Healthy() {
		r.consumer.Stop()
		if err := r.consumer.Connect(ctx); err != nil {
			return SwitchResult{}, fmt.Errorf("connect stream consumer: %w", err)
		}
	}
	r.consumer.Start()

	return r.commit(SourceLake), nil
}

func (r *SourceRouter) commit(next Source) SwitchResult {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	previous := r.current
	switchedAt := r.now().UTC()
	r.current = next
	r.lastSwitchedAt = &switchedAt
	r.log.Info().
		Str("previous", string(previous)).
		Str("current", string(next)).
		Time("switched_at", switchedAt).
		Msg("data source switched")
	return SwitchResult{
		Status:     StatusSwitched,
		Previous:   previous,
		Current:    next,
		SwitchedAt: &switchedAt,
	}
}
