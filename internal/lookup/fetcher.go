package lookup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxRaces     = 20
	defaultFallbackWait = 2 * time.Second
)

type raceResult struct {
	rec    *UserRecord
	err    error
	source string
}

// Fetcher resolves records according to the router's active source. In
// lake mode it reads the cache alone; in failover mode it races the cache
// against the relational store and returns the earliest present answer.
type Fetcher struct {
	router   *SourceRouter
	cache    Cache
	failover FailoverStore
	log      zerolog.Logger

	// sem bounds in-flight races (each race spans both sub-lookups) to
	// protect the relational store's connection capacity. Waiters queue,
	// they never fail.
	sem          *semaphore.Weighted
	fallbackWait time.Duration
}

type FetchReport struct {
	Found    []UserRecord `json:"users"`
	NotFound []int64      `json:"not_found"`
}

func NewFetcher(router *SourceRouter, cache Cache, failover FailoverStore, log zerolog.Logger) *Fetcher {
	return NewFetcherWithLimits(router, cache, failover, log, defaultMaxRaces, defaultFallbackWait)
}

func NewFetcherWithLimits(router *SourceRouter, cache Cache, failover FailoverStore, log zerolog.Logger, maxRaces int, fallbackWait time.Duration) *Fetcher {
	if maxRaces <= 0 {
		maxRaces = defaultMaxRaces
	}
	if fallbackWait <= 0 {
		fallbackWait = defaultFallbackWait
	}
	return &Fetcher{
		router:       router,
		cache:        cache,
		failover:     failover,
		log:          log,
		sem:          semaphore.NewWeighted(int64(maxRaces)),
		fallbackWait: fallbackWait,
	}
}

// FetchOne returns the record for id, or nil when neither store has it.
// Store-level failures are logged and absorbed: the contract is "best
// currently available", and only context cancellation surfaces as error.
func (f *Fetcher) FetchOne(ctx context.Context, userID int64) (*UserRecord, error) {
	if f.router.Current() == SourceLake {
		rec, err := f.cache.Get(ctx, userID)
		if err != nil {
			f.log.Error().Err(err).Int64("user_id", userID).Msg("cache lookup failed")
			return nil, nil
		}
		if rec != nil {
			rec.Source = SourceCache
		}
		return rec, nil
	}
	return f.race(ctx, userID)
}

func (f *Fetcher) race(ctx context.Context, userID int64) (*UserRecord, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	// Cancellation of the losing branch is best-effort: the discarded
	// lookup may still run to completion, its result is simply dropped.
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan raceResult, 2)
	go func() {
		rec, err := f.cache.Get(raceCtx, userID)
		results <- raceResult{rec: rec, err: err, source: SourceCache}
	}()
	go func() {
		rec, err := f.failover.GetByID(raceCtx, userID)
		results <- raceResult{rec: rec, err: err, source: SourceRelational}
	}()

	first := f.usable(userID, <-results)
	if first != nil {
		return first, nil
	}

	// First completion had nothing; give the slower store a bounded
	// window before reporting not-found.
	timer := time.NewTimer(f.fallbackWait)
	defer timer.Stop()
	select {
	case res := <-results:
		return f.usable(userID, res), nil
	case <-timer.C:
		f.log.Warn().Int64("user_id", userID).Msg("timed out waiting for fallback source")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Fetcher) usable(userID int64, res raceResult) *UserRecord {
	if res.err != nil {
		f.log.Error().Err(res.err).Int64("user_id", userID).Str("source", res.source).Msg("lookup failed")
		return nil
	}
	if res.rec == nil {
		return nil
	}
	res.rec.Source = res.source
	f.log.Debug().Int64("user_id", userID).Str("source", res.source).Msg("lookup answered")
	return res.rec
}

// FetchMany races every id concurrently and partitions the input: each id
// lands in exactly one of Found or NotFound, and a race that errors counts
// as not-found rather than failing the batch.
func (f *Fetcher) FetchMany(ctx context.Context, userIDs []int64) FetchReport {
	report := FetchReport{Found: []UserRecord{}, NotFound: []int64{}}
	var mu sync.Mutex
	var g errgroup.Group

	for _, userID := range userIDs {
		userID := userID
		g.Go(func() error {
			rec, err := f.FetchOne(ctx, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || rec == nil {
				report.NotFound = append(report.NotFound, userID)
			} else {
				report.Found = append(report.Found, *rec)
			}
			return nil
		})
	}
	_ = g.Wait()

	f.log.Info().
		Int("found", len(report.Found)).
		Int("not_found", len(report.NotFound)).
		Msg("batch fetch complete")
	return report
}
