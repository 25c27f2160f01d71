package lookup

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// SyncReport counts what a full sync actually did.
type SyncReport struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Reconciler copies the bulk snapshot into the cache. It only ever adds:
// records already cached are skipped, never overwritten, and nothing is
// deleted, so a scan that aborts mid-stream leaves every upsert it already
// applied valid.
type Reconciler struct {
	bulk  BulkSource
	cache Cache
	log   zerolog.Logger
}

func NewReconciler(bulk BulkSource, cache Cache, log zerolog.Logger) *Reconciler {
	return &Reconciler{bulk: bulk, cache: cache, log: log}
}

func (r *Reconciler) FullSync(ctx context.Context) (SyncReport, error) {
	before, err := r.cache.Count(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("cache count unavailable before sync")
	}

	records, err := r.bulk.ScanAll(ctx)
	if err != nil {
		return SyncReport{}, fmt.Errorf("bulk scan: %w", err)
	}
	if len(records) == 0 {
		r.log.Warn().Msg("bulk source returned no records")
		return SyncReport{}, nil
	}

	var report SyncReport
	for _, rec := range records {
		exists, err := r.cache.Exists(ctx, rec.UserID)
		if err != nil {
			return report, fmt.Errorf("existence check for user %d: %w", rec.UserID, err)
		}
		if exists {
			report.Skipped++
			continue
		}
		if err := r.cache.Put(ctx, rec); err != nil {
			return report, fmt.Errorf("cache user %d: %w", rec.UserID, err)
		}
		report.Added++
	}

	after, _ := r.cache.Count(ctx)
	r.log.Info().
		Int("added", report.Added).
		Int("skipped", report.Skipped).
		Int64("cache_before", before).
		Int64("cache_after", after).
		Msg("full sync complete")
	return report, nil
}
