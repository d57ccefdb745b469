// Package monitoring aggregates engine health metrics from the store.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/store"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	// Batch metrics (within lookback window).
	BatchTotal    int     `json:"batch_total"`
	BatchComplete int     `json:"batch_complete"`
	BatchFailed   int     `json:"batch_failed"`
	BatchFailRate float64 `json:"batch_fail_rate"`
	Inserted      int     `json:"inserted"`
	Updated       int     `json:"updated"`
	Duplicates    int     `json:"duplicates"`
	Errored       int     `json:"errored"`

	// Entity population.
	ActiveEntities   int `json:"active_entities"`
	InactiveEntities int `json:"inactive_entities"`

	// Pass progress.
	CurrentPass int64 `json:"current_pass"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of engine metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	batches, err := c.store.ListBatches(ctx, store.BatchFilter{
		Since: cutoff,
		Limit: 10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list batches")
	}

	snap.BatchTotal = len(batches)
	for _, b := range batches {
		switch b.Status {
		case model.BatchStatusComplete:
			snap.BatchComplete++
		case model.BatchStatusFailed:
			snap.BatchFailed++
		}
		snap.Inserted += b.Inserted
		snap.Updated += b.Updated
		snap.Duplicates += b.Duplicates
		snap.Errored += b.Errored
	}
	if finished := snap.BatchComplete + snap.BatchFailed; finished > 0 {
		snap.BatchFailRate = float64(snap.BatchFailed) / float64(finished)
	}

	snap.ActiveEntities, err = c.store.CountEntities(ctx, true)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count active entities")
	}
	snap.InactiveEntities, err = c.store.CountEntities(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count inactive entities")
	}

	snap.CurrentPass, err = c.store.CurrentPass(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: current pass")
	}

	return snap, nil
}
