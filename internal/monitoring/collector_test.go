package monitoring

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/reconcile"
	"github.com/sells-group/listing-reconciler/internal/store"
)

func newFixture(t *testing.T) (*Collector, *reconcile.Reconciler) {
	t.Helper()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	return NewCollector(s), reconcile.New(s, reconcile.Config{})
}

func TestCollectEmptyStore(t *testing.T) {
	c, _ := newFixture(t)

	snap, err := c.Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Zero(t, snap.BatchTotal)
	assert.Zero(t, snap.ActiveEntities)
	assert.Zero(t, snap.CurrentPass)
	assert.Equal(t, 24, snap.LookbackHours)
}

func TestCollectAfterPass(t *testing.T) {
	c, r := newFixture(t)
	ctx := context.Background()

	_, err := r.Run(ctx, []model.CandidateRecord{
		{
			ExternalID: "ext-1",
			SourceFields: map[string]any{
				model.FieldTitle: "SaaS Business",
				model.FieldPrice: 55000.0,
			},
			FieldConfidence: map[string]float64{
				model.FieldTitle: 0.8,
				model.FieldPrice: 0.8,
			},
			SourceStrategy: "flippa",
		},
	}, "flippa")
	require.NoError(t, err)

	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)
	// One submit batch plus the pass-close batch.
	assert.Equal(t, 2, snap.BatchTotal)
	assert.Equal(t, 2, snap.BatchComplete)
	assert.Zero(t, snap.BatchFailed)
	assert.Equal(t, 1, snap.Inserted)
	assert.Equal(t, 1, snap.ActiveEntities)
	assert.Equal(t, int64(1), snap.CurrentPass)
}

func TestCollectCountsFailedBatches(t *testing.T) {
	ctx := context.Background()

	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(ctx))
	c := NewCollector(s)

	now := time.Now().UTC()
	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.RecordBatch(ctx, &model.ImportBatch{
		BatchID:     "b-ok",
		Source:      "flippa",
		Pass:        1,
		Status:      model.BatchStatusComplete,
		StartedAt:   now,
		CompletedAt: &now,
		Inserted:    2,
	}))
	require.NoError(t, tx.RecordBatch(ctx, &model.ImportBatch{
		BatchID:     "b-failed",
		Source:      "flippa",
		Pass:        1,
		Status:      model.BatchStatusFailed,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       "connection reset during commit",
	}))
	require.NoError(t, tx.Commit(ctx))

	snap, err := c.Collect(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.BatchTotal)
	assert.Equal(t, 1, snap.BatchComplete)
	assert.Equal(t, 1, snap.BatchFailed)
	assert.Equal(t, 0.5, snap.BatchFailRate)
	assert.Equal(t, 2, snap.Inserted)
}
