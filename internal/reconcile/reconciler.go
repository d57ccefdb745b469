// Package reconcile is the batch persistence manager: it drives candidate
// records through identity resolution, merge, and change detection, and
// commits each batch as a single atomic transaction.
package reconcile

import (
	"context"
	"errors"
	"runtime"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/listing-reconciler/internal/detect"
	"github.com/sells-group/listing-reconciler/internal/merge"
	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/resolve"
	"github.com/sells-group/listing-reconciler/internal/store"
)

// DefaultBatchSize is the number of candidates per batch when Run chunks
// a full pass.
const DefaultBatchSize = 250

// PassCloseSource marks batches committed by ClosePass for missed-entity
// bookkeeping, so their DELETE events are attributable in the audit log.
const PassCloseSource = "pass-close"

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	BatchSize      int
	PriceTolerance float64
	MissThreshold  int
	Policy         *merge.Policy
}

// Reconciler coordinates one source scrape pass against the store.
// It assumes a single writer: batches are submitted sequentially.
type Reconciler struct {
	store    store.Store
	cfg      Config
	detector *detect.Detector
	progress *Progress
	log      *zap.Logger
}

func New(st store.Store, cfg Config) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		store:    st,
		cfg:      cfg,
		detector: detect.New(cfg.Policy, cfg.MissThreshold),
		progress: &Progress{},
		log:      zap.L().With(zap.String("component", "reconcile")),
	}
}

// Progress exposes the live counters for monitoring.
func (r *Reconciler) Progress() *Progress {
	return r.progress
}

// BeginPass advances the pass counter and returns the new pass number.
// Each scheduled scrape run calls this once before submitting batches.
func (r *Reconciler) BeginPass(ctx context.Context) (int64, error) {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return 0, err
	}
	pass, err := tx.IncrementPass(ctx)
	if err != nil {
		tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	r.log.Info("pass started", zap.Int64("pass", pass))
	return pass, nil
}

// Submit reconciles one batch of candidate records and commits the result
// atomically. Malformed records and identity conflicts are soft failures
// counted in the result; infrastructure errors abort the batch with zero
// persisted side effects.
func (r *Reconciler) Submit(ctx context.Context, records []model.CandidateRecord, source string) (*model.BatchResult, error) {
	start := time.Now()
	batchID := uuid.New().String()
	log := r.log.With(zap.String("batch_id", batchID), zap.String("source", source))

	pass, err := r.store.CurrentPass(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := r.store.IdentityEntries(ctx)
	if err != nil {
		return nil, err
	}
	idx := resolve.NewIndex(entries)
	resolver := resolve.NewResolver(idx, r.cfg.PriceTolerance)

	// Key derivation is pure, so it runs in parallel ahead of the
	// ordered resolution loop.
	keysList := make([]resolve.Keys, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			keysList[i] = resolve.CandidateKeys(&records[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "reconcile: derive candidate keys")
	}

	// Phase 1: resolve and merge in memory, in input order. The cache
	// holds post-merge state so later candidates in the same batch see
	// earlier ones.
	cache := make(map[string]*model.CanonicalEntity)
	var events []model.ChangeEvent
	var restored int
	batch := &model.ImportBatch{
		BatchID:   batchID,
		Source:    source,
		Pass:      pass,
		StartedAt: start.UTC(),
	}

	for i := range records {
		if err := ctx.Err(); err != nil {
			return nil, r.fail(ctx, batch, eris.Wrap(err, "reconcile: batch canceled"))
		}
		c := &records[i]

		if err := c.Validate(); err != nil {
			batch.Errored++
			log.Warn("malformed record skipped", zap.Int("index", i), zap.Error(err))
			continue
		}

		entityID, rule, err := resolver.Resolve(keysList[i])
		if err != nil {
			var conflict *resolve.ConflictingIdentityError
			if errors.As(err, &conflict) {
				batch.Errored++
				log.Warn("conflicting identity skipped", zap.Int("index", i), zap.Error(err))
				continue
			}
			return nil, r.fail(ctx, batch, err)
		}

		var prev *model.CanonicalEntity
		if entityID != "" {
			prev = cache[entityID]
			if prev == nil {
				prev, err = r.store.GetEntity(ctx, entityID)
				if err != nil {
					return nil, r.fail(ctx, batch, err)
				}
			}
		}

		out := r.detector.Detect(batchID, pass, prev, c, keysList[i], start.UTC())
		cache[out.Entity.EntityID] = out.Entity
		events = append(events, out.Events...)
		idx.Add(indexEntry(out.Entity))

		switch out.Kind {
		case detect.KindInserted:
			batch.Inserted++
		case detect.KindUpdated:
			batch.Updated++
		case detect.KindDuplicate:
			batch.Duplicates++
		}
		if out.Restored {
			restored++
			log.Info("entity restored", zap.String("entity_id", out.Entity.EntityID), zap.String("rule", string(rule)))
		}
	}

	// Phase 2: commit everything in one transaction.
	completed := time.Now().UTC()
	batch.CompletedAt = &completed
	batch.Status = model.BatchStatusComplete

	if err := r.commit(ctx, batch, cache, events); err != nil {
		return nil, r.fail(ctx, batch, err)
	}

	result := &model.BatchResult{
		BatchID:    batchID,
		Imported:   batch.Inserted,
		Updated:    batch.Updated,
		Duplicates: batch.Duplicates,
		Errors:     batch.Errored,
		Restored:   restored,
		Duration:   time.Since(start),
	}
	r.progress.recordBatch(result)
	log.Info("batch committed",
		zap.Int("inserted", batch.Inserted),
		zap.Int("updated", batch.Updated),
		zap.Int("duplicates", batch.Duplicates),
		zap.Int("errored", batch.Errored),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// ClosePass soft-deletes entities missed too many passes in a row. It
// runs after all of a pass's batches have been submitted, in its own
// transaction under a dedicated bookkeeping batch.
func (r *Reconciler) ClosePass(ctx context.Context) (*model.PassSummary, error) {
	pass, err := r.store.CurrentPass(ctx)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	now := time.Now().UTC()
	summary := &model.PassSummary{Pass: pass}

	tx, err := r.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	missed, err := tx.MissedActive(ctx, pass)
	if err != nil {
		return nil, err
	}

	var deleted int
	for i := range missed {
		entity, events := r.detector.HandleMiss(batchID, &missed[i], now)
		if entity == nil {
			continue
		}
		if err := tx.UpsertEntity(ctx, entity); err != nil {
			return nil, err
		}
		if len(events) > 0 {
			if err := tx.AppendEvents(ctx, events); err != nil {
				return nil, err
			}
			deleted++
		}
	}
	summary.SoftDeleted = deleted

	completed := time.Now().UTC()
	if err := tx.RecordBatch(ctx, &model.ImportBatch{
		BatchID:     batchID,
		Source:      PassCloseSource,
		Pass:        pass,
		Status:      model.BatchStatusComplete,
		StartedAt:   now,
		CompletedAt: &completed,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	r.progress.recordSoftDeletes(deleted)
	r.log.Info("pass closed",
		zap.Int64("pass", pass),
		zap.Int("missed", len(missed)),
		zap.Int("soft_deleted", deleted))
	return summary, nil
}

// Run executes one full pass: advance the counter, submit the records in
// batch-size chunks, then close the pass.
func (r *Reconciler) Run(ctx context.Context, records []model.CandidateRecord, source string) (*model.PassSummary, error) {
	pass, err := r.BeginPass(ctx)
	if err != nil {
		return nil, err
	}

	summary := &model.PassSummary{Pass: pass}
	for start := 0; start < len(records); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(records))
		res, err := r.Submit(ctx, records[start:end], source)
		if err != nil {
			return nil, eris.Wrapf(err, "reconcile: pass %d batch at offset %d", pass, start)
		}
		summary.Inserted += res.Imported
		summary.Updated += res.Updated
		summary.Duplicates += res.Duplicates
		summary.Errors += res.Errors
		summary.Restored += res.Restored
	}

	closed, err := r.ClosePass(ctx)
	if err != nil {
		return nil, err
	}
	summary.SoftDeleted = closed.SoftDeleted
	return summary, nil
}

// commit writes the buffered batch outcome inside one transaction.
// fail records the aborted batch with status failed in its own short
// transaction, outside the rolled-back batch transaction, so monitoring
// sees aborted batches. The row is best-effort: when the store itself is
// unreachable the cause still propagates unchanged.
func (r *Reconciler) fail(ctx context.Context, batch *model.ImportBatch, cause error) error {
	completed := time.Now().UTC()
	batch.CompletedAt = &completed
	batch.Status = model.BatchStatusFailed
	batch.Error = cause.Error()
	// Nothing was persisted, so the row carries no record counts.
	batch.Inserted, batch.Updated, batch.Duplicates, batch.Errored = 0, 0, 0, 0

	// Cancelled batches must still leave a failure row behind.
	ctx = context.WithoutCancel(ctx)
	tx, err := r.store.Begin(ctx)
	if err != nil {
		r.log.Warn("failed batch not recorded", zap.Error(err))
		return cause
	}
	defer tx.Rollback(ctx)
	if err := tx.RecordBatch(ctx, batch); err != nil {
		r.log.Warn("failed batch not recorded", zap.Error(err))
		return cause
	}
	if err := tx.Commit(ctx); err != nil {
		r.log.Warn("failed batch not recorded", zap.Error(err))
	}
	return cause
}

func (r *Reconciler) commit(ctx context.Context, batch *model.ImportBatch, entities map[string]*model.CanonicalEntity, events []model.ChangeEvent) error {
	tx, err := r.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ids := make([]string, 0, len(entities))
	for id := range entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := tx.UpsertEntity(ctx, entities[id]); err != nil {
			return err
		}
	}
	if len(events) > 0 {
		if err := tx.AppendEvents(ctx, events); err != nil {
			return err
		}
	}
	if err := tx.RecordBatch(ctx, batch); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func indexEntry(e *model.CanonicalEntity) resolve.Entry {
	entry := resolve.Entry{
		EntityID:      e.EntityID,
		ExternalID:    e.ExternalID,
		CanonicalURL:  e.CanonicalURL,
		TitlePriceKey: e.TitlePriceKey,
	}
	entry.Price, entry.HasPrice = e.Price()
	return entry
}
