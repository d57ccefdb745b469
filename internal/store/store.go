// Package store persists canonical entities, the append-only change
// event log, import batch summaries, and the pass counter, behind one
// interface with SQLite and PostgreSQL backends.
package store

import (
	"context"
	"time"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/resolve"
)

// EntityFilter specifies criteria for listing canonical entities.
type EntityFilter struct {
	Active        *bool     `json:"active,omitempty"`
	ModifiedAfter time.Time `json:"modified_after,omitempty"`
	Limit         int       `json:"limit,omitempty"`
	Offset        int       `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing change events.
type EventFilter struct {
	BatchID  string       `json:"batch_id,omitempty"`
	EntityID string       `json:"entity_id,omitempty"`
	Action   model.Action `json:"action,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}

// BatchFilter specifies criteria for listing import batches.
type BatchFilter struct {
	Since  time.Time `json:"since,omitempty"`
	Limit  int       `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for the reconciliation engine.
// All writes go through a BatchTx; the read methods never mutate state.
type Store interface {
	// Entities
	GetEntity(ctx context.Context, entityID string) (*model.CanonicalEntity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.CanonicalEntity, error)
	CountEntities(ctx context.Context, active bool) (int, error)

	// IdentityEntries loads the persisted identity index projection for
	// every entity, active and inactive, so dedup survives restarts.
	IdentityEntries(ctx context.Context) ([]resolve.Entry, error)

	// Audit log
	ListEvents(ctx context.Context, filter EventFilter) ([]model.ChangeEvent, error)

	// Batches
	GetBatch(ctx context.Context, batchID string) (*model.ImportBatch, error)
	ListBatches(ctx context.Context, filter BatchFilter) ([]model.ImportBatch, error)

	// CurrentPass returns the pass counter without advancing it.
	CurrentPass(ctx context.Context) (int64, error)

	// Begin opens the single batch transaction. Only one batch
	// transaction is open at a time (single-writer model).
	Begin(ctx context.Context) (BatchTx, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// BatchTx is the write scope of one batch. Either every buffered write
// commits atomically or none does; Rollback after a failed Commit is a
// no-op.
type BatchTx interface {
	UpsertEntity(ctx context.Context, e *model.CanonicalEntity) error
	AppendEvents(ctx context.Context, events []model.ChangeEvent) error
	RecordBatch(ctx context.Context, b *model.ImportBatch) error

	// IncrementPass atomically advances the shared pass counter and
	// returns the new pass number.
	IncrementPass(ctx context.Context) (int64, error)

	// MissedActive returns active entities whose last_seen_pass is
	// older than the given pass, i.e. untouched in the current pass.
	MissedActive(ctx context.Context, pass int64) ([]model.CanonicalEntity, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
