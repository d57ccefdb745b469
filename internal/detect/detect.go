// Package detect turns resolution and merge outcomes into audit events.
// It is the only producer of ChangeEvents, which keeps the event stream
// replayable: every state mutation the engine makes is represented here.
package detect

import (
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/listing-reconciler/internal/merge"
	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/resolve"
)

// DefaultMissThreshold is the number of consecutive missed passes after
// which an active entity is soft-deleted.
const DefaultMissThreshold = 3

// Kind classifies the outcome of one candidate against the store.
type Kind string

const (
	KindInserted  Kind = "inserted"
	KindUpdated   Kind = "updated"
	KindDuplicate Kind = "duplicate"
)

// Outcome is the result of applying one candidate.
type Outcome struct {
	Entity   *model.CanonicalEntity
	Events   []model.ChangeEvent
	Kind     Kind
	Restored bool
}

// Detector compares previous entity state against incoming candidates
// and emits the corresponding change events.
type Detector struct {
	policy        *merge.Policy
	missThreshold int
}

// New creates a Detector. A non-positive threshold falls back to
// DefaultMissThreshold.
func New(policy *merge.Policy, missThreshold int) *Detector {
	if policy == nil {
		policy = &merge.Policy{}
	}
	if missThreshold <= 0 {
		missThreshold = DefaultMissThreshold
	}
	return &Detector{policy: policy, missThreshold: missThreshold}
}

// Detect applies a candidate to its resolved entity (nil for NEW) and
// returns the updated entity plus the events to append. The returned
// entity is always a fresh value; previous state is never mutated.
func (d *Detector) Detect(batchID string, pass int64, prev *model.CanonicalEntity, c *model.CandidateRecord, keys resolve.Keys, now time.Time) *Outcome {
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	if prev == nil {
		return d.insert(batchID, pass, c, keys, observed)
	}

	entity := prev.Clone()
	out := &Outcome{Entity: entity}

	if !entity.IsActive {
		// A matched inactive entity is reactivated in place. A second
		// entity is never created for the same identity.
		entity.IsActive = true
		entity.MissedPassCount = 0
		out.Restored = true
		out.Events = append(out.Events, model.ChangeEvent{
			Action:     model.ActionRestore,
			EntityID:   entity.EntityID,
			BatchID:    batchID,
			OccurredAt: observed,
			Source:     c.SourceStrategy,
		})
	}

	changed := merge.Merge(entity, c, d.policy)
	for _, field := range changed {
		out.Events = append(out.Events, model.ChangeEvent{
			Action:     model.ActionUpdate,
			EntityID:   entity.EntityID,
			FieldName:  field,
			OldValue:   prev.Fields[field],
			NewValue:   entity.Fields[field],
			BatchID:    batchID,
			OccurredAt: observed,
			Source:     c.SourceStrategy,
		})
	}

	d.refreshIdentity(entity, keys)
	entity.LastSeenAt = observed
	entity.LastSeenPass = pass
	entity.MissedPassCount = 0

	if len(changed) > 0 {
		out.Kind = KindUpdated
	} else {
		// Explicit no-op: nothing changed, counted as a duplicate.
		out.Kind = KindDuplicate
	}
	return out
}

// HandleMiss increments the missed-pass counter for an active entity not
// touched by any candidate in the pass, and soft-deletes it once the
// counter reaches the threshold. Exactly one DELETE event is emitted per
// soft delete; subsequent passes leave an inactive entity untouched.
func (d *Detector) HandleMiss(batchID string, prev *model.CanonicalEntity, now time.Time) (*model.CanonicalEntity, []model.ChangeEvent) {
	if !prev.IsActive {
		return nil, nil
	}
	entity := prev.Clone()
	entity.MissedPassCount++

	if entity.MissedPassCount < d.missThreshold {
		return entity, nil
	}

	entity.IsActive = false
	return entity, []model.ChangeEvent{{
		Action:     model.ActionDelete,
		EntityID:   entity.EntityID,
		BatchID:    batchID,
		OccurredAt: now,
	}}
}

func (d *Detector) insert(batchID string, pass int64, c *model.CandidateRecord, keys resolve.Keys, observed time.Time) *Outcome {
	entityID := keys.ExternalID
	if entityID == "" {
		entityID = uuid.New().String()
	}

	entity := &model.CanonicalEntity{
		EntityID:     entityID,
		FirstSeenAt:  observed,
		LastSeenAt:   observed,
		LastSeenPass: pass,
		IsActive:     true,
	}
	merge.Merge(entity, c, d.policy)
	d.refreshIdentity(entity, keys)

	// INSERT carries the full initial field map so replay reconstructs
	// the entity without the ephemeral candidate.
	snapshot := make(map[string]any, len(entity.Fields))
	for k, v := range entity.Fields {
		snapshot[k] = v
	}

	return &Outcome{
		Entity: entity,
		Kind:   KindInserted,
		Events: []model.ChangeEvent{{
			Action:     model.ActionInsert,
			EntityID:   entity.EntityID,
			NewValue:   snapshot,
			BatchID:    batchID,
			OccurredAt: observed,
			Source:     c.SourceStrategy,
		}},
	}
}

// refreshIdentity adopts candidate identity hints the entity lacks and
// keeps the title+price fallback key aligned with the stored fields.
func (d *Detector) refreshIdentity(e *model.CanonicalEntity, keys resolve.Keys) {
	if e.ExternalID == "" && keys.ExternalID != "" {
		e.ExternalID = keys.ExternalID
	}
	if e.CanonicalURL == "" && keys.CanonicalURL != "" {
		e.CanonicalURL = keys.CanonicalURL
	}

	title, _ := model.AsString(e.Fields[model.FieldTitle])
	if price, ok := e.Price(); ok && title != "" {
		e.TitlePriceKey = resolve.TitlePriceKey(title, price)
	}
}
