// Package audit reconstructs canonical state from the change event log
// and verifies it against the stored entities. The event log is
// append-only and ordered by commit, so a clean replay proves the
// stored state is exactly the sum of its recorded changes.
package audit

import (
	"context"
	"fmt"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-reconciler/internal/model"
	"github.com/sells-group/listing-reconciler/internal/store"
)

// EntityState is the replayed projection of one entity: its current
// field values and liveness, as implied by the event log alone.
type EntityState struct {
	EntityID string
	Fields   map[string]any
	IsActive bool
}

// Mismatch describes one divergence between replayed and stored state.
type Mismatch struct {
	EntityID string
	Field    string // "" for entity-level divergences
	Reason   string
}

func (m Mismatch) String() string {
	if m.Field == "" {
		return fmt.Sprintf("%s: %s", m.EntityID, m.Reason)
	}
	return fmt.Sprintf("%s.%s: %s", m.EntityID, m.Field, m.Reason)
}

// MismatchError reports that replaying the audit log did not reproduce
// the stored state, i.e. a mutation bypassed the event log.
type MismatchError struct {
	Mismatches []Mismatch
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("audit: replay mismatch: %d divergence(s), first: %s",
		len(e.Mismatches), e.Mismatches[0])
}

// Replay folds the event log, in order, into per-entity state.
func Replay(events []model.ChangeEvent) map[string]*EntityState {
	states := make(map[string]*EntityState)

	for i := range events {
		ev := &events[i]
		st := states[ev.EntityID]

		switch ev.Action {
		case model.ActionInsert:
			st = &EntityState{
				EntityID: ev.EntityID,
				Fields:   make(map[string]any),
				IsActive: true,
			}
			// INSERT carries the full initial field map.
			if snapshot, ok := ev.NewValue.(map[string]any); ok {
				for k, v := range snapshot {
					st.Fields[k] = v
				}
			}
			states[ev.EntityID] = st

		case model.ActionUpdate:
			if st == nil {
				continue
			}
			st.Fields[ev.FieldName] = ev.NewValue

		case model.ActionDelete:
			if st == nil {
				continue
			}
			st.IsActive = false

		case model.ActionRestore:
			if st == nil {
				continue
			}
			st.IsActive = true
		}
	}
	return states
}

// Verify replays the full event log and compares the result against the
// stored entities. A nil return means the store and the log agree.
func Verify(ctx context.Context, st store.Store) error {
	log := zap.L().With(zap.String("component", "audit"))

	events, err := st.ListEvents(ctx, store.EventFilter{})
	if err != nil {
		return eris.Wrap(err, "audit: load event log")
	}
	replayed := Replay(events)

	var mismatches []Mismatch
	seen := make(map[string]bool, len(replayed))

	// Page through every stored entity, active and inactive.
	const pageSize = 500
	for offset := 0; ; offset += pageSize {
		entities, err := st.ListEntities(ctx, store.EntityFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return eris.Wrap(err, "audit: load entities")
		}
		if len(entities) == 0 {
			break
		}
		for i := range entities {
			e := &entities[i]
			seen[e.EntityID] = true
			mismatches = append(mismatches, compareEntity(e, replayed[e.EntityID])...)
		}
		if len(entities) < pageSize {
			break
		}
	}

	for id := range replayed {
		if !seen[id] {
			mismatches = append(mismatches, Mismatch{
				EntityID: id,
				Reason:   "present in event log but missing from store",
			})
		}
	}

	if len(mismatches) > 0 {
		sort.Slice(mismatches, func(i, j int) bool {
			if mismatches[i].EntityID != mismatches[j].EntityID {
				return mismatches[i].EntityID < mismatches[j].EntityID
			}
			return mismatches[i].Field < mismatches[j].Field
		})
		return &MismatchError{Mismatches: mismatches}
	}

	log.Info("audit verified",
		zap.Int("events", len(events)),
		zap.Int("entities", len(seen)))
	return nil
}

func compareEntity(stored *model.CanonicalEntity, replayed *EntityState) []Mismatch {
	if replayed == nil {
		return []Mismatch{{
			EntityID: stored.EntityID,
			Reason:   "present in store but missing from event log",
		}}
	}

	var out []Mismatch
	if stored.IsActive != replayed.IsActive {
		out = append(out, Mismatch{
			EntityID: stored.EntityID,
			Reason:   fmt.Sprintf("active flag: store=%t replay=%t", stored.IsActive, replayed.IsActive),
		})
	}

	for name, want := range stored.Fields {
		got, ok := replayed.Fields[name]
		if !ok {
			out = append(out, Mismatch{
				EntityID: stored.EntityID, Field: name,
				Reason: "field missing from replay",
			})
			continue
		}
		if !model.ValuesEqual(want, got) {
			out = append(out, Mismatch{
				EntityID: stored.EntityID, Field: name,
				Reason: fmt.Sprintf("store=%v replay=%v", want, got),
			})
		}
	}
	for name := range replayed.Fields {
		if _, ok := stored.Fields[name]; !ok {
			out = append(out, Mismatch{
				EntityID: stored.EntityID, Field: name,
				Reason: "field present in replay but not in store",
			})
		}
	}
	return out
}
