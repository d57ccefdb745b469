package model

import "time"

// Action identifies the kind of change recorded in the audit log.
type Action string

const (
	ActionInsert  Action = "INSERT"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionRestore Action = "RESTORE"
)

// ChangeEvent is one append-only audit record. The full event history,
// replayed in commit order, reconstructs the exact current entity state.
//
// FieldName is empty for entity-level events (INSERT/DELETE/RESTORE).
// For INSERT events NewValue carries the entity's complete initial field
// map so replay never depends on the ephemeral candidate.
type ChangeEvent struct {
	ID         int64     `json:"id,omitempty"`
	Action     Action    `json:"action"`
	EntityID   string    `json:"entity_id"`
	FieldName  string    `json:"field_name,omitempty"`
	OldValue   any       `json:"old_value,omitempty"`
	NewValue   any       `json:"new_value,omitempty"`
	BatchID    string    `json:"batch_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source,omitempty"`
}
