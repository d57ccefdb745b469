// Package model defines the core types of the reconciliation engine:
// canonical entities, candidate records, change events, and import batches.
package model

import "time"

// Well-known field names shared across the engine.
const (
	FieldTitle          = "title"
	FieldPrice          = "price"
	FieldMonthlyRevenue = "monthly_revenue"
	FieldMonthlyProfit  = "monthly_profit"
	FieldMultiple       = "multiple"
	FieldCategory       = "category"
	FieldURL            = "url"
)

// CanonicalEntity is the durable, deduplicated record of one marketplace
// listing. Field values are mutated only by the merger; identity columns
// (ExternalID, CanonicalURL, TitlePriceKey) form the persisted lookup index.
type CanonicalEntity struct {
	EntityID        string             `json:"entity_id"`
	ExternalID      string             `json:"external_id,omitempty"`
	CanonicalURL    string             `json:"canonical_url,omitempty"`
	TitlePriceKey   string             `json:"title_price_key,omitempty"`
	Fields          map[string]any     `json:"fields"`
	FieldConfidence map[string]float64 `json:"field_confidence"`
	ContentHash     string             `json:"content_hash"`
	FirstSeenAt     time.Time          `json:"first_seen_at"`
	LastSeenAt      time.Time          `json:"last_seen_at"`
	LastSeenPass    int64              `json:"last_seen_pass"`
	IsActive        bool               `json:"is_active"`
	MissedPassCount int                `json:"missed_pass_count"`
}

// Clone returns a deep copy of the entity. The merger operates on a copy so
// a failed batch never leaves a half-merged entity in the read cache.
func (e *CanonicalEntity) Clone() *CanonicalEntity {
	c := *e
	c.Fields = make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		c.Fields[k] = v
	}
	c.FieldConfidence = make(map[string]float64, len(e.FieldConfidence))
	for k, v := range e.FieldConfidence {
		c.FieldConfidence[k] = v
	}
	return &c
}

// Price returns the entity's stored price, if present and numeric.
func (e *CanonicalEntity) Price() (float64, bool) {
	v, ok := e.Fields[FieldPrice]
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// Confidence returns the stored confidence for a field, or 0 when the
// field has never been set.
func (e *CanonicalEntity) Confidence(field string) float64 {
	return e.FieldConfidence[field]
}
