package model

import (
	"fmt"
	"time"
)

// CandidateRecord is one extraction result for one reconciliation pass.
// Candidates are ephemeral: only their effect on a CanonicalEntity is
// persisted, never the record itself.
type CandidateRecord struct {
	SourceFields    map[string]any     `json:"source_fields"`
	FieldConfidence map[string]float64 `json:"field_confidence"`

	// Identity hints, checked in this priority order.
	ExternalID              string `json:"external_id,omitempty"`
	CanonicalURL            string `json:"canonical_url,omitempty"`
	NormalizedTitlePriceKey string `json:"normalized_title_price_key,omitempty"`

	// Provenance, stored but never used for identity.
	ObservedAt     time.Time `json:"observed_at"`
	SourceStrategy string    `json:"source_strategy,omitempty"`
}

// MalformedRecordError marks a candidate that carries no identity hints
// and no usable fields. Malformed candidates are skipped, counted as
// batch errors, and never fatal.
type MalformedRecordError struct {
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s", e.Reason)
}

// Validate checks that the candidate can be anchored to an identity.
// A record is malformed when every identity hint is empty and the source
// fields contain neither a title nor a price to derive a fallback key from.
func (c *CandidateRecord) Validate() error {
	if c.ExternalID != "" || c.CanonicalURL != "" || c.NormalizedTitlePriceKey != "" {
		return nil
	}
	if _, ok := c.SourceFields[FieldTitle]; ok {
		if _, ok := c.Price(); ok {
			return nil
		}
	}
	return &MalformedRecordError{Reason: "no identity hints and no title/price fields"}
}

// Title returns the candidate's title field as a string, if present.
func (c *CandidateRecord) Title() string {
	v, ok := c.SourceFields[FieldTitle]
	if !ok {
		return ""
	}
	s, _ := AsString(v)
	return s
}

// Price returns the candidate's price field, if present and numeric.
func (c *CandidateRecord) Price() (float64, bool) {
	v, ok := c.SourceFields[FieldPrice]
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// Confidence returns the extracting strategy's confidence for a field.
func (c *CandidateRecord) Confidence(field string) float64 {
	return c.FieldConfidence[field]
}
