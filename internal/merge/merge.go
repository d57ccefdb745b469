package merge

import (
	"math"
	"sort"

	"github.com/sells-group/listing-reconciler/internal/fingerprint"
	"github.com/sells-group/listing-reconciler/internal/model"
)

// Merge folds a candidate's fields into the entity and returns the names
// of fields whose stored value actually changed, in sorted order. The
// entity is mutated in place; callers pass a clone when they need the
// pre-merge state.
//
// Merge is idempotent: applying the same candidate to the resulting
// entity state again yields no further changes, because replacement
// requires a strictly higher confidence than the stored one.
func Merge(e *model.CanonicalEntity, c *model.CandidateRecord, p *Policy) []string {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	if e.FieldConfidence == nil {
		e.FieldConfidence = make(map[string]float64)
	}

	names := make([]string, 0, len(c.SourceFields))
	for name := range c.SourceFields {
		names = append(names, name)
	}
	sort.Strings(names)

	changed := make(map[string]struct{})
	adoptedDirect := make(map[string]struct{})

	for _, name := range names {
		value := c.SourceFields[name]
		if value == nil {
			continue
		}
		conf := c.Confidence(name)

		stored, exists := e.Fields[name]
		if !exists {
			e.Fields[name] = value
			e.FieldConfidence[name] = conf
			changed[name] = struct{}{}
			adoptedDirect[name] = struct{}{}
			continue
		}

		if conf <= e.FieldConfidence[name]+p.EpsilonFor(name) {
			continue
		}

		e.FieldConfidence[name] = conf
		adoptedDirect[name] = struct{}{}
		if !model.ValuesEqual(stored, value) {
			e.Fields[name] = value
			changed[name] = struct{}{}
		}
	}

	if p == nil || !p.DisableDerived {
		recomputeMultiple(e, changed, adoptedDirect)
	}

	if len(changed) > 0 {
		e.ContentHash = fingerprint.Hash(e.Fields)
	} else if e.ContentHash == "" {
		e.ContentHash = fingerprint.Hash(e.Fields)
	}

	out := make([]string, 0, len(changed))
	for name := range changed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// recomputeMultiple refreshes the derived annual-profit multiple
// (price / (monthly_profit * 12)) when either input changed, unless the
// candidate supplied the multiple directly with winning confidence.
func recomputeMultiple(e *model.CanonicalEntity, changed, adoptedDirect map[string]struct{}) {
	if _, direct := adoptedDirect[model.FieldMultiple]; direct {
		return
	}
	_, priceChanged := changed[model.FieldPrice]
	_, profitChanged := changed[model.FieldMonthlyProfit]
	if !priceChanged && !profitChanged {
		return
	}

	price, okP := e.Price()
	profit, okM := model.AsFloat(e.Fields[model.FieldMonthlyProfit])
	if _, has := e.Fields[model.FieldMonthlyProfit]; !has {
		okM = false
	}
	if !okP || !okM || profit <= 0 {
		return
	}

	multiple := math.Round(price/(profit*12)*100) / 100
	conf := math.Min(e.Confidence(model.FieldPrice), e.Confidence(model.FieldMonthlyProfit))

	stored, exists := e.Fields[model.FieldMultiple]
	// A directly supplied multiple that won at a higher confidence than
	// the inputs can provide is never displaced by a recomputation.
	if exists && e.FieldConfidence[model.FieldMultiple] > conf {
		return
	}
	if exists && model.ValuesEqual(stored, multiple) {
		return
	}
	e.Fields[model.FieldMultiple] = multiple
	e.FieldConfidence[model.FieldMultiple] = conf
	changed[model.FieldMultiple] = struct{}{}
}
