package resolve

import (
	"fmt"
	"math"

	"github.com/sells-group/listing-reconciler/internal/model"
)

// Rule identifies which identity hint matched a candidate.
type Rule string

const (
	RuleExternalID Rule = "external_id"
	RuleURL        Rule = "canonical_url"
	RuleTitlePrice Rule = "title_price"
	RuleNone       Rule = "none"
)

// DefaultPriceTolerance is the fractional price difference allowed when
// matching by the title+price fallback key.
const DefaultPriceTolerance = 0.10

// ConflictingIdentityError reports a candidate whose identity hints point
// at two different entities. The batch records it as a per-record error
// and continues; the engine never guesses between conflicting matches.
type ConflictingIdentityError struct {
	Matches map[Rule]string
}

func (e *ConflictingIdentityError) Error() string {
	return fmt.Sprintf("conflicting identity: hints resolve to multiple entities %v", e.Matches)
}

// Keys holds a candidate's precomputed identity keys. Key computation is
// pure and may run in parallel ahead of the ordered resolution loop.
type Keys struct {
	ExternalID    string
	CanonicalURL  string
	TitlePriceKey string
	Price         float64
	HasPrice      bool
}

// CandidateKeys derives the identity keys for a candidate. An explicitly
// supplied NormalizedTitlePriceKey is trusted as-is; otherwise the key is
// computed from the candidate's title and price fields.
func CandidateKeys(c *model.CandidateRecord) Keys {
	k := Keys{ExternalID: c.ExternalID}
	k.CanonicalURL = NormalizeURL(c.CanonicalURL)
	k.Price, k.HasPrice = c.Price()

	if c.NormalizedTitlePriceKey != "" {
		k.TitlePriceKey = c.NormalizedTitlePriceKey
	} else if k.HasPrice {
		k.TitlePriceKey = TitlePriceKey(c.Title(), k.Price)
	}
	return k
}

// Resolver applies the ordered identity rules against an index.
type Resolver struct {
	idx            *Index
	priceTolerance float64
}

// NewResolver creates a resolver over the given index. A non-positive
// tolerance falls back to DefaultPriceTolerance.
func NewResolver(idx *Index, priceTolerance float64) *Resolver {
	if priceTolerance <= 0 {
		priceTolerance = DefaultPriceTolerance
	}
	return &Resolver{idx: idx, priceTolerance: priceTolerance}
}

// Resolve maps a candidate to an existing entity ID, or returns
// ("", RuleNone, nil) when the candidate is new. Resolution is
// deterministic given a fixed index state: first matching rule wins.
// When two rules match different entities the candidate is rejected with
// a ConflictingIdentityError.
func (r *Resolver) Resolve(keys Keys) (string, Rule, error) {
	matches := make(map[Rule]string, 3)

	if keys.ExternalID != "" {
		if id, ok := r.idx.ByExternalID(keys.ExternalID); ok {
			matches[RuleExternalID] = id
		}
	}
	if keys.CanonicalURL != "" {
		if id, ok := r.idx.ByURL(keys.CanonicalURL); ok {
			matches[RuleURL] = id
		}
	}
	if id, ok := r.matchTitlePrice(keys); ok {
		matches[RuleTitlePrice] = id
	}

	if len(matches) == 0 {
		return "", RuleNone, nil
	}

	distinct := make(map[string]struct{}, len(matches))
	for _, id := range matches {
		distinct[id] = struct{}{}
	}
	if len(distinct) > 1 {
		return "", RuleNone, &ConflictingIdentityError{Matches: matches}
	}

	for _, rule := range []Rule{RuleExternalID, RuleURL, RuleTitlePrice} {
		if id, ok := matches[rule]; ok {
			return id, rule, nil
		}
	}
	return "", RuleNone, nil
}

// matchTitlePrice applies the fallback rule: same normalized title and
// price within tolerance. Without both prices the guard cannot clear the
// match. When several same-title entities fall within tolerance the
// closest price wins, which keeps resolution deterministic.
func (r *Resolver) matchTitlePrice(keys Keys) (string, bool) {
	title := TitleOfKey(keys.TitlePriceKey)
	if title == "" || !keys.HasPrice {
		return "", false
	}

	var best string
	bestDiff := math.MaxFloat64
	for _, id := range r.idx.ByTitle(title) {
		entry, ok := r.idx.Entry(id)
		if !ok || !entry.HasPrice {
			continue
		}
		if !PriceWithinTolerance(keys.Price, entry.Price, r.priceTolerance) {
			continue
		}
		if diff := math.Abs(keys.Price - entry.Price); diff < bestDiff {
			best, bestDiff = id, diff
		}
	}
	return best, best != ""
}
