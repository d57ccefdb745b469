package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-reconciler/internal/model"
)

func testIndex() *Index {
	return NewIndex([]Entry{
		{
			EntityID:      "ent-a",
			ExternalID:    "123",
			CanonicalURL:  "https://market.com/listing/alpha",
			TitlePriceKey: "alpha saas|50000",
			Price:         50000,
			HasPrice:      true,
		},
		{
			EntityID:      "ent-b",
			ExternalID:    "456",
			CanonicalURL:  "https://market.com/listing/beta",
			TitlePriceKey: "beta store|80000",
			Price:         80000,
			HasPrice:      true,
		},
	})
}

func TestResolve_ByExternalID(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	id, rule, err := r.Resolve(Keys{ExternalID: "123"})
	require.NoError(t, err)
	assert.Equal(t, "ent-a", id)
	assert.Equal(t, RuleExternalID, rule)
}

func TestResolve_ByURL(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	id, rule, err := r.Resolve(Keys{CanonicalURL: "https://market.com/listing/beta"})
	require.NoError(t, err)
	assert.Equal(t, "ent-b", id)
	assert.Equal(t, RuleURL, rule)
}

func TestResolve_ExternalIDWinsOverURL(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	// Both hints point at the same entity; highest-priority rule reported.
	id, rule, err := r.Resolve(Keys{
		ExternalID:   "123",
		CanonicalURL: "https://market.com/listing/alpha",
	})
	require.NoError(t, err)
	assert.Equal(t, "ent-a", id)
	assert.Equal(t, RuleExternalID, rule)
}

func TestResolve_TitlePriceWithinTolerance(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	id, rule, err := r.Resolve(Keys{
		TitlePriceKey: "alpha saas|50000",
		Price:         52000,
		HasPrice:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ent-a", id)
	assert.Equal(t, RuleTitlePrice, rule)
}

func TestResolve_TitlePriceAcrossBuckets(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	// 4% price difference rounds into a different bucket, but the match
	// works on the title with the tolerance applied to the raw prices.
	id, rule, err := r.Resolve(Keys{
		TitlePriceKey: "alpha saas|52000",
		Price:         52000,
		HasPrice:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ent-a", id)
	assert.Equal(t, RuleTitlePrice, rule)
}

func TestResolve_TitlePriceClosestWins(t *testing.T) {
	idx := NewIndex([]Entry{
		{EntityID: "ent-1", TitlePriceKey: "gamma shop|100000", Price: 100000, HasPrice: true},
		{EntityID: "ent-2", TitlePriceKey: "gamma shop|104000", Price: 104000, HasPrice: true},
	})
	r := NewResolver(idx, 0.10)

	id, rule, err := r.Resolve(Keys{
		TitlePriceKey: "gamma shop|103000",
		Price:         103000,
		HasPrice:      true,
	})
	require.NoError(t, err)
	assert.Equal(t, "ent-2", id)
	assert.Equal(t, RuleTitlePrice, rule)
}

func TestResolve_TitlePriceOutsideTolerance(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	// 25% difference exceeds the 10% tolerance: resolves to NEW.
	id, rule, err := r.Resolve(Keys{
		TitlePriceKey: "alpha saas|50000",
		Price:         40000,
		HasPrice:      true,
	})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, RuleNone, rule)
}

func TestResolve_TitlePriceWithoutCandidatePrice(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	id, rule, err := r.Resolve(Keys{TitlePriceKey: "alpha saas|50000"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, RuleNone, rule)
}

func TestResolve_New(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	id, rule, err := r.Resolve(Keys{ExternalID: "999"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, RuleNone, rule)
}

func TestResolve_ConflictingIdentity(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	// External ID says ent-a, URL says ent-b: hard inconsistency.
	_, _, err := r.Resolve(Keys{
		ExternalID:   "123",
		CanonicalURL: "https://market.com/listing/beta",
	})
	require.Error(t, err)

	var ce *ConflictingIdentityError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "ent-a", ce.Matches[RuleExternalID])
	assert.Equal(t, "ent-b", ce.Matches[RuleURL])
}

func TestResolve_DifferentExternalIDsNeverMerge(t *testing.T) {
	r := NewResolver(testIndex(), 0.10)

	// Same URL-less, key-less candidates with distinct external IDs must
	// resolve independently regardless of field similarity.
	idA, _, err := r.Resolve(Keys{ExternalID: "123"})
	require.NoError(t, err)
	idB, _, err := r.Resolve(Keys{ExternalID: "456"})
	require.NoError(t, err)
	assert.NotEqual(t, idA, idB)
}

func TestResolve_MidBatchIndexUpdate(t *testing.T) {
	idx := NewIndex(nil)
	r := NewResolver(idx, 0.10)

	id, rule, err := r.Resolve(Keys{ExternalID: "777"})
	require.NoError(t, err)
	assert.Empty(t, id)
	assert.Equal(t, RuleNone, rule)

	// Batch manager creates the entity, then later candidates must see it.
	idx.Add(Entry{EntityID: "ent-new", ExternalID: "777"})

	id, rule, err = r.Resolve(Keys{ExternalID: "777"})
	require.NoError(t, err)
	assert.Equal(t, "ent-new", id)
	assert.Equal(t, RuleExternalID, rule)
}

func TestCandidateKeys(t *testing.T) {
	c := &model.CandidateRecord{
		ExternalID:   "42",
		CanonicalURL: "https://Market.com/Listing/X?ref=home",
		SourceFields: map[string]any{
			model.FieldTitle: "Alpha SaaS",
			model.FieldPrice: "49,800",
		},
	}
	k := CandidateKeys(c)
	assert.Equal(t, "42", k.ExternalID)
	assert.Equal(t, "https://market.com/listing/x", k.CanonicalURL)
	assert.Equal(t, "alpha saas|50000", k.TitlePriceKey)
	assert.True(t, k.HasPrice)
	assert.Equal(t, 49800.0, k.Price)
}

func TestCandidateKeys_ExplicitKeyTrusted(t *testing.T) {
	c := &model.CandidateRecord{
		NormalizedTitlePriceKey: "custom key|10000",
		SourceFields:            map[string]any{model.FieldPrice: 10000},
	}
	k := CandidateKeys(c)
	assert.Equal(t, "custom key|10000", k.TitlePriceKey)
}
