package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-reconciler/internal/model"
)

func baseEntity() *model.CanonicalEntity {
	return &model.CanonicalEntity{
		EntityID: "ent-1",
		Fields: map[string]any{
			model.FieldTitle: "Alpha SaaS",
			model.FieldPrice: 50000.0,
		},
		FieldConfidence: map[string]float64{
			model.FieldTitle: 0.6,
			model.FieldPrice: 0.5,
		},
	}
}

func TestMerge_AdoptsAbsentField(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldCategory: "saas"},
		FieldConfidence: map[string]float64{model.FieldCategory: 0.3},
	}

	changed := Merge(e, c, &Policy{})
	assert.Equal(t, []string{model.FieldCategory}, changed)
	assert.Equal(t, "saas", e.Fields[model.FieldCategory])
	assert.Equal(t, 0.3, e.FieldConfidence[model.FieldCategory])
}

func TestMerge_HigherConfidenceWins(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 55000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.8},
	}

	changed := Merge(e, c, &Policy{})
	assert.Equal(t, []string{model.FieldPrice}, changed)
	assert.Equal(t, 55000.0, e.Fields[model.FieldPrice])
	assert.Equal(t, 0.8, e.FieldConfidence[model.FieldPrice])
}

func TestMerge_EqualConfidenceLoses(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 60000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.5},
	}

	changed := Merge(e, c, &Policy{})
	assert.Empty(t, changed)
	assert.Equal(t, 50000.0, e.Fields[model.FieldPrice])
}

func TestMerge_LowerConfidenceLoses(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldTitle: "Different Name"},
		FieldConfidence: map[string]float64{model.FieldTitle: 0.2},
	}

	changed := Merge(e, c, &Policy{})
	assert.Empty(t, changed)
	assert.Equal(t, "Alpha SaaS", e.Fields[model.FieldTitle])
	assert.Equal(t, 0.6, e.FieldConfidence[model.FieldTitle])
}

func TestMerge_EpsilonRaisesBar(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 60000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.55},
	}

	// With epsilon 0.1 a 0.55 candidate cannot beat the stored 0.5.
	changed := Merge(e, c, &Policy{Epsilon: 0.1})
	assert.Empty(t, changed)
}

func TestMerge_PerFieldEpsilonOverride(t *testing.T) {
	eps := 0.2
	p := &Policy{Fields: map[string]FieldPolicy{model.FieldPrice: {Epsilon: &eps}}}

	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 60000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.65},
	}
	assert.Empty(t, Merge(e, c, p))

	c.FieldConfidence[model.FieldPrice] = 0.75
	assert.Equal(t, []string{model.FieldPrice}, Merge(e, c, p))
}

func TestMerge_Idempotent(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields: map[string]any{
			model.FieldPrice:    58000.0,
			model.FieldCategory: "saas",
		},
		FieldConfidence: map[string]float64{
			model.FieldPrice:    0.9,
			model.FieldCategory: 0.4,
		},
	}

	first := Merge(e, c, &Policy{})
	require.NotEmpty(t, first)
	hash := e.ContentHash

	second := Merge(e, c, &Policy{})
	assert.Empty(t, second)
	assert.Equal(t, hash, e.ContentHash)
}

func TestMerge_RecomputesHash(t *testing.T) {
	e := baseEntity()
	Merge(e, &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldCategory: "saas"},
		FieldConfidence: map[string]float64{model.FieldCategory: 0.5},
	}, &Policy{})
	h1 := e.ContentHash
	require.NotEmpty(t, h1)

	changed := Merge(e, &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 55000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.8},
	}, &Policy{})
	require.NotEmpty(t, changed)
	assert.NotEqual(t, h1, e.ContentHash)
}

func TestMerge_EqualValueHigherConfidenceIsNoChange(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 50000},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.9},
	}

	changed := Merge(e, c, &Policy{})
	// Value unchanged, so no change event material; confidence still lifts.
	assert.Empty(t, changed)
	assert.Equal(t, 0.9, e.FieldConfidence[model.FieldPrice])
}

func TestMerge_DerivedMultiple(t *testing.T) {
	e := &model.CanonicalEntity{EntityID: "ent-1"}
	c := &model.CandidateRecord{
		SourceFields: map[string]any{
			model.FieldPrice:         120000.0,
			model.FieldMonthlyProfit: 2500.0,
		},
		FieldConfidence: map[string]float64{
			model.FieldPrice:         0.8,
			model.FieldMonthlyProfit: 0.6,
		},
	}

	changed := Merge(e, c, &Policy{})
	assert.Contains(t, changed, model.FieldMultiple)
	// 120000 / (2500 * 12) = 4.0 annual profit multiple.
	assert.Equal(t, 4.0, e.Fields[model.FieldMultiple])
	// Derived confidence is the weaker of its inputs.
	assert.Equal(t, 0.6, e.FieldConfidence[model.FieldMultiple])
}

func TestMerge_DerivedSkippedWhenSuppliedDirectly(t *testing.T) {
	e := &model.CanonicalEntity{EntityID: "ent-1"}
	c := &model.CandidateRecord{
		SourceFields: map[string]any{
			model.FieldPrice:         120000.0,
			model.FieldMonthlyProfit: 2500.0,
			model.FieldMultiple:      3.8,
		},
		FieldConfidence: map[string]float64{
			model.FieldPrice:         0.8,
			model.FieldMonthlyProfit: 0.6,
			model.FieldMultiple:      0.9,
		},
	}

	changed := Merge(e, c, &Policy{})
	assert.Contains(t, changed, model.FieldMultiple)
	assert.Equal(t, 3.8, e.Fields[model.FieldMultiple])
	assert.Equal(t, 0.9, e.FieldConfidence[model.FieldMultiple])
}

func TestMerge_DerivedKeepsHigherConfidenceDirectValue(t *testing.T) {
	// A multiple accepted directly at 0.95 must survive later input
	// changes whose recomputation could only carry min-input confidence.
	e := &model.CanonicalEntity{
		EntityID: "ent-1",
		Fields: map[string]any{
			model.FieldPrice:         120000.0,
			model.FieldMonthlyProfit: 1000.0,
			model.FieldMultiple:      4.0,
		},
		FieldConfidence: map[string]float64{
			model.FieldPrice:         0.5,
			model.FieldMonthlyProfit: 0.8,
			model.FieldMultiple:      0.95,
		},
	}
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldPrice: 240000.0},
		FieldConfidence: map[string]float64{model.FieldPrice: 0.9},
	}

	changed := Merge(e, c, &Policy{})
	assert.Equal(t, []string{model.FieldPrice}, changed)
	assert.Equal(t, 4.0, e.Fields[model.FieldMultiple])
	assert.Equal(t, 0.95, e.FieldConfidence[model.FieldMultiple])
}

func TestMerge_DerivedDisabled(t *testing.T) {
	e := &model.CanonicalEntity{EntityID: "ent-1"}
	c := &model.CandidateRecord{
		SourceFields: map[string]any{
			model.FieldPrice:         120000.0,
			model.FieldMonthlyProfit: 2500.0,
		},
		FieldConfidence: map[string]float64{
			model.FieldPrice:         0.8,
			model.FieldMonthlyProfit: 0.6,
		},
	}

	Merge(e, c, &Policy{DisableDerived: true})
	_, ok := e.Fields[model.FieldMultiple]
	assert.False(t, ok)
}

func TestMerge_NilValuesSkipped(t *testing.T) {
	e := baseEntity()
	c := &model.CandidateRecord{
		SourceFields:    map[string]any{model.FieldTitle: nil},
		FieldConfidence: map[string]float64{model.FieldTitle: 0.95},
	}

	assert.Empty(t, Merge(e, c, &Policy{}))
	assert.Equal(t, "Alpha SaaS", e.Fields[model.FieldTitle])
}
