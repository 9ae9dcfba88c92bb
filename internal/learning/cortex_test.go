package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestObservedConfidence verifies the asymptotic growth curve and its cap.
func TestObservedConfidence(t *testing.T) {
	assert.Equal(t, 0.0, ObservedConfidence(0))
	assert.InDelta(t, 0.5, ObservedConfidence(1), 1e-9)
	assert.InDelta(t, 0.75, ObservedConfidence(3), 1e-9)
	assert.InDelta(t, 0.9, ObservedConfidence(9), 1e-9)

	// Early observations move confidence more than later ones.
	assert.Greater(t,
		ObservedConfidence(2)-ObservedConfidence(1),
		ObservedConfidence(10)-ObservedConfidence(9))

	// The cap holds no matter how much evidence accumulates.
	assert.Equal(t, ConfidenceCap, ObservedConfidence(1000))
}

// TestObserveGap verifies evidence accumulation on repeated observations.
func TestObserveGap(t *testing.T) {
	learner := NewCortexLearner(DefaultCortexConfig(), nil)
	now := time.Now()

	entry := learner.ObserveGap("Checkout", []string{"database", "payments"}, now)
	require.NotNil(t, entry)
	assert.Equal(t, "checkout", entry.Word)
	assert.ElementsMatch(t, []string{"database", "payments"}, entry.Tags)
	assert.Equal(t, 1, entry.ObservationCount)
	assert.InDelta(t, 0.5, entry.Confidence, 1e-9)

	entry = learner.ObserveGap("checkout", []string{"database"}, now.Add(time.Minute))
	assert.Equal(t, 2, entry.ObservationCount)
	assert.Len(t, entry.Tags, 2)

	assert.Nil(t, learner.ObserveGap("", []string{"database"}, now))
	assert.Nil(t, learner.ObserveGap("checkout", nil, now))
}

// TestPromotable verifies both gates must clear before promotion.
func TestPromotable(t *testing.T) {
	cfg := DefaultCortexConfig()
	learner := NewCortexLearner(cfg, nil)
	now := time.Now()

	// Four observations: confidence 0.8 meets the bar, count 4 does not.
	for i := 0; i < 4; i++ {
		learner.ObserveGap("checkout", []string{"database"}, now)
	}
	assert.Empty(t, learner.Promotable())

	learner.ObserveGap("checkout", []string{"database"}, now)
	promotable := learner.Promotable()
	require.Len(t, promotable, 1)
	assert.Equal(t, "checkout", promotable[0].Word)

	learner.MarkPromoted("checkout")
	assert.Empty(t, learner.Promotable())
}

// TestMergeIntoBase verifies confident entries merge and promoted or weak
// ones are skipped.
func TestMergeIntoBase(t *testing.T) {
	cfg := DefaultCortexConfig()
	now := time.Now()
	learner := NewCortexLearner(cfg, []CortexEntry{
		{Word: "checkout", Tags: []string{"database"}, Confidence: 0.75, ObservationCount: 3, LastSeen: now},
		{Word: "billing", Tags: []string{"payments"}, Confidence: 0.5, ObservationCount: 1, LastSeen: now},
		{Word: "deploy", Tags: []string{"deployment"}, Confidence: 0.9, ObservationCount: 9, LastSeen: now, Promoted: true},
	})

	base := map[string][]string{"checkout": {"cart"}}
	merged := learner.MergeIntoBase(base)

	assert.ElementsMatch(t, []string{"cart", "database"}, merged["checkout"])
	assert.NotContains(t, merged, "billing")
	assert.NotContains(t, merged, "deploy")

	// The input map is never mutated.
	assert.Equal(t, []string{"cart"}, base["checkout"])
}

// TestCortexPrune verifies stale entries go and promoted ones stay.
func TestCortexPrune(t *testing.T) {
	cfg := DefaultCortexConfig()
	now := time.Now()
	learner := NewCortexLearner(cfg, []CortexEntry{
		{Word: "fresh", Tags: []string{"a"}, LastSeen: now.Add(-time.Hour)},
		{Word: "stale", Tags: []string{"b"}, LastSeen: now.Add(-cfg.MaxAge - time.Hour)},
		{Word: "kept", Tags: []string{"c"}, LastSeen: now.Add(-cfg.MaxAge - time.Hour), Promoted: true},
	})

	pruned := learner.Prune(now)
	assert.Equal(t, 1, pruned)

	words := make([]string, 0)
	for _, e := range learner.Entries() {
		words = append(words, e.Word)
	}
	assert.ElementsMatch(t, []string{"fresh", "kept"}, words)
}

// TestCortexPromotions verifies the rendered candidates target the
// vocabulary section.
func TestCortexPromotions(t *testing.T) {
	learner := NewCortexLearner(DefaultCortexConfig(), nil)
	now := time.Now()
	for i := 0; i < 6; i++ {
		learner.ObserveGap("checkout", []string{"database"}, now)
	}

	promotions := learner.CortexPromotions()
	require.Len(t, promotions, 1)
	assert.Equal(t, "Vocabulary", promotions[0].Section)
	assert.Contains(t, promotions[0].Text, "checkout")
	assert.Contains(t, promotions[0].Text, "database")
}
