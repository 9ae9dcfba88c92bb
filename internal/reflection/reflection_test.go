package reflection

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/memory"
)

// poolMemory builds a pool member for observation tests.
func poolMemory(t *testing.T, id string, memType memory.Type, tags []string) memory.Memory {
	t.Helper()
	return memory.Memory{
		ID:        id,
		Type:      memType,
		Title:     id,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
}

// sessionState builds a brain state at a given message count and event count.
func sessionState(t *testing.T, messages, events int) *brain.State {
	t.Helper()
	state := brain.Init(nil, brain.DefaultConfig(), time.Now())
	state.MessageCount = messages
	state.SignificantEventsSinceCheckpoint = events
	return state
}

// TestShouldReflect_MinimumSessionLength verifies nothing fires before the
// session minimum, no matter how many events accumulated.
func TestShouldReflect_MinimumSessionLength(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, ShouldReflect(nil, cfg))
	assert.False(t, ShouldReflect(sessionState(t, 5, 100), cfg))
}

// TestShouldReflect_IntervalWithEvents verifies the cadence needs both the
// interval boundary and enough significant events.
func TestShouldReflect_IntervalWithEvents(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, ShouldReflect(sessionState(t, 9, 3), cfg))
	assert.False(t, ShouldReflect(sessionState(t, 9, 2), cfg))
	assert.False(t, ShouldReflect(sessionState(t, 10, 3), cfg))
}

// TestShouldReflect_Flood verifies an event flood reflects off-cadence once
// the session minimum is met.
func TestShouldReflect_Flood(t *testing.T) {
	cfg := DefaultConfig()

	assert.True(t, ShouldReflect(sessionState(t, 10, 9), cfg))
	assert.False(t, ShouldReflect(sessionState(t, 10, 8), cfg))
}

// TestShouldReflect_LatePhaseDoubles verifies the late-session interval
// stretches to twice the configured cadence.
func TestShouldReflect_LatePhaseDoubles(t *testing.T) {
	cfg := DefaultConfig()

	late := sessionState(t, 27, 3)
	late.ContextPhase = brain.PhaseLate
	assert.False(t, ShouldReflect(late, cfg))

	late.MessageCount = 36
	assert.True(t, ShouldReflect(late, cfg))
}

// TestGenerateMetaObservations covers all four observation kinds in one pool.
func TestGenerateMetaObservations(t *testing.T) {
	pool := []memory.Memory{
		// Recurring failure: three pains on "database".
		poolMemory(t, "mem_p1", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p2", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p3", memory.TypePain, []string{"database"}),
		// Contradiction: pain and win on "auth".
		poolMemory(t, "mem_p4", memory.TypePain, []string{"auth"}),
		poolMemory(t, "mem_w1", memory.TypeWin, []string{"auth"}),
		// Knowledge gap: two pains on "deploy" with no wins.
		poolMemory(t, "mem_p5", memory.TypePain, []string{"deploy"}),
		poolMemory(t, "mem_p6", memory.TypePain, []string{"deploy"}),
		// Strength: two wins on "testing" with no pains.
		poolMemory(t, "mem_w2", memory.TypeWin, []string{"testing"}),
		poolMemory(t, "mem_w3", memory.TypeWin, []string{"testing"}),
	}

	observations := GenerateMetaObservations(pool)
	require.Len(t, observations, 4)

	byTag := make(map[string]MetaObservation)
	for _, obs := range observations {
		byTag[obs.Tag] = obs
	}

	assert.Equal(t, ObservationRecurringFailure, byTag["database"].Kind)
	assert.ElementsMatch(t, []string{"mem_p1", "mem_p2", "mem_p3"}, byTag["database"].MemoryIDs)
	assert.Equal(t, ObservationContradiction, byTag["auth"].Kind)
	assert.Equal(t, ObservationKnowledgeGap, byTag["deploy"].Kind)
	assert.Equal(t, ObservationStrength, byTag["testing"].Kind)

	// Sorted by confidence descending.
	for i := 1; i < len(observations); i++ {
		assert.GreaterOrEqual(t, observations[i-1].Confidence, observations[i].Confidence)
	}
}

// TestGenerateMetaObservations_SkipsSuperseded verifies superseded memories
// do not feed observations.
func TestGenerateMetaObservations_SkipsSuperseded(t *testing.T) {
	pool := []memory.Memory{
		poolMemory(t, "mem_p1", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p2", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p3", memory.TypePain, []string{"database"}),
	}
	pool[2].SupersededBy = "mem_new"

	observations := GenerateMetaObservations(pool)
	require.Len(t, observations, 1)
	assert.Equal(t, ObservationKnowledgeGap, observations[0].Kind)
}

// TestDetectSurprise verifies divergence scales with confidence and a
// matching outcome reads as unsurprising.
func TestDetectSurprise(t *testing.T) {
	confident := Prediction{Expected: "tests pass cleanly", Confidence: 1.0}
	uncertain := Prediction{Expected: "tests pass cleanly", Confidence: 0.1}
	outcome := "build exploded with linker errors"

	assert.Greater(t, DetectSurprise(confident, outcome), DetectSurprise(uncertain, outcome))
	assert.InDelta(t, 1.0, DetectSurprise(confident, outcome), 1e-9)

	matched := DetectSurprise(confident, "tests pass cleanly")
	assert.InDelta(t, 0.0, matched, 1e-9)
}

// TestNewReflection verifies the memory-shaped record links its evidence.
func TestNewReflection(t *testing.T) {
	now := time.Now()
	reflection := NewReflection(ReflectionInput{
		Content:         "3 failures recorded around database",
		Lesson:          "Check past failures before schema changes",
		Tags:            []string{"database"},
		LinkedMemoryIDs: []string{"mem_1", "mem_2"},
	}, now)

	assert.Equal(t, memory.TypeReflection, reflection.Type)
	assert.Equal(t, "Check past failures before schema changes", reflection.Rule)
	require.Len(t, reflection.Links, 2)
	assert.Equal(t, memory.LinkRelated, reflection.Links[0].Relationship)
	assert.Equal(t, "mem_1", reflection.Links[0].TargetID)
	assert.NotEmpty(t, reflection.Fingerprint)
}

// TestReflect verifies a full pass turns observations into linked
// reflection memories.
func TestReflect(t *testing.T) {
	pool := []memory.Memory{
		poolMemory(t, "mem_p1", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p2", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p3", memory.TypePain, []string{"database"}),
	}

	reflections := Reflect(pool, time.Now())
	require.Len(t, reflections, 1)
	assert.Equal(t, memory.TypeReflection, reflections[0].Type)
	assert.Len(t, reflections[0].Links, 3)
	assert.Contains(t, reflections[0].Rule, "database")
}

// TestReflect_RepeatPassStoresNothing verifies a second pass over an
// unchanged pool produces no new reflections once the first pass's output
// has been stored.
func TestReflect_RepeatPassStoresNothing(t *testing.T) {
	pool := []memory.Memory{
		poolMemory(t, "mem_p1", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p2", memory.TypePain, []string{"database"}),
		poolMemory(t, "mem_p3", memory.TypePain, []string{"database"}),
	}

	first := Reflect(pool, time.Now())
	require.Len(t, first, 1)
	for _, r := range first {
		pool = append(pool, *r)
	}

	second := Reflect(pool, time.Now())
	assert.Empty(t, second)
}

// TestNewReflection_TitleRuneBounded verifies long content truncates to a
// valid-UTF-8 title without splitting a multi-byte character.
func TestNewReflection_TitleRuneBounded(t *testing.T) {
	content := strings.Repeat("é", 120)

	reflection := NewReflection(ReflectionInput{Content: content, Tags: []string{"database"}}, time.Now())

	assert.Equal(t, 80, utf8.RuneCountInString(reflection.Title))
	assert.True(t, utf8.ValidString(reflection.Title))
}
