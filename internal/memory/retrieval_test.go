package memory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/engram/internal/brain"
)

// retrievalPool builds a small pool with a pain and a paired win.
func retrievalPool(t *testing.T) []Memory {
	t.Helper()
	now := time.Now()

	pain := makeMemory(t, "mem_pain", TypePain,
		"Migration deadlocked the users table",
		"The ALTER TABLE held an exclusive lock during deploy",
		[]string{"database", "migration"})
	pain.Severity = SeverityHigh
	pain.Rule = "Run migrations with lock_timeout set"
	pain.CreatedAt = now.Add(-24 * time.Hour)

	win := makeMemory(t, "mem_win", TypeWin,
		"lock_timeout made migrations fail fast",
		"Setting lock_timeout turned a stall into a quick retry",
		[]string{"database", "migration"})
	win.Rule = "Set lock_timeout before schema changes"
	win.CreatedAt = now.Add(-12 * time.Hour)

	unrelated := makeMemory(t, "mem_other", TypeWin,
		"Retry with backoff fixed the registry push",
		"Exponential backoff absorbed the transient failures",
		[]string{"deployment"})
	unrelated.CreatedAt = now.Add(-6 * time.Hour)

	return []Memory{pain, win, unrelated}
}

// freshState returns an empty brain state for retrieval tests.
func freshState(t *testing.T) *brain.State {
	t.Helper()
	return brain.Init(nil, brain.DefaultConfig(), time.Now())
}

// TestRetrieve_ShortPromptEmpty verifies prompts below the minimum length
// return an empty result without scanning.
func TestRetrieve_ShortPromptEmpty(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())

	result := engine.Retrieve("fix db", retrievalPool(t), freshState(t))
	assert.Empty(t, result.PainMemories)
	assert.Empty(t, result.WinMemories)
	assert.Empty(t, result.InjectionText)
}

// TestRetrieve_TagMatch verifies exact tag hits surface the pain with its
// paired win and report the surfaced ids.
func TestRetrieve_TagMatch(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())

	result := engine.Retrieve("planning the next database migration for checkout", retrievalPool(t), freshState(t))

	require.Len(t, result.PainMemories, 1)
	assert.Equal(t, "mem_pain", result.PainMemories[0].Memory.ID)
	require.NotEmpty(t, result.WinMemories)
	assert.Equal(t, "mem_win", result.WinMemories[0].Memory.ID)
	assert.ElementsMatch(t, []string{"database", "migration"}, result.MatchedTags)
	assert.Contains(t, result.SurfacedIDs, "mem_pain")
	assert.Contains(t, result.SurfacedIDs, "mem_win")
}

// TestRetrieve_SeverityAmplifies verifies a high-severity pain outscores a
// low-severity one on the same tag hit.
func TestRetrieve_SeverityAmplifies(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())
	state := freshState(t)

	high := makeMemory(t, "mem_high", TypePain, "Credential leak in logs", "Tokens were printed", []string{"logging"})
	high.Severity = SeverityHigh
	low := makeMemory(t, "mem_low", TypePain, "Log rotation misconfigured", "Files grew unbounded", []string{"logging"})
	low.Severity = SeverityLow

	result := engine.Retrieve("cleaning up the logging pipeline output", []Memory{high, low}, state)
	require.Len(t, result.PainMemories, 2)
	assert.Equal(t, "mem_high", result.PainMemories[0].Memory.ID)
	assert.Greater(t, result.PainMemories[0].Score, result.PainMemories[1].Score)
}

// TestRetrieve_SupersededExcluded verifies superseded memories never surface.
func TestRetrieve_SupersededExcluded(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())
	pool := retrievalPool(t)
	pool[0].SupersededBy = "mem_new"

	result := engine.Retrieve("planning the next database migration for checkout", pool, freshState(t))
	for _, sm := range result.PainMemories {
		assert.NotEqual(t, "mem_pain", sm.Memory.ID)
	}
}

// TestRetrieve_TraceStrengthBoosts verifies a traced memory outscores an
// untraced identical one.
func TestRetrieve_TraceStrengthBoosts(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())
	state := freshState(t)
	state.MemoryTraces["mem_a"] = brain.Trace{Count: 4, SynapticStrength: 2.0}

	a := makeMemory(t, "mem_a", TypePain, "Flaky auth test", "Token fixture expires", []string{"auth"})
	b := makeMemory(t, "mem_b", TypePain, "Auth header dropped by proxy", "Proxy strips custom headers", []string{"auth"})

	result := engine.Retrieve("debugging the auth handshake failures", []Memory{a, b}, state)
	require.Len(t, result.PainMemories, 2)
	assert.Equal(t, "mem_a", result.PainMemories[0].Memory.ID)
	assert.InDelta(t, 2.0, result.PainMemories[0].Score/result.PainMemories[1].Score, 1e-9)
}

// TestRetrieve_FuzzyFallback verifies longer prompt words substring-match
// tags when no exact tag hits.
func TestRetrieve_FuzzyFallback(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())

	mem := makeMemory(t, "mem_1", TypePain, "Deploy rollback left stale pods", "Old replica set kept serving", []string{"deploy"})

	result := engine.Retrieve("why did yesterday's deployment leave stale pods around", []Memory{mem}, freshState(t))
	require.Len(t, result.PainMemories, 1)
	assert.Equal(t, "mem_1", result.PainMemories[0].Memory.ID)
}

// TestRetrieve_AttentionFilter verifies security-leaning prompts set the filter.
func TestRetrieve_AttentionFilter(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())

	result := engine.Retrieve("rotate the auth token and check the credential store", retrievalPool(t), freshState(t))
	assert.Equal(t, "security", result.AttentionFilter)
}

// TestRetrieve_HotTags verifies tags past the session firing threshold are
// reported and rendered.
func TestRetrieve_HotTags(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())
	state := freshState(t)
	state.FiringFrequency["database"] = 3

	result := engine.Retrieve("planning the next database migration for checkout", retrievalPool(t), state)
	assert.Contains(t, result.HotTags, "database")
	assert.Contains(t, result.InjectionText, "Recurring this session")
}

// TestRetrieve_LearnedVocabulary verifies a cortex-learned word surfaces
// memories by its associated tag.
func TestRetrieve_LearnedVocabulary(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())
	engine.SetVocabulary(map[string][]string{"checkout": {"database"}})

	result := engine.Retrieve("something is wrong with checkout again", retrievalPool(t), freshState(t))
	require.NotEmpty(t, result.PainMemories)
	assert.Equal(t, "mem_pain", result.PainMemories[0].Memory.ID)
}

// TestRenderInjection_Format verifies the injection block format and rule lines.
func TestRenderInjection_Format(t *testing.T) {
	engine := NewEngine(DefaultRetrievalConfig())

	result := engine.Retrieve("planning the next database migration for checkout", retrievalPool(t), freshState(t))
	require.NotEmpty(t, result.InjectionText)

	assert.True(t, strings.HasPrefix(result.InjectionText, "## Relevant memories\n"))
	assert.Contains(t, result.InjectionText, "- PAIN [high] Migration deadlocked the users table")
	assert.Contains(t, result.InjectionText, "Rule: Run migrations with lock_timeout set")
	assert.Contains(t, result.InjectionText, "- WIN lock_timeout made migrations fail fast")
}

// TestRenderInjection_Bounded verifies the block truncates at a line
// boundary under the configured cap.
func TestRenderInjection_Bounded(t *testing.T) {
	cfg := DefaultRetrievalConfig()
	cfg.MaxInjectionChars = 120
	engine := NewEngine(cfg)

	result := engine.Retrieve("planning the next database migration for checkout", retrievalPool(t), freshState(t))
	assert.LessOrEqual(t, len(result.InjectionText), 120)
	assert.True(t, strings.HasSuffix(result.InjectionText, "\n"))
}
