package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/engram/internal/config"
	"github.com/normanking/engram/internal/memory"
	"github.com/normanking/engram/internal/store"
	"github.com/normanking/engram/internal/surprise"
)

// setupSession starts a session over a temp-directory store.
func setupSession(t *testing.T) (*Session, *store.Store) {
	t.Helper()
	cfg := config.Default()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	sess, err := Start(cfg, st)
	require.NoError(t, err)
	return sess, st
}

func painCandidate(title string) *memory.Candidate {
	return &memory.Candidate{
		Type:    memory.TypePain,
		Title:   title,
		Content: "The migration took an exclusive lock on the users table and blocked every checkout request until it finished.",
		Rule:    "Run schema migrations with lock_timeout set",
		Tags:    []string{"database", "migration"},
	}
}

// TestStart_PersistsFreshState verifies Start writes the initialized brain
// state so a crash before the first checkpoint still leaves a document.
func TestStart_PersistsFreshState(t *testing.T) {
	sess, st := setupSession(t)

	assert.Equal(t, 0, sess.State().MessageCount)

	persisted, err := st.LoadBrainState()
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, 0, persisted.MessageCount)
}

// TestRemember_StoresAndLinks verifies acceptance persists the memory with
// links against the existing pool.
func TestRemember_StoresAndLinks(t *testing.T) {
	sess, st := setupSession(t)

	first, err := sess.Remember(painCandidate("Migration locked the users table"), false)
	require.NoError(t, err)
	require.Equal(t, memory.GateAccept, first.Action)

	second := painCandidate("Index build stalled on the orders table")
	second.Content = "Adding the orders index without CONCURRENTLY held a write lock for eleven minutes during peak traffic."
	decision, err := sess.Remember(second, false)
	require.NoError(t, err)
	require.Equal(t, memory.GateAccept, decision.Action)
	assert.NotEmpty(t, decision.Memory.Links)

	pool, err := st.LoadMemories()
	require.NoError(t, err)
	assert.Len(t, pool, 2)
}

// TestRemember_RejectionLeavesPoolUntouched verifies rejected candidates are
// not persisted.
func TestRemember_RejectionLeavesPoolUntouched(t *testing.T) {
	sess, st := setupSession(t)

	decision, err := sess.Remember(&memory.Candidate{Type: memory.TypePain, Title: "Bug"}, false)
	require.NoError(t, err)
	assert.Equal(t, memory.GateReject, decision.Action)

	pool, err := st.LoadMemories()
	require.NoError(t, err)
	assert.Empty(t, pool)

	// Rejection short-circuits before the write: the document is never
	// created, let alone rewritten.
	assert.NoFileExists(t, filepath.Join(st.Dir(), "memories.json"))
}

// TestRemember_RejectionDoesNotRewriteDocument verifies a rejection after a
// prior accept leaves the stored document byte-identical.
func TestRemember_RejectionDoesNotRewriteDocument(t *testing.T) {
	sess, st := setupSession(t)

	_, err := sess.Remember(painCandidate("Migration locked the users table"), false)
	require.NoError(t, err)

	path := filepath.Join(st.Dir(), "memories.json")
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	decision, err := sess.Remember(&memory.Candidate{Type: memory.TypePain, Title: "Bug"}, false)
	require.NoError(t, err)
	require.Equal(t, memory.GateReject, decision.Action)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestTurn_SurfacesAndTicks verifies a turn retrieves against the pool,
// advances the message counter, and records access on surfaced memories.
func TestTurn_SurfacesAndTicks(t *testing.T) {
	sess, st := setupSession(t)

	_, err := sess.Remember(painCandidate("Migration locked the users table"), false)
	require.NoError(t, err)

	result, err := sess.Turn("planning the next database migration for checkout")
	require.NoError(t, err)

	assert.Equal(t, 1, sess.State().MessageCount)
	require.NotEmpty(t, result.SurfacedIDs)
	assert.Contains(t, result.MatchedTags, "database")

	pool, err := st.LoadMemories()
	require.NoError(t, err)
	assert.Equal(t, 1, pool[0].AccessCount)
}

// TestTurn_LearnsVocabularyGaps verifies prompt words that are not tags get
// observed as word-to-tag associations when the turn surfaces memories.
func TestTurn_LearnsVocabularyGaps(t *testing.T) {
	sess, st := setupSession(t)

	_, err := sess.Remember(painCandidate("Migration locked the users table"), false)
	require.NoError(t, err)

	_, err = sess.Turn("investigating the checkout slowdown after the database migration")
	require.NoError(t, err)

	learned, err := st.LoadLearned()
	require.NoError(t, err)
	require.NotEmpty(t, learned.CortexEntries)

	words := make(map[string]bool)
	for _, entry := range learned.CortexEntries {
		words[entry.Word] = true
	}
	assert.True(t, words["checkout"])
	assert.False(t, words["database"], "matched tags are not gaps")
}

// TestProcessEvent_CapturesHighSeverity verifies a high-severity event is
// captured and lands in the pool with its prediction error recorded.
func TestProcessEvent_CapturesHighSeverity(t *testing.T) {
	sess, st := setupSession(t)

	decision, err := sess.ProcessEvent(surprise.Event{
		Category:    "build",
		Subcategory: "compile",
		ErrorClass:  "type-error",
		Valence:     surprise.ValenceNegative,
		Severity:    memory.SeverityHigh,
		Description: "Build broke after the payments interface changed shape without a version bump",
		Tags:        []string{"build", "payments"},
	})
	require.NoError(t, err)
	assert.True(t, decision.Capture)

	pool, err := st.LoadMemories()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Equal(t, memory.TypePain, pool[0].Type)
	require.NotNil(t, pool[0].PredictionError)
	assert.Greater(t, pool[0].SynapticStrength, 1.0)

	model, err := st.LoadExpectations()
	require.NoError(t, err)
	assert.Equal(t, 1.0, model.TotalEvents)
}

// TestCheckpoint_PersistsStrengths verifies checkpoint writes boosted trace
// strengths through to the stored memories.
func TestCheckpoint_PersistsStrengths(t *testing.T) {
	sess, st := setupSession(t)

	decision, err := sess.Remember(painCandidate("Migration locked the users table"), false)
	require.NoError(t, err)
	id := decision.Memory.ID

	sess.State().RecordMemoryTraces([]string{id}, time.Now())
	require.NoError(t, sess.Checkpoint())

	pool, err := st.LoadMemories()
	require.NoError(t, err)
	require.Len(t, pool, 1)
	assert.Greater(t, pool[0].SynapticStrength, 1.0)

	persisted, err := st.LoadBrainState()
	require.NoError(t, err)
	assert.InDelta(t, pool[0].SynapticStrength, persisted.MemoryTraces[id].SynapticStrength, 1e-9)
}

// TestEnd_MinesRules verifies ending a session mines rules from a pool with
// a recurring pain pattern.
func TestEnd_MinesRules(t *testing.T) {
	sess, st := setupSession(t)

	titles := []string{
		"Migration locked the users table",
		"Orders index backfill blocked writes during deploy",
		"Volatile column default stalled logins",
	}
	contents := []string{
		"The users migration held an exclusive lock and checkout requests queued up behind it for minutes.",
		"The orders migration rewrote the whole table in place and every insert waited on the lock.",
		"The sessions migration added a column with a volatile default and blocked logins while it backfilled.",
	}
	for i, title := range titles {
		c := painCandidate(title)
		c.Content = contents[i]
		decision, err := sess.Remember(c, false)
		require.NoError(t, err)
		require.Equal(t, memory.GateAccept, decision.Action)
	}

	require.NoError(t, sess.End())

	learned, err := st.LoadLearned()
	require.NoError(t, err)
	assert.NotEmpty(t, learned.Rules)
}

// TestMaybeReflect_RepeatPassAddsNothing verifies reflection passes are
// idempotent over an unchanged pool: the second pass stores no duplicate
// reflections and every stored fingerprint appears exactly once.
func TestMaybeReflect_RepeatPassAddsNothing(t *testing.T) {
	sess, st := setupSession(t)

	titles := []string{
		"Migration locked the users table",
		"Orders index backfill blocked writes during deploy",
		"Volatile column default stalled logins",
	}
	for _, title := range titles {
		decision, err := sess.Remember(painCandidate(title), false)
		require.NoError(t, err)
		require.Equal(t, memory.GateAccept, decision.Action)
	}

	sess.State().MessageCount = 9
	sess.State().SignificantEventsSinceCheckpoint = 3

	first, err := sess.MaybeReflect()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	sess.State().MessageCount = 9
	sess.State().SignificantEventsSinceCheckpoint = 3

	second, err := sess.MaybeReflect()
	require.NoError(t, err)
	assert.Empty(t, second)

	pool, err := st.LoadMemories()
	require.NoError(t, err)

	byFingerprint := make(map[string]int)
	reflectionCount := 0
	for _, m := range pool {
		if m.Type == memory.TypeReflection {
			reflectionCount++
			byFingerprint[m.Fingerprint]++
		}
	}
	assert.Equal(t, len(first), reflectionCount)
	for fp, n := range byFingerprint {
		assert.Equal(t, 1, n, "fingerprint %s stored more than once", fp)
	}
}
