// Package session composes the memory core pieces in the causal order the
// orchestration loop needs: gate acceptance before link attachment, brain
// updates after retrieval, checkpoint persistence, and the end-of-session
// consolidation pass. The core packages stay pure; this is the only place
// that sequences their mutations against the store.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/config"
	"github.com/normanking/engram/internal/learning"
	"github.com/normanking/engram/internal/memory"
	"github.com/normanking/engram/internal/reflection"
	"github.com/normanking/engram/internal/store"
	"github.com/normanking/engram/internal/surprise"
)

// Session drives one agent session against the persisted documents.
type Session struct {
	cfg    *config.Config
	store  *store.Store
	state  *brain.State
	gate   *memory.Gate
	engine *memory.Engine
}

// Start loads the prior brain state, decays its cross-session counters,
// resets the session-local ones, and persists the fresh state.
func Start(cfg *config.Config, st *store.Store) (*Session, error) {
	prior, err := st.LoadBrainState()
	if err != nil {
		return nil, fmt.Errorf("failed to load brain state: %w", err)
	}

	state := brain.Init(prior, cfg.Brain, time.Now())
	if err := st.SaveBrainState(state); err != nil {
		return nil, fmt.Errorf("failed to persist session brain state: %w", err)
	}

	engine := memory.NewEngine(cfg.Retrieval)

	// Learned vocabulary feeds retrieval: words the cortex learner has
	// associated with tags widen prompt matching for the whole session.
	learned, err := st.LoadLearned()
	if err != nil {
		return nil, fmt.Errorf("failed to load learned knowledge: %w", err)
	}
	cortex := learning.NewCortexLearner(cfg.Cortex, learned.CortexEntries)
	engine.SetVocabulary(cortex.MergeIntoBase(nil))

	log.Info().
		Int("carried_traces", len(state.MemoryTraces)).
		Msg("session started")

	return &Session{
		cfg:    cfg,
		store:  st,
		state:  state,
		gate:   memory.NewGate(cfg.Gate),
		engine: engine,
	}, nil
}

// State exposes the live brain state (read-mostly; mutate via Turn/Checkpoint).
func (s *Session) State() *brain.State {
	return s.state
}

// errNoChange aborts a store update from inside the closure so an operation
// that stores nothing never rewrites the shared document.
var errNoChange = errors.New("no document change")

// Remember runs a candidate through the quality gate and, on acceptance,
// attaches links and persists the grown pool. The store is re-read inside
// the update so concurrent external edits are never clobbered; rejections
// leave the document untouched.
func (s *Session) Remember(candidate *memory.Candidate, autoResolve bool) (memory.GateDecision, error) {
	var decision memory.GateDecision

	_, err := s.store.UpdateMemories(func(pool []memory.Memory) ([]memory.Memory, error) {
		now := time.Now()
		decision = s.gate.Run(candidate, pool, memory.GateOptions{AutoResolve: autoResolve, Now: now})
		if decision.Action == memory.GateReject {
			return nil, errNoChange
		}

		memory.AttachLinks(decision.Memory, pool, s.cfg.Links, now)
		return append(pool, *decision.Memory), nil
	})
	if errors.Is(err, errNoChange) {
		return decision, nil
	}
	if err != nil {
		return decision, fmt.Errorf("failed to store memory: %w", err)
	}

	s.state.RecordSignificantEvent()
	return decision, nil
}

// Turn is the per-prompt call: tick the message counter, retrieve against a
// fresh pool snapshot, feed the surfaced tags and ids back into the brain
// counters, and checkpoint when the cadence lands.
func (s *Session) Turn(prompt string) (memory.RetrievalResult, error) {
	pool, err := s.store.LoadMemories()
	if err != nil {
		return memory.RetrievalResult{}, fmt.Errorf("failed to load memories: %w", err)
	}

	s.state.TickMessageCount(s.cfg.Brain)
	result := s.engine.Retrieve(prompt, pool, s.state)

	now := time.Now()
	s.state.RecordSynapticActivity(result.MatchedTags, now)
	s.state.RecordMemoryTraces(result.SurfacedIDs, now)

	if len(result.SurfacedIDs) > 0 {
		surfaced := memory.TokenSet(result.SurfacedIDs)
		if _, err := s.store.UpdateMemories(func(pool []memory.Memory) ([]memory.Memory, error) {
			for i := range pool {
				if surfaced[pool[i].ID] {
					pool[i].Touch(now)
				}
			}
			return pool, nil
		}); err != nil {
			return result, fmt.Errorf("failed to record memory access: %w", err)
		}
	}

	if len(result.MatchedTags) > 0 {
		if err := s.observeVocabularyGaps(prompt, result.MatchedTags, now); err != nil {
			return result, err
		}
	}

	if brain.ShouldCheckpoint(s.state, s.cfg.Brain) {
		if err := s.Checkpoint(); err != nil {
			return result, err
		}
	}

	return result, nil
}

// observeVocabularyGaps feeds prompt keywords that are not themselves tags
// into the cortex learner, associated with the tags the turn surfaced.
// Repeated co-occurrence grows into a learned word-to-tag mapping.
func (s *Session) observeVocabularyGaps(prompt string, matchedTags []string, now time.Time) error {
	matched := memory.TokenSet(matchedTags)
	var gaps []string
	for _, word := range memory.Keywords(prompt) {
		if !matched[word] {
			gaps = append(gaps, word)
		}
	}
	if len(gaps) == 0 {
		return nil
	}

	learned, err := s.store.LoadLearned()
	if err != nil {
		return fmt.Errorf("failed to load learned knowledge: %w", err)
	}

	learner := learning.NewCortexLearner(s.cfg.Cortex, learned.CortexEntries)
	for _, word := range gaps {
		learner.ObserveGap(word, matchedTags, now)
	}

	learned.CortexEntries = learner.Entries()
	if err := s.store.SaveLearned(learned); err != nil {
		return fmt.Errorf("failed to persist learned knowledge: %w", err)
	}
	return nil
}

// ProcessEvent runs the prediction-error pipeline on a workspace event:
// update expectations, decide capture, and materialize a surprise memory
// through the quality gate when warranted.
func (s *Session) ProcessEvent(event surprise.Event) (surprise.CaptureDecision, error) {
	model, err := s.store.LoadExpectations()
	if err != nil {
		return surprise.CaptureDecision{}, fmt.Errorf("failed to load expectation model: %w", err)
	}

	pool, err := s.store.LoadMemories()
	if err != nil {
		return surprise.CaptureDecision{}, fmt.Errorf("failed to load memories: %w", err)
	}

	now := time.Now()
	decision := surprise.ShouldAutoCapture(event, model, s.state, pool, s.cfg.Surprise, now)

	surprise.UpdateExpectations(model, event, now)
	surprise.Prune(model, s.cfg.Surprise, now)
	if err := s.store.SaveExpectations(model); err != nil {
		return decision, fmt.Errorf("failed to persist expectation model: %w", err)
	}

	if !decision.Capture {
		return decision, nil
	}

	candidate, predictionError := surprise.NewSurpriseMemory(event, decision)
	gateDecision, err := s.Remember(candidate, false)
	if err != nil {
		return decision, err
	}

	if gateDecision.Action != memory.GateReject && gateDecision.Memory != nil {
		id := gateDecision.Memory.ID
		if _, err := s.store.UpdateMemories(func(pool []memory.Memory) ([]memory.Memory, error) {
			for i := range pool {
				if pool[i].ID == id {
					pe := predictionError
					pool[i].PredictionError = &pe
					pool[i].SynapticStrength = 1.0 + decision.EncodingStrength
				}
			}
			return pool, nil
		}); err != nil {
			return decision, fmt.Errorf("failed to record prediction error: %w", err)
		}
	}

	return decision, nil
}

// Checkpoint consolidates session activity into persisted strength changes:
// plasticity boost for active traces, decay for everything, and the boosted
// strengths written through to the memory pool.
func (s *Session) Checkpoint() error {
	boosted := s.state.Checkpoint(s.cfg.Brain)

	if len(boosted) > 0 {
		boostedSet := memory.TokenSet(boosted)
		if _, err := s.store.UpdateMemories(func(pool []memory.Memory) ([]memory.Memory, error) {
			for i := range pool {
				if boostedSet[pool[i].ID] {
					pool[i].SynapticStrength = s.state.StrengthFor(pool[i].ID)
				}
			}
			return pool, nil
		}); err != nil {
			return fmt.Errorf("failed to persist strength changes: %w", err)
		}
	}

	if err := s.store.SaveBrainState(s.state); err != nil {
		return fmt.Errorf("failed to persist brain state: %w", err)
	}

	log.Debug().Int("boosted", len(boosted)).Msg("checkpoint complete")
	return nil
}

// MaybeReflect runs a reflection pass when the session has matured enough,
// feeding generated reflections back through the pool.
func (s *Session) MaybeReflect() ([]*memory.Memory, error) {
	if !reflection.ShouldReflect(s.state, s.cfg.Reflection) {
		return nil, nil
	}

	var reflections []*memory.Memory
	_, err := s.store.UpdateMemories(func(pool []memory.Memory) ([]memory.Memory, error) {
		reflections = reflection.Reflect(pool, time.Now())
		if len(reflections) == 0 {
			return nil, errNoChange
		}
		for _, r := range reflections {
			pool = append(pool, *r)
		}
		return pool, nil
	})
	if err != nil && !errors.Is(err, errNoChange) {
		return nil, fmt.Errorf("failed to store reflections: %w", err)
	}

	s.state.SignificantEventsSinceCheckpoint = 0
	return reflections, nil
}

// End closes the session: final checkpoint, rule mining over the pool,
// expectation decay, learner pruning, and a last persistence pass.
func (s *Session) End() error {
	if err := s.Checkpoint(); err != nil {
		return err
	}

	now := time.Now()

	pool, err := s.store.LoadMemories()
	if err != nil {
		return fmt.Errorf("failed to load memories: %w", err)
	}

	learned, err := s.store.LoadLearned()
	if err != nil {
		return fmt.Errorf("failed to load learned knowledge: %w", err)
	}

	ruleLearner := learning.NewRuleLearner(s.cfg.Rules, learned.Rules)
	ruleLearner.Mine(pool, now)
	ruleLearner.Prune(now)

	cortexLearner := learning.NewCortexLearner(s.cfg.Cortex, learned.CortexEntries)
	cortexLearner.Prune(now)

	learned.Rules = ruleLearner.Rules()
	learned.CortexEntries = cortexLearner.Entries()
	if err := s.store.SaveLearned(learned); err != nil {
		return fmt.Errorf("failed to persist learned knowledge: %w", err)
	}

	model, err := s.store.LoadExpectations()
	if err != nil {
		return fmt.Errorf("failed to load expectation model: %w", err)
	}
	surprise.Decay(model, s.cfg.Surprise, now)
	if err := s.store.SaveExpectations(model); err != nil {
		return fmt.Errorf("failed to persist expectation model: %w", err)
	}

	log.Info().Int("messages", s.state.MessageCount).Msg("session ended")
	return nil
}
