// Package brain tracks session-scoped and cross-session activity for the
// memory core: message phases, tag firing frequency, per-memory traces, and
// the checkpoint cycle that consolidates activity into persisted synaptic
// strength changes.
package brain

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Phase describes how far into a session the conversation is.
type Phase string

const (
	PhaseEarly Phase = "early"
	PhaseMid   Phase = "mid"
	PhaseLate  Phase = "late"
)

// Config tunes phase boundaries, checkpoint cadence, and decay.
type Config struct {
	// EarlyPhaseMax is the last message count still considered early.
	EarlyPhaseMax int `mapstructure:"early_phase_max" yaml:"early_phase_max"`
	// MidPhaseMax is the last message count still considered mid.
	MidPhaseMax int `mapstructure:"mid_phase_max" yaml:"mid_phase_max"`
	// CheckpointIntervalEarly is the checkpoint interval in early/mid phase.
	CheckpointIntervalEarly int `mapstructure:"checkpoint_interval_early" yaml:"checkpoint_interval_early"`
	// CheckpointIntervalLate is the checkpoint interval in late phase.
	CheckpointIntervalLate int `mapstructure:"checkpoint_interval_late" yaml:"checkpoint_interval_late"`
	// PlasticityBoost is added to each active trace at a checkpoint.
	PlasticityBoost float64 `mapstructure:"plasticity_boost" yaml:"plasticity_boost"`
	// DecayStep is the fraction of remaining distance each decay moves a
	// strength back toward baseline.
	DecayStep float64 `mapstructure:"decay_step" yaml:"decay_step"`
	// SessionDecay scales cross-session counters at session start.
	SessionDecay float64 `mapstructure:"session_decay" yaml:"session_decay"`
	// MaxStrength caps synaptic strength so repeated boosts saturate.
	MaxStrength float64 `mapstructure:"max_strength" yaml:"max_strength"`
}

// DefaultConfig returns the default brain tuning.
func DefaultConfig() Config {
	return Config{
		EarlyPhaseMax:           10,
		MidPhaseMax:             25,
		CheckpointIntervalEarly: 9,
		CheckpointIntervalLate:  12,
		PlasticityBoost:         0.1,
		DecayStep:               0.1,
		SessionDecay:            0.7,
		MaxStrength:             3.0,
	}
}

// Baseline is the resting synaptic strength every trace decays toward.
const Baseline = 1.0

// TagActivity is the cross-session firing record for one tag.
type TagActivity struct {
	Count   int       `json:"count"`
	LastHit time.Time `json:"lastHit"`
}

// Trace is the cross-session access record for one memory. It references
// the memory by id only; it never holds the memory itself, so an archived
// memory cannot leave a dangling pointer here.
type Trace struct {
	Count            int       `json:"count"`
	LastAccessed     time.Time `json:"lastAccessed"`
	SynapticStrength float64   `json:"synapticStrength"`
}

// State is the brain-state document: session-local counters plus the
// cross-session activity that survives between sessions.
type State struct {
	SessionStart time.Time `json:"sessionStart"`
	MessageCount int       `json:"messageCount"`
	ContextPhase Phase     `json:"contextPhase"`

	// Cross-session, decayed at session start.
	SynapticActivity map[string]TagActivity `json:"synapticActivity"`
	MemoryTraces     map[string]Trace       `json:"memoryTraces"`

	// Session-local, reset at session start.
	FiringFrequency                  map[string]int  `json:"firingFrequency"`
	ActiveTraces                     map[string]bool `json:"activeTraces"`
	SignificantEventsSinceCheckpoint int             `json:"significantEventsSinceCheckpoint"`
}

// Init builds the session brain state from the persisted prior state.
// Cross-session activity decays toward baseline and session-local counters
// reset. A nil prior yields a fresh state.
func Init(prior *State, cfg Config, now time.Time) *State {
	state := &State{
		SessionStart:     now,
		ContextPhase:     PhaseEarly,
		SynapticActivity: make(map[string]TagActivity),
		MemoryTraces:     make(map[string]Trace),
		FiringFrequency:  make(map[string]int),
		ActiveTraces:     make(map[string]bool),
	}

	if prior == nil {
		return state
	}

	for tag, activity := range prior.SynapticActivity {
		decayed := int(float64(activity.Count) * cfg.SessionDecay)
		if decayed <= 0 {
			continue
		}
		state.SynapticActivity[tag] = TagActivity{Count: decayed, LastHit: activity.LastHit}
	}

	for id, trace := range prior.MemoryTraces {
		trace.SynapticStrength = decayToward(trace.SynapticStrength, cfg.DecayStep)
		state.MemoryTraces[id] = trace
	}

	log.Debug().
		Int("tags_carried", len(state.SynapticActivity)).
		Int("traces_carried", len(state.MemoryTraces)).
		Msg("brain state initialized from prior session")

	return state
}

// decayToward moves strength one step of the remaining distance toward
// baseline. It approaches 1.0 asymptotically from either side and never
// overshoots.
func decayToward(strength, step float64) float64 {
	return strength + (Baseline-strength)*step
}

// TickMessageCount advances the message counter and recomputes the phase.
func (s *State) TickMessageCount(cfg Config) {
	s.MessageCount++
	s.ContextPhase = phaseFor(s.MessageCount, cfg)
}

func phaseFor(messageCount int, cfg Config) Phase {
	switch {
	case messageCount <= cfg.EarlyPhaseMax:
		return PhaseEarly
	case messageCount <= cfg.MidPhaseMax:
		return PhaseMid
	default:
		return PhaseLate
	}
}

// RecordSynapticActivity increments firing counts for tags surfaced by a
// retrieval. Both the session-local firing frequency and the cross-session
// activity advance.
func (s *State) RecordSynapticActivity(tags []string, now time.Time) {
	for _, tag := range tags {
		s.FiringFrequency[tag]++
		activity := s.SynapticActivity[tag]
		activity.Count++
		activity.LastHit = now
		s.SynapticActivity[tag] = activity
	}
}

// RecordMemoryTraces marks memories as accessed this session. Traces are
// keyed by memory id; the authoritative memory lives in the pool.
func (s *State) RecordMemoryTraces(ids []string, now time.Time) {
	for _, id := range ids {
		trace, ok := s.MemoryTraces[id]
		if !ok {
			trace = Trace{SynapticStrength: Baseline}
		}
		trace.Count++
		trace.LastAccessed = now
		s.MemoryTraces[id] = trace
		s.ActiveTraces[id] = true
	}
}

// RecordSignificantEvent bumps the counter that gates reflection.
func (s *State) RecordSignificantEvent() {
	s.SignificantEventsSinceCheckpoint++
}

// ShouldCheckpoint reports whether the current message count lands on a
// checkpoint boundary. Checkpoints come sooner early in a session, when
// activity is densest, and stretch out later.
func ShouldCheckpoint(s *State, cfg Config) bool {
	if s.MessageCount == 0 {
		return false
	}
	interval := cfg.CheckpointIntervalEarly
	if s.ContextPhase == PhaseLate {
		interval = cfg.CheckpointIntervalLate
	}
	return s.MessageCount%interval == 0
}

// ApplySynapticPlasticity adds the boost to every trace active this session
// and returns the boosted memory ids. Memories that fire together in one
// session wire together.
func (s *State) ApplySynapticPlasticity(cfg Config) []string {
	boost := cfg.PlasticityBoost
	if boost <= 0 {
		boost = DefaultConfig().PlasticityBoost
	}

	var boosted []string
	for id := range s.ActiveTraces {
		trace, ok := s.MemoryTraces[id]
		if !ok {
			continue
		}
		trace.SynapticStrength += boost
		if trace.SynapticStrength > cfg.MaxStrength {
			trace.SynapticStrength = cfg.MaxStrength
		}
		s.MemoryTraces[id] = trace
		boosted = append(boosted, id)
	}

	if len(boosted) > 0 {
		log.Debug().Int("traces_boosted", len(boosted)).Msg("synaptic plasticity applied")
	}

	return boosted
}

// ApplyDecay moves every trace a decay step back toward baseline.
func (s *State) ApplyDecay(cfg Config) {
	step := cfg.DecayStep
	if step <= 0 {
		step = DefaultConfig().DecayStep
	}
	for id, trace := range s.MemoryTraces {
		trace.SynapticStrength = decayToward(trace.SynapticStrength, step)
		s.MemoryTraces[id] = trace
	}
}

// Checkpoint consolidates the session's activity: plasticity boost for
// active traces, then global decay, then the significant-event counter
// resets. Returns the boosted ids so callers can persist strength changes
// onto the memory pool.
func (s *State) Checkpoint(cfg Config) []string {
	boosted := s.ApplySynapticPlasticity(cfg)
	s.ApplyDecay(cfg)
	s.SignificantEventsSinceCheckpoint = 0
	return boosted
}

// StrengthFor looks up the traced strength for a memory id, falling back to
// baseline for untraced memories.
func (s *State) StrengthFor(id string) float64 {
	if s == nil {
		return Baseline
	}
	if trace, ok := s.MemoryTraces[id]; ok && trace.SynapticStrength > 0 {
		return trace.SynapticStrength
	}
	return Baseline
}
