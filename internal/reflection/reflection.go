// Package reflection generates higher-order observations over the memory
// pool: recurring failures, contradictions, knowledge gaps, strengths, and
// surprise records from prediction/outcome mismatches. Reflections are
// memory-shaped so they flow back through the same pool they summarize.
package reflection

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/memory"
)

// Config tunes reflection gating.
type Config struct {
	// MinSessionMessages is the session length before any reflection fires.
	MinSessionMessages int `mapstructure:"min_session_messages" yaml:"min_session_messages"`
	// Interval is the message-count cadence for reflection checks.
	Interval int `mapstructure:"interval" yaml:"interval"`
	// MinSignificantEvents must have accumulated since the last checkpoint.
	MinSignificantEvents int `mapstructure:"min_significant_events" yaml:"min_significant_events"`
	// FloodFactor: events beyond MinSignificantEvents*FloodFactor reflect
	// unconditionally (once past the session minimum).
	FloodFactor int `mapstructure:"flood_factor" yaml:"flood_factor"`
}

// DefaultConfig returns the default reflection gating.
func DefaultConfig() Config {
	return Config{
		MinSessionMessages:   6,
		Interval:             9,
		MinSignificantEvents: 3,
		FloodFactor:          3,
	}
}

// ShouldReflect gates reflection on session maturity and accumulated
// activity: never before the minimum session length; then either the
// interval lands with enough significant events, or events flooded far past
// the minimum. Late in a session the interval doubles so reflection fires
// less often.
func ShouldReflect(state *brain.State, cfg Config) bool {
	if state == nil || state.MessageCount < cfg.MinSessionMessages {
		return false
	}

	if state.SignificantEventsSinceCheckpoint >= cfg.MinSignificantEvents*cfg.FloodFactor {
		return true
	}

	interval := cfg.Interval
	if state.ContextPhase == brain.PhaseLate {
		interval *= 2
	}

	return state.MessageCount%interval == 0 &&
		state.SignificantEventsSinceCheckpoint >= cfg.MinSignificantEvents
}

// ObservationKind classifies a meta-observation.
type ObservationKind string

const (
	ObservationRecurringFailure ObservationKind = "recurring-failure"
	ObservationContradiction    ObservationKind = "contradiction"
	ObservationKnowledgeGap     ObservationKind = "knowledge-gap"
	ObservationStrength         ObservationKind = "strength"
)

// MetaObservation is one detected cross-memory pattern.
type MetaObservation struct {
	Kind        ObservationKind `json:"kind"`
	Tag         string          `json:"tag"`
	Description string          `json:"description"`
	Confidence  float64         `json:"confidence"`
	MemoryIDs   []string        `json:"memoryIds"`
}

// GenerateMetaObservations scans the pool per tag: many pains on a tag is a
// recurring failure, a pain/win mix is a contradiction worth reconciling,
// pains with no wins is a knowledge gap, wins with no pains is a strength.
// Results are sorted by confidence descending.
func GenerateMetaObservations(memories []memory.Memory) []MetaObservation {
	type tagGroup struct {
		pains []string
		wins  []string
	}
	groups := make(map[string]*tagGroup)

	for i := range memories {
		mem := &memories[i]
		if mem.IsSuperseded() {
			continue
		}
		for _, tag := range mem.Tags {
			group, ok := groups[tag]
			if !ok {
				group = &tagGroup{}
				groups[tag] = group
			}
			switch mem.Type {
			case memory.TypePain:
				group.pains = append(group.pains, mem.ID)
			case memory.TypeWin:
				group.wins = append(group.wins, mem.ID)
			}
		}
	}

	var observations []MetaObservation
	for tag, group := range groups {
		pains, wins := len(group.pains), len(group.wins)

		switch {
		case pains >= 3:
			observations = append(observations, MetaObservation{
				Kind:        ObservationRecurringFailure,
				Tag:         tag,
				Description: fmt.Sprintf("%d failures recorded around %q", pains, tag),
				Confidence:  memory.Clamp01(float64(pains) / 5.0),
				MemoryIDs:   group.pains,
			})
		case pains > 0 && wins > 0:
			observations = append(observations, MetaObservation{
				Kind:        ObservationContradiction,
				Tag:         tag,
				Description: fmt.Sprintf("both failures and successes recorded around %q; understanding is evolving", tag),
				Confidence:  memory.Clamp01(0.4 + 0.1*float64(pains+wins)),
				MemoryIDs:   append(append([]string{}, group.pains...), group.wins...),
			})
		case pains >= 2 && wins == 0:
			observations = append(observations, MetaObservation{
				Kind:        ObservationKnowledgeGap,
				Tag:         tag,
				Description: fmt.Sprintf("failures around %q with no recorded way out", tag),
				Confidence:  memory.Clamp01(0.3 + 0.15*float64(pains)),
				MemoryIDs:   group.pains,
			})
		case wins >= 2 && pains == 0:
			observations = append(observations, MetaObservation{
				Kind:        ObservationStrength,
				Tag:         tag,
				Description: fmt.Sprintf("consistent successes around %q", tag),
				Confidence:  memory.Clamp01(0.3 + 0.15*float64(wins)),
				MemoryIDs:   group.wins,
			})
		}
	}

	sort.SliceStable(observations, func(i, j int) bool {
		if observations[i].Confidence != observations[j].Confidence {
			return observations[i].Confidence > observations[j].Confidence
		}
		return observations[i].Tag < observations[j].Tag
	})

	log.Debug().Int("observations", len(observations)).Msg("meta-observations generated")
	return observations
}

// Prediction records what the system expected before acting.
type Prediction struct {
	Expected   string  `json:"expected"`
	Confidence float64 `json:"confidence"`
}

// DetectSurprise scores how far an actual outcome diverged from a
// prediction, in [0,1]. Divergence is keyword distance between expected and
// actual, amplified by the prediction's confidence: a confident prediction
// that missed is more surprising than an uncertain one.
func DetectSurprise(prediction Prediction, actualOutcome string) float64 {
	divergence := 1 - memory.OverlapRatio(memory.Keywords(prediction.Expected), memory.Keywords(actualOutcome))
	amplifier := 0.5 + 0.5*memory.Clamp01(prediction.Confidence)
	return memory.Clamp01(divergence * amplifier)
}

// ReflectionInput carries everything a reflection memory derives from.
type ReflectionInput struct {
	Content           string
	Lesson            string
	Tags              []string
	LinkedMemoryIDs   []string
	SurfacedMemoryIDs []string
}

// NewReflection builds a memory-shaped reflection record. Links derive from
// the linked memory ids and the rule from the supplied lesson.
func NewReflection(input ReflectionInput, now time.Time) *memory.Memory {
	links := make([]memory.Link, 0, len(input.LinkedMemoryIDs))
	for _, id := range input.LinkedMemoryIDs {
		links = append(links, memory.Link{
			TargetID:     id,
			Relationship: memory.LinkRelated,
			CreatedAt:    now,
		})
	}

	title := memory.ClipRunes(input.Content, 80)

	return &memory.Memory{
		ID:                "mem_" + uuid.New().String(),
		Type:              memory.TypeReflection,
		Title:             title,
		Content:           input.Content,
		Rule:              input.Lesson,
		Tags:              input.Tags,
		Severity:          memory.SeverityLow,
		SynapticStrength:  1.0,
		CreatedAt:         now,
		Fingerprint:       memory.ComputeFingerprint(title, input.Content),
		QualityScore:      memory.Clamp01(0.4 + 0.1*float64(len(input.LinkedMemoryIDs))),
		Links:             links,
		SurfacedMemoryIDs: input.SurfacedMemoryIDs,
	}
}

// Reflect runs a full reflection pass: meta-observations over the pool are
// turned into reflection memories linked to their evidence. Observations
// whose fingerprint already exists in the pool are skipped, so a pass over
// an unchanged pool stores nothing new.
func Reflect(memories []memory.Memory, now time.Time) []*memory.Memory {
	observations := GenerateMetaObservations(memories)

	stored := make(map[string]bool, len(memories))
	for i := range memories {
		if memories[i].Fingerprint != "" {
			stored[memories[i].Fingerprint] = true
		}
	}

	var reflections []*memory.Memory
	for _, obs := range observations {
		reflection := NewReflection(ReflectionInput{
			Content:         obs.Description,
			Lesson:          lessonFor(obs),
			Tags:            []string{obs.Tag},
			LinkedMemoryIDs: obs.MemoryIDs,
		}, now)

		if stored[reflection.Fingerprint] {
			continue
		}
		stored[reflection.Fingerprint] = true
		reflections = append(reflections, reflection)
	}

	return reflections
}

func lessonFor(obs MetaObservation) string {
	switch obs.Kind {
	case ObservationRecurringFailure:
		return fmt.Sprintf("Treat %q as a known hazard; check past failures before acting", obs.Tag)
	case ObservationContradiction:
		return fmt.Sprintf("Reconcile the conflicting experience recorded around %q", obs.Tag)
	case ObservationKnowledgeGap:
		return fmt.Sprintf("No working approach recorded for %q yet; capture the fix when found", obs.Tag)
	default:
		return fmt.Sprintf("Keep using the approach that works for %q", obs.Tag)
	}
}
