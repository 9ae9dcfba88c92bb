// Package learning implements the two evidence-accumulation learners: the
// cortex learner, which grows word-to-tag associations out of retrieval
// gaps, and the rule learner, which mines clusters of related memories into
// generalized, reinforceable rules. Both follow the same cycle: observe,
// accumulate evidence, grow confidence asymptotically, promote past a
// threshold, prune when stale.
package learning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ConfidenceCap is the asymptotic ceiling for learned confidence. Nothing
// learned from observation alone reaches certainty.
const ConfidenceCap = 0.95

// ObservedConfidence maps an observation count to confidence: approaches
// the cap asymptotically, so early observations move it fast and later ones
// barely at all.
func ObservedConfidence(observations int) float64 {
	if observations <= 0 {
		return 0
	}
	confidence := 1.0 - 1.0/float64(observations+1)
	if confidence > ConfidenceCap {
		return ConfidenceCap
	}
	return confidence
}

// CortexConfig tunes the word-to-tag learner.
type CortexConfig struct {
	// PromoteConfidence and PromoteObservations must both be met before an
	// entry is promotable.
	PromoteConfidence   float64 `mapstructure:"promote_confidence" yaml:"promote_confidence"`
	PromoteObservations int     `mapstructure:"promote_observations" yaml:"promote_observations"`
	// MergeConfidence is the minimum confidence before a learned mapping
	// participates in the base keyword map.
	MergeConfidence float64 `mapstructure:"merge_confidence" yaml:"merge_confidence"`
	// MaxAge prunes entries not seen for this long, unless promoted.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// DefaultCortexConfig returns the default cortex learner tuning.
func DefaultCortexConfig() CortexConfig {
	return CortexConfig{
		PromoteConfidence:   0.8,
		PromoteObservations: 5,
		MergeConfidence:     0.6,
		MaxAge:              30 * 24 * time.Hour,
	}
}

// CortexEntry is one learned word-to-tag association.
type CortexEntry struct {
	Word             string    `json:"word"`
	Tags             []string  `json:"tags"`
	Confidence       float64   `json:"confidence"`
	ObservationCount int       `json:"observationCount"`
	FirstSeen        time.Time `json:"firstSeen"`
	LastSeen         time.Time `json:"lastSeen"`
	Promoted         bool      `json:"promoted"`
}

// CortexLearner accumulates word-to-tag evidence from retrieval gaps:
// prompt words that matched no keyword but co-occurred with tags the turn
// eventually touched.
type CortexLearner struct {
	cfg     CortexConfig
	entries map[string]*CortexEntry
}

// NewCortexLearner creates a learner over an existing entry set (from the
// learned-knowledge document); pass nil to start empty.
func NewCortexLearner(cfg CortexConfig, entries []CortexEntry) *CortexLearner {
	l := &CortexLearner{cfg: cfg, entries: make(map[string]*CortexEntry, len(entries))}
	for i := range entries {
		entry := entries[i]
		l.entries[entry.Word] = &entry
	}
	return l
}

// ObserveGap records that a prompt word with no keyword hit co-occurred
// with the given tags. Repeated observations grow confidence toward the cap.
func (l *CortexLearner) ObserveGap(word string, tags []string, now time.Time) *CortexEntry {
	word = strings.ToLower(strings.TrimSpace(word))
	if word == "" || len(tags) == 0 {
		return nil
	}

	entry, ok := l.entries[word]
	if !ok {
		entry = &CortexEntry{Word: word, FirstSeen: now}
		l.entries[word] = entry
	}

	for _, tag := range tags {
		tag = strings.ToLower(tag)
		found := false
		for _, existing := range entry.Tags {
			if existing == tag {
				found = true
				break
			}
		}
		if !found {
			entry.Tags = append(entry.Tags, tag)
		}
	}

	entry.ObservationCount++
	entry.Confidence = ObservedConfidence(entry.ObservationCount)
	entry.LastSeen = now

	return entry
}

// Promotable returns entries clearing both the confidence and observation
// thresholds that have not been promoted yet.
func (l *CortexLearner) Promotable() []*CortexEntry {
	var out []*CortexEntry
	for _, entry := range l.entries {
		if entry.Promoted {
			continue
		}
		if entry.Confidence >= l.cfg.PromoteConfidence && entry.ObservationCount >= l.cfg.PromoteObservations {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Word < out[j].Word })
	return out
}

// MarkPromoted flags an entry as promoted; promoted entries are permanent.
func (l *CortexLearner) MarkPromoted(word string) {
	if entry, ok := l.entries[strings.ToLower(word)]; ok {
		entry.Promoted = true
	}
}

// MergeIntoBase merges sufficiently-confident learned mappings into the base
// word-to-tag map used by retrieval, skipping words already promoted (those
// live in the external documentation and the base map already).
func (l *CortexLearner) MergeIntoBase(base map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(base)+len(l.entries))
	for word, tags := range base {
		merged[word] = append([]string{}, tags...)
	}

	for word, entry := range l.entries {
		if entry.Promoted || entry.Confidence < l.cfg.MergeConfidence {
			continue
		}
		existing := merged[word]
		for _, tag := range entry.Tags {
			found := false
			for _, t := range existing {
				if t == tag {
					found = true
					break
				}
			}
			if !found {
				existing = append(existing, tag)
			}
		}
		merged[word] = existing
	}

	return merged
}

// Prune drops entries not seen within the max age. Promoted entries are
// never pruned.
func (l *CortexLearner) Prune(now time.Time) int {
	pruned := 0
	for word, entry := range l.entries {
		if entry.Promoted {
			continue
		}
		if now.Sub(entry.LastSeen) > l.cfg.MaxAge {
			delete(l.entries, word)
			pruned++
		}
	}

	if pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("stale cortex entries pruned")
	}
	return pruned
}

// Entries returns the learner's entries sorted by word, for persistence.
func (l *CortexLearner) Entries() []CortexEntry {
	out := make([]CortexEntry, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Word < out[j].Word })
	return out
}

// PromotionCandidate is a formatted snippet plus its target documentation
// section, handed to the doc-generation collaborator.
type PromotionCandidate struct {
	Section string `json:"section"`
	Text    string `json:"text"`
}

// CortexPromotions renders promotable word-tag mappings for documentation.
func (l *CortexLearner) CortexPromotions() []PromotionCandidate {
	var out []PromotionCandidate
	for _, entry := range l.Promotable() {
		out = append(out, PromotionCandidate{
			Section: "Vocabulary",
			Text: fmt.Sprintf("- %q relates to %s (seen %d times, confidence %.2f)",
				entry.Word, strings.Join(entry.Tags, ", "), entry.ObservationCount, entry.Confidence),
		})
	}
	return out
}
