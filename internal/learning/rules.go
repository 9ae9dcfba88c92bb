package learning

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/memory"
)

// RuleType classifies what kind of pattern a learned rule generalizes.
type RuleType string

const (
	RulePainPattern             RuleType = "pain-pattern"
	RuleWinPattern              RuleType = "win-pattern"
	RuleContradictionResolution RuleType = "contradiction-resolution"
)

// Rule is a generalized, reinforceable lesson mined from a cluster of
// related memories. Source memories are referenced by id only.
type Rule struct {
	ID               string    `json:"id"`
	Rule             string    `json:"rule"`
	Tags             []string  `json:"tags"`
	SourceMemoryIDs  []string  `json:"sourceMemoryIds"`
	Confidence       float64   `json:"confidence"`
	ObservationCount int       `json:"observationCount"`
	Type             RuleType  `json:"type"`
	PromotedToDocs   bool      `json:"promotedToClaudeMd"`
	CreatedAt        time.Time `json:"createdAt"`
	LastReinforced   time.Time `json:"lastReinforced"`
}

// RuleConfig tunes rule mining and promotion.
type RuleConfig struct {
	// MinGroupSize is the smallest tag cluster worth generalizing.
	MinGroupSize int `mapstructure:"min_group_size" yaml:"min_group_size"`
	// ReinforceOverlap is the text/tag overlap above which a candidate
	// reinforces an existing rule instead of creating a new one.
	ReinforceOverlap float64 `mapstructure:"reinforce_overlap" yaml:"reinforce_overlap"`
	// PromoteConfidence and PromoteObservations gate promotion to docs.
	PromoteConfidence   float64 `mapstructure:"promote_confidence" yaml:"promote_confidence"`
	PromoteObservations int     `mapstructure:"promote_observations" yaml:"promote_observations"`
	// MaxAge prunes rules not reinforced for this long, unless promoted.
	MaxAge time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

// DefaultRuleConfig returns the default rule learner tuning.
func DefaultRuleConfig() RuleConfig {
	return RuleConfig{
		MinGroupSize:        3,
		ReinforceOverlap:    0.5,
		PromoteConfidence:   0.8,
		PromoteObservations: 3,
		MaxAge:              60 * 24 * time.Hour,
	}
}

// RuleLearner mines and reinforces generalized rules.
type RuleLearner struct {
	cfg   RuleConfig
	rules []Rule
}

// NewRuleLearner creates a learner over persisted rules; pass nil to start empty.
func NewRuleLearner(cfg RuleConfig, rules []Rule) *RuleLearner {
	return &RuleLearner{cfg: cfg, rules: rules}
}

// Rules returns the current rule set, for persistence.
func (l *RuleLearner) Rules() []Rule {
	return l.rules
}

// Mine groups pain and win memories by shared tag and extracts candidate
// generalized rules: recurring pains become pain-patterns, recurring wins
// become win-patterns, and a pain answered by a later win on the same tags
// becomes a contradiction-resolution rule. Candidates matching an existing
// rule reinforce it instead of duplicating it.
func (l *RuleLearner) Mine(memories []memory.Memory, now time.Time) []Rule {
	groups := groupByTag(memories)

	var minted []Rule
	tags := make([]string, 0, len(groups))
	for tag := range groups {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	for _, tag := range tags {
		group := groups[tag]
		if len(group) < l.cfg.MinGroupSize {
			continue
		}

		pains, wins := splitByType(group)

		if len(pains) >= l.cfg.MinGroupSize {
			if rule := l.ingest(painPatternRule(tag, pains, now)); rule != nil {
				minted = append(minted, *rule)
			}
		}

		if len(wins) >= l.cfg.MinGroupSize {
			if rule := l.ingest(winPatternRule(tag, wins, now)); rule != nil {
				minted = append(minted, *rule)
			}
		}

		if resolution := resolutionRule(tag, pains, wins, now); resolution != nil {
			if rule := l.ingest(*resolution); rule != nil {
				minted = append(minted, *rule)
			}
		}
	}

	if len(minted) > 0 {
		log.Debug().Int("rules_minted", len(minted)).Msg("rule mining complete")
	}

	return minted
}

func groupByTag(memories []memory.Memory) map[string][]*memory.Memory {
	groups := make(map[string][]*memory.Memory)
	for i := range memories {
		mem := &memories[i]
		if mem.IsSuperseded() {
			continue
		}
		if mem.Type != memory.TypePain && mem.Type != memory.TypeWin {
			continue
		}
		for _, tag := range mem.Tags {
			groups[tag] = append(groups[tag], mem)
		}
	}
	return groups
}

func splitByType(group []*memory.Memory) (pains, wins []*memory.Memory) {
	for _, mem := range group {
		switch mem.Type {
		case memory.TypePain:
			pains = append(pains, mem)
		case memory.TypeWin:
			wins = append(wins, mem)
		}
	}
	return pains, wins
}

// painPatternRule generalizes a cluster of pains on one tag. The rule text
// borrows the longest member rule when one exists, since members with
// explicit rules carry the actionable wording.
func painPatternRule(tag string, pains []*memory.Memory, now time.Time) Rule {
	text := longestRule(pains)
	if text == "" {
		text = fmt.Sprintf("Recurring failures around %s (%d incidents); slow down and verify before acting", tag, len(pains))
	}

	return Rule{
		ID:               "rule_" + uuid.New().String(),
		Rule:             text,
		Tags:             []string{tag},
		SourceMemoryIDs:  memoryIDs(pains),
		ObservationCount: 1,
		Confidence:       ObservedConfidence(1),
		Type:             RulePainPattern,
		CreatedAt:        now,
		LastReinforced:   now,
	}
}

func winPatternRule(tag string, wins []*memory.Memory, now time.Time) Rule {
	text := longestRule(wins)
	if text == "" {
		text = fmt.Sprintf("Approach repeatedly works for %s (%d successes); prefer it", tag, len(wins))
	}

	return Rule{
		ID:               "rule_" + uuid.New().String(),
		Rule:             text,
		Tags:             []string{tag},
		SourceMemoryIDs:  memoryIDs(wins),
		ObservationCount: 1,
		Confidence:       ObservedConfidence(1),
		Type:             RuleWinPattern,
		CreatedAt:        now,
		LastReinforced:   now,
	}
}

// resolutionRule captures an evolving understanding: a pain later answered
// by a win on the same tag.
func resolutionRule(tag string, pains, wins []*memory.Memory, now time.Time) *Rule {
	for _, pain := range pains {
		for _, win := range wins {
			if !win.CreatedAt.After(pain.CreatedAt) {
				continue
			}
			text := win.Rule
			if text == "" {
				text = fmt.Sprintf("For %s: %q resolves the earlier problem %q", tag, win.Title, pain.Title)
			}
			return &Rule{
				ID:               "rule_" + uuid.New().String(),
				Rule:             text,
				Tags:             []string{tag},
				SourceMemoryIDs:  []string{pain.ID, win.ID},
				ObservationCount: 1,
				Confidence:       ObservedConfidence(1),
				Type:             RuleContradictionResolution,
				CreatedAt:        now,
				LastReinforced:   now,
			}
		}
	}
	return nil
}

func longestRule(memories []*memory.Memory) string {
	longest := ""
	for _, mem := range memories {
		if len(mem.Rule) > len(longest) {
			longest = mem.Rule
		}
	}
	return longest
}

func memoryIDs(memories []*memory.Memory) []string {
	ids := make([]string, 0, len(memories))
	for _, mem := range memories {
		ids = append(ids, mem.ID)
	}
	return ids
}

// ingest reinforces a matching existing rule or appends the candidate as a
// new rule. Returns the rule that absorbed the candidate.
func (l *RuleLearner) ingest(candidate Rule) *Rule {
	for i := range l.rules {
		existing := &l.rules[i]
		if existing.Type != candidate.Type {
			continue
		}

		textOverlap := memory.OverlapRatio(memory.Keywords(existing.Rule), memory.Keywords(candidate.Rule))
		tagOverlap := memory.OverlapRatio(existing.Tags, candidate.Tags)
		if textOverlap < l.cfg.ReinforceOverlap && tagOverlap < 1.0 {
			continue
		}

		l.reinforce(existing, candidate)
		return existing
	}

	l.rules = append(l.rules, candidate)
	return &l.rules[len(l.rules)-1]
}

// reinforce merges a candidate into an existing rule: observation count and
// confidence advance, source lists merge, and the longer rule text wins.
func (l *RuleLearner) reinforce(existing *Rule, candidate Rule) {
	existing.ObservationCount++
	existing.Confidence = ObservedConfidence(existing.ObservationCount)
	existing.LastReinforced = candidate.LastReinforced

	if len(candidate.Rule) > len(existing.Rule) {
		existing.Rule = candidate.Rule
	}

	seen := make(map[string]bool, len(existing.SourceMemoryIDs))
	for _, id := range existing.SourceMemoryIDs {
		seen[id] = true
	}
	for _, id := range candidate.SourceMemoryIDs {
		if !seen[id] {
			existing.SourceMemoryIDs = append(existing.SourceMemoryIDs, id)
			seen[id] = true
		}
	}

	for _, tag := range candidate.Tags {
		found := false
		for _, t := range existing.Tags {
			if t == tag {
				found = true
				break
			}
		}
		if !found {
			existing.Tags = append(existing.Tags, tag)
		}
	}
}

// Promotable returns rules clearing both promotion thresholds that have not
// been promoted yet.
func (l *RuleLearner) Promotable() []*Rule {
	var out []*Rule
	for i := range l.rules {
		rule := &l.rules[i]
		if rule.PromotedToDocs {
			continue
		}
		if rule.Confidence >= l.cfg.PromoteConfidence && rule.ObservationCount >= l.cfg.PromoteObservations {
			out = append(out, rule)
		}
	}
	return out
}

// MarkPromoted flags a rule as promoted to external documentation.
func (l *RuleLearner) MarkPromoted(id string) {
	for i := range l.rules {
		if l.rules[i].ID == id {
			l.rules[i].PromotedToDocs = true
			return
		}
	}
}

// RulePromotions renders promotable rules for the doc-generation
// collaborator, sectioned by rule type.
func (l *RuleLearner) RulePromotions() []PromotionCandidate {
	var out []PromotionCandidate
	for _, rule := range l.Promotable() {
		section := "Lessons"
		switch rule.Type {
		case RulePainPattern:
			section = "Pitfalls"
		case RuleWinPattern:
			section = "Proven approaches"
		}
		out = append(out, PromotionCandidate{
			Section: section,
			Text: fmt.Sprintf("- %s (tags: %s; reinforced %d times)",
				rule.Rule, strings.Join(rule.Tags, ", "), rule.ObservationCount),
		})
	}
	return out
}

// Prune drops rules not reinforced within the max age. Promoted rules are
// permanent.
func (l *RuleLearner) Prune(now time.Time) int {
	kept := l.rules[:0]
	pruned := 0
	for _, rule := range l.rules {
		if !rule.PromotedToDocs && now.Sub(rule.LastReinforced) > l.cfg.MaxAge {
			pruned++
			continue
		}
		kept = append(kept, rule)
	}
	l.rules = kept

	if pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("stale rules pruned")
	}
	return pruned
}
