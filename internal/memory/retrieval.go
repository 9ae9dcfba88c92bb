package memory

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/brain"
)

// RetrievalConfig tunes per-turn memory retrieval.
type RetrievalConfig struct {
	// MinPromptLength is the minimum prompt length (in characters) worth
	// retrieving for; shorter prompts return empty results.
	MinPromptLength int `mapstructure:"min_prompt_length" yaml:"min_prompt_length"`
	// MaxPains / MaxWins bound how many memories of each kind surface.
	MaxPains int `mapstructure:"max_pains" yaml:"max_pains"`
	MaxWins  int `mapstructure:"max_wins" yaml:"max_wins"`
	// HotTagThreshold is the session firing count at which a tag runs hot.
	HotTagThreshold int `mapstructure:"hot_tag_threshold" yaml:"hot_tag_threshold"`
	// FuzzyMinWordLength is the minimum prompt-word length for substring
	// fallback matching against titles and content.
	FuzzyMinWordLength int `mapstructure:"fuzzy_min_word_length" yaml:"fuzzy_min_word_length"`
	// MaxInjectionChars bounds the rendered injection block.
	MaxInjectionChars int `mapstructure:"max_injection_chars" yaml:"max_injection_chars"`
}

// DefaultRetrievalConfig returns the default retrieval tuning.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		MinPromptLength:    10,
		MaxPains:           3,
		MaxWins:            2,
		HotTagThreshold:    3,
		FuzzyMinWordLength: 5,
		MaxInjectionChars:  1500,
	}
}

// RetrievalResult is what the orchestration loop receives once per turn.
type RetrievalResult struct {
	PainMemories []ScoredMemory `json:"painMemories"`
	WinMemories  []ScoredMemory `json:"winMemories"`
	// AttentionFilter is the coarse category the prompt leans toward
	// (security, performance, ...), or "" when none dominates.
	AttentionFilter string `json:"attentionFilter,omitempty"`
	// HotTags are tags whose session firing count crossed the threshold.
	HotTags []string `json:"hotTags,omitempty"`
	// InjectionText is the bounded, formatted block for the agent's context.
	InjectionText string `json:"injectionText"`
	// MatchedTags and SurfacedIDs let the caller update brain counters after
	// the turn; retrieval itself is read-only.
	MatchedTags []string `json:"matchedTags,omitempty"`
	SurfacedIDs []string `json:"surfacedIds,omitempty"`
}

// attentionClasses map coarse prompt categories to their trigger keywords.
var attentionClasses = map[string][]string{
	"security":    {"auth", "token", "password", "secret", "credential", "vulnerability", "injection", "xss", "csrf", "permission"},
	"performance": {"slow", "latency", "performance", "optimize", "memory", "leak", "profil", "cache", "timeout", "throughput"},
	"deployment":  {"deploy", "release", "rollback", "production", "docker", "kubernetes", "pipeline", "migration"},
	"testing":     {"test", "coverage", "mock", "flaky", "assert", "fixture", "regression"},
	"database":    {"database", "sql", "query", "index", "transaction", "schema", "lock"},
}

// Engine ranks and selects memories for a prompt. It is read-only over the
// pool and the brain state and safe to call repeatedly.
type Engine struct {
	cfg   RetrievalConfig
	vocab map[string][]string
}

// NewEngine creates a retrieval engine.
func NewEngine(cfg RetrievalConfig) *Engine {
	return &Engine{cfg: cfg}
}

// SetVocabulary installs a word-to-tag map, typically the cortex learner's
// merged output. Prompt words found in the map contribute their associated
// tags as if the prompt had contained them.
func (e *Engine) SetVocabulary(vocab map[string][]string) {
	e.vocab = vocab
}

// Retrieve ranks pain and win memories against the prompt, pairs wins with
// the surfaced pains, detects the attention filter and hot tags, and renders
// the injection block. Prompts below the minimum length return an empty
// result.
func (e *Engine) Retrieve(prompt string, memories []Memory, state *brain.State) RetrievalResult {
	result := RetrievalResult{
		PainMemories: []ScoredMemory{},
		WinMemories:  []ScoredMemory{},
	}

	if len(strings.TrimSpace(prompt)) < e.cfg.MinPromptLength {
		return result
	}

	promptTokens := Tokenize(prompt)
	promptSet := TokenSet(promptTokens)

	// Learned vocabulary: a prompt word the cortex learner has associated
	// with tags counts as if those tags were in the prompt.
	for _, word := range promptTokens {
		for _, tag := range e.vocab[word] {
			promptSet[strings.ToLower(tag)] = true
		}
	}

	var pains, wins []ScoredMemory
	matchedTags := make(map[string]bool)

	for i := range memories {
		mem := &memories[i]
		if mem.IsSuperseded() {
			continue
		}

		score, hitTags := e.scoreMemory(mem, promptTokens, promptSet, state)
		if score <= 0 {
			continue
		}

		for _, t := range hitTags {
			matchedTags[t] = true
		}

		scored := ScoredMemory{Memory: mem, Score: score}
		switch mem.Type {
		case TypePain:
			pains = append(pains, scored)
		case TypeWin:
			wins = append(wins, scored)
		}
	}

	result.PainMemories = TopN(pains, e.cfg.MaxPains)
	result.WinMemories = e.pairWins(result.PainMemories, wins)
	result.AttentionFilter = detectAttentionFilter(promptSet)
	result.HotTags = e.hotTags(matchedTags, state)

	for tag := range matchedTags {
		result.MatchedTags = append(result.MatchedTags, tag)
	}
	for _, sm := range result.PainMemories {
		result.SurfacedIDs = append(result.SurfacedIDs, sm.Memory.ID)
	}
	for _, sm := range result.WinMemories {
		result.SurfacedIDs = append(result.SurfacedIDs, sm.Memory.ID)
	}

	result.InjectionText = e.renderInjection(result)

	log.Debug().
		Int("pains", len(result.PainMemories)).
		Int("wins", len(result.WinMemories)).
		Str("attention_filter", result.AttentionFilter).
		Strs("hot_tags", result.HotTags).
		Msg("memory retrieval complete")

	return result
}

// scoreMemory computes tag-overlap strength, amplified by severity and the
// memory's traced synaptic strength. Exact tag matches dominate; longer
// prompt words fall back to substring matches against tags, title, and
// content.
func (e *Engine) scoreMemory(mem *Memory, promptTokens []string, promptSet map[string]bool, state *brain.State) (float64, []string) {
	var hitTags []string
	exactHits := 0

	for _, tag := range mem.Tags {
		if promptSet[tag] {
			exactHits++
			hitTags = append(hitTags, tag)
		}
	}

	fuzzyHits := 0.0
	if exactHits == 0 {
		titleLower := strings.ToLower(mem.Title)
		contentLower := strings.ToLower(mem.Content)
		for _, word := range promptTokens {
			if len(word) < e.cfg.FuzzyMinWordLength {
				continue
			}
			matched := false
			for _, tag := range mem.Tags {
				if strings.Contains(tag, word) || strings.Contains(word, tag) {
					hitTags = append(hitTags, tag)
					matched = true
					break
				}
			}
			if !matched && (strings.Contains(titleLower, word) || strings.Contains(contentLower, word)) {
				matched = true
			}
			if matched {
				fuzzyHits += 0.5
			}
		}
	}

	base := float64(exactHits) + fuzzyHits
	if base == 0 {
		return 0, nil
	}
	overlap := ClampRange(base/2.0, 0, 1)

	severityAmp := 1.0
	switch mem.Severity {
	case SeverityHigh:
		severityAmp = 1.5
	case SeverityMedium:
		severityAmp = 1.2
	}

	return overlap * severityAmp * state.StrengthFor(mem.ID), hitTags
}

// pairWins orders wins so those sharing tags with the surfaced pains come
// first: caution paired with reassurance.
func (e *Engine) pairWins(pains []ScoredMemory, wins []ScoredMemory) []ScoredMemory {
	painTags := make(map[string]bool)
	for _, p := range pains {
		for _, t := range p.Memory.Tags {
			painTags[t] = true
		}
	}

	for i := range wins {
		for _, t := range wins[i].Memory.Tags {
			if painTags[t] {
				wins[i].Score *= 1.5
				break
			}
		}
	}

	return TopN(wins, e.cfg.MaxWins)
}

func detectAttentionFilter(promptSet map[string]bool) string {
	bestClass := ""
	bestHits := 0

	for class, triggers := range attentionClasses {
		hits := 0
		for _, trigger := range triggers {
			if promptSet[trigger] {
				hits++
				continue
			}
			for word := range promptSet {
				if len(word) >= 4 && strings.HasPrefix(word, trigger) {
					hits++
					break
				}
			}
		}
		if hits > bestHits || (hits == bestHits && hits > 0 && class < bestClass) {
			bestHits = hits
			bestClass = class
		}
	}

	if bestHits == 0 {
		return ""
	}
	return bestClass
}

func (e *Engine) hotTags(matchedTags map[string]bool, state *brain.State) []string {
	if state == nil {
		return nil
	}

	var hot []string
	for tag := range matchedTags {
		if state.FiringFrequency[tag] >= e.cfg.HotTagThreshold {
			hot = append(hot, tag)
		}
	}
	return hot
}

// renderInjection formats the retrieval result as a bounded text block for
// insertion into the agent's working context.
func (e *Engine) renderInjection(result RetrievalResult) string {
	if len(result.PainMemories) == 0 && len(result.WinMemories) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant memories\n")

	for _, sm := range result.PainMemories {
		line := fmt.Sprintf("- PAIN [%s] %s", sm.Memory.Severity, sm.Memory.Title)
		if sm.Memory.Rule != "" {
			line += " | Rule: " + sm.Memory.Rule
		}
		sb.WriteString(line + "\n")
	}

	for _, sm := range result.WinMemories {
		line := "- WIN " + sm.Memory.Title
		if sm.Memory.Rule != "" {
			line += " | Rule: " + sm.Memory.Rule
		}
		sb.WriteString(line + "\n")
	}

	if result.AttentionFilter != "" {
		sb.WriteString("- Attention: " + result.AttentionFilter + " context detected\n")
	}
	if len(result.HotTags) > 0 {
		sb.WriteString("- Recurring this session: " + strings.Join(result.HotTags, ", ") + "\n")
	}

	text := sb.String()
	if len(text) > e.cfg.MaxInjectionChars {
		cut := text[:e.cfg.MaxInjectionChars]
		if idx := strings.LastIndexByte(cut, '\n'); idx > 0 {
			cut = cut[:idx+1]
		}
		text = cut
	}

	return text
}
