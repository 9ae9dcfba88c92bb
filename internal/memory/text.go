package memory

import (
	"sort"
	"strings"
	"unicode"
)

// ============================================================================
// TOKEN HELPERS
// ============================================================================

// stopwords are filtered out of keyword extraction. Keeping the set small is
// deliberate: over-filtering hurts fingerprint stability more than it helps.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true, "had": true,
	"has": true, "have": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "that": true, "the": true, "this": true,
	"to": true, "was": true, "were": true, "will": true, "with": true,
}

// Tokenize splits text into lowercase word tokens, dropping punctuation.
// Hyphens and underscores are kept so identifiers like "git-push" and
// "snake_case" survive as single tokens.
func Tokenize(text string) []string {
	var tokens []string
	var current strings.Builder

	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}

	return tokens
}

// Keywords extracts the significant tokens from text: lowercased, stopwords
// and short tokens removed, deduplicated. Order follows first appearance.
func Keywords(text string) []string {
	seen := make(map[string]bool)
	var keywords []string

	for _, tok := range Tokenize(text) {
		if len(tok) < 3 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
	}

	return keywords
}

// SortedKeywords returns Keywords sorted lexically, which makes the result
// independent of word order in the source text.
func SortedKeywords(text string) []string {
	keywords := Keywords(text)
	sort.Strings(keywords)
	return keywords
}

// ClipRunes truncates s to at most n runes. The cut lands on a rune
// boundary, so a multi-byte character is never split into invalid UTF-8.
func ClipRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// TokenSet builds a membership set from a token slice.
func TokenSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[strings.ToLower(t)] = true
	}
	return set
}

// OverlapRatio computes the Jaccard overlap of two token slices: the size of
// the intersection over the size of the union. Returns 0 when either side is
// empty, 1 when the sets are identical.
func OverlapRatio(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	setA := TokenSet(a)
	setB := TokenSet(b)

	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}

	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}

	return float64(intersection) / float64(union)
}

// SharedTags returns the tags present on both memories.
func SharedTags(a, b *Memory) []string {
	setB := TokenSet(b.Tags)
	var shared []string
	for _, t := range a.Tags {
		if setB[strings.ToLower(t)] {
			shared = append(shared, t)
		}
	}
	return shared
}

// ============================================================================
// SCORE HELPERS
// ============================================================================

// Clamp01 clamps a score into [0, 1]. Every score-like value that leaves
// this package passes through here so downstream consumers never see an
// out-of-range value, even from malformed input.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ClampRange clamps v into [lo, hi].
func ClampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ScoredMemory pairs a memory with a relevance score.
type ScoredMemory struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// SortByScoreDesc sorts scored memories by score descending, breaking ties
// by recency so newer knowledge surfaces first.
func SortByScoreDesc(items []ScoredMemory) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].Memory.CreatedAt.After(items[j].Memory.CreatedAt)
	})
}

// TopN returns up to n highest-scoring memories in descending order.
func TopN(items []ScoredMemory, n int) []ScoredMemory {
	SortByScoreDesc(items)
	if len(items) > n {
		items = items[:n]
	}
	return items
}
