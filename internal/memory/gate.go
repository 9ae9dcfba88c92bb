package memory

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// FingerprintLength is the length of the deterministic content fingerprint.
const FingerprintLength = 12

// GateConfig tunes the quality gate. The defaults were chosen against the
// retrieval behavior of the original workspace and are deliberately
// configurable rather than hard constants.
type GateConfig struct {
	// QualityFloor is the minimum quality score a candidate needs to be stored.
	QualityFloor float64 `mapstructure:"quality_floor" yaml:"quality_floor"`
	// DuplicateThreshold is the minimum similarity for rejecting a candidate as a duplicate.
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold" yaml:"duplicate_threshold"`
	// ConflictConfidence is the minimum confidence for auto-resolving a conflict.
	ConflictConfidence float64 `mapstructure:"conflict_confidence" yaml:"conflict_confidence"`
}

// DefaultGateConfig returns the default gate thresholds.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		QualityFloor:       0.15,
		DuplicateThreshold: 0.85,
		ConflictConfidence: 0.7,
	}
}

// ComputeFingerprint derives a deterministic 12-character fingerprint from a
// memory's title and content. Keywords from both fields are lowercased,
// deduplicated, and sorted before hashing, so the result is independent of
// word order and survives cosmetic rephrasing that keeps the same keywords.
func ComputeFingerprint(title, content string) string {
	keywords := SortedKeywords(title + " " + content)
	material := strings.Join(keywords, "|")

	sum := blake2b.Sum256([]byte(material))
	return fmt.Sprintf("%x", sum)[:FingerprintLength]
}

// DuplicateMatch reports the outcome of duplicate detection.
type DuplicateMatch struct {
	IsDuplicate bool    `json:"isDuplicate"`
	Match       *Memory `json:"-"`
	MatchID     string  `json:"matchId,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// IsDuplicate checks a candidate against existing memories. An exact
// fingerprint match scores 1.0; otherwise similarity is a weighted blend of
// title, content, and tag token overlap. The best match at or above
// threshold wins; superseded memories are skipped.
func IsDuplicate(candidate *Candidate, existing []Memory, threshold float64) DuplicateMatch {
	fingerprint := ComputeFingerprint(candidate.Title, candidate.Content)

	best := DuplicateMatch{}
	for i := range existing {
		mem := &existing[i]
		if mem.IsSuperseded() {
			continue
		}

		var similarity float64
		if mem.Fingerprint == fingerprint {
			similarity = 1.0
		} else {
			similarity = candidateSimilarity(candidate, mem)
		}

		if similarity > best.Similarity {
			best.Similarity = similarity
			best.Match = mem
			best.MatchID = mem.ID
		}
	}

	best.Similarity = Clamp01(best.Similarity)
	best.IsDuplicate = best.Match != nil && best.Similarity >= threshold
	if !best.IsDuplicate {
		best.Match = nil
		best.MatchID = ""
	}

	return best
}

// candidateSimilarity blends title, content, and tag overlap for a candidate
// that does not fingerprint-match an existing memory.
func candidateSimilarity(candidate *Candidate, mem *Memory) float64 {
	titleOverlap := OverlapRatio(Keywords(candidate.Title), Keywords(mem.Title))
	contentOverlap := OverlapRatio(Keywords(candidate.Content), Keywords(mem.Content))
	tagOverlap := OverlapRatio(candidate.Tags, mem.Tags)

	return Clamp01(0.35*titleOverlap + 0.35*contentOverlap + 0.30*tagOverlap)
}

// AssessQuality scores how specific and actionable a candidate is, in [0,1].
// Specific titles, detailed content, tags, and an actionable rule all raise
// the score; pain memories additionally earn credit for severity plus detail.
// An empty or single-word candidate lands below the reject floor.
func AssessQuality(candidate *Candidate) float64 {
	score := 0.0

	titleWords := len(Tokenize(candidate.Title))
	contentWords := len(Tokenize(candidate.Content))

	// Specificity: reward up to ~8 title words and ~40 content words.
	score += 0.20 * ClampRange(float64(titleWords)/8.0, 0, 1)
	score += 0.30 * ClampRange(float64(contentWords)/40.0, 0, 1)

	if len(candidate.Tags) > 0 {
		score += 0.15
		if len(candidate.Tags) >= 3 {
			score += 0.05
		}
	}

	if strings.TrimSpace(candidate.Rule) != "" {
		score += 0.15
	}

	if candidate.Type == TypePain {
		switch candidate.Severity {
		case SeverityHigh:
			if contentWords >= 10 {
				score += 0.15
			} else {
				score += 0.05
			}
		case SeverityMedium:
			if contentWords >= 10 {
				score += 0.10
			}
		}
	}

	return Clamp01(score)
}

// ConflictKind classifies how a candidate collides with an existing memory.
type ConflictKind string

const (
	// ConflictValueCollision is two same-type memories on the same topic.
	ConflictValueCollision ConflictKind = "value_collision"
	// ConflictEvolving is a pain/win pair on the same topic: understanding changed.
	ConflictEvolving ConflictKind = "evolving_understanding"
)

// Conflict pairs a colliding existing memory with a confidence estimate.
type Conflict struct {
	Memory     *Memory      `json:"-"`
	MemoryID   string       `json:"memoryId"`
	Kind       ConflictKind `json:"kind"`
	Confidence float64      `json:"confidence"`
	SharedTags []string     `json:"sharedTags"`
}

// DetectConflict finds existing memories that collide with the candidate on
// shared tags: same type is a value collision, a pain/win complement is
// evolving understanding. Superseded memories never conflict.
func DetectConflict(candidate *Candidate, existing []Memory) []Conflict {
	candidateTags := TokenSet(candidate.Tags)
	if len(candidateTags) == 0 {
		return nil
	}

	var conflicts []Conflict
	for i := range existing {
		mem := &existing[i]
		if mem.IsSuperseded() {
			continue
		}

		var shared []string
		for _, t := range mem.Tags {
			if candidateTags[strings.ToLower(t)] {
				shared = append(shared, t)
			}
		}
		if len(shared) == 0 {
			continue
		}

		overlap := OverlapRatio(candidate.Tags, mem.Tags)

		switch {
		case mem.Type == candidate.Type:
			conflicts = append(conflicts, Conflict{
				Memory:     mem,
				MemoryID:   mem.ID,
				Kind:       ConflictValueCollision,
				Confidence: Clamp01(0.4 + 0.6*overlap),
				SharedTags: shared,
			})
		case complementaryTypes(candidate.Type, mem.Type):
			conflicts = append(conflicts, Conflict{
				Memory:     mem,
				MemoryID:   mem.ID,
				Kind:       ConflictEvolving,
				Confidence: Clamp01(0.3 + 0.5*overlap),
				SharedTags: shared,
			})
		}
	}

	return conflicts
}

func complementaryTypes(a, b Type) bool {
	return (a == TypePain && b == TypeWin) || (a == TypeWin && b == TypePain)
}

// ResolutionMode selects how a conflict is settled.
type ResolutionMode string

const (
	ResolveKeepNew ResolutionMode = "keep_new"
	ResolveKeepOld ResolutionMode = "keep_old"
	ResolveMerge   ResolutionMode = "merge"
)

// Resolution describes the outcome of conflict resolution.
type Resolution struct {
	Mode       ResolutionMode `json:"mode"`
	Stored     *Memory        `json:"-"`
	Superseded *Memory        `json:"-"`
	Skipped    bool           `json:"skipped"`
}

// ResolveConflict settles a conflict between an accepted candidate memory
// and an older existing one. keep_new marks the old memory superseded,
// keep_old drops the candidate, merge synthesizes combined content
// referencing both and supersedes the old memory.
func ResolveConflict(accepted *Memory, old *Memory, mode ResolutionMode, now time.Time) Resolution {
	switch mode {
	case ResolveKeepOld:
		return Resolution{Mode: mode, Stored: old, Skipped: true}

	case ResolveMerge:
		merged := *accepted
		merged.Content = fmt.Sprintf("%s\n\nSupersedes earlier understanding (%s): %s",
			accepted.Content, old.ID, old.Content)
		merged.Tags = mergeTags(accepted.Tags, old.Tags)
		merged.Fingerprint = ComputeFingerprint(merged.Title, merged.Content)
		old.SupersededBy = merged.ID
		return Resolution{Mode: mode, Stored: &merged, Superseded: old}

	default: // keep_new
		old.SupersededBy = accepted.ID
		return Resolution{Mode: ResolveKeepNew, Stored: accepted, Superseded: old}
	}
}

func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, t := range append(append([]string{}, a...), b...) {
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, t)
	}
	return merged
}

// GateAction is the decision the gate reaches for a candidate.
type GateAction string

const (
	GateAccept GateAction = "accept"
	GateReject GateAction = "reject"
	GateMerge  GateAction = "merge"
)

// GateDecision is returned for every candidate; callers must branch on
// Action before persisting anything. Rejections never raise.
type GateDecision struct {
	Action       GateAction `json:"action"`
	Reason       string     `json:"reason"`
	Memory       *Memory    `json:"-"`
	Superseded   []*Memory  `json:"-"`
	QualityScore float64    `json:"qualityScore"`
	Duplicate    DuplicateMatch
	Conflicts    []Conflict `json:"conflicts,omitempty"`
}

// GateOptions tunes a single gate run.
type GateOptions struct {
	// AutoResolve settles high-confidence same-type conflicts automatically
	// by superseding the older memory.
	AutoResolve bool
	// Now overrides the decision timestamp, mainly for tests.
	Now time.Time
}

// Gate is the write-side gatekeeper: every candidate passes through Run
// before it may enter the memory pool.
type Gate struct {
	cfg GateConfig
}

// NewGate creates a quality gate with the given thresholds.
func NewGate(cfg GateConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Run validates, scores, deduplicates, and conflict-checks a candidate.
// The returned decision owns the fully-populated Memory on accept/merge.
func (g *Gate) Run(candidate *Candidate, existing []Memory, opts GateOptions) GateDecision {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if reason := validateCandidate(candidate); reason != "" {
		return GateDecision{Action: GateReject, Reason: reason}
	}

	quality := AssessQuality(candidate)
	if quality < g.cfg.QualityFloor {
		return GateDecision{
			Action:       GateReject,
			Reason:       fmt.Sprintf("quality below threshold (%.2f < %.2f)", quality, g.cfg.QualityFloor),
			QualityScore: quality,
		}
	}

	duplicate := IsDuplicate(candidate, existing, g.cfg.DuplicateThreshold)
	if duplicate.IsDuplicate {
		return GateDecision{
			Action:       GateReject,
			Reason:       fmt.Sprintf("duplicate of %s (similarity %.2f)", duplicate.MatchID, duplicate.Similarity),
			QualityScore: quality,
			Duplicate:    duplicate,
		}
	}

	mem := g.materialize(candidate, quality, now)
	conflicts := DetectConflict(candidate, existing)

	decision := GateDecision{
		Action:       GateAccept,
		Reason:       "accepted",
		Memory:       mem,
		QualityScore: quality,
		Duplicate:    duplicate,
		Conflicts:    conflicts,
	}

	if opts.AutoResolve {
		for _, conflict := range conflicts {
			if conflict.Kind != ConflictValueCollision || conflict.Confidence < g.cfg.ConflictConfidence {
				continue
			}
			res := ResolveConflict(mem, conflict.Memory, ResolveKeepNew, now)
			if res.Superseded != nil {
				decision.Superseded = append(decision.Superseded, res.Superseded)
			}
		}
		if len(decision.Superseded) > 0 {
			decision.Action = GateMerge
			decision.Reason = fmt.Sprintf("accepted, superseding %d conflicting memories", len(decision.Superseded))
		}
	}

	log.Debug().
		Str("action", string(decision.Action)).
		Str("title", candidate.Title).
		Float64("quality", quality).
		Int("conflicts", len(conflicts)).
		Msg("quality gate decision")

	return decision
}

// materialize builds the stored Memory record for an accepted candidate.
func (g *Gate) materialize(candidate *Candidate, quality float64, now time.Time) *Memory {
	severity := candidate.Severity
	if severity == "" {
		severity = SeverityLow
	}

	return &Memory{
		ID:               "mem_" + uuid.New().String(),
		ProjectID:        candidate.ProjectID,
		Type:             candidate.Type,
		Title:            strings.TrimSpace(candidate.Title),
		Content:          strings.TrimSpace(candidate.Content),
		Rule:             strings.TrimSpace(candidate.Rule),
		Tags:             normalizeTags(candidate.Tags),
		Severity:         severity,
		SynapticStrength: 1.0,
		CreatedAt:        now,
		Fingerprint:      ComputeFingerprint(candidate.Title, candidate.Content),
		QualityScore:     quality,
		Links:            []Link{},
		RelatedTaskID:    candidate.RelatedTaskID,
	}
}

// validateCandidate returns a rejection reason for structurally invalid
// input, or "" when the candidate may enter the gate.
func validateCandidate(candidate *Candidate) string {
	if candidate == nil {
		return "missing candidate"
	}
	if strings.TrimSpace(candidate.Title) == "" {
		return "missing required field: title"
	}
	switch candidate.Type {
	case TypePain, TypeWin, TypeFact, TypeDecision, TypeArchitecture, TypeReflection:
		return ""
	case "":
		return "missing required field: type"
	default:
		return fmt.Sprintf("unknown memory type %q", candidate.Type)
	}
}

func normalizeTags(tags []string) []string {
	seen := make(map[string]bool)
	normalized := make([]string, 0, len(tags))
	for _, t := range tags {
		tag := strings.ToLower(strings.TrimSpace(t))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		normalized = append(normalized, tag)
	}
	return normalized
}
