package memory

import (
	"time"

	"github.com/rs/zerolog/log"
)

// LinkConfig tunes relationship discovery and traversal.
type LinkConfig struct {
	// RelevanceFloor is the minimum similarity before two memories can link at all.
	RelevanceFloor float64 `mapstructure:"relevance_floor" yaml:"relevance_floor"`
	// DuplicateThreshold mirrors the gate threshold; pairs at or above it are
	// duplicates, not links.
	DuplicateThreshold float64 `mapstructure:"duplicate_threshold" yaml:"duplicate_threshold"`
	// ContradictionFloor is the minimum contradiction score to classify a pair
	// as contradicting.
	ContradictionFloor float64 `mapstructure:"contradiction_floor" yaml:"contradiction_floor"`
	// SupersessionFloor is the minimum supersession score to classify a pair
	// as superseding.
	SupersessionFloor float64 `mapstructure:"supersession_floor" yaml:"supersession_floor"`
	// MaxTraversalDepth bounds graph walks when callers pass a non-positive depth.
	MaxTraversalDepth int `mapstructure:"max_traversal_depth" yaml:"max_traversal_depth"`
}

// DefaultLinkConfig returns the default link thresholds.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		RelevanceFloor:     0.25,
		DuplicateThreshold: 0.85,
		ContradictionFloor: 0.5,
		SupersessionFloor:  0.6,
		MaxTraversalDepth:  3,
	}
}

// ComputeSimilarity scores how related two memories are, in [0,1]. The score
// is symmetric, 1.0 for identical content, dominated by tag overlap with
// secondary weight on type match and title/content/rule token overlap.
func ComputeSimilarity(a, b *Memory) float64 {
	if a.Fingerprint != "" && a.Fingerprint == b.Fingerprint {
		return 1.0
	}

	tagOverlap := OverlapRatio(a.Tags, b.Tags)
	titleOverlap := OverlapRatio(Keywords(a.Title), Keywords(b.Title))
	contentOverlap := OverlapRatio(Keywords(a.Content), Keywords(b.Content))
	ruleOverlap := OverlapRatio(Keywords(a.Rule), Keywords(b.Rule))

	typeMatch := 0.0
	if a.Type == b.Type {
		typeMatch = 1.0
	}

	return Clamp01(0.45*tagOverlap + 0.15*typeMatch + 0.20*titleOverlap + 0.12*contentOverlap + 0.08*ruleOverlap)
}

// negationPairs are opposite-polarity rule keywords. A rule saying "always X"
// and another saying "never X" on shared tags is a contradiction signal.
var negationPairs = [][2]string{
	{"always", "never"},
	{"do", "dont"},
	{"do", "don't"},
	{"use", "avoid"},
	{"enable", "disable"},
	{"should", "shouldnt"},
}

// DetectContradiction scores how strongly two memories contradict each
// other, in [0,1]. Zero when no tags are shared; higher for negation-pair
// rules or pain/win pairs on identical tags.
func DetectContradiction(a, b *Memory) float64 {
	shared := SharedTags(a, b)
	if len(shared) == 0 {
		return 0
	}

	tagOverlap := OverlapRatio(a.Tags, b.Tags)
	score := 0.0

	if hasOpposingRules(a.Rule, b.Rule) {
		score = 0.5 + 0.4*tagOverlap
	} else if complementaryTypes(a.Type, b.Type) && tagOverlap >= 0.99 {
		score = 0.6
	} else if complementaryTypes(a.Type, b.Type) {
		score = 0.3 * tagOverlap
	}

	return Clamp01(score)
}

func hasOpposingRules(ruleA, ruleB string) bool {
	if ruleA == "" || ruleB == "" {
		return false
	}

	tokensA := TokenSet(Tokenize(ruleA))
	tokensB := TokenSet(Tokenize(ruleB))

	for _, pair := range negationPairs {
		if (tokensA[pair[0]] && tokensB[pair[1]]) || (tokensA[pair[1]] && tokensB[pair[0]]) {
			// Opposing polarity only matters when the rules talk about the
			// same subject.
			if OverlapRatio(Keywords(ruleA), Keywords(ruleB)) >= 0.2 {
				return true
			}
		}
	}

	return false
}

// DetectSupersession scores whether newer is a later observation of the same
// fact as older, in [0,1]. Zero unless both share a type, newer postdates
// older, tags overlap, and the titles describe the same subject.
func DetectSupersession(newer, older *Memory) float64 {
	if newer.Type != older.Type {
		return 0
	}
	if !newer.CreatedAt.After(older.CreatedAt) {
		return 0
	}

	tagOverlap := OverlapRatio(newer.Tags, older.Tags)
	if tagOverlap == 0 {
		return 0
	}

	subjectOverlap := OverlapRatio(Keywords(newer.Title), Keywords(older.Title))
	if subjectOverlap < 0.4 {
		return 0
	}

	return Clamp01(0.4*tagOverlap + 0.6*subjectOverlap)
}

// FindLinks classifies the relationship between a memory and each candidate:
// resolves (a later win answering an earlier pain), extends (same type,
// overlapping tags), contradicts (opposing rule polarity on shared tags),
// supersedes (a later observation of the same fact), else related. Pairs
// below the relevance floor or at duplicate-level similarity produce no
// link, and a memory never links to itself.
func FindLinks(mem *Memory, candidates []Memory, cfg LinkConfig, now time.Time) []Link {
	var links []Link

	for i := range candidates {
		other := &candidates[i]
		if other.ID == mem.ID || other.IsSuperseded() {
			continue
		}

		similarity := ComputeSimilarity(mem, other)
		if similarity < cfg.RelevanceFloor || similarity >= cfg.DuplicateThreshold {
			continue
		}

		relationship := classifyRelationship(mem, other, similarity, cfg)
		links = append(links, Link{
			TargetID:     other.ID,
			Relationship: relationship,
			CreatedAt:    now,
		})
	}

	if len(links) > 0 {
		log.Debug().
			Str("memory_id", mem.ID).
			Int("links_found", len(links)).
			Msg("link discovery complete")
	}

	return links
}

func classifyRelationship(mem, other *Memory, similarity float64, cfg LinkConfig) LinkType {
	if DetectSupersession(mem, other) >= cfg.SupersessionFloor {
		return LinkSupersedes
	}

	if mem.Type == TypeWin && other.Type == TypePain &&
		mem.CreatedAt.After(other.CreatedAt) && len(SharedTags(mem, other)) > 0 {
		return LinkResolves
	}

	if DetectContradiction(mem, other) >= cfg.ContradictionFloor {
		return LinkContradicts
	}

	if mem.Type == other.Type && len(SharedTags(mem, other)) > 0 && similarity < cfg.DuplicateThreshold {
		return LinkExtends
	}

	return LinkRelated
}

// relationshipWeight is the path weight contribution of one edge.
func relationshipWeight(rel LinkType) float64 {
	switch rel {
	case LinkSupersedes:
		return 0.9
	case LinkResolves:
		return 0.8
	case LinkExtends:
		return 0.7
	case LinkContradicts:
		return 0.6
	default:
		return 0.5
	}
}

// Adjacency holds the outgoing and incoming edges for one memory.
type Adjacency struct {
	Outgoing []Link `json:"outgoing"`
	Incoming []Link `json:"incoming"`
}

// BuildLinkGraph builds per-memory adjacency purely from each memory's own
// links field. Every memory gets an entry, even with zero edges. Incoming
// edges reuse the Link shape with TargetID pointing back at the source.
func BuildLinkGraph(memories []Memory) map[string]*Adjacency {
	graph := make(map[string]*Adjacency, len(memories))
	for i := range memories {
		graph[memories[i].ID] = &Adjacency{}
	}

	for i := range memories {
		mem := &memories[i]
		for _, link := range mem.Links {
			if link.TargetID == mem.ID {
				continue // malformed self-link, never traverse
			}
			graph[mem.ID].Outgoing = append(graph[mem.ID].Outgoing, link)

			if target, ok := graph[link.TargetID]; ok {
				target.Incoming = append(target.Incoming, Link{
					TargetID:     mem.ID,
					Relationship: link.Relationship,
					CreatedAt:    link.CreatedAt,
				})
			}
		}
	}

	return graph
}

// TraversalNode is one reachable memory in a link traversal.
type TraversalNode struct {
	MemoryID     string   `json:"memoryId"`
	Depth        int      `json:"depth"`
	Weight       float64  `json:"weight"`
	Relationship LinkType `json:"relationship"`
}

// TraverseLinks walks outgoing links from startID up to maxDepth levels.
// The walk is breadth-first and guarded by a visited set, so it terminates
// on any link data, cyclic or malformed, visiting each reachable node
// exactly once. The start node is excluded from the result. Weight is the
// product of edge weights along the discovery path, so deeper nodes carry
// less weight.
func TraverseLinks(startID string, memories []Memory, maxDepth int, cfg LinkConfig) []TraversalNode {
	if maxDepth <= 0 {
		maxDepth = cfg.MaxTraversalDepth
	}

	graph := BuildLinkGraph(memories)
	if _, ok := graph[startID]; !ok {
		return nil
	}

	type queueEntry struct {
		id     string
		depth  int
		weight float64
	}

	visited := map[string]bool{startID: true}
	queue := []queueEntry{{id: startID, depth: 0, weight: 1.0}}
	var result []TraversalNode

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		if current.depth >= maxDepth {
			continue
		}

		for _, link := range graph[current.id].Outgoing {
			if visited[link.TargetID] {
				continue
			}
			if _, ok := graph[link.TargetID]; !ok {
				continue // dangling edge to an archived memory
			}
			visited[link.TargetID] = true

			weight := current.weight * relationshipWeight(link.Relationship)
			result = append(result, TraversalNode{
				MemoryID:     link.TargetID,
				Depth:        current.depth + 1,
				Weight:       weight,
				Relationship: link.Relationship,
			})
			queue = append(queue, queueEntry{id: link.TargetID, depth: current.depth + 1, weight: weight})
		}
	}

	log.Debug().
		Str("start_memory_id", startID).
		Int("max_depth", maxDepth).
		Int("memories_found", len(result)).
		Msg("link traversal complete")

	return result
}

// AttachLinks runs link discovery for an accepted memory against the pool
// and stores the resulting links on the memory. Supersedes links also mark
// the older memory superseded, keeping the directed relation consistent.
func AttachLinks(mem *Memory, pool []Memory, cfg LinkConfig, now time.Time) {
	mem.Links = FindLinks(mem, pool, cfg, now)

	index := ByID(pool)
	for _, link := range mem.Links {
		if link.Relationship != LinkSupersedes {
			continue
		}
		if older, ok := index[link.TargetID]; ok && !older.IsSuperseded() {
			older.SupersededBy = mem.ID
		}
	}
}

// ArchiveMemory marks a memory superseded without deleting it; the id stays
// resolvable for traces and rule sources that reference it.
func ArchiveMemory(pool []Memory, id, replacementID string) bool {
	for i := range pool {
		if pool[i].ID == id {
			if replacementID == "" {
				replacementID = "archived"
			}
			pool[i].SupersededBy = replacementID
			return true
		}
	}
	return false
}

// ActiveMemories filters out superseded memories.
func ActiveMemories(pool []Memory) []Memory {
	active := make([]Memory, 0, len(pool))
	for _, m := range pool {
		if !m.IsSuperseded() {
			active = append(active, m)
		}
	}
	return active
}
