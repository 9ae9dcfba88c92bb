// Package health aggregates the memory pipeline into a diagnostic snapshot
// with a letter grade, for CLI and telemetry tooling.
package health

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/learning"
	"github.com/normanking/engram/internal/memory"
)

// MemoryStats summarizes the memory pool.
type MemoryStats struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"byType"`
	Superseded int            `json:"superseded"`
	Linked     int            `json:"linked"`
	AvgQuality float64        `json:"avgQuality"`
}

// CortexStats summarizes the word-to-tag learner.
type CortexStats struct {
	Entries  int `json:"entries"`
	Promoted int `json:"promoted"`
}

// RuleStats summarizes the rule learner.
type RuleStats struct {
	Rules    int `json:"rules"`
	Promoted int `json:"promoted"`
}

// BrainStats snapshots the session brain state.
type BrainStats struct {
	MessageCount  int    `json:"messageCount"`
	ContextPhase  string `json:"contextPhase"`
	TrackedTags   int    `json:"trackedTags"`
	TrackedTraces int    `json:"trackedTraces"`
}

// Report is the full diagnostic snapshot.
type Report struct {
	Grade           string      `json:"grade"`
	Memories        MemoryStats `json:"memories"`
	Cortex          CortexStats `json:"cortex"`
	Rules           RuleStats   `json:"rules"`
	BrainState      BrainStats  `json:"brainState"`
	Issues          []string    `json:"issues"`
	Recommendations []string    `json:"recommendations"`
	GeneratedAt     time.Time   `json:"generatedAt"`
}

// Generate builds the diagnostic report. An empty pool grades F and a
// missing brain state grades no better than D, since both mean the
// pipeline is not actually running.
func Generate(pool []memory.Memory, state *brain.State, cortexEntries []learning.CortexEntry, rules []learning.Rule, now time.Time) Report {
	report := Report{
		Memories:    memoryStats(pool),
		Cortex:      cortexStats(cortexEntries),
		Rules:       ruleStats(rules),
		GeneratedAt: now,
	}

	if state != nil {
		report.BrainState = BrainStats{
			MessageCount:  state.MessageCount,
			ContextPhase:  string(state.ContextPhase),
			TrackedTags:   len(state.SynapticActivity),
			TrackedTraces: len(state.MemoryTraces),
		}
	}

	score := 100

	if report.Memories.Total == 0 {
		report.Grade = "F"
		report.Issues = append(report.Issues, "no memories stored")
		report.Recommendations = append(report.Recommendations, "record pains and wins as they happen; the gate rejects only vague entries")
		return report
	}

	if state == nil {
		score -= 40
		report.Issues = append(report.Issues, "no brain state; session activity is not being tracked")
		report.Recommendations = append(report.Recommendations, "initialize brain state at session start and persist it at checkpoints")
	}

	if report.Memories.AvgQuality < 0.4 {
		score -= 15
		report.Issues = append(report.Issues, fmt.Sprintf("average memory quality is low (%.2f)", report.Memories.AvgQuality))
		report.Recommendations = append(report.Recommendations, "add tags and actionable rules to new memories")
	}

	if report.Memories.Total > 0 {
		linkedRatio := float64(report.Memories.Linked) / float64(report.Memories.Total)
		if linkedRatio < 0.3 {
			score -= 10
			report.Issues = append(report.Issues, "most memories have no relationships")
			report.Recommendations = append(report.Recommendations, "run link attachment after gate acceptance")
		}

		supersededRatio := float64(report.Memories.Superseded) / float64(report.Memories.Total)
		if supersededRatio > 0.5 {
			score -= 10
			report.Issues = append(report.Issues, "over half of the pool is superseded")
			report.Recommendations = append(report.Recommendations, "archive superseded memories from the store document")
		}
	}

	if report.Rules.Rules == 0 && report.Memories.Total >= 10 {
		score -= 10
		report.Issues = append(report.Issues, "no generalized rules despite a sizeable pool")
		report.Recommendations = append(report.Recommendations, "run rule mining over the accumulated pains and wins")
	}

	if state != nil && len(state.MemoryTraces) == 0 && report.Memories.Total >= 5 {
		score -= 5
		report.Issues = append(report.Issues, "no memory traces recorded; retrieval results are not being fed back")
	}

	report.Grade = gradeFor(score, state)
	return report
}

func gradeFor(score int, state *brain.State) string {
	grade := "F"
	switch {
	case score >= 90:
		grade = "A"
	case score >= 75:
		grade = "B"
	case score >= 60:
		grade = "C"
	case score >= 45:
		grade = "D"
	}

	// A missing brain state caps the grade at D regardless of score.
	if state == nil && (grade == "A" || grade == "B" || grade == "C") {
		grade = "D"
	}

	return grade
}

func memoryStats(pool []memory.Memory) MemoryStats {
	stats := MemoryStats{ByType: make(map[string]int)}
	totalQuality := 0.0

	for i := range pool {
		mem := &pool[i]
		stats.Total++
		stats.ByType[string(mem.Type)]++
		totalQuality += mem.QualityScore
		if mem.IsSuperseded() {
			stats.Superseded++
		}
		if len(mem.Links) > 0 {
			stats.Linked++
		}
	}

	if stats.Total > 0 {
		stats.AvgQuality = totalQuality / float64(stats.Total)
	}
	return stats
}

func cortexStats(entries []learning.CortexEntry) CortexStats {
	stats := CortexStats{Entries: len(entries)}
	for _, e := range entries {
		if e.Promoted {
			stats.Promoted++
		}
	}
	return stats
}

func ruleStats(rules []learning.Rule) RuleStats {
	stats := RuleStats{Rules: len(rules)}
	for _, r := range rules {
		if r.PromotedToDocs {
			stats.Promoted++
		}
	}
	return stats
}

// Render formats the report as text for the CLI.
func (r Report) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Memory health: %s\n\n", r.Grade)
	fmt.Fprintf(&sb, "Memories:  %d total, %d linked, %d superseded, avg quality %.2f\n",
		r.Memories.Total, r.Memories.Linked, r.Memories.Superseded, r.Memories.AvgQuality)

	if len(r.Memories.ByType) > 0 {
		types := make([]string, 0, len(r.Memories.ByType))
		for t := range r.Memories.ByType {
			types = append(types, t)
		}
		sort.Strings(types)
		parts := make([]string, 0, len(types))
		for _, t := range types {
			parts = append(parts, fmt.Sprintf("%s=%d", t, r.Memories.ByType[t]))
		}
		fmt.Fprintf(&sb, "By type:   %s\n", strings.Join(parts, " "))
	}

	fmt.Fprintf(&sb, "Cortex:    %d entries (%d promoted)\n", r.Cortex.Entries, r.Cortex.Promoted)
	fmt.Fprintf(&sb, "Rules:     %d rules (%d promoted)\n", r.Rules.Rules, r.Rules.Promoted)
	fmt.Fprintf(&sb, "Brain:     %d messages (%s), %d tags, %d traces\n",
		r.BrainState.MessageCount, r.BrainState.ContextPhase, r.BrainState.TrackedTags, r.BrainState.TrackedTraces)

	if len(r.Issues) > 0 {
		sb.WriteString("\nIssues:\n")
		for _, issue := range r.Issues {
			sb.WriteString("  - " + issue + "\n")
		}
	}
	if len(r.Recommendations) > 0 {
		sb.WriteString("\nRecommendations:\n")
		for _, rec := range r.Recommendations {
			sb.WriteString("  - " + rec + "\n")
		}
	}

	return sb.String()
}
