// Package memory implements the persistent memory core for Engram: the
// quality gate, the link graph, and the retrieval engine that together
// decide what an agent remembers and what it is shown on each turn.
package memory

import (
	"time"
)

// Type classifies what kind of knowledge a memory holds.
type Type string

const (
	TypePain         Type = "pain"
	TypeWin          Type = "win"
	TypeFact         Type = "fact"
	TypeDecision     Type = "decision"
	TypeArchitecture Type = "architecture"
	TypeReflection   Type = "reflection"
)

// Severity indicates how costly it would be to ignore a memory.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// LinkType classifies the relationship between two memories.
type LinkType string

const (
	LinkRelated     LinkType = "related"
	LinkExtends     LinkType = "extends"
	LinkResolves    LinkType = "resolves"
	LinkContradicts LinkType = "contradicts"
	LinkSupersedes  LinkType = "supersedes"
)

// Link is a directed edge from its owning memory to TargetID.
// A link never targets the owning memory itself.
type Link struct {
	TargetID     string    `json:"targetId"`
	Relationship LinkType  `json:"relationship"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Memory is the unit of stored knowledge. The JSON shape is shared with
// other processes that read the memory store document, so field names are
// part of the external contract.
type Memory struct {
	ID               string   `json:"id"`
	ProjectID        string   `json:"projectId,omitempty"`
	Type             Type     `json:"type"`
	Title            string   `json:"title"`
	Content          string   `json:"content"`
	Rule             string   `json:"rule,omitempty"`
	Tags             []string `json:"tags"`
	Severity         Severity `json:"severity"`
	SynapticStrength float64  `json:"synapticStrength"`
	AccessCount      int      `json:"accessCount"`

	CreatedAt    time.Time  `json:"createdAt"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`

	Fingerprint  string  `json:"fingerprint"`
	QualityScore float64 `json:"qualityScore"`

	Links        []Link `json:"links"`
	SupersededBy string `json:"supersededBy,omitempty"`

	RelatedTaskID     string   `json:"relatedTaskId,omitempty"`
	PredictionError   *float64 `json:"predictionError,omitempty"`
	SurfacedMemoryIDs []string `json:"surfacedMemoryIds,omitempty"`
}

// HasTag reports whether the memory carries the given tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// IsSuperseded reports whether a newer memory has replaced this one.
func (m *Memory) IsSuperseded() bool {
	return m.SupersededBy != ""
}

// Touch records an access, bumping the access count and timestamp.
func (m *Memory) Touch(now time.Time) {
	m.AccessCount++
	m.LastAccessed = &now
}

// ByID builds an id-keyed index over a memory slice. The index holds
// pointers into the slice, so it is only valid while the slice is not
// reallocated.
func ByID(memories []Memory) map[string]*Memory {
	index := make(map[string]*Memory, len(memories))
	for i := range memories {
		index[memories[i].ID] = &memories[i]
	}
	return index
}

// Candidate is a proposed memory that has not yet passed the quality gate.
type Candidate struct {
	ProjectID     string   `json:"projectId,omitempty"`
	Type          Type     `json:"type"`
	Title         string   `json:"title"`
	Content       string   `json:"content"`
	Rule          string   `json:"rule,omitempty"`
	Tags          []string `json:"tags"`
	Severity      Severity `json:"severity"`
	RelatedTaskID string   `json:"relatedTaskId,omitempty"`
}
