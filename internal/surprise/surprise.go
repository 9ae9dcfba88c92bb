// Package surprise implements prediction-error capture: a frequency and
// recency expectation model over coarse event signatures that decides which
// workspace events are surprising enough to auto-materialize as memories,
// and how strongly to encode them.
package surprise

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/normanking/engram/internal/brain"
	"github.com/normanking/engram/internal/memory"
)

// Valence classifies an event's emotional direction.
type Valence string

const (
	ValenceNegative Valence = "negative"
	ValencePositive Valence = "positive"
	ValenceNeutral  Valence = "neutral"
)

// Event is a workspace occurrence offered to the capture pipeline.
type Event struct {
	Category     string          `json:"category"`
	Subcategory  string          `json:"subcategory,omitempty"`
	ErrorClass   string          `json:"errorClass,omitempty"`
	ToolName     string          `json:"toolName,omitempty"`
	OutcomeClass string          `json:"outcomeClass,omitempty"`
	Valence      Valence         `json:"valence"`
	Severity     memory.Severity `json:"severity,omitempty"`
	Description  string          `json:"description"`
	Lesson       string          `json:"lesson,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// SignatureStats tracks one event signature inside the expectation model.
type SignatureStats struct {
	Count     float64   `json:"count"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Model is the expectation model document: decayed frequencies per event
// signature plus the running event total.
type Model struct {
	Frequencies map[string]SignatureStats `json:"frequencies"`
	TotalEvents float64                   `json:"totalEvents"`
	LastUpdated time.Time                 `json:"lastUpdated"`
}

// NewModel returns an empty expectation model.
func NewModel() *Model {
	return &Model{Frequencies: make(map[string]SignatureStats)}
}

// Config tunes the capture pipeline.
type Config struct {
	// BaseThreshold is the default expectedness bar below which events are captured.
	BaseThreshold float64 `mapstructure:"base_threshold" yaml:"base_threshold"`
	// ThresholdMin / ThresholdMax clamp the adaptive threshold.
	ThresholdMin float64 `mapstructure:"threshold_min" yaml:"threshold_min"`
	ThresholdMax float64 `mapstructure:"threshold_max" yaml:"threshold_max"`
	// DensityWindow is the lookback for recent capture density.
	DensityWindow time.Duration `mapstructure:"density_window" yaml:"density_window"`
	// HighDensity / LowDensity are the capture counts that raise or lower the bar.
	HighDensity int `mapstructure:"high_density" yaml:"high_density"`
	LowDensity  int `mapstructure:"low_density" yaml:"low_density"`
	// MaxSignatures caps the model; pruning keeps the best-scoring 80%.
	MaxSignatures int `mapstructure:"max_signatures" yaml:"max_signatures"`
	// DecayRate is the per-session exponential decay applied to counts.
	DecayRate float64 `mapstructure:"decay_rate" yaml:"decay_rate"`
	// ForgetFloor drops signatures whose decayed count falls below it.
	ForgetFloor float64 `mapstructure:"forget_floor" yaml:"forget_floor"`
}

// DefaultConfig returns the default capture tuning.
func DefaultConfig() Config {
	return Config{
		BaseThreshold: 0.6,
		ThresholdMin:  0.3,
		ThresholdMax:  0.85,
		DensityWindow: 4 * time.Hour,
		HighDensity:   8,
		LowDensity:    2,
		MaxSignatures: 500,
		DecayRate:     0.8,
		ForgetFloor:   0.2,
	}
}

// Signature derives the coarse expectation key for an event: category plus
// whichever structural qualifiers are present. Free-text detail is
// deliberately excluded so structurally-similar events collide.
func Signature(event Event) string {
	parts := []string{strings.ToLower(strings.TrimSpace(event.Category))}
	for _, p := range []string{event.Subcategory, event.ErrorClass, event.ToolName, event.OutcomeClass} {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ":")
}

// EstimateExpectedness estimates how routine an event is, in [0,1]. A
// never-seen signature is exactly 0. Otherwise the estimate blends
// log-scaled decayed frequency, the signature's share of all events,
// recency (within the last hour reads as high), and a small session-fatigue
// term that makes late-session repeats feel more routine.
func EstimateExpectedness(event Event, model *Model, session *brain.State, now time.Time) float64 {
	if model == nil {
		return 0
	}

	stats, ok := model.Frequencies[Signature(event)]
	if !ok || stats.Count <= 0 {
		return 0
	}

	// Log-scaled frequency, saturating around 20 observations.
	freqScore := math.Log(1+stats.Count) / math.Log(1+20)
	freqScore = memory.Clamp01(freqScore)

	proportion := 0.0
	if model.TotalEvents > 0 {
		proportion = memory.Clamp01(stats.Count / model.TotalEvents)
	}

	recency := 0.0
	age := now.Sub(stats.LastSeen)
	switch {
	case age <= time.Hour:
		recency = 1.0
	case age <= 24*time.Hour:
		recency = 1.0 - age.Hours()/24.0
	}

	fatigue := 0.0
	if session != nil && session.MessageCount > 0 {
		fatigue = memory.Clamp01(float64(session.MessageCount) / 50.0)
	}

	return memory.Clamp01(0.45*freqScore + 0.15*proportion + 0.30*recency + 0.10*fatigue)
}

// AdaptiveThreshold adjusts the capture bar against recent capture density:
// a burst of recent captures raises it, a quiet stretch lowers it. The
// result is clamped to the configured band.
func AdaptiveThreshold(recent []memory.Memory, cfg Config, now time.Time) float64 {
	captured := 0
	cutoff := now.Add(-cfg.DensityWindow)

	for i := range recent {
		if recent[i].PredictionError != nil && recent[i].CreatedAt.After(cutoff) {
			captured++
		}
	}

	threshold := cfg.BaseThreshold
	switch {
	case captured >= cfg.HighDensity:
		threshold += 0.15
	case captured <= cfg.LowDensity:
		threshold -= 0.15
	}

	return memory.ClampRange(threshold, cfg.ThresholdMin, cfg.ThresholdMax)
}

// CaptureDecision reports whether and how strongly to encode an event.
type CaptureDecision struct {
	Capture          bool    `json:"capture"`
	Expectedness     float64 `json:"expectedness"`
	Surprise         float64 `json:"surprise"`
	Threshold        float64 `json:"threshold"`
	EncodingStrength float64 `json:"encodingStrength"`
	Reason           string  `json:"reason"`
}

// ShouldAutoCapture decides whether an event is surprising enough to
// materialize as a memory. Explicit high-severity events always capture.
// Encoding strength scales with surprise: the more unexpected the event,
// the stronger the trace it leaves.
func ShouldAutoCapture(event Event, model *Model, session *brain.State, recent []memory.Memory, cfg Config, now time.Time) CaptureDecision {
	expectedness := EstimateExpectedness(event, model, session, now)
	surprise := 1 - expectedness
	threshold := AdaptiveThreshold(recent, cfg, now)

	decision := CaptureDecision{
		Expectedness: expectedness,
		Surprise:     surprise,
		Threshold:    threshold,
	}

	if event.Severity == memory.SeverityHigh {
		decision.Capture = true
		decision.EncodingStrength = 1.0
		decision.Reason = "explicit high-severity event"
		return decision
	}

	if expectedness < threshold {
		decision.Capture = true
		decision.EncodingStrength = memory.ClampRange(surprise, 0.3, 1.0)
		decision.Reason = fmt.Sprintf("expectedness %.2f below threshold %.2f", expectedness, threshold)
		return decision
	}

	decision.Reason = fmt.Sprintf("expectedness %.2f at or above threshold %.2f", expectedness, threshold)
	return decision
}

// NewSurpriseMemory materializes a captured event as a memory candidate plus
// the prediction error to record on the stored memory. Valence picks the
// type, severity scales inversely with expectedness, and the rule comes from
// an explicit lesson or is derived from the description.
func NewSurpriseMemory(event Event, decision CaptureDecision) (*memory.Candidate, float64) {
	memType := memory.TypeFact
	switch event.Valence {
	case ValenceNegative:
		memType = memory.TypePain
	case ValencePositive:
		memType = memory.TypeWin
	}

	severity := memory.SeverityLow
	switch {
	case event.Severity == memory.SeverityHigh || decision.Expectedness < 0.2:
		severity = memory.SeverityHigh
	case decision.Expectedness < 0.5:
		severity = memory.SeverityMedium
	}

	rule := strings.TrimSpace(event.Lesson)
	if rule == "" {
		rule = "Watch for: " + strings.TrimSpace(event.Description)
	}

	title := memory.ClipRunes(strings.TrimSpace(event.Description), 80)

	content := fmt.Sprintf("%s\n\nPrediction error: %.2f (expectedness %.2f, signature %s)",
		strings.TrimSpace(event.Description), decision.Surprise, decision.Expectedness, Signature(event))

	tags := event.Tags
	if len(tags) == 0 {
		tags = []string{strings.ToLower(event.Category)}
	}

	candidate := &memory.Candidate{
		Type:     memType,
		Title:    title,
		Content:  content,
		Rule:     rule,
		Tags:     tags,
		Severity: severity,
	}

	return candidate, decision.Surprise
}

// UpdateExpectations folds a processed event into the model.
func UpdateExpectations(model *Model, event Event, now time.Time) {
	if model.Frequencies == nil {
		model.Frequencies = make(map[string]SignatureStats)
	}

	sig := Signature(event)
	stats, ok := model.Frequencies[sig]
	if !ok {
		stats = SignatureStats{FirstSeen: now}
	}
	stats.Count++
	stats.LastSeen = now

	model.Frequencies[sig] = stats
	model.TotalEvents++
	model.LastUpdated = now
}

// Prune trims the model back under its size cap, keeping the top 80% of
// signatures by a recency-weighted frequency score.
func Prune(model *Model, cfg Config, now time.Time) int {
	if len(model.Frequencies) <= cfg.MaxSignatures {
		return 0
	}

	type scored struct {
		sig   string
		score float64
	}

	items := make([]scored, 0, len(model.Frequencies))
	for sig, stats := range model.Frequencies {
		ageDays := now.Sub(stats.LastSeen).Hours() / 24
		recency := math.Exp(-ageDays / 7)
		items = append(items, scored{sig: sig, score: stats.Count * recency})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].score > items[j].score })

	keep := int(float64(len(items)) * 0.8)
	pruned := 0
	for _, item := range items[keep:] {
		delete(model.Frequencies, item.sig)
		pruned++
	}

	log.Debug().Int("pruned", pruned).Int("remaining", len(model.Frequencies)).Msg("expectation model pruned")
	return pruned
}

// Decay applies exponential decay to every signature at a session boundary,
// dropping signatures that fall below the forget floor. Yesterday's routine
// event should not stay routine forever.
func Decay(model *Model, cfg Config, now time.Time) {
	for sig, stats := range model.Frequencies {
		stats.Count *= cfg.DecayRate
		if stats.Count < cfg.ForgetFloor {
			delete(model.Frequencies, sig)
			continue
		}
		model.Frequencies[sig] = stats
	}

	model.TotalEvents *= cfg.DecayRate
	model.LastUpdated = now
}
