// Package stigmergy implements an optional thermal-tag coordination layer:
// a soft, advisory, exponentially-decaying signal with no safety-critical
// role in the consensus core. Only the tag data model and decay law live
// here; the harness uses it for advisory per-node health coloring in
// scenario reports (see pkg/harness).
package stigmergy

import (
	"math"
	"time"
)

// DecayRate is the exponential decay constant λ (per second).
const DecayRate = 0.1

// MaxAge is how long a tag remains meaningful; strength is forced to 0
// beyond it.
const MaxAge = 30 * time.Second

// Tag is a thermal tag deposited by a module.
type Tag struct {
	Source          string
	Temperature     float64
	PowerLevel      float64
	CreatedAt       time.Time
	InitialStrength float64
}

// NewTag creates a tag with strength 1.0 at creation time.
func NewTag(source string, temperature, powerLevel float64, now time.Time) Tag {
	return Tag{
		Source:          source,
		Temperature:     temperature,
		PowerLevel:      powerLevel,
		CreatedAt:       now,
		InitialStrength: 1.0,
	}
}

// Strength computes the tag's current strength, s0*exp(-lambda*age),
// clamped to 0 for negative or over-max age.
func (t Tag) Strength(now time.Time) float64 {
	age := now.Sub(t.CreatedAt)
	if age < 0 || age > MaxAge {
		return 0
	}
	return t.InitialStrength * math.Exp(-DecayRate*age.Seconds())
}

// IsExpired reports whether the tag has aged past MaxAge.
func (t Tag) IsExpired(now time.Time) bool {
	return now.Sub(t.CreatedAt) > MaxAge
}

// Board merges thermal tags from multiple sources, keeping the most recently
// merged reading per source, for advisory display (the harness's
// "per-node health coloring" consumer, not a correctness input anywhere in
// the consensus core).
type Board struct {
	bySource map[string]Tag
}

// NewBoard creates an empty tag board.
func NewBoard() *Board {
	return &Board{bySource: make(map[string]Tag)}
}

// Merge records tag, replacing any prior tag from the same source.
func (b *Board) Merge(tag Tag) {
	b.bySource[tag.Source] = tag
}

// Snapshot returns the live (non-expired) tags as of now, keyed by source.
func (b *Board) Snapshot(now time.Time) map[string]Tag {
	out := make(map[string]Tag, len(b.bySource))
	for source, tag := range b.bySource {
		if !tag.IsExpired(now) {
			out[source] = tag
		}
	}
	return out
}
