// Package rules holds the read-only active rule set the pipeline consumes:
// entity patterns, injection signatures, leak fingerprints and thresholds.
// Rule authoring and versioning live outside this process; loaders here only
// materialize a snapshot and refresh it out of band.
package rules

import (
	"regexp"

	"github.com/bastion-sec/bastion/internal/entity"
)

// EntityPattern matches one sensitive entity type.
type EntityPattern struct {
	Type       entity.Type
	Regex      *regexp.Regexp
	Confidence float64
	// Validate optionally rejects a raw match (e.g. Luhn check for cards,
	// version-string suppression for IPs).
	Validate func(match string, text string, start int) bool
}

// InjectionSignature matches one known attack phrasing.
type InjectionSignature struct {
	Name       string
	Subtype    string // instruction_override, roleplay_jailbreak, delimiter_breaking, prompt_extraction, encoded_payload
	Regex      *regexp.Regexp
	Confidence float64
	Severity   entity.Severity
}

// LeakFingerprint matches internal data or system-instruction text that must
// never appear in agent output.
type LeakFingerprint struct {
	Name       string
	Regex      *regexp.Regexp
	Confidence float64
	Severity   entity.Severity
}

// Exemplar is a canonical attack phrasing used for semantic similarity.
type Exemplar struct {
	Text     string
	Subtype  string
	Severity float64
}

// Thresholds are the tunable decision points consumed by the stages.
type Thresholds struct {
	InputBlock        float64 // input guard risk >= this blocks before agent exec
	Warn              float64 // aggregate risk >= this warns
	Block             float64 // aggregate risk >= this blocks
	Escalate          float64 // aggregate risk >= this triggers deep analysis
	MaxIdenticalCalls int     // exact-loop trigger count
	LoopWarn          int     // repetitions >= this warn
	LoopBlock         int     // repetitions >= this block
	SemanticLoop      float64 // pairwise similarity threshold
	SemanticMinCount  int     // occurrences needed at that similarity
	StallCalls        int     // unchanged progress marker over this many calls
	TokenBudget       int     // per-session token budget
	WindowSize        int     // trailing action window capacity
}

// Snapshot is one immutable view of the active rule set. A Snapshot is never
// mutated after construction; providers swap whole snapshots atomically.
type Snapshot struct {
	Version             string
	EntityPatterns      []EntityPattern
	InjectionSignatures []InjectionSignature
	LeakFingerprints    []LeakFingerprint
	Exemplars           []Exemplar
	Thresholds          Thresholds
}

// Provider exposes the current snapshot to the pipeline.
type Provider interface {
	Current() *Snapshot
}

// Static is a Provider pinned to one snapshot. Used in tests and when no
// external rule store is configured.
type Static struct {
	snap *Snapshot
}

func NewStatic(snap *Snapshot) *Static {
	return &Static{snap: snap}
}

func (s *Static) Current() *Snapshot {
	return s.snap
}

// DefaultThresholds returns the stock decision points.
func DefaultThresholds() Thresholds {
	return Thresholds{
		InputBlock:        0.8,
		Warn:              0.5,
		Block:             0.8,
		Escalate:          0.7,
		MaxIdenticalCalls: 3,
		LoopWarn:          3,
		LoopBlock:         5,
		SemanticLoop:      0.85,
		SemanticMinCount:  3,
		StallCalls:        5,
		TokenBudget:       100_000,
		WindowSize:        20,
	}
}
