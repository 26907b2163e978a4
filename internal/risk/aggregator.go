// Package risk combines per-stage scores into one decision: continue, warn
// or block, optionally escalating to deep analysis.
package risk

import (
	"fmt"

	"github.com/bastion-sec/bastion/internal/entity"
)

// Decision is the aggregate enforcement outcome.
type Decision int

const (
	DecisionContinue Decision = iota
	DecisionWarn
	DecisionBlock
)

func (d Decision) String() string {
	switch d {
	case DecisionWarn:
		return "warn"
	case DecisionBlock:
		return "block"
	default:
		return "continue"
	}
}

// Stage names used in score attribution and weights.
const (
	StageInput  = "input_guard"
	StageState  = "state_monitor"
	StageOutput = "output_guard"
)

// StageScore is one stage's risk contribution.
type StageScore struct {
	Stage string
	Score float64
}

// Config holds the aggregation weights and decision thresholds. Weights must
// sum to 1 across all known stages; when a stage is absent (e.g. output
// guard skipped after a block) the remaining weights are renormalized.
type Config struct {
	Weights           map[string]float64
	WarnThreshold     float64
	BlockThreshold    float64
	EscalateThreshold float64
}

// DefaultConfig returns input 0.4 / state 0.3 / output 0.3.
func DefaultConfig() Config {
	return Config{
		Weights: map[string]float64{
			StageInput:  0.4,
			StageState:  0.3,
			StageOutput: 0.3,
		},
		WarnThreshold:     0.5,
		BlockThreshold:    0.8,
		EscalateThreshold: 0.7,
	}
}

// Validate rejects weight sets that don't sum to 1 (within epsilon).
func (c Config) Validate() error {
	sum := 0.0
	for _, w := range c.Weights {
		if w < 0 {
			return fmt.Errorf("risk: negative weight %f", w)
		}
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("risk: stage weights sum to %f, want 1", sum)
	}
	return nil
}

// Assessment is the aggregate result.
type Assessment struct {
	OverallScore float64
	Level        entity.Level
	Decision     Decision
	Escalate     bool
}

// Aggregator applies the configured weights and thresholds.
type Aggregator struct {
	cfg Config
}

func NewAggregator(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate computes the weighted score over the stages present. Scores are
// clamped to [0,1] before weighting, so the overall score is always in
// [0,1] for any weight set summing to 1.
func (a *Aggregator) Aggregate(scores []StageScore) Assessment {
	weightSum := 0.0
	weighted := 0.0
	for _, s := range scores {
		w, ok := a.cfg.Weights[s.Stage]
		if !ok {
			continue
		}
		weighted += w * clamp01(s.Score)
		weightSum += w
	}

	overall := 0.0
	if weightSum > 0 {
		overall = weighted / weightSum
	}

	decision := DecisionContinue
	switch {
	case overall >= a.cfg.BlockThreshold:
		decision = DecisionBlock
	case overall >= a.cfg.WarnThreshold:
		decision = DecisionWarn
	}

	return Assessment{
		OverallScore: overall,
		Level:        entity.LevelFromScore(overall),
		Decision:     decision,
		Escalate:     overall >= a.cfg.EscalateThreshold,
	}
}

// Merge folds a deep-analysis verdict into the rule-based decision. Severity
// never goes down: an analysis block overrides a warn, an analysis continue
// never downgrades a rule-based warn or block.
func Merge(ruleBased, deep Decision) Decision {
	if deep > ruleBased {
		return deep
	}
	return ruleBased
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
