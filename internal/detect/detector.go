// Package detect finds sensitive entities in text by pattern matching and,
// when a model is configured, named-entity recognition. Overlapping hits from
// different methods are merged so the same underlying value is never counted
// twice.
package detect

import (
	"context"

	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/rules"
	"go.uber.org/zap"
)

// Candidate is a raw detection before deduplication.
type Candidate struct {
	Type       entity.Type
	Start      int
	End        int
	Confidence float64
	Method     entity.Method
}

// Model is an optional named-entity recognizer. Implementations may be
// remote; their failure must never fail detection as a whole.
type Model interface {
	Recognize(ctx context.Context, text string) ([]Candidate, error)
}

// Detector runs the active entity patterns and the optional model.
type Detector struct {
	rules  rules.Provider
	model  Model
	logger *zap.Logger
}

func NewDetector(provider rules.Provider, model Model, logger *zap.Logger) *Detector {
	return &Detector{
		rules:  provider,
		model:  model,
		logger: logger,
	}
}

// Detect returns the deduplicated entity set for text. degraded reports that
// the model was configured but unavailable, so only pattern results are
// included.
func (d *Detector) Detect(ctx context.Context, text string) (entities []entity.Entity, degraded bool) {
	if text == "" {
		return nil, false
	}

	snap := d.rules.Current()
	var candidates []Candidate

	for _, p := range snap.EntityPatterns {
		for _, loc := range p.Regex.FindAllStringIndex(text, -1) {
			match := text[loc[0]:loc[1]]
			if p.Validate != nil && !p.Validate(match, text, loc[0]) {
				continue
			}
			candidates = append(candidates, Candidate{
				Type:       p.Type,
				Start:      loc[0],
				End:        loc[1],
				Confidence: p.Confidence,
				Method:     entity.MethodPattern,
			})
		}
	}

	if d.model != nil {
		modelHits, err := d.model.Recognize(ctx, text)
		if err != nil {
			degraded = true
			d.logger.Warn("entity model unavailable, pattern-only detection", zap.Error(err))
		} else {
			candidates = append(candidates, modelHits...)
		}
	}

	return Dedupe(candidates), degraded
}
