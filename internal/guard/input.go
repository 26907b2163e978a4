// Package guard implements the input and output inspection stages: entity
// detection, redaction, injection scoring on the way in; leak detection and
// sanitization on the way out.
package guard

import (
	"context"
	"strings"

	"github.com/bastion-sec/bastion/internal/detect"
	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/inject"
	"github.com/bastion-sec/bastion/internal/redact"
	"go.uber.org/zap"
)

// InputResult is the input stage's output.
type InputResult struct {
	SanitizedText string
	Entities      []entity.Entity
	Threats       []entity.Threat
	Risk          float64
	Degraded      bool // entity model unavailable, pattern-only detection
}

// InputGuard composes detection, redaction and injection scoring.
type InputGuard struct {
	detector *detect.Detector
	redactor *redact.Redactor
	scorer   *inject.Scorer
	logger   *zap.Logger

	// Risk is a weighted combination of the strongest sensitivity-scaled
	// entity hit and the strongest injection match.
	entityWeight    float64
	injectionWeight float64
}

func NewInputGuard(detector *detect.Detector, redactor *redact.Redactor, scorer *inject.Scorer, logger *zap.Logger) *InputGuard {
	return &InputGuard{
		detector:        detector,
		redactor:        redactor,
		scorer:          scorer,
		logger:          logger,
		entityWeight:    1.0,
		injectionWeight: 1.0,
	}
}

// Process inspects text and returns the sanitized form plus findings.
// Malformed or empty input is a zero-risk pass-through.
func (g *InputGuard) Process(ctx context.Context, text string) InputResult {
	if strings.TrimSpace(text) == "" {
		return InputResult{SanitizedText: text}
	}

	entities, degraded := g.detector.Detect(ctx, text)
	sanitized, entities := g.redactor.Apply(text, entities)
	threats := g.scorer.Score(ctx, text)

	return InputResult{
		SanitizedText: sanitized,
		Entities:      entities,
		Threats:       threats,
		Risk:          g.risk(entities, threats),
		Degraded:      degraded,
	}
}

func (g *InputGuard) risk(entities []entity.Entity, threats []entity.Threat) float64 {
	entityComponent := 0.0
	for _, e := range entities {
		if v := e.Confidence * e.Type.Sensitivity(); v > entityComponent {
			entityComponent = v
		}
	}

	injectionComponent := 0.0
	for _, t := range threats {
		if t.Confidence > injectionComponent {
			injectionComponent = t.Confidence
		}
	}

	score := entityComponent * g.entityWeight
	if v := injectionComponent * g.injectionWeight; v > score {
		score = v
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}
