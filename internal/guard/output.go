package guard

import (
	"context"
	"strings"

	"github.com/bastion-sec/bastion/internal/detect"
	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/redact"
	"github.com/bastion-sec/bastion/internal/rules"
	"go.uber.org/zap"
)

// OutputResult is the output stage's findings over the agent response.
type OutputResult struct {
	SanitizedText string
	LeakThreats   []entity.Threat
	Entities      []entity.Entity // PII the agent echoed back
	Risk          float64
}

// OutputGuard re-checks the agent's response: leak fingerprints, a PII
// re-scan with the same detector the input side uses, and malicious-content
// sanitization.
type OutputGuard struct {
	detector *detect.Detector
	redactor *redact.Redactor
	rules    rules.Provider
	logger   *zap.Logger
}

func NewOutputGuard(detector *detect.Detector, redactor *redact.Redactor, provider rules.Provider, logger *zap.Logger) *OutputGuard {
	return &OutputGuard{
		detector: detector,
		redactor: redactor,
		rules:    provider,
		logger:   logger,
	}
}

// Process scans the agent response and returns the sanitized form.
func (g *OutputGuard) Process(ctx context.Context, text string) OutputResult {
	if strings.TrimSpace(text) == "" {
		return OutputResult{SanitizedText: text}
	}

	snap := g.rules.Current()

	var threats []entity.Threat
	for _, fp := range snap.LeakFingerprints {
		if !fp.Regex.MatchString(text) {
			continue
		}
		threats = append(threats, entity.Threat{
			Category:   entity.CategoryLeak,
			Subtype:    fp.Name,
			Confidence: fp.Confidence,
			Severity:   fp.Severity,
			Signatures: []string{fp.Name},
		})
	}

	// The agent may echo back sensitive data it was handed or has seen
	// elsewhere; re-run the detector over the response.
	entities, _ := g.detector.Detect(ctx, text)
	sanitized, entities := g.redactor.Apply(text, entities)

	sanitized, stripped := sanitizeMalicious(sanitized)
	if len(stripped) > 0 {
		threats = append(threats, entity.Threat{
			Category:   entity.CategoryMaliciousContent,
			Subtype:    "active_content",
			Confidence: 0.9,
			Severity:   entity.SeverityHigh,
			Signatures: stripped,
		})
	}

	return OutputResult{
		SanitizedText: sanitized,
		LeakThreats:   threats,
		Entities:      entities,
		Risk:          g.risk(threats, entities),
	}
}

func (g *OutputGuard) risk(threats []entity.Threat, entities []entity.Entity) float64 {
	leakComponent := 0.0
	for _, t := range threats {
		if t.Confidence > leakComponent {
			leakComponent = t.Confidence
		}
	}

	piiComponent := 0.0
	for _, e := range entities {
		if v := e.Confidence * e.Type.Sensitivity(); v > piiComponent {
			piiComponent = v
		}
	}

	score := leakComponent
	if piiComponent > score {
		score = piiComponent
	}
	return score
}
