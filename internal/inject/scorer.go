// Package inject scores text against known prompt-injection attack
// signatures and, when an embedder is available, against semantic exemplars
// of known attacks.
package inject

import (
	"context"
	"encoding/base64"
	"regexp"
	"sort"
	"unicode/utf8"

	"github.com/bastion-sec/bastion/internal/entity"
	"github.com/bastion-sec/bastion/internal/rules"
	"go.uber.org/zap"
)

// Candidate base64 runs long enough to hide an instruction. Decoded content
// is rescanned once; nested encodings are out of scope.
var reBase64Run = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)

// Scorer evaluates text against the active injection signatures.
type Scorer struct {
	rules    rules.Provider
	semantic *SemanticMatcher // optional
	logger   *zap.Logger
}

func NewScorer(provider rules.Provider, semantic *SemanticMatcher, logger *zap.Logger) *Scorer {
	return &Scorer{
		rules:    provider,
		semantic: semantic,
		logger:   logger,
	}
}

// Score returns one threat per distinct subtype that fired, keeping the
// highest-confidence signature within each subtype.
func (s *Scorer) Score(ctx context.Context, text string) []entity.Threat {
	if text == "" {
		return nil
	}

	snap := s.rules.Current()
	best := make(map[string]*entity.Threat)

	s.matchSignatures(snap, text, false, best)

	// Decode suspicious base64 runs and rescan: encoded payloads carry the
	// same phrasings, just wrapped.
	for _, run := range reBase64Run.FindAllString(text, 4) {
		decoded, err := base64.StdEncoding.DecodeString(run)
		if err != nil || !utf8.Valid(decoded) {
			continue
		}
		s.matchSignatures(snap, string(decoded), true, best)
	}

	if s.semantic != nil && s.semantic.Ready() {
		match, err := s.semantic.Match(ctx, text)
		if err != nil {
			s.logger.Warn("semantic injection check unavailable, signatures only", zap.Error(err))
		} else if match != nil {
			sub := match.Subtype
			if prev, ok := best[sub]; !ok || match.Similarity > prev.Confidence {
				best[sub] = &entity.Threat{
					Category:   entity.CategoryInjection,
					Subtype:    sub,
					Confidence: match.Similarity,
					Severity:   entity.SeverityHigh,
					Signatures: []string{"semantic:" + match.Exemplar},
				}
			}
		}
	}

	threats := make([]entity.Threat, 0, len(best))
	for _, t := range best {
		threats = append(threats, *t)
	}
	// Map iteration order is random; keep the threat list stable.
	sort.Slice(threats, func(i, j int) bool { return threats[i].Subtype < threats[j].Subtype })
	return threats
}

func (s *Scorer) matchSignatures(snap *rules.Snapshot, text string, encoded bool, best map[string]*entity.Threat) {
	for _, sig := range snap.InjectionSignatures {
		if !sig.Regex.MatchString(text) {
			continue
		}
		subtype := sig.Subtype
		confidence := sig.Confidence
		name := sig.Name
		if encoded {
			subtype = "encoded_payload"
			name = "base64:" + name
		}
		if prev, ok := best[subtype]; ok {
			if confidence > prev.Confidence {
				prev.Confidence = confidence
				prev.Severity = sig.Severity
			}
			prev.Signatures = append(prev.Signatures, name)
			continue
		}
		best[subtype] = &entity.Threat{
			Category:   entity.CategoryInjection,
			Subtype:    subtype,
			Confidence: confidence,
			Severity:   sig.Severity,
			Signatures: []string{name},
		}
	}
}
