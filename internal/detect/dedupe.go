package detect

import (
	"sort"

	"github.com/bastion-sec/bastion/internal/entity"
)

// Dedupe merges candidates whose spans overlap, keeping the one with the
// higher confidence. Merging is by span overlap, not text equality: the same
// value found by pattern and model rarely has byte-identical spans.
func Dedupe(candidates []Candidate) []entity.Entity {
	if len(candidates) == 0 {
		return nil
	}

	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	merged := []Candidate{sorted[0]}
	for _, c := range sorted[1:] {
		last := &merged[len(merged)-1]
		if c.Start < last.End {
			// Overlap: keep the higher-confidence hit, widen the span so
			// redaction covers the union of both detections.
			if c.Confidence > last.Confidence {
				last.Type = c.Type
				last.Confidence = c.Confidence
				last.Method = c.Method
			}
			if c.End > last.End {
				last.End = c.End
			}
			continue
		}
		merged = append(merged, c)
	}

	entities := make([]entity.Entity, len(merged))
	for i, c := range merged {
		entities[i] = entity.Entity{
			Type:       c.Type,
			Start:      c.Start,
			End:        c.End,
			Confidence: c.Confidence,
			Method:     c.Method,
		}
	}
	return entities
}
