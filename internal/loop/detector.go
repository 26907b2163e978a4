// Package loop analyzes a session's trailing action window for exact,
// semantic and cyclic repetition.
package loop

import (
	"github.com/bastion-sec/bastion/internal/session"
)

// Kind classifies the detected repetition.
type Kind int

const (
	KindNone Kind = iota
	KindExact
	KindSemantic
	KindCyclic
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindSemantic:
		return "semantic"
	case KindCyclic:
		return "cyclic"
	default:
		return "none"
	}
}

// Suggestion is the detector's recommended action.
type Suggestion int

const (
	SuggestContinue Suggestion = iota
	SuggestWarn
	SuggestBlock
)

func (s Suggestion) String() string {
	switch s {
	case SuggestWarn:
		return "warn"
	case SuggestBlock:
		return "block"
	default:
		return "continue"
	}
}

// Result is recomputed on every action appended to the window.
type Result struct {
	Kind        Kind
	Confidence  float64
	Repetitions int
	Suggested   Suggestion
}

// Config holds the detection thresholds. All of them come from the active
// rule set, never hard-coded call sites.
type Config struct {
	MaxIdenticalCalls int     // exact-loop trigger
	SemanticThreshold float64 // pairwise similarity floor
	SemanticMinCount  int     // similar occurrences needed
	WarnThreshold     int     // repetitions >= this warn
	BlockThreshold    int     // repetitions >= this block
}

// Detector analyzes windows. Stateless; safe for concurrent use.
type Detector struct {
	cfg Config
}

func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Analyze inspects the window and returns the strongest repetition finding.
// Exact beats semantic beats cyclic when multiple kinds fire, since exact
// repetition is the highest-confidence signal.
func (d *Detector) Analyze(w session.Window) Result {
	if w.Len() < 2 {
		return Result{Kind: KindNone, Suggested: SuggestContinue}
	}

	if r, ok := d.exact(w); ok {
		return r
	}
	if r, ok := d.semantic(w); ok {
		return r
	}
	if r, ok := d.cyclic(w); ok {
		return r
	}
	return Result{Kind: KindNone, Suggested: SuggestContinue}
}

// exact flags the same (name, args) hash appearing MaxIdenticalCalls or more
// times in the window. Confidence is 1.0: identical calls are identical.
func (d *Detector) exact(w session.Window) (Result, bool) {
	counts := make(map[string]int, w.Len())
	max := 0
	for _, a := range w.Actions {
		counts[a.Key()]++
		if counts[a.Key()] > max {
			max = counts[a.Key()]
		}
	}

	if max < d.cfg.MaxIdenticalCalls {
		return Result{}, false
	}
	return Result{
		Kind:        KindExact,
		Confidence:  1.0,
		Repetitions: max,
		Suggested:   d.suggest(max),
	}, true
}

// semantic flags near-identical argument strings for the same action name:
// pairwise trigram similarity >= the threshold across SemanticMinCount or
// more occurrences. Confidence is the mean similarity of the flagged group.
func (d *Detector) semantic(w session.Window) (Result, bool) {
	byName := make(map[string][]string)
	for _, a := range w.Actions {
		byName[a.Name] = append(byName[a.Name], a.Args)
	}

	for _, args := range byName {
		if len(args) < d.cfg.SemanticMinCount {
			continue
		}

		// Count how many later occurrences are similar to the first and
		// average their similarity. A loop restates the same arguments with
		// minor variation, so anchoring on the earliest occurrence is enough.
		similar := 1
		sum := 0.0
		for _, other := range args[1:] {
			sim := trigramSimilarity(args[0], other)
			if sim >= d.cfg.SemanticThreshold {
				similar++
				sum += sim
			}
		}
		if similar < d.cfg.SemanticMinCount {
			continue
		}
		return Result{
			Kind:        KindSemantic,
			Confidence:  sum / float64(similar-1),
			Repetitions: similar,
			Suggested:   d.suggest(similar),
		}, true
	}
	return Result{}, false
}

// cyclic searches for a repeating subsequence of period 2..len/2 at the tail
// of the window (A,B,A,B or A,B,C,A,B,C). Confidence grows with the number
// of observed repeats. Periods whose elements are all identical are left to
// the exact detector.
func (d *Detector) cyclic(w session.Window) (Result, bool) {
	keys := make([]string, w.Len())
	for i, a := range w.Actions {
		keys[i] = a.Key()
	}

	n := len(keys)
	for period := 2; period <= n/2; period++ {
		repeats := 1
		for start := n - 2*period; start >= 0; start -= period {
			if !equalSlices(keys[start:start+period], keys[n-period:n]) {
				break
			}
			repeats++
		}
		if repeats < 2 {
			continue
		}
		if uniform(keys[n-period : n]) {
			continue
		}

		confidence := 0.5 + 0.15*float64(repeats-1)
		if confidence > 0.95 {
			confidence = 0.95
		}
		return Result{
			Kind:        KindCyclic,
			Confidence:  confidence,
			Repetitions: repeats,
			Suggested:   d.suggest(repeats),
		}, true
	}
	return Result{}, false
}

func (d *Detector) suggest(repetitions int) Suggestion {
	switch {
	case repetitions >= d.cfg.BlockThreshold:
		return SuggestBlock
	case repetitions >= d.cfg.WarnThreshold:
		return SuggestWarn
	default:
		return SuggestContinue
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func uniform(keys []string) bool {
	for _, k := range keys[1:] {
		if k != keys[0] {
			return false
		}
	}
	return true
}
