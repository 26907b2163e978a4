package loop

import "strings"

// trigramSimilarity returns the Jaccard similarity of the two strings'
// character trigram sets, in [0,1]. Cheap, deterministic, and good enough to
// catch argument strings that differ only in counters or whitespace.
func trigramSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	ta := trigrams(a)
	tb := trigrams(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0.0
	}

	intersection := 0
	for g := range ta {
		if tb[g] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	return float64(intersection) / float64(union)
}

func trigrams(s string) map[string]bool {
	s = strings.ToLower(s)
	runes := []rune(s)
	grams := make(map[string]bool)
	if len(runes) < 3 {
		if len(runes) > 0 {
			grams[string(runes)] = true
		}
		return grams
	}
	for i := 0; i+3 <= len(runes); i++ {
		grams[string(runes[i:i+3])] = true
	}
	return grams
}
