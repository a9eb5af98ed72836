package vectorindex

import (
	"fmt"
	"math"
	"sort"
)

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA <= 0 || normB <= 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func matchesFilter(meta map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := meta[key]
		if !ok {
			return false
		}
		switch v := got.(type) {
		case string:
			if v != want {
				return false
			}
		default:
			if fmt.Sprint(v) != want {
				return false
			}
		}
	}
	return true
}

// sortMatches orders by descending score; equal scores fall back to ID so
// results do not depend on storage iteration order.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}

func topKMatches(matches []Match, k int) []Match {
	sortMatches(matches)
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches
}
