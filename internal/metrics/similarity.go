// Package metrics scores responses, accumulates per-message samples and
// exposes Prometheus collectors for the execution engine.
package metrics

import (
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"
)

// similarityWindow is how many prior responses a session retains for
// repetition scoring.
const similarityWindow = 10

// Similarity computes a normalized edit-distance similarity in [0,1].
// Comparison is case-insensitive over trimmed input; two empty strings
// score 1.
func Similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))

	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1
	}

	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(maxLen)
}

// SimilarityTracker scores each response against the session's recent
// responses to surface repetitive bot output.
type SimilarityTracker struct {
	mu    sync.Mutex
	prior []string
}

// NewSimilarityTracker returns an empty tracker.
func NewSimilarityTracker() *SimilarityTracker {
	return &SimilarityTracker{}
}

// Score returns the maximum similarity between text and any retained
// prior response (0 when none exist), then retains text for future
// comparisons. Only the most recent responses are kept.
func (t *SimilarityTracker) Score(text string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	score := 0.0
	for _, prev := range t.prior {
		if s := Similarity(text, prev); s > score {
			score = s
		}
	}

	t.prior = append(t.prior, text)
	if len(t.prior) > similarityWindow {
		t.prior = t.prior[len(t.prior)-similarityWindow:]
	}

	return score
}
