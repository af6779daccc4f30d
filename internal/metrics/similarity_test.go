package metrics

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, Similarity("hello", "hello"), 1e-9)
	assert.InDelta(t, 1.0, Similarity("Hello World", "  hello world "), 1e-9)
	assert.InDelta(t, 0.0, Similarity("abc", "xyz"), 1e-9)

	// One substitution in a 5-char string.
	assert.InDelta(t, 0.8, Similarity("hello", "hallo"), 1e-9)
}

func TestSimilaritySymmetricAndBounded(t *testing.T) {
	pairs := [][2]string{
		{"hello world", "goodbye"},
		{"", "something"},
		{"aaaa", "aaab"},
		{"The quick brown fox", "the quick brown fox jumps"},
	}

	for _, p := range pairs {
		ab := Similarity(p[0], p[1])
		ba := Similarity(p[1], p[0])
		assert.InDelta(t, ab, ba, 1e-9)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	}
}

func TestSimilarityTrackerFirstResponseScoresZero(t *testing.T) {
	tracker := NewSimilarityTracker()
	assert.InDelta(t, 0.0, tracker.Score("first ever response"), 1e-9)
}

func TestSimilarityTrackerMaxAgainstPriors(t *testing.T) {
	tracker := NewSimilarityTracker()
	tracker.Score("the weather is sunny")
	tracker.Score("completely different")

	// Exact repeat of the first response scores 1 even though a less
	// similar response arrived in between.
	assert.InDelta(t, 1.0, tracker.Score("the weather is sunny"), 1e-9)
}

func TestSimilarityTrackerWindowBound(t *testing.T) {
	tracker := NewSimilarityTracker()
	tracker.Score("needle needle needle")
	for i := 0; i < similarityWindow; i++ {
		tracker.Score(fmt.Sprintf("filler response number %d with padding", i))
	}

	// The needle has been evicted; an exact repeat no longer scores 1.
	assert.Less(t, tracker.Score("needle needle needle"), 1.0)
}
